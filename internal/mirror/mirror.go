// Package mirror fans decoded readings out to local consumers (a time-series
// database, an MQTT broker). Mirrors are best-effort: their failures never
// influence delivery or buffering.
package mirror

import (
	"context"
	"errors"

	"github.com/LeonardoBeccarini/aq_uplink/internal/model"
)

// Sink receives every decoded reading.
type Sink interface {
	Name() string
	Mirror(ctx context.Context, r model.SensorReading) error
	Close()
}

// Set is a list of sinks treated as one.
type Set []Sink

// Mirror offers r to every sink and joins their errors.
func (s Set) Mirror(ctx context.Context, r model.SensorReading) error {
	var errs []error
	for _, sink := range s {
		if err := sink.Mirror(ctx, r); err != nil {
			errs = append(errs, &SinkError{Sink: sink.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

func (s Set) Close() {
	for _, sink := range s {
		sink.Close()
	}
}

type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return e.Sink + ": " + e.Err.Error() }
func (e *SinkError) Unwrap() error { return e.Err }
