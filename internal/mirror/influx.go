package mirror

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/LeonardoBeccarini/aq_uplink/internal/model"
)

const measurement = "air_quality"

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxSink writes one point per reading through the blocking write API.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	now      func() time.Time
}

func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx config incomplete")
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(5))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		now:      time.Now,
	}, nil
}

func (s *InfluxSink) Name() string { return "influx" }

func (s *InfluxSink) Mirror(ctx context.Context, r model.SensorReading) error {
	if err := s.writeAPI.WritePoint(ctx, ReadingToPoint(r, s.now())); err != nil {
		return fmt.Errorf("write point: %w", err)
	}
	return nil
}

func (s *InfluxSink) Close() {
	s.client.Close()
}

// ReadingToPoint maps a reading to an InfluxDB point: identity as tags, every
// metric as a float field.
func ReadingToPoint(r model.SensorReading, t time.Time) *write.Point {
	tags := map[string]string{
		"device_id": r.DeviceID,
		"site":      r.Site,
	}
	fields := make(map[string]interface{}, len(model.Metrics))
	for k, v := range r.Values() {
		fields[k] = v
	}
	return influxdb2.NewPoint(measurement, tags, fields, t)
}
