package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/LeonardoBeccarini/aq_uplink/internal/model"
)

// natsConn is the part of *nats.Conn the sink uses.
type natsConn interface {
	Publish(subj string, data []byte) error
	Drain() error
	Close()
}

type NATSConfig struct {
	URL     string
	Subject string // prefix, the device id is appended
}

// NATSSink publishes each reading on <subject>.<device_id>.
type NATSSink struct {
	nc      natsConn
	subject string
}

func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("aq-uplink"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	return newNATSSink(nc, cfg.Subject), nil
}

func newNATSSink(nc natsConn, subject string) *NATSSink {
	if subject == "" {
		subject = "sensors.airquality"
	}
	return &NATSSink{nc: nc, subject: strings.TrimRight(subject, ".")}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Subject(r model.SensorReading) string {
	return s.subject + "." + r.DeviceID
}

func (s *NATSSink) Mirror(_ context.Context, r model.SensorReading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}
	if err := s.nc.Publish(s.Subject(r), payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (s *NATSSink) Close() {
	_ = s.nc.Drain()
	s.nc.Close()
}
