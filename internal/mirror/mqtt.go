package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/LeonardoBeccarini/aq_uplink/internal/model"
)

// Publisher is satisfied by *mqttbus.Publisher.
type Publisher interface {
	Publish(topic string, payload []byte) error
	Close()
}

// MQTTSink publishes each reading as JSON on <prefix>/<device_id>.
type MQTTSink struct {
	pub    Publisher
	prefix string
}

func NewMQTTSink(pub Publisher, prefix string) *MQTTSink {
	return &MQTTSink{pub: pub, prefix: strings.TrimRight(prefix, "/")}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Topic(r model.SensorReading) string {
	return s.prefix + "/" + r.DeviceID
}

func (s *MQTTSink) Mirror(_ context.Context, r model.SensorReading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}
	return s.pub.Publish(s.Topic(r), payload)
}

func (s *MQTTSink) Close() {
	s.pub.Close()
}
