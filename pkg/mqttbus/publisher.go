package mqttbus

import (
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var ErrPublishTimeout = errors.New("mqtt publish timeout")

// Publisher sends payloads to one topic at QoS 0.
type Publisher struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
}

func NewPublisher(client mqtt.Client, topic string) *Publisher {
	return &Publisher{client: client, topic: topic, timeout: 2 * time.Second}
}

func (p *Publisher) Topic() string { return p.topic }

// Publish blocks until the client hands the message off or the timeout expires.
func (p *Publisher) Publish(topic string, payload []byte) error {
	if topic == "" {
		topic = p.topic
	}
	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("%w on %s", ErrPublishTimeout, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (p *Publisher) Close() {
	Close(p.client)
}
