// Package mqttbus wraps the paho MQTT client used to mirror readings to a
// local broker.
package mqttbus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Host       string
	Port       int
	User       string
	Password   string
	ClientID   string // random when empty
	MaxRetries int
}

// NewConn connects to the broker, retrying with exponential backoff. The
// connection is closed when ctx is done.
func NewConn(ctx context.Context, cfg Config, log logrus.FieldLogger) (mqtt.Client, error) {
	connAddr := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "aq-uplink-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(connAddr)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.WithError(token.Error()).WithField("broker", connAddr).Warn("mqtt connect failed")
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}

	log.WithFields(logrus.Fields{"broker": connAddr, "client_id": clientID}).Info("connected to MQTT broker")

	go func() {
		<-ctx.Done()
		Close(client)
	}()

	return client, nil
}

// Close disconnects the client if it is still connected.
func Close(client mqtt.Client) {
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}
