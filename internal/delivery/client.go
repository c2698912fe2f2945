// Package delivery sends readings to the ingestion endpoint.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/aq_uplink/internal/model"
)

// RejectedError carries the status code of a non-2xx answer.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ingestion rejected: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("ingestion rejected: HTTP %d: %s", e.StatusCode, e.Body)
}

type Config struct {
	Endpoint string
	Token    string
	Timeout  time.Duration

	// BreakerFailures consecutive failures open the breaker; 0 disables it.
	BreakerFailures int
	BreakerCooldown time.Duration
}

// Client performs exactly one POST per Deliver call. Retrying is left to the
// buffer and the loop.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	log      logrus.FieldLogger
}

func NewClient(cfg Config, log logrus.FieldLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	c := &Client{
		endpoint: strings.TrimSpace(cfg.Endpoint),
		token:    strings.TrimSpace(cfg.Token),
		http:     &http.Client{Timeout: cfg.Timeout},
		log:      log,
	}
	if cfg.BreakerFailures > 0 {
		c.breaker = newBreaker(cfg.BreakerFailures, cfg.BreakerCooldown, log)
	}
	return c
}

func newBreaker(fails int, cooldown time.Duration, log logrus.FieldLogger) *gobreaker.CircuitBreaker {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ingestion",
		Timeout: cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(fails)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("delivery breaker state changed")
		},
	})
}

// Deliver posts r and classifies the result. The error gives the reason for
// Rejected and Unreachable outcomes and is nil for Delivered.
func (c *Client) Deliver(ctx context.Context, r model.SensorReading) (model.DeliveryOutcome, error) {
	body, err := json.Marshal(r)
	if err != nil {
		// cannot happen for a plain struct of strings and floats, still not a network issue
		return model.Rejected, fmt.Errorf("encode reading: %w", err)
	}

	if c.breaker == nil {
		err = c.post(ctx, body)
	} else {
		_, err = c.breaker.Execute(func() (interface{}, error) {
			return nil, c.post(ctx, body)
		})
	}
	outcome, err := classify(err)
	c.log.WithFields(logrus.Fields{"device_id": r.DeviceID, "outcome": outcome.String()}).Debug("delivery attempt")
	return outcome, err
}

func classify(err error) (model.DeliveryOutcome, error) {
	if err == nil {
		return model.Delivered, nil
	}
	var rej *RejectedError
	if errors.As(err, &rej) {
		return model.Rejected, err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return model.Unreachable, fmt.Errorf("delivery short-circuited: %w", err)
	}
	return model.Unreachable, err
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RejectedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return nil
}
