package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeonardoBeccarini/aq_uplink/internal/model"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string // pub/sub channel for live consumers
	History  int    // readings kept per device in the list
}

// RedisSink publishes each reading on a channel and keeps the latest History
// readings per device in a capped list.
type RedisSink struct {
	client  *redis.Client
	channel string
	history int64
}

func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = "airquality"
	}
	if cfg.History <= 0 {
		cfg.History = 1000
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &RedisSink{client: client, channel: cfg.Channel, history: int64(cfg.History)}, nil
}

// HistoryKey is the list holding recent readings of one device.
func HistoryKey(deviceID string) string {
	return "airquality:" + deviceID + ":readings"
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Mirror(ctx context.Context, r model.SensorReading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}
	key := HistoryKey(r.DeviceID)
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, s.channel, payload)
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, s.history-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis mirror: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() {
	_ = s.client.Close()
}
