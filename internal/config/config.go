// Package config loads the uplink configuration once at start. The result is
// treated as immutable for the process lifetime.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/LeonardoBeccarini/aq_uplink/internal/buffer"
	"github.com/LeonardoBeccarini/aq_uplink/internal/model"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type SerialConfig struct {
	Port         string        `mapstructure:"port"`
	Baud         int           `mapstructure:"baud"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	OpenAttempts int           `mapstructure:"open_attempts"`
}

type DeliveryConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

type BufferConfig struct {
	Path          string `mapstructure:"path"`
	CorruptPolicy string `mapstructure:"corrupt_policy"`
}

type LoopConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	ShortReadDelay time.Duration `mapstructure:"short_read_delay"`
	MaxInterval    time.Duration `mapstructure:"max_interval"`
	ReplayFirst    bool          `mapstructure:"replay_first"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type InfluxMirror struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

type MQTTMirror struct {
	Broker   string `mapstructure:"broker"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
}

type NATSMirror struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type RedisMirror struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
	History  int    `mapstructure:"history"`
}

type MirrorConfig struct {
	Influx InfluxMirror `mapstructure:"influx"`
	MQTT   MQTTMirror   `mapstructure:"mqtt"`
	NATS   NATSMirror   `mapstructure:"nats"`
	Redis  RedisMirror  `mapstructure:"redis"`
}

// Config is the full configuration surface of the uplink.
type Config struct {
	DeviceID    string                 `mapstructure:"device_id"`
	Site        string                 `mapstructure:"site"`
	Endpoint    string                 `mapstructure:"endpoint"`
	DeviceToken string                 `mapstructure:"device_token"`
	Simulate    bool                   `mapstructure:"simulate"`
	StatusAddr  string                 `mapstructure:"status_addr"`
	Serial      SerialConfig           `mapstructure:"serial"`
	Delivery    DeliveryConfig         `mapstructure:"delivery"`
	Buffer      BufferConfig           `mapstructure:"buffer"`
	Loop        LoopConfig             `mapstructure:"loop"`
	Log         LogConfig              `mapstructure:"log"`
	Calibration model.CalibrationTable `mapstructure:"calibration"`
	Mirror      MirrorConfig           `mapstructure:"mirror"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device_id", "lab01")
	v.SetDefault("site", "AGI_Lab")
	v.SetDefault("endpoint", "http://localhost:8087/data")
	v.SetDefault("device_token", "")
	v.SetDefault("simulate", false)
	v.SetDefault("status_addr", "")

	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baud", 9600)
	v.SetDefault("serial.read_timeout", time.Second)
	v.SetDefault("serial.open_attempts", 3)

	v.SetDefault("delivery.timeout", 5*time.Second)
	v.SetDefault("delivery.breaker_failures", 5)
	v.SetDefault("delivery.breaker_cooldown", 30*time.Second)

	v.SetDefault("buffer.path", "sensor_buffer.jsonl")
	v.SetDefault("buffer.corrupt_policy", string(buffer.Retain))

	v.SetDefault("loop.interval", 5*time.Second)
	v.SetDefault("loop.short_read_delay", 2*time.Second)
	v.SetDefault("loop.max_interval", 2*time.Minute)
	v.SetDefault("loop.replay_first", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("calibration", map[string]any{
		model.MetricPM1:  map[string]any{"multiplier": 1.0, "offset": 0.0},
		model.MetricPM25: map[string]any{"multiplier": 1.0, "offset": 0.0},
		model.MetricPM10: map[string]any{"multiplier": 1.0, "offset": 0.0},
		model.MetricCO2:  map[string]any{"multiplier": 1.0, "offset": -200.0},
		model.MetricHum:  map[string]any{"multiplier": 1.0, "offset": 0.0},
	})

	v.SetDefault("mirror.influx.url", "")
	v.SetDefault("mirror.influx.token", "")
	v.SetDefault("mirror.influx.org", "")
	v.SetDefault("mirror.influx.bucket", "")
	v.SetDefault("mirror.mqtt.broker", "")
	v.SetDefault("mirror.mqtt.port", 1883)
	v.SetDefault("mirror.mqtt.user", "")
	v.SetDefault("mirror.mqtt.password", "")
	v.SetDefault("mirror.mqtt.client_id", "")
	v.SetDefault("mirror.mqtt.topic", "sensor/airquality")
	v.SetDefault("mirror.nats.url", "")
	v.SetDefault("mirror.nats.subject", "sensors.airquality")
	v.SetDefault("mirror.redis.addr", "")
	v.SetDefault("mirror.redis.password", "")
	v.SetDefault("mirror.redis.db", 0)
	v.SetDefault("mirror.redis.channel", "airquality")
	v.SetDefault("mirror.redis.history", 1000)
}

// Override forces a key before decoding, above file and environment.
type Override func(v *viper.Viper)

// Set overrides key with value, e.g. from a command-line flag.
func Set(key string, value any) Override {
	return func(v *viper.Viper) { v.Set(key, value) }
}

// Load reads path (or uplink.yaml from . and /etc/uplink when path is empty),
// then applies UPLINK_* environment overrides, e.g. UPLINK_DEVICE_TOKEN or
// UPLINK_SERIAL_PORT, then overrides. A missing default file is not an error.
func Load(path string, overrides ...Override) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("uplink")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("uplink")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/uplink")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	for _, o := range overrides {
		o(v)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the uplink cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return fmt.Errorf("%w: device_id is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: endpoint must be an http(s) URL, got %q", ErrInvalidConfig, c.Endpoint)
	}
	if !c.Simulate {
		if c.Serial.Port == "" {
			return fmt.Errorf("%w: serial.port is required", ErrInvalidConfig)
		}
		if c.Serial.Baud <= 0 {
			return fmt.Errorf("%w: serial.baud must be positive", ErrInvalidConfig)
		}
	}
	if c.Buffer.Path == "" {
		return fmt.Errorf("%w: buffer.path is required", ErrInvalidConfig)
	}
	switch buffer.CorruptPolicy(c.Buffer.CorruptPolicy) {
	case buffer.Retain, buffer.Quarantine:
	default:
		return fmt.Errorf("%w: buffer.corrupt_policy must be retain or quarantine", ErrInvalidConfig)
	}
	if c.Loop.Interval <= 0 {
		return fmt.Errorf("%w: loop.interval must be positive", ErrInvalidConfig)
	}
	if c.Loop.MaxInterval < c.Loop.Interval {
		return fmt.Errorf("%w: loop.max_interval must be >= loop.interval", ErrInvalidConfig)
	}
	for metric := range c.Calibration {
		if !knownMetric(metric) {
			return fmt.Errorf("%w: calibration for unknown metric %q", ErrInvalidConfig, metric)
		}
	}
	return nil
}

func knownMetric(m string) bool {
	for _, k := range model.Metrics {
		if k == m {
			return true
		}
	}
	return false
}
