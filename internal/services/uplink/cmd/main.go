package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/LeonardoBeccarini/aq_uplink/internal/buffer"
	"github.com/LeonardoBeccarini/aq_uplink/internal/config"
	"github.com/LeonardoBeccarini/aq_uplink/internal/delivery"
	"github.com/LeonardoBeccarini/aq_uplink/internal/mirror"
	"github.com/LeonardoBeccarini/aq_uplink/internal/protocol"
	"github.com/LeonardoBeccarini/aq_uplink/internal/sensor"
	simulator "github.com/LeonardoBeccarini/aq_uplink/internal/sensor-simulator"
	"github.com/LeonardoBeccarini/aq_uplink/internal/services/uplink"
	"github.com/LeonardoBeccarini/aq_uplink/pkg/mqttbus"
)

func setupLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}
	log.SetOutput(os.Stderr)
	return log
}

func main() {
	configPath := flag.String("config", "", "path to uplink.yaml (default: ./uplink.yaml or /etc/uplink/uplink.yaml)")
	once := flag.Bool("once", false, "run a single cycle and exit")
	listBuffer := flag.Bool("list-buffer", false, "print buffered readings as JSON lines and exit")
	simulate := flag.Bool("simulate", false, "use the frame simulator instead of the serial port")
	flag.Parse()

	var overrides []config.Override
	if *simulate {
		overrides = append(overrides, config.Set("simulate", true))
	}
	cfg, err := config.Load(*configPath, overrides...)
	if err != nil {
		logrus.WithError(err).Fatal("configuration")
	}

	log := setupLogger(cfg.Log)
	buf := buffer.New(cfg.Buffer.Path, buffer.CorruptPolicy(cfg.Buffer.CorruptPolicy), log)

	if *listBuffer {
		if err := dumpBuffer(buf); err != nil {
			log.WithError(err).Fatal("list buffer")
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === Frame source ===
	var src sensor.Source
	if cfg.Simulate {
		log.Warn("running with the frame simulator, no serial device is used")
		src = simulator.NewFrameGenerator(simulator.Options{})
	} else {
		acq, err := sensor.Open(sensor.Config{
			Port:         cfg.Serial.Port,
			Baud:         cfg.Serial.Baud,
			ReadTimeout:  cfg.Serial.ReadTimeout,
			OpenAttempts: cfg.Serial.OpenAttempts,
		}, nil, log)
		if err != nil {
			log.WithError(err).Fatal("no data source")
		}
		src = acq
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.WithError(err).Warn("closing frame source")
		}
	}()

	// === Mirrors ===
	mirrors := openMirrors(ctx, cfg, log)
	defer mirrors.Close()

	// === Status server ===
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := uplink.NewMetrics(reg)
	status := uplink.NewStatus()
	status.SetSourceOpen(true)

	var hs *http.Server
	if cfg.StatusAddr != "" {
		hs = &http.Server{
			Addr:              cfg.StatusAddr,
			Handler:           uplink.NewStatusMux(status, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.WithField("addr", cfg.StatusAddr).Info("status server listening")
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("status server stopped")
			}
		}()
	}

	client := delivery.NewClient(delivery.Config{
		Endpoint:        cfg.Endpoint,
		Token:           cfg.DeviceToken,
		Timeout:         cfg.Delivery.Timeout,
		BreakerFailures: cfg.Delivery.BreakerFailures,
		BreakerCooldown: cfg.Delivery.BreakerCooldown,
	}, log)

	var mir uplink.Mirror
	if len(mirrors) > 0 {
		mir = mirrors
	}

	loop := uplink.NewLoop(src, client, buf, mir, uplink.Options{
		Identity:       protocol.Identity{DeviceID: cfg.DeviceID, Site: cfg.Site},
		Calibration:    cfg.Calibration,
		Interval:       cfg.Loop.Interval,
		ShortReadDelay: cfg.Loop.ShortReadDelay,
		MaxInterval:    cfg.Loop.MaxInterval,
		ReplayFirst:    cfg.Loop.ReplayFirst,
	}, metrics, status, log)

	if *once {
		rep := loop.RunOnce(ctx)
		entry := log.WithFields(logrus.Fields{
			"cycle":    rep.ID,
			"stage":    string(rep.Stage),
			"buffered": rep.Buffered,
		})
		if rep.Sent {
			entry = entry.WithField("outcome", rep.Outcome.String())
		}
		if rep.Reading == nil {
			entry.WithError(rep.Err).Error("cycle produced no reading")
		} else {
			entry.Info("single cycle done")
		}
	} else if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("uplink loop")
	}

	status.SetSourceOpen(false)
	if hs != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shCtx)
	}
	log.Info("uplink shut down")
}

// openMirrors builds the configured sinks. A sink that cannot be set up is
// skipped with a warning; mirrors never block the uplink.
func openMirrors(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) mirror.Set {
	var set mirror.Set

	if ic := cfg.Mirror.Influx; ic.URL != "" {
		sink, err := mirror.NewInfluxSink(mirror.InfluxConfig{
			URL: ic.URL, Token: ic.Token, Org: ic.Org, Bucket: ic.Bucket,
		})
		if err != nil {
			log.WithError(err).Warn("influx mirror disabled")
		} else {
			set = append(set, sink)
			log.WithFields(logrus.Fields{"url": ic.URL, "bucket": ic.Bucket}).Info("influx mirror enabled")
		}
	}

	if mc := cfg.Mirror.MQTT; mc.Broker != "" {
		conn, err := mqttbus.NewConn(ctx, mqttbus.Config{
			Host:     mc.Broker,
			Port:     mc.Port,
			User:     mc.User,
			Password: mc.Password,
			ClientID: mc.ClientID,
		}, log)
		if err != nil {
			log.WithError(err).Warn("mqtt mirror disabled")
		} else {
			pub := mqttbus.NewPublisher(conn, mc.Topic)
			set = append(set, mirror.NewMQTTSink(pub, pub.Topic()))
			log.WithField("topic", mc.Topic).Info("mqtt mirror enabled")
		}
	}

	if nc := cfg.Mirror.NATS; nc.URL != "" {
		sink, err := mirror.NewNATSSink(mirror.NATSConfig{URL: nc.URL, Subject: nc.Subject})
		if err != nil {
			log.WithError(err).Warn("nats mirror disabled")
		} else {
			set = append(set, sink)
			log.WithField("subject", nc.Subject).Info("nats mirror enabled")
		}
	}

	if rc := cfg.Mirror.Redis; rc.Addr != "" {
		sink, err := mirror.NewRedisSink(ctx, mirror.RedisConfig{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			Channel:  rc.Channel,
			History:  rc.History,
		})
		if err != nil {
			log.WithError(err).Warn("redis mirror disabled")
		} else {
			set = append(set, sink)
			log.WithFields(logrus.Fields{"addr": rc.Addr, "channel": rc.Channel}).Info("redis mirror enabled")
		}
	}
	return set
}

func dumpBuffer(buf *buffer.Buffer) error {
	records, bad, err := buf.Records()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	for _, e := range bad {
		logrus.WithError(e).Warn("undecodable buffer line")
	}
	return nil
}
