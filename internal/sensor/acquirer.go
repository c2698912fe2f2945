// Package sensor talks to the air-quality sensor over its serial link.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/LeonardoBeccarini/aq_uplink/internal/protocol"
)

// ErrShortRead means the sensor did not return a full frame within the read timeout.
var ErrShortRead = errors.New("short read")

// Source yields raw frames. The serial Acquirer and the simulator both implement it.
type Source interface {
	Acquire(ctx context.Context) ([]byte, error)
	Close() error
}

// Port is the subset of *serial.Port the acquirer needs.
type Port interface {
	io.ReadWriteCloser
	Flush() error
}

// OpenFunc opens a port; tests swap it for an in-memory one.
type OpenFunc func(cfg *serial.Config) (Port, error)

func openSerial(cfg *serial.Config) (Port, error) {
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type Config struct {
	Port         string
	Baud         int
	ReadTimeout  time.Duration
	OpenAttempts int
	OpenBackoff  time.Duration // first delay between open attempts
}

// Acquirer owns the serial connection and performs one request/response
// transaction per Acquire call.
type Acquirer struct {
	port        Port
	readTimeout time.Duration
	log         logrus.FieldLogger
}

// Open opens the serial device, retrying with exponential backoff. A returned
// error means the process has no data source.
func Open(cfg Config, open OpenFunc, log logrus.FieldLogger) (*Acquirer, error) {
	if open == nil {
		open = openSerial
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	attempts := cfg.OpenAttempts
	if attempts < 1 {
		attempts = 1
	}

	pc := &serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		Parity:      serial.ParityNone,
		ReadTimeout: cfg.ReadTimeout,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	if cfg.OpenBackoff > 0 {
		bo.InitialInterval = cfg.OpenBackoff
	}
	bo.MaxElapsedTime = 0

	var port Port
	err := backoff.Retry(func() error {
		p, err := open(pc)
		if err != nil {
			log.WithError(err).WithField("port", cfg.Port).Warn("serial open failed")
			return err
		}
		port = p
		return nil
	}, backoff.WithMaxRetries(bo, uint64(attempts-1)))
	if err != nil {
		return nil, fmt.Errorf("open serial port %s after %d attempts: %w", cfg.Port, attempts, err)
	}

	log.WithFields(logrus.Fields{"port": cfg.Port, "baud": cfg.Baud}).Info("serial port opened")
	return &Acquirer{port: port, readTimeout: cfg.ReadTimeout, log: log}, nil
}

// Acquire writes the read command and collects exactly protocol.FrameLen bytes.
// Fewer bytes within the read timeout yield ErrShortRead.
func (a *Acquirer) Acquire(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// drop whatever a previous, abandoned transaction left in the input queue
	if err := a.port.Flush(); err != nil {
		a.log.WithError(err).Debug("serial flush failed")
	}
	if _, err := a.port.Write(protocol.ReadCommand); err != nil {
		return nil, fmt.Errorf("write read command: %w", err)
	}

	frame := make([]byte, protocol.FrameLen)
	got := 0
	deadline := time.Now().Add(a.readTimeout)
	for got < protocol.FrameLen {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := a.port.Read(frame[got:])
		got += n
		if got == protocol.FrameLen {
			break
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		// tarm/serial reports an expired VTIME as 0 bytes (io.EOF on posix)
		if n == 0 || time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %d of %d bytes", ErrShortRead, got, protocol.FrameLen)
		}
	}
	return frame, nil
}

func (a *Acquirer) Close() error {
	if a == nil || a.port == nil {
		return nil
	}
	return a.port.Close()
}
