package sensor

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarm/serial"

	"github.com/LeonardoBeccarini/aq_uplink/internal/protocol"
)

// fakePort answers every read command with the next queued response,
// delivered in the configured chunk sizes.
type fakePort struct {
	responses [][]byte
	chunk     int
	pending   []byte
	written   [][]byte
	flushes   int
	closed    bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.written = append(p.written, append([]byte(nil), b...))
	if len(p.responses) > 0 {
		p.pending = p.responses[0]
		p.responses = p.responses[1:]
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.pending) == 0 {
		return 0, io.EOF
	}
	n := len(p.pending)
	if p.chunk > 0 && n > p.chunk {
		n = p.chunk
	}
	n = copy(b, p.pending[:n])
	p.pending = p.pending[n:]
	return n, nil
}

func (p *fakePort) Flush() error { p.flushes++; p.pending = nil; return nil }
func (p *fakePort) Close() error { p.closed = true; return nil }

func quietLogger() *logrus.Logger {
	l, _ := test.NewNullLogger()
	return l
}

func openFake(t *testing.T, port *fakePort) *Acquirer {
	t.Helper()
	a, err := Open(Config{Port: "/dev/fake", Baud: 9600, ReadTimeout: time.Second},
		func(*serial.Config) (Port, error) { return port, nil }, quietLogger())
	require.NoError(t, err)
	return a
}

func TestAcquire_FullFrameInChunks(t *testing.T) {
	frame := protocol.Encode(protocol.RawValues{PM25: 42, Temp: 635, Hum: 60})
	port := &fakePort{responses: [][]byte{frame}, chunk: 7}
	a := openFake(t, port)

	got, err := a.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, frame, got)
	require.Len(t, port.written, 1)
	assert.Equal(t, protocol.ReadCommand, port.written[0])
	assert.Equal(t, 1, port.flushes)
}

func TestAcquire_ShortRead(t *testing.T) {
	frame := protocol.Encode(protocol.RawValues{})
	port := &fakePort{responses: [][]byte{frame[:10]}}
	a := openFake(t, port)

	_, err := a.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestAcquire_NoAnswer(t *testing.T) {
	a := openFake(t, &fakePort{})

	_, err := a.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestAcquire_CancelledContext(t *testing.T) {
	a := openFake(t, &fakePort{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen_RetriesThenFails(t *testing.T) {
	calls := 0
	boom := errors.New("no such device")
	_, err := Open(Config{Port: "/dev/missing", Baud: 9600, OpenAttempts: 3, OpenBackoff: time.Millisecond},
		func(*serial.Config) (Port, error) {
			calls++
			return nil, boom
		}, quietLogger())

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestOpen_PassesSerialSettings(t *testing.T) {
	var seen *serial.Config
	a, err := Open(Config{Port: "/dev/ttyUSB0", Baud: 9600, ReadTimeout: 2 * time.Second},
		func(c *serial.Config) (Port, error) {
			seen = c
			return &fakePort{}, nil
		}, quietLogger())
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB0", seen.Name)
	assert.Equal(t, 9600, seen.Baud)
	assert.Equal(t, 2*time.Second, seen.ReadTimeout)

	require.NoError(t, a.Close())
}
