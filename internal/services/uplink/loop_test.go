package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/aq_uplink/internal/buffer"
	"github.com/LeonardoBeccarini/aq_uplink/internal/delivery"
	"github.com/LeonardoBeccarini/aq_uplink/internal/model"
	"github.com/LeonardoBeccarini/aq_uplink/internal/protocol"
	"github.com/LeonardoBeccarini/aq_uplink/internal/sensor"
)

// scriptSource returns its frames in order, then keeps repeating the last one.
type scriptSource struct {
	frames [][]byte
	errs   []error
	i      int
	closed bool
}

func (s *scriptSource) Acquire(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i := s.i
	if i >= len(s.frames) {
		i = len(s.frames) - 1
	}
	s.i++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return s.frames[i], nil
}

func (s *scriptSource) Close() error { s.closed = true; return nil }

func frameWithCO2(co2 uint16) []byte {
	return protocol.Encode(protocol.RawValues{
		PM1: 5, PM25: 9, PM10: 14, CO2: co2, VOC: 1,
		Temp: 660, Hum: 50, CH2O: 20, CO: 4, O3: 3, NO2: 2,
	})
}

// ingest is a fake ingestion endpoint that can be switched off.
type ingest struct {
	mu   sync.Mutex
	up   atomic.Bool
	got  []model.SensorReading
	hits atomic.Int32
}

func (in *ingest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	in.hits.Add(1)
	if !in.up.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	body, _ := io.ReadAll(r.Body)
	var rd model.SensorReading
	if err := json.Unmarshal(body, &rd); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	in.mu.Lock()
	in.got = append(in.got, rd)
	in.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (in *ingest) co2s() []float64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]float64, len(in.got))
	for i, r := range in.got {
		out[i] = r.CO2
	}
	return out
}

type fixture struct {
	loop    *Loop
	buf     *buffer.Buffer
	ingest  *ingest
	metrics *Metrics
	status  *Status
}

func newFixture(t *testing.T, src sensor.Source, opts Options) *fixture {
	t.Helper()
	log, _ := test.NewNullLogger()

	in := &ingest{}
	in.up.Store(true)
	srv := httptest.NewServer(in)
	t.Cleanup(srv.Close)

	client := delivery.NewClient(delivery.Config{Endpoint: srv.URL + "/data", Timeout: time.Second}, log)
	buf := buffer.New(filepath.Join(t.TempDir(), "sensor_buffer.jsonl"), buffer.Retain, log)
	m := NewMetrics(prometheus.NewRegistry())
	st := NewStatus()
	st.SetSourceOpen(true)

	if opts.Identity.DeviceID == "" {
		opts.Identity = protocol.Identity{DeviceID: "lab01", Site: "AGI_Lab"}
	}
	if opts.Interval == 0 {
		opts.Interval = time.Second
	}
	if opts.MaxInterval == 0 {
		opts.MaxInterval = 8 * time.Second
	}
	return &fixture{
		loop:    NewLoop(src, client, buf, nil, opts, m, st, log),
		buf:     buf,
		ingest:  in,
		metrics: m,
		status:  st,
	}
}

func TestRunOnce_DeliversFreshReading(t *testing.T) {
	f := newFixture(t, &scriptSource{frames: [][]byte{frameWithCO2(700)}}, Options{})

	rep := f.loop.RunOnce(context.Background())

	require.NoError(t, rep.Err)
	assert.Equal(t, StageDelivered, rep.Stage)
	assert.Equal(t, model.Delivered, rep.Outcome)
	assert.False(t, rep.Buffered)
	assert.Equal(t, time.Second, rep.Sleep)
	require.NotNil(t, rep.Reading)
	assert.Equal(t, "lab01", rep.Reading.DeviceID)
	assert.Equal(t, []float64{700}, f.ingest.co2s())
	assert.NoFileExists(t, f.buf.Path())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Frames.WithLabelValues("ok")))
}

func TestRunOnce_OutageThenRecovery(t *testing.T) {
	src := &scriptSource{frames: [][]byte{frameWithCO2(600), frameWithCO2(610), frameWithCO2(620)}}
	f := newFixture(t, src, Options{})
	ctx := context.Background()

	f.ingest.up.Store(false)
	rep := f.loop.RunOnce(ctx)
	assert.True(t, rep.Buffered)
	assert.Equal(t, model.Rejected, rep.Outcome)
	rep = f.loop.RunOnce(ctx)
	assert.True(t, rep.Buffered)

	n, err := f.buf.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "degraded", f.status.Snapshot().Status)

	f.ingest.up.Store(true)
	rep = f.loop.RunOnce(ctx)
	require.NoError(t, rep.Err)
	require.NotNil(t, rep.Replay)
	assert.Equal(t, 2, rep.Replay.Delivered)

	// fresh first, then the backlog in arrival order
	assert.Equal(t, []float64{620, 600, 610}, f.ingest.co2s())
	assert.NoFileExists(t, f.buf.Path())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.BufferRecords))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Deliveries.WithLabelValues("replay", "delivered")))
}

func TestRunOnce_UnreachableBuffersThenReplays(t *testing.T) {
	src := &scriptSource{frames: [][]byte{frameWithCO2(640), frameWithCO2(650)}}
	f := newFixture(t, src, Options{})
	ctx := context.Background()
	live := f.loop.client

	log, _ := test.NewNullLogger()
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	f.loop.client = delivery.NewClient(delivery.Config{Endpoint: deadURL + "/data", Timeout: time.Second}, log)

	rep := f.loop.RunOnce(ctx)
	require.True(t, rep.Sent)
	assert.Equal(t, model.Unreachable, rep.Outcome)
	assert.True(t, rep.Buffered)
	require.NotNil(t, rep.Reading)

	raw, err := os.ReadFile(f.buf.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
	require.Len(t, lines, 1)
	var buffered model.SensorReading
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &buffered))
	assert.Equal(t, *rep.Reading, buffered)

	f.loop.client = live
	rep = f.loop.RunOnce(ctx)
	require.NoError(t, rep.Err)
	assert.Equal(t, model.Delivered, rep.Outcome)
	require.NotNil(t, rep.Replay)
	assert.Equal(t, 1, rep.Replay.Delivered)
	assert.Equal(t, []float64{650, 640}, f.ingest.co2s())
	assert.NoFileExists(t, f.buf.Path())
}

func TestRunOnce_ReplayFirstKeepsChronologicalOrder(t *testing.T) {
	src := &scriptSource{frames: [][]byte{frameWithCO2(600), frameWithCO2(610), frameWithCO2(620)}}
	f := newFixture(t, src, Options{ReplayFirst: true})
	ctx := context.Background()

	f.ingest.up.Store(false)
	f.loop.RunOnce(ctx)

	// still down: the second reading queues behind the first without a fresh attempt
	hits := f.ingest.hits.Load()
	rep := f.loop.RunOnce(ctx)
	assert.True(t, rep.Buffered)
	assert.False(t, rep.Sent)
	assert.Equal(t, hits+1, f.ingest.hits.Load(), "only the replay attempt reaches the endpoint")

	f.ingest.up.Store(true)
	rep = f.loop.RunOnce(ctx)
	require.NoError(t, rep.Err)
	assert.Equal(t, model.Delivered, rep.Outcome)
	assert.Equal(t, []float64{600, 610, 620}, f.ingest.co2s())
	assert.NoFileExists(t, f.buf.Path())
}

func TestRunOnce_FailureCadenceGrowsAndResets(t *testing.T) {
	f := newFixture(t, &scriptSource{frames: [][]byte{frameWithCO2(600)}}, Options{
		Interval:    time.Second,
		MaxInterval: 5 * time.Second,
	})
	ctx := context.Background()

	f.ingest.up.Store(false)
	var sleeps []time.Duration
	for i := 0; i < 5; i++ {
		sleeps = append(sleeps, f.loop.RunOnce(ctx).Sleep)
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	}, sleeps)

	f.ingest.up.Store(true)
	assert.Equal(t, time.Second, f.loop.RunOnce(ctx).Sleep)

	f.ingest.up.Store(false)
	assert.Equal(t, time.Second, f.loop.RunOnce(ctx).Sleep, "cadence restarts after a success")
}

func TestRunOnce_BadChecksumIsDropped(t *testing.T) {
	bad := frameWithCO2(600)
	bad[25] ^= 0xFF
	f := newFixture(t, &scriptSource{frames: [][]byte{bad}}, Options{})

	rep := f.loop.RunOnce(context.Background())

	assert.ErrorIs(t, rep.Err, protocol.ErrChecksumMismatch)
	assert.Equal(t, StageDecoding, rep.Stage)
	assert.Nil(t, rep.Reading)
	assert.False(t, rep.Buffered)
	assert.Zero(t, f.ingest.hits.Load())
	assert.NoFileExists(t, f.buf.Path())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Frames.WithLabelValues("bad_checksum")))
}

func TestRunOnce_ShortReadWaitsShortDelay(t *testing.T) {
	src := &scriptSource{
		frames: [][]byte{nil},
		errs:   []error{sensor.ErrShortRead},
	}
	f := newFixture(t, src, Options{ShortReadDelay: 300 * time.Millisecond})

	rep := f.loop.RunOnce(context.Background())

	assert.ErrorIs(t, rep.Err, sensor.ErrShortRead)
	assert.Equal(t, StageAcquiring, rep.Stage)
	assert.Equal(t, 300*time.Millisecond, rep.Sleep)
	assert.Zero(t, f.ingest.hits.Load())
	assert.NoFileExists(t, f.buf.Path())
}

type failingMirror struct{ calls int }

func (m *failingMirror) Mirror(context.Context, model.SensorReading) error {
	m.calls++
	return errors.New("broker down")
}

func TestRunOnce_MirrorFailureDoesNotAffectDelivery(t *testing.T) {
	f := newFixture(t, &scriptSource{frames: [][]byte{frameWithCO2(600)}}, Options{})
	mir := &failingMirror{}
	f.loop.mirror = mir

	rep := f.loop.RunOnce(context.Background())

	require.NoError(t, rep.Err)
	assert.Equal(t, model.Delivered, rep.Outcome)
	assert.Equal(t, 1, mir.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MirrorErrors))
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, &scriptSource{frames: [][]byte{frameWithCO2(600)}}, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	cycles := 0
	f.loop.sleep = func(ctx context.Context, _ time.Duration) bool {
		cycles++
		if cycles == 3 {
			cancel()
		}
		return ctx.Err() == nil
	}

	err := f.loop.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, cycles)
	assert.Len(t, f.ingest.co2s(), 3)
}
