package sensor_simulator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/aq_uplink/internal/protocol"
	"github.com/LeonardoBeccarini/aq_uplink/internal/sensor"
)

// ====== Tunables ======
const (
	// driftPerMin: max relative random walk per minute of simulated time.
	driftPerMin = 0.05

	// minStep keeps the walk moving on very short polling intervals.
	minStep = 0.002
)

// baseline of a clean indoor room, in physical units.
var baseline = map[string]float64{
	"pm1":  8,
	"pm25": 12,
	"pm10": 20,
	"co2":  650,
	"voc":  2,
	"temp": 22.5,
	"hum":  40,
	"ch2o": 0.02,
	"co":   0.5,
	"o3":   0.03,
	"no2":  0.02,
}

// Options controls fault injection of the simulated sensor.
type Options struct {
	Seed          int64
	CorruptRate   float64 // [0..1] chance a frame carries a wrong checksum
	ShortReadRate float64 // [0..1] chance the sensor stays silent
	Clock         func() time.Time
}

// FrameGenerator keeps the state of a simulated sensor and emits valid wire
// frames. It satisfies sensor.Source so the uplink can run without hardware.
type FrameGenerator struct {
	mu    sync.Mutex
	rnd   *rand.Rand
	opts  Options
	last  time.Time
	state map[string]float64
}

var _ sensor.Source = (*FrameGenerator)(nil)

func NewFrameGenerator(opts Options) *FrameGenerator {
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	st := make(map[string]float64, len(baseline))
	for k, v := range baseline {
		st[k] = v
	}
	return &FrameGenerator{
		rnd:   rand.New(rand.NewSource(opts.Seed)),
		opts:  opts,
		state: st,
	}
}

// Acquire advances the simulated room and returns one frame.
func (g *FrameGenerator) Acquire(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rnd.Float64() < clamp01(g.opts.ShortReadRate) {
		return nil, fmt.Errorf("%w: simulated silence", sensor.ErrShortRead)
	}

	now := g.opts.Clock()
	dtMin := 0.0
	if !g.last.IsZero() {
		dtMin = math.Max(0, now.Sub(g.last).Minutes())
	}
	g.last = now

	step := math.Max(minStep, driftPerMin*dtMin)
	for k, v := range g.state {
		// mean-reverting walk around the baseline
		base := baseline[k]
		next := v + (g.rnd.Float64()*2-1)*step*base + (base-v)*0.1
		g.state[k] = math.Max(0, next)
	}

	frame := protocol.Encode(g.raw())
	if g.rnd.Float64() < clamp01(g.opts.CorruptRate) {
		frame[protocol.FrameLen-1]++
	}
	return frame, nil
}

// Close is a no-op, there is no device to release.
func (g *FrameGenerator) Close() error { return nil }

// raw converts the physical state back to wire integers (inverse of the
// decoder scaling).
func (g *FrameGenerator) raw() protocol.RawValues {
	return protocol.RawValues{
		PM1:  toU16(g.state["pm1"]),
		PM25: toU16(g.state["pm25"]),
		PM10: toU16(g.state["pm10"]),
		CO2:  toU16(g.state["co2"]),
		VOC:  uint8(math.Min(255, math.Round(g.state["voc"]))),
		Temp: toU16(g.state["temp"]/0.1 + 435),
		Hum:  toU16(g.state["hum"] + 10),
		CH2O: toU16(g.state["ch2o"] / 0.001),
		CO:   toU16(g.state["co"] / 0.1),
		O3:   toU16(g.state["o3"] / 0.01),
		NO2:  toU16(g.state["no2"] / 0.01),
	}
}

func toU16(v float64) uint16 {
	return uint16(math.Max(0, math.Min(math.MaxUint16, math.Round(v))))
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
