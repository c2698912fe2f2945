package sensor_simulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/aq_uplink/internal/protocol"
	"github.com/LeonardoBeccarini/aq_uplink/internal/sensor"
)

func stepClock(start time.Time, step time.Duration) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(step)
		return now
	}
}

func TestFrameGenerator_EmitsDecodableFrames(t *testing.T) {
	g := NewFrameGenerator(Options{Seed: 7, Clock: stepClock(time.Unix(0, 0), 5*time.Second)})

	for i := 0; i < 200; i++ {
		frame, err := g.Acquire(context.Background())
		require.NoError(t, err)

		r, err := protocol.Decode(frame, nil, protocol.Identity{DeviceID: "sim"})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, r.CO2, 0.0)
		assert.Greater(t, r.Temp, 0.0)
		assert.Less(t, r.Temp, 60.0)
	}
}

func TestFrameGenerator_FaultInjection(t *testing.T) {
	corrupt := NewFrameGenerator(Options{Seed: 1, CorruptRate: 1})
	frame, err := corrupt.Acquire(context.Background())
	require.NoError(t, err)
	_, err = protocol.Decode(frame, nil, protocol.Identity{})
	assert.ErrorIs(t, err, protocol.ErrChecksumMismatch)

	silent := NewFrameGenerator(Options{Seed: 1, ShortReadRate: 1})
	_, err = silent.Acquire(context.Background())
	assert.ErrorIs(t, err, sensor.ErrShortRead)
}

func TestFrameGenerator_Cancelled(t *testing.T) {
	g := NewFrameGenerator(Options{Seed: 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, g.Close())
}
