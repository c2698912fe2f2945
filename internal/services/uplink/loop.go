package uplink

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/LeonardoBeccarini/aq_uplink/internal/buffer"
	"github.com/LeonardoBeccarini/aq_uplink/internal/model"
	"github.com/LeonardoBeccarini/aq_uplink/internal/protocol"
	"github.com/LeonardoBeccarini/aq_uplink/internal/sensor"
)

// Deliverer is satisfied by *delivery.Client.
type Deliverer interface {
	Deliver(ctx context.Context, r model.SensorReading) (model.DeliveryOutcome, error)
}

// Mirror is satisfied by mirror.Set.
type Mirror interface {
	Mirror(ctx context.Context, r model.SensorReading) error
}

// Stage is the last state a cycle reached.
type Stage string

const (
	StageAcquiring Stage = "acquiring"
	StageDecoding  Stage = "decoding"
	StageBuffering Stage = "buffering"
	StageReplaying Stage = "replaying"
	StageDelivered Stage = "delivered"
)

type Options struct {
	Identity       protocol.Identity
	Calibration    model.CalibrationTable
	Interval       time.Duration // sleep after a successful or skipped cycle
	ShortReadDelay time.Duration // sleep after an incomplete frame
	MaxInterval    time.Duration // cap of the sleep after failed deliveries
	ReplayFirst    bool          // drain the buffer before sending a fresh reading
}

// CycleReport describes what one cycle did.
type CycleReport struct {
	ID       string
	Stage    Stage
	Reading  *model.SensorReading
	Sent     bool                  // a fresh delivery was attempted
	Outcome  model.DeliveryOutcome // meaningful only when Sent
	Buffered bool
	Replay   *buffer.ReplayResult
	Err      error
	Sleep    time.Duration
}

// Loop runs acquire -> decode -> deliver-or-buffer -> replay -> sleep.
type Loop struct {
	source  sensor.Source
	client  Deliverer
	buf     *buffer.Buffer
	mirror  Mirror
	opts    Options
	log     logrus.FieldLogger
	metrics *Metrics
	status  *Status
	cadence *backoff.ExponentialBackOff

	sleep func(ctx context.Context, d time.Duration) bool
}

func NewLoop(src sensor.Source, client Deliverer, buf *buffer.Buffer, mirror Mirror,
	opts Options, metrics *Metrics, status *Status, log logrus.FieldLogger) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.ShortReadDelay <= 0 {
		opts.ShortReadDelay = 2 * time.Second
	}
	if opts.MaxInterval < opts.Interval {
		opts.MaxInterval = opts.Interval
	}
	if status == nil {
		status = NewStatus()
	}

	cadence := backoff.NewExponentialBackOff()
	cadence.InitialInterval = opts.Interval
	cadence.MaxInterval = opts.MaxInterval
	cadence.Multiplier = 2
	cadence.RandomizationFactor = 0
	cadence.MaxElapsedTime = 0
	cadence.Reset()

	return &Loop{
		source:  src,
		client:  client,
		buf:     buf,
		mirror:  mirror,
		opts:    opts,
		log:     log,
		metrics: metrics,
		status:  status,
		cadence: cadence,
		sleep:   sleepCtx,
	}
}

// Run cycles until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.refreshBufferGauge()
	l.log.WithFields(logrus.Fields{
		"device_id":    l.opts.Identity.DeviceID,
		"site":         l.opts.Identity.Site,
		"interval":     l.opts.Interval,
		"replay_first": l.opts.ReplayFirst,
		"buffer":       l.buf.Path(),
	}).Info("uplink started")

	for {
		rep := l.RunOnce(ctx)
		if !l.sleep(ctx, rep.Sleep) {
			l.log.Info("uplink stopped")
			return ctx.Err()
		}
	}
}

// RunOnce executes one cycle without the trailing sleep; the report says how
// long the caller should wait before the next one.
func (l *Loop) RunOnce(ctx context.Context) CycleReport {
	start := time.Now()
	rep := CycleReport{ID: uuid.NewString(), Stage: StageAcquiring, Sleep: l.opts.Interval}
	log := l.log.WithField("cycle", rep.ID[:8])
	defer func() {
		if l.metrics != nil {
			l.metrics.CycleDuration.Observe(time.Since(start).Seconds())
		}
	}()

	frame, err := l.source.Acquire(ctx)
	if err != nil {
		rep.Err = err
		if ctx.Err() != nil {
			return rep
		}
		if errors.Is(err, sensor.ErrShortRead) {
			l.countFrame("short_read")
			log.WithError(err).Debug("incomplete frame, retrying")
		} else {
			l.countFrame("read_error")
			log.WithError(err).Warn("serial read failed")
		}
		l.status.markFrame(false)
		rep.Sleep = l.opts.ShortReadDelay
		return rep
	}

	rep.Stage = StageDecoding
	r, err := protocol.Decode(frame, l.opts.Calibration, l.opts.Identity)
	if err != nil {
		rep.Err = err
		if errors.Is(err, protocol.ErrChecksumMismatch) {
			l.countFrame("bad_checksum")
		} else {
			l.countFrame("bad_length")
		}
		l.status.markFrame(false)
		log.WithError(err).WithField("frame", frame).Warn("frame dropped")
		return rep
	}
	l.countFrame("ok")
	l.status.markFrame(true)
	rep.Reading = &r
	log = log.WithFields(logrus.Fields{"device_id": r.DeviceID, "site": r.Site, "co2": r.CO2, "pm25": r.PM25})

	if l.mirror != nil {
		if err := l.mirror.Mirror(ctx, r); err != nil {
			if l.metrics != nil {
				l.metrics.MirrorErrors.Inc()
			}
			log.WithError(err).Warn("mirror failed")
		}
	}

	if l.opts.ReplayFirst {
		if blocked := l.replayBacklog(ctx, &rep, log); blocked {
			// older readings are still queued, keep arrival order
			l.bufferReading(&rep, r, log)
			rep.Sleep = l.failureSleep()
			return rep
		}
	}

	outcome, err := l.client.Deliver(ctx, r)
	rep.Sent = true
	rep.Outcome = outcome
	l.countDelivery("fresh", outcome)
	l.status.markDelivery(outcome)

	if outcome.MustBuffer() {
		rep.Err = err
		log.WithError(err).WithField("outcome", outcome.String()).Warn("delivery failed, buffering")
		l.bufferReading(&rep, r, log)
		rep.Sleep = l.failureSleep()
		return rep
	}

	rep.Stage = StageDelivered
	l.cadence.Reset()
	log.Info("reading delivered")

	if !l.opts.ReplayFirst {
		rep.Stage = StageReplaying
		res, err := l.buf.Replay(ctx, l.replayDeliver(log))
		rep.Replay = &res
		l.logReplay(res, err, log)
		rep.Stage = StageDelivered
	}
	l.refreshBufferGauge()
	return rep
}

// replayBacklog drains the buffer ahead of a fresh send. It reports true when
// deliverable records are still queued afterwards.
func (l *Loop) replayBacklog(ctx context.Context, rep *CycleReport, log logrus.FieldLogger) bool {
	n, err := l.buf.Len()
	if err != nil {
		log.WithError(err).Warn("buffer unreadable")
		return false
	}
	if n == 0 {
		return false
	}
	rep.Stage = StageReplaying
	res, err := l.buf.Replay(ctx, l.replayDeliver(log))
	rep.Replay = &res
	l.logReplay(res, err, log)
	if err != nil {
		return true
	}
	return res.Remaining-res.Retained > 0
}

func (l *Loop) replayDeliver(log logrus.FieldLogger) buffer.DeliverFunc {
	return func(ctx context.Context, r model.SensorReading) model.DeliveryOutcome {
		outcome, err := l.client.Deliver(ctx, r)
		l.countDelivery("replay", outcome)
		l.status.markDelivery(outcome)
		if err != nil {
			log.WithError(err).WithField("outcome", outcome.String()).Debug("replay attempt failed")
		}
		return outcome
	}
}

func (l *Loop) logReplay(res buffer.ReplayResult, err error, log logrus.FieldLogger) {
	l.refreshBufferGauge()
	if err != nil {
		log.WithError(err).Error("buffer replay failed")
		return
	}
	if res.Delivered == 0 && res.Remaining == 0 {
		return
	}
	log.WithFields(logrus.Fields{
		"replayed":  res.Delivered,
		"remaining": res.Remaining,
		"corrupt":   len(res.Corrupt),
	}).Info("buffer replayed")
}

func (l *Loop) bufferReading(rep *CycleReport, r model.SensorReading, log logrus.FieldLogger) {
	rep.Stage = StageBuffering
	if err := l.buf.Append(r); err != nil {
		if l.metrics != nil {
			l.metrics.AppendErrors.Inc()
		}
		rep.Err = errors.Join(rep.Err, err)
		log.WithError(err).Error("could not buffer reading, it is lost")
		return
	}
	rep.Buffered = true
	l.refreshBufferGauge()
}

// failureSleep grows the wait after each failed cycle, up to MaxInterval.
func (l *Loop) failureSleep() time.Duration {
	d := l.cadence.NextBackOff()
	if d == backoff.Stop || d > l.opts.MaxInterval {
		return l.opts.MaxInterval
	}
	return d
}

func (l *Loop) refreshBufferGauge() {
	n, err := l.buf.Len()
	if err != nil {
		return
	}
	l.status.setBuffered(n)
	if l.metrics != nil {
		l.metrics.BufferRecords.Set(float64(n))
	}
}

func (l *Loop) countFrame(result string) {
	if l.metrics != nil {
		l.metrics.Frames.WithLabelValues(result).Inc()
	}
}

func (l *Loop) countDelivery(path string, o model.DeliveryOutcome) {
	if l.metrics != nil {
		l.metrics.Deliveries.WithLabelValues(path, o.String()).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
