package uplink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics of one uplink loop, registered on the registry passed to NewMetrics.
type Metrics struct {
	Frames        *prometheus.CounterVec
	Deliveries    *prometheus.CounterVec
	BufferRecords prometheus.Gauge
	AppendErrors  prometheus.Counter
	MirrorErrors  prometheus.Counter
	CycleDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "uplink_frames_total",
			Help: "Sensor frames by acquisition/decoding result",
		}, []string{"result"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "uplink_deliveries_total",
			Help: "Delivery attempts by path (fresh|replay) and outcome",
		}, []string{"path", "outcome"}),
		BufferRecords: f.NewGauge(prometheus.GaugeOpts{
			Name: "uplink_buffer_records",
			Help: "Lines currently held in the durable buffer",
		}),
		AppendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "uplink_buffer_append_errors_total",
			Help: "Readings that could be neither delivered nor buffered",
		}),
		MirrorErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "uplink_mirror_errors_total",
			Help: "Failed best-effort mirror writes",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "uplink_cycle_duration_seconds",
			Help:    "Wall time of one acquire/decode/deliver cycle, sleep excluded",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
	}
}
