package uplink

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LeonardoBeccarini/aq_uplink/internal/model"
)

// Status is the loop state shared with the status server.
type Status struct {
	mu               sync.RWMutex
	sourceOpen       bool
	lastFrame        time.Time
	lastDelivery     time.Time
	consecutiveFails int
	buffered         int
}

func NewStatus() *Status { return &Status{} }

func (s *Status) SetSourceOpen(open bool) {
	s.mu.Lock()
	s.sourceOpen = open
	s.mu.Unlock()
}

func (s *Status) markFrame(ok bool) {
	if !ok {
		return
	}
	s.mu.Lock()
	s.lastFrame = time.Now()
	s.mu.Unlock()
}

func (s *Status) markDelivery(o model.DeliveryOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o == model.Delivered {
		s.lastDelivery = time.Now()
		s.consecutiveFails = 0
		return
	}
	s.consecutiveFails++
}

func (s *Status) setBuffered(n int) {
	s.mu.Lock()
	s.buffered = n
	s.mu.Unlock()
}

// StatusSnapshot is the JSON body of /healthz.
type StatusSnapshot struct {
	Status           string  `json:"status"`
	SourceOpen       bool    `json:"source_open"`
	Buffered         int     `json:"buffered"`
	ConsecutiveFails int     `json:"consecutive_failures"`
	LastFrameAgeS    float64 `json:"last_frame_age_sec"`
	LastDeliveryAgeS float64 `json:"last_delivery_age_sec"`
}

func (s *Status) Snapshot() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := StatusSnapshot{
		SourceOpen:       s.sourceOpen,
		Buffered:         s.buffered,
		ConsecutiveFails: s.consecutiveFails,
		LastFrameAgeS:    age(s.lastFrame),
		LastDeliveryAgeS: age(s.lastDelivery),
	}
	// an unreachable endpoint only degrades: readings are buffered
	switch {
	case !st.SourceOpen:
		st.Status = "down"
	case st.ConsecutiveFails > 0 || st.Buffered > 0:
		st.Status = "degraded"
	default:
		st.Status = "ok"
	}
	return st
}

func age(t time.Time) float64 {
	if t.IsZero() {
		return -1
	}
	return time.Since(t).Seconds()
}

type healthHandler struct{ status *Status }

func NewHealthHandler(s *Status) http.Handler { return &healthHandler{status: s} }

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.status.Snapshot())
}

// readyHandler answers 200 only while the frame source is open.
type readyHandler struct{ status *Status }

func NewReadyHandler(s *Status) http.Handler { return &readyHandler{status: s} }

func (h *readyHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	ready := h.status.Snapshot().SourceOpen
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	type resp struct {
		Ready bool `json:"ready"`
	}
	_ = json.NewEncoder(w).Encode(resp{Ready: ready})
}

// NewStatusMux wires /healthz, /readyz and /metrics.
func NewStatusMux(s *Status, g prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", NewHealthHandler(s))
	mux.Handle("/readyz", NewReadyHandler(s))
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}
