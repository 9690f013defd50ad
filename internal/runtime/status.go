package runtime

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/chainflow/internal/runtime/dispatch"
	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
)

// StatusReport is the body served on /status.
type StatusReport struct {
	Network     string                 `json:"network"`
	Modes       []string               `json:"modes"`
	Transport   string                 `json:"transport"`
	Connected   bool                   `json:"connected"`
	Queues      []dispatch.QueueStatus `json:"queues"`
	DeadLetters DLQMetricsSnapshot     `json:"dead_letters"`
	Resources   ResourceUsage          `json:"resources"`
	GeneratedAt time.Time              `json:"generated_at"`
}

// StatusReport describes every consumed queue, dead-letter counters and the
// process footprint.
func (s *Service) StatusReport() StatusReport {
	modes := make([]string, 0, len(s.modes))
	for _, m := range s.modes {
		modes = append(modes, string(m))
	}
	queues := s.Status()
	if queues == nil {
		queues = []dispatch.QueueStatus{}
	}
	return StatusReport{
		Network:     string(s.network),
		Modes:       modes,
		Transport:   s.transport.Capabilities.Name,
		Connected:   s.Connected(),
		Queues:      queues,
		DeadLetters: s.metrics.GetSnapshot(),
		Resources:   s.getResourceTracker().Snapshot(),
		GeneratedAt: time.Now().UTC(),
	}
}

// registerStatusHandlers mounts /metrics, /healthz and /status on the
// metrics port.
func (s *Service) registerStatusHandlers() {
	s.statusOnce.Do(func() {
		port := s.Conf.MetricsPort
		if port == 0 {
			port = 9090
		}
		s.RegisterHTTPHandler(port, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		s.RegisterHTTPHandler(port, "/healthz", http.HandlerFunc(s.handleHealthz))
		s.RegisterHTTPHandler(port, "/status", http.HandlerFunc(s.handleStatus))
	})
}

// handleHealthz fails while the broker is unreachable or any queue is
// faulted.
func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.Connected() {
		http.Error(w, "broker disconnected", http.StatusServiceUnavailable)
		return
	}
	for _, q := range s.Status() {
		if q.State == dispatch.Faulted.String() {
			http.Error(w, "queue "+q.Queue+" faulted", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, s.StatusReport()); err != nil {
		s.Logger.Error("Failed to encode status", err, loggingpkg.LogFields{})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
