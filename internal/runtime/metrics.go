package runtime

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/chainflow/internal/runtime/dispatch"
	"github.com/drblury/chainflow/internal/runtime/retry"
)

const metricsNamespace = "chainflow"

// Metrics collects dispatcher, dead-letter and producer statistics. It
// implements dispatch.Observer.
type Metrics struct {
	mu sync.RWMutex

	// Per-queue dead-letter counts
	dlqCounts map[string]*DLQQueueMetrics

	dlqMessagesTotal   *prometheus.CounterVec
	dlqMessagesCurrent *prometheus.GaugeVec
	dlqAgeSecondsHist  *prometheus.HistogramVec
	dlqRetryCountHist  *prometheus.HistogramVec

	queueState      *prometheus.GaugeVec
	deliveriesTotal *prometheus.CounterVec
	applySeconds    *prometheus.HistogramVec
	reconnectsTotal *prometheus.CounterVec
	publishTotal    *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

var _ dispatch.Observer = (*Metrics)(nil)

// DLQQueueMetrics holds dead-letter statistics of one source queue.
type DLQQueueMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	MessagesCurrent  uint64    `json:"messages_current"`
	OldestMessageAt  time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time `json:"newest_message_at,omitempty"`
	AvgRetryCount    float64   `json:"avg_retry_count"`
	LastReason       string    `json:"last_reason,omitempty"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// DLQMetricsSnapshot provides a point-in-time view of dead-letter metrics.
type DLQMetricsSnapshot struct {
	TotalMessages uint64                      `json:"total_messages"`
	Queues        map[string]*DLQQueueMetrics `json:"queues"`
	CollectedAt   time.Time                   `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMetrics creates the collectors. Call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		dlqCounts:          make(map[string]*DLQQueueMetrics),
		registerer:         registerer,
		dlqMessagesTotal:   newCounterVec("dlq", "messages_total", "Total number of messages sent to a dead-letter queue", []string{"queue", "reason"}),
		dlqMessagesCurrent: newGaugeVec("dlq", "messages_current", "Current number of messages waiting in a dead-letter queue", []string{"queue"}),
		dlqAgeSecondsHist:  newHistogramVec("dlq", "message_age_seconds", "Age of messages when moved to the dead-letter queue (time since first publication)", []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}, []string{"queue"}),
		dlqRetryCountHist:  newHistogramVec("dlq", "retry_count", "Number of retries before a message was dead-lettered", []float64{0, 1, 2, 3, 5, 10, 20}, []string{"queue"}),
		queueState:         newGaugeVec("dispatch", "queue_state", "Current queue state (0 idle, 1 connected, 2 consuming, 3 draining, 4 faulted)", []string{"queue"}),
		deliveriesTotal:    newCounterVec("dispatch", "deliveries_total", "Deliveries settled, by outcome", []string{"queue", "outcome"}),
		applySeconds:       newHistogramVec("dispatch", "delivery_duration_seconds", "Time from receiving a delivery to settling it", prometheus.DefBuckets, []string{"queue"}),
		reconnectsTotal:    newCounterVec("dispatch", "reconnects_total", "Queue re-subscriptions after a fault", []string{"queue"}),
		publishTotal:       newCounterVec("producer", "publish_total", "Published envelopes, by confirmation result", []string{"routing_key", "result"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.dlqMessagesTotal,
		m.dlqMessagesCurrent,
		m.dlqAgeSecondsHist,
		m.dlqRetryCountHist,
		m.queueState,
		m.deliveriesTotal,
		m.applySeconds,
		m.reconnectsTotal,
		m.publishTotal,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) StateChanged(queue string, _, to dispatch.State) {
	m.queueState.WithLabelValues(queue).Set(float64(to))
}

func (m *Metrics) Delivered(queue string, decision retry.Decision, latency time.Duration) {
	m.deliveriesTotal.WithLabelValues(queue, decision.String()).Inc()
	m.applySeconds.WithLabelValues(queue).Observe(latency.Seconds())
}

func (m *Metrics) Reconnected(queue string) {
	m.reconnectsTotal.WithLabelValues(queue).Inc()
}

// DeadLettered records a message being copied to the dead-letter queue of
// queue.
func (m *Metrics) DeadLettered(queue, reason string, retries int, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	stats := m.getOrCreateQueueMetrics(queue)
	stats.MessagesReceived++
	stats.MessagesCurrent++
	stats.LastReason = reason
	stats.LastUpdatedAt = now
	if stats.OldestMessageAt.IsZero() {
		stats.OldestMessageAt = now
	}
	stats.NewestMessageAt = now

	// Rolling average
	total := stats.MessagesReceived
	stats.AvgRetryCount = ((stats.AvgRetryCount * float64(total-1)) + float64(retries)) / float64(total)

	m.dlqMessagesTotal.WithLabelValues(queue, reasonClass(reason)).Inc()
	m.dlqMessagesCurrent.WithLabelValues(queue).Set(float64(stats.MessagesCurrent))
	m.dlqAgeSecondsHist.WithLabelValues(queue).Observe(age.Seconds())
	m.dlqRetryCountHist.WithLabelValues(queue).Observe(float64(retries))
}

// Published records the confirmation result of one producer publish.
func (m *Metrics) Published(routingKey string, confirmed bool) {
	result := "confirmed"
	if !confirmed {
		result = "not_confirmed"
	}
	m.publishTotal.WithLabelValues(routingKey, result).Inc()
}

// SetCurrentCount sets the dead-letter depth of queue as read from the broker.
func (m *Metrics) SetCurrentCount(queue string, count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreateQueueMetrics(queue)
	stats.MessagesCurrent = count
	stats.LastUpdatedAt = time.Now()

	m.dlqMessagesCurrent.WithLabelValues(queue).Set(float64(count))
}

// GetSnapshot returns a point-in-time snapshot of all dead-letter metrics.
func (m *Metrics) GetSnapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DLQMetricsSnapshot{
		Queues:      make(map[string]*DLQQueueMetrics, len(m.dlqCounts)),
		CollectedAt: time.Now(),
	}
	for queue, stats := range m.dlqCounts {
		statsCopy := *stats
		snapshot.Queues[queue] = &statsCopy
		snapshot.TotalMessages += stats.MessagesCurrent
	}
	return snapshot
}

// GetQueueMetrics returns dead-letter metrics of one source queue.
func (m *Metrics) GetQueueMetrics(queue string) *DLQQueueMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if stats, ok := m.dlqCounts[queue]; ok {
		statsCopy := *stats
		return &statsCopy
	}
	return nil
}

func (m *Metrics) getOrCreateQueueMetrics(queue string) *DLQQueueMetrics {
	if stats, ok := m.dlqCounts[queue]; ok {
		return stats
	}
	stats := &DLQQueueMetrics{}
	m.dlqCounts[queue] = stats
	return stats
}

// Reset resets all metrics (useful for testing).
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dlqCounts = make(map[string]*DLQQueueMetrics)
	m.dlqMessagesTotal.Reset()
	m.dlqMessagesCurrent.Reset()
	m.dlqAgeSecondsHist.Reset()
	m.dlqRetryCountHist.Reset()
	m.queueState.Reset()
	m.deliveriesTotal.Reset()
	m.applySeconds.Reset()
	m.reconnectsTotal.Reset()
	m.publishTotal.Reset()
}

// reasonClass bounds the label cardinality of dead-letter reasons.
func reasonClass(reason string) string {
	switch {
	case strings.HasPrefix(reason, "chainflow: decode"):
		return "decode"
	case strings.HasPrefix(reason, retry.ReasonRetryLimit):
		return "retry_limit"
	case strings.HasPrefix(reason, "chainflow: fatal write error"):
		return "fatal_write"
	default:
		return "other"
	}
}
