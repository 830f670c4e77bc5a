package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted   *prometheus.CounterVec
	TaskOutcomes     *prometheus.CounterVec
	TaskDuration     prometheus.Histogram
	TaskEvents       *prometheus.CounterVec
	DroppedEvents    prometheus.Counter
	PendingApprovals prometheus.Gauge
	ApprovalWait     prometheus.Histogram
	ActiveStreams    *prometheus.GaugeVec
	QueueDepth       prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TasksSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Accepted task submissions by agent.",
		}, []string{"agent"}),
		TaskOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Finished tasks by outcome.",
		}, []string{"outcome"}),
		TaskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from worker pickup to task finish.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		TaskEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Published task events by type.",
		}, []string{"type"}),
		DroppedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_dropped_total",
			Help:      "Events dropped for slow stream readers.",
		}),
		PendingApprovals: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_approvals",
			Help:      "Tasks currently waiting for a human decision.",
		}),
		ApprovalWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_wait_seconds",
			Help:      "Time between an approval request and its decision.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		ActiveStreams: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Open task event streams by transport.",
		}, []string{"transport"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_queue_depth",
			Help:      "Tasks accepted but not yet picked up by a worker.",
		}),
	}
}

func (m *Metrics) TaskSubmitted(agent string) {
	if m == nil {
		return
	}
	m.TasksSubmitted.WithLabelValues(agent).Inc()
}

func (m *Metrics) TaskFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TaskOutcomes.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.TaskDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.DroppedEvents.Inc()
}

func (m *Metrics) ApprovalRequested() {
	if m == nil {
		return
	}
	m.PendingApprovals.Inc()
}

func (m *Metrics) ApprovalResolved(waited time.Duration) {
	if m == nil {
		return
	}
	m.PendingApprovals.Dec()
	m.ApprovalWait.Observe(waited.Seconds())
}

func (m *Metrics) StreamOpened(transport string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(transport).Inc()
}

func (m *Metrics) StreamClosed(transport string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(transport).Dec()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
