package runner

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report runner activity.
type Metrics struct {
	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	logBatches     *prometheus.CounterVec
	logEntries     prometheus.Counter
	queueDepth     prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level instance registered with the
// global Prometheus registry, created once so that many runners share it.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// DefaultMetrics exposes the shared metrics instance.
func DefaultMetrics() *Metrics { return defaultMetrics() }

// MustNewMetrics registers the runner collectors with reg. Collectors that
// are already registered are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workbench",
			Subsystem: "runner",
			Name:      "actions_total",
			Help:      "Actions that reached a terminal status, by kind and status.",
		}, []string{"kind", "status"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "workbench",
			Subsystem: "runner",
			Name:      "action_duration_seconds",
			Help:      "Time from running to terminal status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		logBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workbench",
			Subsystem: "logs",
			Name:      "batches_total",
			Help:      "Log batches handed to the telemetry sink, by result.",
		}, []string{"result"}),
		logEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workbench",
			Subsystem: "logs",
			Name:      "entries_total",
			Help:      "Command log entries buffered for delivery.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "workbench",
			Subsystem: "runner",
			Name:      "queue_depth",
			Help:      "Actions waiting in runner queues.",
		}),
	}

	register := func(c prometheus.Collector) prometheus.Collector {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return already.ExistingCollector
			}
			panic(err)
		}
		return c
	}
	m.actions = register(m.actions).(*prometheus.CounterVec)
	m.actionDuration = register(m.actionDuration).(*prometheus.HistogramVec)
	m.logBatches = register(m.logBatches).(*prometheus.CounterVec)
	m.logEntries = register(m.logEntries).(prometheus.Counter)
	m.queueDepth = register(m.queueDepth).(prometheus.Gauge)
	return m
}

// ObserveAction records a terminal status and the time spent running.
func (m *Metrics) ObserveAction(kind, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(kind, status).Inc()
	if duration > 0 {
		m.actionDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// IncLogBatches counts a batch delivery attempt.
func (m *Metrics) IncLogBatches(result string) {
	if m == nil {
		return
	}
	m.logBatches.WithLabelValues(result).Inc()
}

// IncLogEntries counts a buffered log entry.
func (m *Metrics) IncLogEntries() {
	if m == nil {
		return
	}
	m.logEntries.Inc()
}

// AddQueueDepth adjusts the queued action gauge.
func (m *Metrics) AddQueueDepth(delta float64) {
	if m == nil {
		return
	}
	m.queueDepth.Add(delta)
}
