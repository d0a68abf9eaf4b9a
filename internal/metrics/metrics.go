// Package metrics exposes Prometheus collectors for the admission queue,
// message router, command gateway and task scheduler.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roundhouse"

// Metrics groups every collector. A nil *Metrics is valid and records nothing,
// so components can be built without instrumentation in tests.
type Metrics struct {
	activeContainers prometheus.Gauge
	waitingGroups    prometheus.Gauge
	runs             *prometheus.CounterVec
	retries          prometheus.Counter
	retriesExhausted prometheus.Counter
	messagesSeen     prometheus.Counter
	dispatches       *prometheus.CounterVec
	commands         *prometheus.CounterVec
	taskRuns         *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the process-wide instance registered with the default
// Prometheus registry. Collectors are created once to avoid duplicate
// registration panics.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew constructs Metrics registered with reg. Tests pass a fresh
// prometheus.NewRegistry(). Registration errors panic.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		activeContainers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "active_containers",
			Help: "Agent containers currently running.",
		}),
		waitingGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "waiting_groups",
			Help: "Groups waiting for a free container slot.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "runs_total",
			Help: "Completed container runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "retries_scheduled_total",
			Help: "Backoff retries scheduled after a failed run.",
		}),
		retriesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "retries_exhausted_total",
			Help: "Times a group hit the retry ceiling and was left pending.",
		}),
		messagesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "messages_seen_total",
			Help: "Inbound messages observed by the poll loop.",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "dispatches_total",
			Help: "Per-group routing decisions: piped, enqueued, skipped.",
		}, []string{"action"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ipc", Name: "commands_total",
			Help: "Worker commands processed by type and result.",
		}, []string{"type", "result"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "task_runs_total",
			Help: "Scheduled task executions by status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "queue", Name: "run_duration_seconds",
			Help:    "Wall time of container runs.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.activeContainers, m.waitingGroups, m.runs, m.retries, m.retriesExhausted,
		m.messagesSeen, m.dispatches, m.commands, m.taskRuns, m.runDuration,
	)
	return m
}

// SetQueueDepth records the active-container count and waiting-list length.
func (m *Metrics) SetQueueDepth(active, waiting int) {
	if m == nil {
		return
	}
	m.activeContainers.Set(float64(active))
	m.waitingGroups.Set(float64(waiting))
}

// ObserveRun records a finished run. kind is "messages" or "task".
func (m *Metrics) ObserveRun(kind string, ok bool, seconds float64) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	m.runs.WithLabelValues(kind, outcome).Inc()
	m.runDuration.WithLabelValues(kind).Observe(seconds)
}

// RetryScheduled counts a backoff retry.
func (m *Metrics) RetryScheduled() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// RetriesExhausted counts a group hitting the retry ceiling.
func (m *Metrics) RetriesExhausted() {
	if m == nil {
		return
	}
	m.retriesExhausted.Inc()
}

// MessagesSeen adds n to the observed-message counter.
func (m *Metrics) MessagesSeen(n int) {
	if m == nil {
		return
	}
	m.messagesSeen.Add(float64(n))
}

// Dispatch counts a routing decision ("piped", "enqueued", "skipped").
func (m *Metrics) Dispatch(action string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(action).Inc()
}

// Command counts a processed worker command.
func (m *Metrics) Command(kind, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind, result).Inc()
}

// TaskRun counts a scheduled task execution.
func (m *Metrics) TaskRun(status string) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(status).Inc()
}
