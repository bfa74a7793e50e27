package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of one IPC kernel
type Metrics struct {
	registry *prometheus.Registry

	// Call metrics
	CallsTotal      *prometheus.CounterVec
	AnswersTotal    *prometheus.CounterVec
	CallLimitHits   prometheus.Counter
	AutoReplies     *prometheus.CounterVec
	ForgottenCalls  prometheus.Counter
	WaitDuration    *prometheus.HistogramVec
	SyscallRejected *prometheus.CounterVec

	// Topology metrics
	PhonesConnected prometheus.Gauge
	TasksActive     prometheus.Gauge

	// IRQ metrics
	IRQNotifications *prometheus.CounterVec

	// HTTP metrics of the debug server
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	CallsSent       int64 `json:"calls_sent"`
	AnswersSent     int64 `json:"answers_sent"`
	CallLimitHits   int64 `json:"call_limit_hits"`
	AutoReplies     int64 `json:"auto_replies"`
	ForgottenCalls  int64 `json:"forgotten_calls"`
	PhonesConnected int64 `json:"phones_connected"`
	TasksActive     int64 `json:"tasks_active"`
	IRQDelivered    int64 `json:"irq_delivered"`
	IRQDropped      int64 `json:"irq_dropped"`
}

// NewMetrics creates a metrics collector with its own registry, so several
// kernels can live in one process.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

// NewMetricsWith creates a metrics collector registered with reg.
func NewMetricsWith(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipc_calls_total",
				Help: "Total number of IPC requests sent",
			},
			[]string{"kind"},
		),
		AnswersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipc_answers_total",
				Help: "Total number of IPC answers by return value",
			},
			[]string{"retval"},
		),
		CallLimitHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ipc_call_limit_rejections_total",
				Help: "Asynchronous calls rejected by the per-phone limit",
			},
		),
		AutoReplies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipc_auto_replies_total",
				Help: "Calls answered by the kernel on behalf of a task",
			},
			[]string{"reason"},
		),
		ForgottenCalls: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ipc_forgotten_calls_total",
				Help: "Calls forgotten by a terminating sender",
			},
		),
		WaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ipc_wait_duration_seconds",
				Help:    "Time spent blocked in wait-for-call",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"outcome"},
		),
		SyscallRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipc_syscall_rejected_total",
				Help: "IPC syscalls that returned an error",
			},
			[]string{"syscall", "errno"},
		),

		PhonesConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ipc_phones_connected",
				Help: "Number of connected phones",
			},
		),
		TasksActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ipc_tasks_active",
				Help: "Number of live tasks",
			},
		),

		IRQNotifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipc_irq_notifications_total",
				Help: "IRQ notifications by result",
			},
			[]string{"result"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipc_debug_http_requests_total",
				Help: "Total number of debug server HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ipc_debug_http_request_duration_seconds",
				Help:    "Debug server request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),
	}
}

// Registry returns the registry the metrics are registered with
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCall records a request of the given kind (sync, async, forward)
func (m *Metrics) RecordCall(kind string) {
	m.CallsTotal.WithLabelValues(kind).Inc()

	m.mu.Lock()
	m.snapshot.CallsSent++
	m.mu.Unlock()
}

// RecordAnswer records an answer by its return value name
func (m *Metrics) RecordAnswer(retval string) {
	m.AnswersTotal.WithLabelValues(retval).Inc()

	m.mu.Lock()
	m.snapshot.AnswersSent++
	m.mu.Unlock()
}

// RecordCallLimit records a call rejected by the per-phone limit
func (m *Metrics) RecordCallLimit() {
	m.CallLimitHits.Inc()

	m.mu.Lock()
	m.snapshot.CallLimitHits++
	m.mu.Unlock()
}

// RecordAutoReply records a kernel-synthesized answer
func (m *Metrics) RecordAutoReply(reason string) {
	m.AutoReplies.WithLabelValues(reason).Inc()

	m.mu.Lock()
	m.snapshot.AutoReplies++
	m.mu.Unlock()
}

// RecordForgotten records a forgotten call
func (m *Metrics) RecordForgotten() {
	m.ForgottenCalls.Inc()

	m.mu.Lock()
	m.snapshot.ForgottenCalls++
	m.mu.Unlock()
}

// RecordWait records a wait-for-call with its outcome
func (m *Metrics) RecordWait(outcome string, duration time.Duration) {
	m.WaitDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordSyscallError records a rejected syscall
func (m *Metrics) RecordSyscallError(syscall, errno string) {
	m.SyscallRejected.WithLabelValues(syscall, errno).Inc()
}

// AddPhonesConnected adjusts the connected phones gauge
func (m *Metrics) AddPhonesConnected(delta int) {
	m.PhonesConnected.Add(float64(delta))

	m.mu.Lock()
	m.snapshot.PhonesConnected += int64(delta)
	m.mu.Unlock()
}

// AddTasksActive adjusts the live tasks gauge
func (m *Metrics) AddTasksActive(delta int) {
	m.TasksActive.Add(float64(delta))

	m.mu.Lock()
	m.snapshot.TasksActive += int64(delta)
	m.mu.Unlock()
}

// RecordIRQ records an IRQ notification result (delivered, throttled, declined)
func (m *Metrics) RecordIRQ(result string) {
	m.IRQNotifications.WithLabelValues(result).Inc()

	m.mu.Lock()
	if result == "delivered" {
		m.snapshot.IRQDelivered++
	} else {
		m.snapshot.IRQDropped++
	}
	m.mu.Unlock()
}

// RecordHTTPRequest records a debug server request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Snapshot returns the current values for the JSON API
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
