package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "cellcore"

// stepBuckets cover pick-and-place bodies, which take seconds.
var stepBuckets = []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64}

// Option configures a Manager.
type Option func(*Manager)

// WithNamespace sets the metric namespace.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithRegistry registers the collectors on reg instead of a new private
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(m *Manager) {
		if reg != nil {
			m.registry = reg
		}
	}
}

// WithRuntimeCollectors adds the Go runtime and process collectors.
func WithRuntimeCollectors() Option {
	return func(m *Manager) {
		m.runtime = true
	}
}

// Manager owns the cell's Prometheus collectors.
type Manager struct {
	namespace string
	registry  *prometheus.Registry
	runtime   bool

	stepsTotal      *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	stepBacklog     *prometheus.GaugeVec
	stepRunning     *prometheus.GaugeVec
	triggersTotal   *prometheus.CounterVec
	emergencyStops  prometheus.Counter
	finalizedTotal  *prometheus.CounterVec
	armRequests     *prometheus.CounterVec
	gateResults     *prometheus.CounterVec
	resultWrites    *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpRequestTime *prometheus.HistogramVec
}

// NewManager creates and registers all collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{namespace: DefaultNamespace}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	if m.runtime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m.initialize()
	return m
}

func (m *Manager) initialize() {
	auto := promauto.With(m.registry)
	ns := m.namespace

	m.stepsTotal = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "scheduler", Name: "steps_total",
		Help: "Step bodies finished, by resource, step and status.",
	}, []string{"resource", "step", "status"})

	m.stepDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "scheduler", Name: "step_duration_seconds",
		Help:    "Step body duration.",
		Buckets: stepBuckets,
	}, []string{"resource", "step"})

	m.stepBacklog = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "scheduler", Name: "backlog",
		Help: "Pending steps per resource.",
	}, []string{"resource"})

	m.stepRunning = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "scheduler", Name: "running",
		Help: "1 while a step body runs on the resource.",
	}, []string{"resource"})

	m.triggersTotal = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "orchestrator", Name: "triggers_total",
		Help: "Step triggers, by step and result (accepted, rejected).",
	}, []string{"step", "result"})

	m.emergencyStops = auto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "orchestrator", Name: "emergency_stops_total",
		Help: "Emergency stop broadcasts.",
	})

	m.finalizedTotal = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "tracker", Name: "finalized_total",
		Help: "Finalized objects, by channel and verdict.",
	}, []string{"channel", "verdict"})

	m.armRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "gate", Name: "arm_requests_total",
		Help: "Arm requests, by channel and result (armed, already_armed).",
	}, []string{"channel", "result"})

	m.gateResults = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "gate", Name: "results_total",
		Help: "Verdicts forwarded by the gate, by channel and verdict.",
	}, []string{"channel", "verdict"})

	m.resultWrites = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "plc", Name: "result_writes_total",
		Help: "Result sequences written to the controller, by channel and status.",
	}, []string{"channel", "status"})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "api", Name: "requests_total",
		Help: "HTTP requests, by route, method and status code.",
	}, []string{"route", "method", "status_code"})

	m.httpRequestTime = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "api", Name: "request_duration_seconds",
		Help:    "HTTP request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})
}

func verdict(good bool) string {
	if good {
		return "good"
	}
	return "bad"
}

func status(err error) string {
	if err != nil {
		return "failed"
	}
	return "completed"
}

// StepStarted marks the resource busy.
func (m *Manager) StepStarted(resource string) {
	m.stepRunning.WithLabelValues(resource).Set(1)
}

// StepFinished records a finished body and marks the resource idle.
func (m *Manager) StepFinished(resource string, step int, d time.Duration, err error) {
	s := strconv.Itoa(step)
	m.stepsTotal.WithLabelValues(resource, s, status(err)).Inc()
	m.stepDuration.WithLabelValues(resource, s).Observe(d.Seconds())
	m.stepRunning.WithLabelValues(resource).Set(0)
}

// SetBacklog sets the pending step count of a resource.
func (m *Manager) SetBacklog(resource string, pending int) {
	m.stepBacklog.WithLabelValues(resource).Set(float64(pending))
}

// Trigger records a step trigger.
func (m *Manager) Trigger(step int, accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	m.triggersTotal.WithLabelValues(strconv.Itoa(step), result).Inc()
}

// EmergencyStop counts an emergency stop broadcast.
func (m *Manager) EmergencyStop() {
	m.emergencyStops.Inc()
}

// Finalized records a finalized object.
func (m *Manager) Finalized(channel string, defective bool) {
	m.finalizedTotal.WithLabelValues(channel, verdict(!defective)).Inc()
}

// ArmRequested records a gate arm request.
func (m *Manager) ArmRequested(channel string, armed bool) {
	result := "armed"
	if !armed {
		result = "already_armed"
	}
	m.armRequests.WithLabelValues(channel, result).Inc()
}

// GateResult records a verdict forwarded by a gate.
func (m *Manager) GateResult(channel string, isGood bool) {
	m.gateResults.WithLabelValues(channel, verdict(isGood)).Inc()
}

// ResultWritten records the outcome of a controller result sequence.
func (m *Manager) ResultWritten(channel string, err error) {
	m.resultWrites.WithLabelValues(channel, status(err)).Inc()
}

// ObserveHTTP records one HTTP request.
func (m *Manager) ObserveHTTP(route, method string, code int, d time.Duration) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.httpRequestTime.WithLabelValues(route, method).Observe(d.Seconds())
}

// RegisterCounterFunc exposes a monotonically increasing value read at
// scrape time, such as a channel's dropped batch count.
func (m *Manager) RegisterCounterFunc(subsystem, name, help string, labels prometheus.Labels, fn func() float64) error {
	return m.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, fn))
}

// RegisterGaugeFunc exposes a value read at scrape time.
func (m *Manager) RegisterGaugeFunc(subsystem, name, help string, labels prometheus.Labels, fn func() float64) error {
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, fn))
}

// Registry returns the registry the collectors live in.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
