// Package metrics provides the Prometheus instrumentation for the engine.
//
// Domain packages stay decoupled from Prometheus by declaring small observer
// interfaces and accepting nil for zero overhead; this package implements
// all of them on a single Metrics value backed by one registry.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config controls the metrics endpoint.
type Config struct {
	// Enabled turns the metrics server on. Default: false.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Addr is the listen address for the metrics server. Default: :9090.
	Addr string `mapstructure:"addr" yaml:"addr"`

	// Path is the scrape path. Default: /metrics.
	Path string `mapstructure:"path" yaml:"path"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":9090"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

// Metrics holds every instrument the engine records into. It implements the
// observer interfaces of the store, flow, worker, ratelimit, and reaper
// packages, so one value is wired everywhere.
type Metrics struct {
	registry *prometheus.Registry

	dispatchDuration *prometheus.HistogramVec
	versionConflicts *prometheus.CounterVec
	cacheAccesses    *prometheus.CounterVec
	rateLimitDenials *prometheus.CounterVec
	webhookRequests  *prometheus.HistogramVec
	duplicateEvents  prometheus.Counter
	deadLetters      prometheus.Counter
	tasksFinished    *prometheus.HistogramVec
	tasksInflight    prometheus.Gauge
	tasksRejected    prometheus.Counter
	sessionsWarned   prometheus.Counter
	sessionsClosed   prometheus.Counter
	messagesPruned   prometheus.Counter
	breakerState     *prometheus.GaugeVec
}

// New creates the registry and all instruments.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry: reg,
		dispatchDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "waflow_dispatch_duration_milliseconds",
				Help:    "Duration of flow handler dispatches in milliseconds",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
			},
			[]string{"flow", "handler", "result"}, // result: "ok", "conflict", "error", "panic"
		),
		versionConflicts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "waflow_session_version_conflicts_total",
				Help: "Optimistic-lock commit rejections by originating writer",
			},
			[]string{"origin"},
		),
		cacheAccesses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "waflow_session_cache_accesses_total",
				Help: "Session cache lookups by outcome",
			},
			[]string{"status"}, // "hit", "miss"
		),
		rateLimitDenials: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "waflow_rate_limit_denials_total",
				Help: "Inbound events denied by the rate limiter",
			},
			[]string{"kind", "reason"},
		),
		webhookRequests: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "waflow_webhook_request_duration_milliseconds",
				Help:    "Webhook ingress processing time in milliseconds",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"event_type", "status"},
		),
		duplicateEvents: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "waflow_duplicate_events_total",
				Help: "Inbound events dropped by message-id deduplication",
			},
		),
		deadLetters: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "waflow_dead_letters_total",
				Help: "Webhook payloads parked in the dead letter queue",
			},
		),
		tasksFinished: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "waflow_background_task_duration_seconds",
				Help:    "Background enrichment task duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"task", "result"}, // result: "ok", "error", "panic", "timeout"
		),
		tasksInflight: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "waflow_background_tasks_inflight",
				Help: "Background tasks currently running",
			},
		),
		tasksRejected: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "waflow_background_tasks_rejected_total",
				Help: "Background task submissions rejected by the saturated pool",
			},
		),
		sessionsWarned: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "waflow_idle_sessions_warned_total",
				Help: "Sessions sent an inactivity warning by the reaper",
			},
		),
		sessionsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "waflow_idle_sessions_closed_total",
				Help: "Sessions reset to INICIO by the timeout reaper",
			},
		),
		messagesPruned: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "waflow_processed_messages_pruned_total",
				Help: "Dedup records removed past the retention window",
			},
		),
		breakerState: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "waflow_circuit_breaker_state",
				Help: "Circuit breaker state per service (0 closed, 1 half-open, 2 open)",
			},
			[]string{"service"},
		),
	}
}

// Registry exposes the underlying registry for the scrape handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ============================================================================
// Observer implementations
// ============================================================================

// SessionCacheAccess implements store.Observer.
func (m *Metrics) SessionCacheAccess(hit bool) {
	status := "miss"
	if hit {
		status = "hit"
	}
	m.cacheAccesses.WithLabelValues(status).Inc()
}

// VersionConflict implements store.Observer.
func (m *Metrics) VersionConflict(origin string) {
	m.versionConflicts.WithLabelValues(origin).Inc()
}

// DispatchObserved implements flow.Observer.
func (m *Metrics) DispatchObserved(flowName, handler, result string, elapsed time.Duration) {
	m.dispatchDuration.WithLabelValues(flowName, handler, result).
		Observe(float64(elapsed.Milliseconds()))
}

// TaskFinished implements worker.Observer.
func (m *Metrics) TaskFinished(name, result string, elapsed time.Duration) {
	m.tasksFinished.WithLabelValues(name, result).Observe(elapsed.Seconds())
}

// InflightChanged implements worker.Observer.
func (m *Metrics) InflightChanged(n int64) {
	m.tasksInflight.Set(float64(n))
}

// SweepCompleted implements reaper.Observer.
func (m *Metrics) SweepCompleted(warned, closed int, pruned int64) {
	m.sessionsWarned.Add(float64(warned))
	m.sessionsClosed.Add(float64(closed))
	m.messagesPruned.Add(float64(pruned))
}

// ============================================================================
// Direct recording
// ============================================================================

// RateLimitDenied records one denied inbound event.
func (m *Metrics) RateLimitDenied(kind, reason string) {
	m.rateLimitDenials.WithLabelValues(kind, reason).Inc()
}

// WebhookRequest records one processed ingress request.
func (m *Metrics) WebhookRequest(eventType string, status int, elapsed time.Duration) {
	m.webhookRequests.WithLabelValues(eventType, strconv.Itoa(status)).
		Observe(float64(elapsed.Milliseconds()))
}

// DuplicateEvent records one deduplicated inbound event.
func (m *Metrics) DuplicateEvent() {
	m.duplicateEvents.Inc()
}

// DeadLetterStored records one parked payload.
func (m *Metrics) DeadLetterStored() {
	m.deadLetters.Inc()
}

// TaskRejected records one pool-saturation rejection.
func (m *Metrics) TaskRejected() {
	m.tasksRejected.Inc()
}

// BreakerStateChanged records a circuit breaker transition.
// state: 0 closed, 1 half-open, 2 open.
func (m *Metrics) BreakerStateChanged(service string, state int) {
	m.breakerState.WithLabelValues(service).Set(float64(state))
}
