package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the Verity pipeline.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Layer metrics
	layersExecuted *prometheus.CounterVec
	layerDuration  *prometheus.HistogramVec

	// Category metrics
	categoriesExecuted *prometheus.CounterVec
	categoryDuration   *prometheus.HistogramVec
	categoriesRunning  prometheus.Gauge

	// Background task metrics
	taskAttempts   *prometheus.CounterVec
	taskRetries    *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	tasksQueued    prometheus.Gauge
	tasksRunning   prometheus.Gauge

	// Capability metrics
	capabilityProbes *prometheus.CounterVec

	// Event bus metrics
	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of pipeline runs started",
			},
			[]string{"target_layer"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of pipeline runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of pipeline runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		layersExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "layers_executed_total",
				Help:      "Total number of layers executed",
			},
			[]string{"layer", "status"},
		),
		layerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "layer_duration_seconds",
				Help:      "Duration of layer execution in seconds",
				Buckets:   buckets,
			},
			[]string{"layer", "strategy"},
		),

		categoriesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "categories_executed_total",
				Help:      "Total number of categories executed",
			},
			[]string{"layer", "status"},
		),
		categoryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "category_duration_seconds",
				Help:      "Duration of category execution in seconds",
				Buckets:   buckets,
			},
			[]string{"layer", "category"},
		),
		categoriesRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "categories_running",
				Help:      "Current number of categories executing",
			},
		),

		taskAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_attempts_total",
				Help:      "Total number of background task attempts",
			},
			[]string{"category", "outcome"},
		),
		taskRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_retries_total",
				Help:      "Total number of background task retries",
			},
			[]string{"category"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of background tasks from submit to terminal state",
				Buckets:   buckets,
			},
			[]string{"category", "final_state"},
		),
		tasksQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_queued",
				Help:      "Current number of queued background tasks",
			},
		),
		tasksRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_running",
				Help:      "Current number of running background tasks",
			},
		),

		capabilityProbes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capability_probes_total",
				Help:      "Total number of capability probe invocations",
			},
			[]string{"capability", "result"},
		),

		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of progress events published",
			},
			[]string{"type"},
		),
		eventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Total number of progress events dropped by overflowing sinks",
			},
			[]string{"sink"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.layersExecuted,
		m.layerDuration,
		m.categoriesExecuted,
		m.categoryDuration,
		m.categoriesRunning,
		m.taskAttempts,
		m.taskRetries,
		m.taskDuration,
		m.tasksQueued,
		m.tasksRunning,
		m.capabilityProbes,
		m.eventsPublished,
		m.eventsDropped,
		m.errorsByClass,
	)

	return m, nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(targetLayer string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(targetLayer).Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordLayerExecution records the execution of a layer.
func (m *Metrics) RecordLayerExecution(layer, strategy, status string, duration time.Duration) {
	if m.layersExecuted == nil {
		return
	}
	m.layersExecuted.WithLabelValues(layer, status).Inc()
	m.layerDuration.WithLabelValues(layer, strategy).Observe(duration.Seconds())
}

// RecordCategoryExecution records the execution of a category inside a layer.
func (m *Metrics) RecordCategoryExecution(layer, category, status string, duration time.Duration) {
	if m.categoriesExecuted == nil {
		return
	}
	m.categoriesExecuted.WithLabelValues(layer, status).Inc()
	m.categoryDuration.WithLabelValues(layer, category).Observe(duration.Seconds())
}

// CategoryStarted increments the running-categories gauge.
func (m *Metrics) CategoryStarted() {
	if m.categoriesRunning == nil {
		return
	}
	m.categoriesRunning.Inc()
}

// CategoryFinished decrements the running-categories gauge.
func (m *Metrics) CategoryFinished() {
	if m.categoriesRunning == nil {
		return
	}
	m.categoriesRunning.Dec()
}

// RecordTaskAttempt records a single background task attempt.
func (m *Metrics) RecordTaskAttempt(category, outcome string) {
	if m.taskAttempts == nil {
		return
	}
	m.taskAttempts.WithLabelValues(category, outcome).Inc()
}

// RecordTaskRetry records a retry of a background task.
func (m *Metrics) RecordTaskRetry(category string) {
	if m.taskRetries == nil {
		return
	}
	m.taskRetries.WithLabelValues(category).Inc()
}

// RecordTaskCompleted records a task reaching a terminal state.
func (m *Metrics) RecordTaskCompleted(category, finalState string, duration time.Duration) {
	if m.taskDuration == nil {
		return
	}
	m.taskDuration.WithLabelValues(category, finalState).Observe(duration.Seconds())
}

// SetTasksQueued sets the current number of queued tasks.
func (m *Metrics) SetTasksQueued(count float64) {
	if m.tasksQueued == nil {
		return
	}
	m.tasksQueued.Set(count)
}

// SetTasksRunning sets the current number of running tasks.
func (m *Metrics) SetTasksRunning(count float64) {
	if m.tasksRunning == nil {
		return
	}
	m.tasksRunning.Set(count)
}

// RecordCapabilityProbe records a capability probe invocation and outcome.
func (m *Metrics) RecordCapabilityProbe(capability, result string) {
	if m.capabilityProbes == nil {
		return
	}
	m.capabilityProbes.WithLabelValues(capability, result).Inc()
}

// RecordEventPublished records a progress event publication.
func (m *Metrics) RecordEventPublished(eventType string) {
	if m.eventsPublished == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records an event dropped by an overflowing sink queue.
func (m *Metrics) RecordEventDropped(sink string) {
	if m.eventsDropped == nil {
		return
	}
	m.eventsDropped.WithLabelValues(sink).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer(log *Logger) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}
	}()

	return nil
}
