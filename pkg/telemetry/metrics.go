package telemetry

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for lfsync.
type Metrics struct {
	config MetricsConfig

	// Session metrics
	sessionsStarted   *prometheus.CounterVec
	sessionsCompleted *prometheus.CounterVec
	sessionDuration   *prometheus.HistogramVec

	// Op metrics
	opsApplied *prometheus.CounterVec
	opDuration *prometheus.HistogramVec
	opRetries  *prometheus.CounterVec
	opsPlanned *prometheus.CounterVec
	skippedOps *prometheus.CounterVec

	// Transcode metrics
	transcodes        *prometheus.CounterVec
	transcodeDuration *prometheus.HistogramVec

	// Device metrics
	deviceFaults    *prometheus.CounterVec
	dirtyFlagWrites *prometheus.CounterVec
	deviceEntities  *prometheus.GaugeVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeSessions prometheus.Gauge

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

		sessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Total number of reconciliation sessions started",
			},
			[]string{"mode"},
		),
		sessionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_completed_total",
				Help:      "Total number of reconciliation sessions completed",
			},
			[]string{"outcome"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Duration of reconciliation sessions in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		opsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ops_applied_total",
				Help:      "Total number of ops sent to devices",
			},
			[]string{"kind", "status"},
		),
		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "op_duration_seconds",
				Help:      "Duration of applying one op, retries included",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		opRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "op_retries_total",
				Help:      "Total number of op retries after transient faults",
			},
			[]string{"kind"},
		),
		opsPlanned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ops_planned_total",
				Help:      "Total number of ops planned",
			},
			[]string{"kind"},
		),
		skippedOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entities_skipped_total",
				Help:      "Total number of entities skipped because their source failed",
			},
			[]string{"reason"},
		),

		transcodes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transcodes_total",
				Help:      "Total number of transcodes",
			},
			[]string{"mode", "status", "cache"},
		),
		transcodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transcode_duration_seconds",
				Help:      "Duration of transcodes in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),

		deviceFaults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_faults_total",
				Help:      "Total number of faults reported by devices",
			},
			[]string{"origin", "name"},
		),
		dirtyFlagWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dirty_flag_writes_total",
				Help:      "Total number of writes of the update-in-progress flag",
			},
			[]string{"value"},
		),
		deviceEntities: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "device_entities",
				Help:      "Number of entities on a device after the last session",
			},
			[]string{"device"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Current number of active reconciliation sessions",
			},
		),
	}

	registry.MustRegister(
		m.sessionsStarted,
		m.sessionsCompleted,
		m.sessionDuration,
		m.opsApplied,
		m.opDuration,
		m.opRetries,
		m.opsPlanned,
		m.skippedOps,
		m.transcodes,
		m.transcodeDuration,
		m.deviceFaults,
		m.dirtyFlagWrites,
		m.deviceEntities,
		m.errorsByClass,
		m.errorsByCode,
		m.activeSessions,
	)

	return m, nil
}

// Session Metrics

// RecordSessionStarted increments the counter for started sessions.
func (m *Metrics) RecordSessionStarted(mode string) {
	if m == nil || m.sessionsStarted == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(mode).Inc()
	m.activeSessions.Inc()
}

// RecordSessionCompleted records a finished session with its outcome and duration.
func (m *Metrics) RecordSessionCompleted(outcome string, duration time.Duration) {
	if m == nil || m.sessionsCompleted == nil {
		return
	}
	m.sessionsCompleted.WithLabelValues(outcome).Inc()
	m.sessionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.activeSessions.Dec()
}

// Op Metrics

// RecordOpsPlanned records the ops of a plan by kind.
func (m *Metrics) RecordOpsPlanned(kind string, count int) {
	if m == nil || m.opsPlanned == nil {
		return
	}
	m.opsPlanned.WithLabelValues(kind).Add(float64(count))
}

// RecordOpApplied records one op sent to a device.
func (m *Metrics) RecordOpApplied(kind, status string, duration time.Duration) {
	if m == nil || m.opsApplied == nil {
		return
	}
	m.opsApplied.WithLabelValues(kind, status).Inc()
	m.opDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordOpRetry records a retry of an op.
func (m *Metrics) RecordOpRetry(kind string) {
	if m == nil || m.opRetries == nil {
		return
	}
	m.opRetries.WithLabelValues(kind).Inc()
}

// RecordEntitySkipped records an entity left out of a session.
func (m *Metrics) RecordEntitySkipped(reason string) {
	if m == nil || m.skippedOps == nil {
		return
	}
	m.skippedOps.WithLabelValues(reason).Inc()
}

// Transcode Metrics

// RecordTranscode records one transcode.
func (m *Metrics) RecordTranscode(mode, status string, cacheHit bool, duration time.Duration) {
	if m == nil || m.transcodes == nil {
		return
	}
	cache := "miss"
	if cacheHit {
		cache = "hit"
	}
	m.transcodes.WithLabelValues(mode, status, cache).Inc()
	m.transcodeDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// Device Metrics

// RecordDeviceFault records a fault reported by a device.
func (m *Metrics) RecordDeviceFault(origin, name string) {
	if m == nil || m.deviceFaults == nil {
		return
	}
	m.deviceFaults.WithLabelValues(origin, name).Inc()
}

// RecordDirtyFlagWrite records a write of the update-in-progress flag.
func (m *Metrics) RecordDirtyFlagWrite(set bool) {
	if m == nil || m.dirtyFlagWrites == nil {
		return
	}
	value := "clear"
	if set {
		value = "set"
	}
	m.dirtyFlagWrites.WithLabelValues(value).Inc()
}

// SetDeviceEntities sets the entity count observed on a device.
func (m *Metrics) SetDeviceEntities(device string, count int) {
	if m == nil || m.deviceEntities == nil {
		return
	}
	m.deviceEntities.WithLabelValues(device).Set(float64(count))
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer binds the metrics listener and serves it in the
// background. Bind errors are returned; the server lives until the process
// exits.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go server.Serve(ln) //nolint:errcheck

	return nil
}
