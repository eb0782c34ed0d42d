// Package telemetry provides observability instrumentation for lfsync.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into one system
// for monitoring reconciliation sessions and device traffic.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// Logger owns the zerolog output. Packages take a zerolog.Logger and tag it
// with their component:
//
//	logger := tel.Logger.Component("engine").Session(id, "LTO-0042")
//	logger.Zerolog().Info().Msg("session started")
//
// # Distributed Tracing
//
// Reconciler sessions, transcodes and device calls open spans on
// Tracer().Tracer(). RecordDeviceCall wraps one device request in a span
// when the context carries telemetry:
//
//	err := telemetry.RecordDeviceCall(ctx, deviceID, "tree.fetch", fetch)
//
// Exporters: otlp (gRPC), stdout (written to stderr), none.
//
// # Metrics
//
// Metrics are served on MetricsConfig.ListenAddress when enabled. All
// recording methods are safe on a disabled or nil *Metrics:
//
//	lfsync_sessions_started_total{mode}
//	lfsync_sessions_completed_total{outcome}
//	lfsync_session_duration_seconds{outcome}
//	lfsync_ops_planned_total{kind}
//	lfsync_ops_applied_total{kind,status}
//	lfsync_op_retries_total{kind}
//	lfsync_entities_skipped_total{reason}
//	lfsync_transcodes_total{mode,status,cache}
//	lfsync_device_faults_total{origin,name}
//	lfsync_dirty_flag_writes_total{value}
//	lfsync_device_entities{device}
//	lfsync_errors_by_class_total{class}
//	lfsync_active_sessions
//
// # Events
//
// The event publisher fans session events out to subscribers, optionally
// through a buffered asynchronous queue:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
