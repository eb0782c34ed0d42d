package telemetry_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/locutus/lfsync/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry initialization.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"
	cfg.Logging.Output = "stderr"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		fmt.Printf("failed to initialize telemetry: %v\n", err)
		return
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	fmt.Println("Telemetry initialized successfully")
	// Output: Telemetry initialized successfully
}

// Example_metricsCollection demonstrates session metrics.
func Example_metricsCollection() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true

	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		fmt.Printf("failed to create metrics: %v\n", err)
		return
	}

	metrics.RecordSessionStarted("standard")
	metrics.RecordOpsPlanned("create_entity", 3)
	metrics.RecordOpApplied("create_entity", "succeeded", 12*time.Millisecond)
	metrics.RecordTranscode("standard", "succeeded", false, 3*time.Millisecond)
	metrics.RecordDeviceFault("spi", "timeout")
	metrics.RecordSessionCompleted("settled", 40*time.Millisecond)

	families, err := metrics.Registry().Gather()
	if err != nil {
		fmt.Printf("gather failed: %v\n", err)
		return
	}
	fmt.Println(len(families) > 0)
	// Output: true
}

// Example_eventFiltering demonstrates subscriber filters.
func Example_eventFiltering() {
	cfg := telemetry.DefaultConfig()

	events, err := telemetry.NewEventPublisher(cfg.Events)
	if err != nil {
		fmt.Printf("failed to create publisher: %v\n", err)
		return
	}
	defer func() {
		_ = events.Shutdown(context.Background())
	}()

	got := make(chan telemetry.Event, 4)
	events.Subscribe(func(e telemetry.Event) {
		got <- e
	}, telemetry.FilterByLevel(telemetry.EventLevelError))

	_ = events.PublishLayoutChanged("menu.cue")
	_ = events.Publish(telemetry.Event{
		Type:      "session.aborted",
		SessionID: "s-1",
		DeviceID:  "LTO-0001",
		Message:   "device unplugged",
		Level:     telemetry.EventLevelError,
	})

	e := <-got
	fmt.Println(e.Type)
	// Output: session.aborted
}

// Example_errorRecording demonstrates recording errors on spans.
func Example_errorRecording() {
	cfg := telemetry.DefaultConfig()

	tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		fmt.Printf("failed to create tracer: %v\n", err)
		return
	}
	defer func() {
		_ = tracer.Shutdown(context.Background())
	}()

	_, span := tracer.StartDeviceSpan(context.Background(), "lt-0001", "op.apply")
	telemetry.RecordError(span, errors.New("spi timeout"))
	span.End()

	fmt.Println("Error recorded")
	// Output: Error recorded
}
