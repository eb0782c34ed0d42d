package engine

import (
	"context"

	"github.com/locutus/lfsync/pkg/telemetry"
)

// TelemetryEvents publishes session events on a telemetry event bus.
type TelemetryEvents struct {
	bus *telemetry.EventPublisher
}

// NewTelemetryEvents adapts bus to EventPublisher.
func NewTelemetryEvents(bus *telemetry.EventPublisher) *TelemetryEvents {
	return &TelemetryEvents{bus: bus}
}

// Publish implements EventPublisher.
func (t *TelemetryEvents) Publish(_ context.Context, e *Event) error {
	entity, _ := e.Details["path"].(string)
	data := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		data[k] = v
	}
	if e.Step >= 0 {
		data["step"] = e.Step
	}
	return t.bus.Publish(telemetry.Event{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Type:      string(e.Type),
		Source:    "reconciler",
		SessionID: e.SessionID,
		DeviceID:  e.DeviceID,
		Entity:    entity,
		Message:   e.Message,
		Level:     e.Level,
		Data:      data,
	})
}
