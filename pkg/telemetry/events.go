package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event levels, lowest first.
const (
	EventLevelDebug   = "debug"
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// Event types published outside a session. Session events carry the
// reconciler's own types.
const (
	EventTypeLayoutChanged  = "layout.changed"
	EventTypeDeviceAttached = "device.attached"
)

// ErrEventDropped is returned when the async queue is full.
var ErrEventDropped = errors.New("event queue full, event dropped")

// ErrPublisherClosed is returned after Shutdown.
var ErrPublisherClosed = errors.New("event publisher closed")

// Event is one entry on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	SessionID string                 `json:"session_id,omitempty"`
	DeviceID  string                 `json:"device_id,omitempty"`
	Entity    string                 `json:"entity,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventSubscriber receives events. Subscribers run on the publishing
// goroutine, or on the queue goroutine in async mode, and must not block.
type EventSubscriber func(event Event)

// EventFilter selects events for a subscriber.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers in publish order.
type EventPublisher struct {
	config EventsConfig

	mu     sync.RWMutex
	subs   []subscription
	closed bool

	queue chan Event
	done  chan struct{}
}

// NewEventPublisher creates a publisher. In async mode a single goroutine
// drains a queue of BufferSize events.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ep.queue = make(chan Event, cfg.BufferSize)
	ep.done = make(chan struct{})
	go func() {
		defer close(ep.done)
		for e := range ep.queue {
			ep.deliver(e)
		}
	}()
	return ep, nil
}

// Subscribe registers fn for events passing filter. A nil filter accepts
// everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
}

// Publish stamps e and delivers it. Disabled publishers accept and discard.
func (ep *EventPublisher) Publish(e Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return ErrPublisherClosed
	}
	if ep.queue == nil {
		ep.deliverLocked(e)
		return nil
	}
	select {
	case ep.queue <- e:
		return nil
	default:
		return ErrEventDropped
	}
}

// PublishLayoutChanged announces an edited menu layout.
func (ep *EventPublisher) PublishLayoutChanged(path string) error {
	return ep.Publish(Event{
		Type:    EventTypeLayoutChanged,
		Source:  "config",
		Entity:  path,
		Message: fmt.Sprintf("Layout %s changed", path),
		Level:   EventLevelInfo,
	})
}

// PublishDeviceAttached announces a device handshake and its activation
// decision.
func (ep *EventPublisher) PublishDeviceAttached(deviceID, serial string, active bool) error {
	return ep.Publish(Event{
		Type:     EventTypeDeviceAttached,
		Source:   "device",
		DeviceID: deviceID,
		Message:  fmt.Sprintf("Device %s attached", deviceID),
		Level:    EventLevelInfo,
		Data:     map[string]interface{}{"serial": serial, "active": active},
	})
}

func (ep *EventPublisher) deliver(e Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	ep.deliverLocked(e)
}

func (ep *EventPublisher) deliverLocked(e Event) {
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(e) {
			s.fn(e)
		}
	}
}

// Shutdown stops accepting events and waits for the queue to drain.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	if ep.queue != nil {
		close(ep.queue)
	}
	ep.mu.Unlock()

	if ep.done == nil {
		return nil
	}
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

var eventLevels = map[string]int{
	EventLevelDebug:   0,
	EventLevelInfo:    1,
	"warn":            2,
	EventLevelWarning: 2,
	EventLevelError:   3,
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := eventLevels[minLevel]
	return func(e Event) bool {
		return eventLevels[e.Level] >= floor
	}
}
