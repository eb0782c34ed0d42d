package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/locutus/lfsync/pkg/activation"
	"github.com/locutus/lfsync/pkg/engine"
	"github.com/locutus/lfsync/pkg/lfs"
	"github.com/locutus/lfsync/pkg/luigi"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Session is a journaled reconciliation session.
type Session struct {
	ID           string     `json:"id"`
	DeviceID     string     `json:"device_id"`
	Mode         string     `json:"mode"`
	DryRun       bool       `json:"dry_run"`
	State        string     `json:"state"`
	Outcome      string     `json:"outcome"`
	Inconsistent bool       `json:"inconsistent"`
	Planned      int        `json:"planned"`
	Applied      int        `json:"applied"`
	Retries      int        `json:"retries"`
	Skipped      int        `json:"skipped"`
	Error        *string    `json:"error,omitempty"`
	Report       string     `json:"report"` // JSON blob of engine.Report
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// SessionEvent is one timeline entry of a session.
type SessionEvent struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Step      int        `json:"step"`
	Message   string     `json:"message"`
	Details   string     `json:"details"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// CachedContainer describes a fork cache row without its bytes.
type CachedContainer struct {
	Key       lfs.ForkKey `json:"key"`
	Flags     uint64      `json:"flags"`
	Size      int         `json:"size"`
	Hits      int         `json:"hits"`
	CreatedAt time.Time   `json:"created_at"`
	LastUsed  time.Time   `json:"last_used"`
}

// DeviceRecord is a device seen at discovery time.
type DeviceRecord struct {
	activation.Device
	Capabilities []string  `json:"capabilities,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SessionFilter narrows ListSessions. Zero values match everything.
type SessionFilter struct {
	DeviceID string
	Outcome  engine.Outcome
	Limit    int
	Offset   int
}

// Store defines the persistence interface.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Session journal.
	engine.SessionRecorder
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
	LastSession(ctx context.Context, deviceID string) (*Session, error)
	DeleteSessionsBefore(ctx context.Context, before time.Time) (int64, error)
	GetSessionEvents(ctx context.Context, sessionID string, level *EventLevel, limit, offset int) ([]*SessionEvent, error)

	// Fork cache.
	luigi.Backing
	ListContainers(ctx context.Context, limit, offset int) ([]*CachedContainer, error)
	PruneContainers(ctx context.Context, unusedSince time.Time) (int64, error)

	// Device registry.
	UpsertDevice(ctx context.Context, device *DeviceRecord) error
	GetDevice(ctx context.Context, id string) (*DeviceRecord, error)
	ListDevices(ctx context.Context) ([]*DeviceRecord, error)
	SetActive(ctx context.Context, id string, active bool) error
	ActivateDevice(ctx context.Context, id string) error
	KnownDevices(ctx context.Context) ([]activation.Device, error)
	DeleteDevice(ctx context.Context, id string) error
}
