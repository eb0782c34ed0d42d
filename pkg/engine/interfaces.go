package engine

import (
	"context"

	"github.com/locutus/lfsync/pkg/lfs"
	"github.com/locutus/lfsync/pkg/luigi"
)

// DirtyFlagStore reads and writes the device's persisted dirty-flag word.
// Bits other than lfs.FileSystemUpdateInProgress are opaque and must be
// written back unchanged.
type DirtyFlagStore interface {
	ReadDirtyFlags(ctx context.Context) (lfs.DirtyFlags, error)
	WriteDirtyFlags(ctx context.Context, flags lfs.DirtyFlags) error
}

// Transport is the channel to one device.
//
// Errors of type *diag.DeviceFault are faults reported by the device and are
// classified through their descriptor. Any other error is a channel fault
// and is retried.
type Transport interface {
	DirtyFlagStore

	// FetchTree returns the device's file-system listing.
	FetchTree(ctx context.Context) (*lfs.Listing, error)

	// ApplyOp commits one op on the device. It returns only after the device
	// has acknowledged the op.
	ApplyOp(ctx context.Context, op lfs.Op) error
}

// Transcoder converts source ROMs to device containers.
type Transcoder interface {
	Transcode(ctx context.Context, req luigi.Request) (*luigi.Result, error)
}

// SessionRecorder journals sessions for later inspection. Recording failures
// are logged and never fail a session.
type SessionRecorder interface {
	// BeginSession records a new session.
	BeginSession(ctx context.Context, report *Report) error

	// RecordEvent appends a timeline event.
	RecordEvent(ctx context.Context, event *Event) error

	// CompleteSession records the final report.
	CompleteSession(ctx context.Context, report *Report) error
}

// EventPublisher publishes session events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}
