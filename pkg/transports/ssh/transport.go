// Package ssh reaches a device bridge on a remote host.
//
// The host runs a bridge command that speaks the device protocol on its
// standard streams. An SSHClient keeps one connection to the host and each
// Dial starts a fresh bridge session on it, so a device client that drops a
// faulted stream gets a clean one on the next command.
package ssh

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Bridge opens device protocol streams over SSH. *SSHClient implements it
// and satisfies the device client's Dialer.
type Bridge interface {
	Connect(ctx context.Context) error
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
	Disconnect() error
	IsConnected() bool
	HealthCheck(ctx context.Context) error
	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo describes the current connection to the bridge host.
type ConnectionInfo struct {
	Host          string
	Port          int
	User          string
	BridgeCommand string
	ConnectedAt   time.Time
	LastActivity  time.Time
	// Streams counts bridge sessions opened on this connection.
	Streams int
}

// TransportError represents an error that occurred during transport operations.
type TransportError struct {
	// Op is the operation that failed
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and the operation can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is due to authentication failure
	IsAuthError bool
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary returns true if the error is temporary.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
