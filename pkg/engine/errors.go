package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/locutus/lfsync/pkg/diag"
	"github.com/locutus/lfsync/pkg/lfs"
	"github.com/locutus/lfsync/pkg/luigi"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a channel or device fault that may clear
	// on retry of the same op.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error such as invalid
	// input or configuration.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassConsistency indicates a model-level violation: capacity,
	// cycles, malformed trees or a failed post-apply verification.
	ErrorClassConsistency ErrorClass = "consistency"

	// ErrorClassDevice indicates a non-transient fault reported by the device.
	ErrorClassDevice ErrorClass = "device"

	// ErrorClassTranscode indicates a failure scoped to one source ROM.
	ErrorClassTranscode ErrorClass = "transcode"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Entity is the entity the error concerns, if any.
	Entity string `json:"entity,omitempty"`

	// Operation is the op being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Fault is the device diagnostic, for device and transient errors
	// reported by the device.
	Fault *diag.Descriptor `json:"fault,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Entity != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (entity=%s, operation=%s): %s",
			e.Class, e.Message, e.Entity, e.Operation, e.unwrapMessage())
	}
	if e.Entity != "" {
		return fmt.Sprintf("[%s] %s (entity=%s): %s",
			e.Class, e.Message, e.Entity, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// NewConsistencyError creates a new consistency error.
func NewConsistencyError(message string, err error) *EngineError {
	return newError(ErrorClassConsistency, message, err)
}

// NewDeviceError creates a new device error.
func NewDeviceError(message string, err error) *EngineError {
	return newError(ErrorClassDevice, message, err)
}

// NewTranscodeError creates a new transcode error.
func NewTranscodeError(message string, err error) *EngineError {
	return newError(ErrorClassTranscode, message, err)
}

// WithEntity adds entity context to an error.
func (e *EngineError) WithEntity(entity string) *EngineError {
	e.Entity = entity
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithFault attaches a device diagnostic.
func (e *EngineError) WithFault(d diag.Descriptor) *EngineError {
	e.Fault = &d
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsConsistency returns true if the error is classified as a consistency fault.
func IsConsistency(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConsistency
}

// IsDevice returns true if the error is classified as a device fault.
func IsDevice(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassDevice
}

// IsTranscode returns true if the error is classified as a transcode failure.
func IsTranscode(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTranscode
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeCapacity         = "CAPACITY_EXCEEDED"
	ErrCodeCycle            = "CYCLE_DETECTED"
	ErrCodeInconsistentTree = "INCONSISTENT_TREE"
	ErrCodeVerifyFailed     = "VERIFY_FAILED"
	ErrCodeChannel          = "CHANNEL_FAULT"
	ErrCodeDeviceFault      = "DEVICE_FAULT"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeSessionActive    = "SESSION_ACTIVE"
	ErrCodeUnsupportedRom   = "UNSUPPORTED_ROM_FORMAT"
	ErrCodeFeatureConflict  = "FEATURE_CONFLICT"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
)

// ErrSessionActive is returned when a reconciliation is already running
// against the same device.
var ErrSessionActive = NewPermanentError("reconciliation already in progress", nil).WithCode(ErrCodeSessionActive)

// ClassifyTransportError maps an error returned by a Transport to an
// EngineError. Device faults are classified through their diagnostic
// descriptor; anything else is treated as a channel fault and retried.
func ClassifyTransportError(err error) *EngineError {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}
	if errors.Is(err, context.Canceled) {
		return NewPermanentError("operation cancelled", err).WithCode(ErrCodeCancelled)
	}
	var fault *diag.DeviceFault
	if errors.As(err, &fault) {
		d := fault.Descriptor()
		if d.Transient {
			return NewTransientError("device reported a transient fault", err).
				WithCode(ErrCodeDeviceFault).WithFault(d)
		}
		return NewDeviceError("device reported a fault", err).
			WithCode(ErrCodeDeviceFault).WithFault(d)
	}
	return NewTransientError("device channel fault", err).WithCode(ErrCodeChannel)
}

// classifyModelError maps an lfs model error to a consistency error with a
// specific code.
func classifyModelError(message string, err error) *EngineError {
	e := NewConsistencyError(message, err)
	switch {
	case errors.Is(err, lfs.ErrCapacityExceeded):
		e.Code = ErrCodeCapacity
	case errors.Is(err, lfs.ErrCycleDetected):
		e.Code = ErrCodeCycle
	case errors.Is(err, lfs.ErrInconsistentTree):
		e.Code = ErrCodeInconsistentTree
	default:
		e.Code = ErrCodeValidation
	}
	return e
}

// classifyTranscodeError maps a transcoder failure to a transcode error.
func classifyTranscodeError(entity string, err error) *EngineError {
	e := NewTranscodeError("transcode failed", err).WithEntity(entity)
	switch {
	case errors.Is(err, luigi.ErrUnsupportedRomFormat):
		e.Code = ErrCodeUnsupportedRom
	case errors.Is(err, luigi.ErrFeatureConflict):
		e.Code = ErrCodeFeatureConflict
	}
	return e
}
