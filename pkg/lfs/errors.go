package lfs

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned when an op would exceed the entity or
	// fork storage limits.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrCycleDetected is returned when a move would make a directory its own
	// ancestor.
	ErrCycleDetected = errors.New("cycle detected")

	ErrNotFound         = errors.New("entity not found")
	ErrExists           = errors.New("entity already exists")
	ErrNotDirectory     = errors.New("not a directory")
	ErrNotFile          = errors.New("not a file")
	ErrNotEmpty         = errors.New("directory not empty")
	ErrRootImmutable    = errors.New("root directory cannot be changed")
	ErrInvalidOp        = errors.New("invalid op")
	ErrChecksumMismatch = errors.New("fork checksum mismatch")
	ErrPartialFork      = errors.New("fork is partially written")
	ErrInconsistentTree = errors.New("inconsistent tree")
)

// OpError records a rejected op.
type OpError struct {
	Op  OpKind
	ID  ID
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("lfs: %s %d: %v", e.Op, e.ID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opErr(op Op, err error) error {
	return &OpError{Op: op.Kind, ID: op.ID, Err: err}
}
