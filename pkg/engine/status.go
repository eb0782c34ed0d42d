package engine

import (
	"fmt"
)

// SessionState is the phase a reconciliation session is in.
type SessionState string

const (
	// StateIdle indicates the session has not started.
	StateIdle SessionState = "idle"

	// StateSnapshotFetch indicates the dirty flags and device tree are being read.
	StateSnapshotFetch SessionState = "snapshot_fetch"

	// StateDiffing indicates the edit script is being computed.
	StateDiffing SessionState = "diffing"

	// StateApplying indicates sources are being transcoded, the script
	// simulated and ops sent to the device.
	StateApplying SessionState = "applying"

	// StateVerifying indicates the device tree is being re-read and compared.
	StateVerifying SessionState = "verifying"

	// StateSettled indicates the session finished and the dirty flag is clear.
	StateSettled SessionState = "settled"

	// StateAborted indicates the session stopped early.
	StateAborted SessionState = "aborted"
)

// IsTerminal returns true if the state is final.
func (s SessionState) IsTerminal() bool {
	return s == StateSettled || s == StateAborted
}

// Validate checks if the session state is valid.
func (s SessionState) Validate() error {
	switch s {
	case StateIdle, StateSnapshotFetch, StateDiffing, StateApplying,
		StateVerifying, StateSettled, StateAborted:
		return nil
	default:
		return fmt.Errorf("invalid session state: %s", s)
	}
}

var stateTransitions = map[SessionState][]SessionState{
	StateIdle:          {StateSnapshotFetch},
	StateSnapshotFetch: {StateDiffing, StateAborted},
	StateDiffing:       {StateApplying, StateVerifying, StateSettled, StateAborted},
	StateApplying:      {StateVerifying, StateSettled, StateAborted},
	StateVerifying:     {StateSettled, StateAborted},
}

// CanTransitionTo reports whether next may follow s.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Outcome summarises how a session ended.
type Outcome string

const (
	// OutcomeSettled indicates every op was applied and verified.
	OutcomeSettled Outcome = "settled"

	// OutcomePartial indicates the session settled but some sources could
	// not be transcoded and their entities were skipped.
	OutcomePartial Outcome = "settled_with_partial_failures"

	// OutcomeAborted indicates the session stopped after device I/O began
	// or could not read the device. The dirty flag may be left set.
	OutcomeAborted Outcome = "aborted"

	// OutcomeRejected indicates the plan was refused before any device
	// write, for example because it would exceed capacity.
	OutcomeRejected Outcome = "rejected"
)

// IsSuccess returns true if the device ended in the desired state, less any
// skipped entities.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeSettled || o == OutcomePartial
}

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeSettled, OutcomePartial, OutcomeAborted, OutcomeRejected:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// StepStatus represents the execution status of a single plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal returns true if the step status is final.
func (s StepStatus) IsTerminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// ProgressMode controls how often progress is reported.
type ProgressMode string

const (
	// ProgressSilent reports nothing.
	ProgressSilent ProgressMode = "silent"

	// ProgressPerStage reports once per session state.
	ProgressPerStage ProgressMode = "per_stage"

	// ProgressPerOperation reports every transcode and applied op as well.
	ProgressPerOperation ProgressMode = "per_operation"
)

// Validate checks if the progress mode is valid.
func (m ProgressMode) Validate() error {
	switch m {
	case ProgressSilent, ProgressPerStage, ProgressPerOperation:
		return nil
	default:
		return fmt.Errorf("invalid progress mode: %s", m)
	}
}
