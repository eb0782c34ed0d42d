package engine

import (
	"time"

	"github.com/locutus/lfsync/pkg/diag"
	"github.com/locutus/lfsync/pkg/lfs"
	"github.com/locutus/lfsync/pkg/luigi"
)

// Step is one op of a plan with its execution state.
type Step struct {
	// Index is the position of the step in the plan.
	Index int `json:"index"`

	// Op is the op to apply. Fork-carrying ops hold source content until
	// transcoding replaces it with the container.
	Op lfs.Op `json:"op"`

	// Path is the entity's path in the desired tree, for reporting.
	Path string `json:"path"`

	// Dependencies are the indexes of earlier steps this step requires.
	Dependencies []int `json:"dependencies,omitempty"`

	// NeedsTranscode marks ops whose source content must be converted.
	NeedsTranscode bool `json:"needs_transcode,omitempty"`

	// Refresh marks replace_fork steps added to regenerate feature flags of
	// an otherwise unchanged file.
	Refresh bool `json:"refresh,omitempty"`

	// Unmodelled marks deletes of records dropped from an inconsistent
	// snapshot; they are sent to the device but not simulated.
	Unmodelled bool `json:"unmodelled,omitempty"`

	// Level is the step's depth in the dependency graph.
	Level int `json:"level"`

	Status   StepStatus    `json:"status"`
	Attempts int           `json:"attempts,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Err      error         `json:"-"`

	// Result is the transcode output for fork-carrying steps.
	Result *luigi.Result `json:"-"`
}

// Plan is the ordered list of steps computed for one session.
type Plan struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	Steps     []*Step           `json:"steps"`
	Bindings  map[lfs.ID]lfs.ID `json:"bindings,omitempty"`

	// Graph is the dependency graph over steps.
	Graph *ExecutionGraph `json:"-"`
}

// Ops returns the ops of all steps in order.
func (p *Plan) Ops() []lfs.Op {
	out := make([]lfs.Op, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Op
	}
	return out
}

// Empty reports whether the plan has no steps.
func (p *Plan) Empty() bool {
	return len(p.Steps) == 0
}

// Counts returns the number of steps per op kind.
func (p *Plan) Counts() map[lfs.OpKind]int {
	out := make(map[lfs.OpKind]int)
	for _, s := range p.Steps {
		out[s.Op.Kind]++
	}
	return out
}

// ExecutionGraph represents the dependency graph over plan steps.
type ExecutionGraph struct {
	Nodes map[int]*GraphNode `json:"nodes"`
	Edges []GraphEdge        `json:"edges"`
	Roots []int              `json:"roots"`
	Depth int                `json:"depth"`
}

// GraphNode is a step in the execution graph.
type GraphNode struct {
	Step         int   `json:"step"`
	Level        int   `json:"level"`
	Dependencies []int `json:"dependencies"`
	Dependents   []int `json:"dependents"`
}

// GraphEdge is a dependency between two steps.
type GraphEdge struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// SkippedEntity records an entity left out of a session.
type SkippedEntity struct {
	ID     lfs.ID `json:"id"`
	Path   string `json:"path"`
	Op     string `json:"op"`
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"`
}

// Fault records a device fault observed during a session.
type Fault struct {
	Step       int             `json:"step"`
	Op         string          `json:"op"`
	Descriptor diag.Descriptor `json:"descriptor"`
	Attempt    int             `json:"attempt"`
	At         time.Time       `json:"at"`
}

// Report is the result of one reconciliation session.
type Report struct {
	SessionID string               `json:"session_id"`
	DeviceID  string               `json:"device_id"`
	Mode      luigi.GenerationMode `json:"mode"`
	DryRun    bool                 `json:"dry_run,omitempty"`

	State   SessionState `json:"state"`
	Outcome Outcome      `json:"outcome,omitempty"`

	// Inconsistent is set when the snapshot was taken with the update flag
	// already set by an earlier interrupted session.
	Inconsistent bool `json:"inconsistent,omitempty"`

	Planned   int `json:"planned"`
	Applied   int `json:"applied"`
	Retries   int `json:"retries"`
	Refreshed int `json:"refreshed,omitempty"`
	Discarded int `json:"discarded,omitempty"`

	Counts   map[lfs.OpKind]int `json:"counts,omitempty"`
	Skipped  []SkippedEntity    `json:"skipped,omitempty"`
	Faults   []Fault            `json:"faults,omitempty"`
	Bindings map[lfs.ID]lfs.ID  `json:"bindings,omitempty"`

	// Mismatches lists differences found during verification.
	Mismatches []string `json:"mismatches,omitempty"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`

	Err error `json:"-"`

	// Error is the message of Err, kept for serialised reports.
	Error string `json:"error,omitempty"`
}

// Progress is one progress notification.
type Progress struct {
	SessionID string       `json:"session_id"`
	Stage     SessionState `json:"stage"`
	Done      int          `json:"done"`
	Total     int          `json:"total"`
	Message   string       `json:"message"`
}

// ProgressFunc receives progress notifications. It is called from the
// session goroutine and must not block.
type ProgressFunc func(Progress)

// EventType is the type of a session event.
type EventType string

const (
	EventTypeSessionStarted   EventType = "session.started"
	EventTypeSessionCompleted EventType = "session.completed"
	EventTypeSessionAborted   EventType = "session.aborted"
	EventTypeStateChanged     EventType = "session.state_changed"
	EventTypeStepApplied      EventType = "step.applied"
	EventTypeStepSkipped      EventType = "step.skipped"
	EventTypeStepRetry        EventType = "step.retry"
	EventTypeDeviceFault      EventType = "device.fault"
	EventTypeDirtyFlag        EventType = "device.dirty_flag"
)

// Event is a timeline event of a session.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id"`
	DeviceID  string                 `json:"device_id"`
	Step      int                    `json:"step"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Details   map[string]interface{} `json:"details,omitempty"`
}
