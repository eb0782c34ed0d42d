package emulator

import (
	"errors"

	"github.com/locutus/lfsync/pkg/diag"
)

// ErrChannelDropped is returned when an injected fault breaks the channel.
// Serve closes the stream without replying.
var ErrChannelDropped = errors.New("emulator: channel dropped")

// FaultKind selects what an injection does to an op.apply call.
type FaultKind string

const (
	// FaultDrop breaks the channel before the op is committed.
	FaultDrop FaultKind = "drop"

	// FaultDevice reports Fault without committing the op.
	FaultDevice FaultKind = "device_fault"

	// FaultLoseOp acknowledges the op without committing it.
	FaultLoseOp FaultKind = "lose_op"

	// FaultLoseAck commits the op and then breaks the channel.
	FaultLoseAck FaultKind = "lose_ack"
)

// Injection arms a fault for one op.apply call.
type Injection struct {
	// Call is the 1-based op.apply call to fail, counted over the
	// emulator's lifetime.
	Call int

	Kind FaultKind

	// Fault is reported for FaultDevice.
	Fault *diag.DeviceFault
}

// Inject arms faults. Each fires once.
func (e *Emulator) Inject(injections ...Injection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.injections = append(e.injections, injections...)
}

// ApplyCalls returns the number of op.apply calls received.
func (e *Emulator) ApplyCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyCalls
}

func (e *Emulator) takeInjection(call int) (Injection, bool) {
	for i, inj := range e.injections {
		if inj.Call == call {
			e.injections = append(e.injections[:i], e.injections[i+1:]...)
			return inj, true
		}
	}
	return Injection{}, false
}
