// Package protocol defines the JSON-lines protocol spoken between lfsync and
// an LTO Flash device bridge.
//
// The bridge sends HELLO once the device is attached. The host then sends
// CMD messages one at a time; each is answered by exactly one DONE or ERROR
// carrying the command's id. The bridge sends EXIT before it closes the
// stream.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/locutus/lfsync/pkg/diag"
	"github.com/locutus/lfsync/pkg/lfs"
)

// Version is the protocol version announced in HELLO.
const Version = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeHello announces the attached device.
	MessageTypeHello MessageType = "HELLO"
	// MessageTypeCommand carries a command from the host.
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeDone indicates successful completion.
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates the command failed.
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the bridge is closing the stream.
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

const (
	// CommandTypeInfo returns the device description sent in HELLO.
	CommandTypeInfo CommandType = "info"
	// CommandTypeFlagsRead reads the dirty-flag word.
	CommandTypeFlagsRead CommandType = "flags.read"
	// CommandTypeFlagsWrite writes the dirty-flag word.
	CommandTypeFlagsWrite CommandType = "flags.write"
	// CommandTypeTreeFetch returns the file-system listing.
	CommandTypeTreeFetch CommandType = "tree.fetch"
	// CommandTypeOpApply commits one file-system op.
	CommandTypeOpApply CommandType = "op.apply"
)

// Error codes carried by ERROR messages.
const (
	// CodeDeviceFault marks a fault reported by the device; Origin and
	// FaultCode are set.
	CodeDeviceFault = "DEVICE_FAULT"
	// CodeBadRequest marks a malformed or unknown command.
	CodeBadRequest = "BAD_REQUEST"
	// CodeInternal marks a bridge failure unrelated to the device.
	CodeInternal = "INTERNAL"
)

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DeviceInfo describes an attached device.
type DeviceInfo struct {
	ID           string     `json:"id"`
	Serial       string     `json:"serial"`
	Firmware     string     `json:"firmware"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Limits       lfs.Limits `json:"limits"`
}

// HelloMessage is sent when the bridge is ready to receive commands.
type HelloMessage struct {
	Version string     `json:"version"`
	Device  DeviceInfo `json:"device"`
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Timeout int             `json:"timeout"` // seconds
	Params  json.RawMessage `json:"params,omitempty"`
}

// DoneMessage indicates successful command completion.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage indicates a command failed.
type ErrorMessage struct {
	CommandID string      `json:"command_id,omitempty"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Origin    diag.Origin `json:"origin,omitempty"`
	FaultCode uint16      `json:"fault_code,omitempty"`
}

// ExitMessage is sent before the bridge closes the stream.
type ExitMessage struct {
	Reason        string `json:"reason"`
	CommandsTotal int    `json:"commands_total"`
}

// FlagsParams carries the dirty-flag word for flags.write, and is the result
// of flags.read.
type FlagsParams struct {
	Flags lfs.DirtyFlags `json:"flags"`
}

// OpParams carries one op for op.apply. Fork content travels beside the op
// because fork descriptors omit their bytes.
type OpParams struct {
	Op         lfs.Op `json:"op"`
	ForkData   []byte `json:"fork_data,omitempty"`
	ForkConfig []byte `json:"fork_config,omitempty"`
}

// NewOpParams packs op with its fork content, if any.
func NewOpParams(op lfs.Op) *OpParams {
	p := &OpParams{Op: op}
	if op.Fork != nil {
		p.ForkData = op.Fork.Data
		p.ForkConfig = op.Fork.Config
		p.Op.Fork = op.Fork.Descriptor()
	}
	return p
}

// Unpack returns the op with its fork content restored.
func (p *OpParams) Unpack() lfs.Op {
	op := p.Op
	if op.Fork != nil && p.ForkData != nil {
		f := *op.Fork
		f.Data = p.ForkData
		f.Config = p.ForkConfig
		op.Fork = &f
	}
	return op
}

// FaultError builds an ERROR message for a failed command. Device faults
// keep their origin and code.
func FaultError(commandID string, err error) *ErrorMessage {
	msg := &ErrorMessage{CommandID: commandID, Code: CodeInternal, Message: err.Error()}
	var f *diag.DeviceFault
	if errors.As(err, &f) {
		msg.Code = CodeDeviceFault
		msg.Origin = f.Origin
		msg.FaultCode = f.Code
		msg.Message = f.Message
	}
	return msg
}

// Err converts an ERROR message back to an error. Device faults become
// *diag.DeviceFault.
func (e *ErrorMessage) Err() error {
	if e.Code == CodeDeviceFault {
		return &diag.DeviceFault{Origin: e.Origin, Code: e.FaultCode, Message: e.Message}
	}
	return fmt.Errorf("bridge error %s: %s", e.Code, e.Message)
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeHello, MessageTypeCommand, MessageTypeDone,
		MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeInfo, CommandTypeFlagsRead, CommandTypeFlagsWrite,
		CommandTypeTreeFetch, CommandTypeOpApply:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	switch cmd.Type {
	case CommandTypeFlagsWrite, CommandTypeOpApply:
		if len(cmd.Params) == 0 {
			return fmt.Errorf("%s requires params", cmd.Type)
		}
	}
	return nil
}
