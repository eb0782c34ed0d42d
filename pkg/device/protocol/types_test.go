package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/locutus/lfsync/pkg/diag"
	"github.com/locutus/lfsync/pkg/lfs"
)

func TestMessageTypeValidate(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		wantErr bool
	}{
		{"valid HELLO", MessageTypeHello, false},
		{"valid CMD", MessageTypeCommand, false},
		{"valid DONE", MessageTypeDone, false},
		{"valid ERROR", MessageTypeError, false},
		{"valid EXIT", MessageTypeExit, false},
		{"invalid type", MessageType("READY"), true},
		{"empty type", MessageType(""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msgType.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("MessageType.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommandMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     *CommandMessage
		wantErr bool
	}{
		{
			name:    "read needs no params",
			cmd:     &CommandMessage{ID: "c1", Type: CommandTypeFlagsRead, Timeout: 5},
			wantErr: false,
		},
		{
			name:    "write needs params",
			cmd:     &CommandMessage{ID: "c1", Type: CommandTypeFlagsWrite, Timeout: 5},
			wantErr: true,
		},
		{
			name:    "missing ID",
			cmd:     &CommandMessage{Type: CommandTypeTreeFetch, Timeout: 5},
			wantErr: true,
		},
		{
			name:    "unknown type",
			cmd:     &CommandMessage{ID: "c1", Type: CommandType("exec"), Timeout: 5},
			wantErr: true,
		},
		{
			name:    "zero timeout",
			cmd:     &CommandMessage{ID: "c1", Type: CommandTypeInfo},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("CommandMessage.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpParams_RoundTrip(t *testing.T) {
	fork := lfs.NewFork(lfs.ForkKey{Rom: 1, Config: 2}, []byte("LTOdata"), []byte("cfg"))
	op := lfs.CreateOp(lfs.Entity{ID: 3, Kind: lfs.KindFile, Name: "A"}, lfs.RootID, 0, fork)

	p := NewOpParams(op)
	if p.Op.Fork.HasContent() {
		t.Error("Expected the packed op to carry a descriptor only")
	}

	got := p.Unpack()
	if string(got.Fork.Data) != "LTOdata" || string(got.Fork.Config) != "cfg" {
		t.Errorf("Unpack() lost fork content: %+v", got.Fork)
	}
	if err := got.Fork.Verify(); err != nil {
		t.Errorf("Unpacked fork does not verify: %v", err)
	}
	if op.Fork.Data == nil {
		t.Error("NewOpParams must not modify the caller's fork")
	}
}

func TestFaultError(t *testing.T) {
	fault := &diag.DeviceFault{Origin: diag.OriginLfs, Code: 0x05, Message: "id 3 in use"}
	msg := FaultError("c9", fmt.Errorf("apply: %w", fault))
	if msg.Code != CodeDeviceFault || msg.Origin != diag.OriginLfs || msg.FaultCode != 0x05 {
		t.Fatalf("FaultError() = %+v", msg)
	}

	var got *diag.DeviceFault
	if !errors.As(msg.Err(), &got) || got.Code != 0x05 || got.Message != "id 3 in use" {
		t.Errorf("Err() = %v, want the device fault back", msg.Err())
	}

	plain := FaultError("c9", errors.New("disk full"))
	if plain.Code != CodeInternal {
		t.Errorf("Expected INTERNAL for plain errors, got %s", plain.Code)
	}
	if errors.As(plain.Err(), &got) {
		t.Error("Plain bridge errors must not become device faults")
	}
}
