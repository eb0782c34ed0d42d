package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/locutus/lfsync/pkg/lfs"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode hello message",
			msgType: MessageTypeHello,
			data: &HelloMessage{
				Version: Version,
				Device:  DeviceInfo{ID: "LTO-1", Serial: "0001", Firmware: "1.2"},
			},
		},
		{
			name:    "encode done message",
			msgType: MessageTypeDone,
			data:    &DoneMessage{CommandID: "c1", Duration: 0.5},
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data:    &ErrorMessage{CommandID: "c1", Code: CodeBadRequest, Message: "bad"},
		},
		{
			name:    "encode exit message",
			msgType: MessageTypeExit,
			data:    &ExitMessage{Reason: "stdin_closed", CommandsTotal: 3},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Encode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}

			line := strings.TrimSpace(buf.String())
			var msg Message
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				t.Errorf("Output is not valid JSON: %v", err)
			}
			if msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "decode hello message",
			input:   `{"type":"HELLO","timestamp":"2026-01-01T00:00:00Z","data":{"version":"1","device":{"id":"LTO-1"}}}`,
			msgType: MessageTypeHello,
		},
		{
			name:    "decode command message",
			input:   `{"type":"CMD","timestamp":"2026-01-01T00:00:00Z","data":{"id":"c1","type":"tree.fetch","timeout":5}}`,
			msgType: MessageTypeCommand,
		},
		{
			name:    "invalid JSON",
			input:   `{"type":"CMD"`,
			wantErr: true,
		},
		{
			name:    "invalid message type",
			input:   `{"type":"EVENT","timestamp":"2026-01-01T00:00:00Z"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			msg, err := dec.Decode()
			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecoder_EOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""))
	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	dec := NewDecoder(&buf)

	hello := &HelloMessage{Version: Version, Device: DeviceInfo{
		ID:     "LTO-1",
		Limits: lfs.Limits{MaxEntities: 1024},
	}}
	if err := enc.EncodeHello(hello); err != nil {
		t.Fatalf("EncodeHello() error = %v", err)
	}

	op := lfs.CreateOp(lfs.Entity{ID: 1, Kind: lfs.KindDirectory, Name: "Games"}, lfs.RootID, 0, nil)
	params, err := json.Marshal(NewOpParams(op))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	cmd := &CommandMessage{ID: "c1", Type: CommandTypeOpApply, Timeout: 5, Params: params}
	if err := enc.EncodeCommand(cmd); err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}

	gotHello, err := dec.DecodeHello()
	if err != nil {
		t.Fatalf("DecodeHello() error = %v", err)
	}
	if gotHello.Device.Limits.MaxEntities != 1024 {
		t.Errorf("Limits = %+v", gotHello.Device.Limits)
	}

	gotCmd, err := dec.DecodeCommand()
	if err != nil {
		t.Fatalf("DecodeCommand() error = %v", err)
	}
	var p OpParams
	if err := ParseParams(gotCmd.Params, &p); err != nil {
		t.Fatalf("ParseParams() error = %v", err)
	}
	if got := p.Unpack(); got.Kind != lfs.OpCreate || got.Entity.Name != "Games" {
		t.Errorf("Decoded op = %s", got)
	}
}

func TestDecodeHello_WrongVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeHello(&HelloMessage{Version: "0"}); err != nil {
		t.Fatal(err)
	}
	if _, err := NewDecoder(&buf).DecodeHello(); err == nil {
		t.Error("Expected error for unsupported version")
	}
}

// countingWriter records each Write call.
type countingWriter struct {
	writes int
	bytes.Buffer
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	return w.Buffer.Write(p)
}

func TestEncoder_SingleWritePerMessage(t *testing.T) {
	w := &countingWriter{}
	enc := NewEncoder(w)
	for i := 0; i < 3; i++ {
		if err := enc.EncodeDone(&DoneMessage{CommandID: "c"}); err != nil {
			t.Fatal(err)
		}
	}
	if w.writes != 3 {
		t.Errorf("expected one write per message, got %d", w.writes)
	}
	if n := strings.Count(w.String(), "\n"); n != 3 {
		t.Errorf("expected 3 lines, got %d", n)
	}
}

func TestDecoder_LineTooLong(t *testing.T) {
	long := strings.Repeat("x", MaxLineSize+1)
	_, err := NewDecoder(strings.NewReader(long + "\n")).Decode()
	if !errors.Is(err, ErrLineTooLong) {
		t.Errorf("expected ErrLineTooLong, got %v", err)
	}
}

func TestDecoder_UnexpectedType(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeExit(&ExitMessage{Reason: "done"}); err != nil {
		t.Fatal(err)
	}
	if _, err := NewDecoder(&buf).DecodeCommand(); err == nil || !strings.Contains(err.Error(), "expected CMD") {
		t.Errorf("expected type mismatch error, got %v", err)
	}
	if err := ParseParams(nil, &DoneMessage{}); err == nil {
		t.Error("expected error for a missing payload")
	}
}
