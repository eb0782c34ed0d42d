package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// MaxLineSize bounds one protocol line. Listings and fork content are sent
// inline, so it covers the largest container plus framing.
const MaxLineSize = 16 * 1024 * 1024

// ErrLineTooLong is returned for messages that do not fit in MaxLineSize.
var ErrLineTooLong = errors.New("protocol line exceeds limit")

// Encoder frames messages as one JSON object per line. Each message is
// written with a single Write so concurrent streams never interleave.
type Encoder struct {
	w   io.Writer
	buf bytes.Buffer
	now func() time.Time
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, now: time.Now}
}

// Encode writes a message of type t carrying data.
func (e *Encoder) Encode(t MessageType, data interface{}) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	msg := Message{Type: t, Timestamp: e.now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		msg.Data = raw
	}

	e.buf.Reset()
	if err := json.NewEncoder(&e.buf).Encode(&msg); err != nil {
		return fmt.Errorf("failed to marshal %s: %w", t, err)
	}
	if e.buf.Len() > MaxLineSize {
		return fmt.Errorf("%s of %d bytes: %w", t, e.buf.Len(), ErrLineTooLong)
	}
	if _, err := e.w.Write(e.buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write %s: %w", t, err)
	}
	return nil
}

// EncodeHello writes the stream-opening handshake.
func (e *Encoder) EncodeHello(hello *HelloMessage) error {
	return e.Encode(MessageTypeHello, hello)
}

// EncodeCommand validates and writes a request.
func (e *Encoder) EncodeCommand(cmd *CommandMessage) error {
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}
	return e.Encode(MessageTypeCommand, cmd)
}

func (e *Encoder) EncodeDone(done *DoneMessage) error {
	return e.Encode(MessageTypeDone, done)
}

func (e *Encoder) EncodeError(msg *ErrorMessage) error {
	return e.Encode(MessageTypeError, msg)
}

func (e *Encoder) EncodeExit(exit *ExitMessage) error {
	return e.Encode(MessageTypeExit, exit)
}

// Decoder reads line-framed messages.
type Decoder struct {
	lines *bufio.Scanner
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	lines := bufio.NewScanner(r)
	lines.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Decoder{lines: lines}
}

// Decode returns the next message, or io.EOF at a clean end of stream.
func (d *Decoder) Decode() (*Message, error) {
	if !d.lines.Scan() {
		switch err := d.lines.Err(); {
		case errors.Is(err, bufio.ErrTooLong):
			return nil, ErrLineTooLong
		case err != nil:
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
		return nil, io.EOF
	}

	line := bytes.TrimSpace(d.lines.Bytes())
	if len(line) == 0 {
		return nil, errors.New("empty protocol line")
	}
	msg := new(Message)
	if err := json.Unmarshal(line, msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return msg, nil
}

// expect decodes the next message and requires type t.
func (d *Decoder) expect(t MessageType) (*Message, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != t {
		return nil, fmt.Errorf("expected %s message, got %s", t, msg.Type)
	}
	return msg, nil
}

// DecodeHello reads the handshake and checks the protocol version.
func (d *Decoder) DecodeHello() (*HelloMessage, error) {
	msg, err := d.expect(MessageTypeHello)
	if err != nil {
		return nil, err
	}
	hello := new(HelloMessage)
	if err := ParseParams(msg.Data, hello); err != nil {
		return nil, err
	}
	if hello.Version != Version {
		return nil, fmt.Errorf("unsupported protocol version %q", hello.Version)
	}
	return hello, nil
}

// DecodeCommand reads and validates a request.
func (d *Decoder) DecodeCommand() (*CommandMessage, error) {
	msg, err := d.expect(MessageTypeCommand)
	if err != nil {
		return nil, err
	}
	cmd := new(CommandMessage)
	if err := ParseParams(msg.Data, cmd); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	return cmd, nil
}

// ParseParams unmarshals a payload into target.
func ParseParams(raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}
	return nil
}
