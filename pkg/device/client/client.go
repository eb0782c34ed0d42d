// Package client implements engine.Transport over the device protocol.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/locutus/lfsync/pkg/device/protocol"
	"github.com/locutus/lfsync/pkg/lfs"
	"github.com/locutus/lfsync/pkg/telemetry"
)

// Dialer opens a stream to a device bridge.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	return f(ctx)
}

// Config contains client configuration options.
type Config struct {
	Dialer Dialer

	// CommandTimeout is sent with commands when ctx has no deadline.
	CommandTimeout time.Duration

	// HelloTimeout bounds the wait for HELLO after dialing.
	HelloTimeout time.Duration

	Logger zerolog.Logger
}

// Client is a connection to one device. Commands are sent one at a time.
// After a channel fault the stream is dropped and the next command redials.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	conn   io.ReadWriteCloser
	enc    *protocol.Encoder
	dec    *protocol.Decoder
	hello  *protocol.HelloMessage
	closed bool
}

// New creates a client. It does not dial until the first command.
func New(cfg Config) (*Client, error) {
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if cfg.HelloTimeout == 0 {
		cfg.HelloTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "device_client").Logger(),
	}, nil
}

// Connect dials the bridge if needed and returns the device description
// from HELLO.
func (c *Client) Connect(ctx context.Context) (*protocol.DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConn(ctx); err != nil {
		return nil, err
	}
	info := c.hello.Device
	return &info, nil
}

// Info asks the device for its description.
func (c *Client) Info(ctx context.Context) (*protocol.DeviceInfo, error) {
	var info protocol.DeviceInfo
	if err := c.call(ctx, protocol.CommandTypeInfo, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ReadDirtyFlags implements engine.DirtyFlagStore.
func (c *Client) ReadDirtyFlags(ctx context.Context) (lfs.DirtyFlags, error) {
	var res protocol.FlagsParams
	if err := c.call(ctx, protocol.CommandTypeFlagsRead, nil, &res); err != nil {
		return 0, err
	}
	return res.Flags, nil
}

// WriteDirtyFlags implements engine.DirtyFlagStore.
func (c *Client) WriteDirtyFlags(ctx context.Context, flags lfs.DirtyFlags) error {
	return c.call(ctx, protocol.CommandTypeFlagsWrite, protocol.FlagsParams{Flags: flags}, nil)
}

// FetchTree implements engine.Transport.
func (c *Client) FetchTree(ctx context.Context) (*lfs.Listing, error) {
	var l lfs.Listing
	if err := c.call(ctx, protocol.CommandTypeTreeFetch, nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// ApplyOp implements engine.Transport.
func (c *Client) ApplyOp(ctx context.Context, op lfs.Op) error {
	return c.call(ctx, protocol.CommandTypeOpApply, protocol.NewOpParams(op), nil)
}

// Close closes the stream. The client cannot be used afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.drop()
}

// call sends one command and waits for its reply. Device faults come back
// as *diag.DeviceFault; every other failure drops the stream.
func (c *Client) call(ctx context.Context, typ protocol.CommandType, params, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if err := c.ensureConn(ctx); err != nil {
		return err
	}
	return telemetry.RecordDeviceCall(ctx, c.hello.Device.ID, string(typ), func(ctx context.Context) error {
		return c.roundTrip(ctx, typ, params, result)
	})
}

// roundTrip runs one command on the open stream. c.mu must be held.
func (c *Client) roundTrip(ctx context.Context, typ protocol.CommandType, params, result interface{}) error {
	cmd := &protocol.CommandMessage{
		ID:      uuid.New().String(),
		Type:    typ,
		Timeout: c.timeoutSeconds(ctx),
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		cmd.Params = raw
	}

	type reply struct {
		done *protocol.DoneMessage
		err  error
	}
	ch := make(chan reply, 1)
	enc, dec := c.enc, c.dec
	go func() {
		done, err := exchange(enc, dec, cmd)
		ch <- reply{done, err}
	}()

	var r reply
	select {
	case <-ctx.Done():
		c.logger.Debug().Str("command", string(typ)).Msg("Command abandoned, dropping stream")
		_ = c.drop()
		return ctx.Err()
	case r = <-ch:
	}

	if r.err != nil {
		if re, ok := r.err.(*remoteError); ok {
			return re.err
		}
		c.logger.Debug().Err(r.err).Str("command", string(typ)).Msg("Channel fault, dropping stream")
		_ = c.drop()
		return fmt.Errorf("device channel: %w", r.err)
	}
	if result != nil {
		if err := protocol.ParseParams(r.done.Result, result); err != nil {
			_ = c.drop()
			return fmt.Errorf("device channel: %w", err)
		}
	}
	return nil
}

// remoteError is an ERROR reply; the stream stays usable.
type remoteError struct {
	err error
}

func (e *remoteError) Error() string { return e.err.Error() }

func exchange(enc *protocol.Encoder, dec *protocol.Decoder, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error) {
	if err := enc.EncodeCommand(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	msg, err := dec.Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	switch msg.Type {
	case protocol.MessageTypeDone:
		var done protocol.DoneMessage
		if err := protocol.ParseParams(msg.Data, &done); err != nil {
			return nil, fmt.Errorf("failed to parse done: %w", err)
		}
		if done.CommandID != cmd.ID {
			return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
		}
		return &done, nil

	case protocol.MessageTypeError:
		var errMsg protocol.ErrorMessage
		if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to parse error: %w", err)
		}
		if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
			return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
		}
		if errMsg.Code != protocol.CodeDeviceFault {
			return nil, errMsg.Err()
		}
		return nil, &remoteError{err: errMsg.Err()}

	case protocol.MessageTypeExit:
		return nil, fmt.Errorf("bridge exited unexpectedly")

	default:
		return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
	}
}

func (c *Client) ensureConn(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	conn, err := c.cfg.Dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to dial device: %w", err)
	}
	dec := protocol.NewDecoder(conn)

	helloCtx, cancel := context.WithTimeout(ctx, c.cfg.HelloTimeout)
	defer cancel()

	type result struct {
		hello *protocol.HelloMessage
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		hello, err := dec.DecodeHello()
		ch <- result{hello, err}
	}()

	select {
	case <-helloCtx.Done():
		conn.Close()
		return fmt.Errorf("timeout waiting for HELLO message")
	case r := <-ch:
		if r.err != nil {
			conn.Close()
			return fmt.Errorf("failed to receive HELLO: %w", r.err)
		}
		c.conn, c.enc, c.dec, c.hello = conn, protocol.NewEncoder(conn), dec, r.hello
		c.logger.Debug().
			Str("device_id", r.hello.Device.ID).
			Str("firmware", r.hello.Device.Firmware).
			Msg("Connected to device")
		return nil
	}
}

func (c *Client) drop() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.enc, c.dec = nil, nil, nil
	return err
}

func (c *Client) timeoutSeconds(ctx context.Context) int {
	d := c.cfg.CommandTimeout
	if deadline, ok := ctx.Deadline(); ok {
		d = time.Until(deadline)
	}
	return int(math.Max(1, math.Ceil(d.Seconds())))
}
