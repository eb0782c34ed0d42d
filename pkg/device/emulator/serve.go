package emulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/locutus/lfsync/pkg/device/protocol"
)

// Serve speaks the device protocol over r and w until the host closes the
// stream, an injected fault drops the channel or ctx is done. Commands are
// handled one at a time.
func (e *Emulator) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	enc := protocol.NewEncoder(w)
	dec := protocol.NewDecoder(r)

	if err := enc.EncodeHello(&protocol.HelloMessage{Version: protocol.Version, Device: e.info}); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	commands := 0
	for {
		if err := ctx.Err(); err != nil {
			_ = enc.EncodeExit(&protocol.ExitMessage{Reason: "cancelled", CommandsTotal: commands})
			return err
		}

		cmd, err := dec.DecodeCommand()
		if errors.Is(err, io.EOF) {
			_ = enc.EncodeExit(&protocol.ExitMessage{Reason: "stdin_closed", CommandsTotal: commands})
			return nil
		}
		if err != nil {
			_ = enc.EncodeError(&protocol.ErrorMessage{Code: protocol.CodeBadRequest, Message: err.Error()})
			return err
		}
		commands++

		start := time.Now()
		cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
		result, err := e.handle(cmdCtx, cmd)
		cancel()

		if errors.Is(err, ErrChannelDropped) {
			e.logger.Warn().Str("command_id", cmd.ID).Msg("Dropping channel")
			return err
		}
		if err != nil {
			e.logger.Debug().Err(err).Str("command", string(cmd.Type)).Msg("Command failed")
			if err := enc.EncodeError(protocol.FaultError(cmd.ID, err)); err != nil {
				return err
			}
			continue
		}
		done := &protocol.DoneMessage{
			CommandID: cmd.ID,
			Result:    result,
			Duration:  time.Since(start).Seconds(),
		}
		if err := enc.EncodeDone(done); err != nil {
			return err
		}
	}
}

// ServeConn serves one connection and closes it when done.
func (e *Emulator) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	return e.Serve(ctx, conn, conn)
}

// Pipe returns the host end of an in-memory connection served by e.
func (e *Emulator) Pipe(ctx context.Context) io.ReadWriteCloser {
	host, dev := net.Pipe()
	go func() {
		_ = e.ServeConn(ctx, dev)
	}()
	return host
}

func (e *Emulator) handle(ctx context.Context, cmd *protocol.CommandMessage) (json.RawMessage, error) {
	switch cmd.Type {
	case protocol.CommandTypeInfo:
		return json.Marshal(e.info)

	case protocol.CommandTypeFlagsRead:
		flags, err := e.ReadDirtyFlags(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(protocol.FlagsParams{Flags: flags})

	case protocol.CommandTypeFlagsWrite:
		var params protocol.FlagsParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		return nil, e.WriteDirtyFlags(ctx, params.Flags)

	case protocol.CommandTypeTreeFetch:
		listing, err := e.FetchTree(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(listing)

	case protocol.CommandTypeOpApply:
		var params protocol.OpParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		return nil, e.ApplyOp(ctx, params.Unpack())

	default:
		return nil, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}
}
