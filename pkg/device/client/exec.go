package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ExecDialer starts a local bridge command for every dial and speaks the
// device protocol on its standard input and output.
type ExecDialer struct {
	Command []string
	Logger  zerolog.Logger
}

// Dial implements Dialer. The command outlives ctx; closing the stream
// stops it.
func (d *ExecDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if len(d.Command) == 0 {
		return nil, fmt.Errorf("bridge command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(d.Command[0], d.Command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stderr = stderrWriter{logger: d.Logger, command: d.Command[0]}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", d.Command[0], err)
	}
	d.Logger.Debug().Strs("command", d.Command).Int("pid", cmd.Process.Pid).Msg("bridge started")

	return &execStream{Reader: stdout, stdin: stdin, cmd: cmd}, nil
}

// execCloseGrace is how long Close waits for the bridge to exit.
var execCloseGrace = 2 * time.Second

type execStream struct {
	io.Reader
	stdin io.WriteCloser
	cmd   *exec.Cmd
	once  sync.Once
}

func (s *execStream) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Close ends the bridge's input and reaps it. A bridge that ignores end of
// input is killed.
func (s *execStream) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.stdin.Close()
		done := make(chan error, 1)
		go func() { done <- s.cmd.Wait() }()

		select {
		case err = <-done:
		case <-time.After(execCloseGrace):
			_ = s.cmd.Process.Kill()
			err = <-done
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && !exitErr.Exited() {
			err = nil
		}
	})
	return err
}

type stderrWriter struct {
	logger  zerolog.Logger
	command string
}

func (w stderrWriter) Write(p []byte) (int, error) {
	w.logger.Debug().Str("command", w.command).Bytes("stderr", p).Msg("bridge stderr")
	return len(p), nil
}
