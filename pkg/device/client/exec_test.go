package client_test

import (
	"context"
	"io"
	"os/exec"
	"testing"

	"github.com/rs/zerolog"

	"github.com/locutus/lfsync/pkg/device/client"
)

func TestExecDialer_Stream(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	d := &client.ExecDialer{Command: []string{"cat"}, Logger: zerolog.Nop()}

	stream, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if _, err := stream.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(stream, buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf) != "ping\n" {
		t.Errorf("Expected echo, got %q", buf)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestExecDialer_Errors(t *testing.T) {
	ctx := context.Background()
	if _, err := (&client.ExecDialer{}).Dial(ctx); err == nil {
		t.Error("Expected error without a command")
	}
	if _, err := (&client.ExecDialer{Command: []string{"/nonexistent/lfs-bridge"}}).Dial(ctx); err == nil {
		t.Error("Expected error for a missing binary")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := (&client.ExecDialer{Command: []string{"cat"}}).Dial(cancelled); err == nil {
		t.Error("Expected error for a cancelled context")
	}
}
