package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/locutus/lfsync/pkg/diag"
	"github.com/locutus/lfsync/pkg/lfs"
	"github.com/locutus/lfsync/pkg/luigi"
)

func TestClassifyTransportError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantClass ErrorClass
		wantCode  string
		retryable bool
	}{
		{name: "channel fault", err: io.ErrUnexpectedEOF, wantClass: ErrorClassTransient, wantCode: ErrCodeChannel, retryable: true},
		{
			name:      "transient device fault",
			err:       &diag.DeviceFault{Origin: diag.OriginFtl, Code: 0x06},
			wantClass: ErrorClassTransient, wantCode: ErrCodeDeviceFault, retryable: true,
		},
		{
			name:      "fatal device fault",
			err:       fmt.Errorf("op: %w", &diag.DeviceFault{Origin: diag.OriginSpi, Code: 0x03}),
			wantClass: ErrorClassDevice, wantCode: ErrCodeDeviceFault,
		},
		{name: "cancelled", err: context.Canceled, wantClass: ErrorClassPermanent, wantCode: ErrCodeCancelled},
		{
			name:      "already classified",
			err:       NewConsistencyError("x", nil).WithCode(ErrCodeVerifyFailed),
			wantClass: ErrorClassConsistency, wantCode: ErrCodeVerifyFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyTransportError(tt.err)
			if got.Class != tt.wantClass || got.Code != tt.wantCode {
				t.Errorf("got %s/%s, want %s/%s", got.Class, got.Code, tt.wantClass, tt.wantCode)
			}
			if IsRetryable(got) != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", IsRetryable(got), tt.retryable)
			}
		})
	}

	if ClassifyTransportError(nil) != nil {
		t.Error("Expected nil for nil error")
	}
}

func TestClassifyTransportError_CarriesFault(t *testing.T) {
	got := ClassifyTransportError(&diag.DeviceFault{Origin: diag.OriginSpi, Code: 0x03})
	if got.Fault == nil || got.Fault.Name != "write_protected" {
		t.Fatalf("Expected write_protected descriptor, got %+v", got.Fault)
	}
	if !IsDevice(got) || IsTransient(got) {
		t.Errorf("Expected a non-transient device error, got %s", got.Class)
	}
}

func TestClassifyModelError(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{lfs.ErrCapacityExceeded, ErrCodeCapacity},
		{lfs.ErrCycleDetected, ErrCodeCycle},
		{lfs.ErrInconsistentTree, ErrCodeInconsistentTree},
		{lfs.ErrNotEmpty, ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got := classifyModelError("simulate", fmt.Errorf("op 3: %w", tt.err))
			if !IsConsistency(got) || got.Code != tt.code {
				t.Errorf("got %s/%s, want consistency/%s", got.Class, got.Code, tt.code)
			}
			if !errors.Is(got, tt.err) {
				t.Error("Expected the model error to stay in the chain")
			}
		})
	}
}

func TestClassifyTranscodeError(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{luigi.ErrUnsupportedRomFormat, ErrCodeUnsupportedRom},
		{luigi.ErrFeatureConflict, ErrCodeFeatureConflict},
		{errors.New("disk full"), ""},
	}
	for _, tt := range tests {
		got := classifyTranscodeError("/Games/A", tt.err)
		if !IsTranscode(got) || got.Code != tt.code || got.Entity != "/Games/A" {
			t.Errorf("%v: got %+v", tt.err, got)
		}
	}
}

func TestEngineError_Format(t *testing.T) {
	err := NewDeviceError("apply failed", errors.New("nak")).
		WithEntity("/Games/A").WithOperation("create_entity")
	want := "[device] apply failed (entity=/Games/A, operation=create_entity): nak"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	if !errors.Is(ErrSessionActive, &EngineError{Class: ErrorClassPermanent, Code: ErrCodeSessionActive}) {
		t.Error("Expected ErrSessionActive to match by class and code")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("Plain errors must not be retryable")
	}
}
