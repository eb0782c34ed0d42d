// Package emulator implements an in-memory LTO Flash device. It backs the
// lfs-emulator bridge and the integration tests: it holds an lfs.Model as
// its file system, validates LUIGI containers as the firmware does, injects
// faults on request and can persist its state to a directory so the dirty
// flags survive a restart.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/locutus/lfsync/pkg/device/protocol"
	"github.com/locutus/lfsync/pkg/diag"
	"github.com/locutus/lfsync/pkg/lfs"
	"github.com/locutus/lfsync/pkg/luigi"
)

// Fault codes the emulator reports, by origin.
const (
	lfsFileTableFull     uint16 = 0x01
	lfsInvalidEntity     uint16 = 0x04
	lfsEntityInUse       uint16 = 0x05
	lfsChecksumMismatch  uint16 = 0x06
	lfsDirectoryNotEmpty uint16 = 0x07
	lfsGeneric           uint16 = 0xFF

	luigiBadMagic           uint16 = 0x01
	luigiUnsupportedVersion uint16 = 0x02
	luigiHeaderCRC          uint16 = 0x03
	luigiFeatureUnsupported uint16 = 0x04
)

// Config configures an Emulator.
type Config struct {
	// Info describes the emulated device. Limits bound the file system.
	Info protocol.DeviceInfo

	// StateDir, when set, persists the file system, flags and fork content.
	StateDir string

	Logger zerolog.Logger
}

// Emulator is an in-memory device. It implements the engine's Transport
// directly and over the wire protocol through Serve.
type Emulator struct {
	mu     sync.Mutex
	info   protocol.DeviceInfo
	caps   luigi.Capability
	model  *lfs.Model
	flags  lfs.DirtyFlags
	store  *diskStore
	logger zerolog.Logger

	injections []Injection
	applyCalls int
}

// New creates an emulator, loading persisted state when cfg.StateDir holds
// any.
func New(cfg Config) (*Emulator, error) {
	caps, err := luigi.ParseCapabilities(cfg.Info.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("invalid capabilities: %w", err)
	}
	if cfg.Info.ID == "" {
		cfg.Info.ID = "LTO-EMU"
	}
	if cfg.Info.Firmware == "" {
		cfg.Info.Firmware = "emulator"
	}

	e := &Emulator{
		info:   cfg.Info,
		caps:   caps,
		model:  lfs.New(),
		logger: cfg.Logger.With().Str("component", "emulator").Str("device_id", cfg.Info.ID).Logger(),
	}
	e.model.Limits = cfg.Info.Limits

	if cfg.StateDir != "" {
		e.store = &diskStore{dir: cfg.StateDir}
		model, flags, err := e.store.load(cfg.Info.Limits)
		if err != nil {
			return nil, err
		}
		if model != nil {
			e.model, e.flags = model, flags
			e.logger.Info().
				Int("entities", model.Len()).
				Stringer("flags", flags).
				Msg("Loaded persisted device state")
		}
	}
	return e, nil
}

// Info returns the device description.
func (e *Emulator) Info() protocol.DeviceInfo {
	return e.info
}

// Model returns a copy of the device's file system.
func (e *Emulator) Model() *lfs.Model {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.Clone()
}

// Flags returns the current dirty-flag word.
func (e *Emulator) Flags() lfs.DirtyFlags {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags
}

// ReadDirtyFlags implements engine.DirtyFlagStore.
func (e *Emulator) ReadDirtyFlags(ctx context.Context) (lfs.DirtyFlags, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags, nil
}

// WriteDirtyFlags implements engine.DirtyFlagStore.
func (e *Emulator) WriteDirtyFlags(ctx context.Context, flags lfs.DirtyFlags) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flags = flags
	e.logger.Debug().Stringer("flags", flags).Msg("Dirty flags written")
	return e.persist()
}

// FetchTree implements engine.Transport.
func (e *Emulator) FetchTree(ctx context.Context) (*lfs.Listing, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.Listing(), nil
}

// ApplyOp implements engine.Transport. Injected faults are consumed first.
func (e *Emulator) ApplyOp(ctx context.Context, op lfs.Op) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.applyCalls++
	if inj, ok := e.takeInjection(e.applyCalls); ok {
		e.logger.Debug().Int("call", e.applyCalls).Str("fault", string(inj.Kind)).Msg("Injecting fault")
		switch inj.Kind {
		case FaultDrop:
			return ErrChannelDropped
		case FaultDevice:
			return inj.Fault
		case FaultLoseOp:
			return nil
		case FaultLoseAck:
			if err := e.commit(op); err != nil {
				return err
			}
			return ErrChannelDropped
		}
	}
	return e.commit(op)
}

func (e *Emulator) commit(op lfs.Op) error {
	if op.Fork != nil {
		fork, err := e.checkFork(op.Fork)
		if err != nil {
			return err
		}
		op = op.WithFork(fork)
	}
	if _, err := e.model.Apply(op); err != nil {
		return toFault(op, err)
	}
	e.logger.Debug().Str("op", op.String()).Msg("Op applied")
	if op.Fork != nil && op.Fork.HasContent() && e.store != nil {
		if err := e.store.writeFork(op.Fork); err != nil {
			return err
		}
	}
	return e.persist()
}

// checkFork validates fork content the way the firmware does and records
// the container's feature flags in the descriptor. Content-less forks must
// already be on the device.
func (e *Emulator) checkFork(f *lfs.Fork) (*lfs.Fork, error) {
	if !f.HasContent() {
		if _, ok := e.model.Fork(f.Key); !ok {
			return nil, &diag.DeviceFault{Origin: diag.OriginLfs, Code: lfsInvalidEntity,
				Message: fmt.Sprintf("fork %s is not on the device", f.Key)}
		}
		return f, nil
	}
	if err := f.Verify(); err != nil {
		return nil, &diag.DeviceFault{Origin: diag.OriginLfs, Code: lfsChecksumMismatch, Message: err.Error()}
	}

	h, err := luigi.DecodeHeader(f.Data)
	if err != nil {
		code := luigiHeaderCRC
		switch {
		case !luigi.IsContainer(f.Data):
			code = luigiBadMagic
		case len(f.Data) > 3 && f.Data[3] != luigi.FormatVersion:
			code = luigiUnsupportedVersion
		}
		return nil, &diag.DeviceFault{Origin: diag.OriginLuigi, Code: code, Message: err.Error()}
	}
	if conflicts := h.Flags.Conflicts(e.caps); len(conflicts) > 0 {
		return nil, &diag.DeviceFault{Origin: diag.OriginLuigi, Code: luigiFeatureUnsupported,
			Message: fmt.Sprintf("container requires %s", conflicts[0])}
	}

	out := *f
	out.Features = uint64(h.Flags)
	return &out, nil
}

func toFault(op lfs.Op, err error) error {
	code := lfsGeneric
	switch {
	case errors.Is(err, lfs.ErrExists):
		code = lfsEntityInUse
	case errors.Is(err, lfs.ErrNotFound):
		code = lfsInvalidEntity
	case errors.Is(err, lfs.ErrNotEmpty):
		code = lfsDirectoryNotEmpty
	case errors.Is(err, lfs.ErrCapacityExceeded):
		code = lfsFileTableFull
	case errors.Is(err, lfs.ErrChecksumMismatch), errors.Is(err, lfs.ErrPartialFork):
		code = lfsChecksumMismatch
	}
	return &diag.DeviceFault{Origin: diag.OriginLfs, Code: code, Message: fmt.Sprintf("%s: %v", op, err)}
}

func (e *Emulator) persist() error {
	if e.store == nil {
		return nil
	}
	return e.store.save(e.model, e.flags)
}
