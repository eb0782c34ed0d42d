package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/locutus/lfsync/pkg/diag"
	"github.com/locutus/lfsync/pkg/lfs"
	"github.com/locutus/lfsync/pkg/luigi"
)

// srcFork returns host-side source content whose key the fake transcoder
// reproduces.
func srcFork(name string) *lfs.Fork {
	rom := []byte("rom:" + name)
	cfg := []byte("[vars]\nname = " + name + "\n")
	return lfs.NewFork(lfs.ForkKey{Rom: crc32.ChecksumIEEE(rom), Config: crc32.ChecksumIEEE(cfg)}, rom, cfg)
}

func mustAppend(t *testing.T, m *lfs.Model, e lfs.Entity, parent lfs.ID, fork *lfs.Fork) lfs.ID {
	t.Helper()
	id, err := m.Append(e, parent, fork)
	if err != nil {
		t.Fatalf("Append(%+v) error = %v", e, err)
	}
	return id
}

// desiredTree builds /Games holding one file per name.
func desiredTree(t *testing.T, names ...string) *lfs.Model {
	t.Helper()
	m := lfs.New()
	games := mustAppend(t, m, lfs.Entity{Kind: lfs.KindDirectory, Name: "Games"}, lfs.RootID, nil)
	for _, n := range names {
		mustAppend(t, m, lfs.Entity{Kind: lfs.KindFile, Name: n}, games, srcFork(n))
	}
	return m
}

// fakeTranscoder wraps sources in a fake container carrying the flags.
type fakeTranscoder struct {
	mu    sync.Mutex
	fail  map[string]error
	calls int
}

func (f *fakeTranscoder) Transcode(ctx context.Context, req luigi.Request) (*luigi.Result, error) {
	f.mu.Lock()
	f.calls++
	err := f.fail[req.Name]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var flags luigi.FeatureFlags
	if req.Mode == luigi.ModeFeatureUpdate {
		flags = req.Features.Flags
	}
	container := append([]byte(fmt.Sprintf("LTO%016x", uint64(flags))), req.Rom...)
	container = append(container, req.Config...)
	return &luigi.Result{
		Container: container,
		Flags:     flags,
		Key:       lfs.ForkKey{Rom: crc32.ChecksumIEEE(req.Rom), Config: crc32.ChecksumIEEE(req.Config)},
	}, nil
}

func (f *fakeTranscoder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// applyHook runs before an op is committed. It may commit the op itself
// and still return an error, modelling a lost acknowledgement.
type applyHook func(call int, op lfs.Op) (commit bool, err error)

// fakeDevice is an in-memory device backed by an lfs.Model.
type fakeDevice struct {
	mu         sync.Mutex
	model      *lfs.Model
	flags      lfs.DirtyFlags
	flagWrites []lfs.DirtyFlags
	ops        []lfs.Op
	calls      int
	fetches    int

	// extra records are appended to every listing, e.g. orphans.
	extra []lfs.Record

	onApply applyHook
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{model: lfs.New()}
}

func (d *fakeDevice) ReadDirtyFlags(ctx context.Context) (lfs.DirtyFlags, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags, nil
}

func (d *fakeDevice) WriteDirtyFlags(ctx context.Context, flags lfs.DirtyFlags) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flags = flags
	d.flagWrites = append(d.flagWrites, flags)
	return nil
}

func (d *fakeDevice) FetchTree(ctx context.Context) (*lfs.Listing, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetches++
	l := d.model.Listing()
	l.Records = append(l.Records, d.extra...)
	return l, nil
}

func (d *fakeDevice) ApplyOp(ctx context.Context, op lfs.Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++

	commit, err := true, error(nil)
	if d.onApply != nil {
		commit, err = d.onApply(d.calls, op)
	}
	if commit {
		if cerr := d.commit(op); cerr != nil {
			return cerr
		}
	}
	return err
}

func (d *fakeDevice) commit(op lfs.Op) error {
	if op.Kind == lfs.OpDelete {
		for i, r := range d.extra {
			if r.Entity != nil && r.Entity.ID == op.ID {
				d.extra = append(d.extra[:i], d.extra[i+1:]...)
				d.ops = append(d.ops, op)
				return nil
			}
		}
	}
	if _, err := d.model.Apply(op); err != nil {
		return toFault(err)
	}
	d.ops = append(d.ops, op)
	return nil
}

func toFault(err error) error {
	code := uint16(0x07)
	switch {
	case errors.Is(err, lfs.ErrExists):
		code = 0x05
	case errors.Is(err, lfs.ErrNotFound):
		code = 0x04
	case errors.Is(err, lfs.ErrCapacityExceeded):
		code = 0x01
	}
	return &diag.DeviceFault{Origin: diag.OriginLfs, Code: code, Message: err.Error()}
}

func (d *fakeDevice) snapshot() (lfs.DirtyFlags, []lfs.DirtyFlags, []lfs.Op, *lfs.Model) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags, append([]lfs.DirtyFlags(nil), d.flagWrites...), append([]lfs.Op(nil), d.ops...), d.model.Clone()
}

// recorder is a SessionRecorder and EventPublisher collecting everything.
type recorder struct {
	mu        sync.Mutex
	begun     int
	completed []*Report
	events    []*Event
	published []*Event
}

func (r *recorder) BeginSession(ctx context.Context, report *Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.begun++
	return nil
}

func (r *recorder) RecordEvent(ctx context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) CompleteSession(ctx context.Context, report *Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, report)
	return nil
}

func (r *recorder) Publish(ctx context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, event)
	return nil
}

func (r *recorder) countEvents(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func testConfig(dev *fakeDevice, tc Transcoder) Config {
	return Config{
		DeviceID:   "LTO-TEST",
		Transport:  dev,
		Transcoder: tc,
		Retry: RetryPolicy{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			MaxDelay:   2 * time.Millisecond,
			OpTimeout:  time.Second,
		},
		Logger: zerolog.Nop(),
		Guard:  NewSessionGuard(),
	}
}

func newTestReconciler(t *testing.T, cfg Config) *Reconciler {
	t.Helper()
	r, err := NewReconciler(cfg)
	if err != nil {
		t.Fatalf("NewReconciler() error = %v", err)
	}
	return r
}
