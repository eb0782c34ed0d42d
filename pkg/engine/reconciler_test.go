package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/locutus/lfsync/pkg/diag"
	"github.com/locutus/lfsync/pkg/lfs"
	"github.com/locutus/lfsync/pkg/luigi"
)

func TestNewReconciler_Validation(t *testing.T) {
	dev := newFakeDevice()
	tc := &fakeTranscoder{}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "no device id", mutate: func(c *Config) { c.DeviceID = "" }},
		{name: "no transport", mutate: func(c *Config) { c.Transport = nil }},
		{name: "no transcoder", mutate: func(c *Config) { c.Transcoder = nil }},
		{name: "bad mode", mutate: func(c *Config) { c.Mode = "turbo" }},
		{name: "bad progress mode", mutate: func(c *Config) { c.ProgressMode = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(dev, tc)
			tt.mutate(&cfg)
			_, err := NewReconciler(cfg)
			if !IsPermanent(err) {
				t.Errorf("Expected permanent validation error, got %v", err)
			}
		})
	}
}

func TestReconcile_Settled(t *testing.T) {
	dev := newFakeDevice()
	dev.flags = lfs.DirtyFlags(0x00A5)
	rec := &recorder{}
	var stages []SessionState

	cfg := testConfig(dev, &fakeTranscoder{})
	cfg.Recorder = rec
	cfg.Events = rec
	cfg.Progress = func(p Progress) { stages = append(stages, p.Stage) }
	r := newTestReconciler(t, cfg)

	desired := desiredTree(t, "Astrosmash", "Utopia")
	report, err := r.Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if report.Outcome != OutcomeSettled || report.State != StateSettled {
		t.Errorf("Expected settled, got outcome=%s state=%s", report.Outcome, report.State)
	}
	if report.Planned != 3 || report.Applied != 3 {
		t.Errorf("Expected 3 planned and applied, got %d/%d", report.Planned, report.Applied)
	}
	if r.State() != StateSettled {
		t.Errorf("Expected reconciler state settled, got %s", r.State())
	}

	flags, writes, _, device := dev.snapshot()
	if flags.UpdateInProgress() {
		t.Error("Expected update flag clear after settling")
	}
	if flags.Reserved() != 0xA5 {
		t.Errorf("Expected reserved bits preserved, got %#x", flags.Reserved())
	}
	if len(writes) != 2 || !writes[0].UpdateInProgress() || writes[1].UpdateInProgress() {
		t.Errorf("Expected set then clear, got %v", writes)
	}
	if diffs := lfs.Equivalent(desired, device); len(diffs) != 0 {
		t.Errorf("Device differs from desired tree: %v", diffs)
	}

	want := []SessionState{StateSnapshotFetch, StateDiffing, StateApplying, StateVerifying, StateSettled}
	if fmt.Sprint(stages) != fmt.Sprint(want) {
		t.Errorf("Expected stages %v, got %v", want, stages)
	}
	if rec.begun != 1 || len(rec.completed) != 1 {
		t.Errorf("Expected session journalled once, got begun=%d completed=%d", rec.begun, len(rec.completed))
	}
	if n := rec.countEvents(EventTypeStepApplied); n != 3 {
		t.Errorf("Expected 3 step.applied events, got %d", n)
	}
	if len(rec.published) != len(rec.events) {
		t.Errorf("Expected published and recorded events to match, got %d/%d", len(rec.published), len(rec.events))
	}
}

func TestReconcile_NoChangesWritesNoFlags(t *testing.T) {
	dev := newFakeDevice()
	tc := &fakeTranscoder{}
	r := newTestReconciler(t, testConfig(dev, tc))

	desired := desiredTree(t, "Astrosmash")
	if _, err := r.Reconcile(context.Background(), desired); err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}
	_, before, _, _ := dev.snapshot()
	calls := tc.Calls()

	report, err := r.Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}
	_, after, _, _ := dev.snapshot()

	if report.Outcome != OutcomeSettled || report.Planned != 0 {
		t.Errorf("Expected settled empty session, got outcome=%s planned=%d", report.Outcome, report.Planned)
	}
	if len(after) != len(before) {
		t.Errorf("Expected no flag writes, got %d new", len(after)-len(before))
	}
	if tc.Calls() != calls {
		t.Errorf("Expected no transcodes, got %d", tc.Calls()-calls)
	}
}

func TestReconcile_PartialTranscodeFailures(t *testing.T) {
	dev := newFakeDevice()
	tc := &fakeTranscoder{fail: map[string]error{
		"/Games/B": fmt.Errorf("bad header: %w", luigi.ErrUnsupportedRomFormat),
		"/Games/D": fmt.Errorf("needs ECS: %w", luigi.ErrFeatureConflict),
	}}
	cfg := testConfig(dev, tc)
	cfg.TranscodeWorkers = 3
	r := newTestReconciler(t, cfg)

	report, err := r.Reconcile(context.Background(), desiredTree(t, "A", "B", "C", "D", "E"))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if report.Outcome != OutcomePartial {
		t.Errorf("Expected %s, got %s", OutcomePartial, report.Outcome)
	}
	if len(report.Skipped) != 2 {
		t.Fatalf("Expected 2 skipped entities, got %+v", report.Skipped)
	}
	codes := map[string]string{}
	for _, s := range report.Skipped {
		codes[s.Path] = s.Code
	}
	if codes["/Games/B"] != ErrCodeUnsupportedRom || codes["/Games/D"] != ErrCodeFeatureConflict {
		t.Errorf("Unexpected skip codes: %v", codes)
	}

	flags, _, _, device := dev.snapshot()
	if flags.UpdateInProgress() {
		t.Error("Expected update flag clear after partial success")
	}
	if device.Len() != 4 {
		t.Errorf("Expected directory plus 3 files on device, got %d entities", device.Len())
	}
	for _, id := range device.IDs() {
		e, _ := device.Entity(id)
		if e.Name == "B" || e.Name == "D" {
			t.Errorf("Skipped entity %q reached the device", e.Name)
		}
	}
}

func TestReconcile_TransientRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "channel fault", err: errors.New("usb: short read")},
		{name: "transient device fault", err: &diag.DeviceFault{Origin: diag.OriginFtl, Code: 0x06}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeDevice()
			dev.onApply = func(call int, op lfs.Op) (bool, error) {
				if call == 1 {
					return false, tt.err
				}
				return true, nil
			}
			r := newTestReconciler(t, testConfig(dev, &fakeTranscoder{}))

			report, err := r.Reconcile(context.Background(), desiredTree(t, "A"))
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if report.Retries != 1 {
				t.Errorf("Expected 1 retry, got %d", report.Retries)
			}
			if report.Outcome != OutcomeSettled {
				t.Errorf("Expected settled, got %s", report.Outcome)
			}
		})
	}
}

func TestReconcile_LostAcknowledgement(t *testing.T) {
	dev := newFakeDevice()
	dev.onApply = func(call int, op lfs.Op) (bool, error) {
		if call == 2 {
			// Committed, but the ack never arrives.
			return true, errors.New("usb: link reset")
		}
		return true, nil
	}
	r := newTestReconciler(t, testConfig(dev, &fakeTranscoder{}))

	report, err := r.Reconcile(context.Background(), desiredTree(t, "A"))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if report.Outcome != OutcomeSettled {
		t.Errorf("Expected settled, got %s", report.Outcome)
	}
	if len(report.Faults) != 1 || report.Faults[0].Descriptor.Name != "entity_in_use" {
		t.Errorf("Expected entity_in_use fault to be recorded, got %+v", report.Faults)
	}
}

func TestReconcile_RetriesExhausted(t *testing.T) {
	dev := newFakeDevice()
	dev.onApply = func(call int, op lfs.Op) (bool, error) {
		return false, errors.New("usb: device not responding")
	}
	r := newTestReconciler(t, testConfig(dev, &fakeTranscoder{}))

	report, err := r.Reconcile(context.Background(), desiredTree(t, "A"))
	if !IsTransient(err) {
		t.Fatalf("Expected transient error, got %v", err)
	}
	if report.Outcome != OutcomeAborted || report.State != StateAborted {
		t.Errorf("Expected aborted, got outcome=%s state=%s", report.Outcome, report.State)
	}
	if report.Retries != 2 {
		t.Errorf("Expected 2 retries, got %d", report.Retries)
	}

	flags, _, _, _ := dev.snapshot()
	if !flags.UpdateInProgress() {
		t.Error("Expected update flag left set after abort")
	}
}

func TestReconcile_DeviceFault(t *testing.T) {
	dev := newFakeDevice()
	dev.onApply = func(call int, op lfs.Op) (bool, error) {
		return false, &diag.DeviceFault{Origin: diag.OriginSpi, Code: 0x03}
	}
	r := newTestReconciler(t, testConfig(dev, &fakeTranscoder{}))

	report, err := r.Reconcile(context.Background(), desiredTree(t, "A"))
	if !IsDevice(err) {
		t.Fatalf("Expected device error, got %v", err)
	}
	if report.Retries != 0 {
		t.Errorf("Expected no retries for a permanent device fault, got %d", report.Retries)
	}
	if len(report.Faults) != 1 || report.Faults[0].Descriptor.Name != "write_protected" {
		t.Errorf("Expected write_protected fault, got %+v", report.Faults)
	}
	if flags, _, _, _ := dev.snapshot(); !flags.UpdateInProgress() {
		t.Error("Expected update flag left set after abort")
	}
}

func TestReconcile_VerifyFailure(t *testing.T) {
	dev := newFakeDevice()
	dev.onApply = func(call int, op lfs.Op) (bool, error) {
		// Acknowledge the last op without committing it.
		return call != 3, nil
	}
	r := newTestReconciler(t, testConfig(dev, &fakeTranscoder{}))

	report, err := r.Reconcile(context.Background(), desiredTree(t, "A", "B"))
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeVerifyFailed {
		t.Fatalf("Expected VERIFY_FAILED, got %v", err)
	}
	if report.Outcome != OutcomeAborted {
		t.Errorf("Expected aborted, got %s", report.Outcome)
	}
	if len(report.Mismatches) == 0 {
		t.Error("Expected mismatches to be reported")
	}
	if flags, _, _, _ := dev.snapshot(); !flags.UpdateInProgress() {
		t.Error("Expected update flag left set after failed verification")
	}
}

func TestReconcile_RejectedOnCapacity(t *testing.T) {
	dev := newFakeDevice()
	dev.model.Limits = lfs.Limits{MaxEntities: 2}
	r := newTestReconciler(t, testConfig(dev, &fakeTranscoder{}))

	report, err := r.Reconcile(context.Background(), desiredTree(t, "A", "B"))
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Class != ErrorClassConsistency || ee.Code != ErrCodeCapacity {
		t.Fatalf("Expected capacity consistency error, got %v", err)
	}
	if report.Outcome != OutcomeRejected || report.State != StateAborted {
		t.Errorf("Expected rejected/aborted, got %s/%s", report.Outcome, report.State)
	}

	flags, writes, ops, _ := dev.snapshot()
	if len(writes) != 0 || len(ops) != 0 || flags.UpdateInProgress() {
		t.Errorf("Expected device untouched, got writes=%v ops=%d", writes, len(ops))
	}
}

func TestReconcile_CancelledBetweenOps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dev := newFakeDevice()
	dev.onApply = func(call int, op lfs.Op) (bool, error) {
		if call == 1 {
			cancel()
		}
		return true, nil
	}
	r := newTestReconciler(t, testConfig(dev, &fakeTranscoder{}))

	report, err := r.Reconcile(ctx, desiredTree(t, "A", "B"))
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeCancelled {
		t.Fatalf("Expected CANCELLED, got %v", err)
	}
	if report.Applied != 1 {
		t.Errorf("Expected the in-flight op to finish and no more, got %d applied", report.Applied)
	}
	flags, _, ops, _ := dev.snapshot()
	if len(ops) != 1 {
		t.Errorf("Expected 1 op on device, got %d", len(ops))
	}
	if !flags.UpdateInProgress() {
		t.Error("Expected update flag left set after cancellation")
	}
}

func TestReconcile_CancelledBeforeFirstOp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dev := newFakeDevice()
	dev.flags = lfs.DirtyFlags(0x10)
	cfg := testConfig(dev, &fakeTranscoder{})
	cfg.Progress = func(p Progress) {
		if p.Stage == StateApplying {
			cancel()
		}
	}
	r := newTestReconciler(t, cfg)

	report, err := r.Reconcile(ctx, desiredTree(t, "A", "B"))
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeCancelled {
		t.Fatalf("Expected CANCELLED, got %v", err)
	}
	if report.Outcome != OutcomeAborted || report.Applied != 0 {
		t.Errorf("Expected aborted with nothing applied, got %s/%d", report.Outcome, report.Applied)
	}

	flags, writes, ops, _ := dev.snapshot()
	if dev.calls != 0 || len(ops) != 0 {
		t.Errorf("Expected no ops sent, got calls=%d ops=%v", dev.calls, ops)
	}
	if len(writes) != 0 || flags != lfs.DirtyFlags(0x10) {
		t.Errorf("Expected flags untouched, got %s after writes %v", flags, writes)
	}
}

func TestReconcile_InconsistentSnapshot(t *testing.T) {
	dev := newFakeDevice()
	desired := desiredTree(t, "A")

	// An earlier session died after creating everything but an orphan that
	// was about to be moved.
	for _, r := range desired.Records() {
		if r.Kind == lfs.KindFork {
			continue
		}
		if r.Entity.ID == lfs.RootID {
			continue
		}
		op := lfs.CreateOp(*r.Entity, r.Entity.Parent, len(dev.model.Children(r.Entity.Parent)), nil)
		if r.Entity.IsFile() {
			src, _ := desired.ForkOf(r.Entity.ID)
			res, _ := (&fakeTranscoder{}).Transcode(context.Background(), luigi.Request{Rom: src.Data, Config: src.Config})
			op = op.WithFork(res.Fork())
		}
		if err := dev.commit(op); err != nil {
			t.Fatalf("seeding device: %v", err)
		}
	}
	dev.ops = nil
	dev.flags = lfs.FileSystemUpdateInProgress | 0x3
	dev.extra = []lfs.Record{{
		Kind:   lfs.KindFile,
		Entity: &lfs.Entity{ID: 40, Kind: lfs.KindFile, Parent: 39, Name: "orphan"},
	}}

	r := newTestReconciler(t, testConfig(dev, &fakeTranscoder{}))
	report, err := r.Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if !report.Inconsistent || report.Discarded != 1 {
		t.Errorf("Expected inconsistent snapshot with 1 discarded record, got %v/%d", report.Inconsistent, report.Discarded)
	}
	flags, writes, ops, _ := dev.snapshot()
	if len(ops) != 1 || ops[0].Kind != lfs.OpDelete || ops[0].ID != 40 {
		t.Errorf("Expected the orphan to be deleted, got %v", ops)
	}
	if flags != lfs.DirtyFlags(0x3) {
		t.Errorf("Expected flag cleared with reserved bits kept, got %s", flags)
	}
	if len(writes) != 1 {
		t.Errorf("Expected a single clearing write, got %v", writes)
	}
}

func TestReconcile_InconsistentEmptyPlanVerifies(t *testing.T) {
	dev := newFakeDevice()
	r := newTestReconciler(t, testConfig(dev, &fakeTranscoder{}))
	desired := desiredTree(t, "A")
	if _, err := r.Reconcile(context.Background(), desired); err != nil {
		t.Fatalf("seeding Reconcile() error = %v", err)
	}
	dev.flags = dev.flags.WithUpdateInProgress(true)
	fetches := dev.fetches

	report, err := r.Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if report.Outcome != OutcomeSettled || report.Planned != 0 {
		t.Errorf("Expected settled with no ops, got %s/%d", report.Outcome, report.Planned)
	}
	if dev.fetches-fetches != 2 {
		t.Errorf("Expected snapshot and verification fetches, got %d", dev.fetches-fetches)
	}
	if flags, _, _, _ := dev.snapshot(); flags.UpdateInProgress() {
		t.Error("Expected update flag cleared after verification")
	}
}

func TestReconcile_DirtyFlagWithMissingEntities(t *testing.T) {
	dev := newFakeDevice()
	r := newTestReconciler(t, testConfig(dev, &fakeTranscoder{}))
	if _, err := r.Reconcile(context.Background(), desiredTree(t, "A", "B")); err != nil {
		t.Fatalf("seeding Reconcile() error = %v", err)
	}

	// An earlier session set the flag and died before creating C and D.
	dev.flags = lfs.FileSystemUpdateInProgress | 0x10
	dev.flagWrites = nil
	dev.ops = nil
	var writesAtApply []int
	dev.onApply = func(call int, op lfs.Op) (bool, error) {
		writesAtApply = append(writesAtApply, len(dev.flagWrites))
		return true, nil
	}

	desired := desiredTree(t, "A", "B", "C", "D")
	report, err := r.Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if report.Outcome != OutcomeSettled || !report.Inconsistent {
		t.Errorf("Expected settled inconsistent session, got %s/%v", report.Outcome, report.Inconsistent)
	}
	if report.Planned != 2 || report.Applied != 2 {
		t.Errorf("Expected 2 planned and applied, got %d/%d", report.Planned, report.Applied)
	}

	flags, writes, ops, device := dev.snapshot()
	if len(ops) != 2 {
		t.Fatalf("Expected 2 ops, got %v", ops)
	}
	for _, op := range ops {
		if op.Kind != lfs.OpCreate {
			t.Errorf("Expected only %s ops, got %s", lfs.OpCreate, op.Kind)
		}
	}
	for i, n := range writesAtApply {
		if n != 0 {
			t.Errorf("Expected no flag write before op %d was acknowledged, got %d", i+1, n)
		}
	}
	if len(writes) != 1 || writes[0].UpdateInProgress() || writes[0].Reserved() != 0x10 {
		t.Errorf("Expected one clearing write keeping reserved bits, got %v", writes)
	}
	if flags != lfs.DirtyFlags(0x10) {
		t.Errorf("Expected flags %s, got %s", lfs.DirtyFlags(0x10), flags)
	}
	if diffs := lfs.Equivalent(desired, device); len(diffs) != 0 {
		t.Errorf("Device differs from desired tree: %v", diffs)
	}
}

func TestReconcile_FeatureUpdateRefreshesForks(t *testing.T) {
	dev := newFakeDevice()
	tc := &fakeTranscoder{}
	desired := desiredTree(t, "A", "B")

	cfg := testConfig(dev, tc)
	if _, err := newTestReconciler(t, cfg).Reconcile(context.Background(), desired); err != nil {
		t.Fatalf("seeding Reconcile() error = %v", err)
	}

	flags := luigi.FeatureFlags(0).With(luigi.FeatureECS, luigi.Requires)
	cfg.Mode = luigi.ModeFeatureUpdate
	cfg.Features = luigi.DeviceFeatures{
		Capabilities: luigi.Capability(0).With(luigi.FeatureECS),
		Flags:        flags,
	}
	report, err := newTestReconciler(t, cfg).Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if report.Refreshed != 2 || report.Counts[lfs.OpReplaceFork] != 2 {
		t.Errorf("Expected 2 refreshes, got refreshed=%d counts=%v", report.Refreshed, report.Counts)
	}

	_, _, _, device := dev.snapshot()
	for _, f := range device.Forks() {
		if f.Features != uint64(flags) {
			t.Errorf("Fork %s: expected features %#x, got %#x", f.Key, uint64(flags), f.Features)
		}
	}

	// Device flags now match; nothing left to refresh.
	report, err = newTestReconciler(t, cfg).Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("third Reconcile() error = %v", err)
	}
	if report.Planned != 0 {
		t.Errorf("Expected no ops once flags match, got %d", report.Planned)
	}
}

func TestReconcile_ResetPrunesUnchangedContainers(t *testing.T) {
	dev := newFakeDevice()
	desired := desiredTree(t, "A")
	cfg := testConfig(dev, &fakeTranscoder{})
	if _, err := newTestReconciler(t, cfg).Reconcile(context.Background(), desired); err != nil {
		t.Fatalf("seeding Reconcile() error = %v", err)
	}
	_, before, _, _ := dev.snapshot()

	cfg.Mode = luigi.ModeReset
	report, err := newTestReconciler(t, cfg).Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	_, after, _, _ := dev.snapshot()

	if report.Planned != 0 || report.Refreshed != 0 {
		t.Errorf("Expected regenerated identical container to be pruned, got planned=%d", report.Planned)
	}
	if len(after) != len(before) {
		t.Error("Expected no flag writes for a pruned refresh")
	}
}

func TestReconcile_SessionActive(t *testing.T) {
	dev := newFakeDevice()
	cfg := testConfig(dev, &fakeTranscoder{})
	release, err := cfg.Guard.Acquire(cfg.DeviceID, "other-session")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()

	_, err = newTestReconciler(t, cfg).Reconcile(context.Background(), desiredTree(t, "A"))
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("Expected ErrSessionActive, got %v", err)
	}

	release()
	if _, err := newTestReconciler(t, cfg).Reconcile(context.Background(), desiredTree(t, "A")); err != nil {
		t.Errorf("Expected session to run after release, got %v", err)
	}
}

func TestPlan_DryRunWritesNothing(t *testing.T) {
	dev := newFakeDevice()
	r := newTestReconciler(t, testConfig(dev, &fakeTranscoder{}))

	plan, report, err := r.Plan(context.Background(), desiredTree(t, "A", "B"))
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(plan.Steps) != 3 || !report.DryRun || report.Outcome != "" {
		t.Errorf("Expected 3 steps in a dry run without outcome, got %d steps, report %+v", len(plan.Steps), report)
	}
	for _, s := range plan.Steps {
		if s.Op.Kind == lfs.OpCreate && s.Op.Fork != nil && s.Result == nil {
			t.Errorf("Step %d: expected transcoded container attached", s.Index)
		}
	}
	_, writes, ops, _ := dev.snapshot()
	if len(writes) != 0 || len(ops) != 0 {
		t.Errorf("Expected no device writes, got %d flag writes and %d ops", len(writes), len(ops))
	}
}

func TestReconcile_ProgressPerOperation(t *testing.T) {
	dev := newFakeDevice()
	var ops int
	cfg := testConfig(dev, &fakeTranscoder{})
	cfg.ProgressMode = ProgressPerOperation
	cfg.Progress = func(p Progress) {
		if p.Total > 0 {
			ops++
		}
	}
	if _, err := newTestReconciler(t, cfg).Reconcile(context.Background(), desiredTree(t, "A", "B")); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	// 2 transcodes and 3 applied ops.
	if ops != 5 {
		t.Errorf("Expected 5 per-operation notifications, got %d", ops)
	}
}
