package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/locutus/lfsync/pkg/lfs"
	"github.com/locutus/lfsync/pkg/luigi"
	"github.com/locutus/lfsync/pkg/telemetry"
)

// maxPlanRounds bounds re-planning after transcode exclusions.
const maxPlanRounds = 8

// Config configures a Reconciler.
type Config struct {
	// DeviceID identifies the device for session exclusion and reporting.
	DeviceID string

	// Transport is the channel to the device.
	Transport Transport

	// Flags holds the persisted dirty-flag word. Defaults to Transport.
	Flags DirtyFlagStore

	// Transcoder converts new fork content.
	Transcoder Transcoder

	// Mode and Features select how containers are generated.
	Mode     luigi.GenerationMode
	Features luigi.DeviceFeatures

	// Retry bounds retries of transient faults. Zero fields take defaults.
	Retry RetryPolicy

	// TranscodeWorkers bounds parallel transcodes. Defaults to 4.
	TranscodeWorkers int

	ProgressMode ProgressMode
	Progress     ProgressFunc

	// Recorder and Events are optional.
	Recorder SessionRecorder
	Events   EventPublisher

	// Metrics may be nil.
	Metrics *telemetry.Metrics

	// Tracer defaults to the global otel tracer provider.
	Tracer trace.Tracer

	Logger zerolog.Logger

	// Guard defaults to a process-wide guard.
	Guard *SessionGuard
}

func (c *Config) setDefaults() {
	if c.Flags == nil {
		c.Flags = c.Transport
	}
	if c.Mode == "" {
		c.Mode = luigi.ModeStandard
	}
	def := DefaultRetryPolicy()
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = def.MaxRetries
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = def.BaseDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = def.MaxDelay
	}
	if c.Retry.OpTimeout <= 0 {
		c.Retry.OpTimeout = def.OpTimeout
	}
	if c.TranscodeWorkers <= 0 {
		c.TranscodeWorkers = 4
	}
	if c.ProgressMode == "" {
		c.ProgressMode = ProgressPerStage
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer("github.com/locutus/lfsync/pkg/engine")
	}
	if c.Guard == nil {
		c.Guard = defaultGuard
	}
}

func (c *Config) validate() error {
	if c.DeviceID == "" {
		return NewPermanentError("device id is required", nil).WithCode(ErrCodeValidation)
	}
	if c.Transport == nil {
		return NewPermanentError("transport is required", nil).WithCode(ErrCodeValidation)
	}
	if c.Transcoder == nil {
		return NewPermanentError("transcoder is required", nil).WithCode(ErrCodeValidation)
	}
	if err := c.Mode.Validate(); err != nil {
		return NewPermanentError("invalid configuration", err).WithCode(ErrCodeValidation)
	}
	if err := c.ProgressMode.Validate(); err != nil {
		return NewPermanentError("invalid configuration", err).WithCode(ErrCodeValidation)
	}
	return nil
}

// Reconciler converges one device with a desired tree.
type Reconciler struct {
	cfg    Config
	tracer trace.Tracer
	logger zerolog.Logger

	mu    sync.RWMutex
	state SessionState
}

// NewReconciler creates a reconciler for one device.
func NewReconciler(cfg Config) (*Reconciler, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Reconciler{
		cfg:    cfg,
		tracer: cfg.Tracer,
		logger: cfg.Logger.With().Str("component", "reconciler").Str("device_id", cfg.DeviceID).Logger(),
		state:  StateIdle,
	}, nil
}

// State returns the state of the current or last session.
func (r *Reconciler) State() SessionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Reconcile runs one session converging the device with desired. The
// report is always returned; the error is non-nil when the session was
// aborted or rejected.
func (r *Reconciler) Reconcile(ctx context.Context, desired *lfs.Model) (*Report, error) {
	s, release, err := r.begin(ctx, false)
	if err != nil {
		return nil, err
	}
	defer release()

	err = s.run(s.ctx, desired)
	s.finish(ctx, err)
	return s.report, s.report.Err
}

// Plan runs a session up to the point where device writes would start: the
// snapshot is fetched, the script computed, new content transcoded and the
// script simulated. Nothing is written to the device.
func (r *Reconciler) Plan(ctx context.Context, desired *lfs.Model) (*Plan, *Report, error) {
	s, release, err := r.begin(ctx, true)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	plan, err := s.prepare(s.ctx, desired)
	s.finish(ctx, err)
	if err != nil {
		return nil, s.report, s.report.Err
	}
	return plan, s.report, nil
}

func (r *Reconciler) begin(ctx context.Context, dryRun bool) (*session, func(), error) {
	id := uuid.New().String()
	release, err := r.cfg.Guard.Acquire(r.cfg.DeviceID, id)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	r.state = StateIdle
	r.mu.Unlock()

	s := &session{
		r:        r,
		id:       id,
		logger:   r.logger.With().Str("session_id", id).Logger(),
		results:  make(map[lfs.ForkKey]*luigi.Result),
		failures: make(map[lfs.ForkKey]*EngineError),
		report: &Report{
			SessionID: id,
			DeviceID:  r.cfg.DeviceID,
			Mode:      r.cfg.Mode,
			DryRun:    dryRun,
			State:     StateIdle,
			StartedAt: time.Now(),
		},
	}
	s.ctx, s.span = r.tracer.Start(ctx, "lfsync.session")
	s.span.SetAttributes(
		telemetry.AttrSessionID.String(id),
		telemetry.AttrDeviceID.String(r.cfg.DeviceID),
		telemetry.AttrTranscodeMode.String(string(r.cfg.Mode)),
	)

	r.cfg.Metrics.RecordSessionStarted(string(r.cfg.Mode))
	if r.cfg.Recorder != nil {
		if err := r.cfg.Recorder.BeginSession(ctx, s.report); err != nil {
			s.logger.Warn().Err(err).Msg("failed to record session start")
		}
	}
	s.emit(ctx, EventTypeSessionStarted, -1, "info", "Session started", map[string]interface{}{
		"mode":    string(r.cfg.Mode),
		"dry_run": dryRun,
	})
	s.logger.Info().Str("mode", string(r.cfg.Mode)).Bool("dry_run", dryRun).Msg("session started")
	return s, release, nil
}

// session is the state of one reconciliation.
type session struct {
	r      *Reconciler
	id     string
	ctx    context.Context
	span   trace.Span
	logger zerolog.Logger
	report *Report

	snapshot  *lfs.Model
	discarded []lfs.Record
	target    *lfs.Model
	skip      map[lfs.ForkKey]bool

	results  map[lfs.ForkKey]*luigi.Result
	failures map[lfs.ForkKey]*EngineError

	// applied is the snapshot plus every op the device acknowledged.
	applied *lfs.Model

	// flagSet is true once this session has set the update bit.
	flagSet bool
}

func (s *session) run(ctx context.Context, desired *lfs.Model) error {
	plan, err := s.prepare(ctx, desired)
	if err != nil {
		return err
	}
	if plan.Empty() && !s.snapshot.Inconsistent {
		// Nothing to write and nothing to repair: the flags are left alone.
		s.transition(StateSettled)
		return nil
	}

	if !plan.Empty() {
		if err := s.apply(ctx, plan); err != nil {
			return err
		}
	}
	if err := s.verify(ctx); err != nil {
		return err
	}
	if err := s.clearFlag(ctx); err != nil {
		return err
	}
	s.transition(StateSettled)
	return nil
}

// prepare fetches the snapshot, computes the script, transcodes new content
// and simulates the result.
func (s *session) prepare(ctx context.Context, desired *lfs.Model) (*Plan, error) {
	if desired == nil {
		return nil, NewPermanentError("desired tree is nil", nil).WithCode(ErrCodeValidation)
	}

	s.transition(StateSnapshotFetch)
	if err := s.fetchSnapshot(ctx); err != nil {
		return nil, err
	}

	s.transition(StateDiffing)
	target, bindings, err := desired.Bind(s.snapshot)
	if err != nil {
		return nil, classifyModelError("failed to bind desired tree", err)
	}
	s.target = target
	s.report.Bindings = bindings
	s.skip = make(map[lfs.ForkKey]bool)

	plan, err := s.buildPlan()
	if err != nil {
		return nil, err
	}
	if plan.Empty() && !s.snapshot.Inconsistent {
		s.finalizePlan(plan)
		return plan, nil
	}

	s.transition(StateApplying)
	for round := 0; ; round++ {
		if round >= maxPlanRounds {
			return nil, NewPermanentError("plan did not converge after excluding failed transcodes", nil).
				WithCode(ErrCodeInternal)
		}
		if err := s.transcodeAll(ctx, s.collectJobs(plan)); err != nil {
			return nil, err
		}
		if !s.exclude(plan) {
			break
		}
		if plan, err = s.buildPlan(); err != nil {
			return nil, err
		}
	}

	for _, step := range plan.Steps {
		if !step.NeedsTranscode {
			continue
		}
		res := s.results[step.Op.Fork.Key]
		if res == nil {
			return nil, NewPermanentError("no container for fork", nil).
				WithCode(ErrCodeInternal).WithEntity(step.Path)
		}
		step.Result = res
		step.Op = step.Op.WithFork(res.Fork())
	}
	s.finalizePlan(plan)

	if err := s.simulate(plan); err != nil {
		s.report.Outcome = OutcomeRejected
		return nil, err
	}
	return plan, nil
}

func (s *session) buildPlan() (*Plan, error) {
	return BuildPlan(s.target, s.snapshot, s.discarded, PlanOptions{
		Mode:        s.r.cfg.Mode,
		Features:    s.r.cfg.Features,
		SkipRefresh: s.skip,
	})
}

func (s *session) finalizePlan(plan *Plan) {
	s.report.Planned = len(plan.Steps)
	s.report.Counts = plan.Counts()
	s.report.Refreshed = 0
	for kind, n := range s.report.Counts {
		s.r.cfg.Metrics.RecordOpsPlanned(string(kind), n)
	}
	for _, step := range plan.Steps {
		if step.Refresh {
			s.report.Refreshed++
		}
	}
	s.span.SetAttributes(telemetry.AttrPlanID.String(plan.ID))
	s.logger.Info().
		Str("plan_id", plan.ID).
		Int("steps", len(plan.Steps)).
		Int("refreshed", s.report.Refreshed).
		Int("skipped", len(s.report.Skipped)).
		Msg("plan ready")
}

func (s *session) fetchSnapshot(ctx context.Context) error {
	var flags lfs.DirtyFlags
	if _, err := s.call(ctx, -1, "flags.read", func(ctx context.Context) error {
		var err error
		flags, err = s.r.cfg.Flags.ReadDirtyFlags(ctx)
		return err
	}, nil); err != nil {
		return err
	}

	var listing *lfs.Listing
	if _, err := s.call(ctx, -1, "tree.fetch", func(ctx context.Context) error {
		var err error
		listing, err = s.r.cfg.Transport.FetchTree(ctx)
		return err
	}, nil); err != nil {
		return err
	}

	inconsistent := flags.UpdateInProgress()
	snapshot, discarded, err := lfs.FromListing(listing, !inconsistent)
	if err != nil {
		return classifyModelError("device tree is inconsistent", err)
	}
	snapshot.Flags = flags
	snapshot.Inconsistent = inconsistent

	s.snapshot = snapshot
	s.discarded = discarded
	s.applied = snapshot.Clone()
	s.flagSet = inconsistent
	s.report.Inconsistent = inconsistent
	s.report.Discarded = len(discarded)
	s.r.cfg.Metrics.SetDeviceEntities(s.r.cfg.DeviceID, snapshot.Len())

	if inconsistent {
		s.logger.Warn().
			Str("flags", flags.String()).
			Int("discarded", len(discarded)).
			Msg("device reports an interrupted update; snapshot trusted only as fetched")
	}
	return nil
}

// exclude drops entities whose content could not be transcoded from the
// target, and refreshes that turned out to be no-ops. It reports whether
// the target changed, in which case the plan must be rebuilt.
func (s *session) exclude(plan *Plan) bool {
	changed := false
	for _, step := range plan.Steps {
		if !step.NeedsTranscode {
			continue
		}
		key := step.Op.Fork.Key

		if step.Refresh {
			if fail := s.failures[key]; fail != nil {
				s.skipEntity(step, fail.Error(), fail.Code)
				s.skip[key] = true
				changed = true
				continue
			}
			if res := s.results[key]; res != nil {
				if dev, ok := s.snapshot.Fork(key); ok && lfs.ChecksumOf(res.Container, nil) == dev.Checksum {
					s.skip[key] = true
					changed = true
				}
			}
			continue
		}

		fail := s.failures[key]
		if fail == nil {
			continue
		}
		s.skipEntity(step, fail.Error(), fail.Code)
		changed = true

		if step.Op.Kind == lfs.OpReplaceFork {
			if prev, ok := s.snapshot.ForkOf(step.Op.ID); ok {
				if _, err := s.target.Apply(lfs.ReplaceForkOp(step.Op.ID, prev.Descriptor())); err == nil {
					continue
				}
			}
		}
		if _, err := s.target.Apply(lfs.DeleteOp(step.Op.ID)); err != nil {
			s.logger.Error().Err(err).Str("entity", step.Path).Msg("failed to exclude entity from target")
		}
	}
	return changed
}

func (s *session) skipEntity(step *Step, reason, code string) {
	step.Status = StepSkipped
	s.report.Skipped = append(s.report.Skipped, SkippedEntity{
		ID:     step.Op.ID,
		Path:   step.Path,
		Op:     string(step.Op.Kind),
		Reason: reason,
		Code:   code,
	})
	s.r.cfg.Metrics.RecordEntitySkipped(code)
	s.emit(s.ctx, EventTypeStepSkipped, step.Index, "warning", reason, map[string]interface{}{
		"path": step.Path,
		"code": code,
	})
}

// simulate applies the plan to a copy of the snapshot under the device's
// limits. Any failure rejects the plan before device I/O.
func (s *session) simulate(plan *Plan) error {
	sim := s.snapshot.Clone()
	for _, step := range plan.Steps {
		if step.Unmodelled {
			continue
		}
		if _, err := sim.Apply(step.Op); err != nil {
			return classifyModelError("plan rejected", err).
				WithOperation(step.Op.String()).
				WithEntity(step.Path)
		}
	}
	return nil
}

func (s *session) apply(ctx context.Context, plan *Plan) error {
	if err := ctx.Err(); err != nil {
		return NewPermanentError("session cancelled", err).WithCode(ErrCodeCancelled)
	}
	if err := s.setFlag(ctx); err != nil {
		return err
	}

	total := len(plan.Steps)
	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return NewPermanentError("session cancelled", err).WithCode(ErrCodeCancelled)
		}
		if err := s.applyStep(ctx, step); err != nil {
			for _, rest := range plan.Steps[i+1:] {
				rest.Status = StepSkipped
			}
			return err
		}
		s.progressOp(StateApplying, i+1, total, step.Op.String())
	}
	return nil
}

func (s *session) setFlag(ctx context.Context) error {
	flags, err := s.readFlags(ctx)
	if err != nil {
		return err
	}
	if flags.UpdateInProgress() {
		s.flagSet = true
		return nil
	}
	if err := s.writeFlags(ctx, flags.WithUpdateInProgress(true)); err != nil {
		return err
	}
	s.flagSet = true
	return nil
}

func (s *session) clearFlag(ctx context.Context) error {
	flags, err := s.readFlags(ctx)
	if err != nil {
		return err
	}
	if !flags.UpdateInProgress() {
		return nil
	}
	if err := s.writeFlags(ctx, flags.WithUpdateInProgress(false)); err != nil {
		return err
	}
	s.flagSet = false
	return nil
}

func (s *session) readFlags(ctx context.Context) (lfs.DirtyFlags, error) {
	var flags lfs.DirtyFlags
	_, err := s.call(ctx, -1, "flags.read", func(ctx context.Context) error {
		var err error
		flags, err = s.r.cfg.Flags.ReadDirtyFlags(ctx)
		return err
	}, nil)
	return flags, err
}

func (s *session) writeFlags(ctx context.Context, flags lfs.DirtyFlags) error {
	if _, err := s.call(ctx, -1, "flags.write", func(ctx context.Context) error {
		return s.r.cfg.Flags.WriteDirtyFlags(ctx, flags)
	}, nil); err != nil {
		return err
	}
	set := flags.UpdateInProgress()
	s.r.cfg.Metrics.RecordDirtyFlagWrite(set)
	s.emit(ctx, EventTypeDirtyFlag, -1, "info", flags.String(), map[string]interface{}{"update_in_progress": set})
	s.logger.Debug().Str("flags", flags.String()).Msg("dirty flags written")
	return nil
}

// verify re-reads the device and compares it with the snapshot plus every
// acknowledged op.
func (s *session) verify(ctx context.Context) error {
	s.transition(StateVerifying)

	var listing *lfs.Listing
	if _, err := s.call(ctx, -1, "tree.fetch", func(ctx context.Context) error {
		var err error
		listing, err = s.r.cfg.Transport.FetchTree(ctx)
		return err
	}, nil); err != nil {
		return err
	}
	device, _, err := lfs.FromListing(listing, true)
	if err != nil {
		return NewConsistencyError("device tree is inconsistent after apply", err).WithCode(ErrCodeVerifyFailed)
	}

	mismatches := lfs.Equivalent(s.applied, device)
	for _, f := range s.applied.Forks() {
		d, ok := device.Fork(f.Key)
		if ok && d.Checksum != f.Checksum {
			mismatches = append(mismatches, fmt.Sprintf("fork %s: checksum %08x != %08x", f.Key, f.Checksum, d.Checksum))
		}
	}
	if len(mismatches) > 0 {
		s.report.Mismatches = mismatches
		return NewConsistencyError(
			fmt.Sprintf("device tree differs from the expected tree in %d places", len(mismatches)), nil).
			WithCode(ErrCodeVerifyFailed).
			WithDetail("mismatches", mismatches)
	}
	s.r.cfg.Metrics.SetDeviceEntities(s.r.cfg.DeviceID, device.Len())
	return nil
}

func (s *session) successOutcome() Outcome {
	if len(s.report.Skipped) > 0 {
		return OutcomePartial
	}
	return OutcomeSettled
}

// finish records the session's outcome.
func (s *session) finish(ctx context.Context, err error) {
	rep := s.report
	if err != nil {
		var ee *EngineError
		if !errors.As(err, &ee) {
			ee = NewPermanentError("session failed", err).WithCode(ErrCodeInternal)
		}
		rep.Err = ee
		rep.Error = ee.Error()
		if rep.Outcome == "" {
			rep.Outcome = OutcomeAborted
		}
		if rep.State != StateAborted {
			s.transition(StateAborted)
		}
		s.r.cfg.Metrics.RecordError(string(ee.Class), ee.Code)
		telemetry.RecordError(s.span, ee)
		s.span.SetAttributes(
			telemetry.AttrErrorClass.String(string(ee.Class)),
			telemetry.AttrErrorCode.String(ee.Code),
		)
	} else {
		// Dry runs stop before the device is written and have no outcome.
		if !rep.DryRun {
			rep.Outcome = s.successOutcome()
		}
		telemetry.RecordSuccess(s.span)
	}

	rep.CompletedAt = time.Now()
	rep.Duration = rep.CompletedAt.Sub(rep.StartedAt)
	s.span.SetAttributes(telemetry.AttrOutcome.String(string(rep.Outcome)))
	s.span.End()
	s.r.cfg.Metrics.RecordSessionCompleted(string(rep.Outcome), rep.Duration)

	evt := s.logger.Info()
	if err != nil {
		evt = s.logger.Error().Err(err).Bool("update_in_progress", s.flagSet)
		s.emit(ctx, EventTypeSessionAborted, -1, "error", rep.Error, map[string]interface{}{
			"outcome":            string(rep.Outcome),
			"update_in_progress": s.flagSet,
		})
	} else {
		s.emit(ctx, EventTypeSessionCompleted, -1, "info", "Session completed", map[string]interface{}{
			"outcome": string(rep.Outcome),
			"applied": rep.Applied,
			"skipped": len(rep.Skipped),
		})
	}
	evt.Str("outcome", string(rep.Outcome)).
		Int("planned", rep.Planned).
		Int("applied", rep.Applied).
		Int("retries", rep.Retries).
		Int("skipped", len(rep.Skipped)).
		Dur("duration", rep.Duration).
		Msg("session finished")

	if s.r.cfg.Recorder != nil {
		if err := s.r.cfg.Recorder.CompleteSession(context.WithoutCancel(ctx), rep); err != nil {
			s.logger.Warn().Err(err).Msg("failed to record session completion")
		}
	}
}

func (s *session) transition(next SessionState) {
	prev := s.report.State
	if !prev.CanTransitionTo(next) {
		// Transitions are fixed by the session flow; reaching this is a bug.
		s.logger.Error().Str("from", string(prev)).Str("to", string(next)).Msg("invalid session transition")
	}
	s.report.State = next
	s.r.mu.Lock()
	s.r.state = next
	s.r.mu.Unlock()

	s.logger.Debug().Str("from", string(prev)).Str("to", string(next)).Msg("session state changed")
	s.emit(s.ctx, EventTypeStateChanged, -1, "info", string(next), map[string]interface{}{"from": string(prev)})
	if s.r.cfg.ProgressMode != ProgressSilent {
		s.notify(Progress{Stage: next, Message: string(next)})
	}
}

// progressOp reports per-op progress in per_operation mode.
func (s *session) progressOp(stage SessionState, done, total int, msg string) {
	if s.r.cfg.ProgressMode != ProgressPerOperation {
		return
	}
	s.notify(Progress{Stage: stage, Done: done, Total: total, Message: msg})
}

func (s *session) notify(p Progress) {
	if s.r.cfg.Progress == nil {
		return
	}
	p.SessionID = s.id
	s.r.cfg.Progress(p)
}

// emit publishes a session event and journals it. Failures are logged only.
func (s *session) emit(ctx context.Context, typ EventType, step int, level, msg string, details map[string]interface{}) {
	if s.r.cfg.Events == nil && s.r.cfg.Recorder == nil {
		return
	}
	event := &Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
		SessionID: s.id,
		DeviceID:  s.r.cfg.DeviceID,
		Step:      step,
		Message:   msg,
		Level:     level,
		Details:   details,
	}
	ctx = context.WithoutCancel(ctx)
	if s.r.cfg.Events != nil {
		if err := s.r.cfg.Events.Publish(ctx, event); err != nil {
			s.logger.Warn().Err(err).Str("event", string(typ)).Msg("failed to publish event")
		}
	}
	if s.r.cfg.Recorder != nil {
		if err := s.r.cfg.Recorder.RecordEvent(ctx, event); err != nil {
			s.logger.Warn().Err(err).Str("event", string(typ)).Msg("failed to record event")
		}
	}
}
