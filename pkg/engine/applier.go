package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/locutus/lfsync/pkg/diag"
	"github.com/locutus/lfsync/pkg/lfs"
	"github.com/locutus/lfsync/pkg/telemetry"
)

// RetryPolicy bounds retries of transient faults.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=20"`

	// BaseDelay is the backoff before the first retry; it doubles per attempt.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the backoff.
	MaxDelay time.Duration `yaml:"max_delay"`

	// OpTimeout bounds a single device call.
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		OpTimeout:  30 * time.Second,
	}
}

// calculateBackoff returns the delay before retry number attempt+1: the
// base delay doubled per attempt, jittered by up to ±25% and capped at
// MaxDelay.
func (p RetryPolicy) calculateBackoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	delay += delay * 0.25 * (2*rand.Float64() - 1)

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// callResult describes a retried device call.
type callResult struct {
	attempts int

	// channelFault is set when an earlier attempt failed on the channel, so
	// the device may have committed the call without acknowledging it.
	channelFault bool
}

// call invokes fn under the retry policy. Each attempt runs detached from
// ctx cancellation with its own timeout, so an op in flight is never
// abandoned half-acknowledged; cancellation is honoured between attempts.
// tolerate may accept a failure after a channel fault as success.
func (s *session) call(
	ctx context.Context,
	step int,
	label string,
	fn func(ctx context.Context) error,
	tolerate func(e *EngineError) bool,
) (callResult, error) {
	policy := s.r.cfg.Retry
	var res callResult

	for attempt := 0; ; attempt++ {
		res.attempts = attempt + 1

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), policy.OpTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return res, nil
		}

		classified := ClassifyTransportError(err)
		if classified.Fault != nil {
			s.recordFault(step, label, *classified.Fault, res.attempts)
		}
		if res.channelFault && tolerate != nil && tolerate(classified) {
			s.logger.Debug().Str("op", label).Msg("op already committed before the channel fault")
			return res, nil
		}
		if classified.Code == ErrCodeChannel {
			res.channelFault = true
		}

		if !IsRetryable(classified) || attempt >= policy.MaxRetries {
			return res, classified.WithOperation(label)
		}

		backoff := policy.calculateBackoff(attempt)
		s.report.Retries++
		s.r.cfg.Metrics.RecordOpRetry(label)
		s.logger.Warn().Err(err).
			Str("op", label).
			Int("attempt", res.attempts).
			Dur("backoff", backoff).
			Msg("retrying after transient fault")
		s.emit(ctx, EventTypeStepRetry, step, "warning",
			fmt.Sprintf("Retrying %s after failure (attempt %d/%d)", label, res.attempts, policy.MaxRetries+1), nil)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return res, NewPermanentError("session cancelled", ctx.Err()).
				WithCode(ErrCodeCancelled).WithOperation(label)
		}
	}
}

// alreadyApplied recognises the device's answer to a retried op that had in
// fact been committed before its acknowledgement was lost.
func alreadyApplied(op lfs.Op) func(e *EngineError) bool {
	return func(e *EngineError) bool {
		if e.Fault == nil || e.Fault.Origin != diag.OriginLfs {
			return false
		}
		switch op.Kind {
		case lfs.OpCreate:
			return e.Fault.Name == "entity_in_use"
		case lfs.OpDelete:
			return e.Fault.Name == "invalid_entity"
		default:
			return false
		}
	}
}

// applyStep sends one step to the device and, on success, folds it into
// the model of what the device now holds.
func (s *session) applyStep(ctx context.Context, step *Step) error {
	label := string(step.Op.Kind)
	step.Status = StepRunning
	start := time.Now()

	res, err := s.call(ctx, step.Index, label, func(ctx context.Context) error {
		return s.r.cfg.Transport.ApplyOp(ctx, step.Op)
	}, alreadyApplied(step.Op))
	step.Attempts = res.attempts
	step.Duration = time.Since(start)

	if err != nil {
		step.Status = StepFailed
		step.Err = err
		s.r.cfg.Metrics.RecordOpApplied(label, string(StepFailed), step.Duration)
		return err
	}

	if !step.Unmodelled {
		if _, err := s.applied.Apply(step.Op); err != nil {
			step.Status = StepFailed
			step.Err = err
			return classifyModelError("device accepted an op the model rejects", err).
				WithOperation(step.Op.String()).WithEntity(step.Path)
		}
	}

	step.Status = StepSucceeded
	s.report.Applied++
	s.r.cfg.Metrics.RecordOpApplied(label, string(StepSucceeded), step.Duration)
	telemetry.AddStepEvent(s.span, step.Index, string(EventTypeStepApplied), step.Op.String())
	s.emit(ctx, EventTypeStepApplied, step.Index, "info", step.Op.String(), map[string]interface{}{
		"path":     step.Path,
		"attempts": step.Attempts,
	})
	s.logger.Debug().
		Int("step", step.Index).
		Str("op", step.Op.String()).
		Str("path", step.Path).
		Int("attempts", step.Attempts).
		Msg("op applied")
	return nil
}

func (s *session) recordFault(step int, label string, d diag.Descriptor, attempt int) {
	s.report.Faults = append(s.report.Faults, Fault{
		Step:       step,
		Op:         label,
		Descriptor: d,
		Attempt:    attempt,
		At:         time.Now(),
	})
	s.r.cfg.Metrics.RecordDeviceFault(string(d.Origin), d.Name)
	s.logger.Warn().
		Str("origin", string(d.Origin)).
		Str("fault", d.Name).
		Bool("transient", d.Transient).
		Str("op", label).
		Msg(d.Description)
}
