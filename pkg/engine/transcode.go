package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/locutus/lfsync/pkg/lfs"
	"github.com/locutus/lfsync/pkg/luigi"
	"github.com/locutus/lfsync/pkg/telemetry"
)

// transcodeJob converts the source content of one fork key.
type transcodeJob struct {
	seq  int
	key  lfs.ForkKey
	name string
	src  *lfs.Fork
}

type transcodeOutcome struct {
	job      transcodeJob
	result   *luigi.Result
	err      error
	duration time.Duration
}

// collectJobs returns one job per fork key that still needs converting.
// Keys without source content cannot be converted and fail immediately.
func (s *session) collectJobs(plan *Plan) []transcodeJob {
	var jobs []transcodeJob
	seen := make(map[lfs.ForkKey]bool)
	for _, step := range plan.Steps {
		if !step.NeedsTranscode {
			continue
		}
		key := step.Op.Fork.Key
		if seen[key] || s.results[key] != nil || s.failures[key] != nil {
			continue
		}
		seen[key] = true
		if !step.Op.Fork.HasContent() {
			s.failures[key] = NewTranscodeError("source content unavailable", nil).
				WithCode(ErrCodeValidation).WithEntity(step.Path)
			continue
		}
		jobs = append(jobs, transcodeJob{seq: len(jobs), key: key, name: step.Path, src: step.Op.Fork})
	}
	return jobs
}

// transcodeAll runs jobs on a bounded worker pool. Results are recorded in
// job order, so logging and progress do not depend on scheduling. Per-job
// failures are recorded, not returned; only cancellation stops the stage.
func (s *session) transcodeAll(ctx context.Context, jobs []transcodeJob) error {
	if len(jobs) == 0 {
		return nil
	}

	workerCount := s.r.cfg.TranscodeWorkers
	if len(jobs) < workerCount {
		workerCount = len(jobs)
	}

	workQueue := make(chan transcodeJob, len(jobs))
	for _, job := range jobs {
		workQueue <- job
	}
	close(workQueue)

	results := make(chan transcodeOutcome, len(jobs))
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range workQueue {
				select {
				case <-ctx.Done():
					return
				default:
				}
				results <- s.transcodeOne(ctx, job)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	ordered := make([]*transcodeOutcome, len(jobs))
	next := 0
	for out := range results {
		ordered[out.job.seq] = &out
		for next < len(ordered) && ordered[next] != nil {
			s.recordTranscode(ordered[next])
			s.progressOp(StateApplying, next+1, len(jobs), fmt.Sprintf("transcoded %s", ordered[next].job.name))
			next++
		}
	}

	if err := ctx.Err(); err != nil {
		return NewPermanentError("transcoding cancelled", err).WithCode(ErrCodeCancelled)
	}
	return nil
}

func (s *session) transcodeOne(ctx context.Context, job transcodeJob) transcodeOutcome {
	ctx, span := s.r.tracer.Start(ctx, "luigi.transcode")
	span.SetAttributes(
		telemetry.AttrEntityPath.String(job.name),
		telemetry.AttrForkKey.String(job.key.String()),
		telemetry.AttrTranscodeMode.String(string(s.r.cfg.Mode)),
	)
	defer span.End()

	start := time.Now()
	res, err := s.r.cfg.Transcoder.Transcode(ctx, luigi.Request{
		Name:     job.name,
		Rom:      job.src.Data,
		Config:   job.src.Config,
		Mode:     s.r.cfg.Mode,
		Features: s.r.cfg.Features,
	})
	if err == nil && res.Key != job.key {
		err = fmt.Errorf("%w: container key %s does not match source key %s",
			luigi.ErrCorruptContainer, res.Key, job.key)
	}
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	return transcodeOutcome{job: job, result: res, err: err, duration: time.Since(start)}
}

func (s *session) recordTranscode(out *transcodeOutcome) {
	mode := string(s.r.cfg.Mode)
	if out.err != nil {
		s.failures[out.job.key] = classifyTranscodeError(out.job.name, out.err)
		s.r.cfg.Metrics.RecordTranscode(mode, "failed", false, out.duration)
		s.logger.Warn().Err(out.err).
			Str("entity", out.job.name).
			Str("key", out.job.key.String()).
			Msg("transcode failed; entity will be skipped")
		return
	}
	s.results[out.job.key] = out.result
	s.r.cfg.Metrics.RecordTranscode(mode, "succeeded", out.result.CacheHit, out.duration)
}
