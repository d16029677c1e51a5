// ============================================================================
// objaverse-render Worker - Job Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Run one worker slot's jobs, one at a time
//
// How it works:
//   A Runner owns one slot. It repeatedly:
//   1. Takes the next delivery from its Source
//   2. Runs it through the failure boundary (resolve -> render -> verify)
//   3. On success: marks it done at the source, then appends to the ledger
//   4. On failure: drops or retries it per on_failure, then sleeps
//
// Failure boundary:
//   Nothing a collaborator does can crash the loop. Panics are recovered as
//   transient failures. Errors are classified:
//   - Fatal     the renderer cannot start; the runner stops and, in dynamic
//               mode, leaves the message unacked for another worker
//   - Transient everything else; subject to on_failure / max_attempts
//
// Stop:
//   Cancelling the context is honored between jobs. A job in progress runs
//   to completion so its artifact set is never left half-verified.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/allenai/objaverse-rendering/internal/backoff"
	"github.com/allenai/objaverse-rendering/internal/jobsource"
	"github.com/allenai/objaverse-rendering/internal/ledger"
	"github.com/allenai/objaverse-rendering/internal/render"
	"github.com/allenai/objaverse-rendering/internal/tracing"
	"github.com/allenai/objaverse-rendering/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Runner executes jobs for one worker slot.
type Runner struct {
	Index    int
	Source   Source
	Resolver render.Resolver
	Renderer render.Renderer
	Progress *ledger.Writer
	Failures *ledger.FailureWriter
	Opts     Options
	Logger   *slog.Logger

	// Observe, when set, receives each job's outcome and duration.
	Observe func(outcome types.Outcome, d time.Duration)

	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand
}

func (r *Runner) init() {
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	r.Logger = r.Logger.With("worker", r.Index)
	if r.sleep == nil {
		r.sleep = sleepCtx
	}
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(time.Now().UnixNano() + int64(r.Index)))
	}
	if r.Opts.MaxAttempts < 1 {
		r.Opts.MaxAttempts = 1
	}
	if r.Opts.ArtifactGlob == "" {
		r.Opts.ArtifactGlob = "*.png"
	}
}

// Run processes deliveries until the source is exhausted, ctx is cancelled,
// a fatal job error occurs, or the source fails. Only the last two return a
// non-nil error.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	r.init()
	var stats Stats
	r.Logger.Info("worker started")

	for {
		if ctx.Err() != nil {
			r.Logger.Info("stop requested; exiting between jobs", "succeeded", stats.Succeeded)
			return stats, nil
		}

		d, ok, err := r.Source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.Logger.Info("stop requested while waiting for work", "succeeded", stats.Succeeded)
				return stats, nil
			}
			r.Logger.Error("job source failed", "err", err)
			return stats, fmt.Errorf("worker %d: %w", r.Index, err)
		}
		if !ok {
			r.Logger.Info("no more jobs", "succeeded", stats.Succeeded, "failed", stats.Failed, "retried", stats.Retried)
			return stats, nil
		}

		if err := r.handle(ctx, d, &stats); err != nil {
			return stats, err
		}
	}
}

// handle runs one delivery to completion. The job itself ignores a stop
// request; the failure delay after it does not.
func (r *Runner) handle(ctx context.Context, d Delivery, stats *Stats) error {
	jobCtx := context.WithoutCancel(ctx)
	start := time.Now()
	err := r.execute(jobCtx, d)
	elapsed := time.Since(start)

	var jerr *JobError
	if err != nil && !errors.As(err, &jerr) {
		jerr = &JobError{Job: d.Job, Outcome: types.OutcomeTransient, Err: err}
	}
	outcome := types.OutcomeSuccess
	if jerr != nil {
		outcome = jerr.Outcome
	}
	if r.Observe != nil {
		r.Observe(outcome, elapsed)
	}

	switch outcome {
	case types.OutcomeSuccess:
		return r.succeed(jobCtx, d, elapsed, stats)
	case types.OutcomeFatal:
		r.Logger.Error("fatal job error; stopping worker", "job", d.Job, "err", jerr.Err)
		return fmt.Errorf("worker %d: %w", r.Index, jerr)
	default:
		if err := r.fail(jobCtx, d, jerr, stats); err != nil {
			return err
		}
		if err := r.sleep(ctx, r.Opts.FailureDelay); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}
}

func (r *Runner) succeed(ctx context.Context, d Delivery, elapsed time.Duration, stats *Stats) error {
	if err := r.Source.Done(ctx, d); err != nil {
		if errors.Is(err, jobsource.ErrStaleReceipt) {
			// The message was redelivered while this render ran; the new
			// owner will record it.
			stats.Stale++
			r.Logger.Warn("ack rejected; job was redelivered", "job", d.Job, "elapsed", elapsed)
			return nil
		}
		return fmt.Errorf("worker %d: %w", r.Index, err)
	}
	entry, err := r.Progress.Append(d.Job, elapsed)
	if err != nil {
		return fmt.Errorf("worker %d: progress ledger: %w", r.Index, err)
	}
	stats.Succeeded++
	r.Logger.Info("job finished",
		"job", d.Job,
		"finished", entry.Finished,
		"total", entry.Total,
		"elapsed", elapsed.Round(time.Millisecond))
	return nil
}

func (r *Runner) fail(ctx context.Context, d Delivery, jerr *JobError, stats *Stats) error {
	retry := r.Opts.OnFailure == types.FailureRequeue && d.Attempt < r.Opts.MaxAttempts
	r.Logger.Warn("job failed",
		"job", d.Job,
		"attempt", d.Attempt,
		"max_attempts", r.Opts.MaxAttempts,
		"retry", retry,
		"err", jerr.Err)

	if retry {
		delay := backoff.Compute(r.Opts.BackoffPolicy, r.Opts.BackoffBase, r.Opts.BackoffMax, d.Attempt-1, r.rng)
		if err := r.Source.Retry(ctx, d, delay); err != nil {
			if !errors.Is(err, jobsource.ErrStaleReceipt) {
				return fmt.Errorf("worker %d: %w", r.Index, err)
			}
			stats.Stale++
		} else {
			stats.Retried++
		}
	} else {
		if err := r.Source.Done(ctx, d); err != nil {
			if !errors.Is(err, jobsource.ErrStaleReceipt) {
				return fmt.Errorf("worker %d: %w", r.Index, err)
			}
			stats.Stale++
		} else {
			if _, err := r.Failures.Append(d.Job, d.Attempt, jerr.Err); err != nil {
				return fmt.Errorf("worker %d: failure ledger: %w", r.Index, err)
			}
			stats.Failed++
		}
	}
	return nil
}

// execute is the failure boundary. It returns nil or a *JobError.
func (r *Runner) execute(ctx context.Context, d Delivery) (err error) {
	ctx, span := tracing.Tracer().Start(ctx, "worker.job", trace.WithAttributes(
		attribute.String("job.id", string(d.Job)),
		attribute.Int("job.attempt", d.Attempt),
		attribute.Int("worker.index", r.Index),
	))
	defer func() {
		if p := recover(); p != nil {
			err = &JobError{Job: d.Job, Outcome: types.OutcomeTransient, Err: fmt.Errorf("panic: %v", p)}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	asset, err := r.Resolver.Resolve(ctx, d.Job)
	if err != nil {
		return classify(d.Job, fmt.Errorf("resolve: %w", err))
	}
	defer asset.Release()

	err = r.Renderer.Render(ctx, render.Request{
		Job:            d.Job,
		ModelPath:      asset.Path,
		OutputDir:      r.Opts.OutputDir,
		CameraCount:    r.Opts.CameraCount,
		CameraDistance: r.Opts.CameraDistance,
		Scale:          r.Opts.Scale,
	})
	if err != nil {
		return classify(d.Job, err)
	}

	if err := render.Verify(r.Opts.OutputDir, d.Job, r.Opts.CameraCount, r.Opts.ArtifactGlob); err != nil {
		return classify(d.Job, err)
	}
	return nil
}

func classify(job types.JobID, err error) *JobError {
	outcome := types.OutcomeTransient
	if errors.Is(err, render.ErrRendererUnavailable) {
		outcome = types.OutcomeFatal
	}
	return &JobError{Job: job, Outcome: outcome, Err: err}
}
