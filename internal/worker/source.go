// ============================================================================
// objaverse-render Job Sources
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: One loop, two ways of getting jobs
//
// The runner does not care whether its jobs come from a fixed assignment
// list (static mode) or a shared queue (dynamic mode). Both are a Source:
//
//   Next    hand out the next delivery, or report exhaustion
//   Done    the delivery reached a final state (success or terminal failure)
//   Retry   try the job again after a delay
//
// Static retries go to the back of the worker's own list. Dynamic retries
// go back to the queue, where any worker may pick them up.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allenai/objaverse-rendering/internal/jobsource"
	"github.com/allenai/objaverse-rendering/pkg/types"
)

// Delivery is one attempt at one job.
type Delivery struct {
	Job     types.JobID
	Attempt int    // 1 on the first attempt
	Handle  string // queue handle; empty in static mode
}

// Source hands jobs to a runner.
type Source interface {
	// Next returns ok=false when the source is exhausted.
	Next(ctx context.Context) (d Delivery, ok bool, err error)
	Done(ctx context.Context, d Delivery) error
	Retry(ctx context.Context, d Delivery, delay time.Duration) error
}

// ============================================================================
// Static
// ============================================================================

type pending struct {
	job       types.JobID
	attempt   int
	notBefore time.Time
}

// StaticSource walks a fixed assignment list, then its retry tail.
type StaticSource struct {
	items []pending
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewStaticSource drops jobs for which skip returns true. It returns the
// source and the number skipped.
func NewStaticSource(jobs []types.JobID, skip func(types.JobID) bool) (*StaticSource, int) {
	s := &StaticSource{now: time.Now, sleep: sleepCtx}
	skipped := 0
	for _, j := range jobs {
		if skip != nil && skip(j) {
			skipped++
			continue
		}
		s.items = append(s.items, pending{job: j, attempt: 1})
	}
	return s, skipped
}

// Remaining is the number of deliveries left, retries included.
func (s *StaticSource) Remaining() int { return len(s.items) }

func (s *StaticSource) Next(ctx context.Context) (Delivery, bool, error) {
	if len(s.items) == 0 {
		return Delivery{}, false, nil
	}
	p := s.items[0]
	s.items = s.items[1:]
	if wait := p.notBefore.Sub(s.now()); wait > 0 {
		if err := s.sleep(ctx, wait); err != nil {
			s.items = append([]pending{p}, s.items...)
			return Delivery{}, false, err
		}
	}
	return Delivery{Job: p.job, Attempt: p.attempt}, true, nil
}

func (s *StaticSource) Done(context.Context, Delivery) error { return nil }

func (s *StaticSource) Retry(_ context.Context, d Delivery, delay time.Duration) error {
	s.items = append(s.items, pending{job: d.Job, attempt: d.Attempt + 1, notBefore: s.now().Add(delay)})
	return nil
}

// ============================================================================
// Dynamic
// ============================================================================

// QueueSource receives from a shared queue. An empty receive after Wait
// means the queue is drained and the worker should exit.
type QueueSource struct {
	Queue      jobsource.Queue
	Wait       time.Duration
	Visibility time.Duration
}

func (s *QueueSource) Next(ctx context.Context) (Delivery, bool, error) {
	msg, err := s.Queue.Receive(ctx, s.Wait, s.Visibility)
	if err != nil {
		return Delivery{}, false, transport("receive", err)
	}
	if msg == nil {
		return Delivery{}, false, nil
	}
	return Delivery{Job: msg.Job, Attempt: msg.ReceiveCount, Handle: msg.Handle}, true, nil
}

func (s *QueueSource) Done(ctx context.Context, d Delivery) error {
	if err := s.Queue.Ack(ctx, d.Handle); err != nil {
		return transport("ack", err)
	}
	return nil
}

func (s *QueueSource) Retry(ctx context.Context, d Delivery, delay time.Duration) error {
	if err := s.Queue.Requeue(ctx, d.Handle, delay); err != nil {
		return transport("requeue", err)
	}
	return nil
}

// transport wraps queue errors so callers can test for ErrTransport. Stale
// receipts and context errors pass through untouched.
func transport(op string, err error) error {
	if errors.Is(err, jobsource.ErrStaleReceipt) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, jobsource.ErrTransport) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, jobsource.ErrTransport, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
