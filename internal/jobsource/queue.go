// ============================================================================
// objaverse-render Job Queue
// ============================================================================
//
// Package: internal/jobsource
// File: queue.go
// Purpose: Pull-queue abstraction used by dynamic-mode workers
//
// Delivery contract (at-least-once):
//   - Receive hides a message for the visibility timeout and returns a
//     handle carrying a fresh receipt
//   - Ack deletes the message; it only succeeds with the latest receipt,
//     so a worker whose window lapsed cannot delete a redelivered copy
//   - a message not acked before the window ends becomes visible again
//   - Requeue makes a received message visible again after a delay
//
// Backends:
//   memory  in-process, for tests and single-process runs
//   redis   shared across hosts (go-redis + Lua)
//   sqlite  shared across processes on one host (modernc.org/sqlite)
//
// ============================================================================

package jobsource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/allenai/objaverse-rendering/internal/config"
	"github.com/allenai/objaverse-rendering/pkg/types"
)

var (
	// ErrStaleReceipt means the handle no longer owns the message: it was
	// acked already or its visibility window lapsed and it was redelivered.
	ErrStaleReceipt = errors.New("queue: stale receipt")
	// ErrBadHandle means the handle was not produced by this queue.
	ErrBadHandle = errors.New("queue: malformed handle")
	// ErrTransport wraps failures talking to the queue service.
	ErrTransport = errors.New("queue: transport error")
	// ErrQueueClosed is returned by every call after Close.
	ErrQueueClosed = errors.New("queue: closed")
)

// Queue is the job source for dynamic mode.
type Queue interface {
	// Send enqueues jobs in order.
	Send(ctx context.Context, jobs ...types.JobID) error
	// Receive waits up to wait for a visible message. It returns nil, nil
	// when none appeared.
	Receive(ctx context.Context, wait, visibility time.Duration) (*types.QueueMessage, error)
	Ack(ctx context.Context, handle string) error
	Requeue(ctx context.Context, handle string, delay time.Duration) error
	// ApproximateCount returns the number of currently visible messages.
	ApproximateCount(ctx context.Context) (int64, error)
	// Ping checks the service is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the queue backend selected by cfg.
func Open(ctx context.Context, cfg config.QueueConfig) (Queue, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryQueue(WithPollInterval(cfg.PollInterval)), nil
	case "redis":
		return OpenRedis(ctx, cfg.Redis, WithPollInterval(cfg.PollInterval))
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLite.Path, WithPollInterval(cfg.PollInterval))
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// Option configures a queue backend.
type Option func(*options)

type options struct {
	now  func() time.Time
	poll time.Duration
}

func defaultOptions() options {
	return options{now: time.Now, poll: 500 * time.Millisecond}
}

// WithClock overrides the time source used for visibility windows.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPollInterval sets how often Receive retries while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.poll = d
		}
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func makeHandle(id, receipt string) string {
	return id + ":" + receipt
}

func splitHandle(handle string) (id, receipt string, err error) {
	id, receipt, ok := strings.Cut(handle, ":")
	if !ok || id == "" || receipt == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadHandle, handle)
	}
	return id, receipt, nil
}

// pollReceive calls try until it yields a message, fails, or wait elapses.
// A zero wait tries exactly once.
func pollReceive(ctx context.Context, wait, interval time.Duration, try func() (*types.QueueMessage, error)) (*types.QueueMessage, error) {
	deadline := time.Now().Add(wait)
	for {
		msg, err := try()
		if err != nil || msg != nil {
			return msg, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		sleep := interval
		if remaining < sleep {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
