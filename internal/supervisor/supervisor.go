// ============================================================================
// objaverse-render Supervisor
// ============================================================================
//
// Package: internal/supervisor
// File: supervisor.go
// Purpose: Start one worker per slot, watch them exit, stop them on request
//
// Slots:
//   index = gpu*workers_per_gpu + slot, for gpu in [0, gpu_count) and
//   slot in [0, workers_per_gpu). Every index in [0, W) appears once.
//
// Lifecycle:
//   Start(ctx, slots)  launch every slot; if one fails to launch the ones
//                      already running are stopped and the error returned
//   Exited()           one Exit per worker, in exit order
//   Done()             closed after every worker has exited
//   Stop(grace)        ask every worker to stop, force it after grace
//
// Workers are not restarted. In static mode a crashed worker's remaining
// assignment stays unrendered until the next run resumes from its ledger;
// in dynamic mode its in-flight job returns to the queue by itself.
//
// ============================================================================

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/allenai/objaverse-rendering/internal/config"
)

var (
	ErrAlreadyStarted = errors.New("supervisor already started")
	ErrNotStarted     = errors.New("supervisor not started")
)

// Slot is one worker position.
type Slot struct {
	Index int
	GPU   int
}

// Slots enumerates topology's slots in index order.
func Slots(t config.Topology) []Slot {
	out := make([]Slot, 0, t.Workers())
	for gpu := 0; gpu < t.GPUCount; gpu++ {
		for s := 0; s < t.WorkersPerGPU; s++ {
			out = append(out, Slot{Index: gpu*t.WorkersPerGPU + s, GPU: gpu})
		}
	}
	return out
}

// Exit reports how one worker ended.
type Exit struct {
	Slot Slot
	Err  error
	At   time.Time
}

// Handle controls one launched worker.
type Handle interface {
	// Wait blocks until the worker exits and returns its error.
	Wait() error
	// Terminate asks the worker to stop and forces it after grace.
	Terminate(grace time.Duration)
}

// Launcher starts a worker for a slot.
type Launcher interface {
	Launch(ctx context.Context, slot Slot) (Handle, error)
}

// Supervisor owns a set of running workers.
type Supervisor struct {
	launcher Launcher
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	handles map[int]Handle
	exits   []Exit

	exited chan Exit
	done   chan struct{}
	wg     sync.WaitGroup
}

func New(l Launcher, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		launcher: l,
		logger:   logger,
		handles:  make(map[int]Handle),
		done:     make(chan struct{}),
	}
}

// Start launches every slot.
func (s *Supervisor) Start(ctx context.Context, slots []Slot) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.exited = make(chan Exit, len(slots))
	s.mu.Unlock()

	for _, slot := range slots {
		h, err := s.launcher.Launch(ctx, slot)
		if err != nil {
			s.logger.Error("worker launch failed", "worker", slot.Index, "gpu", slot.GPU, "err", err)
			go s.finish()
			s.Stop(0)
			return fmt.Errorf("launch worker %d: %w", slot.Index, err)
		}
		s.mu.Lock()
		s.handles[slot.Index] = h
		s.mu.Unlock()
		s.logger.Info("worker launched", "worker", slot.Index, "gpu", slot.GPU)

		s.wg.Add(1)
		go s.watch(slot, h)
	}
	go s.finish()
	return nil
}

func (s *Supervisor) watch(slot Slot, h Handle) {
	defer s.wg.Done()
	err := h.Wait()
	e := Exit{Slot: slot, Err: err, At: time.Now()}
	if err != nil {
		s.logger.Warn("worker exited with error", "worker", slot.Index, "err", err)
	} else {
		s.logger.Info("worker exited", "worker", slot.Index)
	}
	s.mu.Lock()
	s.exits = append(s.exits, e)
	s.mu.Unlock()
	s.exited <- e
}

func (s *Supervisor) finish() {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Exited delivers one Exit per worker. It is nil before Start.
func (s *Supervisor) Exited() <-chan Exit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

// Done is closed once every launched worker has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Wait blocks until every worker has exited or ctx ends, and returns the
// exits seen so far.
func (s *Supervisor) Wait(ctx context.Context) ([]Exit, error) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	select {
	case <-s.done:
		return s.Exits(), nil
	case <-ctx.Done():
		return s.Exits(), ctx.Err()
	}
}

// Exits returns a copy of the exits recorded so far.
func (s *Supervisor) Exits() []Exit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Exit(nil), s.exits...)
}

// Running is the number of workers launched and not yet exited.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles) - len(s.exits)
}

// stopSlack bounds how long Stop waits for exits after forcing workers.
const stopSlack = 5 * time.Second

// Stop terminates every worker concurrently and waits for their exits to be
// recorded.
func (s *Supervisor) Stop(grace time.Duration) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	handles := make([]Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			h.Terminate(grace)
		}(h)
	}
	wg.Wait()

	select {
	case <-s.done:
	case <-time.After(stopSlack):
		s.logger.Warn("workers still running after stop", "running", s.Running())
	}
}
