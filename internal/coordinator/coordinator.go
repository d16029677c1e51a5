// ============================================================================
// objaverse-render Coordinator
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
// Purpose: Own one render run from manifest to final run state
//
// Start:
//   1. Load the manifest (fatal on error, nothing launched)
//   2. static:  partition the manifest and write one assignment file per slot
//      dynamic: check the queue answers, note the counts earlier runs left
//               in the ledgers, optionally seed the jobs no ledger records
//   3. Open storage and the metrics endpoint
//   4. Write run.json with a fresh run id
//   5. Launch one worker per slot through the supervisor
//   6. Start the reconciler loop and the monitor loop
//
// A startup error before step 4 leaves no run.json behind.
//
// Wait returns when the monitor decides the run is over (all jobs accounted,
// queue drained, workers exited, timeout) or ctx ends.
//
// Stop:
//   1. Supervisor Stop(drain_grace): SIGTERM, then SIGKILL after the grace
//   2. Cancel the loops and wait for them
//   3. One last reconciler pass so finished frames are not left on disk
//   4. Close the queue (if we opened it) and write the final run state
//
// Workers and the coordinator share nothing in memory. Progress flows
// through the ledger files, jobs through the assignment files or the queue.
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/allenai/objaverse-rendering/internal/config"
	"github.com/allenai/objaverse-rendering/internal/jobsource"
	"github.com/allenai/objaverse-rendering/internal/ledger"
	"github.com/allenai/objaverse-rendering/internal/metrics"
	"github.com/allenai/objaverse-rendering/internal/monitor"
	"github.com/allenai/objaverse-rendering/internal/partition"
	"github.com/allenai/objaverse-rendering/internal/reconciler"
	"github.com/allenai/objaverse-rendering/internal/render"
	"github.com/allenai/objaverse-rendering/internal/runstate"
	"github.com/allenai/objaverse-rendering/internal/storage"
	"github.com/allenai/objaverse-rendering/internal/supervisor"
	"github.com/allenai/objaverse-rendering/internal/tracing"
	"github.com/allenai/objaverse-rendering/internal/worker"
	"github.com/allenai/objaverse-rendering/pkg/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrAlreadyStarted = errors.New("coordinator already started")
	ErrNotStarted     = errors.New("coordinator not started")
)

// Options carry collaborators that tests and the CLI may replace. Nil fields
// are built from configuration.
type Options struct {
	// ConfigPath is handed to worker processes as --config.
	ConfigPath string
	// Executable is the worker binary; defaults to the running executable.
	Executable string
	Launcher   supervisor.Launcher
	// Queue, when set, is used instead of opening cfg.Queue and is not
	// closed by Stop.
	Queue jobsource.Queue
	Store storage.Provider
	// Sink receives every monitor report next to the Prometheus gauges.
	Sink metrics.Sink
	// Registry holds the run's Prometheus collectors; a fresh one by default.
	Registry *prometheus.Registry
	// Renderer and Resolver are only used by in-process workers.
	Renderer render.Renderer
	Resolver render.Resolver
	Logger   *slog.Logger
}

// Coordinator drives one run.
type Coordinator struct {
	cfg  *config.Config
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	runID     string
	total     int
	result    types.RunState

	state      *runstate.Manager
	wroteState bool
	base       ledger.Summary
	queue      jobsource.Queue
	ownsQueue  bool
	recon      *reconciler.Reconciler
	mon        *monitor.Monitor
	sup        *supervisor.Supervisor
	prom       *metrics.PrometheusSink
	server     *metrics.Server

	ctx         context.Context
	span        trace.Span
	cancelLoops context.CancelFunc
	loopWg      sync.WaitGroup
	monDone     chan struct{}
	final       monitor.Status
}

func New(cfg *config.Config, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:     cfg,
		opts:    opts,
		log:     logger.With("component", "coordinator"),
		state:   runstate.NewManager(cfg.StateFile),
		monDone: make(chan struct{}),
	}
}

// RunID is the id written to the run state file. Empty before Start.
func (c *Coordinator) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// MetricsPort is the port of the /metrics endpoint, or 0 when it is off.
func (c *Coordinator) MetricsPort() int {
	if c.server == nil {
		return 0
	}
	return c.server.Port()
}

// Start prepares the run and launches every worker slot. Any error is a
// startup error: nothing is left running when Start fails.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.startTime = time.Now()
	c.runID = uuid.NewString()
	c.mu.Unlock()

	workers := c.cfg.Topology.Workers()
	c.ctx, c.span = tracing.Tracer().Start(context.WithoutCancel(ctx), "coordinator.run",
		trace.WithAttributes(
			attribute.String("run.id", c.runID),
			attribute.String("run.mode", string(c.cfg.Mode)),
			attribute.Int("run.workers", workers),
		))
	c.log.Info("starting run", "run_id", c.runID, "mode", c.cfg.Mode, "workers", workers, "manifest", c.cfg.Manifest)

	jobs, err := jobsource.LoadManifest(c.cfg.Manifest)
	if err != nil {
		return c.abort(fmt.Errorf("load manifest: %w", err))
	}
	switch c.cfg.Mode {
	case types.ModeStatic:
		c.total = len(jobs)
		parts, err := partition.Split(jobs, workers, c.cfg.Partition.Policy)
		if err != nil {
			return c.abort(err)
		}
		if err := runstate.WriteAssignments(c.cfg.Worker.AssignmentDir, parts); err != nil {
			return c.abort(fmt.Errorf("write assignments: %w", err))
		}
	default:
		if err := c.openQueue(ctx); err != nil {
			return c.abort(err)
		}
		// Ledgers outlive runs; only growth past these counts is this run's.
		c.base, err = ledger.Aggregate(c.cfg.Ledger.Dir, workers)
		if err != nil {
			return c.abort(fmt.Errorf("read ledgers: %w", err))
		}
		if c.cfg.Queue.SeedFromManifest {
			if err := c.seed(ctx, jobs, workers); err != nil {
				return c.abort(err)
			}
		}
	}

	store := c.opts.Store
	if store == nil {
		store, err = storage.New(ctx, c.cfg.Storage)
		if err != nil {
			return c.abort(fmt.Errorf("open storage: %w", err))
		}
	}
	c.recon = reconciler.New(store, nil, reconciler.Options{
		Root:        c.cfg.Render.OutputDir,
		Glob:        c.cfg.Reconciler.ArtifactGlob,
		CameraCount: c.cfg.Render.CameraCount,
		MinFileAge:  c.cfg.Reconciler.MinFileAge,
		Logger:      c.opts.Logger,
	})

	reg := c.opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c.prom, err = metrics.NewPrometheusSink(reg)
	if err != nil {
		return c.abort(err)
	}
	if c.cfg.Metrics.Enabled {
		c.server, err = metrics.StartServer(c.cfg.Metrics.Port, reg)
		if err != nil {
			return c.abort(err)
		}
		c.log.Info("metrics endpoint listening", "port", c.server.Port())
	}

	launcher, err := c.launcher()
	if err != nil {
		return c.abort(err)
	}
	if err := c.state.Write(c.snapshot(types.RunRunning, monitor.Status{})); err != nil {
		return c.abort(err)
	}
	c.wroteState = true
	sup := supervisor.New(launcher, c.opts.Logger)
	if err := sup.Start(c.ctx, supervisor.Slots(c.cfg.Topology)); err != nil {
		// Start already stopped the slots it launched.
		return c.abort(err)
	}
	c.sup = sup

	sinks := metrics.MultiSink{c.prom, stateSink{c}}
	if c.opts.Sink != nil {
		sinks = append(sinks, c.opts.Sink)
	}
	c.mon = monitor.New(monitor.Config{
		Mode:       c.cfg.Mode,
		LedgerDir:  c.cfg.Ledger.Dir,
		Workers:    workers,
		Total:      c.total,
		Interval:   c.cfg.Monitor.Interval,
		Timeout:    c.cfg.Monitor.Timeout,
		DrainGrace: c.cfg.DrainGrace(),

		BaseFinished: c.base.Finished,
		BaseFailed:   c.base.Failed,
	}, c.queue, sinks, c.opts.Logger)
	c.mon.WorkersDone = c.sup.Done()
	if c.cfg.Reconciler.Enabled {
		c.mon.Uploaded = c.recon.Uploaded
	}

	loopCtx, cancel := context.WithCancel(c.ctx)
	c.cancelLoops = cancel
	if c.cfg.Reconciler.Enabled {
		c.loopWg.Add(1)
		go func() {
			defer c.loopWg.Done()
			c.recon.Run(loopCtx, c.cfg.Reconciler.Interval)
		}()
	}
	c.loopWg.Add(1)
	go func() {
		defer c.loopWg.Done()
		defer close(c.monDone)
		st, _ := c.mon.Run(loopCtx)
		c.mu.Lock()
		c.final = st
		c.mu.Unlock()
	}()
	return nil
}

func (c *Coordinator) openQueue(ctx context.Context) error {
	if c.opts.Queue != nil {
		c.queue = c.opts.Queue
	} else {
		q, err := jobsource.Open(ctx, c.cfg.Queue)
		if err != nil {
			return fmt.Errorf("open queue: %w", err)
		}
		c.queue, c.ownsQueue = q, true
	}
	if err := c.queue.Ping(ctx); err != nil {
		return fmt.Errorf("queue unreachable: %w", err)
	}
	return nil
}

// seed sends the manifest jobs that no ledger has recorded yet. A queue
// that still holds visible messages belongs to an interrupted run: it is
// resumed as is and the total stays unknown.
func (c *Coordinator) seed(ctx context.Context, jobs []types.JobID, workers int) error {
	pending, err := c.queue.ApproximateCount(ctx)
	if err != nil {
		return fmt.Errorf("count queue: %w", err)
	}
	if pending > 0 {
		c.log.Warn("queue already holds messages; resuming without seeding", "messages", pending)
		return nil
	}
	done, err := ledger.Completed(c.cfg.Ledger.Dir, workers)
	if err != nil {
		return fmt.Errorf("read ledgers: %w", err)
	}
	todo := make([]types.JobID, 0, len(jobs))
	for _, j := range jobs {
		if !done[j] {
			todo = append(todo, j)
		}
	}
	n, err := jobsource.Seed(ctx, c.queue, todo, jobsource.DefaultSeedBatch, nil)
	if err != nil {
		return fmt.Errorf("seed queue: %w", err)
	}
	c.total = n
	c.log.Info("queue seeded", "jobs", n, "already_finished", len(jobs)-len(todo))
	return nil
}

func (c *Coordinator) launcher() (supervisor.Launcher, error) {
	if c.opts.Launcher != nil {
		return c.opts.Launcher, nil
	}
	if c.cfg.Supervisor.InProcess {
		return &supervisor.FuncLauncher{Run: c.runSlot}, nil
	}
	exe := c.opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("locate worker executable: %w", err)
		}
	}
	return supervisor.NewWorkerLauncher(exe, c.opts.ConfigPath, c.cfg.Supervisor.LogDir), nil
}

// runSlot is the body of an in-process worker.
func (c *Coordinator) runSlot(ctx context.Context, slot supervisor.Slot) error {
	r, closeFn, err := worker.New(c.cfg, types.WorkerAssignment{
		WorkerIndex: slot.Index,
		GPU:         slot.GPU,
		Dynamic:     c.cfg.Mode == types.ModeDynamic,
	}, worker.Deps{
		Queue:    c.queue,
		Resolver: c.opts.Resolver,
		Renderer: c.opts.Renderer,
		Logger:   c.opts.Logger,
	})
	if err != nil {
		return err
	}
	defer closeFn()
	r.Observe = func(o types.Outcome, d time.Duration) { c.prom.ObserveJob(o.String(), d) }
	_, err = r.Run(ctx)
	return err
}

// abort undoes a partial Start and returns err.
func (c *Coordinator) abort(err error) error {
	c.log.Error("run failed to start", "err", err)
	if c.server != nil {
		c.server.Shutdown(context.Background())
	}
	if c.ownsQueue && c.queue != nil {
		c.queue.Close()
	}
	if c.wroteState {
		if werr := c.state.Write(c.snapshot(types.RunFailed, monitor.Status{})); werr != nil {
			c.log.Warn("run state write failed", "err", werr)
		}
	}
	c.span.RecordError(err)
	c.span.SetStatus(codes.Error, err.Error())
	c.span.End()
	return err
}

// Wait blocks until the monitor decides the run is over or ctx ends.
func (c *Coordinator) Wait(ctx context.Context) (monitor.Status, error) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started || c.mon == nil {
		return monitor.Status{}, ErrNotStarted
	}
	select {
	case <-c.monDone:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.final, nil
	case <-ctx.Done():
		return monitor.Status{Reason: monitor.ReasonCancelled}, ctx.Err()
	}
}

// Stop shuts the run down and returns the final run state. It is safe to
// call more than once.
func (c *Coordinator) Stop() types.RunState {
	c.mu.Lock()
	if !c.started || c.stopped || c.mon == nil {
		res := c.result
		c.mu.Unlock()
		return res
	}
	c.stopped = true
	c.mu.Unlock()

	c.log.Info("stopping run", "run_id", c.runID)

	// A run the monitor had not finished yet was stopped from outside.
	reason := monitor.ReasonCancelled
	select {
	case <-c.monDone:
		c.mu.Lock()
		reason = c.final.Reason
		c.mu.Unlock()
	default:
	}

	// Workers first; a worker finishing its current job still writes frames
	// the final reconciler pass should see.
	c.sup.Stop(c.cfg.DrainGrace())
	c.cancelLoops()
	c.loopWg.Wait()

	if c.cfg.Reconciler.Enabled {
		if _, err := c.recon.Pass(context.Background()); err != nil {
			c.log.Error("final reconciler pass failed", "err", err)
		}
	}

	st := c.mon.Poll(context.Background())
	status := c.outcome(reason, st)

	if c.ownsQueue {
		if err := c.queue.Close(); err != nil {
			c.log.Warn("queue close failed", "err", err)
		}
	}
	if c.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c.server.Shutdown(ctx)
		cancel()
	}

	res := c.snapshot(status, st)
	res.FinishedAt = time.Now().UTC()
	if err := c.state.Write(res); err != nil {
		c.log.Error("final run state write failed", "err", err)
	}

	c.span.SetAttributes(
		attribute.String("run.status", string(status)),
		attribute.Int("run.finished", st.Finished),
		attribute.Int("run.failed", st.Failed),
	)
	if status == types.RunFailed {
		c.span.SetStatus(codes.Error, "run failed")
	}
	c.span.End()

	c.log.Info("run stopped",
		"status", status,
		"reason", reason,
		"finished", st.Finished,
		"failed", st.Failed,
		"uploaded", st.Uploaded,
		"elapsed", time.Since(c.startTime).Round(time.Millisecond))

	c.mu.Lock()
	c.result = res
	c.mu.Unlock()
	return res
}

// outcome maps why the monitor ended, and how the workers exited, to the
// recorded run status.
func (c *Coordinator) outcome(reason monitor.Reason, st monitor.Status) types.RunStatus {
	switch reason {
	case monitor.ReasonAllDone, monitor.ReasonDrained:
		return types.RunCompleted
	case monitor.ReasonTimeout:
		return types.RunTimedOut
	case monitor.ReasonExited:
		for _, e := range c.sup.Exits() {
			if e.Err != nil {
				return types.RunFailed
			}
		}
		if c.cfg.Mode == types.ModeStatic && st.Finished+st.Failed < c.total {
			return types.RunFailed
		}
		return types.RunCompleted
	default:
		return types.RunStopped
	}
}

func (c *Coordinator) snapshot(status types.RunStatus, st monitor.Status) types.RunState {
	return types.RunState{
		RunID:     c.runID,
		Mode:      c.cfg.Mode,
		Workers:   c.cfg.Topology.Workers(),
		Total:     c.total,
		Status:    status,
		StartedAt: c.startTime.UTC(),
		Finished:  st.Finished,
		Failed:    st.Failed,
		Uploaded:  st.Uploaded,
	}
}

// Run is Start, Wait and Stop. A cancelled ctx is a normal way to end a run
// and is not returned as an error.
func (c *Coordinator) Run(ctx context.Context) (types.RunState, error) {
	if err := c.Start(ctx); err != nil {
		return types.RunState{}, err
	}
	_, err := c.Wait(ctx)
	res := c.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return res, err
	}
	return res, nil
}

// stateSink keeps run.json current on every monitor poll.
type stateSink struct{ c *Coordinator }

func (s stateSink) Report(_ context.Context, counters map[string]float64) error {
	return s.c.state.Update(func(st *types.RunState) {
		st.Finished = int(counters[metrics.NumFinished])
		st.Failed = int(counters[metrics.NumFailed])
		st.Uploaded = int(counters[metrics.UploadedFiles])
	})
}
