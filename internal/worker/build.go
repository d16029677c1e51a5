package worker

import (
	"fmt"
	"log/slog"

	"github.com/allenai/objaverse-rendering/internal/config"
	"github.com/allenai/objaverse-rendering/internal/jobsource"
	"github.com/allenai/objaverse-rendering/internal/ledger"
	"github.com/allenai/objaverse-rendering/internal/render"
	"github.com/allenai/objaverse-rendering/internal/runstate"
	"github.com/allenai/objaverse-rendering/pkg/types"
)

// Deps are the collaborators a slot needs beyond configuration. Nil fields
// get the production implementation.
type Deps struct {
	Queue    jobsource.Queue // required in dynamic mode
	Resolver render.Resolver
	Renderer render.Renderer
	Logger   *slog.Logger
}

// OptionsFromConfig maps configuration onto runner options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		OutputDir:      cfg.Render.OutputDir,
		CameraCount:    cfg.Render.CameraCount,
		CameraDistance: cfg.Render.CameraDistance,
		Scale:          cfg.Render.Scale,
		ArtifactGlob:   cfg.Reconciler.ArtifactGlob,
		FailureDelay:   cfg.Worker.FailureDelay,
		OnFailure:      cfg.Worker.OnFailure,
		MaxAttempts:    cfg.Worker.MaxAttempts,
		BackoffPolicy:  cfg.Worker.Backoff.Policy,
		BackoffBase:    cfg.Worker.Backoff.Base,
		BackoffMax:     cfg.Worker.Backoff.Max,
	}
}

// New builds the runner for slot a. Static slots load their assignment file
// and skip jobs already present in either ledger. The returned close func
// releases the ledgers.
func New(cfg *config.Config, a types.WorkerAssignment, deps Deps) (*Runner, func() error, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var jobs []types.JobID
	total := 0
	if !a.Dynamic {
		jobs = a.Jobs
		if jobs == nil {
			var err error
			jobs, err = runstate.LoadAssignment(cfg.Worker.AssignmentDir, a.WorkerIndex)
			if err != nil {
				return nil, nil, err
			}
		}
		total = len(jobs)
	}

	progress, err := ledger.OpenWriter(cfg.Ledger.Dir, a.WorkerIndex, total)
	if err != nil {
		return nil, nil, err
	}
	failures, err := ledger.OpenFailureWriter(cfg.Ledger.Dir, a.WorkerIndex)
	if err != nil {
		progress.Close()
		return nil, nil, err
	}
	closeFn := func() error {
		err1 := progress.Close()
		err2 := failures.Close()
		if err1 != nil {
			return err1
		}
		return err2
	}

	var src Source
	if a.Dynamic {
		if deps.Queue == nil {
			closeFn()
			return nil, nil, fmt.Errorf("worker %d: dynamic mode needs a queue", a.WorkerIndex)
		}
		src = &QueueSource{Queue: deps.Queue, Wait: cfg.Worker.ReceiveWait, Visibility: cfg.Worker.VisibilityTimeout}
	} else {
		s, skipped := NewStaticSource(jobs, func(j types.JobID) bool {
			return progress.Completed(j) || failures.Failed(j)
		})
		if skipped > 0 {
			logger.Info("resuming static assignment", "worker", a.WorkerIndex, "skipped", skipped, "remaining", s.Remaining())
		}
		src = s
	}

	resolver := deps.Resolver
	if resolver == nil {
		resolver = render.NewResolver(cfg.Download.Dir, cfg.Download.Timeout)
	}
	renderer := deps.Renderer
	if renderer == nil {
		er := render.NewExecRenderer(cfg.Render)
		er.Env = GPUEnv(a.GPU)
		renderer = er
	}

	return &Runner{
		Index:    a.WorkerIndex,
		Source:   src,
		Resolver: resolver,
		Renderer: renderer,
		Progress: progress,
		Failures: failures,
		Opts:     OptionsFromConfig(cfg),
		Logger:   logger,
	}, closeFn, nil
}

// GPUEnv pins a process to one GPU and its X display.
func GPUEnv(gpu int) []string {
	return []string{
		fmt.Sprintf("DISPLAY=:0.%d", gpu),
		fmt.Sprintf("CUDA_VISIBLE_DEVICES=%d", gpu),
	}
}
