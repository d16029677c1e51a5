// ============================================================================
// objaverse-render Recovery Tests
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
// Purpose: End-to-end recovery through the coordinator
//
// TestStaticRunResumesFromLedgers:
//   A static run is stopped part way. A second run over the same directories
//   skips every job the first run recorded, so each model is rendered
//   exactly once across both runs.
//
// TestDynamicRunSurvivesDeadWorker:
//   One in-process worker dies in the middle of a job without acking it.
//   The job becomes visible again after the visibility timeout, the
//   surviving worker renders it, and the run still completes.
//
// Both tests use the SQLite queue and local filesystem storage so that
// nothing lives only in memory.
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/allenai/objaverse-rendering/internal/config"
	"github.com/allenai/objaverse-rendering/internal/coordinator"
	"github.com/allenai/objaverse-rendering/internal/jobsource"
	"github.com/allenai/objaverse-rendering/internal/render"
	"github.com/allenai/objaverse-rendering/internal/storage"
	"github.com/allenai/objaverse-rendering/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cameras = 3

type passthrough struct{}

func (passthrough) Resolve(_ context.Context, job types.JobID) (render.Asset, error) {
	return render.Asset{Path: string(job), Release: func() {}}, nil
}

// renderCounter writes frames and counts renders per job.
type renderCounter struct {
	mu     sync.Mutex
	counts map[types.JobID]int
	delay  time.Duration
}

func newRenderCounter(delay time.Duration) *renderCounter {
	return &renderCounter{counts: make(map[types.JobID]int), delay: delay}
}

func (r *renderCounter) Render(_ context.Context, req render.Request) error {
	time.Sleep(r.delay)
	dir := render.ArtifactDir(req.OutputDir, req.Job)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for i := 0; i < req.CameraCount; i++ {
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("%03d.png", i)), []byte("png"), 0644); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.counts[req.Job]++
	r.mu.Unlock()
	return nil
}

func (r *renderCounter) snapshot() map[types.JobID]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[types.JobID]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

func generateJobs(n int) []types.JobID {
	jobs := make([]types.JobID, n)
	for i := range jobs {
		jobs[i] = types.JobID(fmt.Sprintf("glbs/000-%03d/uid%04d.glb", i%7, i))
	}
	return jobs
}

func runConfig(t testing.TB, mode types.Mode, jobs []types.JobID) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Defaults()
	cfg.Mode = mode
	cfg.Manifest = filepath.Join(root, "input_model_paths.json")
	cfg.StateFile = filepath.Join(root, "run.json")
	cfg.Topology = config.Topology{GPUCount: 2, WorkersPerGPU: 1}
	cfg.Worker.AssignmentDir = filepath.Join(root, "tmp")
	cfg.Worker.FailureDelay = 0
	cfg.Supervisor.InProcess = true
	cfg.Render.OutputDir = filepath.Join(root, "views")
	cfg.Render.CameraCount = cameras
	cfg.Ledger.Dir = filepath.Join(root, "progress")
	cfg.Queue.Backend = "sqlite"
	cfg.Queue.SQLite.Path = filepath.Join(root, "queue.db")
	cfg.Queue.PollInterval = 10 * time.Millisecond
	cfg.Queue.SeedFromManifest = true
	cfg.Storage.Provider = "localfs"
	cfg.Storage.LocalFS.Root = filepath.Join(root, "uploads")
	cfg.Reconciler.Interval = 50 * time.Millisecond
	cfg.Reconciler.MinFileAge = 0
	cfg.Monitor.Interval = 20 * time.Millisecond
	require.NoError(t, cfg.Validate())
	require.NoError(t, jobsource.WriteManifest(cfg.Manifest, jobs))
	return &cfg
}

func uploadedSets(t testing.TB, cfg *config.Config) map[string]int {
	t.Helper()
	store := storage.NewLocalFS(cfg.Storage.LocalFS.Root)
	objects, err := store.ListObjects(context.Background(), "")
	require.NoError(t, err)
	sets := make(map[string]int)
	for _, o := range objects {
		sets[filepath.Dir(filepath.FromSlash(o.Key))]++
	}
	return sets
}

func TestStaticRunResumesFromLedgers(t *testing.T) {
	jobs := generateJobs(40)
	cfg := runConfig(t, types.ModeStatic, jobs)
	renderer := newRenderCounter(5 * time.Millisecond)

	first := coordinator.New(cfg, coordinator.Options{Renderer: renderer, Resolver: passthrough{}})
	require.NoError(t, first.Start(context.Background()))
	require.Eventually(t, func() bool { return len(renderer.snapshot()) >= 10 }, 10*time.Second, 5*time.Millisecond)
	stopped := first.Stop()
	assert.Equal(t, types.RunStopped, stopped.Status)
	require.Less(t, stopped.Finished, len(jobs))
	t.Logf("first run finished %d/%d before stop", stopped.Finished, len(jobs))

	second := coordinator.New(cfg, coordinator.Options{Renderer: renderer, Resolver: passthrough{}})
	res, err := second.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, res.Status)
	assert.Equal(t, len(jobs), res.Finished)
	assert.NotEqual(t, stopped.RunID, res.RunID)

	counts := renderer.snapshot()
	require.Len(t, counts, len(jobs))
	for job, n := range counts {
		assert.Equal(t, 1, n, "job %s rendered more than once", job)
	}

	sets := uploadedSets(t, cfg)
	assert.Len(t, sets, len(jobs))
	for uid, n := range sets {
		assert.Equal(t, cameras, n, "set %s", uid)
	}
}

// dyingRenderer kills the calling worker goroutine on its first job, the way
// a crashed worker process stops mid-job: no ack, no ledger row.
type dyingRenderer struct {
	*renderCounter
	died   atomic.Bool
	victim atomic.Value
}

func (d *dyingRenderer) Render(ctx context.Context, req render.Request) error {
	if d.died.CompareAndSwap(false, true) {
		d.victim.Store(req.Job)
		runtime.Goexit()
	}
	return d.renderCounter.Render(ctx, req)
}

func TestDynamicRunSurvivesDeadWorker(t *testing.T) {
	jobs := generateJobs(12)
	cfg := runConfig(t, types.ModeDynamic, jobs)
	cfg.Worker.VisibilityTimeout = 300 * time.Millisecond
	// The survivor must keep polling until the dead worker's job reappears.
	cfg.Worker.ReceiveWait = 3 * time.Second

	renderer := &dyingRenderer{renderCounter: newRenderCounter(time.Millisecond)}
	c := coordinator.New(cfg, coordinator.Options{Renderer: renderer, Resolver: passthrough{}})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := c.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, types.RunCompleted, res.Status)
	assert.Equal(t, len(jobs), res.Total)
	assert.Equal(t, len(jobs), res.Finished)
	assert.Equal(t, 0, res.Failed)

	victim, ok := renderer.victim.Load().(types.JobID)
	require.True(t, ok)
	assert.Equal(t, 1, renderer.snapshot()[victim], "the abandoned job is rendered by the survivor")
	assert.Len(t, uploadedSets(t, cfg), len(jobs))
}
