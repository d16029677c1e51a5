package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/allenai/objaverse-rendering/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaultsWithEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, types.ModeDynamic, cfg.Mode)
	assert.Equal(t, 12, cfg.Render.CameraCount)
	assert.Equal(t, 2*time.Second, cfg.Worker.FailureDelay)
	assert.Equal(t, 120*time.Second, cfg.Worker.VisibilityTimeout)
	assert.Equal(t, "progress", cfg.Ledger.Dir)
	assert.Equal(t, 1, cfg.Topology.Workers())
	assert.Equal(t, "sqlite", cfg.Queue.Backend)
}

func TestMemoryQueueNeedsInProcessWorkers(t *testing.T) {
	path := writeConfig(t, `
queue:
  backend: memory
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in_process")

	path = writeConfig(t, `
queue:
  backend: memory
supervisor:
  in_process: true
`)
	_, err = Load(path)
	assert.NoError(t, err)
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
mode: static
manifest: models.json
topology:
  gpu_count: 4
  workers_per_gpu: 2
partition:
  policy: block
worker:
  on_failure: requeue_with_backoff
  failure_delay: 500ms
monitor:
  interval: 3s
  timeout: 1h
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, types.ModeStatic, cfg.Mode)
	assert.Equal(t, "models.json", cfg.Manifest)
	assert.Equal(t, 8, cfg.Topology.Workers())
	assert.Equal(t, "block", cfg.Partition.Policy)
	assert.Equal(t, types.FailureRequeue, cfg.Worker.OnFailure)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.FailureDelay)
	assert.Equal(t, time.Hour, cfg.Monitor.Timeout)
	// untouched fields keep their defaults
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, "views", cfg.Render.OutputDir)
}

func TestLoadRejectsBadTopology(t *testing.T) {
	path := writeConfig(t, `
topology:
  gpu_count: 0
  workers_per_gpu: 1
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gpu_count")
}

func TestTopologyValidate(t *testing.T) {
	assert.NoError(t, Topology{GPUCount: 2, WorkersPerGPU: 3}.Validate())
	assert.ErrorIs(t, Topology{GPUCount: -1, WorkersPerGPU: 1}.Validate(), ErrInvalidTopology)
	assert.ErrorIs(t, Topology{GPUCount: 1, WorkersPerGPU: 0}.Validate(), ErrInvalidTopology)
}

func TestLoadReportsAllErrors(t *testing.T) {
	path := writeConfig(t, `
mode: sometimes
worker:
  on_failure: explode
queue:
  backend: kafka
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode must be")
	assert.Contains(t, err.Error(), "on_failure")
	assert.Contains(t, err.Error(), "queue.backend")
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "mode: [unterminated")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
queue:
  backend: memory
  redis:
    addr: file-redis:6379
`)
	t.Setenv("QUEUE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "env-redis:6380")
	t.Setenv("GPU_COUNT", "3")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, "env-redis:6380", cfg.Queue.Redis.Addr)
	assert.Equal(t, 3, cfg.Topology.GPUCount)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestGDriveRequiresCredentials(t *testing.T) {
	path := writeConfig(t, `
storage:
  provider: gdrive
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gdrive")
}

func TestDrainGraceNeverBelowVisibility(t *testing.T) {
	cfg := Defaults()
	cfg.Worker.VisibilityTimeout = 2 * time.Minute
	cfg.Monitor.DrainGrace = 10 * time.Second
	assert.Equal(t, 2*time.Minute, cfg.DrainGrace())

	cfg.Monitor.DrainGrace = 5 * time.Minute
	assert.Equal(t, 5*time.Minute, cfg.DrainGrace())
}

func TestShippedDefaultConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Topology.GPUCount)
	assert.Equal(t, "sqlite", cfg.Queue.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Render.Timeout)
	assert.True(t, cfg.Metrics.Enabled)
}
