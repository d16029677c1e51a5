// ============================================================================
// objaverse-render Config
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML configuration for the coordinator, worker processes and CLI
//
// Loading order:
//   1. Defaults()
//   2. YAML file (optional; an empty path skips it)
//   3. Environment overrides (REDIS_ADDR, QUEUE_BACKEND, STORAGE_PROVIDER, ...)
//   4. Validate()
//
// Durations are Go duration strings ("10s", "2m").
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/allenai/objaverse-rendering/pkg/types"
	"gopkg.in/yaml.v3"
)

// ErrInvalidTopology is returned when gpu_count or workers_per_gpu is below 1.
var ErrInvalidTopology = errors.New("invalid topology")

// Config represents the complete system configuration structure.
type Config struct {
	Mode      types.Mode `yaml:"mode"`
	Manifest  string     `yaml:"manifest"`
	StateFile string     `yaml:"state_file"`

	Topology   Topology         `yaml:"topology"`
	Partition  PartitionConfig  `yaml:"partition"`
	Worker     WorkerConfig     `yaml:"worker"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Render     RenderConfig     `yaml:"render"`
	Download   DownloadConfig   `yaml:"download"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Queue      QueueConfig      `yaml:"queue"`
	Storage    StorageConfig    `yaml:"storage"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Topology describes how many worker slots run and which GPU each uses.
type Topology struct {
	GPUCount      int `yaml:"gpu_count"`
	WorkersPerGPU int `yaml:"workers_per_gpu"`
}

// Workers is the total number of worker slots.
func (t Topology) Workers() int { return t.GPUCount * t.WorkersPerGPU }

// Validate rejects non-positive counts. There is no fallback value.
func (t Topology) Validate() error {
	if t.GPUCount < 1 {
		return fmt.Errorf("%w: gpu_count must be >= 1, got %d", ErrInvalidTopology, t.GPUCount)
	}
	if t.WorkersPerGPU < 1 {
		return fmt.Errorf("%w: workers_per_gpu must be >= 1, got %d", ErrInvalidTopology, t.WorkersPerGPU)
	}
	return nil
}

type PartitionConfig struct {
	Policy string `yaml:"policy"` // stripe | block
}

type BackoffConfig struct {
	Policy string        `yaml:"policy"` // fixed | linear | exponential | exp_equal_jitter | exp_full_jitter
	Base   time.Duration `yaml:"base"`
	Max    time.Duration `yaml:"max"`
}

type WorkerConfig struct {
	FailureDelay      time.Duration       `yaml:"failure_delay"`
	OnFailure         types.FailurePolicy `yaml:"on_failure"`
	MaxAttempts       int                 `yaml:"max_attempts"`
	Backoff           BackoffConfig       `yaml:"backoff"`
	ReceiveWait       time.Duration       `yaml:"receive_wait"`
	VisibilityTimeout time.Duration       `yaml:"visibility_timeout"`
	AssignmentDir     string              `yaml:"assignment_dir"`
}

type SupervisorConfig struct {
	LogDir    string        `yaml:"log_dir"`
	StopGrace time.Duration `yaml:"stop_grace"`
	// InProcess runs workers as goroutines instead of OS processes.
	InProcess bool `yaml:"in_process"`
}

type RenderConfig struct {
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	OutputDir      string        `yaml:"output_dir"`
	CameraCount    int           `yaml:"camera_count"`
	CameraDistance float64       `yaml:"camera_distance"`
	Scale          float64       `yaml:"scale"`
	Engine         string        `yaml:"engine"`
	Timeout        time.Duration `yaml:"timeout"`
}

type DownloadConfig struct {
	Dir     string        `yaml:"dir"`
	Timeout time.Duration `yaml:"timeout"`
}

type LedgerConfig struct {
	Dir string `yaml:"dir"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type QueueConfig struct {
	Backend          string        `yaml:"backend"` // memory | redis | sqlite
	Redis            RedisConfig   `yaml:"redis"`
	SQLite           SQLiteConfig  `yaml:"sqlite"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	SeedFromManifest bool          `yaml:"seed_from_manifest"`
}

type LocalFSConfig struct {
	Root string `yaml:"root"`
}

type GDriveConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	FolderID     string `yaml:"folder_id"`
}

type StorageConfig struct {
	Provider string        `yaml:"provider"` // localfs | gdrive | memory
	LocalFS  LocalFSConfig `yaml:"localfs"`
	GDrive   GDriveConfig  `yaml:"gdrive"`
}

type ReconcilerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	ArtifactGlob string        `yaml:"artifact_glob"`
	MinFileAge   time.Duration `yaml:"min_file_age"`
}

type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Timeout of zero disables the fallback.
	Timeout    time.Duration `yaml:"timeout"`
	DrainGrace time.Duration `yaml:"drain_grace"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	OTLPInsecure bool    `yaml:"otlp_insecure"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the configuration used when a field is absent from the file.
func Defaults() Config {
	return Config{
		Mode:      types.ModeDynamic,
		Manifest:  "input_model_paths.json",
		StateFile: "run.json",
		Topology:  Topology{GPUCount: 1, WorkersPerGPU: 1},
		Partition: PartitionConfig{Policy: "stripe"},
		Worker: WorkerConfig{
			FailureDelay:      2 * time.Second,
			OnFailure:         types.FailureDrop,
			MaxAttempts:       3,
			Backoff:           BackoffConfig{Policy: "exp_full_jitter", Base: 5 * time.Second, Max: 2 * time.Minute},
			ReceiveWait:       20 * time.Second,
			VisibilityTimeout: 120 * time.Second,
			AssignmentDir:     "tmp",
		},
		Supervisor: SupervisorConfig{LogDir: "logs", StopGrace: 30 * time.Second},
		Render: RenderConfig{
			Command:        "blender-3.2.2-linux-x64/blender",
			Args:           []string{"-b", "-P", "scripts/blender_script.py", "--"},
			OutputDir:      "views",
			CameraCount:    12,
			CameraDistance: 1.2,
			Scale:          0.8,
		},
		Download: DownloadConfig{Dir: "tmp/downloads", Timeout: 5 * time.Minute},
		Ledger:   LedgerConfig{Dir: "progress"},
		Queue: QueueConfig{
			Backend:      "sqlite",
			Redis:        RedisConfig{Addr: "localhost:6379", Prefix: "objaverse"},
			SQLite:       SQLiteConfig{Path: "queue.db"},
			PollInterval: 500 * time.Millisecond,
		},
		Storage: StorageConfig{
			Provider: "localfs",
			LocalFS:  LocalFSConfig{Root: "uploads"},
		},
		Reconciler: ReconcilerConfig{
			Enabled:      true,
			Interval:     100 * time.Second,
			ArtifactGlob: "*.png",
			MinFileAge:   2 * time.Second,
		},
		Monitor: MonitorConfig{Interval: 10 * time.Second},
		Metrics: MetricsConfig{Enabled: false, Port: 9090},
		Tracing: TracingConfig{ServiceName: "objaverse-render", SampleRatio: 1},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path on top of Defaults, applies environment
// overrides and validates the result. An empty path uses defaults only.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OBJAVERSE_MODE"); v != "" {
		c.Mode = types.Mode(v)
	}
	if v := os.Getenv("OBJAVERSE_MANIFEST"); v != "" {
		c.Manifest = v
	}
	if v := os.Getenv("GPU_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Topology.GPUCount = n
		}
	}
	if v := os.Getenv("WORKERS_PER_GPU"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Topology.WorkersPerGPU = n
		}
	}
	if v := os.Getenv("QUEUE_BACKEND"); v != "" {
		c.Queue.Backend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Queue.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Queue.Redis.Password = v
	}
	if v := os.Getenv("SQLITE_QUEUE_PATH"); v != "" {
		c.Queue.SQLite.Path = v
	}
	if v := os.Getenv("STORAGE_PROVIDER"); v != "" {
		c.Storage.Provider = v
	}
	if v := os.Getenv("GDRIVE_CLIENT_ID"); v != "" {
		c.Storage.GDrive.ClientID = v
	}
	if v := os.Getenv("GDRIVE_CLIENT_SECRET"); v != "" {
		c.Storage.GDrive.ClientSecret = v
	}
	if v := os.Getenv("GDRIVE_REFRESH_TOKEN"); v != "" {
		c.Storage.GDrive.RefreshToken = v
	}
	if v := os.Getenv("GDRIVE_FOLDER_ID"); v != "" {
		c.Storage.GDrive.FolderID = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.Mode {
	case types.ModeStatic, types.ModeDynamic:
	default:
		errs = append(errs, fmt.Sprintf("mode must be static or dynamic, got %q", c.Mode))
	}
	if err := c.Topology.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	switch c.Partition.Policy {
	case "", "stripe", "block":
	default:
		errs = append(errs, fmt.Sprintf("partition.policy must be stripe or block, got %q", c.Partition.Policy))
	}
	switch c.Worker.OnFailure {
	case types.FailureDrop, types.FailureRequeue:
	default:
		errs = append(errs, fmt.Sprintf("worker.on_failure must be drop or requeue_with_backoff, got %q", c.Worker.OnFailure))
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, "worker.max_attempts must be >= 1")
	}
	if c.Worker.VisibilityTimeout <= 0 {
		errs = append(errs, "worker.visibility_timeout must be positive")
	}
	if c.Worker.ReceiveWait < 0 {
		errs = append(errs, "worker.receive_wait must not be negative")
	}
	if c.Render.CameraCount < 1 {
		errs = append(errs, "render.camera_count must be >= 1")
	}
	if strings.TrimSpace(c.Render.Command) == "" {
		errs = append(errs, "render.command is required")
	}
	switch c.Queue.Backend {
	case "memory", "redis", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("queue.backend must be memory, redis or sqlite, got %q", c.Queue.Backend))
	}
	if c.Mode == types.ModeDynamic && c.Queue.Backend == "memory" && !c.Supervisor.InProcess {
		errs = append(errs, "queue.backend memory is only visible to in-process workers; set supervisor.in_process or use redis or sqlite")
	}
	switch c.Storage.Provider {
	case "localfs", "memory":
	case "gdrive":
		if c.Storage.GDrive.ClientID == "" || c.Storage.GDrive.ClientSecret == "" || c.Storage.GDrive.RefreshToken == "" {
			errs = append(errs, "storage.gdrive requires client_id, client_secret and refresh_token")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.provider must be localfs, gdrive or memory, got %q", c.Storage.Provider))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, "monitor.interval must be positive")
	}
	if c.Reconciler.Enabled && c.Reconciler.Interval <= 0 {
		errs = append(errs, "reconciler.interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DrainGrace returns how long the queue must stay empty before a dynamic run
// is considered finished. It is never shorter than the visibility timeout so
// that in-flight messages of a dead worker have a chance to reappear.
func (c *Config) DrainGrace() time.Duration {
	if c.Monitor.DrainGrace < c.Worker.VisibilityTimeout {
		return c.Worker.VisibilityTimeout
	}
	return c.Monitor.DrainGrace
}
