// ============================================================================
// objaverse-render CLI
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the coordinator, the worker processes and
//          the standalone tools
//
// Command Structure:
//   objaverse-render
//   ├── run          start a run: partition or seed, launch workers, monitor
//   ├── worker       one worker slot (launched by run, one OS process per slot)
//   ├── enqueue      seed the job queue from a manifest
//   ├── reconcile    upload rendered frames until N files are uploaded
//   ├── status       describe the last run from run.json and the ledgers
//   └── plan         write a manifest of the jobs not yet complete remotely
//
//   Persistent flags:
//     --config, -c   YAML config file (empty: defaults plus environment)
//     --env-file     dotenv file loaded before the config (default .env)
//
// Signal Handling:
//   run and worker stop on SIGINT or SIGTERM. A worker finishes the job in
//   hand and exits; run stops its workers with SIGTERM, waits drain_grace,
//   then kills what is left.
//
// Examples:
//   objaverse-render run -c configs/default.yaml
//   objaverse-render enqueue -f input_model_paths.json
//   objaverse-render plan -i all_paths.json --start 0 --end 10000 --shuffle
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/allenai/objaverse-rendering/internal/config"
	"github.com/allenai/objaverse-rendering/internal/coordinator"
	"github.com/allenai/objaverse-rendering/internal/jobsource"
	"github.com/allenai/objaverse-rendering/internal/logging"
	"github.com/allenai/objaverse-rendering/internal/tracing"
	"github.com/allenai/objaverse-rendering/internal/worker"
	"github.com/allenai/objaverse-rendering/pkg/types"
	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const serviceName = "objaverse-render"

var (
	configFile string
	envFile    string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Render Objaverse models across GPU worker processes",
		Long: `objaverse-render fans a manifest of 3D models out to one worker process per
GPU slot. Each worker renders a model into a set of camera views; a reconciler
uploads finished sets to remote storage and frees local disk.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loadEnvFile(envFile)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildReconcileCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildPlanCommand())

	return rootCmd
}

// loadEnvFile exports the file's variables without overriding ones already
// set. A missing file is not an error.
func loadEnvFile(path string) {
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load env file", "path", path, "err", err)
	}
}

// ============================================================================
// Shared setup
// ============================================================================

type runtimeEnv struct {
	cfg      *config.Config
	logger   *slog.Logger
	shutdown tracing.ShutdownFunc
}

func setup(ctx context.Context, service string) (*runtimeEnv, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.Setup(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: service,
	})
	shutdown, err := tracing.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		return nil, err
	}
	return &runtimeEnv{cfg: cfg, logger: logger, shutdown: shutdown}, nil
}

func (e *runtimeEnv) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.shutdown(ctx); err != nil {
		e.logger.Warn("tracing shutdown failed", "err", err)
	}
}

type ui struct {
	title func(a ...interface{}) string
	ok    func(a ...interface{}) string
	info  func(a ...interface{}) string
	warn  func(a ...interface{}) string
	err   func(a ...interface{}) string
	dim   func(a ...interface{}) string
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

// isTerminal reports whether w is an interactive terminal. Spinners and
// progress bars are only drawn there so that log files stay clean.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// startSpinner draws a spinner on w when it is a terminal. The returned
// func stops it.
func startSpinner(w io.Writer, suffix string) func() {
	if !isTerminal(w) {
		return func() {}
	}
	spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond, spinner.WithWriter(w))
	spin.Suffix = " " + suffix
	spin.Start()
	return spin.Stop
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var mode string
	var inProcess bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a render run and wait for it to finish",
		Long: `Load the manifest, hand jobs to one worker per GPU slot (static partition or
dynamic queue), upload finished frames and stop when every job is accounted
for, the queue drains, the workers exit or the monitor timeout passes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoordinator(cmd, mode, inProcess)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "override the config mode: static or dynamic")
	cmd.Flags().BoolVar(&inProcess, "in-process", false, "run workers as goroutines instead of processes")

	return cmd
}

func runCoordinator(cmd *cobra.Command, mode string, inProcess bool) error {
	env, err := setup(cmd.Context(), serviceName)
	if err != nil {
		return err
	}
	defer env.close()

	cfg := env.cfg
	if mode != "" {
		cfg.Mode = types.Mode(mode)
	}
	if cmd.Flags().Changed("in-process") {
		cfg.Supervisor.InProcess = inProcess
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	ui := newUI()
	c := coordinator.New(cfg, coordinator.Options{ConfigPath: configFile, Logger: env.logger})

	stopSpin := startSpinner(out, "Starting workers...")
	err = c.Start(ctx)
	stopSpin()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s Run %s started: %s mode, %d workers\n",
		ui.ok("[OK]"), c.RunID(), cfg.Mode, cfg.Topology.Workers())
	if port := c.MetricsPort(); port != 0 {
		fmt.Fprintf(out, "%s Metrics on http://localhost:%d/metrics\n", ui.info("[INFO]"), port)
	}

	st, err := c.Wait(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(out, ui.warn("[WARN]"), "Stopping...")
	case err != nil:
		env.logger.Error("wait failed", "err", err)
	default:
		fmt.Fprintf(out, "%s Run finished: %s\n", ui.info("[INFO]"), st.Reason)
	}

	res := c.Stop()
	printRunState(out, ui, res)
	if res.Status == types.RunFailed {
		return fmt.Errorf("run %s failed", res.RunID)
	}
	return nil
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand() *cobra.Command {
	var index, gpu int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one worker slot",
		Long: `Process jobs for one worker slot until its assignment is done (static) or
the queue stays empty for receive_wait (dynamic). Normally launched by run
with DISPLAY and CUDA_VISIBLE_DEVICES already pinned to the slot's GPU.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkerProcess(cmd.Context(), index, gpu)
		},
	}

	cmd.Flags().IntVar(&index, "index", -1, "worker index")
	cmd.Flags().IntVar(&gpu, "gpu", 0, "GPU id")
	cmd.MarkFlagRequired("index")

	return cmd
}

func runWorkerProcess(ctx context.Context, index, gpu int) error {
	if index < 0 {
		return fmt.Errorf("--index must be >= 0, got %d", index)
	}
	env, err := setup(ctx, serviceName+"-worker")
	if err != nil {
		return err
	}
	defer env.close()
	cfg := env.cfg
	logger := env.logger.With("worker", index, "gpu", gpu)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = tracing.WithRemoteParent(ctx, os.Getenv(tracing.EnvTraceParent))

	a := types.WorkerAssignment{WorkerIndex: index, GPU: gpu, Dynamic: cfg.Mode == types.ModeDynamic}
	var q jobsource.Queue
	if a.Dynamic {
		q, err = jobsource.Open(ctx, cfg.Queue)
		if err != nil {
			return fmt.Errorf("worker %d: open queue: %w", index, err)
		}
		defer q.Close()
	}

	r, closeLedgers, err := worker.New(cfg, a, worker.Deps{Queue: q, Logger: logger})
	if err != nil {
		return err
	}
	defer closeLedgers()

	stats, err := r.Run(ctx)
	logger.Info("worker finished",
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"retried", stats.Retried,
		"stale", stats.Stale)
	return err
}
