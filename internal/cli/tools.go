package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/allenai/objaverse-rendering/internal/config"
	"github.com/allenai/objaverse-rendering/internal/jobsource"
	"github.com/allenai/objaverse-rendering/internal/ledger"
	"github.com/allenai/objaverse-rendering/internal/metrics"
	"github.com/allenai/objaverse-rendering/internal/plan"
	"github.com/allenai/objaverse-rendering/internal/reconciler"
	"github.com/allenai/objaverse-rendering/internal/runstate"
	"github.com/allenai/objaverse-rendering/internal/storage"
	"github.com/allenai/objaverse-rendering/pkg/types"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newProgressBar(w io.Writer, max int, desc string) *progressbar.ProgressBar {
	if !isTerminal(w) {
		w = io.Discard
	}
	return progressbar.NewOptions(max,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWidth(18),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// ============================================================================
// enqueue
// ============================================================================

func buildEnqueueCommand() *cobra.Command {
	var file string
	var batch int

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Send the jobs of a manifest to the queue",
		Long:  "Read a JSON array of model paths or URLs and send them to the configured queue in batches.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if file == "" {
				file = cfg.Manifest
			}
			return enqueueJobs(cmd.Context(), cmd.OutOrStdout(), cfg.Queue, file, batch)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "manifest file (default: the config manifest)")
	cmd.Flags().IntVar(&batch, "batch", jobsource.DefaultSeedBatch, "jobs per send")

	return cmd
}

func enqueueJobs(ctx context.Context, out io.Writer, qcfg config.QueueConfig, file string, batch int) error {
	if qcfg.Backend == "memory" {
		return errors.New("enqueue needs a shared queue backend (redis or sqlite)")
	}
	jobs, err := jobsource.LoadManifest(file)
	if err != nil {
		return err
	}
	q, err := jobsource.Open(ctx, qcfg)
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	defer q.Close()

	ui := newUI()
	bar := newProgressBar(out, len(jobs), "Enqueueing")
	n, err := jobsource.Seed(ctx, q, jobs, batch, func(k int) { _ = bar.Add(k) })
	_ = bar.Finish()
	if err != nil {
		return fmt.Errorf("enqueued %d of %d jobs: %w", n, len(jobs), err)
	}
	fmt.Fprintf(out, "%s Enqueued %d jobs from %s\n", ui.ok("[OK]"), n, file)
	return nil
}

// ============================================================================
// reconcile
// ============================================================================

func buildReconcileCommand() *cobra.Command {
	var numFiles int
	var once bool
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Upload rendered frames and delete finished artifact sets",
		Long: `Run the reconciler on its own: upload every frame under the render output
directory, delete a job's directory once all of its frames are uploaded, and
repeat until --num-files files were uploaded (0 runs until interrupted).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd.Context(), serviceName+"-reconciler")
			if err != nil {
				return err
			}
			defer env.close()

			store, err := storage.New(cmd.Context(), env.cfg.Storage)
			if err != nil {
				return err
			}
			r := newReconciler(env.cfg, store, env.logger)
			if interval <= 0 {
				interval = env.cfg.Reconciler.Interval
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			if once {
				rep, err := r.Pass(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s Uploaded %d files, deleted %d sets, %d failed\n",
					newUI().ok("[OK]"), rep.Uploaded, rep.Deleted, rep.Failed)
				return nil
			}

			max := numFiles
			if max <= 0 {
				max = -1
			}
			bar := newProgressBar(out, max, "Uploading")
			sink := metrics.LogSink{Logger: env.logger}
			err = reconcileUntil(ctx, r, numFiles, interval, func(rep reconciler.Report) {
				_ = bar.Set(r.Uploaded())
				_ = sink.Report(ctx, map[string]float64{metrics.UploadedFiles: float64(r.Uploaded())})
			})
			_ = bar.Finish()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().IntVar(&numFiles, "num-files", 0, "stop after this many files were uploaded")
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between passes (default: reconciler.interval)")

	return cmd
}

func newReconciler(cfg *config.Config, store storage.Provider, logger *slog.Logger) *reconciler.Reconciler {
	return reconciler.New(store, nil, reconciler.Options{
		Root:        cfg.Render.OutputDir,
		Glob:        cfg.Reconciler.ArtifactGlob,
		CameraCount: cfg.Render.CameraCount,
		MinFileAge:  cfg.Reconciler.MinFileAge,
		Logger:      logger,
	})
}

// reconcileUntil runs passes every interval until target uploads were made
// (target <= 0 means never) or ctx ends. The first pass runs immediately.
func reconcileUntil(ctx context.Context, r *reconciler.Reconciler, target int, interval time.Duration, onPass func(reconciler.Report)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rep, err := r.Pass(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if onPass != nil {
			onPass(rep)
		}
		if target > 0 && r.Uploaded() >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of the last run",
		Long:  "Describe the last run from its run state file, the worker ledgers and, for shared queues, the queue depth.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
	return cmd
}

func showStatus(ctx context.Context, out io.Writer, cfg *config.Config) error {
	ui := newUI()

	fmt.Fprintln(out, ui.title("objaverse-render status"))
	fmt.Fprintln(out)

	state, err := runstate.NewManager(cfg.StateFile).Load()
	switch {
	case errors.Is(err, runstate.ErrStateNotFound):
		fmt.Fprintf(out, "Run:       %s\n", ui.dim("no run recorded in "+cfg.StateFile))
	case err != nil:
		return err
	default:
		printRunState(out, ui, state)
	}

	workers := cfg.Topology.Workers()
	if err == nil && state.Workers > 0 {
		workers = state.Workers
	}
	sum, err := ledger.Aggregate(cfg.Ledger.Dir, workers)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, ui.title("Workers"))
	for i, e := range sum.PerWorker {
		last := string(e.LastJob)
		if last == "" {
			last = "-"
		}
		fmt.Fprintf(out, "  %-3d finished %-6d last %s\n", i, e.Finished, ui.dim(last))
	}
	fmt.Fprintf(out, "  total finished %s, failed %s\n",
		ui.ok(sum.Finished), failedColor(ui, sum.Failed))

	if cfg.Mode == types.ModeDynamic && cfg.Queue.Backend != "memory" {
		qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		q, err := jobsource.Open(qctx, cfg.Queue)
		if err != nil {
			fmt.Fprintf(out, "  queue     %s\n", ui.warn("unreachable: "+err.Error()))
			return nil
		}
		defer q.Close()
		n, err := q.ApproximateCount(qctx)
		if err != nil {
			fmt.Fprintf(out, "  queue     %s\n", ui.warn(err.Error()))
			return nil
		}
		fmt.Fprintf(out, "  queue     %d visible\n", n)
	}
	return nil
}

func failedColor(ui *ui, n int) string {
	if n > 0 {
		return ui.err(n)
	}
	return ui.ok(n)
}

func printRunState(out io.Writer, ui *ui, s types.RunState) {
	status := string(s.Status)
	switch s.Status {
	case types.RunCompleted:
		status = ui.ok(status)
	case types.RunRunning:
		status = ui.info(status)
	case types.RunFailed:
		status = ui.err(status)
	default:
		status = ui.warn(status)
	}
	fmt.Fprintf(out, "Run:       %s (%s, %d workers)\n", s.RunID, s.Mode, s.Workers)
	fmt.Fprintf(out, "Status:    %s\n", status)
	total := "unknown"
	if s.Total > 0 {
		total = fmt.Sprintf("%d (%.1f%%)", s.Total, 100*float64(s.Finished)/float64(s.Total))
	}
	fmt.Fprintf(out, "Jobs:      %d finished, %d failed of %s\n", s.Finished, s.Failed, total)
	fmt.Fprintf(out, "Uploaded:  %d files\n", s.Uploaded)
	if !s.StartedAt.IsZero() {
		end := s.FinishedAt
		if end.IsZero() {
			end = time.Now()
		}
		fmt.Fprintf(out, "Elapsed:   %s\n", end.Sub(s.StartedAt).Round(time.Second))
	}
}

// ============================================================================
// plan
// ============================================================================

func buildPlanCommand() *cobra.Command {
	var input, output string
	var opts plan.Options

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Write a manifest of the jobs still missing from remote storage",
		Long: `Optionally shuffle the input manifest with a fixed seed, take the
[--start, --end) slice and drop every job whose artifact set is already
complete in remote storage (camera_count objects under "<uid>/").`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if output == "" {
				output = cfg.Manifest
			}
			store, err := storage.New(cmd.Context(), cfg.Storage)
			if err != nil {
				return err
			}
			opts.CameraCount = cfg.Render.CameraCount
			out := cmd.OutOrStdout()
			stopSpin := startSpinner(out, "Listing remote objects...")
			rep, err := planManifest(cmd.Context(), store, input, output, opts)
			stopSpin()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Wrote %d jobs to %s (%d selected, %d already complete)\n",
				newUI().ok("[OK]"), rep.Output, output, rep.Selected, rep.Complete)
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "input manifest")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output manifest (default: the config manifest)")
	cmd.Flags().IntVar(&opts.Start, "start", 0, "first index of the slice")
	cmd.Flags().IntVar(&opts.End, "end", -1, "end of the slice, exclusive (-1: end of input)")
	cmd.Flags().BoolVar(&opts.Shuffle, "shuffle", false, "shuffle before slicing")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 42, "shuffle seed")
	cmd.MarkFlagRequired("input")

	return cmd
}

func planManifest(ctx context.Context, store storage.Provider, input, output string, opts plan.Options) (plan.Report, error) {
	jobs, err := jobsource.LoadManifest(input)
	if err != nil {
		return plan.Report{}, err
	}
	selected, rep, err := plan.Build(ctx, store, jobs, opts)
	if err != nil {
		return rep, err
	}
	if err := jobsource.WriteManifest(output, selected); err != nil {
		return rep, err
	}
	return rep, nil
}
