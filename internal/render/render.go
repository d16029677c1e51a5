// ============================================================================
// objaverse-render Render Collaborator
// ============================================================================
//
// Package: internal/render
// File: render.go
// Purpose: Invoke the external renderer for one job and verify its output
//
// The renderer is an external program (Blender by default) that writes
// <output_dir>/<uid>/000.png ... <camera_count-1>.png. This package does not
// render anything itself: it builds the command line, bounds the call with
// an optional timeout, and classifies failures:
//
//   ErrRendererUnavailable  the binary cannot be started -> fatal
//   anything else           non-zero exit, timeout, missing frames -> transient
//
// ============================================================================

package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/allenai/objaverse-rendering/internal/config"
	"github.com/allenai/objaverse-rendering/pkg/types"
)

var (
	// ErrRendererUnavailable means the render command could not be started.
	ErrRendererUnavailable = errors.New("render: renderer unavailable")
	// ErrIncompleteArtifacts means the renderer exited cleanly but the job
	// directory does not hold the expected number of frames.
	ErrIncompleteArtifacts = errors.New("render: incomplete artifact set")
)

// Request describes one render invocation.
type Request struct {
	Job            types.JobID
	ModelPath      string // local file resolved from Job
	OutputDir      string // root; frames go to OutputDir/<uid>/
	CameraCount    int
	CameraDistance float64
	Scale          float64
}

// Renderer produces the artifact set for one job.
type Renderer interface {
	Render(ctx context.Context, req Request) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, req Request) error

func (f RendererFunc) Render(ctx context.Context, req Request) error { return f(ctx, req) }

// ExecRenderer runs an external command per job.
type ExecRenderer struct {
	Command string
	Args    []string // placed before the per-job flags
	Engine  string
	Timeout time.Duration
	Env     []string // appended to the current environment
	Stdout  io.Writer
	Stderr  io.Writer
}

// NewExecRenderer builds an ExecRenderer from configuration.
func NewExecRenderer(cfg config.RenderConfig) *ExecRenderer {
	return &ExecRenderer{
		Command: cfg.Command,
		Args:    append([]string(nil), cfg.Args...),
		Engine:  cfg.Engine,
		Timeout: cfg.Timeout,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
}

// CommandArgs returns the full argument list for req.
func (r *ExecRenderer) CommandArgs(req Request) []string {
	args := append([]string(nil), r.Args...)
	args = append(args,
		"--object_path", req.ModelPath,
		"--output_dir", req.OutputDir,
		"--num_images", strconv.Itoa(req.CameraCount),
		"--camera_dist", strconv.FormatFloat(req.CameraDistance, 'f', -1, 64),
		"--scale", strconv.FormatFloat(req.Scale, 'f', -1, 64),
	)
	if r.Engine != "" {
		args = append(args, "--engine", r.Engine)
	}
	return args
}

func (r *ExecRenderer) Render(ctx context.Context, req Request) error {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Command, r.CommandArgs(req)...)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRendererUnavailable, r.Command, err)
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("render %s: timed out after %s", req.Job, r.Timeout)
		}
		return fmt.Errorf("render %s: %w", req.Job, err)
	}
	return nil
}

// ArtifactDir is the local directory holding job's frames.
func ArtifactDir(outputDir string, job types.JobID) string {
	return filepath.Join(outputDir, job.UID())
}

// CountArtifacts counts regular files in dir whose name matches pattern.
// A missing directory counts as zero.
func CountArtifacts(dir, pattern string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		ok, err := filepath.Match(pattern, e.Name())
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Verify checks that job's directory holds exactly expected frames.
func Verify(outputDir string, job types.JobID, expected int, pattern string) error {
	dir := ArtifactDir(outputDir, job)
	n, err := CountArtifacts(dir, pattern)
	if err != nil {
		return err
	}
	if n != expected {
		return fmt.Errorf("%w: %s has %d of %d", ErrIncompleteArtifacts, dir, n, expected)
	}
	return nil
}
