// ============================================================================
// objaverse-render Reconciler
// ============================================================================
//
// Package: internal/reconciler
// File: reconciler.go
// Purpose: Upload rendered frames and free local disk once a job is safe
//
// Each pass:
//   1. Snapshot <root>/*/<glob>
//   2. Upload every file the ledger has not seen (or whose size/mtime changed
//      since it was uploaded) as "<uid>/<frame>"
//   3. Delete <root>/<uid> only when it holds exactly camera_count files and
//      every one of them is in the ledger with a matching fingerprint
//
// Safety:
//   - A failed upload leaves the file unseen; the next pass retries it
//   - Files younger than min_file_age are left for the next pass, so a frame
//     the renderer is still writing is never uploaded half-done
//   - A directory is never deleted on a count alone: a redelivered job that
//     rewrites its frames changes their fingerprints and blocks deletion
//     until they are uploaded again
//
// Workers write, the reconciler reads and deletes; no lock is shared with
// workers. Artifact directories are disjoint by job uid.
//
// ============================================================================

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/allenai/objaverse-rendering/internal/storage"
	"github.com/allenai/objaverse-rendering/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Fingerprint identifies one version of a local file.
type Fingerprint struct {
	Size    int64
	ModTime time.Time
}

func fingerprintOf(info fs.FileInfo) Fingerprint {
	return Fingerprint{Size: info.Size(), ModTime: info.ModTime()}
}

// UploadLedger remembers which local files were uploaded, and in which
// version. It only grows.
type UploadLedger struct {
	mu    sync.Mutex
	files map[string]Fingerprint
}

func NewUploadLedger() *UploadLedger {
	return &UploadLedger{files: make(map[string]Fingerprint)}
}

// Uploaded reports whether path was uploaded with exactly fp.
func (l *UploadLedger) Uploaded(path string, fp Fingerprint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	got, ok := l.files[path]
	return ok && got.Size == fp.Size && got.ModTime.Equal(fp.ModTime)
}

func (l *UploadLedger) Add(path string, fp Fingerprint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files[path] = fp
}

// Len is the number of distinct local paths ever uploaded.
func (l *UploadLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.files)
}

// Options configure a Reconciler.
type Options struct {
	Root        string // local artifact root, one directory per job uid
	Glob        string // frame file pattern, default "*.png"
	CameraCount int
	MinFileAge  time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Report summarizes one pass.
type Report struct {
	Scanned  int
	Uploaded int
	Failed   int
	Young    int // skipped for being younger than MinFileAge
	Deleted  int // job directories removed
	Errors   []error
}

// Reconciler moves frames from local disk to storage.
type Reconciler struct {
	store  storage.Provider
	ledger *UploadLedger
	opts   Options
	log    *slog.Logger

	mu       sync.Mutex
	uploaded int
}

func New(store storage.Provider, ledger *UploadLedger, opts Options) *Reconciler {
	if ledger == nil {
		ledger = NewUploadLedger()
	}
	if opts.Glob == "" {
		opts.Glob = "*.png"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, ledger: ledger, opts: opts, log: logger.With("component", "reconciler")}
}

// Uploaded is the number of successful uploads across all passes.
func (r *Reconciler) Uploaded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uploaded
}

// Ledger exposes the upload ledger.
func (r *Reconciler) Ledger() *UploadLedger { return r.ledger }

type frame struct {
	path string
	uid  string
	name string
	fp   Fingerprint
}

// Pass runs one upload-then-prune cycle. Upload failures are counted in
// the report and do not fail the pass; only a failure to scan the root does.
func (r *Reconciler) Pass(ctx context.Context) (Report, error) {
	ctx, span := tracing.Tracer().Start(ctx, "reconciler.pass")
	defer span.End()

	var rep Report
	frames, err := r.scan()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return rep, err
	}
	rep.Scanned = len(frames)

	now := r.opts.Now()
	for _, f := range frames {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if r.ledger.Uploaded(f.path, f.fp) {
			continue
		}
		if r.opts.MinFileAge > 0 && now.Sub(f.fp.ModTime) < r.opts.MinFileAge {
			rep.Young++
			continue
		}
		if err := r.upload(ctx, f); err != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, err)
			r.log.Warn("upload failed", "path", f.path, "err", err)
			continue
		}
		rep.Uploaded++
	}

	deleted, err := r.prune(frames)
	rep.Deleted = deleted
	if err != nil {
		rep.Errors = append(rep.Errors, err)
	}

	span.SetAttributes(
		attribute.Int("reconciler.scanned", rep.Scanned),
		attribute.Int("reconciler.uploaded", rep.Uploaded),
		attribute.Int("reconciler.failed", rep.Failed),
		attribute.Int("reconciler.deleted", rep.Deleted),
	)
	if rep.Uploaded > 0 || rep.Failed > 0 || rep.Deleted > 0 {
		r.log.Info("pass complete",
			"scanned", rep.Scanned,
			"uploaded", rep.Uploaded,
			"failed", rep.Failed,
			"young", rep.Young,
			"deleted", rep.Deleted)
	}
	return rep, nil
}

func (r *Reconciler) upload(ctx context.Context, f frame) error {
	ctx, span := tracing.Tracer().Start(ctx, "reconciler.upload", trace.WithAttributes(attribute.String("file.path", f.path)))
	defer span.End()

	key := path.Join(f.uid, f.name)
	if _, err := storage.PutFile(ctx, r.store, f.path, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upload %s: %w", key, err)
	}
	r.ledger.Add(f.path, f.fp)
	r.mu.Lock()
	r.uploaded++
	r.mu.Unlock()
	return nil
}

// scan lists frames under root/*/glob, sorted by path. A missing root is
// empty.
func (r *Reconciler) scan() ([]frame, error) {
	dirs, err := os.ReadDir(r.opts.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan %s: %w", r.opts.Root, err)
	}

	var out []frame
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		uid := d.Name()
		entries, err := os.ReadDir(filepath.Join(r.opts.Root, uid))
		if err != nil {
			// Deleted between the two reads.
			continue
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			if ok, _ := filepath.Match(r.opts.Glob, e.Name()); !ok {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, frame{
				path: filepath.Join(r.opts.Root, uid, e.Name()),
				uid:  uid,
				name: e.Name(),
				fp:   fingerprintOf(info),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

// prune deletes job directories whose full artifact set is uploaded. It
// re-reads each candidate directory so that files written after the scan
// block deletion.
func (r *Reconciler) prune(scanned []frame) (int, error) {
	byUID := make(map[string]int)
	for _, f := range scanned {
		byUID[f.uid]++
	}
	uids := make([]string, 0, len(byUID))
	for uid, n := range byUID {
		if n == r.opts.CameraCount {
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)

	var errs []error
	deleted := 0
	for _, uid := range uids {
		dir := filepath.Join(r.opts.Root, uid)
		if !r.complete(dir) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
			continue
		}
		deleted++
		r.log.Debug("artifact set reconciled", "uid", uid)
	}
	return deleted, errors.Join(errs...)
}

func (r *Reconciler) complete(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	n := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if ok, _ := filepath.Match(r.opts.Glob, e.Name()); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return false
		}
		if !r.ledger.Uploaded(filepath.Join(dir, e.Name()), fingerprintOf(info)) {
			return false
		}
		n++
	}
	return n == r.opts.CameraCount
}

// Run calls Pass every interval until ctx ends, then returns. Pass errors
// are logged and the loop continues.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Pass(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("pass failed", "err", err)
			}
		}
	}
}
