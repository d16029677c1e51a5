// ============================================================================
// objaverse-render Progress Ledger
// ============================================================================
//
// Package: internal/ledger
// File: progress.go
// Purpose: Per-worker durable record of completed jobs
//
// File format (progress/<worker>.csv):
//   num_finished,total,object_path,time
//   1,3,models/a.glb,41.207
//   2,3,models/b.glb,83.990
//
// Write contract:
//   - one row per job whose artifact set is verified on local disk
//   - the row is fsync'd before Append returns
//   - num_finished increases by exactly one per row
//   - num_finished never exceeds total when total > 0 (total 0 = unknown,
//     used by queue-fed workers)
//
// Restart:
//   OpenWriter resumes an existing file: it drops a trailing partial line,
//   continues the count, and exposes the completed set so a static worker
//   can skip jobs it already finished.
//
// Readers (monitor, status) never lock; see reader.go.
//
// ============================================================================

package ledger

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/allenai/objaverse-rendering/pkg/types"
)

// Header is the first line of every progress ledger.
const Header = "num_finished,total,object_path,time"

// Path returns the progress ledger file for worker.
func Path(dir string, worker int) string {
	return filepath.Join(dir, fmt.Sprintf("%d.csv", worker))
}

// Writer appends to one worker's progress ledger. It is the only writer of
// that file.
type Writer struct {
	mu        sync.Mutex
	out       *csvFile
	worker    int
	total     int
	finished  int
	last      types.ProgressEntry
	completed map[types.JobID]bool
	closed    bool
}

// OpenWriter creates or resumes the ledger of worker under dir.
func OpenWriter(dir string, worker, total int) (*Writer, error) {
	if err := mkdir(dir); err != nil {
		return nil, err
	}
	out, rows, err := openCSV(Path(dir, worker), Header)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		out:       out,
		worker:    worker,
		total:     total,
		completed: make(map[types.JobID]bool, len(rows)),
	}
	for i, rec := range rows {
		entry, err := decodeProgress(worker, rec)
		if err != nil {
			out.close()
			return nil, &ParseError{Path: out.path, Line: i + 2, Err: err}
		}
		w.completed[entry.LastJob] = true
		w.last = entry
	}
	w.finished = w.last.Finished
	if total > 0 && w.finished > total {
		out.close()
		return nil, fmt.Errorf("%w: %s already records %d of %d", ErrLedgerFull, out.path, w.finished, total)
	}
	return w, nil
}

// Append records job as finished after elapsed and returns the new row.
func (w *Writer) Append(job types.JobID, elapsed time.Duration) (types.ProgressEntry, error) {
	if strings.ContainsAny(string(job), "\r\n") {
		return types.ProgressEntry{}, ErrInvalidJob
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return types.ProgressEntry{}, ErrLedgerClosed
	}
	if w.total > 0 && w.finished >= w.total {
		return types.ProgressEntry{}, ErrLedgerFull
	}

	entry := types.ProgressEntry{
		WorkerID: w.worker,
		Finished: w.finished + 1,
		Total:    w.total,
		LastJob:  job,
		Elapsed:  elapsed,
	}
	if err := w.out.appendRecord(encodeProgress(entry)); err != nil {
		return types.ProgressEntry{}, err
	}

	w.finished = entry.Finished
	w.last = entry
	w.completed[job] = true
	return entry, nil
}

// Completed reports whether job already has a row in this ledger.
func (w *Writer) Completed(job types.JobID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.completed[job]
}

// Finished returns the current num_finished.
func (w *Writer) Finished() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finished
}

// Last returns the most recent row, or the zero entry.
func (w *Writer) Last() types.ProgressEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Path returns the file this writer appends to.
func (w *Writer) Path() string { return w.out.path }

// Close closes the file. A closed writer must not be reused.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.out.close()
}

func encodeProgress(e types.ProgressEntry) []string {
	return []string{
		strconv.Itoa(e.Finished),
		strconv.Itoa(e.Total),
		string(e.LastJob),
		strconv.FormatFloat(e.Elapsed.Seconds(), 'f', 3, 64),
	}
}

func decodeProgress(worker int, rec []string) (types.ProgressEntry, error) {
	if len(rec) != 4 {
		return types.ProgressEntry{}, fmt.Errorf("want 4 fields, got %d", len(rec))
	}
	finished, err := strconv.Atoi(rec[0])
	if err != nil {
		return types.ProgressEntry{}, fmt.Errorf("num_finished: %w", err)
	}
	total, err := strconv.Atoi(rec[1])
	if err != nil {
		return types.ProgressEntry{}, fmt.Errorf("total: %w", err)
	}
	secs, err := strconv.ParseFloat(rec[3], 64)
	if err != nil {
		return types.ProgressEntry{}, fmt.Errorf("time: %w", err)
	}
	return types.ProgressEntry{
		WorkerID: worker,
		Finished: finished,
		Total:    total,
		LastJob:  types.JobID(rec[2]),
		Elapsed:  time.Duration(secs * float64(time.Second)),
	}, nil
}
