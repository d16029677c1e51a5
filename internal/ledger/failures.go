package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/allenai/objaverse-rendering/pkg/types"
)

// FailureHeader is the first line of every failure ledger.
const FailureHeader = "object_path,attempts,error,time"

// FailurePath returns the terminal-failure ledger file for worker.
func FailurePath(dir string, worker int) string {
	return filepath.Join(dir, fmt.Sprintf("%d.failed.csv", worker))
}

// FailureWriter records jobs a worker gave up on. Rows here never count as
// finished; they let the monitor treat the job as accounted for.
type FailureWriter struct {
	mu     sync.Mutex
	out    *csvFile
	worker int
	failed map[types.JobID]bool
	count  int
	closed bool
}

// OpenFailureWriter creates or resumes the failure ledger of worker.
func OpenFailureWriter(dir string, worker int) (*FailureWriter, error) {
	if err := mkdir(dir); err != nil {
		return nil, err
	}
	out, rows, err := openCSV(FailurePath(dir, worker), FailureHeader)
	if err != nil {
		return nil, err
	}
	w := &FailureWriter{out: out, worker: worker, failed: make(map[types.JobID]bool, len(rows))}
	for _, rec := range rows {
		if len(rec) > 0 {
			w.failed[types.JobID(rec[0])] = true
			w.count++
		}
	}
	return w, nil
}

// Append records a terminal failure for job.
func (w *FailureWriter) Append(job types.JobID, attempts int, cause error) (types.FailureEntry, error) {
	if strings.ContainsAny(string(job), "\r\n") {
		return types.FailureEntry{}, ErrInvalidJob
	}
	msg := ""
	if cause != nil {
		msg = strings.NewReplacer("\r", " ", "\n", " ").Replace(cause.Error())
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return types.FailureEntry{}, ErrLedgerClosed
	}

	entry := types.FailureEntry{
		WorkerID: w.worker,
		Job:      job,
		Attempts: attempts,
		Error:    msg,
		At:       time.Now().UTC(),
	}
	rec := []string{string(job), strconv.Itoa(attempts), msg, entry.At.Format(time.RFC3339)}
	if err := w.out.appendRecord(rec); err != nil {
		return types.FailureEntry{}, err
	}
	w.failed[job] = true
	w.count++
	return entry, nil
}

// Failed reports whether job already has a row in this ledger.
func (w *FailureWriter) Failed(job types.JobID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed[job]
}

// Count returns the number of rows.
func (w *FailureWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *FailureWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.out.close()
}

func mkdir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("ledger: create %s: %w", dir, err)
	}
	return nil
}
