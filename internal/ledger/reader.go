package ledger

// ============================================================================
// Lock-free ledger readers
// Responsibility:
// 1. Read the last complete row of a progress ledger by scanning backwards
//    from the end of the file
// 2. Treat a missing file, a header-only file or a trailing partial line as
//    "not yet observed" instead of failing
// 3. Aggregate all workers for the monitor and the coordinator
// ============================================================================

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/allenai/objaverse-rendering/pkg/types"
)

const tailChunk = 4096

// ReadLast returns the last complete row of worker's ledger. The zero entry
// (with WorkerID set) is returned when nothing has been recorded yet.
func ReadLast(dir string, worker int) (types.ProgressEntry, error) {
	empty := types.ProgressEntry{WorkerID: worker}
	path := Path(dir, worker)

	line, err := lastCompleteLine(path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return empty, err
	}
	if line == "" || line == Header {
		return empty, nil
	}
	rec, err := parseLine(line)
	if err != nil {
		return empty, &ParseError{Path: path, Line: -1, Err: err}
	}
	entry, err := decodeProgress(worker, rec)
	if err != nil {
		return empty, &ParseError{Path: path, Line: -1, Err: err}
	}
	return entry, nil
}

// ReadAll returns every complete row of worker's ledger in file order.
func ReadAll(dir string, worker int) ([]types.ProgressEntry, error) {
	path := Path(dir, worker)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	rows, err := parseRows(path, Header, data[:completePrefix(data)])
	if err != nil {
		return nil, err
	}
	out := make([]types.ProgressEntry, 0, len(rows))
	for i, rec := range rows {
		e, err := decodeProgress(worker, rec)
		if err != nil {
			return nil, &ParseError{Path: path, Line: i + 2, Err: err}
		}
		out = append(out, e)
	}
	return out, nil
}

// Completed returns the set of jobs recorded in the ledgers of workers
// 0..workers-1.
func Completed(dir string, workers int) (map[types.JobID]bool, error) {
	done := make(map[types.JobID]bool)
	for i := 0; i < workers; i++ {
		rows, err := ReadAll(dir, i)
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
		for _, r := range rows {
			done[r.LastJob] = true
		}
	}
	return done, nil
}

// CountFailures returns the number of complete rows in worker's failure
// ledger.
func CountFailures(dir string, worker int) (int, error) {
	data, err := os.ReadFile(FailurePath(dir, worker))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	n := bytes.Count(data[:completePrefix(data)], []byte{'\n'})
	if n > 0 {
		n-- // header
	}
	return n, nil
}

// Summary is the aggregate view over all workers' ledgers.
type Summary struct {
	Finished  int
	Failed    int
	PerWorker []types.ProgressEntry
}

// Aggregate reads the ledgers of workers 0..workers-1.
func Aggregate(dir string, workers int) (Summary, error) {
	s := Summary{PerWorker: make([]types.ProgressEntry, 0, workers)}
	for i := 0; i < workers; i++ {
		e, err := ReadLast(dir, i)
		if err != nil {
			return s, fmt.Errorf("worker %d: %w", i, err)
		}
		f, err := CountFailures(dir, i)
		if err != nil {
			return s, fmt.Errorf("worker %d failures: %w", i, err)
		}
		s.Finished += e.Finished
		s.Failed += f
		s.PerWorker = append(s.PerWorker, e)
	}
	return s, nil
}

// lastCompleteLine scans backwards from the end of path in growing chunks
// until it has seen the newline that terminates the last complete line and
// the one before it (or the start of the file).
func lastCompleteLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := st.Size()

	for window := int64(tailChunk); ; window *= 2 {
		if window > size {
			window = size
		}
		buf := make([]byte, window)
		if _, err := f.ReadAt(buf, size-window); err != nil && err != io.EOF {
			return "", err
		}
		fromStart := window == size

		end := bytes.LastIndexByte(buf, '\n')
		if end < 0 {
			if fromStart {
				return "", nil
			}
			continue
		}
		body := buf[:end]
		start := bytes.LastIndexByte(body, '\n')
		if start < 0 && !fromStart {
			continue
		}
		return string(bytes.TrimRight(body[start+1:], "\r")), nil
	}
}
