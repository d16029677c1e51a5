package ledger

// ============================================================================
// Append-only CSV file
// Responsibility:
// 1. Open or resume a CSV file with a fixed header
// 2. Drop a trailing partial line left by a crash before appending
// 3. Write one record per call and fsync before returning
// ============================================================================

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// FileInterface is the subset of *os.File the ledger writes through, so
// tests can inject write and sync failures.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Truncate(size int64) error
	Close() error
}

type csvFile struct {
	file FileInterface
	path string
	size int64 // bytes of complete lines on disk
}

// openCSV opens path for appending. Existing complete rows (header excluded)
// are returned so the caller can rebuild its state.
func openCSV(path, header string) (*csvFile, [][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, err
	}
	complete := completePrefix(data)

	rows, err := parseRows(path, header, data[:complete])
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	c := &csvFile{file: f, path: path, size: int64(complete)}

	if complete < len(data) {
		if err := f.Truncate(int64(complete)); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("ledger: drop partial tail of %s: %w", path, err)
		}
	}
	if complete == 0 {
		if err := c.writeLine([]byte(header + "\n")); err != nil {
			f.Close()
			return nil, nil, err
		}
	}
	return c, rows, nil
}

// appendRecord encodes fields as one CSV line, writes it with a single call
// and syncs. On failure the file is truncated back to its last good size.
func (c *csvFile) appendRecord(fields []string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fields); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return c.writeLine(buf.Bytes())
}

func (c *csvFile) writeLine(line []byte) error {
	if _, err := c.file.Write(line); err != nil {
		_ = c.file.Truncate(c.size)
		return fmt.Errorf("ledger: write %s: %w", c.path, err)
	}
	if err := c.file.Sync(); err != nil {
		_ = c.file.Truncate(c.size)
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	c.size += int64(len(line))
	return nil
}

func (c *csvFile) close() error {
	return c.file.Close()
}

// completePrefix returns the length of data up to and including its last
// newline.
func completePrefix(data []byte) int {
	return bytes.LastIndexByte(data, '\n') + 1
}

// parseRows decodes complete lines. data must end on a newline or be empty.
func parseRows(path, header string, data []byte) ([][]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if strings.TrimRight(lines[0], "\r") != header {
		return nil, fmt.Errorf("%w in %s: %q", ErrBadHeader, path, lines[0])
	}
	rows := make([][]string, 0, len(lines)-1)
	for i, line := range lines[1:] {
		if line == "" {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			return nil, &ParseError{Path: path, Line: i + 2, Err: err}
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

func parseLine(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	rec, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty record")
	}
	return rec, err
}
