package ledger

// ============================================================================
// Ledger Error Definitions
// Purpose: Define all ledger-related error types
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrLedgerFull indicates an append would push num_finished past total.
	ErrLedgerFull = errors.New("ledger: num_finished would exceed total")

	// ErrLedgerClosed indicates the writer is closed, cannot perform operation.
	ErrLedgerClosed = errors.New("ledger: already closed")

	// ErrBadHeader indicates the file exists but does not start with the expected header.
	ErrBadHeader = errors.New("ledger: unexpected header")

	// ErrInvalidJob indicates a job identifier that cannot be stored on one line.
	ErrInvalidJob = errors.New("ledger: job identifier contains a line break")

	// ErrSyncFailed indicates fsync failed; the row may not be durable.
	ErrSyncFailed = errors.New("ledger: sync to disk failed")
)

// ParseError reports a complete line that could not be decoded.
type ParseError struct {
	Path string
	Line int // 1-based, header is line 1
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ledger: %s line %d: %v", e.Path, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
