package jobsource

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/allenai/objaverse-rendering/pkg/types"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteQueue is a file-backed queue that several worker processes on the
// same host can share. Each claim is a single UPDATE ... RETURNING, so two
// processes never lease the same message.
type SQLiteQueue struct {
	db   *sql.DB
	opts options
}

// OpenSQLite opens (creating if needed) the queue database at path.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteQueue, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	// PRAGMAs are per connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrTransport, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteQueue{db: db, opts: applyOptions(opts)}, nil
}

func (q *SQLiteQueue) Send(ctx context.Context, jobs ...types.JobID) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: send: %v", ErrTransport, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO queue_messages (id, body, visible_at) VALUES (?, ?, 0)`)
	if err != nil {
		return fmt.Errorf("%w: send: %v", ErrTransport, err)
	}
	defer stmt.Close()

	for _, job := range jobs {
		if _, err := stmt.ExecContext(ctx, uuid.NewString(), string(job)); err != nil {
			return fmt.Errorf("%w: send: %v", ErrTransport, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: send: %v", ErrTransport, err)
	}
	return nil
}

func (q *SQLiteQueue) Receive(ctx context.Context, wait, visibility time.Duration) (*types.QueueMessage, error) {
	return pollReceive(ctx, wait, q.opts.poll, func() (*types.QueueMessage, error) {
		return q.tryReceive(ctx, visibility)
	})
}

func (q *SQLiteQueue) tryReceive(ctx context.Context, visibility time.Duration) (*types.QueueMessage, error) {
	now := q.opts.now()
	until := now.Add(visibility)
	receipt := uuid.NewString()

	var (
		id    string
		body  string
		count int
	)
	err := q.db.QueryRowContext(ctx, `
UPDATE queue_messages
SET visible_at = ?, receipt = ?, receive_count = receive_count + 1
WHERE seq = (
    SELECT seq FROM queue_messages WHERE visible_at <= ? ORDER BY seq LIMIT 1
)
RETURNING id, body, receive_count`,
		until.UnixMilli(), receipt, now.UnixMilli(),
	).Scan(&id, &body, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: receive: %v", ErrTransport, err)
	}
	return &types.QueueMessage{
		Job:          types.JobID(body),
		Handle:       makeHandle(id, receipt),
		ReceiveCount: count,
		VisibleUntil: time.UnixMilli(until.UnixMilli()),
	}, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, handle string) error {
	id, receipt, err := splitHandle(handle)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ? AND receipt = ?`, id, receipt)
	return checkOwned(res, err, "ack")
}

func (q *SQLiteQueue) Requeue(ctx context.Context, handle string, delay time.Duration) error {
	id, receipt, err := splitHandle(handle)
	if err != nil {
		return err
	}
	at := q.opts.now().Add(delay).UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_messages SET visible_at = ?, receipt = NULL WHERE id = ? AND receipt = ?`,
		at, id, receipt)
	return checkOwned(res, err, "requeue")
}

func checkOwned(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransport, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransport, op, err)
	}
	if n == 0 {
		return ErrStaleReceipt
	}
	return nil
}

func (q *SQLiteQueue) ApproximateCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_messages WHERE visible_at <= ?`, q.opts.now().UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrTransport, err)
	}
	return n, nil
}

func (q *SQLiteQueue) Ping(ctx context.Context) error {
	if err := q.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrTransport, err)
	}
	return nil
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
