package jobsource

import (
	"context"
	"sync"
	"time"

	"github.com/allenai/objaverse-rendering/pkg/types"
	"github.com/google/uuid"
)

// MemoryQueue keeps messages in a map guarded by one mutex. Visibility is
// tracked per message; the oldest visible message is delivered first.
type MemoryQueue struct {
	mu     sync.Mutex
	opts   options
	seq    int64
	msgs   map[string]*memMessage
	closed bool
}

type memMessage struct {
	id        string
	job       types.JobID
	seq       int64
	visibleAt time.Time
	receipt   string
	receives  int
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue(opts ...Option) *MemoryQueue {
	return &MemoryQueue{
		opts: applyOptions(opts),
		msgs: make(map[string]*memMessage),
	}
}

func (q *MemoryQueue) Send(ctx context.Context, jobs ...types.JobID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	for _, job := range jobs {
		q.seq++
		id := uuid.NewString()
		q.msgs[id] = &memMessage{id: id, job: job, seq: q.seq}
	}
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, wait, visibility time.Duration) (*types.QueueMessage, error) {
	return pollReceive(ctx, wait, q.opts.poll, func() (*types.QueueMessage, error) {
		return q.tryReceive(visibility)
	})
}

func (q *MemoryQueue) tryReceive(visibility time.Duration) (*types.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	now := q.opts.now()
	var pick *memMessage
	for _, m := range q.msgs {
		if m.visibleAt.After(now) {
			continue
		}
		if pick == nil || m.seq < pick.seq {
			pick = m
		}
	}
	if pick == nil {
		return nil, nil
	}

	pick.receipt = uuid.NewString()
	pick.receives++
	pick.visibleAt = now.Add(visibility)
	return &types.QueueMessage{
		Job:          pick.job,
		Handle:       makeHandle(pick.id, pick.receipt),
		ReceiveCount: pick.receives,
		VisibleUntil: pick.visibleAt,
	}, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, handle string) error {
	id, receipt, err := splitHandle(handle)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	m, ok := q.msgs[id]
	if !ok || m.receipt != receipt {
		return ErrStaleReceipt
	}
	delete(q.msgs, id)
	return nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, handle string, delay time.Duration) error {
	id, receipt, err := splitHandle(handle)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	m, ok := q.msgs[id]
	if !ok || m.receipt != receipt {
		return ErrStaleReceipt
	}
	m.receipt = ""
	m.visibleAt = q.opts.now().Add(delay)
	return nil
}

func (q *MemoryQueue) ApproximateCount(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}
	now := q.opts.now()
	var n int64
	for _, m := range q.msgs {
		if !m.visibleAt.After(now) {
			n++
		}
	}
	return n, nil
}

// Len returns all messages, visible or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

func (q *MemoryQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
