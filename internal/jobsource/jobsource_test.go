package jobsource

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/allenai/objaverse-rendering/internal/config"
	"github.com/allenai/objaverse-rendering/pkg/types"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Manifest
// ============================================================================

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")
	require.NoError(t, os.WriteFile(path, []byte(`["a.glb", "b/c.glb"]`), 0644))

	jobs, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"a.glb", "b/c.glb"}, jobs)
}

func TestLoadManifestErrors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"malformed":  `["a.glb",`,
		"object":     `{"a": 1}`,
		"null":       `null`,
		"non-string": `["a.glb", 3]`,
		"empty-id":   `["a.glb", "  "]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0644))
			_, err := LoadManifest(path)
			assert.ErrorIs(t, err, ErrInvalidManifest)
		})
	}

	_, err := LoadManifest(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestEmptyManifestIsValid(t *testing.T) {
	jobs, err := ParseManifest([]byte(`[]`))
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestWriteManifestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, WriteManifest(path, []types.JobID{"x.glb", "y.glb"}))
	jobs, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"x.glb", "y.glb"}, jobs)
	assert.NoFileExists(t, path+".tmp")
}

// ============================================================================
// Queue contract, run against every backend
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type queueFactory func(t *testing.T, clock *fakeClock) Queue

func backends() map[string]queueFactory {
	return map[string]queueFactory{
		"memory": func(t *testing.T, clock *fakeClock) Queue {
			return NewMemoryQueue(WithClock(clock.Now))
		},
		"redis": func(t *testing.T, clock *fakeClock) Queue {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return NewRedisQueue(rdb, "test", WithClock(clock.Now))
		},
		"sqlite": func(t *testing.T, clock *fakeClock) Queue {
			q, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"), WithClock(clock.Now))
			require.NoError(t, err)
			return q
		},
	}
}

func TestQueueContract(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			q := factory(t, clock)
			defer q.Close()

			require.NoError(t, q.Ping(ctx))
			require.NoError(t, q.Send(ctx, "a", "b", "c"))

			n, err := q.ApproximateCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)

			// FIFO delivery, each message hidden once received
			ma, err := q.Receive(ctx, 0, 30*time.Second)
			require.NoError(t, err)
			require.NotNil(t, ma)
			assert.Equal(t, types.JobID("a"), ma.Job)
			assert.Equal(t, 1, ma.ReceiveCount)

			mb, err := q.Receive(ctx, 0, 30*time.Second)
			require.NoError(t, err)
			require.NotNil(t, mb)
			assert.Equal(t, types.JobID("b"), mb.Job)

			mc, err := q.Receive(ctx, 0, 30*time.Second)
			require.NoError(t, err)
			require.NotNil(t, mc)
			assert.Equal(t, types.JobID("c"), mc.Job)

			none, err := q.Receive(ctx, 0, 30*time.Second)
			require.NoError(t, err)
			assert.Nil(t, none)

			n, err = q.ApproximateCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)

			// ack is single-use
			require.NoError(t, q.Ack(ctx, ma.Handle))
			assert.ErrorIs(t, q.Ack(ctx, ma.Handle), ErrStaleReceipt)
			require.NoError(t, q.Ack(ctx, mc.Handle))

			// b was never acked: it reappears after its window
			clock.Advance(31 * time.Second)
			n, err = q.ApproximateCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			mb2, err := q.Receive(ctx, 0, 30*time.Second)
			require.NoError(t, err)
			require.NotNil(t, mb2)
			assert.Equal(t, types.JobID("b"), mb2.Job)
			assert.Equal(t, 2, mb2.ReceiveCount)

			// the first consumer lost ownership
			assert.ErrorIs(t, q.Ack(ctx, mb.Handle), ErrStaleReceipt)

			// requeue with delay
			require.NoError(t, q.Requeue(ctx, mb2.Handle, 10*time.Second))
			none, err = q.Receive(ctx, 0, 30*time.Second)
			require.NoError(t, err)
			assert.Nil(t, none)

			clock.Advance(11 * time.Second)
			mb3, err := q.Receive(ctx, 0, 30*time.Second)
			require.NoError(t, err)
			require.NotNil(t, mb3)
			assert.Equal(t, 3, mb3.ReceiveCount)
			assert.ErrorIs(t, q.Requeue(ctx, mb2.Handle, 0), ErrStaleReceipt)
			require.NoError(t, q.Ack(ctx, mb3.Handle))

			n, err = q.ApproximateCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)

			assert.ErrorIs(t, q.Ack(ctx, "garbage"), ErrBadHandle)
		})
	}
}

func TestReceiveWaitsForMessage(t *testing.T) {
	q := NewMemoryQueue(WithPollInterval(5 * time.Millisecond))
	ctx := context.Background()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = q.Send(ctx, "late")
	}()

	start := time.Now()
	msg, err := q.Receive(ctx, 2*time.Second, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, types.JobID("late"), msg.Job)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestReceiveEmptyReturnsAfterWait(t *testing.T) {
	q := NewMemoryQueue(WithPollInterval(10 * time.Millisecond))
	start := time.Now()
	msg, err := q.Receive(context.Background(), 50*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestReceiveHonorsContext(t *testing.T) {
	q := NewMemoryQueue(WithPollInterval(10 * time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := q.Receive(ctx, time.Minute, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedQueue(t *testing.T) {
	q := NewMemoryQueue()
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Send(context.Background(), "a"), ErrQueueClosed)
	_, err := q.Receive(context.Background(), 0, time.Second)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestRedisTransportError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	q := NewRedisQueue(rdb, "test")
	mr.Close()

	_, err := q.Receive(context.Background(), 0, time.Second)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, q.Ping(context.Background()), ErrTransport)
}

func TestSQLiteSharedBetweenHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	producer, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer producer.Close()
	consumer, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer consumer.Close()

	require.NoError(t, producer.Send(ctx, "x", "y"))

	m1, err := consumer.Receive(ctx, 0, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, m1)
	m2, err := producer.Receive(ctx, 0, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, m2)
	assert.NotEqual(t, m1.Job, m2.Job)

	require.NoError(t, producer.Ack(ctx, m1.Handle))
	require.NoError(t, consumer.Ack(ctx, m2.Handle))
	n, err := consumer.ApproximateCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	q, err := Open(ctx, config.QueueConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)

	q, err = Open(ctx, config.QueueConfig{Backend: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "q.db")}})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteQueue{}, q)
	q.Close()

	mr := miniredis.RunT(t)
	q, err = Open(ctx, config.QueueConfig{Backend: "redis", Redis: config.RedisConfig{Addr: mr.Addr()}})
	require.NoError(t, err)
	assert.IsType(t, &RedisQueue{}, q)
	q.Close()

	_, err = Open(ctx, config.QueueConfig{Backend: "kafka"})
	assert.Error(t, err)
}

func TestSeedBatches(t *testing.T) {
	q := NewMemoryQueue()
	jobs := make([]types.JobID, 23)
	for i := range jobs {
		jobs[i] = types.JobID(string(rune('a'+i%26)) + ".glb")
	}
	var batches []int
	sent, err := Seed(context.Background(), q, jobs, 0, func(n int) { batches = append(batches, n) })
	require.NoError(t, err)
	assert.Equal(t, 23, sent)
	assert.Equal(t, []int{10, 10, 3}, batches)
	assert.Equal(t, 23, q.Len())
}

func TestSeedStopsOnError(t *testing.T) {
	q := NewMemoryQueue()
	require.NoError(t, q.Close())
	sent, err := Seed(context.Background(), q, []types.JobID{"a", "b"}, 1, nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.Equal(t, 0, sent)
}
