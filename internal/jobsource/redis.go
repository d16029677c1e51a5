package jobsource

import (
	"context"
	"fmt"
	"time"

	"github.com/allenai/objaverse-rendering/internal/config"
	"github.com/allenai/objaverse-rendering/pkg/types"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisQueue stores messages under one key prefix:
//
//	<prefix>:pending   LIST  ids ready for delivery (RPOP end is the head)
//	<prefix>:inflight  ZSET  id -> unix ms at which it becomes visible again
//	<prefix>:msg       HASH  id -> job identifier
//	<prefix>:receipt   HASH  id -> receipt of the current delivery
//	<prefix>:attempts  HASH  id -> receive count
//
// Requeued messages also wait in inflight with no receipt. Every receive
// first moves due inflight ids back to the head of pending.
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
	opts   options
	owned  bool
}

// receiveScript moves due inflight ids back to pending, pops the head and
// leases it. Returns {id, body, receive_count} or false.
//
// KEYS[1] pending, KEYS[2] inflight, KEYS[3] msg, KEYS[4] receipt, KEYS[5] attempts
// ARGV[1] now ms, ARGV[2] visible-again ms, ARGV[3] receipt
var receiveScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[2], id)
  redis.call("HDEL", KEYS[4], id)
  redis.call("RPUSH", KEYS[1], id)
end
while true do
  local id = redis.call("RPOP", KEYS[1])
  if not id then
    return false
  end
  local body = redis.call("HGET", KEYS[3], id)
  if body then
    redis.call("ZADD", KEYS[2], ARGV[2], id)
    redis.call("HSET", KEYS[4], id, ARGV[3])
    local n = redis.call("HINCRBY", KEYS[5], id, 1)
    return {id, body, n}
  end
end
`)

// ackScript deletes a message if the receipt still matches.
//
// KEYS[1] inflight, KEYS[2] receipt, KEYS[3] msg, KEYS[4] attempts
// ARGV[1] id, ARGV[2] receipt
var ackScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])
redis.call("HDEL", KEYS[4], ARGV[1])
return 1
`)

// requeueScript parks a leased message until ARGV[3] ms.
//
// KEYS[1] inflight, KEYS[2] receipt
// ARGV[1] id, ARGV[2] receipt, ARGV[3] visible-again ms
var requeueScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// OpenRedis connects to the configured server and checks it answers.
func OpenRedis(ctx context.Context, cfg config.RedisConfig, opts ...Option) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	q := NewRedisQueue(rdb, cfg.Prefix, opts...)
	q.owned = true
	if err := q.Ping(ctx); err != nil {
		rdb.Close()
		return nil, err
	}
	return q, nil
}

// NewRedisQueue wraps an existing client. The caller keeps ownership of rdb.
func NewRedisQueue(rdb *redis.Client, prefix string, opts ...Option) *RedisQueue {
	if prefix == "" {
		prefix = "objaverse"
	}
	return &RedisQueue{rdb: rdb, prefix: prefix, opts: applyOptions(opts)}
}

func (q *RedisQueue) key(name string) string { return q.prefix + ":" + name }

func (q *RedisQueue) Send(ctx context.Context, jobs ...types.JobID) error {
	if len(jobs) == 0 {
		return nil
	}
	pipe := q.rdb.TxPipeline()
	for _, job := range jobs {
		id := uuid.NewString()
		pipe.HSet(ctx, q.key("msg"), id, string(job))
		pipe.LPush(ctx, q.key("pending"), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: send: %v", ErrTransport, err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context, wait, visibility time.Duration) (*types.QueueMessage, error) {
	return pollReceive(ctx, wait, q.opts.poll, func() (*types.QueueMessage, error) {
		return q.tryReceive(ctx, visibility)
	})
}

func (q *RedisQueue) tryReceive(ctx context.Context, visibility time.Duration) (*types.QueueMessage, error) {
	now := q.opts.now()
	until := now.Add(visibility)
	receipt := uuid.NewString()

	res, err := receiveScript.Run(ctx, q.rdb,
		[]string{q.key("pending"), q.key("inflight"), q.key("msg"), q.key("receipt"), q.key("attempts")},
		now.UnixMilli(), until.UnixMilli(), receipt,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: receive: %v", ErrTransport, err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 3 {
		return nil, fmt.Errorf("%w: receive: unexpected reply %v", ErrTransport, res)
	}
	id, _ := parts[0].(string)
	body, _ := parts[1].(string)
	n, _ := parts[2].(int64)
	return &types.QueueMessage{
		Job:          types.JobID(body),
		Handle:       makeHandle(id, receipt),
		ReceiveCount: int(n),
		VisibleUntil: time.UnixMilli(until.UnixMilli()),
	}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, handle string) error {
	id, receipt, err := splitHandle(handle)
	if err != nil {
		return err
	}
	n, err := ackScript.Run(ctx, q.rdb,
		[]string{q.key("inflight"), q.key("receipt"), q.key("msg"), q.key("attempts")},
		id, receipt,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: ack: %v", ErrTransport, err)
	}
	if n == 0 {
		return ErrStaleReceipt
	}
	return nil
}

func (q *RedisQueue) Requeue(ctx context.Context, handle string, delay time.Duration) error {
	id, receipt, err := splitHandle(handle)
	if err != nil {
		return err
	}
	at := q.opts.now().Add(delay).UnixMilli()
	n, err := requeueScript.Run(ctx, q.rdb,
		[]string{q.key("inflight"), q.key("receipt")},
		id, receipt, at,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: requeue: %v", ErrTransport, err)
	}
	if n == 0 {
		return ErrStaleReceipt
	}
	return nil
}

// ApproximateCount counts pending ids plus inflight ids whose window has
// already lapsed. The two reads are not atomic.
func (q *RedisQueue) ApproximateCount(ctx context.Context) (int64, error) {
	pending, err := q.rdb.LLen(ctx, q.key("pending")).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrTransport, err)
	}
	due, err := q.rdb.ZCount(ctx, q.key("inflight"), "-inf", fmt.Sprint(q.opts.now().UnixMilli())).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrTransport, err)
	}
	return pending + due, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrTransport, err)
	}
	return nil
}

func (q *RedisQueue) Close() error {
	if q.owned {
		return q.rdb.Close()
	}
	return nil
}
