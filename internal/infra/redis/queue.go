package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/snapkeeper/internal/infra/queue"
)

// Each queue is a ZSET of message ids scored by the unix-millisecond time
// they become visible, plus one hash per message holding body, delivery
// count and the receipt of the current lease.
//
// The scripts touch message hashes not listed in KEYS. That is safe on a
// single node, and on a cluster only because queueKey hash-tags every key of
// a queue into the same slot.

var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local lease = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, limit)
local out = {}
for i, id in ipairs(ids) do
  local hk = KEYS[1] .. ':msg:' .. id
  local body = redis.call('HGET', hk, 'body')
  if body then
    local n = redis.call('HINCRBY', hk, 'count', 1)
    local receipt = ARGV[4] .. ':' .. i
    redis.call('HSET', hk, 'receipt', receipt)
    redis.call('ZADD', KEYS[1], now + lease, id)
    table.insert(out, id)
    table.insert(out, body)
    table.insert(out, tostring(n))
    table.insert(out, receipt)
    table.insert(out, redis.call('HGET', hk, 'enqueued') or '0')
  else
    redis.call('ZREM', KEYS[1], id)
  end
end
return out
`)

// ackScript deletes a message if the receipt still matches.
var ackScript = redis.NewScript(`
local hk = KEYS[1] .. ':msg:' .. ARGV[1]
if redis.call('HGET', hk, 'receipt') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', hk)
return 1
`)

// releaseLeaseScript reschedules a message if the receipt still matches.
var releaseLeaseScript = redis.NewScript(`
local hk = KEYS[1] .. ':msg:' .. ARGV[1]
if redis.call('HGET', hk, 'receipt') ~= ARGV[2] then
  return 0
end
redis.call('HDEL', hk, 'receipt')
redis.call('ZADD', KEYS[1], tonumber(ARGV[3]), ARGV[1])
return 1
`)

// Queue implements queue.Queue on Redis.
type Queue struct {
	rdb *redis.Client
	now func() time.Time
}

// NewQueue creates a Redis-backed queue set.
func NewQueue(client *Client) *Queue {
	return &Queue{rdb: client.rdb, now: time.Now}
}

func (q *Queue) Send(ctx context.Context, name string, body []byte, delay time.Duration) error {
	id := uuid.NewString()
	now := q.now()
	visible := now.Add(delay).UnixMilli()

	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, messageKey(name, id),
			"body", body,
			"count", 0,
			"enqueued", now.UnixMilli(),
		)
		p.ZAdd(ctx, queueKey(name), redis.Z{Score: float64(visible), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	return nil
}

func (q *Queue) Receive(ctx context.Context, name string, max int, visibility time.Duration) ([]queue.Message, error) {
	res, err := claimScript.Run(ctx, q.rdb, []string{queueKey(name)},
		q.now().UnixMilli(),
		visibility.Milliseconds(),
		max,
		uuid.NewString(),
	).StringSlice()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("claim failed: %w", err)
	}

	msgs := make([]queue.Message, 0, len(res)/5)
	for i := 0; i+4 < len(res); i += 5 {
		n, _ := strconv.Atoi(res[i+2])
		enq, _ := strconv.ParseInt(res[i+4], 10, 64)
		msgs = append(msgs, queue.Message{
			ID:           res[i],
			Queue:        name,
			Body:         []byte(res[i+1]),
			DequeueCount: n,
			Receipt:      res[i+3],
			EnqueuedAt:   time.UnixMilli(enq),
		})
	}
	return msgs, nil
}

func (q *Queue) Delete(ctx context.Context, msg queue.Message) error {
	ok, err := ackScript.Run(ctx, q.rdb, []string{queueKey(msg.Queue)}, msg.ID, msg.Receipt).Int()
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	if ok == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

func (q *Queue) Release(ctx context.Context, msg queue.Message, delay time.Duration) error {
	visible := q.now().Add(delay).UnixMilli()
	ok, err := releaseLeaseScript.Run(ctx, q.rdb, []string{queueKey(msg.Queue)}, msg.ID, msg.Receipt, visible).Int()
	if err != nil {
		return fmt.Errorf("release failed: %w", err)
	}
	if ok == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

func (q *Queue) Len(ctx context.Context, name string) (int, error) {
	n, err := q.rdb.ZCard(ctx, queueKey(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(n), nil
}
