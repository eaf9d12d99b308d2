package redis

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/snapkeeper/internal/infra/queue"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestCounterAcquireRelease(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	l := NewCounter(c, "copy:counter", 2*time.Hour, nil)

	ok, err := l.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Hour, mr.TTL("copy:counter"))

	ok, err = l.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "rejected acquire must be undone")

	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))
	n, err = l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCounterExpirySelfHeals(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	l := NewCounter(c, "copy:counter", time.Hour, nil)

	ok, err := l.Acquire(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(time.Hour + time.Second)

	ok, err = l.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok, "leaked slot must expire")
}

func TestCounterConcurrent(t *testing.T) {
	const limit = 3
	ctx := context.Background()
	c, _ := newTestClient(t)
	l := NewCounter(c, "copy:counter", time.Hour, nil)

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := l.Acquire(ctx, limit); err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), granted.Load())
	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, limit, n)
}

func TestQueueSendReceiveDelete(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	q := NewQueue(c)

	require.NoError(t, q.Send(ctx, "copy-jobs", []byte(`{"a":1}`), 0))
	require.NoError(t, q.Send(ctx, "copy-jobs", []byte(`{"a":2}`), time.Hour))

	msgs, err := q.Receive(ctx, "copy-jobs", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "delayed message must stay hidden")
	assert.Equal(t, `{"a":1}`, string(msgs[0].Body))
	assert.Equal(t, 1, msgs[0].DequeueCount)

	again, err := q.Receive(ctx, "copy-jobs", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "leased message must not be redelivered")

	require.NoError(t, q.Delete(ctx, msgs[0]))
	n, err := q.Len(ctx, "copy-jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueueLeaseExpiryRedelivers(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	q := NewQueue(c)
	now := time.Now()
	q.now = func() time.Time { return now }

	require.NoError(t, q.Send(ctx, "copy-control", []byte(`x`), 0))
	first, err := q.Receive(ctx, "copy-control", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	now = now.Add(2 * time.Minute)
	second, err := q.Receive(ctx, "copy-control", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].DequeueCount)

	assert.ErrorIs(t, q.Delete(ctx, first[0]), queue.ErrLeaseLost)
	assert.NoError(t, q.Delete(ctx, second[0]))
}

func TestQueueRelease(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	q := NewQueue(c)
	now := time.Now()
	q.now = func() time.Time { return now }

	require.NoError(t, q.Send(ctx, "purge-jobs", []byte(`x`), 0))
	msgs, err := q.Receive(ctx, "purge-jobs", 1, time.Hour)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, q.Release(ctx, msgs[0], 10*time.Second))
	none, err := q.Receive(ctx, "purge-jobs", 1, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, none)

	now = now.Add(11 * time.Second)
	msgs, err = q.Receive(ctx, "purge-jobs", 1, time.Hour)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestQueueKeysShareHashTag(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	q := NewQueue(c)

	require.NoError(t, q.Send(ctx, "purge-jobs", []byte(`{}`), 0))
	msgs, err := q.Receive(ctx, "purge-jobs", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	keys := mr.Keys()
	require.Len(t, keys, 2)
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k, "queue:{purge-jobs}"), k)
	}
	assert.Contains(t, keys, messageKey("purge-jobs", msgs[0].ID))

	require.NoError(t, q.Delete(ctx, msgs[0]))
	assert.Empty(t, mr.Keys())
}
