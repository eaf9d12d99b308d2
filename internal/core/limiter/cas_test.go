package limiter_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/snapkeeper/internal/core/limiter"
	"github.com/vietddude/snapkeeper/internal/infra/storage/memory"
)

func newCAS(t *testing.T) *limiter.CAS {
	t.Helper()
	repo := memory.NewCounterRepo(memory.NewMemoryStorage())
	return limiter.NewCAS(repo, limiter.CASConfig{MaxRetries: 50, Backoff: time.Microsecond}, nil)
}

func TestCASAcquireRelease(t *testing.T) {
	ctx := context.Background()
	l := newCAS(t)

	ok, err := l.Acquire(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok, "third acquire must fail at limit 2")

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))

	n, err = l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "release floors at zero")
}

func TestCASReleaseWithoutRecord(t *testing.T) {
	l := newCAS(t)
	require.NoError(t, l.Release(context.Background()))
	n, err := l.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCASConcurrentNeverExceedsLimit(t *testing.T) {
	const (
		limit   = 5
		workers = 40
	)
	ctx := context.Background()
	l := newCAS(t)

	var (
		held    atomic.Int64
		maxSeen atomic.Int64
		wg      sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				ok, err := l.Acquire(ctx, limit)
				if err != nil {
					continue
				}
				if !ok {
					continue
				}
				cur := held.Add(1)
				for {
					m := maxSeen.Load()
					if cur <= m || maxSeen.CompareAndSwap(m, cur) {
						break
					}
				}
				held.Add(-1)
				_ = l.Release(ctx)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int64(limit))
	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 0)
}

type conflictingStore struct{ limiter.VersionedStore }

func (conflictingStore) Get(context.Context, string) (limiter.Record, bool, error) {
	return limiter.Record{Count: 0, Version: 1}, true, nil
}

func (conflictingStore) Update(context.Context, string, int64, int) error {
	return limiter.ErrConflict
}

func TestCASContended(t *testing.T) {
	l := limiter.NewCAS(conflictingStore{}, limiter.CASConfig{MaxRetries: 2, Backoff: time.Microsecond}, nil)
	ok, err := l.Acquire(context.Background(), 3)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, limiter.ErrContended))
}
