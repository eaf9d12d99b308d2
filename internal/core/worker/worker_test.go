package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/core/retry"
	"github.com/vietddude/snapkeeper/internal/infra/queue"
	"github.com/vietddude/snapkeeper/internal/infra/storage/memory"
)

const testQueue = "jobs"

func newRunner(q queue.Queue, maxDeliveries int, handle HandlerFunc) *Runner {
	return NewRunner(q, RunnerConfig{
		Visibility:    time.Minute,
		MaxDeliveries: maxDeliveries,
		// zero delay so a released message is visible again at once
		Retry: retry.Policy{},
	}, nil, Stage{Name: "test", Queue: testQueue, Handle: handle})
}

func TestRunnerAcknowledgesSuccess(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory()
	require.NoError(t, q.Send(ctx, testQueue, []byte(`{"n":1}`), 0))

	var calls atomic.Int32
	r := newRunner(q, 5, func(ctx context.Context, msg queue.Message) error {
		calls.Add(1)
		assert.JSONEq(t, `{"n":1}`, string(msg.Body))
		return nil
	})
	require.NoError(t, r.RunOnce(ctx))

	assert.EqualValues(t, 1, calls.Load())
	n, err := q.Len(ctx, testQueue)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunnerPoisonsPermanentFailure(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory()
	require.NoError(t, q.Send(ctx, testQueue, []byte(`bad`), 0))

	var calls atomic.Int32
	r := newRunner(q, 5, func(ctx context.Context, msg queue.Message) error {
		calls.Add(1)
		return retry.Permanent("cannot decode", nil)
	})
	require.NoError(t, r.RunOnce(ctx))

	assert.EqualValues(t, 1, calls.Load())
	poisoned := q.Pending(domain.PoisonQueue(testQueue))
	require.Len(t, poisoned, 1)
	assert.Equal(t, []byte(`bad`), poisoned[0].Body)
	assert.Empty(t, q.Pending(testQueue))
}

func TestRunnerRedeliversUntilLimit(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory()
	require.NoError(t, q.Send(ctx, testQueue, []byte(`{}`), 0))

	var calls atomic.Int32
	r := newRunner(q, 3, func(ctx context.Context, msg queue.Message) error {
		calls.Add(1)
		return errors.New("read: connection timed out")
	})
	require.NoError(t, r.RunOnce(ctx))

	assert.EqualValues(t, 3, calls.Load())
	assert.Len(t, q.Pending(domain.PoisonQueue(testQueue)), 1)
	assert.Empty(t, q.Pending(testQueue))
}

func TestRunnerRecoversPanic(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory()
	require.NoError(t, q.Send(ctx, testQueue, []byte(`{}`), 0))

	r := newRunner(q, 1, func(ctx context.Context, msg queue.Message) error {
		panic("boom")
	})
	require.NoError(t, r.RunOnce(ctx))
	assert.Len(t, q.Pending(domain.PoisonQueue(testQueue)), 1)
}

func TestRunnerRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := queue.NewMemory()
	require.NoError(t, q.Send(ctx, testQueue, []byte(`{}`), 0))

	r := newRunner(q, 5, func(context.Context, queue.Message) error {
		cancel()
		return nil
	})
	r.cfg.PollInterval = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestPrunerDeletesOldEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	repo := memory.NewJobLogRepo(memory.NewMemoryStorage())
	for _, age := range []time.Duration{time.Hour, 40 * 24 * time.Hour, 31 * 24 * time.Hour} {
		require.NoError(t, repo.Append(ctx, domain.JobLogEntry{JobID: age.String(), TimeGenerated: now.Add(-age)}))
	}

	p := NewPruner(30*24*time.Hour, repo, nil)
	p.now = func() time.Time { return now }

	assert.EqualValues(t, 2, p.Prune(ctx))
	require.Len(t, repo.Entries(), 1)
	assert.Equal(t, time.Hour.String(), repo.Entries()[0].JobID)
}

func TestPrunerDisabled(t *testing.T) {
	p := NewPruner(0, nil, nil)
	// returns immediately
	p.Start(context.Background())
}

func TestSchedulerRunsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	s := NewScheduler(time.Hour, func(context.Context) (int, error) {
		runs.Add(1)
		cancel()
		return 3, nil
	}, nil)

	s.Start(ctx)
	assert.EqualValues(t, 1, runs.Load())
}
