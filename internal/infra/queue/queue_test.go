package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDelayedVisibility(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	q := NewMemory()
	q.SetClock(func() time.Time { return now })

	require.NoError(t, q.Send(ctx, "poll", []byte(`{}`), time.Hour))
	msgs, err := q.Receive(ctx, "poll", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	now = now.Add(time.Hour)
	msgs, err = q.Receive(ctx, "poll", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].DequeueCount)

	// leased until the visibility timeout runs out
	again, err := q.Receive(ctx, "poll", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	now = now.Add(2 * time.Minute)
	again, err = q.Receive(ctx, "poll", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].DequeueCount)

	// the first receipt is stale
	assert.ErrorIs(t, q.Delete(ctx, msgs[0]), ErrLeaseLost)
	require.NoError(t, q.Delete(ctx, again[0]))
	n, err := q.Len(ctx, "poll")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPublishAndDecode(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	type job struct {
		Name string `json:"name"`
	}
	require.NoError(t, NewPublisher(q).Publish(ctx, "jobs", job{Name: "a"}, 0))

	msgs, err := q.Receive(ctx, "jobs", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	got, err := Decode[job](msgs[0])
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)

	_, err = Decode[job](Message{Queue: "jobs", ID: "x", Body: []byte(`not json`)})
	require.Error(t, err)
}

func TestMove(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Send(ctx, "dead", []byte(fmt.Sprintf(`{"n":%d}`, i)), 0))
	}

	moved, err := Move(ctx, q, "dead", "jobs", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, moved)
	assert.Len(t, q.Pending("jobs"), 5)

	moved, err = Move(ctx, q, "dead", "jobs", 0)
	require.NoError(t, err)
	assert.Equal(t, 15, moved)
	assert.Empty(t, q.Pending("dead"))
	assert.Len(t, q.Pending("jobs"), 20)
}
