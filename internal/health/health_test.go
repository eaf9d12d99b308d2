package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/core/limiter"
	"github.com/vietddude/snapkeeper/internal/infra/queue"
	"github.com/vietddude/snapkeeper/internal/infra/storage/memory"
)

func newSlots(t *testing.T) limiter.Limiter {
	t.Helper()
	return limiter.NewCAS(memory.NewCounterRepo(memory.NewMemoryStorage()),
		limiter.CASConfig{Backoff: time.Microsecond}, nil)
}

func TestCheckHealthHealthy(t *testing.T) {
	ctx := context.Background()
	slots := newSlots(t)
	_, err := slots.Acquire(ctx, 10)
	require.NoError(t, err)
	q := queue.NewMemory()
	require.NoError(t, q.Send(ctx, domain.QueueCopyControl, []byte(`{}`), time.Hour))

	m := NewMonitor(map[string]Checker{
		"redis": func(context.Context) error { return nil },
	}, slots, 10, q)
	report := m.CheckHealth(ctx)

	assert.Equal(t, StatusHealthy, report.SystemStatus)
	assert.Equal(t, 1, report.CopySlotsInUse)
	assert.Equal(t, 10, report.CopySlotLimit)
	assert.Equal(t, 1, report.QueueDepths[domain.QueueCopyControl])
	require.Len(t, report.Dependencies, 1)
	assert.Equal(t, StatusHealthy, report.Dependencies[0].Status)
}

func TestCheckHealthDegradedOnParkedMessages(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory()
	require.NoError(t, q.Send(ctx, domain.PoisonQueue(domain.QueueCopyJobs), []byte(`{}`), 0))

	report := NewMonitor(nil, newSlots(t), 10, q).CheckHealth(ctx)
	assert.Equal(t, StatusDegraded, report.SystemStatus)
}

func TestServerHealthEndpoints(t *testing.T) {
	m := NewMonitor(map[string]Checker{
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	}, newSlots(t), 10, queue.NewMemory())
	srv := httptest.NewServer(NewServer(m, 0).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	detailed, err := http.Get(srv.URL + "/health/detailed")
	require.NoError(t, err)
	defer detailed.Body.Close()
	var report Report
	require.NoError(t, json.NewDecoder(detailed.Body).Decode(&report))
	assert.Equal(t, StatusCritical, report.SystemStatus)
	require.Len(t, report.Dependencies, 1)
	assert.Equal(t, "connection refused", report.Dependencies[0].Error)

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}
