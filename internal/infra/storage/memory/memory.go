package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/core/limiter"
)

// MemoryStorage keeps limiter counters and job-log entries in process. It is
// used by local runs and tests.
type MemoryStorage struct {
	counters map[string]limiter.Record
	jobLog   []domain.JobLogEntry
	mu       sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		counters: make(map[string]limiter.Record),
	}
}

// -----------------------------------------------------------------------------
// Counter store
// -----------------------------------------------------------------------------

type CounterRepo struct {
	store *MemoryStorage
}

func NewCounterRepo(store *MemoryStorage) *CounterRepo {
	return &CounterRepo{store: store}
}

func (r *CounterRepo) Get(ctx context.Context, name string) (limiter.Record, bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.counters[name]
	return rec, ok, nil
}

func (r *CounterRepo) Create(ctx context.Context, name string, count int) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.counters[name]; ok {
		return limiter.ErrExists
	}
	r.store.counters[name] = limiter.Record{Count: count, Version: 1}
	return nil
}

func (r *CounterRepo) Update(ctx context.Context, name string, version int64, count int) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	rec, ok := r.store.counters[name]
	if !ok || rec.Version != version {
		return limiter.ErrConflict
	}
	r.store.counters[name] = limiter.Record{Count: count, Version: version + 1}
	return nil
}

// -----------------------------------------------------------------------------
// Job log
// -----------------------------------------------------------------------------

type JobLogRepo struct {
	store *MemoryStorage
}

func NewJobLogRepo(store *MemoryStorage) *JobLogRepo {
	return &JobLogRepo{store: store}
}

func (r *JobLogRepo) Append(ctx context.Context, e domain.JobLogEntry) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.jobLog = append(r.store.jobLog, e)
	return nil
}

// DeleteOlderThan removes entries generated before cutoff.
func (r *JobLogRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	kept := r.store.jobLog[:0]
	var n int64
	for _, e := range r.store.jobLog {
		if e.TimeGenerated.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	r.store.jobLog = kept
	return n, nil
}

// Entries returns a copy of the stored entries.
func (r *JobLogRepo) Entries() []domain.JobLogEntry {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]domain.JobLogEntry, len(r.store.jobLog))
	copy(out, r.store.jobLog)
	return out
}
