package worker

import (
	"context"
	"log/slog"
	"time"
)

// JobLogStore is the part of a job-log store the pruner needs.
type JobLogStore interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pruner deletes job-log entries past the retention period.
type Pruner struct {
	retention time.Duration
	store     JobLogStore
	log       *slog.Logger
	now       func() time.Time
}

// NewPruner creates a Pruner. A zero retention disables it.
func NewPruner(retention time.Duration, store JobLogStore, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		retention: retention,
		store:     store,
		log:       logger.With("component", "pruner"),
		now:       time.Now,
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 || p.store == nil {
		return
	}

	// 10% of the retention period, between one minute and one hour
	interval := min(p.retention/10, time.Hour)
	interval = max(interval, time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Prune(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune deletes entries older than the retention period once.
func (p *Pruner) Prune(ctx context.Context) int64 {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		p.log.Error("Failed to prune job log", "cutoff", cutoff, "error", err)
		return 0
	}
	if n > 0 {
		p.log.Info("Pruned job log", "deleted", n, "cutoff", cutoff)
	}
	return n
}
