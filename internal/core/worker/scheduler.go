package worker

import (
	"context"
	"log/slog"
	"time"
)

// DiscoverFunc enqueues the current backup sources and reports how many.
type DiscoverFunc func(ctx context.Context) (int, error)

// Scheduler triggers discovery on a fixed interval, starting immediately.
type Scheduler struct {
	interval time.Duration
	discover DiscoverFunc
	log      *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(interval time.Duration, discover DiscoverFunc, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		interval: interval,
		discover: discover,
		log:      logger.With("component", "scheduler"),
	}
}

// Start runs discovery until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	n, err := s.discover(ctx)
	if err != nil {
		s.log.Error("Discovery failed", "enqueued", n, "error", err)
		return
	}
	s.log.Info("Discovery finished", "enqueued", n, "next_run", time.Now().Add(s.interval).Format(time.RFC3339))
}
