package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/snapkeeper/internal/metrics"
)

// CASConfig tunes the optimistic-concurrency limiter.
type CASConfig struct {
	Name       string
	MaxRetries int
	Backoff    time.Duration
}

// CAS is a strongly consistent limiter over a versioned counter record.
// Every mutation is a read-modify-write conditioned on the record version,
// retried with jittered linear backoff on conflict.
type CAS struct {
	store VersionedStore
	cfg   CASConfig
	log   *slog.Logger
}

// NewCAS creates a CAS limiter.
func NewCAS(store VersionedStore, cfg CASConfig, logger *slog.Logger) *CAS {
	if cfg.Name == "" {
		cfg.Name = "copy:counter"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CAS{
		store: store,
		cfg:   cfg,
		log:   logger.With("component", "limiter", "backend", "cas"),
	}
}

func (l *CAS) backoff() retry.Backoff {
	var attempt atomic.Int64
	step := l.cfg.Backoff
	linear := retry.BackoffFunc(func() (time.Duration, bool) {
		n := attempt.Add(1)
		return step * time.Duration(n), false
	})
	return retry.WithMaxRetries(uint64(l.cfg.MaxRetries), retry.WithJitter(step, linear))
}

// Acquire implements Limiter.
func (l *CAS) Acquire(ctx context.Context, limit int) (bool, error) {
	var acquired bool
	err := retry.Do(ctx, l.backoff(), func(ctx context.Context) error {
		acquired = false
		rec, ok, err := l.store.Get(ctx, l.cfg.Name)
		if err != nil {
			return err
		}
		if !ok {
			if limit < 1 {
				return nil
			}
			if err := l.store.Create(ctx, l.cfg.Name, 1); err != nil {
				// A racing writer created it; re-read.
				if errors.Is(err, ErrExists) {
					return l.conflict(err)
				}
				return err
			}
			acquired = true
			metrics.CopySlotsInUse.Set(1)
			return nil
		}
		if rec.Count >= limit {
			metrics.CopySlotsInUse.Set(float64(rec.Count))
			return nil
		}
		if err := l.store.Update(ctx, l.cfg.Name, rec.Version, rec.Count+1); err != nil {
			if errors.Is(err, ErrConflict) {
				return l.conflict(err)
			}
			return err
		}
		acquired = true
		metrics.CopySlotsInUse.Set(float64(rec.Count + 1))
		return nil
	})
	if err != nil {
		return false, l.wrap("acquire", err)
	}
	return acquired, nil
}

// Release implements Limiter.
func (l *CAS) Release(ctx context.Context) error {
	err := retry.Do(ctx, l.backoff(), func(ctx context.Context) error {
		rec, ok, err := l.store.Get(ctx, l.cfg.Name)
		if err != nil {
			return err
		}
		if !ok || rec.Count <= 0 {
			l.log.Debug("Release on empty counter ignored")
			return nil
		}
		if err := l.store.Update(ctx, l.cfg.Name, rec.Version, rec.Count-1); err != nil {
			if errors.Is(err, ErrConflict) {
				return l.conflict(err)
			}
			return err
		}
		metrics.CopySlotsInUse.Set(float64(rec.Count - 1))
		return nil
	})
	if err != nil {
		return l.wrap("release", err)
	}
	return nil
}

// Count implements Limiter.
func (l *CAS) Count(ctx context.Context) (int, error) {
	rec, ok, err := l.store.Get(ctx, l.cfg.Name)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return max(rec.Count, 0), nil
}

func (l *CAS) conflict(err error) error {
	metrics.LimiterConflicts.WithLabelValues("cas").Inc()
	return retry.RetryableError(err)
}

func (l *CAS) wrap(op string, err error) error {
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrExists) {
		l.log.Warn("Limiter conflict retries exhausted", "op", op, "retries", l.cfg.MaxRetries)
		return fmt.Errorf("%s: %w: %w", op, ErrContended, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
