// Package worker runs the queue consumers and the periodic background jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/core/retry"
	"github.com/vietddude/snapkeeper/internal/infra/queue"
	"github.com/vietddude/snapkeeper/internal/metrics"
)

// HandlerFunc processes one delivery. Returning nil consumes the message.
type HandlerFunc func(ctx context.Context, msg queue.Message) error

// Stage binds a handler to the queue it consumes.
type Stage struct {
	Name   string
	Queue  string
	Handle HandlerFunc
}

// RunnerConfig tunes message consumption.
type RunnerConfig struct {
	Visibility    time.Duration
	MaxDeliveries int
	PollInterval  time.Duration
	BatchSize     int
	// Retry spaces out redeliveries of failed messages.
	Retry retry.Policy
}

// Runner consumes every stage queue concurrently.
type Runner struct {
	q      queue.Queue
	cfg    RunnerConfig
	stages []Stage
	log    *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(q queue.Queue, cfg RunnerConfig, logger *slog.Logger, stages ...Stage) *Runner {
	if cfg.Visibility <= 0 {
		cfg.Visibility = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		q:      q,
		cfg:    cfg,
		stages: stages,
		log:    logger.With("component", "runner"),
	}
}

// Run polls every stage until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, st := range r.stages {
		g.Go(func() error {
			r.poll(ctx, st)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) poll(ctx context.Context, st Stage) {
	log := r.log.With("stage", st.Name, "queue", st.Queue)
	log.Info("Stage consumer started")

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := r.Drain(ctx, st)
		if err != nil && ctx.Err() == nil {
			log.Error("Failed to receive messages", "error", err)
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			log.Info("Stage consumer stopped")
			return
		case <-ticker.C:
		}
	}
}

// Drain handles one batch of visible messages of st and returns how many it
// received.
func (r *Runner) Drain(ctx context.Context, st Stage) (int, error) {
	msgs, err := r.q.Receive(ctx, st.Queue, r.cfg.BatchSize, r.cfg.Visibility)
	if err != nil {
		return 0, fmt.Errorf("receive from %s: %w", st.Queue, err)
	}
	for _, msg := range msgs {
		r.handle(ctx, st, msg)
	}
	return len(msgs), nil
}

// RunOnce drains every stage until all of them are idle or ctx ends.
func (r *Runner) RunOnce(ctx context.Context) error {
	for {
		total := 0
		for _, st := range r.stages {
			n, err := r.Drain(ctx, st)
			if err != nil {
				return err
			}
			total += n
		}
		if total == 0 || ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (r *Runner) handle(ctx context.Context, st Stage, msg queue.Message) {
	log := r.log.With("stage", st.Name, "message_id", msg.ID, "deliveries", msg.DequeueCount)

	if r.cfg.MaxDeliveries > 0 && msg.DequeueCount > r.cfg.MaxDeliveries {
		r.poison(ctx, log, st, msg, errors.New("delivery limit exceeded"))
		return
	}

	start := time.Now()
	err := r.invoke(ctx, st, msg)
	metrics.StageDuration.WithLabelValues(st.Name).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.StageMessages.WithLabelValues(st.Name, "ok").Inc()
		if err := r.q.Delete(ctx, msg); err != nil {
			log.Warn("Failed to acknowledge message", "error", err)
		}
		return
	}

	class := retry.Classify(err)
	if !class.Retryable() || (r.cfg.MaxDeliveries > 0 && msg.DequeueCount >= r.cfg.MaxDeliveries) {
		r.poison(ctx, log, st, msg, err)
		return
	}

	delay := r.cfg.Retry.Linear(msg.DequeueCount)
	metrics.StageMessages.WithLabelValues(st.Name, "retry").Inc()
	log.Warn("Stage failed, message will be redelivered", "class", class, "delay", delay, "error", err)
	if err := r.q.Release(ctx, msg, delay); err != nil {
		log.Warn("Failed to release message", "error", err)
	}
}

func (r *Runner) invoke(ctx context.Context, st Stage, msg queue.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stage %s panicked: %v", st.Name, p)
		}
	}()
	return st.Handle(ctx, msg)
}

// poison parks msg on the stage's poison queue.
func (r *Runner) poison(ctx context.Context, log *slog.Logger, st Stage, msg queue.Message, cause error) {
	target := domain.PoisonQueue(st.Queue)
	metrics.StageMessages.WithLabelValues(st.Name, "poisoned").Inc()
	log.Error("Moving message to poison queue", "target", target, "error", cause)

	if err := r.q.Send(ctx, target, msg.Body, 0); err != nil {
		log.Error("Failed to poison message, leaving it for redelivery", "error", err)
		return
	}
	metrics.DeadLetters.WithLabelValues(target).Inc()
	if err := r.q.Delete(ctx, msg); err != nil {
		log.Warn("Failed to acknowledge poisoned message", "error", err)
	}
}
