package pipeline

import (
	"context"
	"fmt"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/core/retry"
	"github.com/vietddude/snapkeeper/internal/infra/provider"
	"github.com/vietddude/snapkeeper/internal/infra/queue"
	"github.com/vietddude/snapkeeper/internal/metrics"
)

// HandleCopyJob starts the cross-region copy of a primary snapshot once a copy
// slot is free.
func (p *Pipeline) HandleCopyJob(ctx context.Context, msg queue.Message) error {
	job, err := queue.Decode[domain.SnapshotCopy](msg)
	if err != nil {
		return malformed(err)
	}
	log := p.log.With("job_id", job.JobID, "disk_id", job.SourceDiskID, "attempt", job.Attempt)

	target := job.PrimarySnapshot.Secondary(job.SecondaryLocation)
	control := domain.SnapshotControl{
		JobID:               job.JobID,
		SourceVMID:          job.SourceVMID,
		SourceDiskID:        job.SourceDiskID,
		PrimarySnapshotID:   job.PrimarySnapshot.ID,
		SecondarySnapshotID: target.ID,
		PrimaryLocation:     job.PrimarySnapshot.Location,
		SecondaryLocation:   job.SecondaryLocation,
		Attempt:             job.Attempt,
	}
	entry := domain.ControlEntry(control, domain.JobTypeSnapshot)

	acquired, err := p.slots.Acquire(ctx, p.cfg.CopyLimit)
	if err != nil {
		return fmt.Errorf("acquire copy slot: %w", err)
	}
	if !acquired {
		delay := retry.Jitter(p.cfg.BackpressureMin, p.cfg.BackpressureMax)
		log.Debug("No copy slot available, deferring", "delay", delay)
		return p.requeue(ctx, StageCopy, "backpressure", domain.QueueCopyJobs, job, delay)
	}
	if n, err := p.slots.Count(ctx); err == nil {
		metrics.CopySlotsInUse.Set(float64(n))
	}

	tags, err := tagsFor(p.cfg.MandatoryTags, domain.LocationSecondary, job.SourceDiskID, job.VMRecoveryInfo)
	if err != nil {
		p.releaseSlot(ctx, job.JobID)
		return malformed(err)
	}
	secondary, err := p.cloud.CopySnapshot(ctx, provider.CopyRequest{
		Primary:        job.PrimarySnapshot,
		Name:           target.Name,
		TargetLocation: job.SecondaryLocation,
		Tags:           tags,
	})
	if err != nil {
		// The copy never started; nothing else would give the slot back.
		p.releaseSlot(ctx, job.JobID)
		return p.copyFailed(ctx, job, entry, err)
	}

	control.SecondarySnapshotID = secondary.ID
	entry.SecondarySnapshotID = secondary.ID
	log.Info("Snapshot copy started", "target", secondary.Name, "location", secondary.Location)
	p.record(ctx, entry, domain.OpSnapshotCopyStart, domain.StatusSnapshotInProgress,
		fmt.Sprintf("Copy of snapshot %s to %s started", job.PrimarySnapshot.Name, job.SecondaryLocation))

	token := domain.SnapshotCopyControl{Control: control, Snapshot: secondary}
	return p.pub.Publish(ctx, domain.QueueCopyControl, token, p.cfg.CopyControlInterval)
}

// copyFailed re-enqueues the copy when the provider is saturated and records a
// terminal failure otherwise.
func (p *Pipeline) copyFailed(ctx context.Context, job domain.SnapshotCopy, entry domain.JobLogEntry, cause error) error {
	class := retry.Classify(cause)
	metrics.ClassifiedErrors.WithLabelValues(class.String()).Inc()

	if !retry.IsCopyLimit(cause) && class != retry.ClassThrottled {
		p.log.Error("Snapshot copy failed", "job_id", job.JobID, "class", class, "error", cause)
		p.record(ctx, entry, domain.OpError, domain.StatusSnapshotFailed,
			fmt.Sprintf("Copy of snapshot %s failed: %v", job.PrimarySnapshot.Name, cause))
		return fmt.Errorf("copy snapshot %s: %w", job.PrimarySnapshot.Name, cause)
	}

	job.Attempt++
	delay, err := p.cfg.Retry.Next(job.Attempt, cause)
	if err != nil {
		p.log.Error("Snapshot copy retries exhausted", "job_id", job.JobID, "error", err)
		p.record(ctx, entry, domain.OpError, domain.StatusSnapshotFailed,
			fmt.Sprintf("Copy of snapshot %s abandoned, %v: %v", job.PrimarySnapshot.Name, err, cause))
		return nil
	}
	p.log.Warn("Provider copy limit reached, re-scheduling copy",
		"job_id", job.JobID, "attempt", job.Attempt, "delay", delay)
	return p.requeue(ctx, StageCopy, "throttled", domain.QueueCopyJobs, job, delay)
}

// HandleCopyControl polls a running copy. It re-enqueues itself until the copy
// reaches a terminal state, then releases the copy slot.
func (p *Pipeline) HandleCopyControl(ctx context.Context, msg queue.Message) error {
	token, err := queue.Decode[domain.SnapshotCopyControl](msg)
	if err != nil {
		return malformed(err)
	}
	control := token.Control
	entry := domain.ControlEntry(control, domain.JobTypeSnapshot)
	log := p.log.With("job_id", control.JobID, "snapshot", token.Snapshot.Name)

	state, err := p.cloud.GetCopyState(ctx, token.Snapshot)
	if err != nil {
		metrics.ClassifiedErrors.WithLabelValues(retry.Classify(err).String()).Inc()
		log.Error("Failed to check copy state", "error", err)
		p.record(ctx, entry, domain.OpError, domain.StatusSnapshotFailed,
			fmt.Sprintf("Unable to check copy state of %s: %v", token.Snapshot.Name, err))
		return fmt.Errorf("check copy state of %s: %w", token.Snapshot.Name, err)
	}

	switch state {
	case domain.CopySucceeded:
		// The purge token goes out first: a failed publish redelivers this
		// message, which must not release the slot or log the transition twice.
		purge := control
		purge.Attempt = 0
		if err := p.pub.Publish(ctx, domain.QueuePurgeJobs, purge, 0); err != nil {
			log.Error("Failed to publish purge job", "error", err)
			return fmt.Errorf("publish purge job for %s: %w", token.Snapshot.Name, err)
		}
		p.releaseSlot(ctx, control.JobID)
		log.Info("Snapshot copy completed")
		p.record(ctx, entry, domain.OpSnapshotCopyEnd, domain.StatusSnapshotCompleted,
			fmt.Sprintf("Copy of snapshot %s to %s completed", token.Snapshot.Name, control.SecondaryLocation))
		return nil
	case domain.CopyFailed:
		p.releaseSlot(ctx, control.JobID)
		log.Error("Snapshot copy failed")
		p.record(ctx, entry, domain.OpError, domain.StatusSnapshotFailed,
			fmt.Sprintf("Copy of snapshot %s to %s failed", token.Snapshot.Name, control.SecondaryLocation))
		return nil
	default:
		log.Debug("Snapshot copy still in progress", "next_check", p.cfg.CopyControlInterval)
		return p.requeue(ctx, StageCopyControl, "poll", domain.QueueCopyControl, token, p.cfg.CopyControlInterval)
	}
}
