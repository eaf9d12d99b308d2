package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/core/retry"
	"github.com/vietddude/snapkeeper/internal/infra/queue"
	"github.com/vietddude/snapkeeper/internal/metrics"
)

// EndOfDay returns the last instant of t's UTC day.
func EndOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
}

// SelectPurgeCandidates returns the names of the snapshots older than the
// retention window of their location role. Each role is judged only against
// its own window; untagged snapshots are never selected.
func SelectPurgeCandidates(now time.Time, r Retention, snapshots []domain.SnapshotInfo) []string {
	eod := EndOfDay(now)
	primaryCutoff := eod.Add(-time.Duration(r.PrimaryDays) * 24 * time.Hour)
	secondaryCutoff := eod.Add(-time.Duration(r.SecondaryDays) * 24 * time.Hour)

	var names []string
	for _, s := range snapshots {
		var cutoff time.Time
		switch s.Role() {
		case domain.LocationPrimary:
			cutoff = primaryCutoff
		case domain.LocationSecondary:
			cutoff = secondaryCutoff
		default:
			continue
		}
		if !s.CreatedAt.IsZero() && s.CreatedAt.Before(cutoff) {
			names = append(names, s.Name)
		}
	}
	return names
}

// HandlePurgeJob selects the aged snapshots of a completed job's disk, fans out
// one deletion per snapshot and starts the purge control loop.
func (p *Pipeline) HandlePurgeJob(ctx context.Context, msg queue.Message) error {
	control, err := queue.Decode[domain.SnapshotControl](msg)
	if err != nil {
		return malformed(err)
	}
	entry := domain.ControlEntry(control, domain.JobTypePurge)
	sub, rg := scopeOf(control.PrimarySnapshotID)
	window, cohort := p.retention(control.SourceVMID)
	log := p.log.With("job_id", control.JobID, "disk_id", control.SourceDiskID)
	if cohort != "" {
		log = log.With("cohort", cohort)
	}

	snapshots, err := p.cloud.ListSnapshots(ctx, sub, control.SourceDiskID)
	if err != nil {
		return p.purgeFailed(ctx, StagePurge, domain.QueuePurgeJobs, entry, &control.Attempt, &control, err,
			fmt.Sprintf("Purge of snapshots for disk %s failed", control.SourceDiskID))
	}

	names := SelectPurgeCandidates(p.now(), window, snapshots)
	if len(names) == 0 {
		log.Debug("No snapshots to purge", "listed", len(snapshots))
		return nil
	}

	log.Info("Purging snapshots", "count", len(names),
		"primary_days", window.PrimaryDays, "secondary_days", window.SecondaryDays)
	p.record(ctx, entry, domain.OpPurgeStart, domain.StatusPurgeInProgress,
		fmt.Sprintf("Started purging %d snapshots for disk %s", len(names), control.SourceDiskID))

	control.Attempt = 0
	var result *multierror.Error
	for _, name := range names {
		job := domain.SnapshotPurge{
			Source:              control,
			SubscriptionID:      sub,
			ResourceGroupName:   rg,
			SnapshotNameToPurge: name,
		}
		if err := p.pub.Publish(ctx, domain.QueuePurgeSnapshots, job, 0); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		// Redelivery re-lists; deletions already queued are idempotent.
		return fmt.Errorf("fan out purge of disk %s: %w", control.SourceDiskID, err)
	}

	token := domain.SnapshotPurge{
		Source:               control,
		SubscriptionID:       sub,
		ResourceGroupName:    rg,
		SnapshotsNameToPurge: names,
	}
	return p.pub.Publish(ctx, domain.QueuePurgeControl, token, p.cfg.PurgeControlInterval)
}

// HandlePurgeSnapshot deletes one snapshot. A snapshot that is already gone
// counts as deleted.
func (p *Pipeline) HandlePurgeSnapshot(ctx context.Context, msg queue.Message) error {
	job, err := queue.Decode[domain.SnapshotPurge](msg)
	if err != nil {
		return malformed(err)
	}
	if job.SnapshotNameToPurge == "" {
		return retry.Permanent("purge job without snapshot name", nil)
	}
	entry := domain.ControlEntry(job.Source, domain.JobTypePurge)

	err = p.cloud.DeleteSnapshot(ctx, job.SubscriptionID, job.ResourceGroupName, job.SnapshotNameToPurge)
	switch {
	case err == nil:
		p.log.Info("Snapshot deleted", "job_id", job.Source.JobID, "snapshot", job.SnapshotNameToPurge)
		return nil
	case retry.IsNotFound(err):
		p.log.Debug("Snapshot already deleted", "job_id", job.Source.JobID, "snapshot", job.SnapshotNameToPurge)
		return nil
	}
	return p.purgeFailed(ctx, StagePurgeExec, domain.QueuePurgeSnapshots, entry, &job.Attempt, &job, err,
		fmt.Sprintf("Purge of snapshot %s failed", job.SnapshotNameToPurge))
}

// HandlePurgeControl checks that every snapshot of a purge is gone and logs
// completion once; otherwise it polls again later.
func (p *Pipeline) HandlePurgeControl(ctx context.Context, msg queue.Message) error {
	token, err := queue.Decode[domain.SnapshotPurge](msg)
	if err != nil {
		return malformed(err)
	}
	entry := domain.ControlEntry(token.Source, domain.JobTypePurge)
	log := p.log.With("job_id", token.Source.JobID, "disk_id", token.Source.SourceDiskID)

	deleted, err := p.cloud.AreDeleted(ctx, token.SubscriptionID, token.ResourceGroupName, token.SnapshotsNameToPurge)
	if err != nil {
		metrics.ClassifiedErrors.WithLabelValues(retry.Classify(err).String()).Inc()
		log.Error("Failed to verify purge", "error", err)
		p.record(ctx, entry, domain.OpError, domain.StatusPurgeFailed,
			fmt.Sprintf("Unable to verify purge for disk %s: %v", token.Source.SourceDiskID, err))
		return fmt.Errorf("verify purge of disk %s: %w", token.Source.SourceDiskID, err)
	}

	remaining := 0
	for _, gone := range deleted {
		if !gone {
			remaining++
		}
	}
	if remaining > 0 {
		log.Debug("Purge still in progress", "remaining", remaining, "next_check", p.cfg.PurgeControlInterval)
		return p.requeue(ctx, StagePurgeControl, "poll", domain.QueuePurgeControl, token, p.cfg.PurgeControlInterval)
	}

	log.Info("Purge completed", "count", len(token.SnapshotsNameToPurge))
	p.record(ctx, entry, domain.OpPurgeEnd, domain.StatusPurgeCompleted,
		fmt.Sprintf("Purged %d snapshots for disk %s", len(token.SnapshotsNameToPurge), token.Source.SourceDiskID))
	return nil
}

// purgeFailed re-enqueues v on throttling, bumping *attempt, until the retry
// cap. v must point at the value holding attempt. Any other failure is
// recorded and returned for queue redelivery.
func (p *Pipeline) purgeFailed(ctx context.Context, stage, queueName string, entry domain.JobLogEntry, attempt *int, v any, cause error, what string) error {
	class := retry.Classify(cause)
	metrics.ClassifiedErrors.WithLabelValues(class.String()).Inc()

	if class != retry.ClassThrottled {
		p.log.Error(what, "job_id", entry.JobID, "class", class, "error", cause)
		p.record(ctx, entry, domain.OpError, domain.StatusPurgeFailed, fmt.Sprintf("%s: %v", what, cause))
		return fmt.Errorf("%s: %w", what, cause)
	}

	*attempt++
	delay, err := p.cfg.Retry.Next(*attempt, cause)
	if err != nil {
		p.log.Error("Purge retries exhausted", "job_id", entry.JobID, "stage", stage, "error", err)
		p.record(ctx, entry, domain.OpError, domain.StatusPurgeFailed,
			fmt.Sprintf("%s, %v: %v", what, err, cause))
		return nil
	}
	p.log.Warn("Provider throttled purge, re-scheduling",
		"job_id", entry.JobID, "stage", stage, "attempt", *attempt, "delay", delay)
	return p.requeue(ctx, stage, "throttled", queueName, v, delay)
}
