package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/infra/provider"
	"github.com/vietddude/snapkeeper/internal/infra/queue"
	"github.com/vietddude/snapkeeper/internal/metrics"
)

// HandleSnapshotJob creates the primary snapshot of one disk and hands the job
// to copy dispatch, or straight to purge dispatch when no secondary copy is
// retained. Creation is never retried: any failure sends the original message
// to the dead-letter queue and the handler returns cleanly.
func (p *Pipeline) HandleSnapshotJob(ctx context.Context, msg queue.Message) error {
	src, err := queue.Decode[domain.SnapshotSource](msg)
	if err != nil {
		return p.deadLetter(ctx, msg, domain.JobLogEntry{JobID: p.newID(), Type: domain.JobTypeSnapshot}, err)
	}

	entry := domain.JobLogEntry{
		JobID:           p.newID(),
		Type:            domain.JobTypeSnapshot,
		SourceVMID:      src.VMID,
		SourceDiskID:    src.DiskID,
		PrimaryLocation: src.Location,
	}
	log := p.log.With("job_id", entry.JobID, "disk_id", src.DiskID)

	p.record(ctx, entry, domain.OpStart, domain.StatusSnapshotInProgress,
		fmt.Sprintf("Starting snapshot job for disk %s of vm %s", src.DiskName, src.VMName))

	tags, err := p.snapshotTags(src, domain.LocationPrimary)
	if err != nil {
		return p.deadLetter(ctx, msg, entry, err)
	}
	snap, err := p.cloud.CreateSnapshot(ctx, provider.CreateRequest{
		Source: src,
		Name:   domain.PrimaryName(src.DiskName, p.now()),
		Tags:   tags,
	})
	if err != nil {
		return p.deadLetter(ctx, msg, entry, err)
	}

	entry.PrimarySnapshotID = snap.ID
	log.Info("Primary snapshot created", "snapshot", snap.Name)
	p.record(ctx, entry, domain.OpSnapshotCreate, domain.StatusSnapshotInProgress,
		fmt.Sprintf("Snapshot %s created for disk %s", snap.Name, src.DiskName))

	if p.cfg.Retention.SecondaryDays <= 0 {
		control := domain.SnapshotControl{
			JobID:               entry.JobID,
			SourceVMID:          src.VMID,
			SourceDiskID:        src.DiskID,
			PrimarySnapshotID:   snap.ID,
			SecondarySnapshotID: domain.NotApplicable,
			PrimaryLocation:     src.Location,
			SecondaryLocation:   domain.NotApplicable,
		}
		entry.SecondarySnapshotID = domain.NotApplicable
		entry.SecondaryLocation = domain.NotApplicable
		p.record(ctx, entry, domain.OpSnapshotCreateEnd, domain.StatusSnapshotCompleted,
			fmt.Sprintf("Snapshot %s completed without secondary copy", snap.Name))
		if err := p.pub.Publish(ctx, domain.QueuePurgeJobs, control, 0); err != nil {
			return p.deadLetter(ctx, msg, entry, err)
		}
		return nil
	}

	job := domain.SnapshotCopy{
		JobID:             entry.JobID,
		SourceVMID:        src.VMID,
		SourceDiskID:      src.DiskID,
		SourceSubnetID:    src.SubnetID,
		PrimarySnapshot:   snap,
		SecondaryLocation: p.cfg.SecondaryLocation,
		VMRecoveryInfo:    src.RecoveryInfo(),
	}
	if err := p.pub.Publish(ctx, domain.QueueCopyJobs, job, 0); err != nil {
		return p.deadLetter(ctx, msg, entry, err)
	}
	return nil
}

// deadLetter records the failure and parks the original body for operator
// replay. It only returns an error when the dead-letter queue itself is down.
func (p *Pipeline) deadLetter(ctx context.Context, msg queue.Message, entry domain.JobLogEntry, cause error) error {
	p.log.Error("Snapshot creation failed", "job_id", entry.JobID, "disk_id", entry.SourceDiskID, "error", cause)
	p.record(ctx, entry, domain.OpError, domain.StatusSnapshotFailed,
		fmt.Sprintf("Snapshot creation failed: %v", cause))

	if err := p.pub.PublishRaw(ctx, domain.QueueDeadLetter, msg.Body, 0); err != nil {
		return fmt.Errorf("dead-letter snapshot job: %w", err)
	}
	metrics.DeadLetters.WithLabelValues(domain.QueueDeadLetter).Inc()
	return nil
}

// snapshotTags builds the tag set of a snapshot taken or copied from src.
func (p *Pipeline) snapshotTags(src domain.SnapshotSource, role domain.LocationRole) (map[string]string, error) {
	return tagsFor(p.cfg.MandatoryTags, role, src.DiskID, src.RecoveryInfo())
}

func tagsFor(mandatory map[string]string, role domain.LocationRole, diskID string, info domain.VMRecoveryInfo) (map[string]string, error) {
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode recovery info: %w", err)
	}
	tags := make(map[string]string, len(mandatory)+3)
	for k, v := range mandatory {
		tags[k] = v
	}
	tags[domain.TagLocationType] = string(role)
	tags[domain.TagSourceDiskID] = diskID
	tags[domain.TagRecoveryInfo] = string(raw)
	return tags, nil
}
