package gce

import (
	"context"
	"fmt"

	compute "google.golang.org/api/compute/v1"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/infra/provider"
)

// CreateSnapshot snapshots the source disk into the source region.
func (c *Cloud) CreateSnapshot(ctx context.Context, req provider.CreateRequest) (domain.Snapshot, error) {
	project := c.project(req.Source.SubscriptionID)
	zone := c.zone(req.Source.ResourceGroup)
	snap := &compute.Snapshot{
		Name:             req.Name,
		SourceDisk:       req.Source.DiskID,
		StorageLocations: []string{req.Source.Location},
		Labels:           toLabels(req.Tags),
		Description:      req.Tags[domain.TagRecoveryInfo],
	}
	op, err := c.svc.Snapshots.Insert(project, snap).
		RequestId(requestID("snapshot", req.Name)).Context(ctx).Do()
	if err != nil {
		c.logErrors(err)
		return domain.Snapshot{}, fmt.Errorf("failed to create snapshot %s: %w", req.Name, err)
	}
	if err := opError(op); err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to create snapshot %s: %w", req.Name, err)
	}
	c.log.Debug("Snapshot insert accepted", "name", req.Name, "operation", op.Name)
	return domain.Snapshot{
		ID:             snapshotID(project, req.Name),
		Name:           req.Name,
		Location:       req.Source.Location,
		ResourceGroup:  zone,
		SubscriptionID: project,
	}, nil
}

// CopySnapshot re-snapshots the primary's source disk into the target
// region. Compute Engine has no snapshot-to-snapshot copy, so the secondary
// is taken from the same disk with storage pinned to the target location.
func (c *Cloud) CopySnapshot(ctx context.Context, req provider.CopyRequest) (domain.Snapshot, error) {
	project := c.project(req.Primary.SubscriptionID)
	primary, err := c.svc.Snapshots.Get(project, req.Primary.Name).Context(ctx).Do()
	if err != nil {
		c.logErrors(err)
		return domain.Snapshot{}, fmt.Errorf("failed to fetch primary snapshot %s: %w", req.Primary.Name, err)
	}

	snap := &compute.Snapshot{
		Name:             req.Name,
		SourceDisk:       primary.SourceDisk,
		StorageLocations: []string{req.TargetLocation},
		Labels:           toLabels(req.Tags),
		Description:      req.Tags[domain.TagRecoveryInfo],
	}
	op, err := c.svc.Snapshots.Insert(project, snap).
		RequestId(requestID("copy", req.Name)).Context(ctx).Do()
	if err != nil {
		c.logErrors(err)
		return domain.Snapshot{}, fmt.Errorf("failed to copy snapshot %s: %w", req.Primary.Name, err)
	}
	if err := opError(op); err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to copy snapshot %s: %w", req.Primary.Name, err)
	}

	out := req.Primary.Secondary(req.TargetLocation)
	out.ID = snapshotID(project, req.Name)
	out.Name = req.Name
	return out, nil
}

// GetCopyState maps the snapshot status onto a copy state. READY is the only
// status that is both provisioned and complete.
func (c *Cloud) GetCopyState(ctx context.Context, snap domain.Snapshot) (domain.CopyState, error) {
	s, err := c.svc.Snapshots.Get(c.project(snap.SubscriptionID), snap.Name).Context(ctx).Do()
	if err != nil {
		c.logErrors(err)
		return "", fmt.Errorf("failed to fetch snapshot %s: %w", snap.Name, err)
	}
	switch s.Status {
	case "READY":
		return domain.CopyStateOf("Succeeded", 100), nil
	case "FAILED", "DELETING":
		return domain.CopyStateOf("Failed", 0), nil
	case "UPLOADING":
		return domain.CopyStateOf("Succeeded", 50), nil
	default:
		return domain.CopyStateOf("Creating", 0), nil
	}
}

// GetSnapshot fetches a snapshot by resource id or bare name.
func (c *Cloud) GetSnapshot(ctx context.Context, id string) (domain.SnapshotInfo, error) {
	project := c.project(domain.Segment(id, "projects"))
	name := domain.LastSegment(id)
	s, err := c.svc.Snapshots.Get(project, name).Context(ctx).Do()
	if err != nil {
		c.logErrors(err)
		return domain.SnapshotInfo{}, fmt.Errorf("failed to fetch snapshot %s: %w", name, err)
	}
	return toInfo(project, c.cfg.Zone, s), nil
}

// DeleteSnapshot deletes one snapshot. A missing snapshot surfaces as a 404.
func (c *Cloud) DeleteSnapshot(ctx context.Context, subscriptionID, resourceGroup, name string) error {
	op, err := c.svc.Snapshots.Delete(c.project(subscriptionID), name).
		RequestId(requestID("delete", name)).Context(ctx).Do()
	if err != nil {
		if !isNotFound(err) {
			c.logErrors(err)
		}
		return fmt.Errorf("failed to delete snapshot %s: %w", name, err)
	}
	if err := opError(op); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", name, err)
	}
	return nil
}

// ListSnapshots lists snapshots labelled with the source disk id. Snapshots
// whose source disk is known and differs are dropped.
func (c *Cloud) ListSnapshots(ctx context.Context, subscriptionID, diskID string) ([]domain.SnapshotInfo, error) {
	project := c.project(subscriptionID)
	filter := fmt.Sprintf(`labels.%s = "%s"`, labelValue(domain.TagSourceDiskID), diskLabel(diskID))

	var out []domain.SnapshotInfo
	err := c.svc.Snapshots.List(project).Filter(filter).Pages(ctx, func(page *compute.SnapshotList) error {
		for _, s := range page.Items {
			if s.SourceDisk != "" && diskPath(s.SourceDisk) != diskPath(diskID) {
				c.log.Warn("Skipping snapshot of another disk", "snapshot", s.Name, "source_disk", s.SourceDisk, "disk", diskID)
				continue
			}
			out = append(out, toInfo(project, c.cfg.Zone, s))
		}
		return nil
	})
	if err != nil {
		c.logErrors(err)
		return nil, fmt.Errorf("failed to list snapshots for disk %s: %w", diskID, err)
	}
	return out, nil
}

// AreDeleted reports a name as deleted once the API answers 404 for it.
func (c *Cloud) AreDeleted(ctx context.Context, subscriptionID, resourceGroup string, names []string) ([]bool, error) {
	project := c.project(subscriptionID)
	out := make([]bool, len(names))
	for i, name := range names {
		_, err := c.svc.Snapshots.Get(project, name).Context(ctx).Do()
		switch {
		case err == nil:
		case isNotFound(err):
			out[i] = true
		default:
			c.logErrors(err)
			return nil, fmt.Errorf("failed to fetch snapshot %s: %w", name, err)
		}
	}
	return out, nil
}
