package provider

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/vietddude/snapkeeper/internal/core/domain"
)

// Paced wraps a Cloud so every call waits for a token first. It smooths the
// bursts a backlog of queued work would otherwise send to the provider API.
type Paced struct {
	next    Cloud
	limiter *rate.Limiter
}

// NewPaced limits next to rps calls per second with the given burst.
func NewPaced(next Cloud, rps float64, burst int) *Paced {
	if burst < 1 {
		burst = 1
	}
	return &Paced{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (p *Paced) CreateSnapshot(ctx context.Context, req CreateRequest) (domain.Snapshot, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	return p.next.CreateSnapshot(ctx, req)
}

func (p *Paced) CopySnapshot(ctx context.Context, req CopyRequest) (domain.Snapshot, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	return p.next.CopySnapshot(ctx, req)
}

func (p *Paced) GetCopyState(ctx context.Context, snap domain.Snapshot) (domain.CopyState, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return p.next.GetCopyState(ctx, snap)
}

func (p *Paced) GetSnapshot(ctx context.Context, id string) (domain.SnapshotInfo, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return domain.SnapshotInfo{}, err
	}
	return p.next.GetSnapshot(ctx, id)
}

func (p *Paced) DeleteSnapshot(ctx context.Context, subscriptionID, resourceGroup, name string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.next.DeleteSnapshot(ctx, subscriptionID, resourceGroup, name)
}

func (p *Paced) ListSnapshots(ctx context.Context, subscriptionID, diskID string) ([]domain.SnapshotInfo, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.next.ListSnapshots(ctx, subscriptionID, diskID)
}

func (p *Paced) AreDeleted(ctx context.Context, subscriptionID, resourceGroup string, names []string) ([]bool, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.next.AreDeleted(ctx, subscriptionID, resourceGroup, names)
}

func (p *Paced) ListBackupSources(ctx context.Context) ([]domain.SnapshotSource, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.next.ListBackupSources(ctx)
}

func (p *Paced) CreateDiskFromSnapshot(ctx context.Context, req DiskRequest) (domain.VMDisk, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return domain.VMDisk{}, err
	}
	return p.next.CreateDiskFromSnapshot(ctx, req)
}

func (p *Paced) CreateVM(ctx context.Context, req VMRequest) (domain.VMInfo, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return domain.VMInfo{}, err
	}
	return p.next.CreateVM(ctx, req)
}
