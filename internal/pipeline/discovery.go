package pipeline

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/infra/provider"
)

// Discover enqueues one snapshot job per disk the inventory reports. It
// returns the number of jobs published.
func (p *Pipeline) Discover(ctx context.Context, inv provider.Inventory) (int, error) {
	sources, err := inv.ListBackupSources(ctx)
	if err != nil {
		return 0, fmt.Errorf("list backup sources: %w", err)
	}

	var (
		result *multierror.Error
		sent   int
	)
	for _, src := range sources {
		if err := p.pub.Publish(ctx, domain.QueueSnapshotJobs, src, 0); err != nil {
			result = multierror.Append(result, fmt.Errorf("disk %s: %w", src.DiskID, err))
			continue
		}
		sent++
	}
	p.log.Info("Backup sources discovered", "disks", len(sources), "enqueued", sent)
	return sent, result.ErrorOrNil()
}
