// Package provider defines the cloud capabilities the pipeline consumes and
// the adapters that implement them.
package provider

import (
	"context"

	"github.com/vietddude/snapkeeper/internal/core/domain"
)

// CreateRequest asks for a primary snapshot of a disk.
type CreateRequest struct {
	Source domain.SnapshotSource
	Name   string
	Tags   map[string]string
}

// CopyRequest asks for a cross-region copy of a primary snapshot.
type CopyRequest struct {
	Primary        domain.Snapshot
	Name           string
	TargetLocation string
	Tags           map[string]string
}

// SnapshotProvider creates, copies, inspects and deletes snapshots.
type SnapshotProvider interface {
	CreateSnapshot(ctx context.Context, req CreateRequest) (domain.Snapshot, error)
	// CopySnapshot starts a copy and returns the identity of the target
	// snapshot without waiting for it to complete.
	CopySnapshot(ctx context.Context, req CopyRequest) (domain.Snapshot, error)
	GetCopyState(ctx context.Context, snap domain.Snapshot) (domain.CopyState, error)
	// GetSnapshot returns a snapshot by id with its tags.
	GetSnapshot(ctx context.Context, id string) (domain.SnapshotInfo, error)
	DeleteSnapshot(ctx context.Context, subscriptionID, resourceGroup, name string) error
	// ListSnapshots returns every snapshot tagged with the source disk id.
	ListSnapshots(ctx context.Context, subscriptionID, diskID string) ([]domain.SnapshotInfo, error)
	// AreDeleted reports, per name, whether the snapshot is gone.
	AreDeleted(ctx context.Context, subscriptionID, resourceGroup string, names []string) ([]bool, error)
}

// Inventory enumerates the disks to protect.
type Inventory interface {
	ListBackupSources(ctx context.Context) ([]domain.SnapshotSource, error)
}

// DiskRequest asks for a disk restored from a snapshot.
type DiskRequest struct {
	Snapshot      domain.RecoverySnapshot
	Name          string
	ResourceGroup string
}

// VMRequest asks for a VM booted from a restored disk.
type VMRequest struct {
	Name          string
	ResourceGroup string
	Location      string
	Size          string
	SubnetID      string
	// IPAddress is empty for a dynamically assigned address.
	IPAddress    string
	SecurityType string
	OSDisk       domain.VMDisk
}

// RecoveryProvider rebuilds VMs from snapshots.
type RecoveryProvider interface {
	CreateDiskFromSnapshot(ctx context.Context, req DiskRequest) (domain.VMDisk, error)
	CreateVM(ctx context.Context, req VMRequest) (domain.VMInfo, error)
}

// Cloud is everything a full adapter offers.
type Cloud interface {
	SnapshotProvider
	Inventory
	RecoveryProvider
}
