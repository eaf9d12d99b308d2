// Package recovery rebuilds a VM from a recovery snapshot: a disk is restored
// from the snapshot and a VM is booted from that disk in a target subnet.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/core/retry"
	"github.com/vietddude/snapkeeper/internal/infra/provider"
	"github.com/vietddude/snapkeeper/internal/infra/telemetry"
	"github.com/vietddude/snapkeeper/internal/metrics"
)

// SnapshotLookup resolves a snapshot id into its record.
type SnapshotLookup interface {
	GetSnapshot(ctx context.Context, id string) (domain.SnapshotInfo, error)
}

// Config holds the dependencies of an Orchestrator.
type Config struct {
	Provider  provider.RecoveryProvider
	Snapshots SnapshotLookup
	Sink      telemetry.Sink
	Logger    *slog.Logger
	NewID     func() string
	// Suffix generates the name suffix used when uniqueness is requested.
	Suffix func() string
}

// Orchestrator runs VM recoveries.
type Orchestrator struct {
	cloud     provider.RecoveryProvider
	snapshots SnapshotLookup
	sink      telemetry.Sink
	log       *slog.Logger
	newID     func() string
	suffix    func() string
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		cloud:     cfg.Provider,
		snapshots: cfg.Snapshots,
		sink:      cfg.Sink,
		log:       cfg.Logger,
		newID:     cfg.NewID,
		suffix:    cfg.Suffix,
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.log = o.log.With("component", "recovery")
	if o.sink == nil {
		o.sink = telemetry.NewLogSink(o.log)
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if o.suffix == nil {
		o.suffix = func() string { return "-" + uuid.NewString()[:5] }
	}
	return o
}

// Validate checks a request before anything reaches the provider.
func Validate(in *domain.NewVMDetails) error {
	switch {
	case in == nil:
		return retry.Permanent("input is required", nil)
	case in.SourceSnapshot == nil:
		return retry.Permanent("sourceSnapshot is required", nil)
	case in.TargetSubnetID == "":
		return retry.Permanent("targetSubnetId is required", nil)
	case in.TargetResourceGroup == "":
		return retry.Permanent("targetResourceGroup is required", nil)
	case in.SourceSnapshot.ID == "":
		return retry.Permanent("sourceSnapshot.id is required", nil)
	case in.SourceSnapshot.VMName == "":
		return retry.Permanent("sourceSnapshot.vmName is required", nil)
	case in.SourceSnapshot.DiskProfile != domain.DiskProfileOS:
		return retry.Business(fmt.Sprintf(
			"cannot create VM from %s snapshot, only %s snapshots are supported",
			in.SourceSnapshot.DiskProfile, domain.DiskProfileOS), nil)
	}
	return nil
}

// Restore creates the disk and the VM. Every failure is logged as a terminal
// entry and returned with its retry class attached.
func (o *Orchestrator) Restore(ctx context.Context, in *domain.NewVMDetails) (domain.VMInfo, error) {
	entry := domain.JobLogEntry{JobID: o.newID(), Type: domain.JobTypeRestore}
	if in != nil {
		entry.BatchID = in.BatchID
		if s := in.SourceSnapshot; s != nil {
			entry.SnapshotID = s.ID
			entry.SnapshotName = s.SnapshotName
			entry.VMName = s.VMName
		}
	}

	if err := Validate(in); err != nil {
		return domain.VMInfo{}, o.fail(ctx, entry, err)
	}
	snap := in.SourceSnapshot

	suffix := ""
	if in.AppendUniqueSuffix {
		suffix = o.suffix()
	}
	vmName := snap.VMName + suffix
	log := o.log.With("job_id", entry.JobID, "batch_id", in.BatchID, "vm", vmName)

	o.record(ctx, entry, domain.OpVMCreateStart, domain.StatusRestoreInProgress,
		fmt.Sprintf("Starting the creation of VM %s from %s", vmName, snap.ID))

	disk, err := o.cloud.CreateDiskFromSnapshot(ctx, provider.DiskRequest{
		Snapshot:      *snap,
		Name:          vmName + "-osdisk",
		ResourceGroup: in.TargetResourceGroup,
	})
	if err != nil {
		return domain.VMInfo{}, o.fail(ctx, entry, Remap("disk creation", err))
	}
	log.Info("Disk restored", "disk", disk.ID)

	ip := ""
	if in.UseOriginalIPAddress {
		ip = snap.IPAddress
	}
	vm, err := o.cloud.CreateVM(ctx, provider.VMRequest{
		Name:          vmName,
		ResourceGroup: in.TargetResourceGroup,
		Location:      snap.Location,
		Size:          snap.VMSize,
		SubnetID:      in.TargetSubnetID,
		IPAddress:     ip,
		SecurityType:  snap.SecurityType,
		OSDisk:        disk,
	})
	if err != nil {
		return domain.VMInfo{}, o.fail(ctx, entry, Remap("VM creation", err))
	}

	entry.VMID = vm.ID
	entry.IPAddress = vm.IPAddress
	log.Info("VM restored", "vm_id", vm.ID, "ip", vm.IPAddress)
	o.record(ctx, entry, domain.OpVMCreateEnd, domain.StatusRestoreCompleted,
		fmt.Sprintf("Finished the creation of VM %s from %s", vmName, snap.ID))
	return vm, nil
}

// SnapshotFromID builds a recovery snapshot from the record of a snapshot,
// reading the VM descriptor stored with it at backup time.
func (o *Orchestrator) SnapshotFromID(ctx context.Context, id string) (domain.RecoverySnapshot, error) {
	info, err := o.snapshots.GetSnapshot(ctx, id)
	if err != nil {
		return domain.RecoverySnapshot{}, Remap("snapshot lookup", err)
	}
	raw, ok := info.Tags[domain.TagRecoveryInfo]
	if !ok || raw == "" {
		return domain.RecoverySnapshot{}, retry.Permanent(
			fmt.Sprintf("snapshot %s has no %s tag", info.Name, domain.TagRecoveryInfo), nil)
	}
	var vm domain.VMRecoveryInfo
	if err := json.Unmarshal([]byte(raw), &vm); err != nil {
		return domain.RecoverySnapshot{}, retry.Permanent(
			fmt.Sprintf("snapshot %s has an unreadable recovery descriptor", info.Name), err)
	}
	created := ""
	if !info.CreatedAt.IsZero() {
		created = info.CreatedAt.UTC().Format(time.RFC3339)
	}
	return domain.RecoverySnapshot{
		SnapshotName:  info.Name,
		ResourceGroup: info.ResourceGroup,
		ID:            info.ID,
		Location:      info.Location,
		TimeCreated:   created,
		VMName:        vm.VMName,
		VMSize:        vm.VMSize,
		DiskSKU:       vm.DiskSKU,
		DiskProfile:   vm.DiskProfile,
		IPAddress:     vm.IPAddress,
		SecurityType:  vm.SecurityType,
	}, nil
}

func (o *Orchestrator) fail(ctx context.Context, entry domain.JobLogEntry, err error) error {
	class := retry.Classify(err)
	metrics.ClassifiedErrors.WithLabelValues(class.String()).Inc()
	o.log.Error("VM recovery failed", "job_id", entry.JobID, "snapshot_id", entry.SnapshotID,
		"class", class, "retryable", class.Retryable(), "error", err)
	o.record(ctx, entry, domain.OpError, domain.StatusRestoreFailed,
		fmt.Sprintf("Failed to create VM from snapshot %s: %v", entry.SnapshotID, err))
	return err
}

func (o *Orchestrator) record(ctx context.Context, e domain.JobLogEntry, op domain.JobOperation, status domain.JobStatus, msg string) {
	e.Operation = op
	e.Status = status
	e.Message = msg
	if err := o.sink.Append(ctx, e); err != nil {
		o.log.Warn("Failed to append job log entry", "job_id", e.JobID, "error", err)
	}
}

// Remap attaches a retry class to a provider failure based on its message,
// falling back to the general classifier.
func Remap(operation string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(lower, strings.ToLower(s)) {
				return true
			}
		}
		return false
	}

	switch {
	case has("does not belong to the range of subnet prefix", "is not in subnetwork", "outside the subnet"):
		return retry.Permanent(operation+" failed, IP address outside the subnet range", err)
	// "limit" also matches "rate limit", so rate limiting lands here as
	// Transient and the throttle case below only sees "throttl" messages.
	case has("quota", "limit"):
		return retry.Transient(operation+" failed due to quota limits", err)
	case has("already exists", "ConflictError"):
		return retry.Permanent(operation+" failed, resource already exists", err)
	case has("Unauthorized", "Forbidden", "does not have authorization", "permission"):
		return retry.Permanent(operation+" failed, not authorized", err)
	case has("timeout", "network", "connection"):
		return retry.Transient(operation+" failed due to network issues", err)
	case has("throttl", "rate limit"):
		return retry.Throttled(operation+" failed due to rate limiting", err)
	case has("NotFound", "not found", "does not exist"):
		return retry.Permanent(operation+" failed, resource not found", err)
	}

	switch retry.Classify(err) {
	case retry.ClassPermanent:
		return retry.Permanent(operation+" failed", err)
	case retry.ClassBusiness:
		return retry.Business(operation+" failed", err)
	case retry.ClassThrottled:
		return retry.Throttled(operation+" failed", err)
	default:
		return retry.Transient(operation+" failed", err)
	}
}
