package gce

import (
	"context"
	"fmt"
	"strconv"

	compute "google.golang.org/api/compute/v1"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/infra/provider"
)

const (
	securityStandard = "Standard"
	securityTrusted  = "TrustedLaunch"
)

// ListBackupSources returns one source per disk attached to an instance that
// carries the trigger label.
func (c *Cloud) ListBackupSources(ctx context.Context) ([]domain.SnapshotSource, error) {
	call := c.svc.Instances.AggregatedList(c.cfg.Project)
	if c.cfg.TriggerKey != "" {
		call = call.Filter(fmt.Sprintf(`labels.%s = "%s"`, labelValue(c.cfg.TriggerKey), labelValue(c.cfg.TriggerValue)))
	}

	var out []domain.SnapshotSource
	err := call.Pages(ctx, func(page *compute.InstanceAggregatedList) error {
		for _, scoped := range page.Items {
			for _, inst := range scoped.Instances {
				out = append(out, c.sourcesOf(inst)...)
			}
		}
		return nil
	})
	if err != nil {
		c.logErrors(err)
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return out, nil
}

func (c *Cloud) sourcesOf(inst *compute.Instance) []domain.SnapshotSource {
	zone := domain.LastSegment(inst.Zone)
	var ip, subnet string
	if len(inst.NetworkInterfaces) > 0 {
		ip = inst.NetworkInterfaces[0].NetworkIP
		subnet = inst.NetworkInterfaces[0].Subnetwork
	}
	security := securityStandard
	if sc := inst.ShieldedInstanceConfig; sc != nil && sc.EnableSecureBoot {
		security = securityTrusted
	}

	sources := make([]domain.SnapshotSource, 0, len(inst.Disks))
	for _, d := range inst.Disks {
		if d.Source == "" {
			continue
		}
		profile := domain.DiskProfileData
		if d.Boot {
			profile = domain.DiskProfileOS
		}
		sources = append(sources, domain.SnapshotSource{
			SubscriptionID: c.cfg.Project,
			ResourceGroup:  zone,
			Location:       regionOf(zone),
			VMID:           inst.SelfLink,
			VMName:         inst.Name,
			VMSize:         domain.LastSegment(inst.MachineType),
			DiskID:         d.Source,
			DiskName:       domain.LastSegment(d.Source),
			DiskSizeGB:     strconv.FormatInt(d.DiskSizeGb, 10),
			DiskSKU:        d.Type,
			DiskProfile:    profile,
			IPAddress:      ip,
			SecurityType:   security,
			SubnetID:       subnet,
		})
	}
	return sources
}

// CreateDiskFromSnapshot restores a disk and waits for the insert to finish,
// since the VM insert that follows needs the disk to exist.
func (c *Cloud) CreateDiskFromSnapshot(ctx context.Context, req provider.DiskRequest) (domain.VMDisk, error) {
	zone := c.zone(req.ResourceGroup)
	disk := &compute.Disk{
		Name:           req.Name,
		SourceSnapshot: req.Snapshot.ID,
	}
	if req.Snapshot.DiskSKU != "" {
		disk.Type = fmt.Sprintf("zones/%s/diskTypes/%s", zone, req.Snapshot.DiskSKU)
	}
	op, err := c.svc.Disks.Insert(c.cfg.Project, zone, disk).
		RequestId(requestID("disk", req.Name)).Context(ctx).Do()
	if err != nil {
		c.logErrors(err)
		return domain.VMDisk{}, fmt.Errorf("failed to create disk %s: %w", req.Name, err)
	}
	if err := c.wait(ctx, zone, op); err != nil {
		return domain.VMDisk{}, fmt.Errorf("failed to create disk %s: %w", req.Name, err)
	}
	return domain.VMDisk{
		Name:   req.Name,
		ID:     fmt.Sprintf("projects/%s/zones/%s/disks/%s", c.cfg.Project, zone, req.Name),
		OSType: "Linux",
	}, nil
}

// CreateVM boots an instance from a restored disk.
func (c *Cloud) CreateVM(ctx context.Context, req provider.VMRequest) (domain.VMInfo, error) {
	zone := c.zone(req.ResourceGroup)
	inst := &compute.Instance{
		Name:        req.Name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", zone, req.Size),
		Disks: []*compute.AttachedDisk{{
			Boot:   true,
			Source: req.OSDisk.ID,
		}},
		NetworkInterfaces: []*compute.NetworkInterface{{
			Subnetwork: req.SubnetID,
			NetworkIP:  req.IPAddress,
		}},
	}
	if req.SecurityType == securityTrusted {
		inst.ShieldedInstanceConfig = &compute.ShieldedInstanceConfig{
			EnableSecureBoot:          true,
			EnableVtpm:                true,
			EnableIntegrityMonitoring: true,
		}
	}
	op, err := c.svc.Instances.Insert(c.cfg.Project, zone, inst).
		RequestId(requestID("create", req.Name)).Context(ctx).Do()
	if err != nil {
		c.logErrors(err)
		return domain.VMInfo{}, fmt.Errorf("failed to create instance %s: %w", req.Name, err)
	}
	if err := opError(op); err != nil {
		return domain.VMInfo{}, fmt.Errorf("failed to create instance %s: %w", req.Name, err)
	}
	id := op.TargetLink
	if id == "" {
		id = fmt.Sprintf("projects/%s/zones/%s/instances/%s", c.cfg.Project, zone, req.Name)
	}
	return domain.VMInfo{Name: req.Name, ID: id, IPAddress: req.IPAddress}, nil
}

func (c *Cloud) wait(ctx context.Context, zone string, op *compute.Operation) error {
	for op.Status != "DONE" {
		var err error
		op, err = c.svc.ZoneOperations.Wait(c.cfg.Project, zone, op.Name).Context(ctx).Do()
		if err != nil {
			c.logErrors(err)
			return err
		}
	}
	return opError(op)
}
