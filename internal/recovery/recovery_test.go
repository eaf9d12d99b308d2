package recovery

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/core/retry"
	"github.com/vietddude/snapkeeper/internal/infra/provider"
	"github.com/vietddude/snapkeeper/internal/infra/telemetry"
)

func newOrchestrator() (*Orchestrator, *provider.Simulated, *telemetry.Recorder) {
	cloud := provider.NewSimulated()
	rec := &telemetry.Recorder{}
	o := New(Config{
		Provider:  cloud,
		Snapshots: cloud,
		Sink:      rec,
		NewID:     func() string { return "job-1" },
		Suffix:    func() string { return "-ab12c" },
	})
	return o, cloud, rec
}

func request() *domain.NewVMDetails {
	return &domain.NewVMDetails{
		TargetSubnetID:       "regions/europe-west4/subnetworks/dr",
		TargetResourceGroup:  "europe-west4-a",
		UseOriginalIPAddress: true,
		BatchID:              "batch-7",
		SourceSnapshot: &domain.RecoverySnapshot{
			SnapshotName: "s20261017t1000-os-1-sec",
			ID:           "projects/backups/global/snapshots/s20261017t1000-os-1-sec",
			Location:     "europe-west4",
			VMName:       "web-1",
			VMSize:       "e2-standard-2",
			DiskProfile:  domain.DiskProfileOS,
			IPAddress:    "10.0.0.4",
			SecurityType: "Standard",
		},
	}
}

func TestRestore(t *testing.T) {
	o, cloud, rec := newOrchestrator()

	vm, err := o.Restore(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "web-1", vm.Name)
	assert.Equal(t, "10.0.0.4", vm.IPAddress)
	assert.Equal(t, 1, cloud.Calls(provider.OpCreateDisk))

	entries := rec.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, domain.OpVMCreateStart, entries[0].Operation)
	assert.Equal(t, domain.StatusRestoreInProgress, entries[0].Status)
	assert.Equal(t, domain.OpVMCreateEnd, entries[1].Operation)
	assert.Equal(t, domain.StatusRestoreCompleted, entries[1].Status)
	assert.Equal(t, "batch-7", entries[1].BatchID)
	assert.Equal(t, vm.ID, entries[1].VMID)
}

func TestRestoreUniqueSuffixAndDynamicIP(t *testing.T) {
	o, _, _ := newOrchestrator()
	in := request()
	in.AppendUniqueSuffix = true
	in.UseOriginalIPAddress = false

	vm, err := o.Restore(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "web-1-ab12c", vm.Name)
	assert.NotEqual(t, "10.0.0.4", vm.IPAddress)
}

func TestRestoreValidationNeverReachesProvider(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.NewVMDetails) *domain.NewVMDetails
		class  retry.Class
	}{
		{"nil input", func(*domain.NewVMDetails) *domain.NewVMDetails { return nil }, retry.ClassPermanent},
		{"no snapshot", func(in *domain.NewVMDetails) *domain.NewVMDetails { in.SourceSnapshot = nil; return in }, retry.ClassPermanent},
		{"no subnet", func(in *domain.NewVMDetails) *domain.NewVMDetails { in.TargetSubnetID = ""; return in }, retry.ClassPermanent},
		{"no resource group", func(in *domain.NewVMDetails) *domain.NewVMDetails { in.TargetResourceGroup = ""; return in }, retry.ClassPermanent},
		{"data disk", func(in *domain.NewVMDetails) *domain.NewVMDetails {
			in.SourceSnapshot.DiskProfile = domain.DiskProfileData
			return in
		}, retry.ClassBusiness},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, cloud, rec := newOrchestrator()
			_, err := o.Restore(context.Background(), tt.mutate(request()))
			require.Error(t, err)
			assert.Equal(t, tt.class, retry.Classify(err))
			assert.Zero(t, cloud.Calls(provider.OpCreateDisk))
			assert.Zero(t, cloud.Calls(provider.OpCreateVM))
			assert.Equal(t, 1, rec.Count(domain.OpError, domain.StatusRestoreFailed))
		})
	}
}

func TestRestoreProviderFailure(t *testing.T) {
	o, cloud, rec := newOrchestrator()
	cloud.FailNext(provider.OpCreateVM,
		errors.New("IP address 10.0.0.4 does not belong to the range of subnet prefix 10.1.0.0/24"))

	_, err := o.Restore(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, retry.ClassPermanent, retry.Classify(err))
	assert.Equal(t, 1, rec.Count(domain.OpVMCreateStart, ""))
	assert.Equal(t, 1, rec.Count(domain.OpError, domain.StatusRestoreFailed))
}

func TestRemap(t *testing.T) {
	tests := []struct {
		err  error
		want retry.Class
	}{
		{errors.New("does not belong to the range of subnet prefix"), retry.ClassPermanent},
		{errors.New("Operation could not be completed as it results in exceeding approved quota"), retry.ClassTransient},
		{errors.New("disk web-1-osdisk already exists"), retry.ClassPermanent},
		{errors.New("Forbidden"), retry.ClassPermanent},
		{errors.New("dial tcp: i/o timeout"), retry.ClassTransient},
		{errors.New("request was throttled"), retry.ClassThrottled},
		{errors.New("rate limit exceeded for instances.insert"), retry.ClassTransient},
		{errors.New("ResourceNotFound: snapshot does not exist"), retry.ClassPermanent},
		{retry.WithStatus(http.StatusTooManyRequests, errors.New("slow down")), retry.ClassThrottled},
		{errors.New("something odd"), retry.ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			err := Remap("VM creation", tt.err)
			assert.Equal(t, tt.want, retry.Classify(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestSnapshotFromID(t *testing.T) {
	o, cloud, _ := newOrchestrator()
	created := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	cloud.AddSnapshot(domain.SnapshotInfo{
		Snapshot: domain.Snapshot{
			ID:       "projects/backups/global/snapshots/s1",
			Name:     "s1",
			Location: "europe-west4",
		},
		Tags: map[string]string{
			domain.TagRecoveryInfo: `{"vmName":"db-1","vmSize":"n2-standard-4","diskProfile":"os-disk","ipAddress":"10.0.0.9"}`,
		},
		CreatedAt: created,
	})

	snap, err := o.SnapshotFromID(context.Background(), "projects/backups/global/snapshots/s1")
	require.NoError(t, err)
	assert.Equal(t, "db-1", snap.VMName)
	assert.Equal(t, domain.DiskProfileOS, snap.DiskProfile)
	assert.Equal(t, "2026-10-17T10:00:00Z", snap.TimeCreated)

	cloud.AddSnapshot(domain.SnapshotInfo{Snapshot: domain.Snapshot{ID: "x", Name: "untagged"}})
	_, err = o.SnapshotFromID(context.Background(), "untagged")
	require.Error(t, err)
	assert.Equal(t, retry.ClassPermanent, retry.Classify(err))

	_, err = o.SnapshotFromID(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, retry.ClassPermanent, retry.Classify(err))
}
