package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/snapkeeper/internal/core/config"
	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/infra/provider"
	"github.com/vietddude/snapkeeper/internal/infra/queue"
)

func localConfig() *config.AppConfig {
	return &config.AppConfig{
		Server: config.ServerConfig{Port: 0},
		Backup: config.BackupConfig{
			PrimaryRetentionDays:        5,
			SecondaryRetentionDays:      30,
			SecondaryLocation:           "europe-west4",
			CopyControlIntervalMinutes:  60,
			PurgeControlIntervalMinutes: 60,
			Cohorts: []config.Cohort{
				{Name: "UC01", VMName: "uc01-vm", PrimaryRetentionDays: 0, SecondaryRetentionDays: 1},
			},
		},
		Limiter: config.LimiterConfig{Backend: "cas", Key: "copy:counter", Limit: 2},
		Retry: config.RetryConfig{
			MaxAttempts:            3,
			BaseDelaySeconds:       1,
			MaxDelayMinutes:        1,
			BackpressureMinSeconds: 6,
			BackpressureMaxSeconds: 12,
		},
		Queue:     config.QueueConfig{Backend: "memory", MaxDeliveries: 5, PollInterval: 10 * time.Millisecond},
		Provider:  config.ProviderConfig{Type: "simulated", RequestsPerSecond: 1000, Burst: 100},
		Telemetry: config.TelemetryConfig{Sinks: []string{"log"}},
		Discovery: config.DiscoveryConfig{Interval: time.Hour},
	}
}

func TestNewAppLocal(t *testing.T) {
	app, err := NewApp(context.Background(), localConfig(), Options{})
	require.NoError(t, err)
	defer app.Close()

	assert.NotNil(t, app.Pipeline())
	assert.NotNil(t, app.Runner())
	assert.NotNil(t, app.Recovery())
	assert.IsType(t, &queue.Memory{}, app.Queue())
	assert.Nil(t, app.scheduler)
	assert.Nil(t, app.pruner)
}

func TestAppDiscoverAndDrain(t *testing.T) {
	ctx := context.Background()
	cloud := provider.NewSimulated()
	cloud.AddSource(domain.SnapshotSource{
		SubscriptionID: "backups",
		ResourceGroup:  "europe-west1-b",
		Location:       "europe-west1",
		VMID:           "projects/backups/zones/europe-west1-b/instances/web-1",
		VMName:         "web-1",
		DiskID:         "projects/backups/zones/europe-west1-b/disks/data-1",
		DiskName:       "data-1",
		DiskProfile:    domain.DiskProfileData,
	})
	q := queue.NewMemory()

	app, err := NewApp(ctx, localConfig(), Options{Cloud: cloud, Queue: q})
	require.NoError(t, err)
	defer app.Close()

	n, err := app.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, app.Runner().RunOnce(ctx))

	assert.Equal(t, 1, cloud.Calls(provider.OpCreateSnapshot))
	assert.Equal(t, 1, cloud.Calls(provider.OpCopySnapshot))
	// the copy is now polled an hour later
	assert.Len(t, q.Pending(domain.QueueCopyControl), 1)

	held, err := app.Limiter().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, held)

	report := app.Monitor().CheckHealth(ctx)
	assert.Equal(t, 1, report.CopySlotsInUse)
	assert.Equal(t, 2, report.CopySlotLimit)
}

func TestAppLifecycle(t *testing.T) {
	cfg := localConfig()
	cfg.Discovery.Enabled = true

	app, err := NewApp(context.Background(), cfg, Options{Cloud: provider.NewSimulated()})
	require.NoError(t, err)
	require.NotNil(t, app.scheduler)

	require.NoError(t, app.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Stop(ctx))
}

func TestNewAppRejectsUnreachableRedis(t *testing.T) {
	cfg := localConfig()
	cfg.Queue.Backend = "redis"
	cfg.Redis.URL = "redis://127.0.0.1:1/0"

	_, err := NewApp(context.Background(), cfg, Options{})
	require.Error(t, err)
}
