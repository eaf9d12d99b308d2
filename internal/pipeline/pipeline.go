// Package pipeline implements the backup stages. Every stage is a handler for
// one queue; the message it receives is the whole state of the job, and the
// stage moves the job forward by publishing the next message.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/core/limiter"
	"github.com/vietddude/snapkeeper/internal/core/retry"
	"github.com/vietddude/snapkeeper/internal/core/worker"
	"github.com/vietddude/snapkeeper/internal/infra/provider"
	"github.com/vietddude/snapkeeper/internal/infra/queue"
	"github.com/vietddude/snapkeeper/internal/infra/telemetry"
	"github.com/vietddude/snapkeeper/internal/metrics"
)

// Stage names, used as metric labels.
const (
	StageCreation     = "snapshot-creation"
	StageCopy         = "copy-dispatch"
	StageCopyControl  = "copy-control"
	StagePurge        = "purge-dispatch"
	StagePurgeExec    = "purge-execution"
	StagePurgeControl = "purge-control"
)

// Retention is a pair of retention windows in days.
type Retention struct {
	PrimaryDays   int
	SecondaryDays int
}

// Cohort overrides the retention of one VM, matched by name.
type Cohort struct {
	Name   string
	VMName string
	Retention
}

// Settings is the backup policy.
type Settings struct {
	SecondaryLocation string
	Retention         Retention
	Cohorts           []Cohort
	MandatoryTags     map[string]string

	CopyLimit            int
	CopyControlInterval  time.Duration
	PurgeControlInterval time.Duration

	// Retry bounds throttled re-enqueues of copy and purge work.
	Retry retry.Policy
	// BackpressureMin and BackpressureMax bound the delay used when no copy
	// slot is free.
	BackpressureMin time.Duration
	BackpressureMax time.Duration
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		Retention:            Retention{PrimaryDays: 5, SecondaryDays: 30},
		CopyLimit:            100,
		CopyControlInterval:  time.Hour,
		PurgeControlInterval: time.Hour,
		Retry:                retry.DefaultPolicy(),
		BackpressureMin:      6 * time.Second,
		BackpressureMax:      12 * time.Second,
	}
}

// Config holds the dependencies of a Pipeline.
type Config struct {
	Settings  Settings
	Provider  provider.SnapshotProvider
	Limiter   limiter.Limiter
	Publisher *queue.Publisher
	Sink      telemetry.Sink
	Logger    *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// NewID defaults to uuid.NewString.
	NewID func() string
}

// Pipeline holds the backup stage handlers.
type Pipeline struct {
	cfg   Settings
	cloud provider.SnapshotProvider
	slots limiter.Limiter
	pub   *queue.Publisher
	sink  telemetry.Sink
	log   *slog.Logger
	now   func() time.Time
	newID func() string
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		cfg:   cfg.Settings,
		cloud: cfg.Provider,
		slots: cfg.Limiter,
		pub:   cfg.Publisher,
		sink:  cfg.Sink,
		log:   cfg.Logger,
		now:   cfg.Now,
		newID: cfg.NewID,
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("component", "pipeline")
	if p.now == nil {
		p.now = time.Now
	}
	if p.newID == nil {
		p.newID = uuid.NewString
	}
	if p.sink == nil {
		p.sink = telemetry.NewLogSink(p.log)
	}
	return p
}

// Stages returns one consumer route per backup queue.
func (p *Pipeline) Stages() []worker.Stage {
	return []worker.Stage{
		{Name: StageCreation, Queue: domain.QueueSnapshotJobs, Handle: p.HandleSnapshotJob},
		{Name: StageCopy, Queue: domain.QueueCopyJobs, Handle: p.HandleCopyJob},
		{Name: StageCopyControl, Queue: domain.QueueCopyControl, Handle: p.HandleCopyControl},
		{Name: StagePurge, Queue: domain.QueuePurgeJobs, Handle: p.HandlePurgeJob},
		{Name: StagePurgeExec, Queue: domain.QueuePurgeSnapshots, Handle: p.HandlePurgeSnapshot},
		{Name: StagePurgeControl, Queue: domain.QueuePurgeControl, Handle: p.HandlePurgeControl},
	}
}

// record appends a job-log entry. A sink failure is logged and swallowed so a
// redelivery never repeats a transition that already happened.
func (p *Pipeline) record(ctx context.Context, e domain.JobLogEntry, op domain.JobOperation, status domain.JobStatus, msg string) {
	e.Operation = op
	e.Status = status
	e.Message = msg
	if err := p.sink.Append(ctx, e); err != nil {
		p.log.Warn("Failed to append job log entry", "job_id", e.JobID, "operation", op, "error", err)
	}
}

// requeue publishes v back to queue after delay.
func (p *Pipeline) requeue(ctx context.Context, stage, reason, queueName string, v any, delay time.Duration) error {
	metrics.Requeues.WithLabelValues(stage, reason).Inc()
	return p.pub.Publish(ctx, queueName, v, delay)
}

// releaseSlot gives a copy slot back. Failures are logged: the fast counter
// expires on its own and the CAS counter floors at zero.
func (p *Pipeline) releaseSlot(ctx context.Context, jobID string) {
	if err := p.slots.Release(ctx); err != nil {
		p.log.Error("Failed to release copy slot", "job_id", jobID, "error", err)
		return
	}
	if n, err := p.slots.Count(ctx); err == nil {
		metrics.CopySlotsInUse.Set(float64(n))
	}
}

// retention returns the windows for the VM, honouring cohort overrides.
func (p *Pipeline) retention(vmID string) (Retention, string) {
	vmName := domain.LastSegment(vmID)
	for _, c := range p.cfg.Cohorts {
		if c.VMName != "" && strings.EqualFold(c.VMName, vmName) {
			return c.Retention, c.Name
		}
	}
	return p.cfg.Retention, ""
}

// scopeOf extracts the subscription and resource group of a snapshot id. Both
// ARM-style and Compute Engine ids are understood.
func scopeOf(id string) (subscription, resourceGroup string) {
	subscription = domain.Segment(id, "subscriptions")
	if subscription == "" {
		subscription = domain.Segment(id, "projects")
	}
	resourceGroup = domain.Segment(id, "resourceGroups")
	if resourceGroup == "" {
		resourceGroup = domain.Segment(id, "zones")
	}
	return subscription, resourceGroup
}

// malformed marks an undecodable body as permanent; redelivery cannot fix it.
func malformed(err error) error {
	return retry.Permanent("malformed message", err)
}
