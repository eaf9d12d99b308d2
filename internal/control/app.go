package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/vietddude/snapkeeper/internal/core/config"
	"github.com/vietddude/snapkeeper/internal/core/limiter"
	"github.com/vietddude/snapkeeper/internal/core/worker"
	"github.com/vietddude/snapkeeper/internal/health"
	"github.com/vietddude/snapkeeper/internal/infra/provider"
	"github.com/vietddude/snapkeeper/internal/infra/provider/gce"
	"github.com/vietddude/snapkeeper/internal/infra/queue"
	redisclient "github.com/vietddude/snapkeeper/internal/infra/redis"
	"github.com/vietddude/snapkeeper/internal/infra/storage/memory"
	"github.com/vietddude/snapkeeper/internal/infra/storage/postgres"
	"github.com/vietddude/snapkeeper/internal/infra/telemetry"
	"github.com/vietddude/snapkeeper/internal/pipeline"
	"github.com/vietddude/snapkeeper/internal/recovery"
)

// Options overrides pieces of the dependency graph. Zero values mean "build
// from config".
type Options struct {
	Logger *slog.Logger
	// Cloud replaces the configured provider adapter.
	Cloud provider.Cloud
	// Queue replaces the configured queue backend.
	Queue queue.Queue
}

// App is the assembled backup service.
type App struct {
	cfg *config.AppConfig
	log *slog.Logger

	db          *postgres.DB
	redisClient *redisclient.Client

	cloud    provider.Cloud
	queue    queue.Queue
	slots    limiter.Limiter
	sink     telemetry.Sink
	pipeline *pipeline.Pipeline
	recovery *recovery.Orchestrator

	runner       *worker.Runner
	scheduler    *worker.Scheduler
	pruner       *worker.Pruner
	healthMon    *health.Monitor
	healthServer *health.Server

	cancel context.CancelFunc
	done   chan struct{}
}

// NewApp builds every dependency described by cfg.
func NewApp(ctx context.Context, cfg *config.AppConfig, opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	a := &App{cfg: cfg, log: log}

	if err := a.initStorage(ctx, opts); err != nil {
		_ = a.close()
		return nil, err
	}
	if err := a.initProvider(ctx, opts); err != nil {
		_ = a.close()
		return nil, err
	}
	a.initTelemetry()

	if cfg.Retry.MaxAttempts == 0 {
		log.Warn("Throttle retry cap disabled, throttled work is re-enqueued without limit")
	}

	backpressureMin, backpressureMax := cfg.Retry.Backpressure()
	a.pipeline = pipeline.New(pipeline.Config{
		Settings: pipeline.Settings{
			SecondaryLocation:    cfg.Backup.SecondaryLocation,
			Retention:            pipeline.Retention{PrimaryDays: cfg.Backup.PrimaryRetentionDays, SecondaryDays: cfg.Backup.SecondaryRetentionDays},
			Cohorts:              cohorts(cfg.Backup.Cohorts),
			MandatoryTags:        cfg.Backup.MandatoryTagMap(),
			CopyLimit:            cfg.Limiter.Limit,
			CopyControlInterval:  cfg.Backup.CopyControlInterval(),
			PurgeControlInterval: cfg.Backup.PurgeControlInterval(),
			Retry:                cfg.Retry.Policy(),
			BackpressureMin:      backpressureMin,
			BackpressureMax:      backpressureMax,
		},
		Provider:  a.cloud,
		Limiter:   a.slots,
		Publisher: queue.NewPublisher(a.queue),
		Sink:      a.sink,
		Logger:    log,
	})

	a.recovery = recovery.New(recovery.Config{
		Provider:  a.cloud,
		Snapshots: a.cloud,
		Sink:      a.sink,
		Logger:    log,
	})

	a.runner = worker.NewRunner(a.queue, worker.RunnerConfig{
		Visibility:    cfg.Queue.VisibilityTimeout,
		MaxDeliveries: cfg.Queue.MaxDeliveries,
		PollInterval:  cfg.Queue.PollInterval,
		BatchSize:     cfg.Queue.BatchSize,
		Retry:         cfg.Retry.Policy(),
	}, log, a.pipeline.Stages()...)

	if cfg.Discovery.Enabled {
		a.scheduler = worker.NewScheduler(cfg.Discovery.Interval, a.Discover, log)
	}
	if cfg.Telemetry.RetentionDays > 0 && a.db != nil {
		a.pruner = worker.NewPruner(days(cfg.Telemetry.RetentionDays), postgres.NewJobLogRepo(a.db), log)
	}

	checkers := map[string]health.Checker{}
	if a.db != nil {
		checkers["postgres"] = a.db.Health
	}
	if a.redisClient != nil {
		checkers["redis"] = a.redisClient.Health
	}
	a.healthMon = health.NewMonitor(checkers, a.slots, cfg.Limiter.Limit, a.queue)
	a.healthServer = health.NewServer(a.healthMon, cfg.Server.Port)

	return a, nil
}

func (a *App) initStorage(ctx context.Context, opts Options) error {
	cfg := a.cfg
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		a.db = db
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate db: %w", err)
		}
		a.log.Info("Using PostgreSQL storage")
	}
	if cfg.NeedsRedis() {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to init redis: %w", err)
		}
		a.redisClient = client
	}

	switch {
	case opts.Queue != nil:
		a.queue = opts.Queue
	case cfg.Queue.Backend == "redis":
		a.queue = redisclient.NewQueue(a.redisClient)
	case cfg.Queue.Backend == "postgres":
		if a.db == nil {
			return errors.New("postgres queue requires database.url")
		}
		a.queue = postgres.NewQueueRepo(a.db)
	default:
		a.log.Warn("Using in-memory queue, messages are lost on restart")
		a.queue = queue.NewMemory()
	}

	switch cfg.Limiter.Backend {
	case "redis":
		a.slots = redisclient.NewCounter(a.redisClient, cfg.Limiter.Key, cfg.Limiter.TTL, a.log)
	default:
		var store limiter.VersionedStore
		if a.db != nil {
			store = postgres.NewCounterRepo(a.db)
		} else {
			a.log.Warn("No database configured, copy slots are counted per process")
			store = memory.NewCounterRepo(memory.NewMemoryStorage())
		}
		a.slots = limiter.NewCAS(store, limiter.CASConfig{
			Name:       cfg.Limiter.Key,
			MaxRetries: cfg.Limiter.MaxConflictRetries,
			Backoff:    cfg.Limiter.ConflictBackoff,
		}, a.log)
	}
	a.log.Info("Storage initialized", "queue", cfg.Queue.Backend, "limiter", cfg.Limiter.Backend)
	return nil
}

func (a *App) initProvider(ctx context.Context, opts Options) error {
	cloud := opts.Cloud
	if cloud == nil {
		p := a.cfg.Provider
		switch p.Type {
		case "simulated":
			cloud = provider.NewSimulated()
		default:
			c, err := gce.New(ctx, gce.Config{
				Project:         p.Project,
				Zone:            p.Zone,
				Endpoint:        p.Endpoint,
				CredentialsFile: p.CredentialsFile,
				TriggerKey:      a.cfg.Backup.TriggerTag.Key,
				TriggerValue:    a.cfg.Backup.TriggerTag.Value,
			}, a.log)
			if err != nil {
				return err
			}
			cloud = c
		}
	}
	a.cloud = provider.NewPaced(cloud, a.cfg.Provider.RequestsPerSecond, a.cfg.Provider.Burst)
	return nil
}

func (a *App) initTelemetry() {
	var sinks []telemetry.Sink
	for _, name := range a.cfg.Telemetry.Sinks {
		switch name {
		case "postgres":
			if a.db == nil {
				a.log.Warn("Postgres telemetry sink requested without a database")
				continue
			}
			sinks = append(sinks, postgres.NewJobLogRepo(a.db))
		default:
			sinks = append(sinks, telemetry.NewLogSink(a.log))
		}
	}
	a.sink = telemetry.NewFanout(sinks...)
}

// Start launches the queue consumers and background jobs. It returns at
// once; Stop waits for them.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	go func() {
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Health server failed", "error", err)
		}
	}()

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}
	if a.scheduler != nil {
		go a.scheduler.Start(ctx)
	}
	if a.pruner != nil {
		go a.pruner.Start(ctx)
	}

	go func() {
		defer close(a.done)
		if err := a.runner.Run(ctx); err != nil {
			a.log.Error("Runner failed", "error", err)
		}
	}()

	a.log.Info("snapkeeper started",
		"port", a.cfg.Server.Port,
		"queue", a.cfg.Queue.Backend,
		"provider", a.cfg.Provider.Type,
		"discovery", a.cfg.Discovery.Enabled)
	return nil
}

// Stop cancels every worker and releases connections.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping snapkeeper...")
	var result *multierror.Error

	if a.cancel != nil {
		a.cancel()
		select {
		case <-a.done:
		case <-ctx.Done():
			result = multierror.Append(result, fmt.Errorf("runner did not stop: %w", ctx.Err()))
		}
	}
	if err := a.healthServer.Stop(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("health server: %w", err))
	}
	if err := a.close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (a *App) close() error {
	var result *multierror.Error
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("redis: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("postgres: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// Discover publishes one creation job per protected disk.
func (a *App) Discover(ctx context.Context) (int, error) {
	return a.pipeline.Discover(ctx, a.cloud)
}

// Close releases connections of an App that was never started.
func (a *App) Close() error { return a.close() }

func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }
func (a *App) Runner() *worker.Runner { return a.runner }
func (a *App) Queue() queue.Queue { return a.queue }
func (a *App) Limiter() limiter.Limiter { return a.slots }
func (a *App) Recovery() *recovery.Orchestrator { return a.recovery }
func (a *App) Monitor() *health.Monitor { return a.healthMon }

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func cohorts(in []config.Cohort) []pipeline.Cohort {
	out := make([]pipeline.Cohort, 0, len(in))
	for _, c := range in {
		out = append(out, pipeline.Cohort{
			Name:   c.Name,
			VMName: c.VMName,
			Retention: pipeline.Retention{
				PrimaryDays:   c.PrimaryRetentionDays,
				SecondaryDays: c.SecondaryRetentionDays,
			},
		})
	}
	return out
}
