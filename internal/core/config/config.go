package config

import (
	"time"

	"github.com/vietddude/snapkeeper/internal/core/retry"
	redisclient "github.com/vietddude/snapkeeper/internal/infra/redis"
	"github.com/vietddude/snapkeeper/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Backup    BackupConfig       `yaml:"backup"`
	Limiter   LimiterConfig      `yaml:"limiter"`
	Retry     RetryConfig        `yaml:"retry"`
	Queue     QueueConfig        `yaml:"queue"`
	Provider  ProviderConfig     `yaml:"provider"`
	Telemetry TelemetryConfig    `yaml:"telemetry"`
	Discovery DiscoveryConfig    `yaml:"discovery"`
	Redis     redisclient.Config `yaml:"redis"`
	Logging   LoggingConfig      `yaml:"logging"`
	Database  postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Tag is a key/value pair applied to or matched against cloud resources.
type Tag struct {
	Key   string `yaml:"key"   json:"key"   mapstructure:"key"`
	Value string `yaml:"value" json:"value" mapstructure:"value"`
}

// BackupConfig holds the snapshot and purge policy.
type BackupConfig struct {
	PrimaryRetentionDays        int      `yaml:"primary_retention_days"         mapstructure:"primary_retention_days"`
	SecondaryRetentionDays      int      `yaml:"secondary_retention_days"       mapstructure:"secondary_retention_days"`
	SecondaryLocation           string   `yaml:"secondary_location"             mapstructure:"secondary_location"`
	CopyControlIntervalMinutes  int      `yaml:"copy_control_interval_minutes"  mapstructure:"copy_control_interval_minutes"`
	PurgeControlIntervalMinutes int      `yaml:"purge_control_interval_minutes" mapstructure:"purge_control_interval_minutes"`
	MandatoryTags               []Tag    `yaml:"mandatory_tags"                 mapstructure:"mandatory_tags"`
	TriggerTag                  Tag      `yaml:"trigger_tag"                    mapstructure:"trigger_tag"`
	Cohorts                     []Cohort `yaml:"cohorts"                        mapstructure:"cohorts"`
}

// Cohort overrides retention windows for one VM, matched by name.
type Cohort struct {
	Name                   string `yaml:"name"                     mapstructure:"name"`
	VMName                 string `yaml:"vm_name"                  mapstructure:"vm_name"`
	PrimaryRetentionDays   int    `yaml:"primary_retention_days"   mapstructure:"primary_retention_days"`
	SecondaryRetentionDays int    `yaml:"secondary_retention_days" mapstructure:"secondary_retention_days"`
}

// CopyControlInterval is the delay between copy status polls.
func (b BackupConfig) CopyControlInterval() time.Duration {
	return time.Duration(b.CopyControlIntervalMinutes) * time.Minute
}

// PurgeControlInterval is the delay between purge verification polls.
func (b BackupConfig) PurgeControlInterval() time.Duration {
	return time.Duration(b.PurgeControlIntervalMinutes) * time.Minute
}

// MandatoryTagMap flattens MandatoryTags.
func (b BackupConfig) MandatoryTagMap() map[string]string {
	m := make(map[string]string, len(b.MandatoryTags))
	for _, t := range b.MandatoryTags {
		m[t.Key] = t.Value
	}
	return m
}

// LimiterConfig selects and tunes the copy concurrency limiter.
type LimiterConfig struct {
	Backend            string        `yaml:"backend"              mapstructure:"backend"` // redis, cas
	Key                string        `yaml:"key"                  mapstructure:"key"`
	Limit              int           `yaml:"limit"                mapstructure:"limit"`
	TTL                time.Duration `yaml:"ttl"                  mapstructure:"ttl"`
	MaxConflictRetries int           `yaml:"max_conflict_retries" mapstructure:"max_conflict_retries"`
	ConflictBackoff    time.Duration `yaml:"conflict_backoff"     mapstructure:"conflict_backoff"`
}

// RetryConfig bounds explicit re-enqueue retries.
type RetryConfig struct {
	MaxAttempts            int `yaml:"max_attempts"             mapstructure:"max_attempts"` // 0 = unbounded
	BaseDelaySeconds       int `yaml:"base_delay_seconds"       mapstructure:"base_delay_seconds"`
	MaxDelayMinutes        int `yaml:"max_delay_minutes"        mapstructure:"max_delay_minutes"`
	BackpressureMinSeconds int `yaml:"backpressure_min_seconds" mapstructure:"backpressure_min_seconds"`
	BackpressureMaxSeconds int `yaml:"backpressure_max_seconds" mapstructure:"backpressure_max_seconds"`
}

// Policy converts the config into a retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   time.Duration(r.BaseDelaySeconds) * time.Second,
		MaxDelay:    time.Duration(r.MaxDelayMinutes) * time.Minute,
	}
}

// Backpressure returns the jitter window used when the copy limiter is full.
func (r RetryConfig) Backpressure() (min, max time.Duration) {
	return time.Duration(r.BackpressureMinSeconds) * time.Second,
		time.Duration(r.BackpressureMaxSeconds) * time.Second
}

// QueueConfig selects the message transport.
type QueueConfig struct {
	Backend           string        `yaml:"backend"            mapstructure:"backend"` // redis, postgres, memory
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" mapstructure:"visibility_timeout"`
	MaxDeliveries     int           `yaml:"max_deliveries"     mapstructure:"max_deliveries"`
	PollInterval      time.Duration `yaml:"poll_interval"      mapstructure:"poll_interval"`
	BatchSize         int           `yaml:"batch_size"         mapstructure:"batch_size"`
}

// ProviderConfig selects the cloud adapter.
type ProviderConfig struct {
	Type              string  `yaml:"type"                mapstructure:"type"` // gce, simulated
	Project           string  `yaml:"project"             mapstructure:"project"`
	Zone              string  `yaml:"zone"                mapstructure:"zone"`
	Endpoint          string  `yaml:"endpoint"            mapstructure:"endpoint"`
	CredentialsFile   string  `yaml:"credentials_file"    mapstructure:"credentials_file"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst"               mapstructure:"burst"`
}

// TelemetryConfig selects job-log sinks.
type TelemetryConfig struct {
	Sinks         []string `yaml:"sinks"          mapstructure:"sinks"` // log, postgres
	RetentionDays int      `yaml:"retention_days" mapstructure:"retention_days"`
}

// DiscoveryConfig controls the backup source scheduler.
type DiscoveryConfig struct {
	Enabled  bool          `yaml:"enabled"  mapstructure:"enabled"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}
