package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v2"
)

// EnvPrefix marks the flat environment options recognised by Load.
const EnvPrefix = "SMCP_BCK_"

// envOverlay maps flat environment options onto AppConfig. Pointer fields are
// nil when the variable is unset.
type envOverlay struct {
	PrimaryRetentionDays   *int    `mapstructure:"SMCP_BCK_PURGE_PRIMARY_LOCATION_NUMBER_OF_DAYS"`
	SecondaryRetentionDays *int    `mapstructure:"SMCP_BCK_PURGE_SECONDARY_LOCATION_NUMBER_OF_DAYS"`
	SecondaryLocation      *string `mapstructure:"SMCP_BCK_SECONDARY_LOCATION"`
	CopyControlMinutes     *int    `mapstructure:"SMCP_BCK_RETRY_CONTROL_COPY_MINUTES"`
	PurgeControlMinutes    *int    `mapstructure:"SMCP_BCK_RETRY_CONTROL_PURGE_MINUTES"`
	MandatoryTags          []Tag   `mapstructure:"SMCP_BCK_MANDATORY_TAGS"`
	TriggerTag             *Tag    `mapstructure:"SMCP_BCK_BACKUP_TRIGGER_TAG"`
	LimiterBackend         *string `mapstructure:"SMCP_BCK_LIMITER_BACKEND"`
	CopyConcurrencyLimit   *int    `mapstructure:"SMCP_BCK_COPY_CONCURRENCY_LIMIT"`
	RetryMaxAttempts       *int    `mapstructure:"SMCP_BCK_RETRY_MAX_ATTEMPTS"`
	RetryBaseSeconds       *int    `mapstructure:"SMCP_BCK_RETRY_BASE_SECONDS"`
	RetryMaxMinutes        *int    `mapstructure:"SMCP_BCK_RETRY_MAX_MINUTES"`
}

// Load reads configuration from a YAML file, overlays SMCP_BCK_* environment
// options, applies defaults and validates. An empty path skips the file.
func Load(path string) (*AppConfig, error) {
	var cfg AppConfig
	// -1 marks "unset" so an explicit 0 survives applyDefaults.
	cfg.Retry.MaxAttempts = -1
	cfg.Backup.PrimaryRetentionDays = -1
	cfg.Backup.SecondaryRetentionDays = -1

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the YAML content
		expandedData := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg, os.Environ()); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *AppConfig, environ []string) error {
	vars := make(map[string]interface{})
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, EnvPrefix) || v == "" {
			continue
		}
		vars[k] = v
	}
	if len(vars) == 0 {
		return nil
	}

	var ov envOverlay
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &ov,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       jsonTagHook,
	})
	if err != nil {
		return fmt.Errorf("failed to create env decoder: %w", err)
	}
	if err := dec.Decode(vars); err != nil {
		return fmt.Errorf("failed to decode %s* environment: %w", EnvPrefix, err)
	}

	b := &cfg.Backup
	setInt(&b.PrimaryRetentionDays, ov.PrimaryRetentionDays)
	setInt(&b.SecondaryRetentionDays, ov.SecondaryRetentionDays)
	setInt(&b.CopyControlIntervalMinutes, ov.CopyControlMinutes)
	setInt(&b.PurgeControlIntervalMinutes, ov.PurgeControlMinutes)
	if ov.SecondaryLocation != nil {
		b.SecondaryLocation = *ov.SecondaryLocation
	}
	if ov.MandatoryTags != nil {
		b.MandatoryTags = ov.MandatoryTags
	}
	if ov.TriggerTag != nil {
		b.TriggerTag = *ov.TriggerTag
	}
	if ov.LimiterBackend != nil {
		cfg.Limiter.Backend = *ov.LimiterBackend
	}
	setInt(&cfg.Limiter.Limit, ov.CopyConcurrencyLimit)
	setInt(&cfg.Retry.MaxAttempts, ov.RetryMaxAttempts)
	setInt(&cfg.Retry.BaseDelaySeconds, ov.RetryBaseSeconds)
	setInt(&cfg.Retry.MaxDelayMinutes, ov.RetryMaxMinutes)
	return nil
}

// jsonTagHook decodes JSON-encoded tag options.
func jsonTagHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	switch to {
	case reflect.TypeOf([]Tag{}):
		var tags []Tag
		if err := json.Unmarshal([]byte(data.(string)), &tags); err != nil {
			return nil, fmt.Errorf("mandatory tags: %w", err)
		}
		return tags, nil
	case reflect.TypeOf(Tag{}):
		var tag Tag
		if err := json.Unmarshal([]byte(data.(string)), &tag); err != nil {
			return nil, fmt.Errorf("trigger tag: %w", err)
		}
		return tag, nil
	}
	return data, nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	b := &cfg.Backup
	if b.PrimaryRetentionDays < 0 {
		b.PrimaryRetentionDays = 5
	}
	// 0 disables the cross-region copy.
	if b.SecondaryRetentionDays < 0 {
		b.SecondaryRetentionDays = 30
	}
	if b.CopyControlIntervalMinutes == 0 {
		b.CopyControlIntervalMinutes = 60
	}
	if b.PurgeControlIntervalMinutes == 0 {
		b.PurgeControlIntervalMinutes = 60
	}
	if b.TriggerTag.Key == "" {
		b.TriggerTag = Tag{Key: "smcp-backup", Value: "on"}
	}

	l := &cfg.Limiter
	if l.Backend == "" {
		l.Backend = "redis"
	}
	if l.Key == "" {
		l.Key = "copy:counter"
	}
	if l.Limit == 0 {
		l.Limit = 100
	}
	if l.TTL == 0 {
		l.TTL = 2 * time.Hour
	}
	if l.MaxConflictRetries == 0 {
		l.MaxConflictRetries = 5
	}
	if l.ConflictBackoff == 0 {
		l.ConflictBackoff = 50 * time.Millisecond
	}

	r := &cfg.Retry
	if r.MaxAttempts < 0 {
		r.MaxAttempts = 10
	}
	if r.BaseDelaySeconds == 0 {
		r.BaseDelaySeconds = 60
	}
	if r.MaxDelayMinutes == 0 {
		r.MaxDelayMinutes = 60
	}
	if r.BackpressureMinSeconds == 0 {
		r.BackpressureMinSeconds = 6
	}
	if r.BackpressureMaxSeconds == 0 {
		r.BackpressureMaxSeconds = 12
	}

	q := &cfg.Queue
	if q.Backend == "" {
		q.Backend = "redis"
	}
	if q.VisibilityTimeout == 0 {
		q.VisibilityTimeout = 5 * time.Minute
	}
	if q.MaxDeliveries == 0 {
		q.MaxDeliveries = 5
	}
	if q.PollInterval == 0 {
		q.PollInterval = time.Second
	}
	if q.BatchSize == 0 {
		q.BatchSize = 16
	}

	p := &cfg.Provider
	if p.Type == "" {
		p.Type = "gce"
	}
	if p.RequestsPerSecond == 0 {
		p.RequestsPerSecond = 10
	}
	if p.Burst == 0 {
		p.Burst = 20
	}

	if len(cfg.Telemetry.Sinks) == 0 {
		cfg.Telemetry.Sinks = []string{"log"}
	}

	if cfg.Discovery.Interval == 0 {
		cfg.Discovery.Interval = 24 * time.Hour
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Backup.PrimaryRetentionDays < 0 || c.Backup.SecondaryRetentionDays < 0 {
		errs = append(errs, errors.New("retention days must not be negative"))
	}
	if c.Backup.SecondaryRetentionDays > 0 && c.Backup.SecondaryLocation == "" {
		errs = append(errs, errors.New("backup.secondary_location is required while secondary retention is enabled"))
	}
	switch c.Limiter.Backend {
	case "redis", "cas":
	default:
		errs = append(errs, fmt.Errorf("unknown limiter backend %q", c.Limiter.Backend))
	}
	if c.Limiter.Limit < 1 {
		errs = append(errs, errors.New("limiter limit must be positive"))
	}
	switch c.Queue.Backend {
	case "redis", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.Queue.Backend))
	}
	switch c.Provider.Type {
	case "gce", "simulated":
	default:
		errs = append(errs, fmt.Errorf("unknown provider type %q", c.Provider.Type))
	}
	if c.Retry.BackpressureMaxSeconds < c.Retry.BackpressureMinSeconds {
		errs = append(errs, errors.New("backpressure max must not be below min"))
	}
	for _, s := range c.Telemetry.Sinks {
		if s != "log" && s != "postgres" {
			errs = append(errs, fmt.Errorf("unknown telemetry sink %q", s))
		}
	}
	if c.needsDatabase() && c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required by the configured backends"))
	}
	if c.needsRedis() && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required by the configured backends"))
	}
	if c.Provider.Type == "gce" && c.Provider.Project == "" {
		errs = append(errs, errors.New("provider.project is required for gce"))
	}
	return errors.Join(errs...)
}

func (c *AppConfig) needsDatabase() bool {
	if c.Limiter.Backend == "cas" || c.Queue.Backend == "postgres" {
		return true
	}
	for _, s := range c.Telemetry.Sinks {
		if s == "postgres" {
			return true
		}
	}
	return false
}

func (c *AppConfig) needsRedis() bool {
	return c.Limiter.Backend == "redis" || c.Queue.Backend == "redis"
}

// NeedsRedis reports whether any configured backend uses redis.
func (c *AppConfig) NeedsRedis() bool { return c.needsRedis() }
