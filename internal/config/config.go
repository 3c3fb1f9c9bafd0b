// Package config loads flatline process configuration from a YAML file with
// FLATLINE_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/roach88/flatline/internal/daemon"
	"github.com/roach88/flatline/internal/version"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLATLINE_"

// Config is the runtime configuration of a flatline process.
type Config struct {
	// Database is the SQLite file holding the event log. Projected tables
	// live there too unless TargetDSN is set.
	Database string `yaml:"database" env:"DATABASE"`
	// TargetDSN optionally points projected tables, marks and leases at a
	// Postgres database.
	TargetDSN      string `yaml:"target_dsn" env:"TARGET_DSN"`
	ProjectionsDir string `yaml:"projections_dir" env:"PROJECTIONS_DIR"`
	Mode           string `yaml:"mode" env:"MODE"`
	Owner          string `yaml:"owner" env:"OWNER"`

	BatchSize        int           `yaml:"batch_size" env:"BATCH_SIZE"`
	BatchMaxWait     time.Duration `yaml:"batch_max_wait" env:"BATCH_MAX_WAIT"`
	PollInterval     time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	CatchUpThreshold int64         `yaml:"catch_up_threshold" env:"CATCH_UP_THRESHOLD"`
	MaxAttempts      int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	RetryInitial     time.Duration `yaml:"retry_initial" env:"RETRY_INITIAL"`
	RetryMax         time.Duration `yaml:"retry_max" env:"RETRY_MAX"`
	StopTimeout      time.Duration `yaml:"stop_timeout" env:"STOP_TIMEOUT"`
	LeaseTTL         time.Duration `yaml:"lease_ttl" env:"LEASE_TTL"`

	FailFastSchema   bool `yaml:"fail_fast_schema" env:"FAIL_FAST_SCHEMA"`
	ApplySchema      bool `yaml:"apply_schema" env:"APPLY_SCHEMA"`
	VersionCacheSize int  `yaml:"version_cache_size" env:"VERSION_CACHE_SIZE"`

	Environment  string `yaml:"environment" env:"ENVIRONMENT"`
	OTelEndpoint string `yaml:"otel_endpoint" env:"OTEL_ENDPOINT"`
}

// DefaultStopTimeout bounds a graceful stop before in-flight batches are
// cancelled.
const DefaultStopTimeout = 10 * time.Second

// Default returns the configuration used for anything a file or the
// environment does not set.
func Default() Config {
	return Config{
		Mode:             string(daemon.ModeSolo),
		BatchSize:        daemon.DefaultBatchSize,
		BatchMaxWait:     daemon.DefaultBatchMaxWait,
		PollInterval:     daemon.DefaultPollInterval,
		CatchUpThreshold: daemon.DefaultCatchUpThreshold,
		MaxAttempts:      daemon.DefaultMaxAttempts,
		RetryInitial:     daemon.DefaultRetryInitial,
		RetryMax:         daemon.DefaultRetryMax,
		StopTimeout:      DefaultStopTimeout,
		LeaseTTL:         daemon.DefaultLeaseTTL,
		FailFastSchema:   true,
		VersionCacheSize: version.DefaultSize,
		Environment:      "development",
	}
}

// Overrides are command-line values that win over the file and the
// environment. Empty fields are ignored.
type Overrides struct {
	Database       string
	TargetDSN      string
	ProjectionsDir string
}

func (o Overrides) apply(c *Config) {
	if o.Database != "" {
		c.Database = o.Database
	}
	if o.TargetDSN != "" {
		c.TargetDSN = o.TargetDSN
	}
	if o.ProjectionsDir != "" {
		c.ProjectionsDir = o.ProjectionsDir
	}
}

// Load reads path (skipped when empty), applies environment overrides, fills
// defaults and validates the result. Relative paths in the file resolve
// against the file's directory.
func Load(path string) (Config, error) {
	return LoadWithOverrides(path, Overrides{})
}

// LoadWithOverrides is Load with command-line overrides applied after the
// environment.
func LoadWithOverrides(path string, o Overrides) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	o.apply(&cfg)

	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) resolvePaths(dir string) {
	if c.Database != "" && !filepath.IsAbs(c.Database) {
		c.Database = filepath.Join(dir, c.Database)
	}
	if c.ProjectionsDir != "" && !filepath.IsAbs(c.ProjectionsDir) {
		c.ProjectionsDir = filepath.Join(dir, c.ProjectionsDir)
	}
}

// Normalized replaces non-positive tuning values with defaults.
func (c Config) Normalized() Config {
	d := Default()
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchMaxWait < 0 {
		c.BatchMaxWait = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.CatchUpThreshold <= 0 {
		c.CatchUpThreshold = d.CatchUpThreshold
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = d.RetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	if c.VersionCacheSize <= 0 {
		c.VersionCacheSize = d.VersionCacheSize
	}
	if c.Environment == "" {
		c.Environment = d.Environment
	}
	return c
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if c.ProjectionsDir == "" {
		errs = append(errs, errors.New("projections_dir is required"))
	}
	switch daemon.Mode(c.Mode) {
	case daemon.ModeSolo, daemon.ModeCoordinated:
	default:
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", daemon.ModeSolo, daemon.ModeCoordinated, c.Mode))
	}
	if c.RetryInitial > c.RetryMax {
		errs = append(errs, fmt.Errorf("retry_initial %s exceeds retry_max %s", c.RetryInitial, c.RetryMax))
	}
	if c.LeaseTTL < 3*c.PollInterval {
		errs = append(errs, fmt.Errorf("lease_ttl %s must be at least three poll intervals (%s)", c.LeaseTTL, 3*c.PollInterval))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// DaemonMode returns the configured ownership mode.
func (c Config) DaemonMode() daemon.Mode { return daemon.Mode(c.Mode) }

// DaemonOptions converts the tuning settings to daemon options. Dialect,
// catalog and coordinator depend on the opened databases and are added by
// the caller.
func (c Config) DaemonOptions(logger *zap.Logger) []daemon.Option {
	opts := []daemon.Option{
		daemon.WithLogger(logger),
		daemon.WithBatchSize(c.BatchSize),
		daemon.WithBatchMaxWait(c.BatchMaxWait),
		daemon.WithPollInterval(c.PollInterval),
		daemon.WithCatchUpThreshold(c.CatchUpThreshold),
		daemon.WithMaxAttempts(c.MaxAttempts),
		daemon.WithRetryIntervals(c.RetryInitial, c.RetryMax),
		daemon.WithLeaseTTL(c.LeaseTTL),
		daemon.WithFailFastSchema(c.FailFastSchema),
		daemon.WithApplySchema(c.ApplySchema),
		daemon.WithVersionCacheSize(c.VersionCacheSize),
	}
	if c.Owner != "" {
		opts = append(opts, daemon.WithOwner(c.Owner))
	}
	return opts
}
