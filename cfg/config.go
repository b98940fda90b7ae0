// Package cfg loads the application configuration document.
package cfg

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

const (
	defaultVersion              = 1
	defaultMaxPerOrigin         = 4
	defaultBlockCooldownMin     = 10
	defaultBaseWindowMin        = 5
	defaultMaxWindowMin         = 7 * 24 * 60
	defaultRetentionEnglishDays = 30
	defaultRetentionOtherDays   = 7
	defaultMaxCallsPerMinute    = 100
	defaultJitterMinSec         = 0.5
	defaultJitterMaxSec         = 2.0
	defaultPrimaryCallsPerMin   = 20
	defaultPrimaryJitterMinSec  = 1.0
	defaultPrimaryJitterMaxSec  = 3.0
	defaultReadLockTimeoutSec   = 5
	defaultWriteLockTimeoutSec  = 30
	defaultCacheMaxSizeMB       = 512
	defaultMinFreePercent       = 5
	defaultCleanIntervalMin     = 30
	defaultFetchTimeoutSec      = 30

	defaultQueryEndpoint = "https://api.achievolab.net/catalog/owned"
	defaultMediaBaseURL  = "https://media.achievolab.net/items"
)

var ErrConfigMissing = errors.New("config missing")

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (v ValidationError) Error() string {
	if len(v.Issues) == 0 {
		return "config validation failed"
	}
	if len(v.Issues) == 1 {
		return v.Issues[0]
	}
	return fmt.Sprintf("config validation failed: %s", v.Issues)
}

// Config describes runtime behaviour of the caching core.
type Config struct {
	Version  int           `yaml:"version"`
	Origins  OriginsConfig `yaml:"origins"`
	Backoff  BackoffConfig `yaml:"backoff"`
	QueryAPI RateConfig    `yaml:"query_api"`
	// PrimaryAPI applies a stricter budget to the platform's main catalog
	// endpoint, which throttles far sooner than the artwork CDNs.
	PrimaryAPI RateConfig    `yaml:"primary_api"`
	Remote     RemoteConfig  `yaml:"remote"`
	Locks      LocksConfig   `yaml:"locks"`
	Cache      CacheConfig   `yaml:"cache"`
	Logging    LoggingConfig `yaml:"logging"`
}

// RemoteConfig names the upstream endpoints.
type RemoteConfig struct {
	// QueryEndpoint enumerates the user's owned items.
	QueryEndpoint string `yaml:"query_endpoint"`
	// MediaBaseURL prefixes every resolved artwork URL.
	MediaBaseURL string `yaml:"media_base_url"`
}

// OriginsConfig bounds traffic toward each remote content host.
type OriginsConfig struct {
	MaxConcurrentPerOrigin int `yaml:"max_concurrent_per_origin"`
	BlockCooldownMin       int `yaml:"block_cooldown_min"`
	FetchTimeoutSec        int `yaml:"fetch_timeout_sec"`
}

// BackoffConfig tunes the failure ledger's retry windows.
type BackoffConfig struct {
	BaseWindowMin        int `yaml:"base_window_min"`
	MaxWindowMin         int `yaml:"max_window_min"`
	RetentionEnglishDays int `yaml:"retention_english_days"`
	RetentionOtherDays   int `yaml:"retention_other_days"`
}

// RateConfig tunes a calls-per-minute limiter with randomized jitter.
type RateConfig struct {
	MaxCallsPerMinute int     `yaml:"max_calls_per_minute"`
	JitterMinSec      float64 `yaml:"jitter_min_sec"`
	JitterMaxSec      float64 `yaml:"jitter_max_sec"`
}

// LocksConfig bounds waits on the shared documents' advisory locks.
type LocksConfig struct {
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
}

// CacheConfig describes the artwork cache directory and its capacity.
type CacheConfig struct {
	Dir              string `yaml:"dir"`
	MaxSizeMB        int    `yaml:"max_size_mb"`
	MinFreePercent   int    `yaml:"min_free_percent"`
	CleanIntervalMin int    `yaml:"clean_interval_min"`
}

// LoggingConfig selects log level, format, and destination.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// LoadConfig reads config from the provided path. When the file does not
// exist it writes a template and returns ErrConfigMissing to prompt the
// user to edit the newly created file.
func LoadConfig(path string) (*Config, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand config path: %w", err)
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if writeErr := writeTemplate(expanded); writeErr != nil {
				return nil, writeErr
			}
			return nil, ErrConfigMissing
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if vErr := cfg.validate(); len(vErr.Issues) > 0 {
		return nil, vErr
	}

	return &cfg, nil
}

// EffectiveCacheDir resolves the cache directory, defaulting under the
// user's home when unset.
func (c Config) EffectiveCacheDir() (string, error) {
	if c.Cache.Dir != "" {
		return homedir.Expand(c.Cache.Dir)
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".achievolab", "cache"), nil
}

// BaseWindow returns the shortest back-off window.
func (c Config) BaseWindow() time.Duration {
	return time.Duration(c.Backoff.BaseWindowMin) * time.Minute
}

// MaxWindow returns the back-off growth ceiling.
func (c Config) MaxWindow() time.Duration {
	return time.Duration(c.Backoff.MaxWindowMin) * time.Minute
}

// ReadLockTimeout returns the bounded wait for shared-document reads.
func (c Config) ReadLockTimeout() time.Duration {
	return time.Duration(c.Locks.ReadTimeoutSec) * time.Second
}

// WriteLockTimeout returns the bounded wait for shared-document writes.
func (c Config) WriteLockTimeout() time.Duration {
	return time.Duration(c.Locks.WriteTimeoutSec) * time.Second
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = defaultVersion
	}
	if c.Origins.MaxConcurrentPerOrigin == 0 {
		c.Origins.MaxConcurrentPerOrigin = defaultMaxPerOrigin
	}
	if c.Origins.BlockCooldownMin == 0 {
		c.Origins.BlockCooldownMin = defaultBlockCooldownMin
	}
	if c.Origins.FetchTimeoutSec == 0 {
		c.Origins.FetchTimeoutSec = defaultFetchTimeoutSec
	}
	if c.Backoff.BaseWindowMin == 0 {
		c.Backoff.BaseWindowMin = defaultBaseWindowMin
	}
	if c.Backoff.MaxWindowMin == 0 {
		c.Backoff.MaxWindowMin = defaultMaxWindowMin
	}
	if c.Backoff.RetentionEnglishDays == 0 {
		c.Backoff.RetentionEnglishDays = defaultRetentionEnglishDays
	}
	if c.Backoff.RetentionOtherDays == 0 {
		c.Backoff.RetentionOtherDays = defaultRetentionOtherDays
	}
	if c.QueryAPI.MaxCallsPerMinute == 0 {
		c.QueryAPI.MaxCallsPerMinute = defaultMaxCallsPerMinute
	}
	if c.QueryAPI.JitterMinSec == 0 {
		c.QueryAPI.JitterMinSec = defaultJitterMinSec
	}
	if c.QueryAPI.JitterMaxSec == 0 {
		c.QueryAPI.JitterMaxSec = defaultJitterMaxSec
	}
	if c.PrimaryAPI.MaxCallsPerMinute == 0 {
		c.PrimaryAPI.MaxCallsPerMinute = defaultPrimaryCallsPerMin
	}
	if c.PrimaryAPI.JitterMinSec == 0 {
		c.PrimaryAPI.JitterMinSec = defaultPrimaryJitterMinSec
	}
	if c.PrimaryAPI.JitterMaxSec == 0 {
		c.PrimaryAPI.JitterMaxSec = defaultPrimaryJitterMaxSec
	}
	if c.Remote.QueryEndpoint == "" {
		c.Remote.QueryEndpoint = defaultQueryEndpoint
	}
	if c.Remote.MediaBaseURL == "" {
		c.Remote.MediaBaseURL = defaultMediaBaseURL
	}
	if c.Locks.ReadTimeoutSec == 0 {
		c.Locks.ReadTimeoutSec = defaultReadLockTimeoutSec
	}
	if c.Locks.WriteTimeoutSec == 0 {
		c.Locks.WriteTimeoutSec = defaultWriteLockTimeoutSec
	}
	if c.Cache.MaxSizeMB == 0 {
		c.Cache.MaxSizeMB = defaultCacheMaxSizeMB
	}
	if c.Cache.MinFreePercent == 0 {
		c.Cache.MinFreePercent = defaultMinFreePercent
	}
	if c.Cache.CleanIntervalMin == 0 {
		c.Cache.CleanIntervalMin = defaultCleanIntervalMin
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

func (c Config) validate() ValidationError {
	issues := make([]string, 0)

	if c.Version != defaultVersion {
		issues = append(issues, "version must be 1")
	}
	if c.Origins.MaxConcurrentPerOrigin <= 0 {
		issues = append(issues, "origins.max_concurrent_per_origin must be > 0")
	}
	if c.Origins.BlockCooldownMin <= 0 {
		issues = append(issues, "origins.block_cooldown_min must be > 0")
	}
	if c.Origins.FetchTimeoutSec <= 0 {
		issues = append(issues, "origins.fetch_timeout_sec must be > 0")
	}
	if c.Backoff.BaseWindowMin <= 0 {
		issues = append(issues, "backoff.base_window_min must be > 0")
	}
	if c.Backoff.MaxWindowMin < c.Backoff.BaseWindowMin {
		issues = append(issues, "backoff.max_window_min must be >= backoff.base_window_min")
	}
	if c.Backoff.RetentionEnglishDays <= 0 {
		issues = append(issues, "backoff.retention_english_days must be > 0")
	}
	if c.Backoff.RetentionOtherDays <= 0 {
		issues = append(issues, "backoff.retention_other_days must be > 0")
	}
	for name, rc := range map[string]RateConfig{"query_api": c.QueryAPI, "primary_api": c.PrimaryAPI} {
		if rc.MaxCallsPerMinute <= 0 {
			issues = append(issues, name+".max_calls_per_minute must be > 0")
		}
		if rc.JitterMinSec < 0 || rc.JitterMaxSec < rc.JitterMinSec {
			issues = append(issues, name+".jitter bounds must satisfy 0 <= min <= max")
		}
	}
	if c.Locks.ReadTimeoutSec <= 0 {
		issues = append(issues, "locks.read_timeout_sec must be > 0")
	}
	if c.Locks.WriteTimeoutSec <= 0 {
		issues = append(issues, "locks.write_timeout_sec must be > 0")
	}
	if c.Cache.MaxSizeMB <= 0 {
		issues = append(issues, "cache.max_size_mb must be > 0")
	}
	if c.Cache.MinFreePercent <= 0 || c.Cache.MinFreePercent > 100 {
		issues = append(issues, "cache.min_free_percent must be in (0,100]")
	}
	if c.Cache.CleanIntervalMin <= 0 {
		issues = append(issues, "cache.clean_interval_min must be > 0")
	}

	return ValidationError{Issues: issues}
}

func writeTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tpl := bytes.NewBufferString("# AchievoLab caching core configuration\n")
	tpl.WriteString("version: 1\n")
	tpl.WriteString("origins:\n")
	tpl.WriteString("  max_concurrent_per_origin: 4\n")
	tpl.WriteString("  block_cooldown_min: 10\n")
	tpl.WriteString("  fetch_timeout_sec: 30\n")
	tpl.WriteString("backoff:\n")
	tpl.WriteString("  base_window_min: 5\n")
	tpl.WriteString("  max_window_min: 10080\n")
	tpl.WriteString("  retention_english_days: 30\n")
	tpl.WriteString("  retention_other_days: 7\n")
	tpl.WriteString("query_api:\n")
	tpl.WriteString("  max_calls_per_minute: 100\n")
	tpl.WriteString("  jitter_min_sec: 0.5\n")
	tpl.WriteString("  jitter_max_sec: 2.0\n")
	tpl.WriteString("primary_api:\n")
	tpl.WriteString("  max_calls_per_minute: 20\n")
	tpl.WriteString("  jitter_min_sec: 1.0\n")
	tpl.WriteString("  jitter_max_sec: 3.0\n")
	tpl.WriteString("remote:\n")
	tpl.WriteString("  query_endpoint: " + defaultQueryEndpoint + "\n")
	tpl.WriteString("  media_base_url: " + defaultMediaBaseURL + "\n")
	tpl.WriteString("locks:\n")
	tpl.WriteString("  read_timeout_sec: 5\n")
	tpl.WriteString("  write_timeout_sec: 30\n")
	tpl.WriteString("cache:\n")
	tpl.WriteString("  # dir: \n")
	tpl.WriteString("  max_size_mb: 512\n")
	tpl.WriteString("  min_free_percent: 5\n")
	tpl.WriteString("  clean_interval_min: 30\n")
	tpl.WriteString("logging:\n")
	tpl.WriteString("  level: info\n")
	tpl.WriteString("  format: console\n")

	if err := os.WriteFile(path, tpl.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
