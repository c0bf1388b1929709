package storageengine

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojodoc/pkg/logger"
	"github.com/sushant-115/gojodoc/pkg/telemetry"
)

// Config holds everything needed to open an engine.
type Config struct {
	// Path of the database file. It is created on first open.
	Path string `yaml:"path"`
	// Password enables page encryption for a new file and unlocks an
	// encrypted one.
	Password string `yaml:"password"`
	// LockTimeout bounds every lock wait. Zero waits as long as the caller's
	// context allows.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// CheckpointPages triggers a background checkpoint once the log holds
	// this many pages. Zero disables automatic checkpoints.
	CheckpointPages int `yaml:"checkpoint_pages"`
	// CheckpointPagesPerSecond throttles checkpoint writes. Zero is unlimited.
	CheckpointPagesPerSecond int `yaml:"checkpoint_pages_per_second"`
	// CacheIdleTimeout evicts unpinned cached pages not used for this long.
	CacheIdleTimeout time.Duration `yaml:"cache_idle_timeout"`
	// CacheMaxPages evicts every unpinned page once the cache grows past it.
	CacheMaxPages int `yaml:"cache_max_pages"`
	// BackupBytesPerSecond throttles Backup. Zero is unlimited.
	BackupBytesPerSecond int64 `yaml:"backup_bytes_per_second"`
	// CheckpointOnClose merges the log into the data area on Close. When
	// off, the log is left for the next open to replay.
	CheckpointOnClose bool `yaml:"checkpoint_on_close"`

	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// DefaultConfig returns the settings used for anything a config file leaves out.
func DefaultConfig() Config {
	return Config{
		Path:                     "data/gojodoc.db",
		LockTimeout:              time.Minute,
		CheckpointPages:          1000,
		CheckpointPagesPerSecond: 0,
		CacheIdleTimeout:         time.Minute,
		CacheMaxPages:            10000,
		CheckpointOnClose:        true,
		Logger: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "gojodoc",
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Path == "" {
		errs = append(errs, errors.New("path must not be empty"))
	}
	if c.LockTimeout < 0 {
		errs = append(errs, fmt.Errorf("lock_timeout must not be negative, got %s", c.LockTimeout))
	}
	if c.CheckpointPages < 0 {
		errs = append(errs, fmt.Errorf("checkpoint_pages must not be negative, got %d", c.CheckpointPages))
	}
	if c.CheckpointPagesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("checkpoint_pages_per_second must not be negative, got %d", c.CheckpointPagesPerSecond))
	}
	if c.CacheMaxPages < 0 {
		errs = append(errs, fmt.Errorf("cache_max_pages must not be negative, got %d", c.CacheMaxPages))
	}
	if c.BackupBytesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("backup_bytes_per_second must not be negative, got %d", c.BackupBytesPerSecond))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
