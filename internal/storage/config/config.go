// Package config holds the settings of the time-series store.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	rconfig "github.com/xtxerr/reuptime/config"
)

// Config represents the complete store configuration.
type Config struct {
	// DataDir is the root directory for the journal and checkpoints.
	// An empty DataDir keeps the store in memory only.
	DataDir string `yaml:"data_dir"`

	// Step is the spacing of primary data points.
	Step time.Duration `yaml:"step"`

	// XFF is the tolerated unknown fraction per archive row.
	XFF float64 `yaml:"xff"`

	// Archives lists the archive layout shared by all streams.
	Archives []ArchiveConfig `yaml:"archives"`

	// CheckpointInterval is how often a snapshot is written.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// Compression is the Parquet codec for checkpoints:
	// snappy, zstd, lz4, gzip, none.
	Compression string `yaml:"compression"`

	// WAL configures the journal.
	WAL WALConfig `yaml:"wal"`
}

// ArchiveConfig is one archive of the stream layout.
type ArchiveConfig struct {
	// Width is the number of primary points per row.
	Width int64 `yaml:"width"`

	// Rows is the archive retention.
	Rows int `yaml:"rows"`
}

// WALConfig configures the journal.
type WALConfig struct {
	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the flush interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	archives := make([]ArchiveConfig, len(rconfig.DefaultArchives))
	for i, a := range rconfig.DefaultArchives {
		archives[i] = ArchiveConfig{Width: int64(a[0]), Rows: a[1]}
	}

	return &Config{
		DataDir:            rconfig.DefaultDataDir,
		Step:               rconfig.DefaultStreamStep,
		XFF:                rconfig.DefaultXFF,
		Archives:           archives,
		CheckpointInterval: rconfig.DefaultCheckpointInterval,
		Compression:        "zstd",
		WAL: WALConfig{
			SyncMode:       "async",
			SyncInterval:   time.Second,
			MaxSegmentSize: rconfig.DefaultWALSegmentSize,
		},
	}
}

// Persistent reports whether the store writes to disk.
func (c *Config) Persistent() bool {
	return c.DataDir != ""
}

// WALDir returns the journal directory.
func (c *Config) WALDir() string {
	return filepath.Join(c.DataDir, "wal")
}

// CheckpointDir returns the directory of the latest checkpoint.
func (c *Config) CheckpointDir() string {
	return filepath.Join(c.DataDir, "checkpoint")
}

// StepSeconds returns the step in whole seconds.
func (c *Config) StepSeconds() int64 {
	return int64(c.Step / time.Second)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Step < time.Second || c.Step%time.Second != 0 {
		errs = append(errs, errors.New("step must be a whole number of seconds"))
	}
	if c.XFF < 0 || c.XFF >= 1 {
		errs = append(errs, errors.New("xff must be in [0, 1)"))
	}
	if len(c.Archives) == 0 {
		errs = append(errs, errors.New("at least one archive is required"))
	}
	for i, a := range c.Archives {
		if a.Width <= 0 {
			errs = append(errs, fmt.Errorf("archives[%d]: width must be positive", i))
		}
		if a.Rows <= 0 {
			errs = append(errs, fmt.Errorf("archives[%d]: rows must be positive", i))
		}
	}

	if c.Persistent() {
		if c.CheckpointInterval <= 0 {
			errs = append(errs, errors.New("checkpoint_interval must be positive"))
		}
		if err := c.WAL.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("wal: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the journal configuration.
func (c *WALConfig) Validate() error {
	var errs []error

	switch c.SyncMode {
	case "async", "sync", "fsync":
	default:
		errs = append(errs, fmt.Errorf("sync_mode must be async, sync or fsync, got %q", c.SyncMode))
	}
	if c.SyncMode == "async" && c.SyncInterval <= 0 {
		errs = append(errs, errors.New("sync_interval must be positive for async mode"))
	}
	if c.MaxSegmentSize < 1024 {
		errs = append(errs, errors.New("max_segment_size must be at least 1KB"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureDirectories creates the data directories if they don't exist.
func (c *Config) EnsureDirectories() error {
	if !c.Persistent() {
		return nil
	}
	for _, dir := range []string{c.DataDir, c.WALDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
