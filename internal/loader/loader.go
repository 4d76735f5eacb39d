// Package loader handles configuration file loading and validation.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Processing include directives for host lists
//   - Seeding the host registry from the hosts section
package loader

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/reuptime/internal/daemon"
	"github.com/xtxerr/reuptime/internal/errors"
	"github.com/xtxerr/reuptime/internal/monitor"
	"github.com/xtxerr/reuptime/internal/query"
	"github.com/xtxerr/reuptime/internal/registry"
	storageconfig "github.com/xtxerr/reuptime/internal/storage/config"
	"github.com/xtxerr/reuptime/internal/validation"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for reuptimed.
type Config struct {
	// Monitor configures the probe loop.
	Monitor monitor.Config `yaml:"monitor"`

	// Registry configures the host database.
	Registry registry.Config `yaml:"registry"`

	// Store configures the time-series store. An empty data_dir keeps
	// history in memory only.
	Store storageconfig.Config `yaml:"store"`

	// Query configures the history query server.
	Query query.Config `yaml:"query"`

	// Daemon configures status and PID files.
	Daemon daemon.Config `yaml:"daemon"`

	// Logging configures the global logger.
	Logging LoggingConfig `yaml:"logging"`

	// Include lists additional files holding host lists. Glob patterns
	// are relative to the including file.
	Include []string `yaml:"include"`

	// Hosts are added to the registry on startup when missing.
	Hosts []HostConfig `yaml:"hosts"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// JSON switches from text to JSON output.
	JSON bool `yaml:"json"`
}

// HostConfig declares one monitored host.
type HostConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`

	// Monitored defaults to true.
	Monitored *bool `yaml:"monitored"`
}

// DefaultConfig returns a configuration with every section at its defaults.
func DefaultConfig() *Config {
	return &Config{
		Monitor:  monitor.DefaultConfig(),
		Registry: registry.DefaultConfig(),
		Store:    *storageconfig.DefaultConfig(),
		Query:    query.DefaultConfig(),
		Daemon:   daemon.DefaultConfig(),
		Logging:  LoggingConfig{Level: "info"},
	}
}

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := processIncludes(cfg, filepath.Dir(path)); err != nil {
		return nil, err
	}

	return cfg, nil
}

// processIncludes loads and merges included host files.
func processIncludes(cfg *Config, baseDir string) error {
	for _, pattern := range cfg.Include {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}

		for _, match := range matches {
			if err := loadInclude(cfg, match); err != nil {
				return fmt.Errorf("load include %q: %w", match, err)
			}
		}
	}
	return nil
}

// loadInclude appends the hosts of one include file.
func loadInclude(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial struct {
		Hosts []HostConfig `yaml:"hosts"`
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &partial); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	cfg.Hosts = append(cfg.Hosts, partial.Hosts...)
	return nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration. Every section is checked and all
// problems are reported together.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	for _, err := range []error{
		cfg.Monitor.Validate(),
		cfg.Registry.Validate(),
		cfg.Query.Validate(),
		cfg.Daemon.Validate(),
	} {
		if err != nil {
			errs.Add(err)
		}
	}

	if err := cfg.Store.Validate(); err != nil {
		errs.Add(fmt.Errorf("store: %w: %w", errors.ErrInvalidConfig, err))
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs.AddField("logging.level", fmt.Sprintf("unknown level %q", cfg.Logging.Level))
	}

	seen := make(map[string]int, len(cfg.Hosts))
	for i, h := range cfg.Hosts {
		if err := validation.ValidateHostName(h.Name); err != nil {
			errs.AddField(fmt.Sprintf("hosts[%d].name", i), err.Error())
		}
		if err := validation.ValidateAddress(h.Address); err != nil {
			errs.AddField(fmt.Sprintf("hosts[%d].address", i), err.Error())
			continue
		}
		if j, dup := seen[h.Address]; dup {
			errs.AddField(fmt.Sprintf("hosts[%d].address", i), fmt.Sprintf("duplicates hosts[%d]", j))
			continue
		}
		seen[h.Address] = i
	}

	return errs.Err()
}
