package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	_ "github.com/mattn/go-sqlite3"

	rconfig "github.com/xtxerr/reuptime/config"
	"github.com/xtxerr/reuptime/internal/errors"
)

// =============================================================================
// Registry Configuration
// =============================================================================

// Config holds registry configuration options.
type Config struct {
	// Driver is the database/sql driver: "duckdb" or "sqlite3".
	Driver string `yaml:"driver"`

	// DSN is the database connection string.
	DSN string `yaml:"dsn"`

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int `yaml:"max_idle_conns"`

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// QueryTimeout is the default timeout for queries.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// SettingsCacheTTL is how long the default allotment is cached.
	SettingsCacheTTL time.Duration `yaml:"settings_cache_ttl"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Driver:           rconfig.DefaultRegistryDriver,
		DSN:              rconfig.DefaultRegistryDSN,
		MaxOpenConns:     25,
		MaxIdleConns:     5,
		ConnMaxLifetime:  5 * time.Minute,
		QueryTimeout:     rconfig.DefaultQueryTimeout,
		SettingsCacheTTL: rconfig.DefaultSettingsCacheTTL,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	errs := errors.NewValidationErrors()
	switch c.Driver {
	case "duckdb", "sqlite3":
	case "":
		errs.AddMissing("registry.driver")
	default:
		errs.AddField("registry.driver", fmt.Sprintf("unsupported driver %q", c.Driver))
	}
	if c.MaxOpenConns < 1 {
		errs.AddField("registry.max_open_conns", "must be at least 1")
	}
	if c.QueryTimeout <= 0 {
		errs.AddField("registry.query_timeout", "must be positive")
	}
	return errs.Err()
}

// =============================================================================
// SQLRegistry
// =============================================================================

// SQLRegistry stores hosts and settings in a SQL database.
//
// SQLRegistry is safe for concurrent use.
type SQLRegistry struct {
	db     *sql.DB
	config Config
	mu     sync.RWMutex
	closed bool
}

// New opens the database, verifies the connection and applies the schema.
func New(cfg Config) (*SQLRegistry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &SQLRegistry{db: db, config: cfg}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("registry opened", "driver", cfg.Driver, "dsn", cfg.DSN)
	return r, nil
}

// Close closes the registry.
func (r *SQLRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	return r.db.Close()
}

// Health checks database connectivity.
func (r *SQLRegistry) Health(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// migrate creates the schema. Every statement is idempotent.
func (r *SQLRegistry) migrate(ctx context.Context) error {
	migrations := []struct {
		name string
		sql  string
	}{
		{
			name: "hosts",
			sql: `CREATE TABLE IF NOT EXISTS hosts (
				id                   VARCHAR PRIMARY KEY,
				name                 VARCHAR NOT NULL,
				address              VARCHAR NOT NULL,
				is_active            BOOLEAN NOT NULL DEFAULT TRUE,
				is_monitored         BOOLEAN NOT NULL DEFAULT TRUE,
				downtime_allotment   BIGINT NOT NULL DEFAULT 0,
				last_check           BIGINT,
				last_allotment_reset BIGINT,
				created_at           BIGINT NOT NULL
			)`,
		},
		{
			name: "settings",
			sql: `CREATE TABLE IF NOT EXISTS settings (
				key   VARCHAR PRIMARY KEY,
				value VARCHAR NOT NULL
			)`,
		},
		{
			name: "idx_hosts_monitored",
			sql:  `CREATE INDEX IF NOT EXISTS idx_hosts_monitored ON hosts(is_monitored)`,
		},
	}

	for _, m := range migrations {
		if _, err := r.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		log.Debug("migration applied", "name", m.name)
	}
	return nil
}

// =============================================================================
// Transaction Support
// =============================================================================

// TransactionContext executes fn within a database transaction.
//
// If fn returns an error, the transaction is rolled back. The context is
// checked before commit so a timed out caller never commits.
func (r *SQLRegistry) TransactionContext(ctx context.Context, fn func(*sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("context cancelled before commit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// withTimeout bounds ctx by the configured query timeout.
func (r *SQLRegistry) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.config.QueryTimeout
	if timeout <= 0 {
		timeout = rconfig.DefaultQueryTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// =============================================================================
// Scan Helpers
// =============================================================================

func unixOrNull(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timeFromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}
