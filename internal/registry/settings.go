package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	rconfig "github.com/xtxerr/reuptime/config"
	"github.com/xtxerr/reuptime/internal/errors"
)

// DefaultAllotment returns the fleet-wide default downtime allotment.
// An unset value yields DefaultDowntimeAllotment.
func (r *SQLRegistry) DefaultAllotment(ctx context.Context) (int, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var raw string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, rconfig.SettingDefaultAllotment).Scan(&raw)
	if err == sql.ErrNoRows {
		return rconfig.DefaultDowntimeAllotment, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", rconfig.SettingDefaultAllotment, err)
	}

	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("setting %s=%q: %w", rconfig.SettingDefaultAllotment, raw, errors.ErrInvalidConfig)
	}
	return v, nil
}

// SetDefaultAllotment stores the fleet-wide default downtime allotment.
func (r *SQLRegistry) SetDefaultAllotment(ctx context.Context, allotment int) error {
	if allotment < 0 {
		return errors.NewInvalidValue("default allotment", allotment, "must not be negative")
	}

	return r.TransactionContext(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value
		`, rconfig.SettingDefaultAllotment, strconv.Itoa(allotment))
		if err != nil {
			return fmt.Errorf("write %s: %w", rconfig.SettingDefaultAllotment, err)
		}
		return nil
	})
}

// CachedSettings caches the default allotment for a TTL. Concurrent
// misses share one lookup.
type CachedSettings struct {
	inner SettingsStore
	ttl   time.Duration
	now   func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	value   int
	fetched time.Time
	valid   bool
}

// NewCachedSettings wraps inner with a cache of the given TTL.
func NewCachedSettings(inner SettingsStore, ttl time.Duration) *CachedSettings {
	return &CachedSettings{inner: inner, ttl: ttl, now: time.Now}
}

// DefaultAllotment implements SettingsStore. When the underlying store
// fails and a previous value is cached, the stale value is returned.
func (c *CachedSettings) DefaultAllotment(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.valid && c.now().Sub(c.fetched) < c.ttl {
		v := c.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(rconfig.SettingDefaultAllotment, func() (interface{}, error) {
		return c.inner.DefaultAllotment(ctx)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		if c.valid {
			log.Warn("settings unavailable, using cached default allotment",
				"value", c.value, "error", err)
			return c.value, nil
		}
		return 0, err
	}

	c.value = v.(int)
	c.fetched = c.now()
	c.valid = true
	return c.value, nil
}

// Invalidate drops the cached value.
func (c *CachedSettings) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}
