package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/reuptime/internal/errors"
	"github.com/xtxerr/reuptime/internal/validation"
)

const hostColumns = `id, name, address, is_active, is_monitored, downtime_allotment,
	last_check, last_allotment_reset, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHost(row rowScanner) (Host, error) {
	var (
		h         Host
		allotment int64
		lastCheck sql.NullInt64
		lastReset sql.NullInt64
		created   int64
	)
	err := row.Scan(&h.ID, &h.Name, &h.Address, &h.IsActive, &h.IsMonitored,
		&allotment, &lastCheck, &lastReset, &created)
	if err != nil {
		return Host{}, err
	}
	h.DowntimeAllotment = int(allotment)
	h.LastCheck = timeFromNull(lastCheck)
	h.LastAllotmentReset = timeFromNull(lastReset)
	h.CreatedAt = time.Unix(created, 0)
	return h, nil
}

// AddHost registers a host with a fresh id. The host starts active with
// the current default allotment and counts as reset at creation, so its
// first periodic refill happens in the next qualifying period.
func (r *SQLRegistry) AddHost(ctx context.Context, nh NewHost) (Host, error) {
	nh.Name = strings.TrimSpace(nh.Name)
	nh.Address = strings.TrimSpace(nh.Address)

	errs := errors.NewValidationErrors()
	if nh.Name == "" {
		errs.AddMissing("name")
	} else if err := validation.ValidateHostName(nh.Name); err != nil {
		errs.AddField("name", err.Error())
	}
	if nh.Address == "" {
		errs.AddMissing("address")
	} else if err := validation.ValidateAddress(nh.Address); err != nil {
		errs.AddField("address", err.Error())
	}
	if err := errs.Err(); err != nil {
		return Host{}, err
	}

	allotment, err := r.DefaultAllotment(ctx)
	if err != nil {
		return Host{}, err
	}

	now := time.Now().Truncate(time.Second)
	h := Host{
		ID:                 uuid.NewString(),
		Name:               nh.Name,
		Address:            nh.Address,
		IsActive:           true,
		IsMonitored:        nh.Monitored == nil || *nh.Monitored,
		DowntimeAllotment:  allotment,
		LastAllotmentReset: now,
		CreatedAt:          now,
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO hosts (`+hostColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.Name, h.Address, h.IsActive, h.IsMonitored, int64(h.DowntimeAllotment),
		unixOrNull(h.LastCheck), unixOrNull(h.LastAllotmentReset), h.CreatedAt.Unix())
	if err != nil {
		return Host{}, fmt.Errorf("insert host: %w", err)
	}

	log.Info("host added", "host_id", h.ID, "name", h.Name, "address", h.Address)
	return h, nil
}

// GetHost returns the host with id.
func (r *SQLRegistry) GetHost(ctx context.Context, id string) (Host, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	h, err := scanHost(r.db.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Host{}, fmt.Errorf("host '%s': %w", id, errors.ErrHostNotFound)
	}
	if err != nil {
		return Host{}, fmt.Errorf("get host: %w", err)
	}
	return h, nil
}

// ListHosts returns every host ordered by name.
func (r *SQLRegistry) ListHosts(ctx context.Context) ([]Host, error) {
	return r.listHosts(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY name, id`)
}

// ListMonitoredHosts returns the hosts probed on each tick.
func (r *SQLRegistry) ListMonitoredHosts(ctx context.Context) ([]Host, error) {
	return r.listHosts(ctx, `SELECT `+hostColumns+` FROM hosts WHERE is_monitored ORDER BY name, id`)
}

func (r *SQLRegistry) listHosts(ctx context.Context, query string) ([]Host, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// DeleteHost removes a host. The caller is responsible for the host's
// stream.
func (r *SQLRegistry) DeleteHost(ctx context.Context, id string) error {
	return r.execOne(ctx, "delete host", id, `DELETE FROM hosts WHERE id = ?`, id)
}

// SetMonitored toggles whether a host is probed.
func (r *SQLRegistry) SetMonitored(ctx context.Context, id string, monitored bool) error {
	return r.execOne(ctx, "set monitored", id,
		`UPDATE hosts SET is_monitored = ? WHERE id = ?`, monitored, id)
}

// UpdateLivenessAndAllotment records one probe outcome for a host.
func (r *SQLRegistry) UpdateLivenessAndAllotment(ctx context.Context, id string, isActive bool, allotment int, lastCheck time.Time) error {
	if allotment < 0 {
		return errors.NewInvalidValue("downtime_allotment", allotment, "must not be negative")
	}
	return r.execOne(ctx, "update liveness", id, `
		UPDATE hosts
		SET is_active = ?, downtime_allotment = ?, last_check = ?
		WHERE id = ?
	`, isActive, int64(allotment), lastCheck.Unix(), id)
}

// ResetAllotment refills a host's allotment.
func (r *SQLRegistry) ResetAllotment(ctx context.Context, id string, allotment int, at time.Time) error {
	if allotment < 0 {
		return errors.NewInvalidValue("downtime_allotment", allotment, "must not be negative")
	}
	return r.execOne(ctx, "reset allotment", id, `
		UPDATE hosts
		SET downtime_allotment = ?, last_allotment_reset = ?
		WHERE id = ?
	`, int64(allotment), at.Unix(), id)
}

// execOne runs a statement that must touch exactly one host row.
func (r *SQLRegistry) execOne(ctx context.Context, op, id, query string, args ...any) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("host '%s': %w", id, errors.ErrHostNotFound)
	}
	return nil
}
