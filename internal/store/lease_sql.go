package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReferralPipe/internal/runlock"
)

func scanLease(row rowScanner, name string) (*runlock.Lease, error) {
	l := runlock.Lease{Name: name}
	var acquired, expires, lastRun sql.NullTime
	if err := row.Scan(&l.Holder, &acquired, &expires, &lastRun, &l.Version); err != nil {
		return nil, err
	}
	l.AcquiredAt = timeOrZero(acquired)
	l.ExpiresAt = timeOrZero(expires)
	l.LastRunAt = timeOrZero(lastRun)
	return &l, nil
}

// GetLease returns the current state of a named lease, or nil if it has never
// been taken.
func (s *sqlDB) GetLease(ctx context.Context, name string) (*runlock.Lease, error) {
	l, err := scanLease(s.db.QueryRowContext(ctx, s.q(`SELECT holder, acquired_at, expires_at, last_run_at, version FROM run_locks WHERE name = ?`), name), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lease %s: %w", name, err)
	}
	return l, nil
}

// AcquireLease implements runlock.Locker. The row is created on first use and
// taken over with a compare-and-swap on its version column.
func (s *sqlDB) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (*runlock.Lease, error) {
	now = now.UTC()
	var granted *runlock.Lease
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO run_locks (name, holder, version) VALUES (?, '', 0) ON CONFLICT (name) DO NOTHING`), name); err != nil {
			return fmt.Errorf("failed to create lease row %s: %w", name, err)
		}
		current, err := scanLease(tx.QueryRowContext(ctx, s.q(`SELECT holder, acquired_at, expires_at, last_run_at, version FROM run_locks WHERE name = ?`), name), name)
		if err != nil {
			return fmt.Errorf("failed to read lease %s: %w", name, err)
		}
		if !current.Available(now) {
			return &runlock.AlreadyRunningError{Name: name, RetryAfter: current.ExpiresAt}
		}
		expires := now.Add(ttl)
		res, err := tx.ExecContext(ctx, s.q(`UPDATE run_locks SET holder = ?, acquired_at = ?, expires_at = ?, version = version + 1
			WHERE name = ? AND version = ?`), holder, now, expires, name, current.Version)
		if err != nil {
			return fmt.Errorf("failed to take lease %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &runlock.AlreadyRunningError{Name: name, RetryAfter: expires}
		}
		granted = &runlock.Lease{
			Name: name, Holder: holder, AcquiredAt: now, ExpiresAt: expires,
			LastRunAt: current.LastRunAt, Version: current.Version + 1,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, runlock.ErrAlreadyRunning) {
			slog.Info("Store.AcquireLease: lease held", "name", name, "error", err)
		}
		return nil, err
	}
	slog.Debug("Store.AcquireLease: acquired", "name", name, "holder", holder, "expiresAt", granted.ExpiresAt)
	return granted, nil
}

// ReleaseLease implements runlock.Locker.
func (s *sqlDB) ReleaseLease(ctx context.Context, lease *runlock.Lease, now time.Time) error {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE run_locks SET holder = '', expires_at = ?, last_run_at = ?, version = version + 1
		WHERE name = ? AND holder = ?`), now, now, lease.Name, lease.Holder)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", lease.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lease %s: %w", lease.Name, runlock.ErrNotHeld)
	}
	slog.Debug("Store.ReleaseLease: released", "name", lease.Name, "holder", lease.Holder)
	return nil
}
