// Package runlock provides named, time-bounded leases that keep batch
// processes from overlapping. A held, unexpired lease makes Acquire fail fast
// with an *AlreadyRunningError; there is no waiting.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyRunning matches every *AlreadyRunningError with errors.Is.
var ErrAlreadyRunning = errors.New("process already running")

// ErrNotHeld is returned when releasing a lease owned by another holder.
var ErrNotHeld = errors.New("lease not held")

// AlreadyRunningError reports a lease held by another run, with the time after
// which a new attempt may succeed.
type AlreadyRunningError struct {
	Name       string
	RetryAfter time.Time
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("process %s is already running, try again after %s",
		e.Name, e.RetryAfter.UTC().Format(time.RFC3339))
}

// Is reports whether target is ErrAlreadyRunning.
func (e *AlreadyRunningError) Is(target error) bool {
	return target == ErrAlreadyRunning
}

// Lease is a granted lock on a named process.
type Lease struct {
	Name       string    `json:"name"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastRunAt  time.Time `json:"last_run_at,omitempty"`
	Version    int64     `json:"version"`
}

// Available reports whether the lease can be taken over at now.
func (l *Lease) Available(now time.Time) bool {
	return l == nil || l.Holder == "" || !now.Before(l.ExpiresAt)
}

// Locker grants and releases leases.
type Locker interface {
	// AcquireLease takes the named lease for ttl or returns an
	// *AlreadyRunningError if another holder has it.
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (*Lease, error)
	// ReleaseLease frees the lease and records now as its last run.
	ReleaseLease(ctx context.Context, lease *Lease, now time.Time) error
}

// Run acquires the named lease, calls fn and always releases the lease
// afterwards. The error from fn wins over a release error.
func Run(ctx context.Context, l Locker, name, holder string, ttl time.Duration, now func() time.Time, fn func(ctx context.Context) error) (err error) {
	lease, err := l.AcquireLease(ctx, name, holder, ttl, now())
	if err != nil {
		return err
	}
	defer func() {
		// Release even when ctx is already cancelled.
		relErr := l.ReleaseLease(context.WithoutCancel(ctx), lease, now())
		if err == nil && relErr != nil {
			err = fmt.Errorf("failed to release lease %s: %w", name, relErr)
		}
	}()
	return fn(ctx)
}
