package runlock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, WithKeyPrefix("test:lease:")), mr
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	l, mr := newTestRedisLocker(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	lease, err := l.AcquireLease(ctx, "ContactSchedulingRun", "a", 5*time.Minute, now)
	if err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	if lease.Version != 1 || !lease.ExpiresAt.Equal(now.Add(5*time.Minute)) {
		t.Errorf("unexpected lease: %+v", lease)
	}
	if !mr.Exists("test:lease:ContactSchedulingRun") {
		t.Error("Expected lease key in redis")
	}

	if err := l.ReleaseLease(ctx, lease, now.Add(time.Minute)); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	next, err := l.AcquireLease(ctx, "ContactSchedulingRun", "b", 5*time.Minute, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("AcquireLease after release failed: %v", err)
	}
	if !next.LastRunAt.Equal(now.Add(time.Minute)) || next.Version != 3 {
		t.Errorf("Expected last run carried over, got %+v", next)
	}
}

func TestRedisLocker_HeldLeaseFailsFast(t *testing.T) {
	l, _ := newTestRedisLocker(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	if _, err := l.AcquireLease(ctx, "job", "a", time.Hour, now); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	_, err := l.AcquireLease(ctx, "job", "b", time.Hour, now.Add(time.Minute))
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Expected ErrAlreadyRunning, got %v", err)
	}
	if !strings.Contains(err.Error(), "2024-06-01T09:00:00Z") {
		t.Errorf("Expected retry timestamp in message, got %q", err.Error())
	}

	if _, err := l.AcquireLease(ctx, "job", "b", time.Hour, now.Add(time.Hour)); err != nil {
		t.Errorf("Expected takeover at expiry, got %v", err)
	}
}

func TestRedisLocker_ReleaseByOtherHolder(t *testing.T) {
	l, _ := newTestRedisLocker(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := l.AcquireLease(ctx, "job", "a", time.Hour, now); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	err := l.ReleaseLease(ctx, &Lease{Name: "job", Holder: "intruder"}, now)
	if !errors.Is(err, ErrNotHeld) {
		t.Errorf("Expected ErrNotHeld, got %v", err)
	}
}

func TestRunReleasesOnError(t *testing.T) {
	l, _ := newTestRedisLocker(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := Run(ctx, l, "job", "a", time.Hour, time.Now, func(ctx context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	if _, err := l.AcquireLease(ctx, "job", "b", time.Hour, time.Now()); err != nil {
		t.Errorf("lease should be free after Run, got %v", err)
	}
}

func TestAlreadyRunningErrorMessage(t *testing.T) {
	err := &AlreadyRunningError{Name: "ContactSchedulingRun", RetryAfter: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	want := "process ContactSchedulingRun is already running, try again after 2024-01-02T03:04:05Z"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}
