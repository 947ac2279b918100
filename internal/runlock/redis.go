package runlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "referralpipe:lease:"

// RedisLocker keeps leases as JSON values in Redis. Updates run inside a
// WATCH/MULTI transaction so concurrent acquirers cannot both win.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithKeyPrefix sets the prefix of lease keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) { l.prefix = prefix }
}

// NewRedisLocker creates a RedisLocker over an existing client.
func NewRedisLocker(client *redis.Client, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{client: client, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewRedisLockerFromURL parses a redis:// URL and connects.
func NewRedisLockerFromURL(ctx context.Context, url string, opts ...RedisOption) (*RedisLocker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisLocker(client, opts...), nil
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

func (l *RedisLocker) key(name string) string {
	return l.prefix + name
}

func (l *RedisLocker) load(ctx context.Context, tx *redis.Tx, key string) (*Lease, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lease Lease
	if err := json.Unmarshal(raw, &lease); err != nil {
		return nil, fmt.Errorf("failed to decode lease %s: %w", key, err)
	}
	return &lease, nil
}

// AcquireLease implements Locker.
func (l *RedisLocker) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (*Lease, error) {
	key := l.key(name)
	now = now.UTC()
	var granted *Lease

	err := l.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := l.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if !current.Available(now) {
			return &AlreadyRunningError{Name: name, RetryAfter: current.ExpiresAt}
		}
		next := &Lease{Name: name, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl), Version: 1}
		if current != nil {
			next.LastRunAt = current.LastRunAt
			next.Version = current.Version + 1
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		if err != nil {
			return err
		}
		granted = next
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// Someone else changed the key between WATCH and EXEC.
		slog.Warn("RedisLocker.AcquireLease: lost race", "name", name)
		return nil, &AlreadyRunningError{Name: name, RetryAfter: now.Add(ttl)}
	}
	if err != nil {
		return nil, err
	}
	slog.Debug("RedisLocker.AcquireLease: acquired", "name", name, "holder", holder, "expiresAt", granted.ExpiresAt)
	return granted, nil
}

// ReleaseLease implements Locker.
func (l *RedisLocker) ReleaseLease(ctx context.Context, lease *Lease, now time.Time) error {
	key := l.key(lease.Name)
	return l.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := l.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if current == nil || current.Holder != lease.Holder {
			return ErrNotHeld
		}
		current.Holder = ""
		current.ExpiresAt = now.UTC()
		current.LastRunAt = now.UTC()
		current.Version++
		raw, err := json.Marshal(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		if err == nil {
			slog.Debug("RedisLocker.ReleaseLease: released", "name", lease.Name, "holder", lease.Holder)
		}
		return err
	}, key)
}

var _ Locker = (*RedisLocker)(nil)
