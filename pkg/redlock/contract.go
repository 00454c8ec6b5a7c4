package redlock

import (
	"context"
	"time"
)

// Store is one independent key-value endpoint taking part in the quorum.
//
// TrySet must atomically set key to value with the given expiry only when key is absent.
// CompareDelete must atomically delete key only when its current value equals value; a
// read-then-delete implementation is not acceptable because the key may expire and be
// re-acquired by another owner between the two steps.
type Store interface {
	Name() string
	TrySet(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareDelete(ctx context.Context, key, value string) (bool, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Lock is the handle returned by a successful acquisition.
// A refresh always produces a new Lock with a new Token; the previous handle must be discarded.
type Lock struct {
	Resource string        `json:"resource"`
	Token    string        `json:"token"`
	TTL      time.Duration `json:"ttl"`
	// Validity is the time left, as of AcquiredAt, during which the holder may assume
	// exclusion. It already accounts for acquisition latency and clock drift.
	Validity   time.Duration `json:"validity"`
	AcquiredAt time.Time     `json:"acquired_at"`
}

// ExpiresAt returns the instant after which the lock must no longer be relied on.
func (l *Lock) ExpiresAt() time.Time {
	if l == nil {
		return time.Time{}
	}
	return l.AcquiredAt.Add(l.Validity)
}

// Remaining returns the validity left at now, never negative.
func (l *Lock) Remaining(now time.Time) time.Duration {
	if l == nil {
		return 0
	}
	remaining := l.ExpiresAt().Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
