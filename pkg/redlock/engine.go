// Package redlock implements a client-side distributed lock agreed by a quorum of
// independent key-value stores, with clock-drift compensation and bounded retries.
package redlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	mathrand "math/rand/v2"
	"strings"
	"time"

	"github.com/nimburion/redlock/pkg/observability/logger"
	"github.com/nimburion/redlock/pkg/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const tokenBytes = 16

const (
	opTrySet        = "try_set"
	opCompareDelete = "compare_delete"
)

// Option customizes an Engine. Options exist so tests can pin time and randomness.
type Option func(*Engine)

// WithClock replaces the time source used to measure acquisition latency.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTokenSource replaces crypto/rand as the token entropy source.
func WithTokenSource(source io.Reader) Option {
	return func(e *Engine) {
		if source != nil {
			e.tokens = source
		}
	}
}

// WithJitter replaces the retry delay picker. fn receives the configured bounds.
func WithJitter(fn func(min, max time.Duration) time.Duration) Option {
	return func(e *Engine) {
		if fn != nil {
			e.jitter = fn
		}
	}
}

// WithSleeper replaces the pause between acquisition rounds.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// Engine coordinates acquisition, release and refresh across a fixed store set.
// It is safe for concurrent use; mutual exclusion comes from the stores, not from
// in-process state.
type Engine struct {
	stores []Store
	quorum int
	log    logger.Logger
	config Config

	now    func() time.Time
	tokens io.Reader
	jitter func(min, max time.Duration) time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates an engine over stores. The store set is copied and never changes afterwards.
func New(stores []Store, log logger.Logger, cfg Config, opts ...Option) (*Engine, error) {
	if log == nil {
		return nil, redlockError(ErrInvalidArgument, "logger is required")
	}
	if len(stores) == 0 {
		return nil, redlockError(ErrInvalidArgument, "at least one store is required")
	}
	copied := make([]Store, len(stores))
	for idx, store := range stores {
		if store == nil {
			return nil, redlockError(ErrInvalidArgument, fmt.Sprintf("store %d is nil", idx))
		}
		copied[idx] = store
	}
	cfg.normalize()

	engine := &Engine{
		stores: copied,
		quorum: len(copied)/2 + 1,
		log:    log,
		config: cfg,
		now:    time.Now,
		tokens: rand.Reader,
		jitter: randomDelay,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine, nil
}

// Quorum returns floor(N/2)+1 for the configured store set.
func (e *Engine) Quorum() int {
	if e == nil {
		return 0
	}
	return e.quorum
}

// Stores returns a copy of the configured store set in configuration order.
func (e *Engine) Stores() []Store {
	if e == nil {
		return nil
	}
	out := make([]Store, len(e.stores))
	copy(out, e.stores)
	return out
}

// Config returns the normalized configuration.
func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	return e.config
}

// Lock tries to acquire resource for ttl. Contention is reported as (nil, false, nil);
// errors are reserved for invalid input, token generation failures and ctx cancellation
// between rounds.
func (e *Engine) Lock(ctx context.Context, resource string, ttl time.Duration) (*Lock, bool, error) {
	return e.lock(ctx, resource, ttl, tracing.SpanOperationLock)
}

func (e *Engine) lock(ctx context.Context, resource string, ttl time.Duration, operation tracing.SpanOperation) (*Lock, bool, error) {
	if e == nil || len(e.stores) == 0 {
		return nil, false, redlockError(ErrNotInitialized, "engine is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(resource) == "" {
		return nil, false, redlockError(ErrInvalidArgument, "resource is required")
	}
	if ttl <= 0 {
		return nil, false, redlockError(ErrInvalidArgument, "ttl must be > 0")
	}

	ctx, span := tracing.StartLockSpan(ctx, operation, resource, len(e.stores))
	defer span.End()

	started := e.now()
	label := string(operation)
	for attempt := 1; attempt <= e.config.RetryCount; attempt++ {
		if err := ctx.Err(); err != nil {
			abandoned := errors.Join(redlockError(ErrAcquisitionFailed, "lock attempt abandoned"), err)
			recordLockAttempt(label, "error", e.now().Sub(started))
			tracing.RecordError(span, abandoned)
			return nil, false, abandoned
		}

		lock, err := e.attempt(ctx, resource, ttl)
		if err != nil {
			recordLockAttempt(label, "error", e.now().Sub(started))
			tracing.RecordError(span, err)
			return nil, false, err
		}
		if lock != nil {
			recordLockAttempt(label, "acquired", e.now().Sub(started))
			span.SetAttributes(attribute.Int("redlock.attempts", attempt))
			tracing.RecordSuccess(span)
			e.log.Debug("lock acquired", "resource", resource, "attempt", attempt, "validity", lock.Validity)
			return lock, true, nil
		}

		if attempt == e.config.RetryCount {
			break
		}
		delay := e.jitter(e.config.RetryDelayMin, e.config.RetryDelayMax)
		if err := e.sleep(ctx, delay); err != nil {
			abandoned := errors.Join(redlockError(ErrAcquisitionFailed, "lock attempt abandoned"), err)
			recordLockAttempt(label, "error", e.now().Sub(started))
			tracing.RecordError(span, abandoned)
			return nil, false, abandoned
		}
	}

	recordLockAttempt(label, "contended", e.now().Sub(started))
	span.SetAttributes(attribute.Int("redlock.attempts", e.config.RetryCount))
	e.log.Debug("lock not acquired", "resource", resource, "attempts", e.config.RetryCount)
	return nil, false, nil
}

// attempt runs one acquisition round. A nil lock with a nil error means the round lost.
func (e *Engine) attempt(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	token, err := e.newToken()
	if err != nil {
		return nil, err
	}

	start := e.now()
	acquired := e.fanOut(ctx, opTrySet, func(opCtx context.Context, store Store) (bool, error) {
		return store.TrySet(opCtx, resource, token, ttl)
	})
	end := e.now()

	validity := ttl - end.Sub(start) - e.drift(ttl)
	if acquired >= e.quorum && validity > 0 {
		return &Lock{
			Resource:   resource,
			Token:      token,
			TTL:        ttl,
			Validity:   validity,
			AcquiredAt: end,
		}, nil
	}

	e.log.Debug("lock round lost",
		"resource", resource,
		"acquired", acquired,
		"quorum", e.quorum,
		"validity", validity,
	)
	// Every store, not only the ones that answered true: a store that timed out may still
	// have applied the set.
	e.release(ctx, resource, token)
	return nil, nil
}

// Unlock deletes the lock token from every store where it is still current. It never
// blocks on quorum and never deletes a key owned by another token. It returns how many
// stores actually deleted the key.
func (e *Engine) Unlock(ctx context.Context, lock *Lock) int {
	if e == nil || len(e.stores) == 0 || lock == nil {
		return 0
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartLockSpan(ctx, tracing.SpanOperationUnlock, lock.Resource, len(e.stores))
	defer span.End()

	released := e.release(ctx, lock.Resource, lock.Token)
	span.SetAttributes(attribute.Int("redlock.released", released))
	tracing.RecordSuccess(span)
	e.log.Debug("lock released", "resource", lock.Resource, "stores_released", released)
	return released
}

// RefreshLock releases lock and acquires the same resource again with the same ttl.
// On success the returned handle carries a new token. On failure the old lock is gone
// and nothing is held.
func (e *Engine) RefreshLock(ctx context.Context, lock *Lock) (*Lock, bool, error) {
	if e == nil || len(e.stores) == 0 {
		return nil, false, redlockError(ErrNotInitialized, "engine is not initialized")
	}
	if lock == nil {
		return nil, false, redlockError(ErrInvalidArgument, "lock is required")
	}
	e.Unlock(ctx, lock)
	return e.lock(ctx, lock.Resource, lock.TTL, tracing.SpanOperationRefresh)
}

func (e *Engine) release(ctx context.Context, resource, token string) int {
	// Cleanup must still reach the stores when the caller has already given up.
	releaseCtx := context.WithoutCancel(ctx)
	return e.fanOut(releaseCtx, opCompareDelete, func(opCtx context.Context, store Store) (bool, error) {
		return store.CompareDelete(opCtx, resource, token)
	})
}

// fanOut calls every store in parallel and returns how many answered true.
// A store error counts as false for that store and is never propagated.
func (e *Engine) fanOut(ctx context.Context, operation string, call func(context.Context, Store) (bool, error)) int {
	results := make([]bool, len(e.stores))

	var group errgroup.Group
	for idx, store := range e.stores {
		group.Go(func() error {
			opCtx, cancel := context.WithTimeout(ctx, e.config.OperationTimeout)
			defer cancel()

			ok, err := call(opCtx, store)
			if err != nil {
				recordStoreOperation(store.Name(), operation, "error")
				e.log.Warn("lock store call failed", "store", store.Name(), "operation", operation, "error", err)
				return nil
			}
			results[idx] = ok
			if ok {
				recordStoreOperation(store.Name(), operation, "ok")
			} else {
				recordStoreOperation(store.Name(), operation, "rejected")
			}
			return nil
		})
	}
	_ = group.Wait()

	count := 0
	for _, ok := range results {
		if ok {
			count++
		}
	}
	return count
}

func (e *Engine) drift(ttl time.Duration) time.Duration {
	return time.Duration(float64(ttl)*e.config.DriftFactor) + e.config.ClockSlack
}

func (e *Engine) newToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := io.ReadFull(e.tokens, raw); err != nil {
		return "", errors.Join(redlockError(ErrTokenGeneration, "read random token"), err)
	}
	return hex.EncodeToString(raw), nil
}

func randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + mathrand.N(max-min+1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
