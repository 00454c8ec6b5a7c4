package redlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nimburion/redlock/pkg/observability/logger"
)

// Refresher extends the lock held around a RunLocked unit of work.
type Refresher interface {
	// Refresh releases the current token and re-acquires the resource with a new one.
	// It returns an error wrapping ErrRefreshFailed when quorum cannot be re-established;
	// the unit no longer owns the lock at that point and its context is cancelled.
	Refresh(ctx context.Context) error
	// Current returns a copy of the handle currently held, if any.
	Current() (Lock, bool)
}

type lockRefresher struct {
	engine *Engine
	cancel context.CancelFunc

	mu      sync.Mutex
	current *Lock
	lost    bool
}

func (r *lockRefresher) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return redlockError(ErrRefreshFailed, "lock is no longer held")
	}
	renewed, ok, err := r.engine.RefreshLock(ctx, r.current)
	if err != nil || !ok {
		// The old token was released before re-acquiring, nothing is held any more.
		r.current = nil
		r.lost = true
		r.cancel()
		if err != nil {
			return errors.Join(redlockError(ErrRefreshFailed, "re-acquire lock"), err)
		}
		return redlockError(ErrRefreshFailed, "quorum not re-established")
	}
	r.current = renewed
	return nil
}

func (r *lockRefresher) Current() (Lock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return Lock{}, false
	}
	return *r.current, true
}

// release drops whatever handle is still held. Safe to call more than once.
func (r *lockRefresher) release(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}
	r.engine.Unlock(ctx, r.current)
	r.current = nil
}

func (r *lockRefresher) hasLost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

// RunLocked acquires resource, runs fn while holding it and releases it on every exit path.
//
// The boolean result is false when the lock could not be acquired (fn is not invoked) or when a
// refresh lost the lock (the value returned by fn is discarded). An error returned by fn is
// surfaced unless it is the refresh failure itself or the cancellation that followed it.
func RunLocked[T any](ctx context.Context, engine *Engine, resource string, ttl time.Duration, fn func(ctx context.Context, refresher Refresher) (T, error)) (result T, ok bool, err error) {
	var zero T
	if fn == nil {
		return zero, false, redlockError(ErrInvalidArgument, "fn is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	lock, acquired, err := engine.Lock(ctx, resource, ttl)
	if err != nil {
		return zero, false, err
	}
	if !acquired {
		return zero, false, nil
	}

	workCtx, cancel := context.WithCancel(logger.ContextWithLockResource(ctx, resource))
	defer cancel()

	refresher := &lockRefresher{engine: engine, cancel: cancel, current: lock}
	defer refresher.release(ctx)

	value, fnErr := fn(workCtx, refresher)
	if refresher.hasLost() {
		if fnErr != nil && !errors.Is(fnErr, ErrRefreshFailed) && !errors.Is(fnErr, context.Canceled) {
			return zero, false, fnErr
		}
		return zero, false, nil
	}
	return value, true, fnErr
}
