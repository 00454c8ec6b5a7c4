package redlock

import (
	"context"
	"time"

	"github.com/nimburion/redlock/pkg/resilience"
)

type breakerStore struct {
	store   Store
	breaker *resilience.CircuitBreaker
}

// WithCircuitBreaker wraps store so calls short-circuit to a failure while breaker is open.
// A rejected call costs no network round trip and counts as a failed vote, like any other
// store error.
func WithCircuitBreaker(store Store, breaker *resilience.CircuitBreaker) Store {
	if store == nil || breaker == nil {
		return store
	}
	return &breakerStore{store: store, breaker: breaker}
}

func (s *breakerStore) Name() string { return s.store.Name() }

func (s *breakerStore) TrySet(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !s.breaker.Allow() {
		return false, redlockError(ErrStoreUnavailable, s.store.Name()+": circuit open")
	}
	ok, err := s.store.TrySet(ctx, key, value, ttl)
	s.breaker.Record(err)
	return ok, err
}

func (s *breakerStore) CompareDelete(ctx context.Context, key, value string) (bool, error) {
	if !s.breaker.Allow() {
		return false, redlockError(ErrStoreUnavailable, s.store.Name()+": circuit open")
	}
	ok, err := s.store.CompareDelete(ctx, key, value)
	s.breaker.Record(err)
	return ok, err
}

func (s *breakerStore) HealthCheck(ctx context.Context) error {
	return s.store.HealthCheck(ctx)
}

func (s *breakerStore) Close() error {
	return s.store.Close()
}
