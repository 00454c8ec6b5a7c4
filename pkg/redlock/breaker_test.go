package redlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/redlock/pkg/resilience"
)

func TestWithCircuitBreaker_ShortCircuitsOpenStore(t *testing.T) {
	inner := newScriptedStore("flaky")
	inner.setErr = errScriptedStore
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{MaxFailures: 2, OpenTimeout: time.Hour})
	store := WithCircuitBreaker(inner, breaker)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := store.TrySet(ctx, "orders", "t", time.Second); !errors.Is(err, errScriptedStore) {
			t.Fatalf("expected store error, got %v", err)
		}
	}
	if breaker.State() != resilience.StateOpen {
		t.Fatalf("expected open breaker, got %s", breaker.State())
	}

	if _, err := store.TrySet(ctx, "orders", "t", time.Second); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := store.CompareDelete(ctx, "orders", "t"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if sets, deletes := inner.counts(); sets != 2 || deletes != 0 {
		t.Fatalf("expected open breaker to skip the store, got %d/%d", sets, deletes)
	}
	if store.Name() != "flaky" {
		t.Fatalf("unexpected name %q", store.Name())
	}
}

func TestWithCircuitBreaker_EngineTreatsOpenStoreAsFailedVote(t *testing.T) {
	broken := newScriptedStore("broken")
	broken.setErr = errScriptedStore
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{MaxFailures: 1, OpenTimeout: time.Hour})

	engine := newTestEngine(t, []Store{
		newScriptedStore("a", true),
		newScriptedStore("b", true),
		WithCircuitBreaker(broken, breaker),
	})
	for i := 0; i < 3; i++ {
		lock, ok, err := engine.Lock(context.Background(), "orders", time.Second)
		if err != nil || !ok {
			t.Fatalf("round %d: expected quorum without broken store, got ok=%v err=%v", i, ok, err)
		}
		engine.Unlock(context.Background(), lock)
	}
	if sets, _ := broken.counts(); sets != 1 {
		t.Fatalf("expected a single call before the breaker opened, got %d", sets)
	}
}

func TestWithCircuitBreaker_NilBreakerReturnsStore(t *testing.T) {
	inner := newScriptedStore("a")
	if WithCircuitBreaker(inner, nil) != Store(inner) {
		t.Fatal("expected store to be returned unchanged")
	}
}
