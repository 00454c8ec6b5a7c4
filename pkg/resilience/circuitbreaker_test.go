package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var errStore = errors.New("store unreachable")

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 3, OpenTimeout: time.Second}).WithClock(clock.Now)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return errStore }); !errors.Is(err, errStore) {
			t.Fatalf("expected store error, got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after 2 failures, got %s", cb.State())
	}

	_ = cb.Execute(func() error { return errStore })
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected ErrCircuitBreakerOpen, got %v", err)
	}
	if called {
		t.Fatal("open breaker must not invoke the call")
	}
}

func TestCircuitBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 1, OpenTimeout: time.Second}).WithClock(clock.Now)

	cb.Record(errStore)
	if cb.Allow() {
		t.Fatal("expected open breaker to reject")
	}

	clock.Advance(2 * time.Second)
	if !cb.Allow() {
		t.Fatal("expected trial call after open timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}
	if cb.Allow() {
		t.Fatal("expected only one concurrent trial call")
	}

	cb.Record(nil)
	if cb.State() != StateClosed || cb.Failures() != 0 {
		t.Fatalf("expected closed breaker after successful trial call, got %s (%d failures)", cb.State(), cb.Failures())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 1, OpenTimeout: time.Second}).WithClock(clock.Now)

	cb.Record(errStore)
	clock.Advance(2 * time.Second)
	if !cb.Allow() {
		t.Fatal("expected trial call")
	}
	cb.Record(errStore)
	if cb.State() != StateOpen {
		t.Fatalf("expected reopen after failed trial call, got %s", cb.State())
	}
	if cb.Allow() {
		t.Fatal("expected reopened breaker to reject until timeout")
	}
}

func TestCircuitBreaker_DefaultsAndReset(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{})
	if cb.config.MaxFailures != DefaultMaxFailures || cb.config.OpenTimeout != DefaultOpenTimeout {
		t.Fatalf("unexpected defaults: %+v", cb.config)
	}
	for i := 0; i < DefaultMaxFailures; i++ {
		cb.Record(errStore)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	cb.Reset()
	if cb.State() != StateClosed || !cb.Allow() {
		t.Fatal("expected reset breaker to allow calls")
	}
	if StateHalfOpen.String() != "half-open" || State(42).String() != "unknown" {
		t.Fatal("unexpected state names")
	}
}

func TestCircuitBreaker_Property_OpensOnlyOnConsecutiveFailureRun(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("breaker opens iff a run of max failures occurred", prop.ForAll(
		func(outcomes []bool, maxFailures int) bool {
			clock := &fakeClock{now: time.Unix(0, 0)}
			cb := NewCircuitBreaker(BreakerConfig{MaxFailures: maxFailures, OpenTimeout: time.Hour}).WithClock(clock.Now)

			run := 0
			tripped := false
			for _, ok := range outcomes {
				if tripped {
					break
				}
				if ok {
					cb.Record(nil)
					run = 0
					continue
				}
				cb.Record(errStore)
				run++
				if run >= maxFailures {
					tripped = true
				}
			}
			return (cb.State() == StateOpen) == tripped
		},
		gen.SliceOf(gen.Bool()),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
