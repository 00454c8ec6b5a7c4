package redlock

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/redlock/pkg/observability/logger"
)

type engineTestLogger struct{}

func (engineTestLogger) Debug(string, ...any)                        {}
func (engineTestLogger) Info(string, ...any)                         {}
func (engineTestLogger) Warn(string, ...any)                         {}
func (engineTestLogger) Error(string, ...any)                        {}
func (l engineTestLogger) With(...any) logger.Logger                 { return l }
func (l engineTestLogger) WithContext(context.Context) logger.Logger { return l }

var errScriptedStore = errors.New("scripted store failure")

// scriptedStore answers TrySet from a queue of scripted results and records every call.
// When the queue is empty the last scripted result repeats.
type scriptedStore struct {
	name string

	mu          sync.Mutex
	setResults  []bool
	setErr      error
	deleteOK    bool
	deleteErr   error
	sets        int
	deletes     int
	setTokens   []string
	deleteCalls []string
	onSet       func()
}

func newScriptedStore(name string, setResults ...bool) *scriptedStore {
	return &scriptedStore{name: name, setResults: setResults, deleteOK: true}
}

func (s *scriptedStore) Name() string { return s.name }

func (s *scriptedStore) TrySet(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	s.setTokens = append(s.setTokens, value)
	if s.onSet != nil {
		s.onSet()
	}
	if s.setErr != nil {
		return false, s.setErr
	}
	if len(s.setResults) == 0 {
		return true, nil
	}
	result := s.setResults[0]
	if len(s.setResults) > 1 {
		s.setResults = s.setResults[1:]
	}
	return result, nil
}

func (s *scriptedStore) CompareDelete(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	s.deleteCalls = append(s.deleteCalls, value)
	if s.deleteErr != nil {
		return false, s.deleteErr
	}
	return s.deleteOK, nil
}

func (s *scriptedStore) HealthCheck(context.Context) error { return nil }
func (s *scriptedStore) Close() error                      { return nil }

func (s *scriptedStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets, s.deletes
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestEngine(t *testing.T, stores []Store, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithSleeper(noSleep)}, opts...)
	engine, err := New(stores, engineTestLogger{}, Config{}, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, engineTestLogger{}, Config{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for empty stores, got %v", err)
	}
	if _, err := New([]Store{newScriptedStore("a")}, nil, Config{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for nil logger, got %v", err)
	}
	if _, err := New([]Store{newScriptedStore("a"), nil}, engineTestLogger{}, Config{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for nil store, got %v", err)
	}
}

func TestNew_QuorumAndDefaults(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3}
	for stores, want := range cases {
		set := make([]Store, stores)
		for i := range set {
			set[i] = newScriptedStore("s")
		}
		engine := newTestEngine(t, set)
		if engine.Quorum() != want {
			t.Fatalf("stores=%d: expected quorum %d, got %d", stores, want, engine.Quorum())
		}
		if len(engine.Stores()) != stores {
			t.Fatalf("expected %d stores, got %d", stores, len(engine.Stores()))
		}
	}

	cfg := newTestEngine(t, []Store{newScriptedStore("a")}).Config()
	if cfg != DefaultConfig() {
		t.Fatalf("expected default config, got %+v", cfg)
	}
	if cfg.RetryCount != 3 || cfg.RetryDelayMin != 100*time.Millisecond || cfg.RetryDelayMax != 300*time.Millisecond {
		t.Fatalf("unexpected retry defaults: %+v", cfg)
	}
}

func TestEngine_LockSucceedsOnSingleStore(t *testing.T) {
	store := newScriptedStore("a", true)
	engine := newTestEngine(t, []Store{store})

	lock, ok, err := engine.Lock(context.Background(), "orders", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected lock, got ok=%v err=%v", ok, err)
	}
	if lock.Resource != "orders" || lock.TTL != 10*time.Second {
		t.Fatalf("unexpected lock: %+v", lock)
	}
	if len(lock.Token) != 2*tokenBytes {
		t.Fatalf("expected %d hex chars, got %q", 2*tokenBytes, lock.Token)
	}
	if lock.Validity <= 0 || lock.Validity >= lock.TTL {
		t.Fatalf("expected validity in (0, ttl), got %s", lock.Validity)
	}

	if released := engine.Unlock(context.Background(), lock); released != 1 {
		t.Fatalf("expected one release, got %d", released)
	}
	sets, deletes := store.counts()
	if sets != 1 || deletes != 1 {
		t.Fatalf("expected 1 set and 1 delete, got %d/%d", sets, deletes)
	}
	if store.deleteCalls[0] != lock.Token {
		t.Fatalf("release used token %q, want %q", store.deleteCalls[0], lock.Token)
	}
}

func TestEngine_LockContentionExhaustsRetries(t *testing.T) {
	store := newScriptedStore("a", false)
	store.deleteOK = false
	var slept []time.Duration
	engine := newTestEngine(t, []Store{store},
		WithJitter(func(min, max time.Duration) time.Duration { return min }),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}),
	)

	lock, ok, err := engine.Lock(context.Background(), "orders", time.Second)
	if err != nil || ok || lock != nil {
		t.Fatalf("expected plain contention, got lock=%v ok=%v err=%v", lock, ok, err)
	}
	sets, deletes := store.counts()
	if sets != 3 || deletes != 3 {
		t.Fatalf("expected 3 sets and 3 cleanup deletes, got %d/%d", sets, deletes)
	}
	if len(slept) != 2 {
		t.Fatalf("expected a pause between rounds only, got %d pauses", len(slept))
	}
	for _, d := range slept {
		if d != DefaultRetryDelayMin {
			t.Fatalf("unexpected pause %s", d)
		}
	}
}

func TestEngine_FreshTokenPerAttempt(t *testing.T) {
	store := newScriptedStore("a", false, false, true)
	engine := newTestEngine(t, []Store{store})

	lock, ok, err := engine.Lock(context.Background(), "orders", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected lock on third attempt, got ok=%v err=%v", ok, err)
	}
	seen := map[string]bool{}
	for _, token := range store.setTokens {
		if seen[token] {
			t.Fatalf("token %q reused across attempts", token)
		}
		seen[token] = true
	}
	if store.setTokens[2] != lock.Token {
		t.Fatal("expected handle to carry the winning attempt token")
	}
	// Each losing round cleans up its own token.
	if len(store.deleteCalls) != 2 || store.deleteCalls[0] != store.setTokens[0] || store.deleteCalls[1] != store.setTokens[1] {
		t.Fatalf("unexpected cleanup tokens: %v", store.deleteCalls)
	}
}

func TestEngine_StoreErrorCountsAsFailedVote(t *testing.T) {
	healthy := newScriptedStore("a", true)
	also := newScriptedStore("b", true)
	broken := newScriptedStore("c")
	broken.setErr = errScriptedStore
	broken.deleteErr = errScriptedStore

	engine := newTestEngine(t, []Store{healthy, also, broken})
	lock, ok, err := engine.Lock(context.Background(), "orders", time.Second)
	if err != nil || !ok || lock == nil {
		t.Fatalf("expected quorum 2 of 3, got ok=%v err=%v", ok, err)
	}
	if released := engine.Unlock(context.Background(), lock); released != 2 {
		t.Fatalf("expected two releases, got %d", released)
	}
}

func TestEngine_BelowQuorumCleansEveryStore(t *testing.T) {
	winner := newScriptedStore("a", true)
	loserB := newScriptedStore("b", false)
	loserC := newScriptedStore("c")
	loserC.setErr = errScriptedStore

	engine := newTestEngine(t, []Store{winner, loserB, loserC})
	_, ok, err := engine.Lock(context.Background(), "orders", time.Second)
	if err != nil || ok {
		t.Fatalf("expected failure below quorum, got ok=%v err=%v", ok, err)
	}
	for _, store := range []*scriptedStore{winner, loserB, loserC} {
		if _, deletes := store.counts(); deletes != DefaultRetryCount {
			t.Fatalf("store %s: expected %d cleanup deletes, got %d", store.name, DefaultRetryCount, deletes)
		}
	}
}

func TestEngine_NonPositiveValidityFails(t *testing.T) {
	now := time.Unix(1000, 0)
	store := newScriptedStore("a", true)
	// Each TrySet takes longer than the ttl.
	store.onSet = func() { now = now.Add(2 * time.Second) }

	engine := newTestEngine(t, []Store{store}, WithClock(func() time.Time { return now }))
	lock, ok, err := engine.Lock(context.Background(), "orders", time.Second)
	if err != nil || ok || lock != nil {
		t.Fatalf("expected failure on expired validity, got lock=%v ok=%v err=%v", lock, ok, err)
	}
	if _, deletes := store.counts(); deletes != DefaultRetryCount {
		t.Fatalf("expected cleanup per round, got %d", deletes)
	}
}

func TestEngine_ValidityAccountsForDrift(t *testing.T) {
	now := time.Unix(1000, 0)
	store := newScriptedStore("a", true)
	store.onSet = func() { now = now.Add(100 * time.Millisecond) }

	engine := newTestEngine(t, []Store{store}, WithClock(func() time.Time { return now }))
	lock, ok, err := engine.Lock(context.Background(), "orders", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected lock, got ok=%v err=%v", ok, err)
	}
	want := 10*time.Second - 100*time.Millisecond - (100*time.Millisecond + DefaultClockSlack)
	if lock.Validity != want {
		t.Fatalf("expected validity %s, got %s", want, lock.Validity)
	}
	if !lock.AcquiredAt.Equal(now) {
		t.Fatalf("expected acquired at end of round, got %s", lock.AcquiredAt)
	}
	if !lock.ExpiresAt().Equal(now.Add(want)) {
		t.Fatalf("unexpected expiry %s", lock.ExpiresAt())
	}
	if lock.Remaining(now.Add(time.Hour)) != 0 {
		t.Fatal("remaining must never be negative")
	}
}

func TestEngine_InvalidArguments(t *testing.T) {
	engine := newTestEngine(t, []Store{newScriptedStore("a")})
	if _, _, err := engine.Lock(context.Background(), "  ", time.Second); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for empty resource, got %v", err)
	}
	if _, _, err := engine.Lock(context.Background(), "orders", 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for zero ttl, got %v", err)
	}
	if _, _, err := engine.RefreshLock(context.Background(), nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for nil lock, got %v", err)
	}
	if released := engine.Unlock(context.Background(), nil); released != 0 {
		t.Fatalf("expected nil unlock to release nothing, got %d", released)
	}

	var missing *Engine
	if _, _, err := missing.Lock(context.Background(), "orders", time.Second); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if missing.Unlock(context.Background(), &Lock{Resource: "orders"}) != 0 {
		t.Fatal("expected nil engine unlock to be a no-op")
	}
}

func TestEngine_TokenSourceFailure(t *testing.T) {
	store := newScriptedStore("a", true)
	engine := newTestEngine(t, []Store{store}, WithTokenSource(bytes.NewReader([]byte{1, 2, 3})))

	_, ok, err := engine.Lock(context.Background(), "orders", time.Second)
	if ok || !errors.Is(err, ErrTokenGeneration) {
		t.Fatalf("expected token generation error, got ok=%v err=%v", ok, err)
	}
	if sets, _ := store.counts(); sets != 0 {
		t.Fatalf("expected no store calls without a token, got %d", sets)
	}
}

func TestEngine_DeterministicTokenSource(t *testing.T) {
	store := newScriptedStore("a", true)
	source := bytes.NewReader(bytes.Repeat([]byte{0xab}, tokenBytes))
	engine := newTestEngine(t, []Store{store}, WithTokenSource(source))

	lock, ok, err := engine.Lock(context.Background(), "orders", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected lock, got ok=%v err=%v", ok, err)
	}
	if lock.Token != strings.Repeat("ab", tokenBytes) {
		t.Fatalf("unexpected token %q", lock.Token)
	}
}

func TestEngine_CancelledContextStopsRetries(t *testing.T) {
	store := newScriptedStore("a", false)
	ctx, cancel := context.WithCancel(context.Background())
	engine := newTestEngine(t, []Store{store}, WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, ok, err := engine.Lock(ctx, "orders", time.Second)
	if ok || !errors.Is(err, ErrAcquisitionFailed) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected abandoned acquisition, got ok=%v err=%v", ok, err)
	}
	sets, deletes := store.counts()
	if sets != 1 || deletes != 1 {
		t.Fatalf("expected one round and its cleanup, got %d/%d", sets, deletes)
	}

	_, _, err = engine.Lock(ctx, "orders", time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled context to fail before any round, got %v", err)
	}
	if sets, _ := store.counts(); sets != 1 {
		t.Fatalf("expected no further store calls, got %d sets", sets)
	}
}

func TestEngine_RefreshReleasesBeforeReacquiring(t *testing.T) {
	store := newScriptedStore("a", true)
	engine := newTestEngine(t, []Store{store})

	lock, _, _ := engine.Lock(context.Background(), "orders", time.Second)
	renewed, ok, err := engine.RefreshLock(context.Background(), lock)
	if err != nil || !ok {
		t.Fatalf("expected refresh, got ok=%v err=%v", ok, err)
	}
	if renewed.Token == lock.Token {
		t.Fatal("refresh must produce a new token")
	}
	if renewed.TTL != lock.TTL || renewed.Resource != lock.Resource {
		t.Fatalf("refresh changed lock identity: %+v", renewed)
	}
	if len(store.deleteCalls) != 1 || store.deleteCalls[0] != lock.Token {
		t.Fatalf("expected old token released first, got %v", store.deleteCalls)
	}
	if len(store.setTokens) != 2 || store.setTokens[1] != renewed.Token {
		t.Fatalf("unexpected set tokens %v", store.setTokens)
	}
}

func TestRandomDelay_StaysInBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := randomDelay(100*time.Millisecond, 300*time.Millisecond)
		if d < 100*time.Millisecond || d > 300*time.Millisecond {
			t.Fatalf("delay %s out of bounds", d)
		}
	}
	if randomDelay(time.Second, time.Second) != time.Second {
		t.Fatal("expected fixed delay when bounds are equal")
	}
}

func TestSleepContext(t *testing.T) {
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestConfig_NormalizeClampsDelayBounds(t *testing.T) {
	cfg := Config{RetryDelayMin: time.Second, RetryDelayMax: 10 * time.Millisecond}
	cfg.normalize()
	if cfg.RetryDelayMax != time.Second {
		t.Fatalf("expected max clamped to min, got %s", cfg.RetryDelayMax)
	}
}
