package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nimburion/redlock/pkg/observability/logger"
	"github.com/nimburion/redlock/pkg/redlock"
)

type jobsTestLogger struct{}

func (jobsTestLogger) Debug(string, ...any)                        {}
func (jobsTestLogger) Info(string, ...any)                         {}
func (jobsTestLogger) Warn(string, ...any)                         {}
func (jobsTestLogger) Error(string, ...any)                        {}
func (l jobsTestLogger) With(...any) logger.Logger                 { return l }
func (l jobsTestLogger) WithContext(context.Context) logger.Logger { return l }

// countingStore is a single quorum member whose TrySet outcome is fixed.
type countingStore struct {
	mu        sync.Mutex
	setOK     bool
	exclusive bool
	sets      int
	deletes   int
	keys      []string
	ttls      []time.Duration
	holders   map[string]string
}

func newCountingStore(setOK bool) *countingStore {
	return &countingStore{setOK: setOK, holders: map[string]string{}}
}

func (s *countingStore) Name() string { return "counting" }

func (s *countingStore) TrySet(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	s.keys = append(s.keys, key)
	s.ttls = append(s.ttls, ttl)
	if !s.setOK {
		return false, nil
	}
	if s.exclusive {
		if _, held := s.holders[key]; held {
			return false, nil
		}
	}
	s.holders[key] = value
	return true, nil
}

func (s *countingStore) CompareDelete(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	if s.holders[key] != value {
		return false, nil
	}
	delete(s.holders, key)
	return true, nil
}

func (s *countingStore) HealthCheck(context.Context) error { return nil }
func (s *countingStore) Close() error                      { return nil }

func (s *countingStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets, s.deletes
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestEngine(stores ...redlock.Store) (*redlock.Engine, error) {
	return redlock.New(stores, jobsTestLogger{}, redlock.Config{}, redlock.WithSleeper(noSleep))
}

// recordingLocker forwards to an engine and records the call sequence.
type recordingLocker struct {
	inner Locker

	mu    sync.Mutex
	calls []string
}

func (l *recordingLocker) Lock(ctx context.Context, resource string, ttl time.Duration) (*redlock.Lock, bool, error) {
	l.mu.Lock()
	l.calls = append(l.calls, "lock")
	l.mu.Unlock()
	return l.inner.Lock(ctx, resource, ttl)
}

func (l *recordingLocker) Unlock(ctx context.Context, lock *redlock.Lock) int {
	l.mu.Lock()
	l.calls = append(l.calls, "unlock")
	l.mu.Unlock()
	return l.inner.Unlock(ctx, lock)
}

func (l *recordingLocker) sequence() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// fakeLocker grants or refuses every lock without talking to stores.
type fakeLocker struct {
	mu       sync.Mutex
	grant    bool
	err      error
	locks    int
	unlocks  int
	ttls     []time.Duration
	resource []string
}

func (l *fakeLocker) Lock(_ context.Context, resource string, ttl time.Duration) (*redlock.Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locks++
	l.ttls = append(l.ttls, ttl)
	l.resource = append(l.resource, resource)
	if l.err != nil {
		return nil, false, l.err
	}
	if !l.grant {
		return nil, false, nil
	}
	return &redlock.Lock{Resource: resource, Token: "token", TTL: ttl, Validity: ttl, AcquiredAt: time.Now()}, true, nil
}

func (l *fakeLocker) Unlock(context.Context, *redlock.Lock) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlocks++
	return 1
}

func (l *fakeLocker) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locks, l.unlocks
}

// countingDispatcher records pushed jobs.
type countingDispatcher struct {
	mu     sync.Mutex
	pushed []Job
	err    error
}

func (d *countingDispatcher) Push(_ context.Context, job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.pushed = append(d.pushed, job)
	return nil
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pushed)
}

var errTestJob = errors.New("test job failure")

// testJob is a JSON-serializable job whose behaviour is driven by package-level hooks keyed by
// Key, since factories rebuild fresh values from payloads.
type testJob struct {
	Key      string `json:"key"`
	Instance string `json:"instance,omitempty"`
	TTLMs    int64  `json:"ttl_ms,omitempty"`
}

func (j *testJob) Name() string { return "test-job" }

func (j *testJob) LockResourceSuffix() (string, bool) { return j.Instance, j.Instance != "" }

func (j *testJob) LockTTL() time.Duration { return time.Duration(j.TTLMs) * time.Millisecond }

func (j *testJob) Handle(ctx context.Context) error {
	testJobHooksMu.Lock()
	hook := testJobHooks[j.Key]
	testJobHooksMu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(ctx)
}

var (
	testJobHooksMu sync.Mutex
	testJobHooks   = map[string]func(ctx context.Context) error{}
)

func setTestJobHook(key string, hook func(ctx context.Context) error) func() {
	testJobHooksMu.Lock()
	testJobHooks[key] = hook
	testJobHooksMu.Unlock()
	return func() {
		testJobHooksMu.Lock()
		delete(testJobHooks, key)
		testJobHooksMu.Unlock()
	}
}

// plainJob has no Identity capability.
type plainJob struct {
	ran int
	err error
}

func (j *plainJob) Name() string { return "plain" }

func (j *plainJob) Handle(context.Context) error {
	j.ran++
	return j.err
}
