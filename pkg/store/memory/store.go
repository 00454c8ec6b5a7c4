// Package memory provides an in-process lock store. It is meant for tests and single-node
// development; it gives no protection across processes.
package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned by every call after Close.
var ErrClosed = errors.New("memory lock store is closed")

type entry struct {
	value     string
	expiresAt time.Time
}

// Store keeps keys in a map guarded by a mutex. Expired keys are treated as absent.
type Store struct {
	name string
	now  func() time.Time

	mu     sync.Mutex
	keys   map[string]entry
	closed bool
}

// New creates an empty store reported under name.
func New(name string) *Store {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "memory"
	}
	return &Store{
		name: name,
		now:  time.Now,
		keys: make(map[string]entry),
	}
}

// WithClock replaces the time source used for expiry.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Store) Name() string { return s.name }

// TrySet stores value under key when key is absent or expired.
func (s *Store) TrySet(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	now := s.now()
	if current, ok := s.keys[key]; ok && now.Before(current.expiresAt) {
		return false, nil
	}
	s.keys[key] = entry{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

// CompareDelete removes key only while it still holds value.
func (s *Store) CompareDelete(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	current, ok := s.keys[key]
	if !ok {
		return false, nil
	}
	if !s.now().Before(current.expiresAt) {
		delete(s.keys, key)
		return false, nil
	}
	if current.value != value {
		return false, nil
	}
	delete(s.keys, key)
	return true, nil
}

// Get returns the live value of key. Used by tests to observe ownership.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.keys[key]
	if !ok || !s.now().Before(current.expiresAt) {
		return "", false
	}
	return current.value, true
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.keys = make(map[string]entry)
	return nil
}
