package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeStore struct {
	name string
	err  error
}

func (s *fakeStore) Name() string { return s.name }
func (s *fakeStore) TrySet(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}
func (s *fakeStore) CompareDelete(context.Context, string, string) (bool, error) { return true, nil }
func (s *fakeStore) HealthCheck(context.Context) error                           { return s.err }
func (s *fakeStore) Close() error                                                { return nil }

type slowCheckable struct {
	delay time.Duration
}

func (s *slowCheckable) HealthCheck(ctx context.Context) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestPingChecker(t *testing.T) {
	result := NewPingChecker("liveness").Check(context.Background())
	if result.Status != StatusHealthy || result.Name != "liveness" {
		t.Fatalf("unexpected ping result %+v", result)
	}
}

func TestAdapterChecker(t *testing.T) {
	healthy := NewStoreChecker(&fakeStore{name: "redis:a"}).Check(context.Background())
	if healthy.Status != StatusHealthy || healthy.Name != "store:redis:a" {
		t.Fatalf("unexpected healthy result %+v", healthy)
	}

	failed := NewQueueChecker("jobs", &fakeStore{err: errors.New("connection refused")}).Check(context.Background())
	if failed.Status != StatusUnhealthy || failed.Error != "connection refused" {
		t.Fatalf("unexpected failed result %+v", failed)
	}
}

func TestAdapterChecker_Timeout(t *testing.T) {
	checker := NewAdapterChecker("slow", &slowCheckable{delay: time.Second}, 20*time.Millisecond)
	result := checker.Check(context.Background())
	if result.Status != StatusUnhealthy {
		t.Fatalf("expected timeout to be unhealthy, got %+v", result)
	}
	if result.Duration >= time.Second {
		t.Fatalf("expected check cut short, took %s", result.Duration)
	}
}

func TestQuorumChecker(t *testing.T) {
	down := errors.New("down")
	cases := []struct {
		name   string
		errs   []error
		want   Status
		health int
	}{
		{"all up", []error{nil, nil, nil}, StatusHealthy, 3},
		{"one down keeps quorum", []error{nil, down, nil}, StatusDegraded, 2},
		{"majority down", []error{down, down, nil}, StatusUnhealthy, 1},
		{"even split below quorum", []error{nil, nil, down, down}, StatusUnhealthy, 2},
		{"no stores", nil, StatusUnhealthy, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stores := make([]*fakeStore, 0, len(tc.errs))
			for i, err := range tc.errs {
				stores = append(stores, &fakeStore{name: string(rune('a' + i)), err: err})
			}
			checker := NewStoreQuorumChecker("lock-quorum", toStores(stores))
			result := checker.Check(context.Background())
			if result.Status != tc.want {
				t.Fatalf("expected %s, got %+v", tc.want, result)
			}
			if result.Metadata["healthy"] != tc.health {
				t.Fatalf("expected %d healthy stores, got %v", tc.health, result.Metadata["healthy"])
			}
			if tc.want != StatusHealthy && result.Error == "" {
				t.Fatal("expected failure detail")
			}
			if tc.want == StatusDegraded && !strings.Contains(result.Error, "store:b: down") {
				t.Fatalf("expected failing store named, got %q", result.Error)
			}
		})
	}
}
