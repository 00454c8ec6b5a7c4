package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/redlock/pkg/redlock"
)

const (
	defaultStoreTimeout = 3 * time.Second
	defaultQueueTimeout = 5 * time.Second
)

// Checkable is an interface for components that support health checks
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker checks any Checkable under a timeout.
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker creates a new health checker for an adapter
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AdapterChecker{
		name:    name,
		adapter: adapter,
		timeout: timeout,
	}
}

// NewStoreChecker checks a single lock store, named after the store.
func NewStoreChecker(store redlock.Store) *AdapterChecker {
	return NewAdapterChecker("store:"+store.Name(), store, defaultStoreTimeout)
}

// NewQueueChecker checks a jobs queue backend.
func NewQueueChecker(name string, queue Checkable) *AdapterChecker {
	return NewAdapterChecker(name, queue, defaultQueueTimeout)
}

// Check performs the health check on the adapter
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.adapter.HealthCheck(checkCtx)
	duration := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:      c.name,
			Status:    StatusUnhealthy,
			Error:     err.Error(),
			Timestamp: time.Now(),
			Duration:  duration,
		}
	}

	return CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  duration,
	}
}

// Name returns the name of the health check
func (c *AdapterChecker) Name() string {
	return c.name
}

// PingChecker always reports healthy. Used for liveness.
type PingChecker struct {
	name string
}

// NewPingChecker creates a new ping checker
func NewPingChecker(name string) *PingChecker {
	return &PingChecker{name: name}
}

// Check always returns healthy status
func (c *PingChecker) Check(context.Context) CheckResult {
	return CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "alive",
		Timestamp: time.Now(),
	}
}

// Name returns the name of the health check
func (c *PingChecker) Name() string {
	return c.name
}

// QuorumChecker reports the lock store set as a whole. It is healthy when every store answers,
// degraded when at least a majority answers and unhealthy below the majority, since no lock can
// be acquired then.
type QuorumChecker struct {
	name     string
	checkers []Checker
}

// NewQuorumChecker builds a quorum check over one checker per quorum member.
func NewQuorumChecker(name string, members ...Checker) *QuorumChecker {
	return &QuorumChecker{name: name, checkers: members}
}

// NewStoreQuorumChecker builds a quorum check over one store checker per store.
func NewStoreQuorumChecker(name string, stores []redlock.Store) *QuorumChecker {
	members := make([]Checker, 0, len(stores))
	for _, store := range stores {
		members = append(members, NewStoreChecker(store))
	}
	return NewQuorumChecker(name, members...)
}

// Check runs the store checks concurrently and classifies the number of answering stores.
func (c *QuorumChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	results := runConcurrently(ctx, c.checkers)

	total := len(results)
	quorum := total/2 + 1
	healthy := 0
	var failures []string
	for _, result := range results {
		if result.Status == StatusHealthy {
			healthy++
			continue
		}
		failures = append(failures, fmt.Sprintf("%s: %s", result.Name, result.Error))
	}

	result := CheckResult{
		Name:      c.name,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Metadata: map[string]any{
			"stores":  total,
			"healthy": healthy,
			"quorum":  quorum,
		},
	}

	switch {
	case total == 0:
		result.Status = StatusUnhealthy
		result.Error = "no lock stores configured"
	case healthy == total:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d/%d stores reachable", healthy, total)
	case healthy >= quorum:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d/%d stores reachable (quorum %d)", healthy, total, quorum)
		result.Error = strings.Join(failures, "; ")
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d/%d stores reachable (quorum %d)", healthy, total, quorum)
		result.Error = strings.Join(failures, "; ")
	}
	return result
}

// Name returns the name of the health check
func (c *QuorumChecker) Name() string {
	return c.name
}
