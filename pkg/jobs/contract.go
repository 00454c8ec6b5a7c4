package jobs

import (
	"context"
	"time"

	"github.com/nimburion/redlock/pkg/redlock"
)

// Job is a unit of work that is enqueued and executed under an overlap guard.
type Job interface {
	// Name identifies the job kind. It prefixes the lock resource and selects the decoder
	// registered in a Registry.
	Name() string
	Handle(ctx context.Context) error
}

// Identity is an optional capability of a Job.
//
// LockResourceSuffix narrows the lock to one instance of the job (for example one tenant); a false
// second result keeps the job-wide lock. LockTTL overrides the guard's default lock TTL when positive.
type Identity interface {
	LockResourceSuffix() (string, bool)
	LockTTL() time.Duration
}

// Dispatcher hands a job to a queue transport.
type Dispatcher interface {
	Push(ctx context.Context, job Job) error
}

// Locker is the part of *redlock.Engine the guard depends on.
type Locker interface {
	Lock(ctx context.Context, resource string, ttl time.Duration) (*redlock.Lock, bool, error)
	Unlock(ctx context.Context, lock *redlock.Lock) int
}

// Delivery is one reserved envelope. Receipt is transport specific and opaque to callers.
type Delivery struct {
	Envelope Envelope
	Receipt  string
}

// Queue is a dispatcher that can also be consumed by a Worker.
type Queue interface {
	Dispatcher
	// Reserve waits up to timeout for the next envelope. It returns nil, nil when nothing arrived.
	Reserve(ctx context.Context, timeout time.Duration) (*Delivery, error)
	// Ack removes a processed delivery.
	Ack(ctx context.Context, delivery *Delivery) error
	// Nack returns a failed delivery to the queue for another attempt.
	Nack(ctx context.Context, delivery *Delivery) error
	// MoveToDLQ parks a delivery that exhausted its attempts.
	MoveToDLQ(ctx context.Context, delivery *Delivery, reason error) error
	HealthCheck(ctx context.Context) error
	Close() error
}
