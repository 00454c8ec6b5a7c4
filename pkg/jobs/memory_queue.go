package jobs

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is a process-local Queue for tests and single-process setups.
type MemoryQueue struct {
	name string

	mu       sync.Mutex
	ready    []Envelope
	inflight map[string]Envelope
	dead     []DeadLetter
	closed   bool
	notify   chan struct{}
}

// NewMemoryQueue creates an empty in-memory queue named name.
func NewMemoryQueue(name string) *MemoryQueue {
	if strings.TrimSpace(name) == "" {
		name = "default"
	}
	return &MemoryQueue{
		name:     name,
		inflight: map[string]Envelope{},
		notify:   make(chan struct{}, 1),
	}
}

// Push implements Dispatcher.
func (q *MemoryQueue) Push(_ context.Context, job Job) error {
	env, err := NewEnvelope(q.name, job)
	if err != nil {
		return err
	}
	return q.enqueue(env)
}

func (q *MemoryQueue) enqueue(env Envelope) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return jobsError(ErrClosed, "memory queue is closed")
	}
	q.ready = append(q.ready, env)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Reserve implements Queue.
func (q *MemoryQueue) Reserve(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, jobsError(ErrClosed, "memory queue is closed")
		}
		if len(q.ready) > 0 {
			env := q.ready[0]
			q.ready = q.ready[1:]
			receipt := uuid.NewString()
			q.inflight[receipt] = env
			q.mu.Unlock()
			return &Delivery{Envelope: env, Receipt: receipt}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.notify:
		}
	}
}

// Ack implements Queue.
func (q *MemoryQueue) Ack(_ context.Context, delivery *Delivery) error {
	_, err := q.take(delivery)
	return err
}

// Nack implements Queue.
func (q *MemoryQueue) Nack(_ context.Context, delivery *Delivery) error {
	env, err := q.take(delivery)
	if err != nil {
		return err
	}
	env.Attempt++
	return q.enqueue(env)
}

// MoveToDLQ implements Queue.
func (q *MemoryQueue) MoveToDLQ(_ context.Context, delivery *Delivery, reason error) error {
	env, err := q.take(delivery)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.dead = append(q.dead, newDeadLetter(env, reason))
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) take(delivery *Delivery) (Envelope, error) {
	if delivery == nil {
		return Envelope{}, jobsError(ErrInvalidArgument, "delivery is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	env, ok := q.inflight[delivery.Receipt]
	if !ok {
		return Envelope{}, jobsError(ErrNotFound, "unknown delivery receipt")
	}
	delete(q.inflight, delivery.Receipt)
	return env, nil
}

// Len returns the number of envelopes waiting to be reserved.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// DeadLetters returns a copy of the parked envelopes.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

// HealthCheck implements Queue.
func (q *MemoryQueue) HealthCheck(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return jobsError(ErrClosed, "memory queue is closed")
	}
	return nil
}

// Close implements Queue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
