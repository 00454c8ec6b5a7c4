package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrOwnership classifies an execute phase that could not take the job lock because another
	// worker holds it. The job body did not run.
	ErrOwnership = errors.New("jobs ownership not acquired")
	// ErrValidation classifies malformed envelopes and payloads.
	ErrValidation = errors.New("jobs validation error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("jobs invalid argument")
	// ErrNotInitialized classifies calls on a zero or nil guard, queue or worker.
	ErrNotInitialized = errors.New("jobs not initialized")
	// ErrUnknownJob classifies envelopes whose name has no registered factory.
	ErrUnknownJob = errors.New("jobs unknown job")
	// ErrNotFound classifies acks and nacks for deliveries the queue does not know.
	ErrNotFound = errors.New("jobs not found")
	// ErrClosed classifies operations on a closed queue.
	ErrClosed = errors.New("jobs closed")
)

func jobsError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
