package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid task definitions.
	ErrValidation = errors.New("scheduler validation error")
	// ErrConflict classifies state conflicts (for example duplicate task, already running).
	ErrConflict = errors.New("scheduler conflict")
	// ErrNotFound classifies triggers for unknown tasks.
	ErrNotFound = errors.New("scheduler not found")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("scheduler invalid argument")
	// ErrNotInitialized classifies calls on a nil runtime.
	ErrNotInitialized = errors.New("scheduler not initialized")
)

func schedulerError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
