package redlock

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument classifies invalid caller arguments (empty resource, non-positive ttl).
	ErrInvalidArgument = errors.New("redlock invalid argument")
	// ErrNotInitialized classifies calls on an engine that was not built with New.
	ErrNotInitialized = errors.New("redlock not initialized")
	// ErrAcquisitionFailed classifies a lock that could not be obtained.
	// Lock itself reports plain contention as false; callers that need an error use this kind.
	ErrAcquisitionFailed = errors.New("redlock acquisition failed")
	// ErrRefreshFailed classifies a refresh that released the old token but could not
	// re-establish quorum. The caller no longer holds the lock.
	ErrRefreshFailed = errors.New("redlock refresh failed")
	// ErrStoreUnavailable classifies store calls rejected before reaching the store.
	ErrStoreUnavailable = errors.New("redlock store unavailable")
	// ErrTokenGeneration classifies failures of the random token source.
	ErrTokenGeneration = errors.New("redlock token generation failed")
)

func redlockError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
