// Package store builds the set of lock stores taking part in the quorum.
package store

import (
	"context"
	"errors"
)

// Adapter is the minimal lifecycle and health contract shared by every store adapter.
type Adapter interface {
	HealthCheck(ctx context.Context) error
	Close() error
}

// CloseAll closes every adapter and joins the errors.
func CloseAll[T Adapter](adapters []T) error {
	var errs []error
	for _, adapter := range adapters {
		if err := adapter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
