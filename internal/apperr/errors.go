// Package apperr holds the sentinel errors shared across packages.
package apperr

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidSnapshot = errors.New("invalid snapshot")
	ErrUnsupported     = errors.New("unsupported")
	ErrCancelled       = errors.New("cancelled")
)
