package domain

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Callers classify with errors.Is.
var (
	// ErrInvalidInput marks a malformed request. Nothing was written.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnsupportedFormat marks a content type no extractor handles.
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported format", ErrInvalidInput)
	// ErrInvalidConfig marks bad chunking parameters or a misconfigured deployment.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrDimensionMismatch marks a vector whose length differs from the configured dimension.
	ErrDimensionMismatch = fmt.Errorf("%w: embedding dimension mismatch", ErrInvalidConfig)
	// ErrProviderUnavailable marks a backend that could not be reached or failed. Retryable.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrRateLimited marks a backend that rejected the call for rate reasons. Retryable.
	ErrRateLimited = errors.New("rate limited")
	// ErrPartialEmbedding marks an embedding batch where some chunks failed.
	ErrPartialEmbedding = errors.New("partial embedding failure")
	// ErrNotFound marks a lookup or delete of an absent document.
	ErrNotFound = errors.New("not found")
	// ErrCanceled marks work stopped by caller cancellation.
	ErrCanceled = errors.New("canceled")
)

// IsRetryable reports whether err is worth retrying with the same input.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrRateLimited)
}

// DimensionError builds an ErrDimensionMismatch with the offending sizes.
func DimensionError(what string, got, want int) error {
	return fmt.Errorf("%w: %s has %d dimensions, want %d", ErrDimensionMismatch, what, got, want)
}

// CanceledError wraps a context error so it matches both ErrCanceled and the context sentinel.
func CanceledError(err error) error {
	if err == nil {
		err = context.Canceled
	}
	return fmt.Errorf("%w: %w", ErrCanceled, err)
}
