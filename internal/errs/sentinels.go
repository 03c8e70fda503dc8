// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across the resilience layer.
var (
	// ErrAuthRequired indicates no usable credential exists and refresh failed.
	// Not retried automatically; the caller must re-authenticate the user.
	ErrAuthRequired = errors.New("authentication required")

	// ErrRateLimited indicates a request quota was exceeded for the current window.
	ErrRateLimited = errors.New("rate limited")

	// ErrTimeout indicates a single call exceeded its deadline.
	// Distinct from other network failures; safe to retry.
	ErrTimeout = errors.New("request timed out")

	// ErrSyncFailure indicates a queued mutation failed to replay.
	// Absorbed by the sync engine and retried on the next drain cycle.
	ErrSyncFailure = errors.New("sync failure")

	// ErrNotFound indicates the requested entry does not exist.
	ErrNotFound = errors.New("not found")
)
