// Package common defines shared constants and sentinel errors used across
// docvault components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Input errors: malformed arguments, never retried.
	ErrInvalidInput = errors.New("invalid input")

	// Repository/storage-level errors.
	ErrNotFound = errors.New("not found")

	// Key service errors.
	ErrKeyServiceUnavailable = errors.New("key service unavailable")
	ErrKeyServiceDenied      = errors.New("key service denied")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")

	// Object store errors. ErrStorageUnavailable is the fast-fail result
	// once retries are exhausted or the circuit breaker is open.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// Integrity errors: corruption or tampering, fatal and never retried.
	ErrIntegrityCheckFailed = errors.New("integrity check failed")
	ErrDecryptionFailed     = errors.New("decryption failed")

	// Cache backend transport failure. Distinct from a miss, which is a
	// normal non-error outcome.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// Analysis engine transport failure (submission or polling).
	ErrAnalysisUnavailable = errors.New("analysis engine unavailable")
)
