package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrCancelled           = errors.New("cancelled")
	ErrTimeout             = errors.New("timeout")
	ErrProviderRateLimited = errors.New("provider rate limited")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderPermanent   = errors.New("provider permanent error")
	ErrStorageTransient    = errors.New("storage transient error")
	ErrStoragePermanent    = errors.New("storage permanent error")
	ErrPlanParse           = errors.New("plan parse error")
	ErrNoResults           = errors.New("no results")
	ErrQueueFull           = errors.New("queue full")
	ErrInternal            = errors.New("internal error")
)

// IsRetryable reports whether an error kind is worth another attempt.
// Retryable kinds are handled locally with bounded backoff and only become
// job-level failures after exhaustion.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrProviderRateLimited) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrStorageTransient)
}

// ErrorCode maps an error to the stable code carried in job_error events and
// API envelopes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrCancelled):
		return "CANCELLED"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrProviderRateLimited):
		return "PROVIDER_RATE_LIMITED"
	case errors.Is(err, ErrProviderUnavailable):
		return "PROVIDER_UNAVAILABLE"
	case errors.Is(err, ErrProviderPermanent):
		return "PROVIDER_PERMANENT"
	case errors.Is(err, ErrStorageTransient):
		return "STORAGE_TRANSIENT"
	case errors.Is(err, ErrStoragePermanent):
		return "STORAGE_PERMANENT"
	case errors.Is(err, ErrPlanParse):
		return "PLAN_PARSE_ERROR"
	case errors.Is(err, ErrNoResults):
		return "NO_RESULTS"
	case errors.Is(err, ErrQueueFull):
		return "QUEUE_FULL"
	default:
		return "INTERNAL"
	}
}
