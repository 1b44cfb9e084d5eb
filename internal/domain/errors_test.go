package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorConstants(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"ErrInvalidArgument", ErrInvalidArgument, "invalid argument"},
		{"ErrNotFound", ErrNotFound, "not found"},
		{"ErrConflict", ErrConflict, "conflict"},
		{"ErrCancelled", ErrCancelled, "cancelled"},
		{"ErrTimeout", ErrTimeout, "timeout"},
		{"ErrProviderRateLimited", ErrProviderRateLimited, "provider rate limited"},
		{"ErrProviderUnavailable", ErrProviderUnavailable, "provider unavailable"},
		{"ErrProviderPermanent", ErrProviderPermanent, "provider permanent error"},
		{"ErrStorageTransient", ErrStorageTransient, "storage transient error"},
		{"ErrStoragePermanent", ErrStoragePermanent, "storage permanent error"},
		{"ErrPlanParse", ErrPlanParse, "plan parse error"},
		{"ErrNoResults", ErrNoResults, "no results"},
		{"ErrQueueFull", ErrQueueFull, "queue full"},
		{"ErrInternal", ErrInternal, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.expected {
				t.Errorf("Expected %s to be %q, got %q", tt.name, tt.expected, tt.err.Error())
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"timeout", ErrTimeout, true},
		{"provider rate limited", ErrProviderRateLimited, true},
		{"provider unavailable", ErrProviderUnavailable, true},
		{"storage transient", ErrStorageTransient, true},
		{"wrapped retryable", fmt.Errorf("op=gateway.chat: %w", ErrProviderUnavailable), true},
		{"validation", ErrInvalidArgument, false},
		{"cancelled", ErrCancelled, false},
		{"provider permanent", ErrProviderPermanent, false},
		{"storage permanent", ErrStoragePermanent, false},
		{"plan parse", ErrPlanParse, false},
		{"no results", ErrNoResults, false},
		{"internal", ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if IsRetryable(tt.err) != tt.retryable {
				t.Errorf("Expected IsRetryable(%v) to be %v", tt.err, tt.retryable)
			}
		})
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{ErrInvalidArgument, "VALIDATION_ERROR"},
		{ErrNotFound, "NOT_FOUND"},
		{ErrConflict, "CONFLICT"},
		{ErrCancelled, "CANCELLED"},
		{ErrTimeout, "TIMEOUT"},
		{ErrProviderRateLimited, "PROVIDER_RATE_LIMITED"},
		{ErrProviderUnavailable, "PROVIDER_UNAVAILABLE"},
		{ErrProviderPermanent, "PROVIDER_PERMANENT"},
		{ErrStorageTransient, "STORAGE_TRANSIENT"},
		{ErrStoragePermanent, "STORAGE_PERMANENT"},
		{ErrPlanParse, "PLAN_PARSE_ERROR"},
		{ErrNoResults, "NO_RESULTS"},
		{ErrQueueFull, "QUEUE_FULL"},
		{ErrInternal, "INTERNAL"},
		{errors.New("anything else"), "INTERNAL"},
		{fmt.Errorf("op=jobs.get: %w", ErrNotFound), "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.code {
				t.Errorf("Expected ErrorCode(%v) to be %q, got %q", tt.err, tt.code, got)
			}
		})
	}
}
