package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable provider error", &ProviderError{Provider: "openai", StatusCode: 503, Retryable: true}, true},
		{"terminal provider error", &ProviderError{Provider: "openai", StatusCode: 400, Retryable: false}, false},
		{"rate limited", &RateLimitedError{Provider: "openai", Wait: 10 * time.Second}, true},
		{"validation error", &ValidationError{Provider: "openai", Message: "empty content"}, false},
		{"wrapped retryable", fmt.Errorf("call failed: %w", &ProviderError{Provider: "x", Retryable: true}), true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAllProvidersFailedErrorMessage(t *testing.T) {
	err := &AllProvidersFailedError{Failures: []ProviderFailure{
		{Provider: "openai", Reason: "status=503"},
		{Provider: "anthropic", Reason: "timeout"},
	}}

	msg := err.Error()
	if !strings.Contains(msg, "openai") || !strings.Contains(msg, "anthropic") {
		t.Errorf("aggregated error should name every provider: %q", msg)
	}
}

func TestInsufficientBudgetErrorMessage(t *testing.T) {
	err := &InsufficientBudgetError{CallerID: "c1", Tier: Tier2, Required: 50, Available: 10}
	msg := err.Error()
	if !strings.Contains(msg, "tier2") || !strings.Contains(msg, "50") {
		t.Errorf("budget error should carry tier and required units: %q", msg)
	}
}
