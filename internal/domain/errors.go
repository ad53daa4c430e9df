package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrCallerNotFound = errors.New("caller not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrNoProviders    = errors.New("no providers configured")
)

// ProviderError is a failed provider call: network trouble, timeout, or an
// HTTP error status. Retryable marks the classes worth another attempt
// (connection reset, timeout, 429, 5xx).
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: status=%d %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

// ValidationError is a provider response with a malformed shape (empty
// content, missing usage). Terminal for that provider: the orchestrator
// moves to the next one instead of retrying.
type ValidationError struct {
	Provider string
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("provider %s returned malformed response: %s", e.Provider, e.Message)
}

// AuthorizationError rejects a tier the caller's subscription does not cover.
// Checked pre-flight, before any network call.
type AuthorizationError struct {
	CallerID  string
	Requested Tier
	Entitled  Tier
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("caller %s is not entitled to %s (max %s)", e.CallerID, e.Requested, e.Entitled)
}

// InsufficientBudgetError rejects a caller who cannot afford the minimum
// cost of the chosen tier. Checked pre-flight, before any network call.
type InsufficientBudgetError struct {
	CallerID  string
	Tier      Tier
	Required  int64
	Available int64
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("caller %s cannot afford %s: need %d units, have %d", e.CallerID, e.Tier, e.Required, e.Available)
}

// RateLimitedError means the local quota for a provider is exhausted.
// Wait is the time until the minute bucket rolls over.
type RateLimitedError struct {
	Provider string
	Wait     time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider %s rate limited, retry in %s", e.Provider, e.Wait.Round(time.Millisecond))
}

// AllProvidersFailedError is returned after the whole fallback list has been
// exhausted. It aggregates the last failure per provider.
type AllProvidersFailedError struct {
	Failures []ProviderFailure
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Provider+": "+f.Reason)
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// IsRetryable reports whether the error class may succeed on a later attempt
// against the same provider.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	var rl *RateLimitedError
	return errors.As(err, &rl)
}
