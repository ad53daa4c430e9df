package provider

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/cellsage/ai-engine/internal/domain"
	"github.com/cellsage/ai-engine/internal/metrics"
	"github.com/cellsage/ai-engine/internal/ratelimit"
)

const maxAttempts = 3

// backoffStep scales linearly with the attempt number. Var for tests.
var backoffStep = 500 * time.Millisecond

// WithRetry runs call under the shared adapter policy: a rate-limit
// pre-flight that fails fast, then up to maxAttempts tries with linear
// backoff for retryable failures only. Successful calls report their actual
// token usage back to the limiter.
func WithRetry(ctx context.Context, provider string, limiter ratelimit.Limiter, estimatedTokens int, call func(context.Context) (*domain.ResponseEnvelope, error)) (*domain.ResponseEnvelope, error) {
	if limiter != nil {
		ok, err := limiter.CanRequest(ctx, provider)
		if err != nil {
			return nil, &domain.ProviderError{Provider: provider, Message: "rate limit check: " + err.Error(), Retryable: true}
		}
		if !ok {
			metrics.RecordRateLimitHit(provider)
			return nil, &domain.RateLimitedError{Provider: provider, Wait: limiter.WaitTime()}
		}
		if estimatedTokens > 0 {
			ok, err = limiter.CanUseTokens(ctx, provider, estimatedTokens)
			if err != nil {
				return nil, &domain.ProviderError{Provider: provider, Message: "rate limit check: " + err.Error(), Retryable: true}
			}
			if !ok {
				metrics.RecordRateLimitHit(provider)
				return nil, &domain.RateLimitedError{Provider: provider, Wait: limiter.WaitTime()}
			}
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		env, err := call(ctx)
		if err == nil {
			if limiter != nil {
				// A refusal here means the quota filled while the call was in
				// flight; the response is still returned.
				limiter.Record(ctx, provider, env.TotalTokens())
			}
			return env, nil
		}

		lastErr = err
		if !domain.IsRetryable(err) {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		select {
		case <-time.After(backoffStep * time.Duration(attempt)):
		case <-ctx.Done():
			return nil, &domain.ProviderError{Provider: provider, Message: ctx.Err().Error()}
		}
	}

	return nil, lastErr
}

// ClassifyStatus maps an HTTP error status to the retry taxonomy.
// 429 and the transient 5xx family are retryable; everything else is not.
func ClassifyStatus(provider string, status int, body string) error {
	retryable := false
	switch status {
	case 408, 429, 500, 502, 503, 504:
		retryable = true
	}
	return &domain.ProviderError{
		Provider:   provider,
		StatusCode: status,
		Message:    truncate(body, 256),
		Retryable:  retryable,
	}
}

// WrapTransport classifies a transport-level failure: resets, refused
// connections, and timeouts are retryable, cancellations are not.
func WrapTransport(provider string, err error) error {
	return &domain.ProviderError{
		Provider:  provider,
		Message:   err.Error(),
		Retryable: isNetworkError(err),
	}
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != err {
		return isNetworkError(urlErr.Err)
	}

	msg := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"i/o timeout",
		"eof",
	} {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
