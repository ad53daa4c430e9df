package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SmoothedLimiter puts a local token bucket in front of a shared Limiter.
// The bucket spreads a provider's per-minute allowance across the minute so
// one instance cannot burn the whole shared quota in a burst. The shared
// counters stay authoritative; the bucket only shapes traffic.
type SmoothedLimiter struct {
	inner Limiter

	mu     sync.Mutex
	local  map[string]*rate.Limiter
	quotas map[string]Quota
}

func NewSmoothed(inner Limiter, quotas map[string]Quota) *SmoothedLimiter {
	return &SmoothedLimiter{
		inner:  inner,
		local:  make(map[string]*rate.Limiter),
		quotas: quotas,
	}
}

func (s *SmoothedLimiter) limiter(provider string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.local[provider]; ok {
		return l
	}

	q := s.quotas[provider]
	perSecond := float64(q.RequestsPerMinute) / 60
	burst := q.RequestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}

	l := rate.NewLimiter(rate.Limit(perSecond), burst)
	s.local[provider] = l
	return l
}

func (s *SmoothedLimiter) CanRequest(ctx context.Context, provider string) (bool, error) {
	if _, managed := s.quotas[provider]; managed && s.limiter(provider).Tokens() < 1 {
		return false, nil
	}
	return s.inner.CanRequest(ctx, provider)
}

func (s *SmoothedLimiter) CanUseTokens(ctx context.Context, provider string, tokens int) (bool, error) {
	return s.inner.CanUseTokens(ctx, provider, tokens)
}

func (s *SmoothedLimiter) Record(ctx context.Context, provider string, tokens int) (bool, error) {
	if _, managed := s.quotas[provider]; managed && !s.limiter(provider).Allow() {
		return false, nil
	}
	return s.inner.Record(ctx, provider, tokens)
}

func (s *SmoothedLimiter) WaitTime() time.Duration {
	return s.inner.WaitTime()
}
