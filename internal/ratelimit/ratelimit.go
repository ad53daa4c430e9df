// Package ratelimit bounds per-provider request and token throughput.
// Counters are kept per one-minute bucket and expire with it. Supports both
// in-memory (single instance) and Redis (distributed) backends.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Quota is the per-minute allowance for one provider. A zero or negative
// value denies everything; providers without a quota are unmanaged.
type Quota struct {
	RequestsPerMinute int
	TokensPerMinute   int
}

// Limiter tracks request and token counters per provider and minute bucket.
// CanRequest and CanUseTokens are advisory reads. Record is the atomic
// increment-and-check: it refuses (and leaves the counters untouched) when
// either counter would exceed its quota, so counters never pass the
// configured maximum even under concurrent recorders.
type Limiter interface {
	CanRequest(ctx context.Context, provider string) (bool, error)
	CanUseTokens(ctx context.Context, provider string, tokens int) (bool, error)
	Record(ctx context.Context, provider string, tokens int) (bool, error)
	WaitTime() time.Duration
}

type bucket struct {
	minute   int64
	requests int
	tokens   int
}

// InMemoryLimiter implements Limiter with a mutex-guarded bucket map.
// Suitable for single-instance deployments.
type InMemoryLimiter struct {
	mu      sync.Mutex
	quotas  map[string]Quota
	buckets map[string]*bucket
	now     func() time.Time
}

func NewInMemoryLimiter(quotas map[string]Quota) *InMemoryLimiter {
	return &InMemoryLimiter{
		quotas:  quotas,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *InMemoryLimiter) current(provider string) *bucket {
	minute := l.now().Unix() / 60
	b, ok := l.buckets[provider]
	if !ok || b.minute != minute {
		b = &bucket{minute: minute}
		l.buckets[provider] = b
	}
	return b
}

func (l *InMemoryLimiter) CanRequest(ctx context.Context, provider string) (bool, error) {
	q, managed := l.quotas[provider]
	if !managed {
		return true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.current(provider)
	return b.requests+1 <= q.RequestsPerMinute, nil
}

func (l *InMemoryLimiter) CanUseTokens(ctx context.Context, provider string, tokens int) (bool, error) {
	q, managed := l.quotas[provider]
	if !managed {
		return true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.current(provider)
	return b.tokens+tokens <= q.TokensPerMinute, nil
}

func (l *InMemoryLimiter) Record(ctx context.Context, provider string, tokens int) (bool, error) {
	q, managed := l.quotas[provider]
	if !managed {
		return true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.current(provider)
	if b.requests+1 > q.RequestsPerMinute || b.tokens+tokens > q.TokensPerMinute {
		return false, nil
	}

	b.requests++
	b.tokens += tokens
	return true, nil
}

// WaitTime is how long until the current minute bucket rolls over.
func (l *InMemoryLimiter) WaitTime() time.Duration {
	now := l.now()
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}
