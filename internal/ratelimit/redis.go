package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordScript increments both counters only when neither would pass its
// quota, so the check and the increment are one atomic operation.
var recordScript = redis.NewScript(`
	local reqs = tonumber(redis.call('GET', KEYS[1]) or '0')
	local toks = tonumber(redis.call('GET', KEYS[2]) or '0')
	local rpm = tonumber(ARGV[1])
	local tpm = tonumber(ARGV[2])
	local tokens = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	if reqs + 1 > rpm or toks + tokens > tpm then
		return 0
	end

	redis.call('INCRBY', KEYS[1], 1)
	redis.call('INCRBY', KEYS[2], tokens)
	redis.call('EXPIRE', KEYS[1], ttl)
	redis.call('EXPIRE', KEYS[2], ttl)
	return 1
`)

// RedisLimiter shares minute buckets across instances. Counter keys carry
// the bucket minute and expire with it.
type RedisLimiter struct {
	client *redis.Client
	quotas map[string]Quota
	now    func() time.Time
}

func NewRedisLimiter(redisURL string, quotas map[string]Quota) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisLimiter{client: client, quotas: quotas, now: time.Now}, nil
}

func (l *RedisLimiter) keys(provider string) (string, string) {
	minute := l.now().Unix() / 60
	base := fmt.Sprintf("ratelimit:%s:%d", provider, minute)
	return base + ":req", base + ":tok"
}

func (l *RedisLimiter) CanRequest(ctx context.Context, provider string) (bool, error) {
	q, managed := l.quotas[provider]
	if !managed {
		return true, nil
	}

	reqKey, _ := l.keys(provider)
	count, err := l.counter(ctx, reqKey)
	if err != nil {
		return false, err
	}
	return count+1 <= q.RequestsPerMinute, nil
}

func (l *RedisLimiter) CanUseTokens(ctx context.Context, provider string, tokens int) (bool, error) {
	q, managed := l.quotas[provider]
	if !managed {
		return true, nil
	}

	_, tokKey := l.keys(provider)
	count, err := l.counter(ctx, tokKey)
	if err != nil {
		return false, err
	}
	return count+tokens <= q.TokensPerMinute, nil
}

func (l *RedisLimiter) Record(ctx context.Context, provider string, tokens int) (bool, error) {
	q, managed := l.quotas[provider]
	if !managed {
		return true, nil
	}

	reqKey, tokKey := l.keys(provider)
	ttl := int(l.WaitTime().Seconds())
	if ttl < 1 {
		ttl = 1
	}

	result, err := recordScript.Run(ctx, l.client, []string{reqKey, tokKey},
		q.RequestsPerMinute, q.TokensPerMinute, tokens, ttl).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit record failed: %w", err)
	}

	return result == 1, nil
}

func (l *RedisLimiter) WaitTime() time.Duration {
	now := l.now()
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}

func (l *RedisLimiter) counter(ctx context.Context, key string) (int, error) {
	val, err := l.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(val)
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
