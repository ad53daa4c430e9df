package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator decides whether a budget alert is new or a repeat. With
// several engine instances checking the same callers, only one instance
// should dispatch any given alert.
type AlertDeduplicator interface {
	// ShouldAlert reports whether an alert for this caller and level has
	// not been sent yet, by this or any other instance.
	ShouldAlert(ctx context.Context, callerID string, level AlertLevel) bool

	// ClearAlert drops the alert state for a caller, used when spend falls
	// back under the warning threshold.
	ClearAlert(ctx context.Context, callerID string)
}

// InMemoryDeduplicator tracks alert state in process memory. Suitable for
// single-instance deployments.
type InMemoryDeduplicator struct {
	mu         sync.RWMutex
	lastAlerts map[string]AlertLevel
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		lastAlerts: make(map[string]AlertLevel),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, callerID string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	lastLevel, exists := d.lastAlerts[callerID]
	if exists && lastLevel == level {
		return false
	}

	d.lastAlerts[callerID] = level
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, callerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastAlerts, callerID)
}

// RedisDeduplicator shares alert state through Redis so alerts deduplicate
// across engine instances.
type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

// NewRedisDeduplicator connects to Redis and verifies the connection.
// lockTTL bounds how long an alert stays suppressed before it may re-fire;
// an hour works well for monthly budgets.
func NewRedisDeduplicator(redisURL string, lockTTL time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}, nil
}

// NewRedisDeduplicatorWithClient wraps an existing Redis client.
func NewRedisDeduplicatorWithClient(client *redis.Client, lockTTL time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}
}

func (d *RedisDeduplicator) alertKey(callerID string, level AlertLevel) string {
	return fmt.Sprintf("budget:alert:%s:%s", callerID, level)
}

// ShouldAlert uses SETNX so exactly one instance wins the right to send.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, callerID string, level AlertLevel) bool {
	key := d.alertKey(callerID, level)

	acquired, err := d.client.SetNX(ctx, key, time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		// A Redis outage must not swallow budget alerts. Fail open.
		return true
	}
	return acquired
}

// ClearAlert removes every alert key for the caller.
func (d *RedisDeduplicator) ClearAlert(ctx context.Context, callerID string) {
	pattern := fmt.Sprintf("budget:alert:%s:*", callerID)

	keys, err := d.client.Keys(ctx, pattern).Result()
	if err != nil || len(keys) == 0 {
		return
	}
	d.client.Del(ctx, keys...)
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}
