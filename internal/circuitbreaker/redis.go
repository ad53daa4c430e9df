package circuitbreaker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/cellsage/ai-engine/internal/domain"
)

// The scripts read and write across several keys per provider, so each
// transition runs as one Lua call to stay atomic between engine replicas.

// Keys: state, lastFailure, successes. Args: cooldown seconds.
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'

if state == 'open' then
    local lastFailure = tonumber(redis.call('GET', KEYS[2]) or '0')
    local now = tonumber(redis.call('TIME')[1])
    if (now - lastFailure) >= tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], 'half-open')
        redis.call('SET', KEYS[3], '0')
        return 'half-open'
    end
    return 'open'
end

return state
`)

// Keys: state, failures, successes. Args: success threshold.
var successScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'

if state == 'closed' then
    redis.call('SET', KEYS[2], '0')
    return 'closed'
end

if state == 'half-open' then
    local successes = redis.call('INCR', KEYS[3])
    if successes >= tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], 'closed')
        redis.call('SET', KEYS[2], '0')
        redis.call('SET', KEYS[3], '0')
        return 'closed'
    end
    return 'half-open'
end

return state
`)

// Keys: state, failures, lastFailure, successes. Args: failure threshold.
var failureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'

redis.call('SET', KEYS[3], redis.call('TIME')[1])

if state == 'closed' then
    local failures = redis.call('INCR', KEYS[2])
    if failures >= tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], 'open')
        return 'open'
    end
    return 'closed'
end

if state == 'half-open' then
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[4], '0')
    return 'open'
end

return state
`)

// RedisBreaker shares breaker state between replicas through Redis.
type RedisBreaker struct {
	client *redis.Client
	cfg    Config
	prefix string
}

func NewRedisBreaker(client *redis.Client, provider string, cfg Config) *RedisBreaker {
	return &RedisBreaker{
		client: client,
		cfg:    cfg,
		prefix: fmt.Sprintf("breaker:%s:", provider),
	}
}

func (b *RedisBreaker) key(suffix string) string {
	return b.prefix + suffix
}

func (b *RedisBreaker) Allow(ctx context.Context) error {
	keys := []string{b.key("state"), b.key("last_failure"), b.key("successes")}
	state, err := allowScript.Run(ctx, b.client, keys, int(b.cfg.CooldownPeriod.Seconds())).Text()
	if err != nil {
		// Redis being down must not take the providers with it.
		return nil
	}
	if state == "open" {
		return domain.ErrCircuitOpen
	}
	return nil
}

func (b *RedisBreaker) RecordSuccess(ctx context.Context) {
	keys := []string{b.key("state"), b.key("failures"), b.key("successes")}
	successScript.Run(ctx, b.client, keys, b.cfg.SuccessThreshold)
}

func (b *RedisBreaker) RecordFailure(ctx context.Context) {
	keys := []string{b.key("state"), b.key("failures"), b.key("last_failure"), b.key("successes")}
	failureScript.Run(ctx, b.client, keys, b.cfg.FailureThreshold)
}

func (b *RedisBreaker) State(ctx context.Context) State {
	result, err := b.client.Get(ctx, b.key("state")).Result()
	if err != nil {
		return StateClosed
	}
	return parseState(result)
}

// Reset forces the breaker closed. For operator intervention.
func (b *RedisBreaker) Reset(ctx context.Context) error {
	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.key("state"), "closed", 0)
	pipe.Set(ctx, b.key("failures"), "0", 0)
	pipe.Set(ctx, b.key("successes"), "0", 0)
	pipe.Del(ctx, b.key("last_failure"))
	_, err := pipe.Exec(ctx)
	return err
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}
