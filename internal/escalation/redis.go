package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const historyTTL = 7 * 24 * time.Hour

// RedisHistory shares escalation history between engine replicas. Each
// feature key maps to a Redis list trimmed to the configured depth.
type RedisHistory struct {
	client *redis.Client
	perKey int
}

func NewRedisHistory(redisURL string, perKey int) (*RedisHistory, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisHistory{client: client, perKey: perKey}, nil
}

func NewRedisHistoryWithClient(client *redis.Client, perKey int) *RedisHistory {
	return &RedisHistory{client: client, perKey: perKey}
}

func (h *RedisHistory) key(featureKey string) string {
	return "escalation:history:" + featureKey
}

func (h *RedisHistory) Append(ctx context.Context, key string, rec OutcomeRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	k := h.key(key)
	pipe := h.client.Pipeline()
	pipe.LPush(ctx, k, payload)
	pipe.LTrim(ctx, k, 0, int64(h.perKey-1))
	pipe.Expire(ctx, k, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	return nil
}

func (h *RedisHistory) Recent(ctx context.Context, key string, n int) ([]OutcomeRecord, error) {
	raw, err := h.client.LRange(ctx, h.key(key), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	records := make([]OutcomeRecord, 0, len(raw))
	for _, item := range raw {
		var rec OutcomeRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			// Malformed entries are skipped rather than poisoning the key.
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (h *RedisHistory) Close() error {
	return h.client.Close()
}
