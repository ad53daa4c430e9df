// Package cache stores high-confidence responses so identical requests skip
// the providers entirely. Writes are gated on judge confidence and entry
// size; reads validate and evict stale or damaged entries in place. Both a
// process-local and a Redis backend are provided.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cellsage/ai-engine/internal/domain"
)

const (
	// MinConfidence is the judge confidence below which responses are not
	// worth replaying to other callers.
	MinConfidence = 0.7

	// MaxEntryBytes caps the serialized entry size.
	MaxEntryBytes = 10 << 20
)

// Entry is one cached response with its write-time provenance.
type Entry struct {
	Envelope   *domain.ResponseEnvelope `json:"envelope"`
	Confidence float64                  `json:"confidence"`
	CachedAt   time.Time                `json:"cached_at"`
	ExpiresAt  time.Time                `json:"expires_at"`
}

// Backend is the raw byte store under the cache.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key hashes the request identity: what was asked, in which mode, and which
// provider/model at which tier would serve it. Prompt whitespace and case do
// not change the key.
func Key(prompt string, kind domain.RequestKind, provider string, tier domain.Tier, model string) string {
	h := sha256.New()
	h.Write([]byte(normalize(prompt)))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(string(tier) + ":" + model))
	return "aicache:" + hex.EncodeToString(h.Sum(nil))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Cache applies the write gate, entry validation, and counters on top of a
// backend.
type Cache struct {
	backend Backend
	ttl     time.Duration

	hits          atomic.Int64
	misses        atomic.Int64
	writes        atomic.Int64
	writeRefusals atomic.Int64
	errors        atomic.Int64
}

func New(backend Backend, ttl time.Duration) *Cache {
	return &Cache{backend: backend, ttl: ttl}
}

// Get returns a live entry or a miss. Expired and undecodable entries are
// deleted on sight so they are paid for once.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	payload, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.errors.Add(1)
		c.misses.Add(1)
		return nil, false
	}
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil || entry.Envelope == nil || entry.Envelope.Content == "" {
		c.evict(ctx, key)
		c.misses.Add(1)
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		c.evict(ctx, key)
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return &entry, true
}

// Store writes the response if confidence clears the gate and the entry fits
// under the size cap. The bool reports whether a write happened.
func (c *Cache) Store(ctx context.Context, key string, env *domain.ResponseEnvelope, confidence float64) (bool, error) {
	if confidence < MinConfidence {
		c.writeRefusals.Add(1)
		return false, nil
	}

	now := time.Now()
	entry := Entry{
		Envelope:   env,
		Confidence: confidence,
		CachedAt:   now,
		ExpiresAt:  now.Add(c.ttl),
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		c.errors.Add(1)
		return false, fmt.Errorf("marshal cache entry: %w", err)
	}
	if len(payload) > MaxEntryBytes {
		c.writeRefusals.Add(1)
		return false, nil
	}

	if err := c.backend.Set(ctx, key, payload, c.ttl); err != nil {
		c.errors.Add(1)
		return false, fmt.Errorf("write cache entry: %w", err)
	}

	c.writes.Add(1)
	return true, nil
}

func (c *Cache) evict(ctx context.Context, key string) {
	if err := c.backend.Delete(ctx, key); err != nil {
		c.errors.Add(1)
	}
}

// Stats is a point-in-time snapshot of the cache counters.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Writes        int64   `json:"writes"`
	WriteRefusals int64   `json:"write_refusals"`
	Errors        int64   `json:"errors"`
	HitRate       float64 `json:"hit_rate"`
}

func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}

	return Stats{
		Hits:          hits,
		Misses:        misses,
		Writes:        c.writes.Load(),
		WriteRefusals: c.writeRefusals.Load(),
		Errors:        c.errors.Load(),
		HitRate:       rate,
	}
}

// InMemoryBackend is a mutex-guarded map with periodic expiry sweeps.
type InMemoryBackend struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

type memoryItem struct {
	payload   []byte
	expiresAt time.Time
}

func NewInMemoryBackend() *InMemoryBackend {
	b := &InMemoryBackend{items: make(map[string]memoryItem)}
	go b.sweep()
	return b
}

func (b *InMemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	item, ok := b.items[key]
	if !ok || time.Now().After(item.expiresAt) {
		return nil, false, nil
	}
	return item.payload, true, nil
}

func (b *InMemoryBackend) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[key] = memoryItem{payload: payload, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (b *InMemoryBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.items, key)
	return nil
}

func (b *InMemoryBackend) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		b.mu.Lock()
		now := time.Now()
		for key, item := range b.items {
			if now.After(item.expiresAt) {
				delete(b.items, key)
			}
		}
		b.mu.Unlock()
	}
}
