package escalation

import (
	"context"
	"sync"
	"time"

	"github.com/cellsage/ai-engine/internal/domain"
)

// OutcomeRecord is one escalation result under a feature key.
type OutcomeRecord struct {
	FromTier domain.Tier `json:"from_tier"`
	ToTier   domain.Tier `json:"to_tier"`
	Success  bool        `json:"success"`
	At       time.Time   `json:"at,omitempty"`
}

// HistoryStore keeps recent escalation outcomes per feature key. Both depth
// per key and the number of keys are bounded, so the store never grows with
// traffic.
type HistoryStore interface {
	Append(ctx context.Context, key string, rec OutcomeRecord) error
	Recent(ctx context.Context, key string, n int) ([]OutcomeRecord, error)
}

// InMemoryHistory is a bounded per-key ring. When the key limit is reached
// the least recently touched key is dropped whole.
type InMemoryHistory struct {
	mu      sync.Mutex
	perKey  int
	maxKeys int
	entries map[string][]OutcomeRecord
	order   []string
}

func NewInMemoryHistory(perKey, maxKeys int) *InMemoryHistory {
	return &InMemoryHistory{
		perKey:  perKey,
		maxKeys: maxKeys,
		entries: make(map[string][]OutcomeRecord),
	}
}

func (h *InMemoryHistory) Append(ctx context.Context, key string, rec OutcomeRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	records, exists := h.entries[key]
	if !exists {
		if len(h.entries) >= h.maxKeys && len(h.order) > 0 {
			oldest := h.order[0]
			h.order = h.order[1:]
			delete(h.entries, oldest)
		}
		h.order = append(h.order, key)
	} else {
		h.touch(key)
	}

	records = append([]OutcomeRecord{rec}, records...)
	if len(records) > h.perKey {
		records = records[:h.perKey]
	}
	h.entries[key] = records
	return nil
}

func (h *InMemoryHistory) Recent(ctx context.Context, key string, n int) ([]OutcomeRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	records := h.entries[key]
	if n > len(records) {
		n = len(records)
	}
	out := make([]OutcomeRecord, n)
	copy(out, records[:n])
	return out, nil
}

// touch moves key to the back of the eviction order.
func (h *InMemoryHistory) touch(key string) {
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			h.order = append(h.order, key)
			return
		}
	}
}

// Keys reports how many feature buckets are live. For tests and stats.
func (h *InMemoryHistory) Keys() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
