package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cellsage/ai-engine/internal/domain"
)

// TierUsage aggregates one tier's consumption within a usage summary.
type TierUsage struct {
	Tier         domain.Tier `json:"tier"`
	Requests     int64       `json:"requests"`
	InputTokens  int64       `json:"input_tokens"`
	OutputTokens int64       `json:"output_tokens"`
	CostUSD      float64     `json:"cost_usd"`
	BudgetUnits  int64       `json:"budget_units"`
}

// UsageRepository is the durable account of what each caller consumed.
// One record is written per tier attempt, including judge calls.
type UsageRepository interface {
	Record(ctx context.Context, record domain.UsageRecord) error
	ListSince(ctx context.Context, callerID string, since time.Time) ([]domain.UsageRecord, error)
	TotalCostSince(ctx context.Context, callerID string, since time.Time) (float64, error)
	SummarizeSince(ctx context.Context, callerID string, since time.Time) ([]TierUsage, error)
}

// InMemoryUsageRepository keeps usage records in process memory.
type InMemoryUsageRepository struct {
	mu      sync.RWMutex
	records []domain.UsageRecord
}

func NewInMemoryUsageRepository() *InMemoryUsageRepository {
	return &InMemoryUsageRepository{
		records: make([]domain.UsageRecord, 0),
	}
}

func (r *InMemoryUsageRepository) Record(ctx context.Context, record domain.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, record)
	return nil
}

// ListSince returns the caller's records newest first.
func (r *InMemoryUsageRepository) ListSince(ctx context.Context, callerID string, since time.Time) ([]domain.UsageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []domain.UsageRecord
	for i := len(r.records) - 1; i >= 0; i-- {
		rec := r.records[i]
		if rec.CallerID == callerID && !rec.Timestamp.Before(since) {
			result = append(result, rec)
		}
	}
	return result, nil
}

func (r *InMemoryUsageRepository) TotalCostSince(ctx context.Context, callerID string, since time.Time) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total float64
	for _, rec := range r.records {
		if rec.CallerID == callerID && !rec.Timestamp.Before(since) {
			total += rec.CostUSD
		}
	}
	return total, nil
}

func (r *InMemoryUsageRepository) SummarizeSince(ctx context.Context, callerID string, since time.Time) ([]TierUsage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byTier := make(map[domain.Tier]*TierUsage)
	for _, rec := range r.records {
		if rec.CallerID != callerID || rec.Timestamp.Before(since) {
			continue
		}

		agg, ok := byTier[rec.Tier]
		if !ok {
			agg = &TierUsage{Tier: rec.Tier}
			byTier[rec.Tier] = agg
		}
		agg.Requests++
		agg.InputTokens += int64(rec.InputTokens)
		agg.OutputTokens += int64(rec.OutputTokens)
		agg.CostUSD += rec.CostUSD
		agg.BudgetUnits += rec.BudgetUnits
	}

	summary := make([]TierUsage, 0, len(byTier))
	for _, agg := range byTier {
		summary = append(summary, *agg)
	}
	sort.Slice(summary, func(i, j int) bool {
		return summary[i].Tier.Order() < summary[j].Tier.Order()
	})
	return summary, nil
}
