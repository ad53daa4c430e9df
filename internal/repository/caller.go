package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/cellsage/ai-engine/internal/domain"
)

// CallerRepository stores caller accounts and their budget balances.
type CallerRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*domain.Caller, error)
	GetByID(ctx context.Context, id string) (*domain.Caller, error)
	List(ctx context.Context) ([]*domain.Caller, error)
	Create(ctx context.Context, caller *domain.Caller) error
	Update(ctx context.Context, caller *domain.Caller) error
	Delete(ctx context.Context, id string) error

	// DebitUnits subtracts units from the caller's balance and returns
	// the remaining balance.
	DebitUnits(ctx context.Context, callerID string, units int64) (int64, error)
}

// InMemoryCallerRepository keeps callers in process memory. It seeds a dev
// caller so the engine answers requests before any account setup.
type InMemoryCallerRepository struct {
	mu      sync.RWMutex
	callers map[string]*domain.Caller
	byKey   map[string]string
}

func NewInMemoryCallerRepository() *InMemoryCallerRepository {
	repo := &InMemoryCallerRepository{
		callers: make(map[string]*domain.Caller),
		byKey:   make(map[string]string),
	}

	dev := &domain.Caller{
		ID:              "dev",
		Name:            "dev",
		APIKeyHash:      HashAPIKey("ae-dev-key"),
		Subscription:    domain.SubscriptionPremium,
		BudgetUnits:     100_000,
		MonthlyLimitUSD: 1000,
		Enabled:         true,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	repo.callers[dev.ID] = dev
	repo.byKey[dev.APIKeyHash] = dev.ID

	return repo
}

func (r *InMemoryCallerRepository) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Caller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[HashAPIKey(apiKey)]
	if !ok {
		return nil, domain.ErrCallerNotFound
	}

	caller, ok := r.callers[id]
	if !ok || !caller.Enabled {
		return nil, domain.ErrCallerNotFound
	}
	return clone(caller), nil
}

func (r *InMemoryCallerRepository) GetByID(ctx context.Context, id string) (*domain.Caller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caller, ok := r.callers[id]
	if !ok {
		return nil, domain.ErrCallerNotFound
	}
	return clone(caller), nil
}

func (r *InMemoryCallerRepository) List(ctx context.Context) ([]*domain.Caller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	callers := make([]*domain.Caller, 0, len(r.callers))
	for _, c := range r.callers {
		callers = append(callers, clone(c))
	}
	sort.Slice(callers, func(i, j int) bool {
		return callers[i].CreatedAt.After(callers[j].CreatedAt)
	})
	return callers, nil
}

func (r *InMemoryCallerRepository) Create(ctx context.Context, caller *domain.Caller) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.callers[caller.ID] = clone(caller)
	r.byKey[caller.APIKeyHash] = caller.ID
	return nil
}

func (r *InMemoryCallerRepository) Update(ctx context.Context, caller *domain.Caller) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.callers[caller.ID]
	if !ok {
		return domain.ErrCallerNotFound
	}

	if old.APIKeyHash != caller.APIKeyHash {
		delete(r.byKey, old.APIKeyHash)
	}

	caller.UpdatedAt = time.Now()
	r.callers[caller.ID] = clone(caller)
	r.byKey[caller.APIKeyHash] = caller.ID
	return nil
}

func (r *InMemoryCallerRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	caller, ok := r.callers[id]
	if !ok {
		return domain.ErrCallerNotFound
	}

	delete(r.byKey, caller.APIKeyHash)
	delete(r.callers, id)
	return nil
}

func (r *InMemoryCallerRepository) DebitUnits(ctx context.Context, callerID string, units int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	caller, ok := r.callers[callerID]
	if !ok {
		return 0, domain.ErrCallerNotFound
	}

	caller.BudgetUnits -= units
	caller.UpdatedAt = time.Now()
	return caller.BudgetUnits, nil
}

// clone detaches a caller from the store. Reads hand out copies so a debit
// on the stored struct never races a caller held by an in-flight request.
func clone(c *domain.Caller) *domain.Caller {
	cp := *c
	return &cp
}

// HashAPIKey maps a raw API key to the hash stored at rest. Keys are never
// persisted in the clear.
func HashAPIKey(apiKey string) string {
	h := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(h[:])
}
