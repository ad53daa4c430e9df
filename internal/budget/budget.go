package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cellsage/ai-engine/internal/cost"
	"github.com/cellsage/ai-engine/internal/domain"
)

// BalanceStore debits budget units from a caller's balance and returns the
// remaining balance.
type BalanceStore interface {
	DebitUnits(ctx context.Context, callerID string, units int64) (int64, error)
}

// Gate runs the money checks around a request: a pre-flight check that the
// caller can pay the tier's minimum, and a post-call debit.
type Gate struct {
	calc     *cost.Calculator
	balances BalanceStore
}

func NewGate(calc *cost.Calculator, balances BalanceStore) *Gate {
	return &Gate{
		calc:     calc,
		balances: balances,
	}
}

// CheckAffordable rejects the caller before any network call when the
// balance cannot cover the tier's minimum debit. Tiers without a pricing
// row cannot be gated and pass.
func (g *Gate) CheckAffordable(caller *domain.Caller, tier domain.Tier) error {
	tc, ok := g.calc.Config(tier)
	if !ok {
		return nil
	}

	if caller.BudgetUnits < tc.MinBudgetUnits {
		return &domain.InsufficientBudgetError{
			CallerID:  caller.ID,
			Tier:      tier,
			Required:  tc.MinBudgetUnits,
			Available: caller.BudgetUnits,
		}
	}
	return nil
}

// Debit charges the caller for a completed call. It returns the units
// charged and the remaining balance.
func (g *Gate) Debit(ctx context.Context, callerID string, tier domain.Tier, costUSD float64) (int64, int64, error) {
	units := g.calc.Units(tier, costUSD)

	remaining, err := g.balances.DebitUnits(ctx, callerID, units)
	if err != nil {
		return 0, 0, fmt.Errorf("debit caller %s: %w", callerID, err)
	}
	return units, remaining, nil
}

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelExceeded AlertLevel = "exceeded"
)

// Alert reports one caller crossing a monthly-spend threshold.
type Alert struct {
	CallerID   string
	Level      AlertLevel
	LimitUSD   float64
	SpentUSD   float64
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(alert Alert)

// SpendSource reads a caller's accumulated USD cost since a point in time.
type SpendSource interface {
	TotalCostSince(ctx context.Context, callerID string, since time.Time) (float64, error)
}

// Thresholds are utilization ratios of the caller's monthly limit.
type Thresholds struct {
	Warning  float64
	Exceeded float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.90,
		Exceeded: 1.0,
	}
}

// Monitor tracks rolling monthly spend against each caller's limit and
// dispatches alerts when a threshold is crossed. Alerts deduplicate per
// caller and level so repeated checks do not re-fire.
type Monitor struct {
	mu         sync.RWMutex
	spend      SpendSource
	dedup      AlertDeduplicator
	thresholds Thresholds
	handlers   []AlertHandler
	now        func() time.Time
}

func NewMonitor(spend SpendSource, dedup AlertDeduplicator, thresholds Thresholds) *Monitor {
	if dedup == nil {
		dedup = NewInMemoryDeduplicator()
	}
	return &Monitor{
		spend:      spend,
		dedup:      dedup,
		thresholds: thresholds,
		handlers:   make([]AlertHandler, 0),
		now:        time.Now,
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Check evaluates one caller against the thresholds and returns the alert
// dispatched, if any. Callers without a monthly limit are never alerted.
func (m *Monitor) Check(ctx context.Context, caller *domain.Caller) (*Alert, error) {
	if caller.MonthlyLimitUSD <= 0 {
		return nil, nil
	}

	spent, err := m.spend.TotalCostSince(ctx, caller.ID, m.startOfMonth())
	if err != nil {
		return nil, err
	}

	utilization := spent / caller.MonthlyLimitUSD

	var level AlertLevel
	switch {
	case utilization >= m.thresholds.Exceeded:
		level = AlertLevelExceeded
	case utilization >= m.thresholds.Warning:
		level = AlertLevelWarning
	default:
		m.dedup.ClearAlert(ctx, caller.ID)
		return nil, nil
	}

	if !m.dedup.ShouldAlert(ctx, caller.ID, level) {
		return nil, nil
	}

	alert := &Alert{
		CallerID:   caller.ID,
		Level:      level,
		LimitUSD:   caller.MonthlyLimitUSD,
		SpentUSD:   spent,
		Percentage: utilization * 100,
		Timestamp:  m.now(),
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(*alert)
	}

	return alert, nil
}

func (m *Monitor) startOfMonth() time.Time {
	now := m.now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// LogAlertHandler writes alerts to the default logger. Exceeded limits log
// at error level, everything else at warn.
func LogAlertHandler(alert Alert) {
	args := []any{
		"caller_id", alert.CallerID,
		"level", alert.Level,
		"limit_usd", alert.LimitUSD,
		"spent_usd", alert.SpentUSD,
		"percentage", alert.Percentage,
	}
	if alert.Level == AlertLevelExceeded {
		slog.Error("monthly budget exceeded", args...)
		return
	}
	slog.Warn("monthly budget alert", args...)
}
