package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cellsage/ai-engine/internal/domain"
)

// PostgresUsageRepository persists usage records in the usage_records table.
type PostgresUsageRepository struct {
	db *sql.DB
}

func NewPostgresUsageRepository(db *sql.DB) *PostgresUsageRepository {
	return &PostgresUsageRepository{db: db}
}

func (r *PostgresUsageRepository) Record(ctx context.Context, record domain.UsageRecord) error {
	query := `
		INSERT INTO usage_records (id, caller_id, kind, provider, model, tier, input_tokens, output_tokens, cost_usd, budget_units, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.ExecContext(ctx, query,
		record.ID,
		record.CallerID,
		string(record.Kind),
		record.Provider,
		record.Model,
		string(record.Tier),
		record.InputTokens,
		record.OutputTokens,
		record.CostUSD,
		record.BudgetUnits,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (r *PostgresUsageRepository) ListSince(ctx context.Context, callerID string, since time.Time) ([]domain.UsageRecord, error) {
	query := `
		SELECT id, caller_id, kind, provider, model, tier, input_tokens, output_tokens, cost_usd, budget_units, created_at
		FROM usage_records
		WHERE caller_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, callerID, since)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []domain.UsageRecord
	for rows.Next() {
		var record domain.UsageRecord
		var kind, tier string

		err := rows.Scan(
			&record.ID,
			&record.CallerID,
			&kind,
			&record.Provider,
			&record.Model,
			&tier,
			&record.InputTokens,
			&record.OutputTokens,
			&record.CostUSD,
			&record.BudgetUnits,
			&record.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}

		record.Kind = domain.RequestKind(kind)
		record.Tier = domain.Tier(tier)
		records = append(records, record)
	}
	return records, rows.Err()
}

func (r *PostgresUsageRepository) TotalCostSince(ctx context.Context, callerID string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE caller_id = $1 AND created_at >= $2
	`

	var total float64
	if err := r.db.QueryRowContext(ctx, query, callerID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("query total cost: %w", err)
	}
	return total, nil
}

func (r *PostgresUsageRepository) SummarizeSince(ctx context.Context, callerID string, since time.Time) ([]TierUsage, error) {
	query := `
		SELECT tier, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost_usd), 0), COALESCE(SUM(budget_units), 0)
		FROM usage_records
		WHERE caller_id = $1 AND created_at >= $2
		GROUP BY tier
		ORDER BY tier
	`

	rows, err := r.db.QueryContext(ctx, query, callerID, since)
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	defer rows.Close()

	var summary []TierUsage
	for rows.Next() {
		var agg TierUsage
		var tier string

		err := rows.Scan(&tier, &agg.Requests, &agg.InputTokens, &agg.OutputTokens, &agg.CostUSD, &agg.BudgetUnits)
		if err != nil {
			return nil, fmt.Errorf("scan usage summary: %w", err)
		}

		agg.Tier = domain.Tier(tier)
		summary = append(summary, agg)
	}
	return summary, rows.Err()
}
