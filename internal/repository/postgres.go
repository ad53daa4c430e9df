package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/cellsage/ai-engine/internal/domain"
)

// Open connects to Postgres and verifies the connection.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}

// PostgresCallerRepository persists callers in the callers table.
type PostgresCallerRepository struct {
	db *sql.DB
}

func NewPostgresCallerRepository(db *sql.DB) *PostgresCallerRepository {
	return &PostgresCallerRepository{db: db}
}

const callerColumns = `id, name, api_key_hash, subscription, budget_units, monthly_limit_usd, enabled, created_at, updated_at`

func scanCaller(row interface{ Scan(dest ...any) error }) (*domain.Caller, error) {
	var caller domain.Caller
	var subscription string

	err := row.Scan(
		&caller.ID,
		&caller.Name,
		&caller.APIKeyHash,
		&subscription,
		&caller.BudgetUnits,
		&caller.MonthlyLimitUSD,
		&caller.Enabled,
		&caller.CreatedAt,
		&caller.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	caller.Subscription = domain.SubscriptionLevel(subscription)
	return &caller, nil
}

func (r *PostgresCallerRepository) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Caller, error) {
	query := `
		SELECT ` + callerColumns + `
		FROM callers
		WHERE api_key_hash = $1 AND enabled = true
	`

	caller, err := scanCaller(r.db.QueryRowContext(ctx, query, HashAPIKey(apiKey)))
	if err == sql.ErrNoRows {
		return nil, domain.ErrCallerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query caller: %w", err)
	}
	return caller, nil
}

func (r *PostgresCallerRepository) GetByID(ctx context.Context, id string) (*domain.Caller, error) {
	query := `
		SELECT ` + callerColumns + `
		FROM callers
		WHERE id = $1
	`

	caller, err := scanCaller(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrCallerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query caller: %w", err)
	}
	return caller, nil
}

func (r *PostgresCallerRepository) List(ctx context.Context) ([]*domain.Caller, error) {
	query := `
		SELECT ` + callerColumns + `
		FROM callers
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query callers: %w", err)
	}
	defer rows.Close()

	var callers []*domain.Caller
	for rows.Next() {
		caller, err := scanCaller(rows)
		if err != nil {
			return nil, fmt.Errorf("scan caller: %w", err)
		}
		callers = append(callers, caller)
	}
	return callers, rows.Err()
}

func (r *PostgresCallerRepository) Create(ctx context.Context, caller *domain.Caller) error {
	query := `
		INSERT INTO callers (id, name, api_key_hash, subscription, budget_units, monthly_limit_usd, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		caller.ID,
		caller.Name,
		caller.APIKeyHash,
		string(caller.Subscription),
		caller.BudgetUnits,
		caller.MonthlyLimitUSD,
		caller.Enabled,
		caller.CreatedAt,
		caller.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert caller: %w", err)
	}
	return nil
}

func (r *PostgresCallerRepository) Update(ctx context.Context, caller *domain.Caller) error {
	query := `
		UPDATE callers
		SET name = $2, api_key_hash = $3, subscription = $4, budget_units = $5,
		    monthly_limit_usd = $6, enabled = $7, updated_at = $8
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		caller.ID,
		caller.Name,
		caller.APIKeyHash,
		string(caller.Subscription),
		caller.BudgetUnits,
		caller.MonthlyLimitUSD,
		caller.Enabled,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update caller: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrCallerNotFound
	}
	return nil
}

func (r *PostgresCallerRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM callers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete caller: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrCallerNotFound
	}
	return nil
}

// DebitUnits decrements the balance in a single statement so concurrent
// debits never lose updates.
func (r *PostgresCallerRepository) DebitUnits(ctx context.Context, callerID string, units int64) (int64, error) {
	query := `
		UPDATE callers
		SET budget_units = budget_units - $2, updated_at = NOW()
		WHERE id = $1
		RETURNING budget_units
	`

	var remaining int64
	err := r.db.QueryRowContext(ctx, query, callerID, units).Scan(&remaining)
	if err == sql.ErrNoRows {
		return 0, domain.ErrCallerNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("debit caller: %w", err)
	}
	return remaining, nil
}
