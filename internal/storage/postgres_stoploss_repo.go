package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/vector-autopilot/internal/models"
)

// PostgresStopLossRepo implements StopLossRepo using PostgreSQL.
type PostgresStopLossRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresStopLossRepo creates a new PostgreSQL-backed stop-loss repo.
func NewPostgresStopLossRepo(pool *pgxpool.Pool) *PostgresStopLossRepo {
	return &PostgresStopLossRepo{pool: pool}
}

const stopLossColumns = `
	id, user_id, account_id, ad_id, enabled,
	cpr_enabled, cpr_threshold, zero_enabled, zero_threshold,
	result_action_types, triggered_at, created_at, updated_at
`

// ListEnabled returns all enabled configs in insertion order.
func (r *PostgresStopLossRepo) ListEnabled(ctx context.Context) ([]*models.StopLossConfig, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+stopLossColumns+`
		FROM stoploss_configs WHERE enabled ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stop-loss configs: %w", err)
	}
	defer rows.Close()
	return scanConfigs(rows)
}

// ListByUser returns one user's configs.
func (r *PostgresStopLossRepo) ListByUser(ctx context.Context, userID string) ([]*models.StopLossConfig, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+stopLossColumns+`
		FROM stoploss_configs WHERE user_id = $1 ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stop-loss configs: %w", err)
	}
	defer rows.Close()
	return scanConfigs(rows)
}

// GetByAd returns the config for (user, ad) or nil.
func (r *PostgresStopLossRepo) GetByAd(ctx context.Context, userID, adID string) (*models.StopLossConfig, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+stopLossColumns+`
		FROM stoploss_configs WHERE user_id = $1 AND ad_id = $2
	`, userID, adID)
	if err != nil {
		return nil, fmt.Errorf("failed to get stop-loss config: %w", err)
	}
	defer rows.Close()

	configs, err := scanConfigs(rows)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, nil
	}
	return configs[0], nil
}

// Upsert inserts or replaces the config for the same (user, ad).
func (r *PostgresStopLossRepo) Upsert(ctx context.Context, c *models.StopLossConfig) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO stoploss_configs (`+stopLossColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id, ad_id) DO UPDATE SET
			id = EXCLUDED.id,
			account_id = EXCLUDED.account_id,
			enabled = EXCLUDED.enabled,
			cpr_enabled = EXCLUDED.cpr_enabled,
			cpr_threshold = EXCLUDED.cpr_threshold,
			zero_enabled = EXCLUDED.zero_enabled,
			zero_threshold = EXCLUDED.zero_threshold,
			result_action_types = EXCLUDED.result_action_types,
			triggered_at = EXCLUDED.triggered_at,
			updated_at = EXCLUDED.updated_at
	`, c.ID, c.UserID, nullString(c.AccountID), c.AdID, c.Enabled,
		c.CostPerResultEnabled, c.CostPerResultThreshold, c.ZeroResultEnabled, c.ZeroResultThreshold,
		c.ResultActionTypes, c.TriggeredAt, c.CreatedAt, c.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert stop-loss config: %w", err)
	}
	return nil
}

// Delete removes the config by ID.
func (r *PostgresStopLossRepo) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM stoploss_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete stop-loss config: %w", err)
	}
	return nil
}

// Disable turns the config off and stamps the trigger time.
func (r *PostgresStopLossRepo) Disable(ctx context.Context, id string, triggeredAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE stoploss_configs
		SET enabled = false, triggered_at = $2, updated_at = $2
		WHERE id = $1
	`, id, triggeredAt)
	if err != nil {
		return fmt.Errorf("failed to disable stop-loss config: %w", err)
	}
	return nil
}

func scanConfigs(rows pgx.Rows) ([]*models.StopLossConfig, error) {
	var configs []*models.StopLossConfig
	for rows.Next() {
		var c models.StopLossConfig
		var accountID *string

		if err := rows.Scan(&c.ID, &c.UserID, &accountID, &c.AdID, &c.Enabled,
			&c.CostPerResultEnabled, &c.CostPerResultThreshold, &c.ZeroResultEnabled, &c.ZeroResultThreshold,
			&c.ResultActionTypes, &c.TriggeredAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if accountID != nil {
			c.AccountID = *accountID
		}
		configs = append(configs, &c)
	}
	return configs, rows.Err()
}
