package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/vector-autopilot/internal/models"
)

// PostgresAccountRepo implements AccountRepo using PostgreSQL.
type PostgresAccountRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresAccountRepo creates a new PostgreSQL-backed account repo.
func NewPostgresAccountRepo(pool *pgxpool.Pool) *PostgresAccountRepo {
	return &PostgresAccountRepo{pool: pool}
}

// ListAll returns all accounts ordered by user.
func (r *PostgresAccountRepo) ListAll(ctx context.Context) ([]*models.AdAccount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, account_id, access_token, token_expires_at, status, created_at, updated_at
		FROM ad_accounts ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.AdAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// GetByUser returns the user's account or nil.
func (r *PostgresAccountRepo) GetByUser(ctx context.Context, userID string) (*models.AdAccount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, account_id, access_token, token_expires_at, status, created_at, updated_at
		FROM ad_accounts WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanAccount(rows)
}

// Upsert inserts or replaces the user's account.
func (r *PostgresAccountRepo) Upsert(ctx context.Context, a *models.AdAccount) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ad_accounts (user_id, account_id, access_token, token_expires_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			access_token = EXCLUDED.access_token,
			token_expires_at = EXCLUDED.token_expires_at,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`, a.UserID, a.AccountID, a.AccessToken, nullTime(a.TokenExpiresAt), string(a.Status), a.CreatedAt, a.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// MarkInvalid flags the user's credentials as unusable.
func (r *PostgresAccountRepo) MarkInvalid(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE ad_accounts SET status = $2, updated_at = now() WHERE user_id = $1
	`, userID, string(models.AccountStatusInvalid))
	if err != nil {
		return fmt.Errorf("failed to mark account invalid: %w", err)
	}
	return nil
}

// Delete removes the user's account.
func (r *PostgresAccountRepo) Delete(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM ad_accounts WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

func scanAccount(rows pgx.Rows) (*models.AdAccount, error) {
	var a models.AdAccount
	var expires *time.Time
	var status string

	if err := rows.Scan(&a.UserID, &a.AccountID, &a.AccessToken, &expires, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if expires != nil {
		a.TokenExpiresAt = *expires
	}
	a.Status = models.AccountStatus(status)
	return &a, nil
}

// nullTime converts zero times to NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
