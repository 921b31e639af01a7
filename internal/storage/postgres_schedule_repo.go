package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/vector-autopilot/internal/models"
)

// PostgresScheduleRepo implements ScheduleRepo using PostgreSQL. The
// kind-specific spec is stored as JSONB so all four rule variants share one
// table; cursor fields are plain columns so the runner's updates stay cheap.
type PostgresScheduleRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresScheduleRepo creates a new PostgreSQL-backed schedule repo.
func NewPostgresScheduleRepo(pool *pgxpool.Pool) *PostgresScheduleRepo {
	return &PostgresScheduleRepo{pool: pool}
}

// ruleSpec is the JSONB envelope for the kind-specific fields.
type ruleSpec struct {
	OneShot   *models.OneShotSpec        `json:"one_shot,omitempty"`
	Ranged    *models.RangedSpec         `json:"ranged,omitempty"`
	Recurring *models.RecurringDailySpec `json:"recurring,omitempty"`
	Calendar  *models.CalendarSpec       `json:"calendar,omitempty"`
}

const scheduleColumns = `
	id, user_id, account_id, ad_id, kind, timezone, spec,
	last_action, last_exec_date, executed_at, created_at, updated_at
`

// ListAll returns all rules in insertion order.
func (r *PostgresScheduleRepo) ListAll(ctx context.Context) ([]*models.ScheduleRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedule_rules ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// ListByUser returns one user's rules in insertion order.
func (r *PostgresScheduleRepo) ListByUser(ctx context.Context, userID string) ([]*models.ScheduleRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedule_rules WHERE user_id = $1 ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// GetByID returns a rule by ID or nil when absent.
func (r *PostgresScheduleRepo) GetByID(ctx context.Context, id string) (*models.ScheduleRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedule_rules WHERE id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule rule: %w", err)
	}
	defer rows.Close()

	rules, err := scanRules(rows)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}
	return rules[0], nil
}

// Upsert inserts or replaces the rule with the same (user, ad, kind).
func (r *PostgresScheduleRepo) Upsert(ctx context.Context, rule *models.ScheduleRule) error {
	spec, err := json.Marshal(ruleSpec{
		OneShot:   rule.OneShot,
		Ranged:    rule.Ranged,
		Recurring: rule.Recurring,
		Calendar:  rule.Calendar,
	})
	if err != nil {
		return fmt.Errorf("failed to encode rule spec: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO schedule_rules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id, ad_id, kind) DO UPDATE SET
			id = EXCLUDED.id,
			account_id = EXCLUDED.account_id,
			timezone = EXCLUDED.timezone,
			spec = EXCLUDED.spec,
			last_action = EXCLUDED.last_action,
			last_exec_date = EXCLUDED.last_exec_date,
			executed_at = EXCLUDED.executed_at,
			updated_at = EXCLUDED.updated_at
	`, rule.ID, rule.UserID, nullString(rule.AccountID), rule.AdID, string(rule.Kind), rule.Timezone, spec,
		nullString(string(rule.LastAction)), nullString(rule.LastExecDate), rule.ExecutedAt,
		rule.CreatedAt, rule.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert schedule rule: %w", err)
	}
	return nil
}

// Delete removes the rule by ID.
func (r *PostgresScheduleRepo) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM schedule_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule rule: %w", err)
	}
	return nil
}

// DeleteByUser removes all of a user's rules and returns the count.
func (r *PostgresScheduleRepo) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM schedule_rules WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete schedule rules: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRules(rows pgx.Rows) ([]*models.ScheduleRule, error) {
	var rules []*models.ScheduleRule
	for rows.Next() {
		var rule models.ScheduleRule
		var accountID, lastAction, lastExecDate *string
		var kind string
		var spec []byte

		if err := rows.Scan(&rule.ID, &rule.UserID, &accountID, &rule.AdID, &kind, &rule.Timezone, &spec,
			&lastAction, &lastExecDate, &rule.ExecutedAt, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}

		rule.Kind = models.RuleKind(kind)
		if accountID != nil {
			rule.AccountID = *accountID
		}
		if lastAction != nil {
			rule.LastAction = models.ScheduleAction(*lastAction)
		}
		if lastExecDate != nil {
			rule.LastExecDate = *lastExecDate
		}

		var rs ruleSpec
		if err := json.Unmarshal(spec, &rs); err != nil {
			return nil, fmt.Errorf("failed to decode rule spec: %w", err)
		}
		rule.OneShot = rs.OneShot
		rule.Ranged = rs.Ranged
		rule.Recurring = rs.Recurring
		rule.Calendar = rs.Calendar

		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

// nullString converts empty strings to NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
