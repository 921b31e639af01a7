package storage

import (
	"context"
	"time"

	"github.com/radiusdt/vector-autopilot/internal/models"
)

// =============================================
// SCHEDULE RULE REPOSITORY
// =============================================

// ScheduleRepo defines operations for schedule rule storage. Readers get
// point-in-time snapshots; the schedule runner is the only writer of rule
// cursors.
type ScheduleRepo interface {
	ListAll(ctx context.Context) ([]*models.ScheduleRule, error)
	ListByUser(ctx context.Context, userID string) ([]*models.ScheduleRule, error)
	GetByID(ctx context.Context, id string) (*models.ScheduleRule, error)
	// Upsert replaces any existing rule with the same (user, ad, kind).
	Upsert(ctx context.Context, r *models.ScheduleRule) error
	Delete(ctx context.Context, id string) error
	DeleteByUser(ctx context.Context, userID string) (int64, error)
}

// =============================================
// STOP-LOSS CONFIG REPOSITORY
// =============================================

// StopLossRepo defines operations for stop-loss config storage.
type StopLossRepo interface {
	ListEnabled(ctx context.Context) ([]*models.StopLossConfig, error)
	ListByUser(ctx context.Context, userID string) ([]*models.StopLossConfig, error)
	GetByAd(ctx context.Context, userID, adID string) (*models.StopLossConfig, error)
	// Upsert replaces any existing config with the same (user, ad).
	Upsert(ctx context.Context, c *models.StopLossConfig) error
	Delete(ctx context.Context, id string) error
	// Disable turns the config off after a trigger so it fires at most once.
	Disable(ctx context.Context, id string, triggeredAt time.Time) error
}

// =============================================
// AD ACCOUNT REPOSITORY
// =============================================

// AccountRepo defines operations for platform credential storage.
type AccountRepo interface {
	ListAll(ctx context.Context) ([]*models.AdAccount, error)
	GetByUser(ctx context.Context, userID string) (*models.AdAccount, error)
	Upsert(ctx context.Context, a *models.AdAccount) error
	MarkInvalid(ctx context.Context, userID string) error
	Delete(ctx context.Context, userID string) error
}

// =============================================
// EXECUTION HISTORY
// =============================================

// Event sources.
const (
	SourceSchedule = "schedule"
	SourceStopLoss = "stoploss"
)

// Event statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// ExecutionEvent records one autopilot action against the platform.
type ExecutionEvent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	AdID      string    `json:"ad_id"`
	RuleID    string    `json:"rule_id,omitempty"`
	Source    string    `json:"source"`
	Action    string    `json:"action"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Spend     float64   `json:"spend,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryFilter narrows a history query.
type HistoryFilter struct {
	UserID string
	AdID   string
	Source string
	Action string
	Status string
	From   time.Time
	To     time.Time
	Limit  int
}

// HistoryStore persists and queries execution events.
type HistoryStore interface {
	Record(ctx context.Context, ev *ExecutionEvent) error
	Query(ctx context.Context, filter HistoryFilter) ([]*ExecutionEvent, error)
}
