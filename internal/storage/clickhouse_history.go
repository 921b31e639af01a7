package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// ClickHouseHistoryStore persists execution events in ClickHouse for
// long-horizon queries. The events table is append-only; the hot path is
// Record, queries are served from the HTTP API only.
type ClickHouseHistoryStore struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouseHistoryStore creates a ClickHouse-backed history store.
func NewClickHouseHistoryStore(conn driver.Conn, logger *zap.Logger) *ClickHouseHistoryStore {
	return &ClickHouseHistoryStore{conn: conn, logger: logger}
}

// Record appends one event.
func (s *ClickHouseHistoryStore) Record(ctx context.Context, ev *ExecutionEvent) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO autopilot_events
		(id, user_id, ad_id, rule_id, source, action, status, reason, spend, timestamp)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare event batch: %w", err)
	}

	if err := batch.Append(ev.ID, ev.UserID, ev.AdID, ev.RuleID, ev.Source,
		ev.Action, ev.Status, ev.Reason, ev.Spend, ev.Timestamp); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send event batch: %w", err)
	}
	return nil
}

// Query returns matching events, newest first.
func (s *ClickHouseHistoryStore) Query(ctx context.Context, filter HistoryFilter) ([]*ExecutionEvent, error) {
	query := `
		SELECT id, user_id, ad_id, rule_id, source, action, status, reason, spend, timestamp
		FROM autopilot_events
	`

	var conds []string
	var args []any
	addCond := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}

	if filter.UserID != "" {
		addCond("user_id = ?", filter.UserID)
	}
	if filter.AdID != "" {
		addCond("ad_id = ?", filter.AdID)
	}
	if filter.Source != "" {
		addCond("source = ?", filter.Source)
	}
	if filter.Action != "" {
		addCond("action = ?", filter.Action)
	}
	if filter.Status != "" {
		addCond("status = ?", filter.Status)
	}
	if !filter.From.IsZero() {
		addCond("timestamp >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		addCond("timestamp <= ?", filter.To)
	}

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*ExecutionEvent
	for rows.Next() {
		var ev ExecutionEvent
		var ts time.Time
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.AdID, &ev.RuleID, &ev.Source,
			&ev.Action, &ev.Status, &ev.Reason, &ev.Spend, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Timestamp = ts
		events = append(events, &ev)
	}
	return events, rows.Err()
}
