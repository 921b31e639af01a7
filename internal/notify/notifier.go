package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event is one autopilot action worth telling the operator about.
type Event struct {
	UserID    string    `json:"user_id"`
	AdID      string    `json:"ad_id"`
	Source    string    `json:"source"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier publishes events. Delivery is fire-and-forget: runners never
// block or fail on notification problems.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// LogNotifier writes events to the service log. It is the fallback when no
// Redis connection is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the event.
func (n *LogNotifier) Notify(ctx context.Context, ev Event) {
	n.logger.Info("autopilot event",
		zap.String("user_id", ev.UserID),
		zap.String("ad_id", ev.AdID),
		zap.String("source", ev.Source),
		zap.String("action", ev.Action),
		zap.String("reason", ev.Reason),
	)
}

// EventChannel is the Redis pub/sub channel events are published on.
const EventChannel = "autopilot:events"

// RedisNotifier publishes events on a Redis pub/sub channel so external
// consumers (dashboards, messengers) can react to them.
type RedisNotifier struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisNotifier creates a Redis-backed notifier.
func NewRedisNotifier(client *redis.Client, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, logger: logger}
}

// Notify publishes the event as JSON. Publish failures are logged and
// dropped.
func (n *RedisNotifier) Notify(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Warn("failed to encode notification", zap.Error(err))
		return
	}
	if err := n.client.Publish(ctx, EventChannel, payload).Err(); err != nil {
		n.logger.Warn("failed to publish notification",
			zap.String("channel", EventChannel),
			zap.Error(err),
		)
	}
}
