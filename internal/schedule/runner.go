package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/radiusdt/vector-autopilot/internal/adapi"
	"github.com/radiusdt/vector-autopilot/internal/dispatch"
	"github.com/radiusdt/vector-autopilot/internal/metrics"
	"github.com/radiusdt/vector-autopilot/internal/models"
	"github.com/radiusdt/vector-autopilot/internal/notify"
	"github.com/radiusdt/vector-autopilot/internal/storage"
	"github.com/radiusdt/vector-autopilot/internal/task"
	"go.uber.org/zap"
)

// Config tunes the runner's sweep cadence.
type Config struct {
	// SweepInterval is how often all rules are evaluated.
	SweepInterval time.Duration
	// CleanupInterval is how often rules of invalid owners are removed.
	CleanupInterval time.Duration
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		SweepInterval:   5 * time.Second,
		CleanupInterval: 15 * time.Minute,
	}
}

// Runner drives all schedule rules: every sweep it evaluates each stored
// rule sequentially and dispatches the due run-state changes. Rules are
// mutated only here, so the repos see a single writer.
type Runner struct {
	rules      storage.ScheduleRepo
	accounts   storage.AccountRepo
	history    storage.HistoryStore
	dispatcher *dispatch.Dispatcher
	notifier   notify.Notifier
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	sweepTask   *task.Task
	cleanupTask *task.Task
}

// NewRunner wires a schedule runner. Task options are forwarded to the
// sweep task so tests can drive ticks manually.
func NewRunner(rules storage.ScheduleRepo, accounts storage.AccountRepo, history storage.HistoryStore,
	dispatcher *dispatch.Dispatcher, notifier notify.Notifier, cfg Config,
	logger *zap.Logger, m *metrics.Metrics, opts ...task.Option) *Runner {

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}

	r := &Runner{
		rules:      rules,
		accounts:   accounts,
		history:    history,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
	r.sweepTask = task.New("schedule-sweep", cfg.SweepInterval, r.Sweep, logger, opts...)
	r.cleanupTask = task.New("schedule-cleanup", cfg.CleanupInterval, r.Cleanup, logger)
	return r
}

// Start launches the sweep and cleanup loops.
func (r *Runner) Start() {
	r.sweepTask.Start()
	r.cleanupTask.Start()
}

// Stop halts both loops and waits for in-progress iterations.
func (r *Runner) Stop() {
	r.sweepTask.Stop()
	r.cleanupTask.Stop()
}

// Sweep evaluates every stored rule once. Iteration is sequential so quota
// consumption per user stays predictable; one ad's failure never blocks the
// rest of the sweep.
func (r *Runner) Sweep(ctx context.Context) {
	start := r.now()

	rules, err := r.rules.ListAll(ctx)
	if err != nil {
		r.logger.Error("failed to list schedule rules", zap.Error(err))
		return
	}
	if r.metrics != nil {
		r.metrics.RulesActive.Set(float64(len(rules)))
	}

	// Calendar rules carry explicit per-date intent, so a recurring or
	// ranged rule for the same ad is inert while one exists.
	calendarAds := make(map[string]bool)
	for _, rule := range rules {
		if rule.Kind == models.RuleCalendar {
			calendarAds[rule.UserID+"/"+rule.AdID] = true
		}
	}

	for _, rule := range rules {
		if ctx.Err() != nil {
			return
		}
		if superseded(rule, calendarAds) {
			r.skip("superseded")
			continue
		}

		decision := Evaluate(rule, r.now())
		if !decision.Fire {
			continue
		}
		r.execute(ctx, rule, decision)
	}

	if r.metrics != nil {
		r.metrics.ScheduleSweepDur.Observe(r.now().Sub(start).Seconds())
	}
}

func superseded(rule *models.ScheduleRule, calendarAds map[string]bool) bool {
	if rule.Kind != models.RuleRecurringDaily && rule.Kind != models.RuleRanged {
		return false
	}
	return calendarAds[rule.UserID+"/"+rule.AdID]
}

// execute dispatches one due action. The cursor advances only on success so
// a failed dispatch reproduces the same decision next sweep; setting an
// already-correct remote state is a no-op for the platform.
func (r *Runner) execute(ctx context.Context, rule *models.ScheduleRule, decision Decision) {
	account, err := r.accounts.GetByUser(ctx, rule.UserID)
	if err != nil {
		r.logger.Error("failed to load account",
			zap.String("user_id", rule.UserID),
			zap.Error(err),
		)
		r.skip("account_error")
		return
	}
	if account == nil || !account.Usable(r.now()) {
		r.skip("credentials")
		return
	}

	req := adapi.NewStatusUpdate(rule.UserID, account.AccountID, rule.AdID,
		decision.Action.RunState(), account.AccessToken)

	_, err = r.dispatcher.Dispatch(ctx, req)
	if err != nil {
		kind := adapi.KindOf(err)
		if kind == adapi.KindCredentialExpired {
			if merr := r.accounts.MarkInvalid(ctx, rule.UserID); merr != nil {
				r.logger.Error("failed to mark account invalid",
					zap.String("user_id", rule.UserID),
					zap.Error(merr),
				)
			}
		}
		r.logger.Warn("schedule dispatch failed",
			zap.String("rule_id", rule.ID),
			zap.String("ad_id", rule.AdID),
			zap.String("action", string(decision.Action)),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		r.record(ctx, rule, decision, storage.StatusFailed)
		return
	}

	now := r.now()
	rule.LastAction = decision.Action
	rule.LastExecDate = now.In(rule.Location()).Format(DateFormat)
	rule.ExecutedAt = now
	rule.UpdatedAt = now

	if decision.DeleteAfter {
		if err := r.rules.Delete(ctx, rule.ID); err != nil {
			r.logger.Error("failed to delete completed rule",
				zap.String("rule_id", rule.ID),
				zap.Error(err),
			)
		}
	} else if err := r.rules.Upsert(ctx, rule); err != nil {
		r.logger.Error("failed to advance rule cursor",
			zap.String("rule_id", rule.ID),
			zap.Error(err),
		)
	}

	r.logger.Info("schedule rule fired",
		zap.String("rule_id", rule.ID),
		zap.String("ad_id", rule.AdID),
		zap.String("kind", string(rule.Kind)),
		zap.String("action", string(decision.Action)),
		zap.String("reason", decision.Reason),
	)
	if r.metrics != nil {
		r.metrics.RecordFiring(string(decision.Action), string(rule.Kind))
	}
	r.record(ctx, rule, decision, storage.StatusOK)
	r.notifier.Notify(ctx, notify.Event{
		UserID:    rule.UserID,
		AdID:      rule.AdID,
		Source:    storage.SourceSchedule,
		Action:    string(decision.Action),
		Reason:    decision.Reason,
		Timestamp: now,
	})
}

// ExecuteRule evaluates a single rule immediately, outside the sweep cycle.
// Returns an error when the rule is unknown or nothing is due.
func (r *Runner) ExecuteRule(ctx context.Context, id string) error {
	rule, err := r.rules.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load rule: %w", err)
	}
	if rule == nil {
		return fmt.Errorf("rule %s not found", id)
	}

	decision := Evaluate(rule, r.now())
	if !decision.Fire {
		return fmt.Errorf("rule %s has no action due", id)
	}
	r.execute(ctx, rule, decision)
	return nil
}

// Cleanup removes rules belonging to owners whose credentials are confirmed
// invalid, bounding store growth. Valid and merely expired-token owners are
// left alone since re-authentication revives their rules.
func (r *Runner) Cleanup(ctx context.Context) {
	accounts, err := r.accounts.ListAll(ctx)
	if err != nil {
		r.logger.Error("cleanup failed to list accounts", zap.Error(err))
		return
	}

	for _, account := range accounts {
		if ctx.Err() != nil {
			return
		}
		if account.Status != models.AccountStatusInvalid {
			continue
		}
		removed, err := r.rules.DeleteByUser(ctx, account.UserID)
		if err != nil {
			r.logger.Error("cleanup failed to delete rules",
				zap.String("user_id", account.UserID),
				zap.Error(err),
			)
			continue
		}
		if removed > 0 {
			r.logger.Info("removed rules for invalid account",
				zap.String("user_id", account.UserID),
				zap.Int64("rules", removed),
			)
			if r.metrics != nil {
				r.metrics.RulesCleanedUp.Add(float64(removed))
			}
		}
	}
}

func (r *Runner) skip(reason string) {
	if r.metrics != nil {
		r.metrics.RecordScheduleSkip(reason)
	}
}

func (r *Runner) record(ctx context.Context, rule *models.ScheduleRule, decision Decision, status string) {
	if r.history == nil {
		return
	}
	ev := &storage.ExecutionEvent{
		ID:        uuid.NewString(),
		UserID:    rule.UserID,
		AdID:      rule.AdID,
		RuleID:    rule.ID,
		Source:    storage.SourceSchedule,
		Action:    string(decision.Action),
		Status:    status,
		Reason:    decision.Reason,
		Timestamp: r.now(),
	}
	if err := r.history.Record(ctx, ev); err != nil {
		r.logger.Warn("failed to record execution event", zap.Error(err))
	}
}
