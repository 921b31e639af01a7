package stoploss

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
	SweepInterval time.Duration
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{SweepInterval: 5 * time.Minute}
}

// Runner sweeps all enabled stop-loss configs: it fetches today's metrics
// per ad through the dispatcher, evaluates, and on trigger pauses the ad and
// disables the config so it fires at most once.
type Runner struct {
	configs    storage.StopLossRepo
	accounts   storage.AccountRepo
	history    storage.HistoryStore
	dispatcher *dispatch.Dispatcher
	notifier   notify.Notifier
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	sweepTask *task.Task
}

// NewRunner wires a stop-loss runner.
func NewRunner(configs storage.StopLossRepo, accounts storage.AccountRepo, history storage.HistoryStore,
	dispatcher *dispatch.Dispatcher, notifier notify.Notifier, cfg Config,
	logger *zap.Logger, m *metrics.Metrics, opts ...task.Option) *Runner {

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}

	r := &Runner{
		configs:    configs,
		accounts:   accounts,
		history:    history,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
	r.sweepTask = task.New("stoploss-sweep", cfg.SweepInterval, r.Sweep, logger, opts...)
	return r
}

// Start launches the sweep loop.
func (r *Runner) Start() { r.sweepTask.Start() }

// Stop halts the loop and waits for an in-progress sweep.
func (r *Runner) Stop() { r.sweepTask.Stop() }

// Sweep evaluates every enabled config once, sequentially. One ad's failure
// never blocks the rest of the sweep.
func (r *Runner) Sweep(ctx context.Context) {
	configs, err := r.configs.ListEnabled(ctx)
	if err != nil {
		r.logger.Error("failed to list stop-loss configs", zap.Error(err))
		return
	}

	for _, cfg := range configs {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.check(ctx, cfg); err != nil {
			r.logger.Warn("stop-loss check failed",
				zap.String("config_id", cfg.ID),
				zap.String("ad_id", cfg.AdID),
				zap.Error(err),
			)
		}
	}
}

// CheckAd runs the on-demand single-ad check, identical to one sweep step.
func (r *Runner) CheckAd(ctx context.Context, userID, adID string) (Verdict, error) {
	cfg, err := r.configs.GetByAd(ctx, userID, adID)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to load stop-loss config: %w", err)
	}
	if cfg == nil {
		return Verdict{}, fmt.Errorf("no stop-loss config for ad %s", adID)
	}
	if !cfg.Enabled {
		return Verdict{}, fmt.Errorf("stop-loss config for ad %s is disabled", adID)
	}
	return r.check(ctx, cfg)
}

// insightsPayload is the wire form of the platform's metrics response.
type insightsPayload struct {
	Data []models.AdMetrics `json:"data"`
}

func (r *Runner) check(ctx context.Context, cfg *models.StopLossConfig) (Verdict, error) {
	if r.metrics != nil {
		r.metrics.StopLossEvaluations.Inc()
	}

	account, err := r.accounts.GetByUser(ctx, cfg.UserID)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil || !account.Usable(r.now()) {
		r.fail("credentials")
		return Verdict{}, fmt.Errorf("no usable credentials for user %s", cfg.UserID)
	}

	m, err := r.fetchMetrics(ctx, account, cfg.AdID)
	if err != nil {
		r.fail("metrics")
		return Verdict{}, fmt.Errorf("failed to fetch metrics: %w", err)
	}

	verdict := Evaluate(m, cfg)
	if !verdict.Trigger {
		return verdict, nil
	}
	return verdict, r.trigger(ctx, cfg, account, m, verdict)
}

// fetchMetrics reads today's spend and results for one ad.
func (r *Runner) fetchMetrics(ctx context.Context, account *models.AdAccount, adID string) (models.AdMetrics, error) {
	today := r.now().Format("2006-01-02")
	req := adapi.NewInsightsRequest(account.UserID, account.AccountID, adID, account.AccessToken,
		&adapi.DateRange{Since: today, Until: today})

	resp, err := r.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return models.AdMetrics{}, err
	}

	var payload insightsPayload
	if err := resp.Decode(&payload); err != nil {
		return models.AdMetrics{}, fmt.Errorf("decoding insights: %w", err)
	}
	if len(payload.Data) == 0 {
		// No delivery today: zero spend, zero results.
		return models.AdMetrics{AdID: adID}, nil
	}
	m := payload.Data[0]
	m.AdID = adID
	return m, nil
}

// trigger pauses the ad and disables the config. If the pause call fails the
// config stays enabled and the error is returned, a future sweep retries.
func (r *Runner) trigger(ctx context.Context, cfg *models.StopLossConfig, account *models.AdAccount,
	m models.AdMetrics, verdict Verdict) error {

	pause := adapi.NewStatusUpdate(cfg.UserID, account.AccountID, cfg.AdID,
		models.ActionStop.RunState(), account.AccessToken)

	if _, err := r.dispatcher.Dispatch(ctx, pause); err != nil {
		r.fail("pause")
		r.record(ctx, cfg, m, storage.StatusFailed, verdict.Describe())
		return fmt.Errorf("failed to pause ad %s: %w", cfg.AdID, err)
	}

	now := r.now()
	if err := r.configs.Disable(ctx, cfg.ID, now); err != nil {
		// The ad is paused; a dangling enabled config re-evaluates against
		// zero further spend, so this is logged rather than fatal.
		r.fail("disable")
		r.logger.Error("failed to disable triggered config",
			zap.String("config_id", cfg.ID),
			zap.Error(err),
		)
	}

	r.logger.Info("stop-loss triggered",
		zap.String("config_id", cfg.ID),
		zap.String("user_id", cfg.UserID),
		zap.String("ad_id", cfg.AdID),
		zap.String("reason", verdict.Reason),
		zap.Float64("observed", verdict.Observed),
		zap.Float64("threshold", verdict.Threshold),
		zap.Float64("spend", m.Spend),
	)
	if r.metrics != nil {
		r.metrics.RecordStopLossTrigger(verdict.Reason)
	}
	r.record(ctx, cfg, m, storage.StatusOK, verdict.Describe())
	r.notifier.Notify(ctx, notify.Event{
		UserID:    cfg.UserID,
		AdID:      cfg.AdID,
		Source:    storage.SourceStopLoss,
		Action:    string(models.ActionStop),
		Reason:    verdict.Describe(),
		Timestamp: now,
	})
	return nil
}

func (r *Runner) fail(stage string) {
	if r.metrics != nil {
		r.metrics.RecordStopLossFailure(stage)
	}
}

func (r *Runner) record(ctx context.Context, cfg *models.StopLossConfig, m models.AdMetrics, status, reason string) {
	if r.history == nil {
		return
	}
	ev := &storage.ExecutionEvent{
		ID:        uuid.NewString(),
		UserID:    cfg.UserID,
		AdID:      cfg.AdID,
		RuleID:    cfg.ID,
		Source:    storage.SourceStopLoss,
		Action:    string(models.ActionStop),
		Status:    status,
		Reason:    reason,
		Spend:     m.Spend,
		Timestamp: r.now(),
	}
	if err := r.history.Record(ctx, ev); err != nil {
		r.logger.Warn("failed to record stop-loss event", zap.Error(err))
	}
}
