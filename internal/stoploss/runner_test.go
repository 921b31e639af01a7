package stoploss

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/radiusdt/vector-autopilot/internal/adapi"
	"github.com/radiusdt/vector-autopilot/internal/dispatch"
	"github.com/radiusdt/vector-autopilot/internal/models"
	"github.com/radiusdt/vector-autopilot/internal/notify"
	"github.com/radiusdt/vector-autopilot/internal/quota"
	"github.com/radiusdt/vector-autopilot/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeClient answers insights requests with a canned payload and records
// status updates, optionally failing them.
type fakeClient struct {
	mu           sync.Mutex
	insightsBody string
	insightsErr  error
	pauseErr     error
	insightCalls int
	pauses       []*adapi.Request
}

func (f *fakeClient) Do(ctx context.Context, req *adapi.Request) (*adapi.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.HasSuffix(req.Path, "/insights") {
		f.insightCalls++
		if f.insightsErr != nil {
			return nil, f.insightsErr
		}
		return &adapi.Response{StatusCode: 200, Body: json.RawMessage(f.insightsBody)}, nil
	}
	f.pauses = append(f.pauses, req)
	if f.pauseErr != nil {
		return nil, f.pauseErr
	}
	return &adapi.Response{StatusCode: 200, Body: json.RawMessage(`{}`)}, nil
}

func (f *fakeClient) DoBatch(ctx context.Context, reqs []*adapi.Request) ([]*adapi.BatchItem, *adapi.QuotaUsage, error) {
	items := make([]*adapi.BatchItem, 0, len(reqs))
	for _, r := range reqs {
		items = append(items, &adapi.BatchItem{ID: r.ID, Response: &adapi.Response{StatusCode: 200}})
	}
	return items, nil, nil
}

func (f *fakeClient) pauseCalls() []*adapi.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*adapi.Request, len(f.pauses))
	copy(out, f.pauses)
	return out
}

type fixture struct {
	client   *fakeClient
	configs  *storage.InMemoryStopLossRepo
	accounts *storage.InMemoryAccountRepo
	history  *storage.InMemoryHistoryStore
	runner   *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	f := &fixture{
		client:   &fakeClient{insightsBody: `{"data":[]}`},
		configs:  storage.NewInMemoryStopLossRepo(),
		accounts: storage.NewInMemoryAccountRepo(),
		history:  storage.NewInMemoryHistoryStore(),
	}

	tracker := quota.NewTracker(quota.NewMemoryStore(), quota.DefaultConfig())
	d := dispatch.NewDispatcher(f.client, tracker, dispatch.NewRegistry(),
		dispatch.Config{MaxAttempts: 1}, logger, nil)

	f.runner = NewRunner(f.configs, f.accounts, f.history, d,
		notify.NewLogNotifier(logger), DefaultConfig(), logger, nil)
	f.runner.now = func() time.Time {
		return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	}
	return f
}

func (f *fixture) seedAccount(t *testing.T) {
	t.Helper()
	require.NoError(t, f.accounts.Upsert(context.Background(), &models.AdAccount{
		UserID:      "u1",
		AccountID:   "acc1",
		AccessToken: "tok",
		Status:      models.AccountStatusActive,
	}))
}

func zeroResultConfig() *models.StopLossConfig {
	return &models.StopLossConfig{
		ID:                  "sl1",
		UserID:              "u1",
		AdID:                "ad1",
		Enabled:             true,
		ZeroResultEnabled:   true,
		ZeroResultThreshold: 1.50,
	}
}

func TestSweepTriggersZeroResultStopLoss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t)
	require.NoError(t, f.configs.Upsert(ctx, zeroResultConfig()))
	f.client.insightsBody = `{"data":[{"spend":"2.00"}]}`

	f.runner.Sweep(ctx)

	pauses := f.client.pauseCalls()
	require.Len(t, pauses, 1)
	assert.Equal(t, "/ad1", pauses[0].Path)
	assert.Equal(t, "PAUSED", pauses[0].Body.Get("status"))

	cfg, err := f.configs.GetByAd(ctx, "u1", "ad1")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.False(t, cfg.Enabled, "a triggered config is disabled so it fires at most once")
	require.NotNil(t, cfg.TriggeredAt)

	events, err := f.history.Query(ctx, storage.HistoryFilter{Source: storage.SourceStopLoss})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, storage.StatusOK, events[0].Status)
	assert.Equal(t, string(models.ActionStop), events[0].Action)
	assert.InDelta(t, 2.00, events[0].Spend, 1e-9)

	// The config is disabled now, so the next sweep does nothing.
	f.runner.Sweep(ctx)
	assert.Len(t, f.client.pauseCalls(), 1)
}

func TestSweepBelowThresholdLeavesConfigEnabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t)
	require.NoError(t, f.configs.Upsert(ctx, zeroResultConfig()))
	f.client.insightsBody = `{"data":[{"spend":"1.49"}]}`

	f.runner.Sweep(ctx)

	assert.Empty(t, f.client.pauseCalls())
	cfg, err := f.configs.GetByAd(ctx, "u1", "ad1")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.True(t, cfg.Enabled)
}

func TestSweepNoDeliveryCountsAsZeroSpend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t)
	require.NoError(t, f.configs.Upsert(ctx, zeroResultConfig()))
	f.client.insightsBody = `{"data":[]}`

	f.runner.Sweep(ctx)

	assert.Equal(t, 1, f.client.insightCalls)
	assert.Empty(t, f.client.pauseCalls(), "zero spend never reaches the threshold")
}

func TestSweepPauseFailureKeepsConfigEnabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t)
	require.NoError(t, f.configs.Upsert(ctx, zeroResultConfig()))
	f.client.insightsBody = `{"data":[{"spend":"2.00"}]}`
	f.client.pauseErr = &adapi.APIError{Kind: adapi.KindServerError, HTTPStatus: 500}

	f.runner.Sweep(ctx)

	cfg, err := f.configs.GetByAd(ctx, "u1", "ad1")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.True(t, cfg.Enabled, "the config stays armed until the pause succeeds")
	assert.Nil(t, cfg.TriggeredAt)

	events, err := f.history.Query(ctx, storage.HistoryFilter{Status: storage.StatusFailed})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// The platform recovers; the next sweep completes the trigger.
	f.client.pauseErr = nil
	f.runner.Sweep(ctx)

	cfg, err = f.configs.GetByAd(ctx, "u1", "ad1")
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
}

func TestSweepCostPerResultTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t)
	require.NoError(t, f.configs.Upsert(ctx, &models.StopLossConfig{
		ID:                     "sl1",
		UserID:                 "u1",
		AdID:                   "ad1",
		Enabled:                true,
		CostPerResultEnabled:   true,
		CostPerResultThreshold: 1.50,
		ResultActionTypes:      []string{"purchase"},
	}))
	f.client.insightsBody = `{"data":[{"spend":"3.00","actions":[{"action_type":"purchase","value":"2"}]}]}`

	f.runner.Sweep(ctx)

	require.Len(t, f.client.pauseCalls(), 1, "cost per result of 1.50 meets the threshold")

	events, err := f.history.Query(ctx, storage.HistoryFilter{Status: storage.StatusOK})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Reason, ReasonCostPerResult)
}

func TestSweepSkipsUnusableCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.configs.Upsert(ctx, zeroResultConfig()))

	f.runner.Sweep(ctx)

	assert.Zero(t, f.client.insightCalls, "no platform calls without credentials")
	cfg, err := f.configs.GetByAd(ctx, "u1", "ad1")
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
}

func TestCheckAd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.runner.CheckAd(ctx, "u1", "ad1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stop-loss config")

	f.seedAccount(t)
	require.NoError(t, f.configs.Upsert(ctx, zeroResultConfig()))
	f.client.insightsBody = `{"data":[{"spend":"2.00"}]}`

	verdict, err := f.runner.CheckAd(ctx, "u1", "ad1")
	require.NoError(t, err)
	assert.True(t, verdict.Trigger)
	assert.Equal(t, ReasonZeroResult, verdict.Reason)
	assert.InDelta(t, 2.00, verdict.Observed, 1e-9)
	assert.InDelta(t, 1.50, verdict.Threshold, 1e-9)

	// The check above triggered and disabled the config.
	_, err = f.runner.CheckAd(ctx, "u1", "ad1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}
