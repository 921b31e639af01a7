package dispatch

import (
	"context"
	"time"

	"github.com/radiusdt/vector-autopilot/internal/adapi"
	"github.com/radiusdt/vector-autopilot/internal/metrics"
	"github.com/radiusdt/vector-autopilot/internal/quota"
	"go.uber.org/zap"
)

// Config tunes the dispatcher's retry bounds.
type Config struct {
	// MaxAttempts bounds retries for rate-limited and server-error failures.
	MaxAttempts int
	// ServerErrorBase seeds the exponential delay for server errors, which
	// runs independently of the rate-limit backoff counter.
	ServerErrorBase time.Duration
	// ServerErrorMax caps the server-error delay.
	ServerErrorMax time.Duration
	// BatchSize is the chunk ceiling for the batched path.
	BatchSize int
}

// DefaultConfig returns the production retry tuning.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		ServerErrorBase: 2 * time.Second,
		ServerErrorMax:  30 * time.Second,
		BatchSize:       adapi.BatchLimit,
	}
}

// Dispatcher executes all outbound platform calls under the tracker's quota
// and backoff policy. It is the only component that mutates quota state.
type Dispatcher struct {
	client   adapi.Client
	tracker  *quota.Tracker
	registry *Registry
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher wires a dispatcher over the given client and tracker.
func NewDispatcher(client adapi.Client, tracker *quota.Tracker, registry *Registry, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > adapi.BatchLimit {
		cfg.BatchSize = adapi.BatchLimit
	}
	return &Dispatcher{
		client:   client,
		tracker:  tracker,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}
}

// Tracker exposes the dispatcher's quota tracker for status queries.
func (d *Dispatcher) Tracker() *quota.Tracker { return d.tracker }

// Registry exposes the in-flight registry for abort operations.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch performs one request: gatekeep on the tracker, wait if usage is
// high, issue the call, feed quota signals back, and retry per the error
// taxonomy. Cancellation propagates immediately at every stage.
func (d *Dispatcher) Dispatch(ctx context.Context, req *adapi.Request) (*adapi.Response, error) {
	start := time.Now()
	key := quota.Key{UserID: req.UserID, AccountID: req.AccountID}

	ctx, done := d.registry.Register(ctx, req.UserID)
	defer done()

	if err := d.gate(ctx, key); err != nil {
		d.observe("cancelled", start)
		return nil, err
	}

	resp, err := retryCall(ctx, d.cfg.MaxAttempts, func(ctx context.Context) (*adapi.Response, error) {
		return d.client.Do(ctx, req)
	}, d.policy(key))

	if err != nil {
		kind := adapi.KindOf(err)
		d.observe(string(kind), start)
		return nil, err
	}

	d.recordSuccess(key, resp.Quota)
	d.observe("ok", start)
	return resp, nil
}

// BatchResult pairs caller correlation ids with per-item outcomes.
type BatchResult struct {
	Items map[string]*adapi.BatchItem
}

// Succeeded returns the item responses that completed without error.
func (b *BatchResult) Succeeded() map[string]*adapi.Response {
	out := make(map[string]*adapi.Response)
	for id, item := range b.Items {
		if item.Err == nil {
			out[id] = item.Response
		}
	}
	return out
}

// DispatchBatch partitions the requests into platform-sized chunks, sends
// each chunk as one logical call (one quota charge), and retries items that
// individually failed rate-limited exactly once after a backoff sleep.
// Results are keyed by the caller-supplied correlation ids.
func (d *Dispatcher) DispatchBatch(ctx context.Context, reqs []*adapi.Request) (*BatchResult, error) {
	if len(reqs) == 0 {
		return &BatchResult{Items: map[string]*adapi.BatchItem{}}, nil
	}

	key := quota.Key{UserID: reqs[0].UserID, AccountID: reqs[0].AccountID}
	ctx, done := d.registry.Register(ctx, reqs[0].UserID)
	defer done()

	result := &BatchResult{Items: make(map[string]*adapi.BatchItem, len(reqs))}

	for offset := 0; offset < len(reqs); offset += d.cfg.BatchSize {
		end := offset + d.cfg.BatchSize
		if end > len(reqs) {
			end = len(reqs)
		}
		chunk := reqs[offset:end]

		if err := d.gate(ctx, key); err != nil {
			return result, err
		}

		items, err := d.sendChunk(ctx, key, chunk)
		if err != nil {
			return result, err
		}

		// Per-item rate-limit retry: one pass, backoff first.
		var retryReqs []*adapi.Request
		byID := make(map[string]*adapi.Request, len(chunk))
		for _, r := range chunk {
			byID[r.ID] = r
		}
		for _, item := range items {
			if item.Err != nil && adapi.KindOf(item.Err) == adapi.KindRateLimited {
				if r, ok := byID[item.ID]; ok {
					retryReqs = append(retryReqs, r)
					continue
				}
			}
			result.Items[item.ID] = item
		}

		if len(retryReqs) > 0 {
			d.tracker.RecordFailure(key, adapi.KindRateLimited)
			delay := d.tracker.BackoffDelay(key)
			if d.metrics != nil {
				d.metrics.RecordQuotaWait("batch_backoff", delay)
			}
			if err := sleepCtx(ctx, delay); err != nil {
				return result, err
			}
			retried, err := d.sendChunk(ctx, key, retryReqs)
			if err != nil {
				return result, err
			}
			for _, item := range retried {
				result.Items[item.ID] = item
			}
		}
	}

	return result, nil
}

// sendChunk performs one batch HTTP call with the full retry policy applied
// to the outer call and records its quota charge.
func (d *Dispatcher) sendChunk(ctx context.Context, key quota.Key, chunk []*adapi.Request) ([]*adapi.BatchItem, error) {
	type chunkResult struct {
		items []*adapi.BatchItem
		quota *adapi.QuotaUsage
	}

	res, err := retryCall(ctx, d.cfg.MaxAttempts, func(ctx context.Context) (chunkResult, error) {
		items, qu, err := d.client.DoBatch(ctx, chunk)
		return chunkResult{items: items, quota: qu}, err
	}, d.policy(key))
	if err != nil {
		return nil, err
	}

	if d.metrics != nil {
		d.metrics.BatchChunks.Inc()
	}
	d.recordSuccess(key, res.quota)
	return res.items, nil
}

// gate consults the tracker and performs the quota wait before a call.
func (d *Dispatcher) gate(ctx context.Context, key quota.Key) error {
	wait := d.tracker.WaitTime(key)
	if wait <= 0 {
		return ctx.Err()
	}

	d.logger.Debug("holding dispatch for quota",
		zap.String("key", key.String()),
		zap.Duration("wait", wait),
	)
	if d.metrics != nil {
		d.metrics.RecordQuotaWait("quota", wait)
	}
	return sleepCtx(ctx, wait)
}

// policy classifies a failed attempt into the retry decision for the key.
func (d *Dispatcher) policy(key quota.Key) retryPolicy {
	serverErrDelay := d.cfg.ServerErrorBase

	return func(err error, attempt int) (time.Duration, bool) {
		kind := adapi.KindOf(err)
		switch kind {
		case adapi.KindRateLimited:
			d.tracker.RecordFailure(key, kind)
			if d.metrics != nil {
				d.metrics.RecordRetry(string(kind))
			}
			return d.tracker.BackoffDelay(key), true

		case adapi.KindServerError:
			// Independent exponential delay, not the rate-limit counter.
			delay := serverErrDelay
			serverErrDelay *= 2
			if delay > d.cfg.ServerErrorMax {
				delay = d.cfg.ServerErrorMax
			}
			if d.metrics != nil {
				d.metrics.RecordRetry(string(kind))
			}
			return delay, true

		default:
			// Cancelled, permission denied, expired credential and client
			// errors are terminal.
			return 0, false
		}
	}
}

func (d *Dispatcher) recordSuccess(key quota.Key, usage *adapi.QuotaUsage) {
	d.tracker.RecordSuccess(key, usage)
	if d.metrics != nil {
		d.metrics.RecordQuotaUsage(key.UserID, d.tracker.Snapshot(key).UsagePct)
	}
}

func (d *Dispatcher) observe(status string, start time.Time) {
	if d.metrics != nil {
		d.metrics.RecordDispatch(status, time.Since(start))
	}
}
