package quota

import (
	"math"
	"time"

	"github.com/radiusdt/vector-autopilot/internal/adapi"
)

// Key identifies one quota budget: per user, optionally per ad account.
type Key struct {
	UserID    string
	AccountID string
}

func (k Key) String() string {
	if k.AccountID == "" {
		return k.UserID
	}
	return k.UserID + ":" + k.AccountID
}

// State is the tracked usage and backoff record for one key. It is derived
// from the platform's own feedback and is rebuildable at any time; a cache,
// not a source of truth.
type State struct {
	UsagePct  float64   `json:"usage_pct"`
	CallCount int       `json:"call_count"`
	ResetAt   time.Time `json:"reset_at,omitempty"`
	Retries   int       `json:"retries"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config tunes the tracker thresholds and backoff curve.
type Config struct {
	// CallBudget is the platform's advertised calls per usage window, used
	// to derive a usage percentage when no authoritative signal arrives.
	CallBudget int
	// SafetyCeilingPct is the usage percentage above which calls are held.
	SafetyCeilingPct float64
	// WaitStartPct is the usage percentage where throttling waits begin.
	WaitStartPct float64
	// MaxWait caps the throttling wait.
	MaxWait time.Duration
	// ResetHorizonWait is the window before a usage reset during which a
	// short wait is returned regardless of usage.
	ResetHorizonWait time.Duration
	// Window is the assumed usage decay window when the platform gives no
	// reset horizon of its own.
	Window time.Duration

	// Backoff curve for rate-limited failures.
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
}

// DefaultConfig returns the tracker tuning used in production.
func DefaultConfig() Config {
	return Config{
		CallBudget:        200,
		SafetyCeilingPct:  95,
		WaitStartPct:      80,
		MaxWait:           60 * time.Second,
		ResetHorizonWait:  60 * time.Second,
		Window:            time.Hour,
		BackoffBase:       5 * time.Second,
		BackoffMultiplier: 2,
		BackoffMax:        5 * time.Minute,
	}
}

// Tracker keeps per-key call-budget usage and rate-limit backoff state. It
// never blocks: it only returns durations, callers perform the wait. All
// mutation happens through the dispatcher.
type Tracker struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// NewTracker constructs a tracker over the given state store.
func NewTracker(store Store, cfg Config) *Tracker {
	return &Tracker{store: store, cfg: cfg, now: time.Now}
}

// CanProceed reports whether a call may be issued for the key right now.
// False only once usage reaches the safety ceiling.
func (t *Tracker) CanProceed(key Key) bool {
	st := t.current(key)
	return st.UsagePct < t.cfg.SafetyCeilingPct
}

// WaitTime returns how long a caller should pause before issuing a call:
// zero below the wait-start threshold, scaling linearly up to MaxWait at
// 100% usage, plus a short hold when the usage reset horizon is imminent.
func (t *Tracker) WaitTime(key Key) time.Duration {
	st := t.current(key)

	var wait time.Duration
	if st.UsagePct > t.cfg.WaitStartPct {
		span := 100 - t.cfg.WaitStartPct
		frac := (st.UsagePct - t.cfg.WaitStartPct) / span
		if frac > 1 {
			frac = 1
		}
		wait = time.Duration(frac * float64(t.cfg.MaxWait))
	}

	if !st.ResetAt.IsZero() {
		until := st.ResetAt.Sub(t.now())
		if until > 0 && until < t.cfg.ResetHorizonWait && until > wait {
			wait = until
		}
	}
	return wait
}

// RecordSuccess folds the response's quota signal into the key's state, or
// advances the local call counter when the platform sent none. Any success
// clears the backoff counter.
func (t *Tracker) RecordSuccess(key Key, usage *adapi.QuotaUsage) {
	now := t.now()
	st := t.current(key)

	if usage != nil && usage.UsagePct > 0 {
		st.UsagePct = usage.UsagePct
		if usage.CallCount > 0 {
			st.CallCount = usage.CallCount
		}
		if usage.RegainAfter > 0 {
			st.ResetAt = now.Add(usage.RegainAfter)
		}
	} else {
		st.CallCount++
		if t.cfg.CallBudget > 0 {
			st.UsagePct = float64(st.CallCount) / float64(t.cfg.CallBudget) * 100
		}
		if st.ResetAt.IsZero() {
			st.ResetAt = now.Add(t.cfg.Window)
		}
	}

	st.Retries = 0
	st.UpdatedAt = now
	t.store.Set(key, st)
}

// RecordFailure advances the backoff counter for rate-limited failures.
// Other failure kinds leave backoff untouched.
func (t *Tracker) RecordFailure(key Key, kind adapi.ErrorKind) {
	if kind != adapi.KindRateLimited {
		return
	}
	st := t.current(key)
	st.Retries++
	st.UpdatedAt = t.now()
	t.store.Set(key, st)
}

// BackoffDelay returns the exponential delay for the key's current retry
// count: base * multiplier^retries, capped at BackoffMax.
func (t *Tracker) BackoffDelay(key Key) time.Duration {
	st := t.current(key)
	d := float64(t.cfg.BackoffBase) * math.Pow(t.cfg.BackoffMultiplier, float64(st.Retries))
	if d > float64(t.cfg.BackoffMax) {
		return t.cfg.BackoffMax
	}
	return time.Duration(d)
}

// Snapshot returns a point-in-time copy of the key's state.
func (t *Tracker) Snapshot(key Key) State {
	return t.current(key)
}

// current loads the key's state, decaying expired usage windows.
func (t *Tracker) current(key Key) State {
	st, ok := t.store.Get(key)
	if !ok {
		return State{}
	}
	if !st.ResetAt.IsZero() && !t.now().Before(st.ResetAt) {
		st.UsagePct = 0
		st.CallCount = 0
		st.ResetAt = time.Time{}
		t.store.Set(key, st)
	}
	return st
}
