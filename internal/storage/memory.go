package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/radiusdt/vector-autopilot/internal/models"
)

// In-memory repositories back the service when no database is configured
// and give tests per-instance isolation. Reads return copies so a rule
// being advanced or removed concurrently never corrupts a reader's view.

// InMemoryScheduleRepo stores rules in a map keyed by rule ID.
type InMemoryScheduleRepo struct {
	mu    sync.RWMutex
	rules map[string]*models.ScheduleRule
	order []string
}

// NewInMemoryScheduleRepo creates an empty in-memory schedule repo.
func NewInMemoryScheduleRepo() *InMemoryScheduleRepo {
	return &InMemoryScheduleRepo{rules: make(map[string]*models.ScheduleRule)}
}

// ListAll returns a snapshot of all rules in insertion order.
func (r *InMemoryScheduleRepo) ListAll(ctx context.Context) ([]*models.ScheduleRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.ScheduleRule, 0, len(r.order))
	for _, id := range r.order {
		if rule, ok := r.rules[id]; ok {
			cp := *rule
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListByUser returns a snapshot of one user's rules in insertion order.
func (r *InMemoryScheduleRepo) ListByUser(ctx context.Context, userID string) ([]*models.ScheduleRule, error) {
	all, _ := r.ListAll(ctx)
	out := make([]*models.ScheduleRule, 0)
	for _, rule := range all {
		if rule.UserID == userID {
			out = append(out, rule)
		}
	}
	return out, nil
}

// GetByID returns a copy of the rule or nil when absent.
func (r *InMemoryScheduleRepo) GetByID(ctx context.Context, id string) (*models.ScheduleRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rule, ok := r.rules[id]; ok {
		cp := *rule
		return &cp, nil
	}
	return nil, nil
}

// Upsert inserts or replaces the rule. A rule with the same (user, ad,
// kind) is replaced in place, preserving its position in iteration order.
func (r *InMemoryScheduleRepo) Upsert(ctx context.Context, rule *models.ScheduleRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, existing := range r.rules {
		if id != rule.ID && existing.UserID == rule.UserID && existing.AdID == rule.AdID && existing.Kind == rule.Kind {
			delete(r.rules, id)
			for i, oid := range r.order {
				if oid == id {
					r.order[i] = rule.ID
					break
				}
			}
			cp := *rule
			r.rules[rule.ID] = &cp
			return nil
		}
	}

	if _, ok := r.rules[rule.ID]; !ok {
		r.order = append(r.order, rule.ID)
	}
	cp := *rule
	r.rules[rule.ID] = &cp
	return nil
}

// Delete removes the rule by ID.
func (r *InMemoryScheduleRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// DeleteByUser removes all of a user's rules and returns the count.
func (r *InMemoryScheduleRepo) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	kept := r.order[:0]
	for _, id := range r.order {
		rule, ok := r.rules[id]
		if ok && rule.UserID == userID {
			delete(r.rules, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return removed, nil
}

// InMemoryStopLossRepo stores stop-loss configs in a map keyed by config ID.
type InMemoryStopLossRepo struct {
	mu      sync.RWMutex
	configs map[string]*models.StopLossConfig
	order   []string
}

// NewInMemoryStopLossRepo creates an empty in-memory stop-loss repo.
func NewInMemoryStopLossRepo() *InMemoryStopLossRepo {
	return &InMemoryStopLossRepo{configs: make(map[string]*models.StopLossConfig)}
}

// ListEnabled returns a snapshot of enabled configs in insertion order.
func (r *InMemoryStopLossRepo) ListEnabled(ctx context.Context) ([]*models.StopLossConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.StopLossConfig, 0)
	for _, id := range r.order {
		if c, ok := r.configs[id]; ok && c.Enabled {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListByUser returns a snapshot of one user's configs.
func (r *InMemoryStopLossRepo) ListByUser(ctx context.Context, userID string) ([]*models.StopLossConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.StopLossConfig, 0)
	for _, id := range r.order {
		if c, ok := r.configs[id]; ok && c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetByAd returns the config for (user, ad) or nil.
func (r *InMemoryStopLossRepo) GetByAd(ctx context.Context, userID, adID string) (*models.StopLossConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.configs {
		if c.UserID == userID && c.AdID == adID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

// Upsert inserts or replaces the config; the same (user, ad) is replaced.
func (r *InMemoryStopLossRepo) Upsert(ctx context.Context, c *models.StopLossConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, existing := range r.configs {
		if id != c.ID && existing.UserID == c.UserID && existing.AdID == c.AdID {
			delete(r.configs, id)
			for i, oid := range r.order {
				if oid == id {
					r.order[i] = c.ID
					break
				}
			}
			cp := *c
			r.configs[c.ID] = &cp
			return nil
		}
	}

	if _, ok := r.configs[c.ID]; !ok {
		r.order = append(r.order, c.ID)
	}
	cp := *c
	r.configs[c.ID] = &cp
	return nil
}

// Delete removes the config by ID.
func (r *InMemoryStopLossRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Disable turns the config off and stamps the trigger time.
func (r *InMemoryStopLossRepo) Disable(ctx context.Context, id string, triggeredAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.configs[id]; ok {
		c.Enabled = false
		t := triggeredAt
		c.TriggeredAt = &t
		c.UpdatedAt = triggeredAt
	}
	return nil
}

// InMemoryAccountRepo stores platform credentials keyed by user ID.
type InMemoryAccountRepo struct {
	mu       sync.RWMutex
	accounts map[string]*models.AdAccount
}

// NewInMemoryAccountRepo creates an empty in-memory account repo.
func NewInMemoryAccountRepo() *InMemoryAccountRepo {
	return &InMemoryAccountRepo{accounts: make(map[string]*models.AdAccount)}
}

// ListAll returns a snapshot of all accounts.
func (r *InMemoryAccountRepo) ListAll(ctx context.Context) ([]*models.AdAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.AdAccount, 0, len(r.accounts))
	for _, a := range r.accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// GetByUser returns the user's account or nil.
func (r *InMemoryAccountRepo) GetByUser(ctx context.Context, userID string) (*models.AdAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.accounts[userID]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

// Upsert inserts or replaces the user's account.
func (r *InMemoryAccountRepo) Upsert(ctx context.Context, a *models.AdAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.accounts[a.UserID] = &cp
	return nil
}

// MarkInvalid flags the user's credentials as unusable.
func (r *InMemoryAccountRepo) MarkInvalid(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[userID]; ok {
		a.Status = models.AccountStatusInvalid
		a.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// Delete removes the user's account.
func (r *InMemoryAccountRepo) Delete(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.accounts, userID)
	return nil
}

// InMemoryHistoryStore keeps execution events in a slice.
type InMemoryHistoryStore struct {
	mu     sync.RWMutex
	events []*ExecutionEvent
}

// NewInMemoryHistoryStore creates an empty in-memory history store.
func NewInMemoryHistoryStore() *InMemoryHistoryStore {
	return &InMemoryHistoryStore{}
}

// Record appends one event.
func (s *InMemoryHistoryStore) Record(ctx context.Context, ev *ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

// Query returns matching events, newest first.
func (s *InMemoryHistoryStore) Query(ctx context.Context, filter HistoryFilter) ([]*ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ExecutionEvent, 0)
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if filter.UserID != "" && ev.UserID != filter.UserID {
			continue
		}
		if filter.AdID != "" && ev.AdID != filter.AdID {
			continue
		}
		if filter.Source != "" && ev.Source != filter.Source {
			continue
		}
		if filter.Action != "" && ev.Action != filter.Action {
			continue
		}
		if filter.Status != "" && ev.Status != filter.Status {
			continue
		}
		if !filter.From.IsZero() && ev.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && ev.Timestamp.After(filter.To) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
