package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/radiusdt/vector-autopilot/internal/config"
	"github.com/radiusdt/vector-autopilot/internal/dispatch"
	"github.com/radiusdt/vector-autopilot/internal/metrics"
	"github.com/radiusdt/vector-autopilot/internal/models"
	"github.com/radiusdt/vector-autopilot/internal/quota"
	"github.com/radiusdt/vector-autopilot/internal/schedule"
	"github.com/radiusdt/vector-autopilot/internal/stoploss"
	"github.com/radiusdt/vector-autopilot/internal/storage"
	"go.uber.org/zap"
)

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	Schedules      storage.ScheduleRepo
	StopLosses     storage.StopLossRepo
	Accounts       storage.AccountRepo
	History        storage.HistoryStore
	Dispatcher     *dispatch.Dispatcher
	ScheduleRunner *schedule.Runner
	StopLossRunner *stoploss.Runner
	Config         *config.Config
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Server exposes the management surface over the runners and repositories.
type Server struct {
	schedules      storage.ScheduleRepo
	stopLosses     storage.StopLossRepo
	accounts       storage.AccountRepo
	history        storage.HistoryStore
	dispatcher     *dispatch.Dispatcher
	scheduleRunner *schedule.Runner
	stopLossRunner *stoploss.Runner
	logger         *zap.Logger
	config         *config.Config
	metrics        *metrics.Metrics
}

// NewServer constructs a new http.Handler with all routes registered.
func NewServer(deps *Dependencies) http.Handler {
	s := &Server{
		schedules:      deps.Schedules,
		stopLosses:     deps.StopLosses,
		accounts:       deps.Accounts,
		history:        deps.History,
		dispatcher:     deps.Dispatcher,
		scheduleRunner: deps.ScheduleRunner,
		stopLossRunner: deps.StopLossRunner,
		logger:         deps.Logger,
		config:         deps.Config,
		metrics:        deps.Metrics,
	}

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	if deps.Config.Metrics.Enabled {
		mux.Handle(deps.Config.Metrics.Path, metrics.Handler())
	}

	// Schedule rules
	mux.HandleFunc("/schedules", s.handleSchedules)
	mux.HandleFunc("/schedules/", s.handleScheduleByID)

	// Stop-loss configs
	mux.HandleFunc("/stoploss", s.handleStopLosses)
	mux.HandleFunc("/stoploss/check", s.handleStopLossCheck)
	mux.HandleFunc("/stoploss/", s.handleStopLossByID)

	// Platform accounts
	mux.HandleFunc("/accounts", s.handleAccounts)
	mux.HandleFunc("/accounts/", s.handleAccountByUser)

	// Execution history
	mux.HandleFunc("/history", s.handleHistory)

	// Quota status and in-flight control
	mux.HandleFunc("/quota", s.handleQuota)
	mux.HandleFunc("/abort", s.handleAbort)

	return mux
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ---- Schedule Rules ----

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		userID := r.URL.Query().Get("user_id")
		var list []*models.ScheduleRule
		var err error
		if userID != "" {
			list, err = s.schedules.ListByUser(r.Context(), userID)
		} else {
			list, err = s.schedules.ListAll(r.Context())
		}
		if err != nil {
			s.logger.Error("failed to list schedule rules", zap.Error(err))
			s.errorResponse(w, "failed to list", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, list)

	case http.MethodPost:
		var rule models.ScheduleRule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			s.errorResponse(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := rule.Validate(); err != nil {
			s.errorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		now := time.Now().UTC()
		if rule.ID == "" {
			rule.ID = uuid.NewString()
			rule.CreatedAt = now
		}
		rule.UpdatedAt = now
		if err := s.schedules.Upsert(r.Context(), &rule); err != nil {
			s.errorResponse(w, "failed to save: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, rule)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/schedules/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}

	if id, ok := strings.CutSuffix(rest, "/execute"); ok {
		s.handleScheduleExecute(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		rule, err := s.schedules.GetByID(r.Context(), rest)
		if err != nil {
			s.errorResponse(w, "error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if rule == nil {
			http.NotFound(w, r)
			return
		}
		s.jsonResponse(w, rule)

	case http.MethodDelete:
		if err := s.schedules.Delete(r.Context(), rest); err != nil {
			s.errorResponse(w, "failed to delete: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, map[string]string{"status": "deleted"})

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleScheduleExecute(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.scheduleRunner.ExecuteRule(r.Context(), id); err != nil {
		s.errorResponse(w, err.Error(), http.StatusConflict)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "executed"})
}

// ---- Stop-Loss Configs ----

func (s *Server) handleStopLosses(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		userID := r.URL.Query().Get("user_id")
		var list []*models.StopLossConfig
		var err error
		if userID != "" {
			list, err = s.stopLosses.ListByUser(r.Context(), userID)
		} else {
			list, err = s.stopLosses.ListEnabled(r.Context())
		}
		if err != nil {
			s.logger.Error("failed to list stop-loss configs", zap.Error(err))
			s.errorResponse(w, "failed to list", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, list)

	case http.MethodPost:
		var cfg models.StopLossConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			s.errorResponse(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := cfg.Validate(); err != nil {
			s.errorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		now := time.Now().UTC()
		if cfg.ID == "" {
			cfg.ID = uuid.NewString()
			cfg.CreatedAt = now
		}
		cfg.UpdatedAt = now
		if err := s.stopLosses.Upsert(r.Context(), &cfg); err != nil {
			s.errorResponse(w, "failed to save: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, cfg)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStopLossByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/stoploss/")
	if id == "" || id == "check" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.stopLosses.Delete(r.Context(), id); err != nil {
			s.errorResponse(w, "failed to delete: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, map[string]string{"status": "deleted"})

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStopLossCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	userID := q.Get("user_id")
	adID := q.Get("ad_id")
	if userID == "" || adID == "" {
		s.errorResponse(w, "user_id and ad_id are required", http.StatusBadRequest)
		return
	}

	verdict, err := s.stopLossRunner.CheckAd(r.Context(), userID, adID)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.jsonResponse(w, map[string]interface{}{
		"triggered": verdict.Trigger,
		"reason":    verdict.Reason,
		"observed":  verdict.Observed,
		"threshold": verdict.Threshold,
	})
}

// ---- Accounts ----

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.accounts.ListAll(r.Context())
		if err != nil {
			s.errorResponse(w, "failed to list", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, list)

	case http.MethodPost:
		var a models.AdAccount
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			s.errorResponse(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := a.Validate(); err != nil {
			s.errorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		now := time.Now().UTC()
		if a.Status == "" {
			a.Status = models.AccountStatusActive
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		a.UpdatedAt = now
		if err := s.accounts.Upsert(r.Context(), &a); err != nil {
			s.errorResponse(w, "failed to save: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, a)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAccountByUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimPrefix(r.URL.Path, "/accounts/")
	if userID == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		a, err := s.accounts.GetByUser(r.Context(), userID)
		if err != nil {
			s.errorResponse(w, "error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if a == nil {
			http.NotFound(w, r)
			return
		}
		s.jsonResponse(w, a)

	case http.MethodDelete:
		if err := s.accounts.Delete(r.Context(), userID); err != nil {
			s.errorResponse(w, "failed to delete: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, map[string]string{"status": "deleted"})

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ---- Execution History ----

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	filter := storage.HistoryFilter{
		UserID: q.Get("user_id"),
		AdID:   q.Get("ad_id"),
		Source: q.Get("source"),
		Action: q.Get("action"),
		Status: q.Get("status"),
		Limit:  100,
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if fromStr := q.Get("from"); fromStr != "" {
		if t, err := time.Parse("2006-01-02", fromStr); err == nil {
			filter.From = t
		}
	}
	if toStr := q.Get("to"); toStr != "" {
		if t, err := time.Parse("2006-01-02", toStr); err == nil {
			filter.To = t.Add(24*time.Hour - time.Nanosecond)
		}
	}

	events, err := s.history.Query(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to query history", zap.Error(err))
		s.errorResponse(w, "failed to query history", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, events)
}

// ---- Quota & Abort ----

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.errorResponse(w, "user_id required", http.StatusBadRequest)
		return
	}
	key := quota.Key{UserID: userID, AccountID: r.URL.Query().Get("account_id")}

	tracker := s.dispatcher.Tracker()
	st := tracker.Snapshot(key)
	s.jsonResponse(w, map[string]interface{}{
		"key":         key.String(),
		"usage_pct":   st.UsagePct,
		"call_count":  st.CallCount,
		"reset_at":    st.ResetAt,
		"retries":     st.Retries,
		"can_proceed": tracker.CanProceed(key),
		"wait":        tracker.WaitTime(key).String(),
	})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.errorResponse(w, "user_id required", http.StatusBadRequest)
		return
	}

	aborted := s.dispatcher.Registry().AbortUser(userID)
	s.logger.Info("aborted in-flight dispatches",
		zap.String("user_id", userID),
		zap.Int("count", aborted),
	)
	s.jsonResponse(w, map[string]interface{}{"aborted": aborted})
}

// ---- Helper Methods ----

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
