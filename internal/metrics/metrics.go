package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the autopilot service.
type Metrics struct {
	// Dispatch metrics
	DispatchTotal   *prometheus.CounterVec
	DispatchLatency *prometheus.HistogramVec
	DispatchRetries *prometheus.CounterVec
	BatchChunks     prometheus.Counter

	// Quota metrics
	QuotaUsage  *prometheus.GaugeVec
	QuotaWaits  prometheus.Counter
	QuotaWaited *prometheus.HistogramVec

	// Schedule metrics
	ScheduleFirings  *prometheus.CounterVec
	ScheduleSkips    *prometheus.CounterVec
	RulesActive      prometheus.Gauge
	RulesCleanedUp   prometheus.Counter
	ScheduleSweepDur prometheus.Histogram

	// Stop-loss metrics
	StopLossTriggers    *prometheus.CounterVec
	StopLossEvaluations prometheus.Counter
	StopLossFailures    *prometheus.CounterVec

	// HTTP metrics
	RateLimitHits *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		DispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Outbound platform calls by outcome",
			},
			[]string{"status"},
		),
		DispatchLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_latency_seconds",
				Help:      "End-to-end dispatch latency including waits and retries",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60},
			},
			[]string{"status"},
		),
		DispatchRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_retries_total",
				Help:      "Dispatch retries by failure kind",
			},
			[]string{"kind"},
		),
		BatchChunks: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_chunks_total",
				Help:      "Batch chunks sent to the platform",
			},
		),

		QuotaUsage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quota_usage_percent",
				Help:      "Tracked quota usage percentage per user",
			},
			[]string{"user_id"},
		),
		QuotaWaits: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_waits_total",
				Help:      "Dispatches that paused for quota",
			},
		),
		QuotaWaited: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "quota_wait_seconds",
				Help:      "Time spent waiting on quota or backoff",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"reason"},
		),

		ScheduleFirings: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedule_firings_total",
				Help:      "Schedule rule firings by action",
			},
			[]string{"action", "kind"},
		),
		ScheduleSkips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedule_skips_total",
				Help:      "Rules skipped during a sweep, by reason",
			},
			[]string{"reason"},
		),
		RulesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "schedule_rules_active",
				Help:      "Stored schedule rules",
			},
		),
		RulesCleanedUp: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedule_rules_cleaned_total",
				Help:      "Rules removed by the invalid-credential sweep",
			},
		),
		ScheduleSweepDur: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "schedule_sweep_seconds",
				Help:      "Duration of one schedule sweep",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
		),

		StopLossTriggers: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stoploss_triggers_total",
				Help:      "Stop-loss triggers by reason",
			},
			[]string{"reason"},
		),
		StopLossEvaluations: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stoploss_evaluations_total",
				Help:      "Stop-loss config evaluations",
			},
		),
		StopLossFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stoploss_failures_total",
				Help:      "Stop-loss sweep failures by stage",
			},
			[]string{"stage"},
		),

		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Management API rate limit rejections",
			},
			[]string{"endpoint"},
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDispatch records one completed dispatch.
func (m *Metrics) RecordDispatch(status string, latency time.Duration) {
	m.DispatchTotal.WithLabelValues(status).Inc()
	m.DispatchLatency.WithLabelValues(status).Observe(latency.Seconds())
}

// RecordRetry records a dispatch retry.
func (m *Metrics) RecordRetry(kind string) {
	m.DispatchRetries.WithLabelValues(kind).Inc()
}

// RecordQuotaWait records a pause before a dispatch.
func (m *Metrics) RecordQuotaWait(reason string, d time.Duration) {
	m.QuotaWaits.Inc()
	m.QuotaWaited.WithLabelValues(reason).Observe(d.Seconds())
}

// RecordQuotaUsage updates the tracked usage gauge for a user.
func (m *Metrics) RecordQuotaUsage(userID string, pct float64) {
	m.QuotaUsage.WithLabelValues(userID).Set(pct)
}

// RecordFiring records a schedule rule firing.
func (m *Metrics) RecordFiring(action, kind string) {
	m.ScheduleFirings.WithLabelValues(action, kind).Inc()
}

// RecordScheduleSkip records a skipped rule.
func (m *Metrics) RecordScheduleSkip(reason string) {
	m.ScheduleSkips.WithLabelValues(reason).Inc()
}

// RecordStopLossTrigger records a stop-loss trigger.
func (m *Metrics) RecordStopLossTrigger(reason string) {
	m.StopLossTriggers.WithLabelValues(reason).Inc()
}

// RecordStopLossFailure records a stop-loss sweep failure.
func (m *Metrics) RecordStopLossFailure(stage string) {
	m.StopLossFailures.WithLabelValues(stage).Inc()
}

// RecordRateLimitHit records a management API rate limit rejection.
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.RateLimitHits.WithLabelValues(endpoint).Inc()
}
