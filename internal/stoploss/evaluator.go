package stoploss

import (
	"fmt"

	"github.com/radiusdt/vector-autopilot/internal/models"
)

// Trigger reasons.
const (
	ReasonCostPerResult = "cost_per_result"
	ReasonZeroResult    = "zero_result_spend"
)

// Verdict is the outcome of one stop-loss evaluation.
type Verdict struct {
	Trigger   bool
	Reason    string
	Threshold float64
	// Observed is the value compared against the threshold: cost per result
	// for the result branch, total spend for the zero-result branch.
	Observed float64
}

// Describe renders the verdict for logs and notifications.
func (v Verdict) Describe() string {
	if !v.Trigger {
		return "within thresholds"
	}
	switch v.Reason {
	case ReasonCostPerResult:
		return fmt.Sprintf("cost per result %.2f reached threshold %.2f", v.Observed, v.Threshold)
	case ReasonZeroResult:
		return fmt.Sprintf("spend %.2f with zero results reached threshold %.2f", v.Observed, v.Threshold)
	}
	return v.Reason
}

// Evaluate applies the config's thresholds to today's metrics. Exactly one
// branch applies per call: the cost-per-result branch when the ad has
// results, the zero-result branch otherwise. Both comparisons are inclusive,
// reaching the threshold exactly triggers.
func Evaluate(m models.AdMetrics, cfg *models.StopLossConfig) Verdict {
	results := m.ResultCount(cfg.ResultActionTypes)

	if results > 0 {
		if !cfg.CostPerResultEnabled || cfg.CostPerResultThreshold <= 0 {
			return Verdict{}
		}
		cpr := m.Spend / float64(results)
		if cpr >= cfg.CostPerResultThreshold {
			return Verdict{
				Trigger:   true,
				Reason:    ReasonCostPerResult,
				Threshold: cfg.CostPerResultThreshold,
				Observed:  cpr,
			}
		}
		return Verdict{Observed: cpr}
	}

	if !cfg.ZeroResultEnabled || cfg.ZeroResultThreshold <= 0 {
		return Verdict{}
	}
	if m.Spend >= cfg.ZeroResultThreshold {
		return Verdict{
			Trigger:   true,
			Reason:    ReasonZeroResult,
			Threshold: cfg.ZeroResultThreshold,
			Observed:  m.Spend,
		}
	}
	return Verdict{Observed: m.Spend}
}
