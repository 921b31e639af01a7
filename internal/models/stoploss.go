package models

import (
	"fmt"
	"time"
)

// StopLossConfig holds per-(user, ad) spend-efficiency thresholds. While
// Enabled is true at least one of the two thresholds must be enabled with a
// positive value; this is enforced at configuration time. A config is
// disabled the instant it triggers so it fires at most once.
type StopLossConfig struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id,omitempty"`
	AdID      string `json:"ad_id"`

	Enabled bool `json:"enabled"`

	CostPerResultEnabled   bool    `json:"cost_per_result_enabled"`
	CostPerResultThreshold float64 `json:"cost_per_result_threshold"`

	ZeroResultEnabled   bool    `json:"zero_result_enabled"`
	ZeroResultThreshold float64 `json:"zero_result_threshold"`

	// ResultActionTypes lists the action types counted as results when the
	// platform does not report an authoritative conversion count. Matching
	// is exact, never substring, to avoid double-counting near-duplicates.
	ResultActionTypes []string `json:"result_action_types,omitempty"`

	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Validate checks the config at configuration time.
func (c *StopLossConfig) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.AdID == "" {
		return fmt.Errorf("ad_id is required")
	}
	if c.CostPerResultThreshold < 0 {
		return fmt.Errorf("cost_per_result_threshold must be >= 0, got %g", c.CostPerResultThreshold)
	}
	if c.ZeroResultThreshold < 0 {
		return fmt.Errorf("zero_result_threshold must be >= 0, got %g", c.ZeroResultThreshold)
	}
	if c.Enabled {
		cprOK := c.CostPerResultEnabled && c.CostPerResultThreshold > 0
		zeroOK := c.ZeroResultEnabled && c.ZeroResultThreshold > 0
		if !cprOK && !zeroOK {
			return fmt.Errorf("an enabled config requires at least one threshold enabled with a value > 0")
		}
	}
	return nil
}

// ActionCount is one action-type tally from the platform's insights.
type ActionCount struct {
	Type  string `json:"action_type"`
	Count int64  `json:"value,string"`
}

// AdMetrics is today's spend/result snapshot for one ad.
type AdMetrics struct {
	AdID        string        `json:"ad_id"`
	Spend       float64       `json:"spend,string"`
	Conversions *int64        `json:"conversions,omitempty"`
	Actions     []ActionCount `json:"actions,omitempty"`
}

// ResultCount returns the platform's authoritative conversion count when
// present, otherwise the sum of exact-match result-type actions.
func (m AdMetrics) ResultCount(resultTypes []string) int64 {
	if m.Conversions != nil {
		return *m.Conversions
	}
	var total int64
	for _, a := range m.Actions {
		for _, t := range resultTypes {
			if a.Type == t {
				total += a.Count
				break
			}
		}
	}
	return total
}
