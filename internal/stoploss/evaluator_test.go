package stoploss

import (
	"testing"

	"github.com/radiusdt/vector-autopilot/internal/models"
	"github.com/stretchr/testify/assert"
)

func intPtr(v int64) *int64 { return &v }

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name        string
		metrics     models.AdMetrics
		config      models.StopLossConfig
		wantTrigger bool
		wantReason  string
	}{
		{
			name:    "zero results over spend threshold",
			metrics: models.AdMetrics{Spend: 2.00, Conversions: intPtr(0)},
			config: models.StopLossConfig{
				ZeroResultEnabled:   true,
				ZeroResultThreshold: 1.50,
			},
			wantTrigger: true,
			wantReason:  ReasonZeroResult,
		},
		{
			name:    "cost per result under threshold",
			metrics: models.AdMetrics{Spend: 2.00, Conversions: intPtr(2)},
			config: models.StopLossConfig{
				CostPerResultEnabled:   true,
				CostPerResultThreshold: 1.50,
			},
			wantTrigger: false,
		},
		{
			name:    "cost per result at threshold triggers, boundary inclusive",
			metrics: models.AdMetrics{Spend: 3.00, Conversions: intPtr(2)},
			config: models.StopLossConfig{
				CostPerResultEnabled:   true,
				CostPerResultThreshold: 1.50,
			},
			wantTrigger: true,
			wantReason:  ReasonCostPerResult,
		},
		{
			name:    "zero result spend at threshold triggers",
			metrics: models.AdMetrics{Spend: 1.50, Conversions: intPtr(0)},
			config: models.StopLossConfig{
				ZeroResultEnabled:   true,
				ZeroResultThreshold: 1.50,
			},
			wantTrigger: true,
			wantReason:  ReasonZeroResult,
		},
		{
			name:    "results present never consults zero-result threshold",
			metrics: models.AdMetrics{Spend: 100, Conversions: intPtr(1)},
			config: models.StopLossConfig{
				ZeroResultEnabled:   true,
				ZeroResultThreshold: 1.00,
			},
			wantTrigger: false,
		},
		{
			name:    "zero results never consults cost-per-result threshold",
			metrics: models.AdMetrics{Spend: 100, Conversions: intPtr(0)},
			config: models.StopLossConfig{
				CostPerResultEnabled:   true,
				CostPerResultThreshold: 1.00,
			},
			wantTrigger: false,
		},
		{
			name:    "disabled threshold does not trigger",
			metrics: models.AdMetrics{Spend: 10, Conversions: intPtr(0)},
			config: models.StopLossConfig{
				ZeroResultEnabled:   false,
				ZeroResultThreshold: 1.00,
			},
			wantTrigger: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Evaluate(tt.metrics, &tt.config)
			assert.Equal(t, tt.wantTrigger, v.Trigger)
			if tt.wantTrigger {
				assert.Equal(t, tt.wantReason, v.Reason)
			}
		})
	}
}

func TestEvaluateResultCounting(t *testing.T) {
	cfg := &models.StopLossConfig{
		CostPerResultEnabled:   true,
		CostPerResultThreshold: 2.00,
		ResultActionTypes:      []string{"purchase"},
	}

	// Exact-match action types only: "purchase_custom" must not count.
	m := models.AdMetrics{
		Spend: 4.00,
		Actions: []models.ActionCount{
			{Type: "purchase", Count: 2},
			{Type: "purchase_custom", Count: 10},
		},
	}
	v := Evaluate(m, cfg)
	assert.True(t, v.Trigger, "spend 4.00 over 2 results is cpr 2.00, inclusive boundary")
	assert.InDelta(t, 2.00, v.Observed, 1e-9)

	// Authoritative conversion count wins over the action sum.
	m.Conversions = intPtr(4)
	v = Evaluate(m, cfg)
	assert.False(t, v.Trigger, "cpr 1.00 with authoritative conversions")
}
