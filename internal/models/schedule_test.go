package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayScheduleValidate(t *testing.T) {
	tests := []struct {
		name    string
		slots   []TimeSlot
		wantErr bool
	}{
		{
			name:  "single valid slot",
			slots: []TimeSlot{{Start: 540, End: 600}}, // 9:00-10:00
		},
		{
			name:    "gap of 30 minutes rejected",
			slots:   []TimeSlot{{Start: 540, End: 600}, {Start: 630, End: 690}}, // 9:00-10:00, 10:30-11:30
			wantErr: true,
		},
		{
			name:  "gap of 60 minutes accepted",
			slots: []TimeSlot{{Start: 540, End: 600}, {Start: 660, End: 720}}, // 9:00-10:00, 11:00-12:00
		},
		{
			name:    "slot shorter than 60 minutes rejected",
			slots:   []TimeSlot{{Start: 540, End: 570}},
			wantErr: true,
		},
		{
			name:    "start after end rejected",
			slots:   []TimeSlot{{Start: 600, End: 540}},
			wantErr: true,
		},
		{
			name:    "three slots rejected",
			slots:   []TimeSlot{{Start: 0, End: 60}, {Start: 120, End: 180}, {Start: 240, End: 300}},
			wantErr: true,
		},
		{
			name:    "overlapping slots rejected",
			slots:   []TimeSlot{{Start: 540, End: 660}, {Start: 600, End: 720}},
			wantErr: true,
		},
		{
			name:    "no slots rejected",
			slots:   nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := DaySchedule{Slots: tt.slots}.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRecurringDailySpecValidate(t *testing.T) {
	rule := &ScheduleRule{
		UserID:    "u1",
		AdID:      "ad1",
		Kind:      RuleRecurringDaily,
		Recurring: &RecurringDailySpec{Stop1: 60, Start1: 480, Stop2: 720, Start2: 1080},
	}
	require.NoError(t, rule.Validate())

	rule.Recurring = &RecurringDailySpec{Stop1: 480, Start1: 60, Stop2: 720, Start2: 1080}
	assert.Error(t, rule.Validate(), "thresholds must be strictly increasing")

	rule.Recurring = &RecurringDailySpec{Stop1: 60, Start1: 480, Stop2: 720, Start2: 1440}
	assert.Error(t, rule.Validate(), "minute of day must be below 1440")
}

func TestScheduleRuleValidate(t *testing.T) {
	valid := &ScheduleRule{
		UserID:  "u1",
		AdID:    "ad1",
		Kind:    RuleOneShot,
		OneShot: &OneShotSpec{At: time.Now(), Action: ActionStart},
	}
	require.NoError(t, valid.Validate())

	missingSpec := &ScheduleRule{UserID: "u1", AdID: "ad1", Kind: RuleCalendar}
	assert.Error(t, missingSpec.Validate())

	badTZ := &ScheduleRule{
		UserID:   "u1",
		AdID:     "ad1",
		Kind:     RuleOneShot,
		Timezone: "Mars/Olympus",
		OneShot:  &OneShotSpec{At: time.Now(), Action: ActionStart},
	}
	assert.Error(t, badTZ.Validate())

	badDate := &ScheduleRule{
		UserID: "u1",
		AdID:   "ad1",
		Kind:   RuleCalendar,
		Calendar: &CalendarSpec{Days: map[string]DaySchedule{
			"10-03-2026": {Slots: []TimeSlot{{Start: 540, End: 600}}},
		}},
	}
	assert.Error(t, badDate.Validate())

	badRange := &ScheduleRule{
		UserID: "u1",
		AdID:   "ad1",
		Kind:   RuleRanged,
		Ranged: &RangedSpec{StartAt: time.Now(), EndAt: time.Now().Add(-time.Hour)},
	}
	assert.Error(t, badRange.Validate())
}

func TestStopLossConfigValidate(t *testing.T) {
	cfg := &StopLossConfig{
		UserID:              "u1",
		AdID:                "ad1",
		Enabled:             true,
		ZeroResultEnabled:   true,
		ZeroResultThreshold: 1.50,
	}
	require.NoError(t, cfg.Validate())

	cfg.ZeroResultEnabled = false
	assert.Error(t, cfg.Validate(), "enabled config needs an enabled threshold")

	cfg.ZeroResultEnabled = true
	cfg.ZeroResultThreshold = 0
	assert.Error(t, cfg.Validate(), "enabled threshold needs a positive value")

	cfg.Enabled = false
	assert.NoError(t, cfg.Validate(), "disabled config carries no threshold requirement")
}

func TestScheduleActionRunState(t *testing.T) {
	assert.Equal(t, "ACTIVE", ActionStart.RunState())
	assert.Equal(t, "PAUSED", ActionStop.RunState())
}
