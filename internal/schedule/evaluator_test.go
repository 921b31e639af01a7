package schedule

import (
	"fmt"
	"testing"
	"time"

	"github.com/radiusdt/vector-autopilot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// advanceCursor mimics what the runner does after a successful dispatch.
func advanceCursor(rule *models.ScheduleRule, d Decision, now time.Time) {
	rule.LastAction = d.Action
	rule.LastExecDate = now.In(rule.Location()).Format(DateFormat)
	rule.ExecutedAt = now
}

func TestEvaluateOneShot(t *testing.T) {
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rule := &models.ScheduleRule{
		Kind:    models.RuleOneShot,
		OneShot: &models.OneShotSpec{At: at, Action: models.ActionStop},
	}

	d := Evaluate(rule, at.Add(-time.Minute))
	assert.False(t, d.Fire, "not due before the instant")

	d = Evaluate(rule, at)
	require.True(t, d.Fire)
	assert.Equal(t, models.ActionStop, d.Action)
	assert.True(t, d.DeleteAfter)

	d = Evaluate(rule, at.Add(3*time.Hour))
	assert.True(t, d.Fire, "still due until the runner deletes it")
}

func TestEvaluateRanged(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC)
	rule := &models.ScheduleRule{
		Kind:   models.RuleRanged,
		Ranged: &models.RangedSpec{StartAt: start, EndAt: end},
	}

	d := Evaluate(rule, start.Add(-time.Minute))
	assert.False(t, d.Fire)

	d = Evaluate(rule, start)
	require.True(t, d.Fire)
	assert.Equal(t, models.ActionStart, d.Action)
	assert.False(t, d.DeleteAfter)
	advanceCursor(rule, d, start)

	d = Evaluate(rule, start.Add(time.Hour))
	assert.False(t, d.Fire, "start already fired")

	d = Evaluate(rule, end)
	require.True(t, d.Fire)
	assert.Equal(t, models.ActionStop, d.Action)
	assert.True(t, d.DeleteAfter)
}

func TestEvaluateRangedMissedEntirely(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	rule := &models.ScheduleRule{
		Kind:   models.RuleRanged,
		Ranged: &models.RangedSpec{StartAt: start, EndAt: end},
	}

	// First evaluation happens after the whole range passed: the ad must
	// still end up paused and the rule removed.
	d := Evaluate(rule, end.Add(2*time.Hour))
	require.True(t, d.Fire)
	assert.Equal(t, models.ActionStop, d.Action)
	assert.True(t, d.DeleteAfter)
}

func TestEvaluateRecurringFullDayCycle(t *testing.T) {
	rule := &models.ScheduleRule{
		Kind: models.RuleRecurringDaily,
		Recurring: &models.RecurringDailySpec{
			Stop1:  60,   // 01:00
			Start1: 480,  // 08:00
			Stop2:  720,  // 12:00
			Start2: 1080, // 18:00
		},
	}

	midnight := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	wantOrder := []models.ScheduleAction{
		models.ActionStop, models.ActionStart, models.ActionStop, models.ActionStart,
	}

	// Two full days, minute by minute. Each day yields exactly four firings
	// in threshold order; day two repeats identically off the date cursor.
	for day := 0; day < 2; day++ {
		var fired []models.ScheduleAction
		for minute := 0; minute < models.MinutesPerDay; minute++ {
			now := midnight.AddDate(0, 0, day).Add(time.Duration(minute) * time.Minute)
			d := Evaluate(rule, now)
			if d.Fire {
				fired = append(fired, d.Action)
				advanceCursor(rule, d, now)
			}
		}
		require.Equal(t, wantOrder, fired, "day %d", day+1)
	}
}

func TestEvaluateRecurringDoesNotRefireSameMinute(t *testing.T) {
	rule := &models.ScheduleRule{
		Kind:      models.RuleRecurringDaily,
		Recurring: &models.RecurringDailySpec{Stop1: 60, Start1: 480, Stop2: 720, Start2: 1080},
	}

	now := time.Date(2026, 3, 10, 1, 0, 30, 0, time.UTC)
	d := Evaluate(rule, now)
	require.True(t, d.Fire)
	advanceCursor(rule, d, now)

	// Re-evaluating within the same firing window is a no-op.
	d = Evaluate(rule, now.Add(10*time.Second))
	assert.False(t, d.Fire)
}

func TestEvaluateRecurringRetriesAfterFailedDispatch(t *testing.T) {
	rule := &models.ScheduleRule{
		Kind:      models.RuleRecurringDaily,
		Recurring: &models.RecurringDailySpec{Stop1: 60, Start1: 480, Stop2: 720, Start2: 1080},
	}

	// The cursor was not advanced (dispatch failed), so the same window
	// produces the same decision.
	now := time.Date(2026, 3, 10, 1, 0, 5, 0, time.UTC)
	first := Evaluate(rule, now)
	second := Evaluate(rule, now.Add(20*time.Second))
	require.True(t, first.Fire)
	require.True(t, second.Fire)
	assert.Equal(t, first.Action, second.Action)
}

func TestEvaluateRecurringTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	rule := &models.ScheduleRule{
		Kind:      models.RuleRecurringDaily,
		Timezone:  "America/New_York",
		Recurring: &models.RecurringDailySpec{Stop1: 540, Start1: 600, Stop2: 720, Start2: 1080},
	}

	// 09:00 in New York, expressed as UTC.
	nyMorning := time.Date(2026, 3, 10, 9, 0, 0, 0, loc).UTC()
	d := Evaluate(rule, nyMorning)
	require.True(t, d.Fire)
	assert.Equal(t, models.ActionStop, d.Action)
}

func TestEvaluateCalendar(t *testing.T) {
	day := "2026-03-10"
	rule := &models.ScheduleRule{
		Kind: models.RuleCalendar,
		Calendar: &models.CalendarSpec{
			Days: map[string]models.DaySchedule{
				day: {Slots: []models.TimeSlot{{Start: 600, End: 720}}}, // 10:00-12:00
			},
		},
	}

	at := func(hour, minute int) time.Time {
		return time.Date(2026, 3, 10, hour, minute, 0, 0, time.UTC)
	}

	// Before the slot: desired state is paused.
	d := Evaluate(rule, at(8, 0))
	require.True(t, d.Fire)
	assert.Equal(t, models.ActionStop, d.Action)
	advanceCursor(rule, d, at(8, 0))

	d = Evaluate(rule, at(9, 0))
	assert.False(t, d.Fire, "already paused")

	// Slot start.
	d = Evaluate(rule, at(10, 0))
	require.True(t, d.Fire)
	assert.Equal(t, models.ActionStart, d.Action)
	advanceCursor(rule, d, at(10, 0))

	d = Evaluate(rule, at(11, 0))
	assert.False(t, d.Fire, "already active inside slot")

	// Slot end, even when the exact boundary minute was missed.
	d = Evaluate(rule, at(12, 34))
	require.True(t, d.Fire)
	assert.Equal(t, models.ActionStop, d.Action)
}

func TestEvaluateCalendarDayAbsent(t *testing.T) {
	rule := &models.ScheduleRule{
		Kind: models.RuleCalendar,
		Calendar: &models.CalendarSpec{
			Days: map[string]models.DaySchedule{
				"2026-03-10": {Slots: []models.TimeSlot{{Start: 600, End: 720}}},
			},
		},
	}

	d := Evaluate(rule, time.Date(2026, 3, 11, 10, 30, 0, 0, time.UTC))
	assert.False(t, d.Fire, "no schedule for this date")
}

func TestClassifySlot(t *testing.T) {
	slot := models.TimeSlot{Start: 600, End: 720}
	tests := []struct {
		minute int
		want   SlotState
	}{
		{599, SlotUpcoming},
		{600, SlotActive},
		{719, SlotActive},
		{720, SlotCompleted},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("minute_%d", tt.minute), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifySlot(slot, tt.minute))
		})
	}
}
