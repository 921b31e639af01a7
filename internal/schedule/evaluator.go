package schedule

import (
	"time"

	"github.com/radiusdt/vector-autopilot/internal/models"
)

// Decision is the outcome of evaluating one rule at one instant. Evaluation
// never performs I/O and never returns errors; a rule that is not due simply
// yields Fire == false.
type Decision struct {
	// Fire reports whether an action is due now.
	Fire bool
	// Action is the run-state change to dispatch when Fire is true.
	Action models.ScheduleAction
	// DeleteAfter marks the rule for removal once the action succeeds.
	// One-shot rules and ranged rules that reached their end are terminal.
	DeleteAfter bool
	// Reason describes the transition for logs and history.
	Reason string
}

// DateFormat is the calendar-date layout used by rule cursors and calendar
// specs.
const DateFormat = "2006-01-02"

// Evaluate decides whether the rule is due at now. The caller advances the
// rule cursor only after the dispatched action succeeds, so re-evaluating
// after a failed dispatch reproduces the same decision.
func Evaluate(rule *models.ScheduleRule, now time.Time) Decision {
	local := now.In(rule.Location())

	switch rule.Kind {
	case models.RuleOneShot:
		return evaluateOneShot(rule, local)
	case models.RuleRanged:
		return evaluateRanged(rule, local)
	case models.RuleRecurringDaily:
		return evaluateRecurring(rule, local)
	case models.RuleCalendar:
		return evaluateCalendar(rule, local)
	}
	return Decision{}
}

func evaluateOneShot(rule *models.ScheduleRule, now time.Time) Decision {
	if now.Before(rule.OneShot.At) {
		return Decision{}
	}
	return Decision{
		Fire:        true,
		Action:      rule.OneShot.Action,
		DeleteAfter: true,
		Reason:      "one-shot instant reached",
	}
}

func evaluateRanged(rule *models.ScheduleRule, now time.Time) Decision {
	spec := rule.Ranged

	// Past the end the ad must be paused, even if the start was missed
	// entirely. The stop is terminal for the rule either way.
	if !now.Before(spec.EndAt) {
		return Decision{
			Fire:        true,
			Action:      models.ActionStop,
			DeleteAfter: true,
			Reason:      "range ended",
		}
	}

	if !now.Before(spec.StartAt) {
		// Inside [start, end): fire the start once. ExecutedAt is the
		// cursor that records it happened.
		if rule.ExecutedAt.IsZero() {
			return Decision{
				Fire:   true,
				Action: models.ActionStart,
				Reason: "range started",
			}
		}
	}
	return Decision{}
}

// evaluateRecurring walks the four daily thresholds. A threshold is due when
// the current minute falls in its 1-minute window [t, t+1) and the cursor
// shows it has not fired that action today. Crossing into a new day resets
// the comparison because the stored date no longer matches.
func evaluateRecurring(rule *models.ScheduleRule, now time.Time) Decision {
	minute := now.Hour()*60 + now.Minute()
	today := now.Format(DateFormat)

	for _, t := range rule.Recurring.Thresholds() {
		if minute < t.Minute || minute >= t.Minute+1 {
			continue
		}
		if rule.LastExecDate == today && rule.LastAction == t.Action {
			return Decision{}
		}
		return Decision{
			Fire:   true,
			Action: t.Action,
			Reason: "daily threshold reached",
		}
	}
	return Decision{}
}

// evaluateCalendar compares the ad's desired run state for the current
// minute against the last action taken. Desired state is ACTIVE inside any
// of today's slots and PAUSED outside them, so a missed tick self-corrects
// on the next evaluation instead of losing the boundary.
func evaluateCalendar(rule *models.ScheduleRule, now time.Time) Decision {
	today := now.Format(DateFormat)
	day, ok := rule.Calendar.Days[today]
	if !ok {
		return Decision{}
	}

	minute := now.Hour()*60 + now.Minute()
	desired := models.ActionStop
	reason := "outside calendar slot"
	for _, slot := range day.Slots {
		if slot.Contains(minute) {
			desired = models.ActionStart
			reason = "inside calendar slot"
			break
		}
	}

	if rule.LastAction == desired && rule.LastExecDate == today {
		return Decision{}
	}
	return Decision{
		Fire:   true,
		Action: desired,
		Reason: reason,
	}
}

// SlotState classifies one calendar slot relative to the current minute.
type SlotState string

const (
	SlotUpcoming  SlotState = "upcoming"
	SlotActive    SlotState = "active"
	SlotCompleted SlotState = "completed"
)

// ClassifySlot reports where the minute stands relative to the slot. Used
// by status queries; the firing logic above depends only on containment.
func ClassifySlot(slot models.TimeSlot, minute int) SlotState {
	switch {
	case minute < slot.Start:
		return SlotUpcoming
	case minute < slot.End:
		return SlotActive
	default:
		return SlotCompleted
	}
}
