package models

import (
	"fmt"
	"time"
)

// RuleKind identifies which variant of a schedule rule is populated.
type RuleKind string

const (
	RuleOneShot        RuleKind = "one_shot"
	RuleRanged         RuleKind = "ranged"
	RuleRecurringDaily RuleKind = "recurring_daily"
	RuleCalendar       RuleKind = "calendar"
)

// ScheduleAction is the run-state change a rule firing requests.
type ScheduleAction string

const (
	ActionStart ScheduleAction = "start"
	ActionStop  ScheduleAction = "stop"
)

// RunState mirrors the ad's active/paused state on the remote platform.
func (a ScheduleAction) RunState() string {
	if a == ActionStart {
		return "ACTIVE"
	}
	return "PAUSED"
}

const (
	// MinutesPerDay bounds minute-of-day fields.
	MinutesPerDay = 1440
	// MinSlotDuration is the smallest calendar slot allowed, in minutes.
	MinSlotDuration = 60
	// MinSlotGap is the smallest gap between two calendar slots, in minutes.
	MinSlotGap = 60
	// MaxSlotsPerDay caps the number of slots in one calendar day.
	MaxSlotsPerDay = 2
)

// OneShotSpec fires a single action at an absolute instant.
type OneShotSpec struct {
	At     time.Time      `json:"at"`
	Action ScheduleAction `json:"action"`
}

// RangedSpec activates the ad at StartAt and pauses it at EndAt. Both
// instants are expected to fall within the same calendar day.
type RangedSpec struct {
	StartAt time.Time `json:"start_at"`
	EndAt   time.Time `json:"end_at"`
}

// RecurringDailySpec holds four ordered minute-of-day thresholds that cycle
// every day: pause, activate, pause again, activate again.
type RecurringDailySpec struct {
	Stop1  int `json:"stop1"`
	Start1 int `json:"start1"`
	Stop2  int `json:"stop2"`
	Start2 int `json:"start2"`
}

// Thresholds returns the four firing minutes in order with their actions.
func (s RecurringDailySpec) Thresholds() [4]Threshold {
	return [4]Threshold{
		{Minute: s.Stop1, Action: ActionStop},
		{Minute: s.Start1, Action: ActionStart},
		{Minute: s.Stop2, Action: ActionStop},
		{Minute: s.Start2, Action: ActionStart},
	}
}

// Threshold pairs a minute-of-day with the action fired at that minute.
type Threshold struct {
	Minute int
	Action ScheduleAction
}

// TimeSlot is a half-open [Start, End) window in minutes since midnight.
type TimeSlot struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Duration returns the slot length in minutes.
func (s TimeSlot) Duration() int { return s.End - s.Start }

// Contains reports whether the minute-of-day falls inside the slot.
func (s TimeSlot) Contains(minute int) bool { return minute >= s.Start && minute < s.End }

// DaySchedule is the set of slots for one calendar date.
type DaySchedule struct {
	Slots []TimeSlot `json:"slots"`
}

// CalendarSpec maps calendar dates (YYYY-MM-DD, rule timezone) to day
// schedules. A calendar rule for an ad supersedes any recurring or ranged
// rule for the same ad.
type CalendarSpec struct {
	Days map[string]DaySchedule `json:"days"`
}

// ScheduleRule is a tagged union: exactly one of the kind-specific specs is
// populated, selected by Kind. The cursor fields (LastAction, LastExecDate,
// ExecutedAt) are mutated by the runner after each firing.
type ScheduleRule struct {
	ID        string   `json:"id"`
	UserID    string   `json:"user_id"`
	AccountID string   `json:"account_id,omitempty"`
	AdID      string   `json:"ad_id"`
	Kind      RuleKind `json:"kind"`
	Timezone  string   `json:"timezone"`

	OneShot   *OneShotSpec        `json:"one_shot,omitempty"`
	Ranged    *RangedSpec         `json:"ranged,omitempty"`
	Recurring *RecurringDailySpec `json:"recurring,omitempty"`
	Calendar  *CalendarSpec       `json:"calendar,omitempty"`

	// Execution cursor.
	LastAction   ScheduleAction `json:"last_action,omitempty"`
	LastExecDate string         `json:"last_exec_date,omitempty"`
	ExecutedAt   time.Time      `json:"executed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Location resolves the rule timezone, falling back to UTC.
func (r *ScheduleRule) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate checks the rule at configuration time. Violations are reported
// with the exact constraint and its numeric bounds.
func (r *ScheduleRule) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.AdID == "" {
		return fmt.Errorf("ad_id is required")
	}
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", r.Timezone)
		}
	}

	switch r.Kind {
	case RuleOneShot:
		if r.OneShot == nil {
			return fmt.Errorf("one_shot spec is required for kind %s", r.Kind)
		}
		if r.OneShot.At.IsZero() {
			return fmt.Errorf("one_shot.at is required")
		}
		if r.OneShot.Action != ActionStart && r.OneShot.Action != ActionStop {
			return fmt.Errorf("one_shot.action must be %q or %q", ActionStart, ActionStop)
		}
	case RuleRanged:
		if r.Ranged == nil {
			return fmt.Errorf("ranged spec is required for kind %s", r.Kind)
		}
		if !r.Ranged.StartAt.Before(r.Ranged.EndAt) {
			return fmt.Errorf("ranged.start_at must be before ranged.end_at")
		}
	case RuleRecurringDaily:
		if r.Recurring == nil {
			return fmt.Errorf("recurring spec is required for kind %s", r.Kind)
		}
		return r.Recurring.validate()
	case RuleCalendar:
		if r.Calendar == nil {
			return fmt.Errorf("calendar spec is required for kind %s", r.Kind)
		}
		if len(r.Calendar.Days) == 0 {
			return fmt.Errorf("calendar.days must contain at least one date")
		}
		for date, day := range r.Calendar.Days {
			if _, err := time.Parse("2006-01-02", date); err != nil {
				return fmt.Errorf("calendar date %q is not YYYY-MM-DD", date)
			}
			if err := day.Validate(); err != nil {
				return fmt.Errorf("calendar day %s: %w", date, err)
			}
		}
	default:
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
	return nil
}

func (s RecurringDailySpec) validate() error {
	mins := []int{s.Stop1, s.Start1, s.Stop2, s.Start2}
	names := []string{"stop1", "start1", "stop2", "start2"}
	for i, m := range mins {
		if m < 0 || m >= MinutesPerDay {
			return fmt.Errorf("recurring.%s must be within [0, %d), got %d", names[i], MinutesPerDay, m)
		}
	}
	for i := 1; i < len(mins); i++ {
		if mins[i] <= mins[i-1] {
			return fmt.Errorf("recurring thresholds must be strictly increasing: %s (%d) must be > %s (%d)",
				names[i], mins[i], names[i-1], mins[i-1])
		}
	}
	return nil
}

// Validate enforces the calendar day invariants: at most 2 slots, each slot
// at least 60 minutes long with start < end, and a gap of at least 60
// minutes between two slots.
func (d DaySchedule) Validate() error {
	if len(d.Slots) == 0 {
		return fmt.Errorf("at least one slot is required")
	}
	if len(d.Slots) > MaxSlotsPerDay {
		return fmt.Errorf("at most %d slots are allowed, got %d", MaxSlotsPerDay, len(d.Slots))
	}
	for i, slot := range d.Slots {
		if slot.Start < 0 || slot.End > MinutesPerDay {
			return fmt.Errorf("slot %d must fall within [0, %d], got [%d, %d]", i+1, MinutesPerDay, slot.Start, slot.End)
		}
		if slot.Start >= slot.End {
			return fmt.Errorf("slot %d start (%d) must be before its end (%d)", i+1, slot.Start, slot.End)
		}
		if slot.Duration() < MinSlotDuration {
			return fmt.Errorf("slot %d duration must be at least %d minutes, got %d", i+1, MinSlotDuration, slot.Duration())
		}
	}
	if len(d.Slots) == MaxSlotsPerDay {
		first, second := d.Slots[0], d.Slots[1]
		if second.Start < first.End {
			return fmt.Errorf("slots must not overlap: slot 2 starts at %d before slot 1 ends at %d", second.Start, first.End)
		}
		if gap := second.Start - first.End; gap < MinSlotGap {
			return fmt.Errorf("gap between slots must be at least %d minutes, got %d", MinSlotGap, gap)
		}
	}
	return nil
}
