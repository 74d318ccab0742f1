// Package cadence computes when campaign steps must fire. It is pure logic:
// no storage, no timers, fully deterministic given a clock value.
package cadence

import (
	"fmt"
	"time"

	"whatsapp-campaign-engine/internal/models"
)

// ValidationError reports a malformed cadence field on a single step. Other
// steps of the same campaign are still planned.
type ValidationError struct {
	StepID string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("step %s: %s", e.StepID, e.Reason)
}

// Trigger is one planned firing rule for a step. Recurring triggers describe
// a repeating occurrence; one-shot triggers carry a concrete deadline and the
// contact they belong to.
type Trigger struct {
	StepID    string
	ContactID string // set only for one-shot fixed-cadence triggers
	Recurring bool

	Hour       int
	Minute     int
	Weekday    *time.Weekday // weekly only
	DayOfMonth *int          // monthly only

	ExecuteAt time.Time // one-shot only
}

// Pattern is a stable recurrence descriptor used to key ledger rows.
func (t Trigger) Pattern() string {
	switch {
	case !t.Recurring:
		return "once"
	case t.Weekday != nil:
		return fmt.Sprintf("weekly:%d@%02d:%02d", int(*t.Weekday), t.Hour, t.Minute)
	case t.DayOfMonth != nil:
		return fmt.Sprintf("monthly:%d@%02d:%02d", *t.DayOfMonth, t.Hour, t.Minute)
	default:
		return fmt.Sprintf("daily@%02d:%02d", t.Hour, t.Minute)
	}
}

// Next returns the first occurrence of a recurring trigger strictly after
// the given instant, in that instant's location. Monthly triggers skip months
// without the configured day: there is no rollover to the 1st.
func (t Trigger) Next(after time.Time) (time.Time, bool) {
	if !t.Recurring {
		return time.Time{}, false
	}
	at := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, after.Location())
	}
	switch {
	case t.Weekday != nil:
		for i := 0; i < 8; i++ {
			c := at(after.Year(), after.Month(), after.Day()+i)
			if c.Weekday() == *t.Weekday && c.After(after) {
				return c, true
			}
		}
		return time.Time{}, false
	case t.DayOfMonth != nil:
		for i := 0; i < 48; i++ {
			first := time.Date(after.Year(), after.Month()+time.Month(i), 1, 0, 0, 0, 0, after.Location())
			if daysIn(first) < *t.DayOfMonth {
				continue
			}
			c := at(first.Year(), first.Month(), *t.DayOfMonth)
			if c.After(after) {
				return c, true
			}
		}
		return time.Time{}, false
	default:
		c := at(after.Year(), after.Month(), after.Day())
		if !c.After(after) {
			c = c.AddDate(0, 0, 1)
		}
		return c, true
	}
}

// Latest returns the most recent occurrence of a recurring trigger at or
// before the given instant. The scheduler uses it on registration to catch up
// an occurrence that came due while no trigger was running.
func (t Trigger) Latest(at time.Time) (time.Time, bool) {
	if !t.Recurring {
		return time.Time{}, false
	}
	occ := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, at.Location())
	}
	switch {
	case t.Weekday != nil:
		for i := 0; i < 8; i++ {
			c := occ(at.Year(), at.Month(), at.Day()-i)
			if c.Weekday() == *t.Weekday && !c.After(at) {
				return c, true
			}
		}
		return time.Time{}, false
	case t.DayOfMonth != nil:
		for i := 0; i < 48; i++ {
			first := time.Date(at.Year(), at.Month()-time.Month(i), 1, 0, 0, 0, 0, at.Location())
			if daysIn(first) < *t.DayOfMonth {
				continue
			}
			c := occ(first.Year(), first.Month(), *t.DayOfMonth)
			if !c.After(at) {
				return c, true
			}
		}
		return time.Time{}, false
	default:
		c := occ(at.Year(), at.Month(), at.Day())
		if c.After(at) {
			c = c.AddDate(0, 0, -1)
		}
		return c, true
	}
}

// PlanRecurring computes the recurring triggers of a daily, weekly, or monthly
// campaign. Content-based campaigns plan nothing: they run on demand only.
// Invalid steps yield ValidationErrors without blocking the valid ones.
func PlanRecurring(c models.Campaign, steps []models.CampaignStep, now time.Time) ([]Trigger, []error) {
	if c.Cadence == models.CadenceContentBased {
		return nil, nil
	}

	var (
		triggers []Trigger
		errs     []error
	)
	for _, s := range steps {
		hour, minute, err := parseTimeOfDay(timeOfDay(c, s))
		if err != nil {
			errs = append(errs, &ValidationError{StepID: s.ID, Reason: err.Error()})
			continue
		}
		tr := Trigger{StepID: s.ID, Recurring: true, Hour: hour, Minute: minute}
		switch c.Cadence {
		case models.CadenceDaily:
		case models.CadenceWeekly:
			if s.DayOfWeek == nil || *s.DayOfWeek < 0 || *s.DayOfWeek > 6 {
				errs = append(errs, &ValidationError{StepID: s.ID, Reason: "weekly step requires day_of_week in 0..6"})
				continue
			}
			wd := time.Weekday(*s.DayOfWeek)
			tr.Weekday = &wd
		case models.CadenceMonthly:
			if s.DayOfMonth == nil || *s.DayOfMonth < 1 || *s.DayOfMonth > 31 {
				errs = append(errs, &ValidationError{StepID: s.ID, Reason: "monthly step requires day_of_month in 1..31"})
				continue
			}
			dom := *s.DayOfMonth
			tr.DayOfMonth = &dom
		default:
			errs = append(errs, &ValidationError{StepID: s.ID, Reason: fmt.Sprintf("cadence %q is not recurring", c.Cadence)})
			continue
		}
		triggers = append(triggers, tr)
	}
	return triggers, errs
}

// PlanContact computes the one-shot deadlines for one contact of a fixed
// campaign: every step of the contact's current day, at
// now + (step.day - currentDay) days on the step's time of day. A deadline in
// the past means the step is eligible immediately.
func PlanContact(c models.Campaign, steps []models.CampaignStep, rec models.ProgressRecord, now time.Time) ([]Trigger, []error) {
	return planFixedDay(c, steps, rec.ContactID, rec.CurrentDay, rec.CurrentDay, now)
}

// PlanContactDay computes one-shot deadlines for a specific upcoming day of a
// fixed campaign, offset from the contact's current day. The scheduler uses it
// to plan day N+1 right before the progress record advances.
func PlanContactDay(c models.Campaign, steps []models.CampaignStep, contactID string, currentDay, targetDay int, now time.Time) ([]Trigger, []error) {
	return planFixedDay(c, steps, contactID, currentDay, targetDay, now)
}

func planFixedDay(c models.Campaign, steps []models.CampaignStep, contactID string, currentDay, targetDay int, now time.Time) ([]Trigger, []error) {
	if c.Cadence != models.CadenceFixed {
		return nil, []error{&ValidationError{Reason: fmt.Sprintf("cadence %q has no per-contact plan", c.Cadence)}}
	}

	var (
		triggers []Trigger
		errs     []error
	)
	for _, s := range steps {
		if s.Day != targetDay {
			continue
		}
		hour, minute, err := parseTimeOfDay(timeOfDay(c, s))
		if err != nil {
			errs = append(errs, &ValidationError{StepID: s.ID, Reason: err.Error()})
			continue
		}
		deadline := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		deadline = deadline.AddDate(0, 0, s.Day-currentDay)
		triggers = append(triggers, Trigger{
			StepID:    s.ID,
			ContactID: contactID,
			ExecuteAt: deadline,
		})
	}
	return triggers, errs
}

func timeOfDay(c models.Campaign, s models.CampaignStep) string {
	if s.TimeOfDay != "" {
		return s.TimeOfDay
	}
	return c.DefaultTimeOfDay
}

func parseTimeOfDay(v string) (hour, minute int, err error) {
	if v == "" {
		return 0, 0, fmt.Errorf("time_of_day is required")
	}
	if _, err := time.Parse("15:04", v); err != nil {
		return 0, 0, fmt.Errorf("time_of_day %q is not HH:MM", v)
	}
	_, _ = fmt.Sscanf(v, "%d:%d", &hour, &minute)
	return hour, minute, nil
}

func daysIn(firstOfMonth time.Time) int {
	return firstOfMonth.AddDate(0, 1, -1).Day()
}
