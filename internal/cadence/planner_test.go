package cadence

import (
	"errors"
	"testing"
	"time"

	"whatsapp-campaign-engine/internal/models"
)

func mustLoc(t *testing.T) *time.Location {
	t.Helper()
	return time.UTC
}

func intPtr(v int) *int { return &v }

func TestDailyNext(t *testing.T) {
	tr := Trigger{Recurring: true, Hour: 9, Minute: 0}

	before := time.Date(2024, 1, 15, 8, 30, 0, 0, mustLoc(t))
	next, ok := tr.Next(before)
	if !ok || !next.Equal(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected same-day 09:00, got %v ok=%v", next, ok)
	}

	after := time.Date(2024, 1, 15, 9, 0, 0, 0, mustLoc(t))
	next, ok = tr.Next(after)
	if !ok || !next.Equal(time.Date(2024, 1, 16, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected next-day 09:00 when at the boundary, got %v", next)
	}
}

func TestWeeklyNextFiresOnlyOnConfiguredWeekday(t *testing.T) {
	wd := time.Wednesday
	tr := Trigger{Recurring: true, Hour: 9, Minute: 0, Weekday: &wd}

	// Monday Jan 1 2024.
	monday := time.Date(2024, 1, 1, 10, 0, 0, 0, mustLoc(t))
	next, ok := tr.Next(monday)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if next.Weekday() != time.Wednesday || next.Hour() != 9 || next.Minute() != 0 {
		t.Fatalf("expected Wednesday 09:00, got %v", next)
	}
	if !next.Equal(time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected Jan 3, got %v", next)
	}

	// Exactly at the occurrence: the next one is a full week later.
	next2, _ := tr.Next(next)
	if !next2.Equal(next.AddDate(0, 0, 7)) {
		t.Fatalf("expected one week later, got %v", next2)
	}
}

func TestMonthlyNextSkipsShortMonths(t *testing.T) {
	tr := Trigger{Recurring: true, Hour: 8, Minute: 15, DayOfMonth: intPtr(31)}

	// April has 30 days: no firing in April, next is May 31.
	april := time.Date(2024, 4, 1, 0, 0, 0, 0, mustLoc(t))
	next, ok := tr.Next(april)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if !next.Equal(time.Date(2024, 5, 31, 8, 15, 0, 0, time.UTC)) {
		t.Fatalf("expected May 31, got %v", next)
	}

	// February never has a 31st; from Feb 1 the next is March 31.
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, mustLoc(t))
	next, _ = tr.Next(feb)
	if !next.Equal(time.Date(2024, 3, 31, 8, 15, 0, 0, time.UTC)) {
		t.Fatalf("expected March 31, got %v", next)
	}
}

func TestDailyLatest(t *testing.T) {
	tr := Trigger{Recurring: true, Hour: 9, Minute: 0}

	afterToday := time.Date(2024, 6, 3, 9, 5, 0, 0, mustLoc(t))
	last, ok := tr.Latest(afterToday)
	if !ok || !last.Equal(time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected same-day 09:00, got %v ok=%v", last, ok)
	}

	beforeToday := time.Date(2024, 6, 3, 8, 0, 0, 0, mustLoc(t))
	last, _ = tr.Latest(beforeToday)
	if !last.Equal(time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected yesterday 09:00, got %v", last)
	}

	// Exactly at the occurrence counts as that occurrence.
	at := time.Date(2024, 6, 3, 9, 0, 0, 0, mustLoc(t))
	if last, _ = tr.Latest(at); !last.Equal(at) {
		t.Fatalf("expected the boundary itself, got %v", last)
	}
}

func TestWeeklyLatest(t *testing.T) {
	wd := time.Wednesday
	tr := Trigger{Recurring: true, Hour: 9, Minute: 0, Weekday: &wd}

	// Friday Jan 5 2024: the most recent Wednesday is Jan 3.
	friday := time.Date(2024, 1, 5, 10, 0, 0, 0, mustLoc(t))
	last, ok := tr.Latest(friday)
	if !ok || !last.Equal(time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected Jan 3 09:00, got %v ok=%v", last, ok)
	}

	// Wednesday before the send time: a full week back.
	early := time.Date(2024, 1, 3, 8, 0, 0, 0, mustLoc(t))
	last, _ = tr.Latest(early)
	if !last.Equal(time.Date(2023, 12, 27, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected Dec 27, got %v", last)
	}
}

func TestMonthlyLatestSkipsShortMonths(t *testing.T) {
	tr := Trigger{Recurring: true, Hour: 8, Minute: 15, DayOfMonth: intPtr(31)}

	// May 1: April has no 31st, so the latest is March 31.
	may := time.Date(2024, 5, 1, 0, 0, 0, 0, mustLoc(t))
	last, ok := tr.Latest(may)
	if !ok || !last.Equal(time.Date(2024, 3, 31, 8, 15, 0, 0, time.UTC)) {
		t.Fatalf("expected March 31, got %v ok=%v", last, ok)
	}
}

func TestLatestOneShot(t *testing.T) {
	tr := Trigger{ExecuteAt: time.Now()}
	if _, ok := tr.Latest(time.Now()); ok {
		t.Fatal("one-shot triggers have no recurrence to look back on")
	}
}

func TestPlanRecurringValidation(t *testing.T) {
	c := models.Campaign{ID: "c1", Cadence: models.CadenceWeekly}
	steps := []models.CampaignStep{
		{ID: "s1", TimeOfDay: "09:00", DayOfWeek: intPtr(3)},
		{ID: "s2", TimeOfDay: "09:00"}, // missing day_of_week
		{ID: "s3", TimeOfDay: "25:99", DayOfWeek: intPtr(1)},
	}

	triggers, errs := PlanRecurring(c, steps, time.Now())
	if len(triggers) != 1 || triggers[0].StepID != "s1" {
		t.Fatalf("expected only s1 planned, got %+v", triggers)
	}
	if len(errs) != 2 {
		t.Fatalf("expected 2 validation errors, got %d", len(errs))
	}
	var verr *ValidationError
	if !errors.As(errs[0], &verr) {
		t.Fatalf("expected ValidationError, got %T", errs[0])
	}
}

func TestPlanRecurringContentBased(t *testing.T) {
	c := models.Campaign{Cadence: models.CadenceContentBased}
	triggers, errs := PlanRecurring(c, []models.CampaignStep{{ID: "s1", TimeOfDay: "10:00"}}, time.Now())
	if len(triggers) != 0 || len(errs) != 0 {
		t.Fatalf("content_based must plan nothing, got %d triggers %d errs", len(triggers), len(errs))
	}
}

func TestPlanContactOffsets(t *testing.T) {
	c := models.Campaign{ID: "c1", Cadence: models.CadenceFixed, TotalDays: 3}
	steps := []models.CampaignStep{
		{ID: "d1s1", Day: 1, Sequence: 1, TimeOfDay: "10:00"},
		{ID: "d2s1", Day: 2, Sequence: 1, TimeOfDay: "08:00"},
	}
	rec := models.ProgressRecord{ContactID: "ct1", CurrentDay: 1}
	now := time.Date(2024, 6, 10, 9, 0, 0, 0, mustLoc(t))

	triggers, errs := PlanContact(c, steps, rec, now)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(triggers) != 1 {
		t.Fatalf("expected only the current day's steps, got %d", len(triggers))
	}
	if triggers[0].StepID != "d1s1" || !triggers[0].ExecuteAt.Equal(time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected trigger %+v", triggers[0])
	}

	// Day 2 planned while the contact is still on day 1 lands tomorrow.
	next, _ := PlanContactDay(c, steps, "ct1", 1, 2, now)
	if len(next) != 1 || !next[0].ExecuteAt.Equal(time.Date(2024, 6, 11, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected tomorrow 08:00, got %+v", next)
	}
}

func TestPlanContactPastDeadlineStaysEligible(t *testing.T) {
	c := models.Campaign{ID: "c1", Cadence: models.CadenceFixed, TotalDays: 1}
	steps := []models.CampaignStep{{ID: "s1", Day: 1, Sequence: 1, TimeOfDay: "06:00"}}
	rec := models.ProgressRecord{ContactID: "ct1", CurrentDay: 1}
	now := time.Date(2024, 6, 10, 9, 0, 0, 0, mustLoc(t))

	triggers, _ := PlanContact(c, steps, rec, now)
	if len(triggers) != 1 {
		t.Fatalf("expected 1 trigger, got %d", len(triggers))
	}
	if !triggers[0].ExecuteAt.Before(now) {
		t.Fatalf("deadline should be in the past, got %v", triggers[0].ExecuteAt)
	}
}

func TestTriggerPattern(t *testing.T) {
	wd := time.Friday
	cases := []struct {
		tr   Trigger
		want string
	}{
		{Trigger{Recurring: true, Hour: 9, Minute: 5}, "daily@09:05"},
		{Trigger{Recurring: true, Hour: 9, Minute: 5, Weekday: &wd}, "weekly:5@09:05"},
		{Trigger{Recurring: true, Hour: 9, Minute: 5, DayOfMonth: intPtr(31)}, "monthly:31@09:05"},
		{Trigger{ExecuteAt: time.Now()}, "once"},
	}
	for _, c := range cases {
		if got := c.tr.Pattern(); got != c.want {
			t.Fatalf("pattern mismatch: got %q want %q", got, c.want)
		}
	}
}
