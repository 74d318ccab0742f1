package models

import (
	"fmt"
	"time"
)

// ProgressStatus enumerates per-contact campaign progress states.
const (
	ProgressActive    = "active"
	ProgressReplied   = "replied"
	ProgressPaused    = "paused"
	ProgressFailed    = "failed"
	ProgressCompleted = "completed"
)

// HistoryOutcome enumerates send attempt outcomes in the progress history.
const (
	OutcomePending = "pending"
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// ProgressRecord tracks one contact's position within one campaign.
// CurrentDay starts at 1 and is meaningful only for fixed cadences.
type ProgressRecord struct {
	ID          string     `json:"id"`
	CampaignID  string     `json:"campaign_id"`
	ContactID   string     `json:"contact_id"`
	CurrentDay  int        `json:"current_day"`
	HasReplied  bool       `json:"has_replied"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Live reports whether the contact still progresses through the campaign.
// A replied contact keeps moving: conditions consume the flag, they do not
// stop the drip.
func (r ProgressRecord) Live() bool {
	return r.Status == ProgressActive || r.Status == ProgressReplied
}

// HistoryEntry is one attempted step in a contact's append-only send history.
// The DedupKey makes the claim idempotent: for fixed cadences it covers
// (day, sequence) forever, for recurring cadences it additionally carries the
// intended occurrence minute so adjacent days stay distinct.
type HistoryEntry struct {
	ID                string     `json:"id"`
	CampaignID        string     `json:"campaign_id"`
	ContactID         string     `json:"contact_id"`
	StepID            string     `json:"step_id"`
	Day               int        `json:"day"`
	Sequence          int        `json:"sequence"`
	DedupKey          string     `json:"dedup_key"`
	Outcome           string     `json:"outcome"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	Error             *string    `json:"error,omitempty"`
	RetryCount        int        `json:"retry_count"`
	ScheduledAt       time.Time  `json:"scheduled_at"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// DedupKey derives the idempotency key for one send attempt.
// Recurring cadences key each occurrence by its intended minute; fixed and
// content-based cadences allow a (day, sequence) pair at most once ever.
func DedupKey(cadence string, day, sequence int, intended time.Time) string {
	base := fmt.Sprintf("d%d.s%d", day, sequence)
	switch cadence {
	case CadenceDaily, CadenceWeekly, CadenceMonthly:
		return base + "@" + intended.UTC().Truncate(time.Minute).Format("2006-01-02T15:04")
	default:
		return base
	}
}

// AdvanceProgress is the explicit day transition for fixed campaigns: given
// the record and whether every step of the current day is accounted for, it
// returns the advanced copy and whether the campaign finished for the contact.
func AdvanceProgress(rec ProgressRecord, daySettled bool, totalDays int, now time.Time) (ProgressRecord, bool) {
	if !daySettled {
		return rec, false
	}
	rec.CurrentDay++
	rec.UpdatedAt = now
	if rec.CurrentDay > totalDays {
		rec.Status = ProgressCompleted
		rec.CompletedAt = &now
		return rec, true
	}
	return rec, false
}
