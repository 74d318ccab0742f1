package models

import (
	"time"
)

// CadenceType enumerates the recurrence patterns a campaign can run on.
const (
	CadenceDaily        = "daily"
	CadenceWeekly       = "weekly"
	CadenceMonthly      = "monthly"
	CadenceFixed        = "fixed"
	CadenceContentBased = "content_based"
)

// CampaignStatus enumerates campaign lifecycle states persisted in Postgres.
const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
)

// Campaign is a tenant-scoped message campaign.
type Campaign struct {
	ID               string     `json:"id"`
	Tenant           string     `json:"tenant"`
	Name             string     `json:"name"`
	Cadence          string     `json:"cadence_type"`
	Status           string     `json:"status"`
	SegmentIDs       []string   `json:"segment_ids"`
	DefaultTimeOfDay string     `json:"default_time_of_day"`
	RepeatLimit      int        `json:"repeat_limit"`
	ExecutedCount    int        `json:"executed_count"`
	LastExecutionAt  *time.Time `json:"last_execution_at,omitempty"`
	NextExecutionAt  *time.Time `json:"next_execution_at,omitempty"`
	TotalDays        int        `json:"total_days"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Recurring reports whether the campaign runs on a shared calendar schedule.
func (c Campaign) Recurring() bool {
	switch c.Cadence {
	case CadenceDaily, CadenceWeekly, CadenceMonthly:
		return true
	}
	return false
}

// CampaignEvent is an operational log row tied to a campaign.
type CampaignEvent struct {
	CampaignID string    `json:"campaign_id"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail"`
	Recorded   time.Time `json:"recorded_at"`
}
