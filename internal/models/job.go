package models

import (
	"time"
)

// JobStatus enumerates ledger entry lifecycle states.
const (
	JobScheduled = "scheduled"
	JobExecuting = "executing"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// ScheduledJob is one durable unit of scheduled work. A recurring trigger
// carries a Pattern and no ExecuteAt; a one-shot deadline carries ExecuteAt
// and, for fixed cadences, the contact it belongs to. At most one scheduled
// row exists per (campaign, step[, contact], pattern) tuple.
type ScheduledJob struct {
	ID              string     `json:"id"`
	CampaignID      string     `json:"campaign_id"`
	StepID          string     `json:"step_id"`
	ContactID       *string    `json:"contact_id,omitempty"`
	Pattern         string     `json:"pattern"`
	ExecuteAt       *time.Time `json:"execute_at,omitempty"`
	Status          string     `json:"status"`
	LastExecutionAt *time.Time `json:"last_execution_at,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Contact is a message recipient resolved from segment membership at fire time.
type Contact struct {
	ID         string    `json:"id"`
	Tenant     string    `json:"tenant"`
	Phone      string    `json:"phone"`
	Name       string    `json:"name"`
	SegmentIDs []string  `json:"segment_ids"`
	CreatedAt  time.Time `json:"created_at"`
}
