package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"whatsapp-campaign-engine/internal/models"
)

// UpsertJob persists a scheduled unit of work. The ledger holds at most one
// row per (campaign, step, contact, pattern) tuple: re-registering after a
// restart replaces instead of duplicating.
func (s *Store) UpsertJob(ctx context.Context, job models.ScheduledJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs (id, campaign_id, step_id, contact_id, pattern, execute_at, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (campaign_id, step_id, contact_id, pattern) DO UPDATE
		SET execute_at = EXCLUDED.execute_at,
		    status     = EXCLUDED.status,
		    expires_at = EXCLUDED.expires_at
	`, job.ID, job.CampaignID, job.StepID, nilToEmpty(job.ContactID), job.Pattern, job.ExecuteAt, job.Status, job.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// CompleteJob removes a one-shot ledger row once it has fired; recurring rows
// instead record the firing time and stay scheduled.
func (s *Store) CompleteJob(ctx context.Context, campaignID, stepID, contactID, pattern string, at time.Time) error {
	if pattern == "once" {
		_, err := s.pool.Exec(ctx, `
			DELETE FROM scheduled_jobs
			WHERE campaign_id = $1 AND step_id = $2 AND contact_id = $3 AND pattern = $4
		`, campaignID, stepID, contactID, pattern)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET last_execution_at = $5
		WHERE campaign_id = $1 AND step_id = $2 AND contact_id = $3 AND pattern = $4
	`, campaignID, stepID, contactID, pattern, at)
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return nil
}

// DeleteJobsForCampaign drops every ledger row of a campaign (pause, stop,
// delete).
func (s *Store) DeleteJobsForCampaign(ctx context.Context, campaignID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_jobs WHERE campaign_id = $1`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("delete campaign jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteJobsForStep drops ledger rows of a removed step.
func (s *Store) DeleteJobsForStep(ctx context.Context, campaignID, stepID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_jobs WHERE campaign_id = $1 AND step_id = $2`, campaignID, stepID)
	if err != nil {
		return 0, fmt.Errorf("delete step jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountPendingJobs reports how many ledger rows are still scheduled.
func (s *Store) CountPendingJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM scheduled_jobs WHERE status = $1
	`, models.JobScheduled).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

// SweepExpiredJobs deletes rows past their TTL, bounding ledger growth.
func (s *Store) SweepExpiredJobs(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_jobs WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
