package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"whatsapp-campaign-engine/internal/models"
)

const campaignColumns = `id, tenant, name, cadence_type, status, segment_ids, default_time_of_day,
	repeat_limit, executed_count, last_execution_at, next_execution_at, total_days, created_at, updated_at`

// CreateCampaign inserts a campaign in draft status unless one was given.
func (s *Store) CreateCampaign(ctx context.Context, c models.Campaign) (models.Campaign, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = models.CampaignDraft
	}
	if c.SegmentIDs == nil {
		c.SegmentIDs = []string{}
	}
	segments, err := json.Marshal(c.SegmentIDs)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("marshal segment ids: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO campaigns (id, tenant, name, cadence_type, status, segment_ids, default_time_of_day, repeat_limit, total_days)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.Tenant, c.Name, c.Cadence, c.Status, segments, c.DefaultTimeOfDay, c.RepeatLimit, c.TotalDays)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("create campaign: %w", err)
	}
	return s.GetCampaign(ctx, c.ID)
}

// DeleteCampaign removes a campaign; steps, progress, history, and ledger
// rows go with it through the foreign keys.
func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetCampaign fetches a campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id string) (models.Campaign, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Campaign{}, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Campaign{}, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// ListActiveCampaigns returns every campaign with status active. This is the
// crash-recovery query: each one is re-activated on startup.
func (s *Store) ListActiveCampaigns(ctx context.Context) ([]models.Campaign, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE status = $1 ORDER BY created_at`, models.CampaignActive)
	if err != nil {
		return nil, fmt.Errorf("list active campaigns: %w", err)
	}
	defer rows.Close()

	var out []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetCampaignStatus updates the lifecycle status.
func (s *Store) SetCampaignStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE campaigns SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set campaign status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordExecution bumps the execution counters after a batch and returns the
// new executed count so the caller can enforce repeat limits.
func (s *Store) RecordExecution(ctx context.Context, id string, at time.Time, next *time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE campaigns
		SET executed_count = executed_count + 1, last_execution_at = $2, next_execution_at = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING executed_count
	`, id, at, next).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("record execution: %w", err)
	}
	return count, nil
}

// AppendEvent adds an operational log row for a campaign.
func (s *Store) AppendEvent(ctx context.Context, campaignID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO campaign_events (campaign_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, campaignID, event, detail)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func scanCampaign(row pgx.Row) (models.Campaign, error) {
	var (
		c        models.Campaign
		segments []byte
	)
	err := row.Scan(&c.ID, &c.Tenant, &c.Name, &c.Cadence, &c.Status, &segments, &c.DefaultTimeOfDay,
		&c.RepeatLimit, &c.ExecutedCount, &c.LastExecutionAt, &c.NextExecutionAt, &c.TotalDays, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return models.Campaign{}, err
	}
	if err := json.Unmarshal(segments, &c.SegmentIDs); err != nil {
		return models.Campaign{}, fmt.Errorf("unmarshal segment ids: %w", err)
	}
	return c, nil
}
