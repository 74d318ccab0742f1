package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"whatsapp-campaign-engine/internal/models"
)

const progressColumns = `id, campaign_id, contact_id, current_day, has_replied, status, started_at, completed_at, updated_at`

// EnsureProgress returns the progress record for (campaign, contact),
// creating it lazily on first use.
func (s *Store) EnsureProgress(ctx context.Context, campaignID, contactID string, now time.Time) (models.ProgressRecord, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO progress_records (id, campaign_id, contact_id, current_day, status, started_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, $5, $5)
		ON CONFLICT (campaign_id, contact_id) DO NOTHING
	`, uuid.New().String(), campaignID, contactID, models.ProgressActive, now)
	if err != nil {
		return models.ProgressRecord{}, fmt.Errorf("ensure progress: %w", err)
	}
	return s.GetProgress(ctx, campaignID, contactID)
}

// GetProgress fetches the record for (campaign, contact).
func (s *Store) GetProgress(ctx context.Context, campaignID, contactID string) (models.ProgressRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+progressColumns+` FROM progress_records WHERE campaign_id = $1 AND contact_id = $2
	`, campaignID, contactID)
	rec, err := scanProgress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProgressRecord{}, fmt.Errorf("progress %s/%s: %w", campaignID, contactID, ErrNotFound)
	}
	if err != nil {
		return models.ProgressRecord{}, fmt.Errorf("get progress: %w", err)
	}
	return rec, nil
}

// ClaimParams identifies one intended send attempt.
type ClaimParams struct {
	CampaignID  string
	ContactID   string
	StepID      string
	Day         int
	Sequence    int
	DedupKey    string
	ScheduledAt time.Time
	Window      time.Duration
}

// ClaimSend appends a pending history entry for the attempt.
// It returns false when the entry already exists (exact duplicate via the
// unique dedup key) or when another entry for the same (day, sequence) sits
// inside the adjacency window, the clock-skew guard. A false return is the
// idempotent skip: not an error. The adjacency check rides inside the insert
// so the claim stays one atomic statement; a zero window disables it.
func (s *Store) ClaimSend(ctx context.Context, p ClaimParams) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO progress_history (id, campaign_id, contact_id, step_id, day, sequence, dedup_key, outcome, scheduled_at, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9::timestamptz, NOW()
		WHERE NOT EXISTS (
			SELECT 1 FROM progress_history
			WHERE $10::float8 > 0
			  AND campaign_id = $2 AND contact_id = $3 AND day = $5 AND sequence = $6
			  AND dedup_key <> $7
			  AND scheduled_at BETWEEN $9::timestamptz - make_interval(secs => $10) AND $9::timestamptz + make_interval(secs => $10)
		)
		ON CONFLICT (campaign_id, contact_id, dedup_key) DO NOTHING
	`, uuid.New().String(), p.CampaignID, p.ContactID, p.StepID, p.Day, p.Sequence, p.DedupKey, models.OutcomePending, p.ScheduledAt, p.Window.Seconds())
	if err != nil {
		return false, fmt.Errorf("claim send: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordOutcome finalizes a claimed history entry with the transport result.
func (s *Store) RecordOutcome(ctx context.Context, campaignID, contactID, dedupKey, outcome string, providerMessageID, sendErr *string, at time.Time) error {
	var sentAt *time.Time
	if outcome == models.OutcomeSent {
		sentAt = &at
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE progress_history
		SET outcome = $4, provider_message_id = $5, error = $6, sent_at = $7
		WHERE campaign_id = $1 AND contact_id = $2 AND dedup_key = $3
	`, campaignID, contactID, dedupKey, outcome, providerMessageID, sendErr, sentAt)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("history entry %s: %w", dedupKey, ErrNotFound)
	}
	return nil
}

// ListDayHistory returns the contact's history entries for one fixed-campaign
// day, used by the advancement check.
func (s *Store) ListDayHistory(ctx context.Context, campaignID, contactID string, day int) ([]models.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, campaign_id, contact_id, step_id, day, sequence, dedup_key, outcome,
		       provider_message_id, error, retry_count, scheduled_at, sent_at, created_at
		FROM progress_history
		WHERE campaign_id = $1 AND contact_id = $2 AND day = $3
		ORDER BY sequence
	`, campaignID, contactID, day)
	if err != nil {
		return nil, fmt.Errorf("list day history: %w", err)
	}
	defer rows.Close()

	var out []models.HistoryEntry
	for rows.Next() {
		var h models.HistoryEntry
		if err := rows.Scan(&h.ID, &h.CampaignID, &h.ContactID, &h.StepID, &h.Day, &h.Sequence, &h.DedupKey,
			&h.Outcome, &h.ProviderMessageID, &h.Error, &h.RetryCount, &h.ScheduledAt, &h.SentAt, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// AdvanceDay applies an advanced progress record with a conditional update:
// it only succeeds while the stored current_day still matches expectedDay, so
// two firings for the same contact can never advance twice. The status is only
// written on completion; otherwise the stored value wins, so a reply landing
// between read and advance is not reverted.
func (s *Store) AdvanceDay(ctx context.Context, rec models.ProgressRecord, expectedDay int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE progress_records
		SET current_day = $2,
		    status = CASE WHEN $3::text = 'completed' THEN $3 ELSE status END,
		    completed_at = $4, updated_at = $5
		WHERE id = $1 AND current_day = $6
	`, rec.ID, rec.CurrentDay, rec.Status, rec.CompletedAt, rec.UpdatedAt, expectedDay)
	if err != nil {
		return false, fmt.Errorf("advance day: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkReplied flips the reply flag on every still-active progress record of
// the contact with the given phone in the tenant. Returns how many records
// were updated.
func (s *Store) MarkReplied(ctx context.Context, tenant, phone string, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE progress_records pr
		SET has_replied = TRUE, status = $1, updated_at = $4
		FROM contacts ct
		JOIN campaigns c ON c.tenant = ct.tenant
		WHERE pr.contact_id = ct.id AND pr.campaign_id = c.id
		  AND ct.tenant = $2 AND ct.phone = $3
		  AND pr.status = $5 AND pr.has_replied = FALSE
	`, models.ProgressReplied, tenant, phone, at, models.ProgressActive)
	if err != nil {
		return 0, fmt.Errorf("mark replied: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanProgress(row pgx.Row) (models.ProgressRecord, error) {
	var rec models.ProgressRecord
	err := row.Scan(&rec.ID, &rec.CampaignID, &rec.ContactID, &rec.CurrentDay, &rec.HasReplied,
		&rec.Status, &rec.StartedAt, &rec.CompletedAt, &rec.UpdatedAt)
	return rec, err
}
