package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"whatsapp-campaign-engine/internal/models"
)

const stepColumns = `id, campaign_id, day, sequence, content_kind, payload, time_of_day, day_of_week, day_of_month, condition, created_at`

// CreateStep inserts a step. A zero sequence appends after the day's current
// highest; the subselect and the unique constraint keep concurrent appends
// from colliding silently.
func (s *Store) CreateStep(ctx context.Context, st models.CampaignStep) (models.CampaignStep, error) {
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	if st.Day <= 0 {
		st.Day = 1
	}
	if st.Condition == "" {
		st.Condition = models.CondAlways
	}
	kind, payload, err := models.MarshalPayload(st.Payload)
	if err != nil {
		return models.CampaignStep{}, fmt.Errorf("create step: %w", err)
	}

	if st.Sequence > 0 {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO campaign_steps (id, campaign_id, day, sequence, content_kind, payload, time_of_day, day_of_week, day_of_month, condition)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, st.ID, st.CampaignID, st.Day, st.Sequence, kind, payload, st.TimeOfDay, st.DayOfWeek, st.DayOfMonth, st.Condition)
	} else {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO campaign_steps (id, campaign_id, day, sequence, content_kind, payload, time_of_day, day_of_week, day_of_month, condition)
			VALUES ($1, $2, $3,
				COALESCE((SELECT MAX(sequence) FROM campaign_steps WHERE campaign_id = $2 AND day = $3), 0) + 1,
				$4, $5, $6, $7, $8, $9)
		`, st.ID, st.CampaignID, st.Day, kind, payload, st.TimeOfDay, st.DayOfWeek, st.DayOfMonth, st.Condition)
	}
	if err != nil {
		return models.CampaignStep{}, fmt.Errorf("create step: %w", err)
	}
	return s.GetStep(ctx, st.ID)
}

// ListSteps returns a campaign's steps ordered by (day, sequence).
func (s *Store) ListSteps(ctx context.Context, campaignID string) ([]models.CampaignStep, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stepColumns+` FROM campaign_steps WHERE campaign_id = $1 ORDER BY day, sequence`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []models.CampaignStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetStep fetches one step by id.
func (s *Store) GetStep(ctx context.Context, id string) (models.CampaignStep, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM campaign_steps WHERE id = $1`, id)
	st, err := scanStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CampaignStep{}, fmt.Errorf("step %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.CampaignStep{}, fmt.Errorf("get step: %w", err)
	}
	return st, nil
}

// DeleteStep removes a step and re-sequences the remaining steps of the same
// day so sequence numbers stay contiguous starting at 1. Both happen in one
// transaction.
func (s *Store) DeleteStep(ctx context.Context, id string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op after commit

	var campaignID string
	var day int
	err = tx.QueryRow(ctx, `DELETE FROM campaign_steps WHERE id = $1 RETURNING campaign_id, day`, id).Scan(&campaignID, &day)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("step %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete step: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, sequence FROM campaign_steps
		WHERE campaign_id = $1 AND day = $2
		ORDER BY sequence
		FOR UPDATE
	`, campaignID, day)
	if err != nil {
		return fmt.Errorf("load survivors: %w", err)
	}
	var survivors []stepOrder
	for rows.Next() {
		var st stepOrder
		if err := rows.Scan(&st.ID, &st.Sequence); err != nil {
			rows.Close()
			return fmt.Errorf("scan survivor: %w", err)
		}
		survivors = append(survivors, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load survivors: %w", err)
	}

	for _, st := range resequence(survivors) {
		if _, err := tx.Exec(ctx, `UPDATE campaign_steps SET sequence = $2 WHERE id = $1`, st.ID, st.Sequence); err != nil {
			return fmt.Errorf("resequence step %s: %w", st.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// stepOrder is the slice of a step the renumbering needs.
type stepOrder struct {
	ID       string
	Sequence int
}

// resequence renumbers survivors, already ordered by sequence, to a contiguous
// run starting at 1. It returns only the entries that change. Each changed
// entry moves down into a freed slot, so applying the updates in the returned
// order never collides with the (campaign_id, day, sequence) unique constraint.
func resequence(steps []stepOrder) []stepOrder {
	var changed []stepOrder
	for i, st := range steps {
		if want := i + 1; st.Sequence != want {
			changed = append(changed, stepOrder{ID: st.ID, Sequence: want})
		}
	}
	return changed
}

func scanStep(row pgx.Row) (models.CampaignStep, error) {
	var (
		st      models.CampaignStep
		kind    string
		payload []byte
	)
	err := row.Scan(&st.ID, &st.CampaignID, &st.Day, &st.Sequence, &kind, &payload,
		&st.TimeOfDay, &st.DayOfWeek, &st.DayOfMonth, &st.Condition, &st.CreatedAt)
	if err != nil {
		return models.CampaignStep{}, err
	}
	p, err := models.UnmarshalPayload(kind, payload)
	if err != nil {
		return models.CampaignStep{}, err
	}
	st.Payload = p
	return st, nil
}
