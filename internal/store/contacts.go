package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"whatsapp-campaign-engine/internal/models"
)

// UpsertContact inserts a contact or refreshes the name and segments of an
// existing (tenant, phone) pair.
func (s *Store) UpsertContact(ctx context.Context, ct models.Contact) (models.Contact, error) {
	if ct.ID == "" {
		ct.ID = uuid.New().String()
	}
	if ct.SegmentIDs == nil {
		ct.SegmentIDs = []string{}
	}
	segments, err := json.Marshal(ct.SegmentIDs)
	if err != nil {
		return models.Contact{}, fmt.Errorf("marshal segment ids: %w", err)
	}
	var id string
	err = s.pool.QueryRow(ctx, `
		INSERT INTO contacts (id, tenant, phone, name, segment_ids)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant, phone) DO UPDATE SET name = EXCLUDED.name, segment_ids = EXCLUDED.segment_ids
		RETURNING id
	`, ct.ID, ct.Tenant, ct.Phone, ct.Name, segments).Scan(&id)
	if err != nil {
		return models.Contact{}, fmt.Errorf("upsert contact: %w", err)
	}
	return s.GetContact(ctx, id)
}

// ResolveRecipients returns every contact of the tenant whose segment
// membership overlaps the campaign's selector. Membership is evaluated at
// call time: contacts added after activation are included on the next fire.
func (s *Store) ResolveRecipients(ctx context.Context, tenant string, segmentIDs []string) ([]models.Contact, error) {
	if len(segmentIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant, phone, name, segment_ids, created_at
		FROM contacts
		WHERE tenant = $1 AND segment_ids ?| $2
		ORDER BY created_at
	`, tenant, segmentIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	defer rows.Close()

	var out []models.Contact
	for rows.Next() {
		ct, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

// GetContact fetches one contact by id.
func (s *Store) GetContact(ctx context.Context, id string) (models.Contact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant, phone, name, segment_ids, created_at FROM contacts WHERE id = $1
	`, id)
	ct, err := scanContact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Contact{}, fmt.Errorf("contact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Contact{}, fmt.Errorf("get contact: %w", err)
	}
	return ct, nil
}

func scanContact(row pgx.Row) (models.Contact, error) {
	var (
		ct       models.Contact
		segments []byte
	)
	if err := row.Scan(&ct.ID, &ct.Tenant, &ct.Phone, &ct.Name, &segments, &ct.CreatedAt); err != nil {
		return models.Contact{}, err
	}
	if err := json.Unmarshal(segments, &ct.SegmentIDs); err != nil {
		return models.Contact{}, fmt.Errorf("unmarshal segment ids: %w", err)
	}
	return ct, nil
}
