package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InsertEvent appends one audit log entry. Events are never updated or
// deleted; they are the canonical delivery history.
func (s *Store) InsertEvent(ctx context.Context, e *EmailEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now()

	query := `INSERT INTO email_events (id, organization_id, account_id, attempt_id,
		campaign_id, contact_id, event_type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query, e.ID, e.OrganizationID, e.AccountID, e.AttemptID,
		e.CampaignID, e.ContactID, e.EventType, e.Metadata, e.CreatedAt)
	return err
}

// GetEventsForAttempt returns the audit trail for one send attempt in
// creation order.
func (s *Store) GetEventsForAttempt(ctx context.Context, attemptID uuid.UUID) ([]*EmailEvent, error) {
	query := `SELECT id, organization_id, account_id, attempt_id, campaign_id, contact_id,
		event_type, metadata, created_at
		FROM email_events WHERE attempt_id = $1 ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*EmailEvent
	for rows.Next() {
		e := &EmailEvent{}
		err := rows.Scan(&e.ID, &e.OrganizationID, &e.AccountID, &e.AttemptID,
			&e.CampaignID, &e.ContactID, &e.EventType, &e.Metadata, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
