package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// CreateAttempt records one outbound send attempt. Attempts are written
// once with their terminal state and never mutated afterwards.
func (s *Store) CreateAttempt(ctx context.Context, a *SendAttempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()

	query := `INSERT INTO send_attempts (id, organization_id, account_id, campaign_id, contact_id,
		recipient, subject, tracking_id, provider_message_id, provider_thread_id, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.db.ExecContext(ctx, query, a.ID, a.OrganizationID, a.AccountID, a.CampaignID,
		a.ContactID, a.Recipient, a.Subject, a.TrackingID, a.ProviderMessageID,
		a.ProviderThreadID, a.Status, a.Error, a.CreatedAt)
	return err
}

// GetAttemptByTrackingID resolves a tracking token back to its attempt,
// used by the open/click endpoints.
func (s *Store) GetAttemptByTrackingID(ctx context.Context, trackingID string) (*SendAttempt, error) {
	query := `SELECT id, organization_id, account_id, campaign_id, contact_id, recipient,
		subject, tracking_id, provider_message_id, provider_thread_id, status, error, created_at
		FROM send_attempts WHERE tracking_id = $1`

	a := &SendAttempt{}
	err := s.db.QueryRowContext(ctx, query, trackingID).Scan(
		&a.ID, &a.OrganizationID, &a.AccountID, &a.CampaignID, &a.ContactID, &a.Recipient,
		&a.Subject, &a.TrackingID, &a.ProviderMessageID, &a.ProviderThreadID,
		&a.Status, &a.Error, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// EnqueueSends adds items to the send queue in one batch.
func (s *Store) EnqueueSends(ctx context.Context, items []*QueueItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO send_queue (id, organization_id, account_id, campaign_id, contact_id,
		recipient, subject, body_html, status, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'queued', $9, NOW(), NOW())`

	for _, item := range items {
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		if item.ScheduledAt.IsZero() {
			item.ScheduledAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx, query, item.ID, item.OrganizationID, item.AccountID,
			item.CampaignID, item.ContactID, item.Recipient, item.Subject, item.BodyHTML,
			item.ScheduledAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DequeueSends claims up to limit due queue items. FOR UPDATE SKIP
// LOCKED lets multiple workers drain the queue without claiming the
// same rows.
func (s *Store) DequeueSends(ctx context.Context, limit int) ([]*QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `SELECT id, organization_id, account_id, campaign_id, contact_id, recipient,
		subject, body_html, status, attempts, last_error, scheduled_at, created_at, updated_at
		FROM send_queue
		WHERE status = 'queued' AND scheduled_at <= NOW()
		ORDER BY scheduled_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	rows, err := tx.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	var items []*QueueItem
	for rows.Next() {
		item := &QueueItem{}
		err := rows.Scan(&item.ID, &item.OrganizationID, &item.AccountID, &item.CampaignID,
			&item.ContactID, &item.Recipient, &item.Subject, &item.BodyHTML, &item.Status,
			&item.Attempts, &item.LastError, &item.ScheduledAt, &item.CreatedAt, &item.UpdatedAt)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, item := range items {
		if _, err := tx.ExecContext(ctx,
			`UPDATE send_queue SET status = 'sending', attempts = attempts + 1, updated_at = NOW() WHERE id = $1`,
			item.ID); err != nil {
			return nil, err
		}
		item.Status = QueueSending
		item.Attempts++
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return items, nil
}

// MarkQueueItemSent finalizes a queue item after a successful send.
func (s *Store) MarkQueueItemSent(ctx context.Context, itemID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE send_queue SET status = 'sent', last_error = '', updated_at = NOW() WHERE id = $1`,
		itemID)
	return err
}

// MarkQueueItemFailed records a failed delivery. Items under maxAttempts
// go back to queued with a delay; the rest fail terminally.
func (s *Store) MarkQueueItemFailed(ctx context.Context, itemID uuid.UUID, reason string, maxAttempts int, retryDelay time.Duration) error {
	query := `UPDATE send_queue
		SET status = CASE WHEN attempts < $3 THEN 'queued' ELSE 'failed' END,
			scheduled_at = CASE WHEN attempts < $3 THEN NOW() + make_interval(secs => $4) ELSE scheduled_at END,
			last_error = $2, updated_at = NOW()
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, itemID, reason, maxAttempts, retryDelay.Seconds())
	return err
}
