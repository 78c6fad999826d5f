package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// InsertInboxMessage persists one inbound message. The poller delivers
// at-least-once, so duplicates on (account, provider message id) are
// silently dropped; the bool reports whether a new row landed — callers
// must only bump thread counters on true.
func (s *Store) InsertInboxMessage(ctx context.Context, m *InboxMessage) (bool, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = time.Now()
	if m.Direction == "" {
		m.Direction = "inbound"
	}

	query := `INSERT INTO inbox_messages (id, organization_id, account_id, thread_id,
		provider_message_id, direction, from_email, from_name, subject, content, html_content,
		message_type, confidence_score, campaign_id, contact_id, received_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (account_id, provider_message_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, m.ID, m.OrganizationID, m.AccountID, m.ThreadID,
		m.ProviderMessageID, m.Direction, m.FromEmail, m.FromName, m.Subject, m.Content,
		m.HTMLContent, m.MessageType, m.ConfidenceScore, m.CampaignID, m.ContactID,
		m.ReceivedAt, m.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetInboxMessage retrieves one message by ID.
func (s *Store) GetInboxMessage(ctx context.Context, messageID uuid.UUID) (*InboxMessage, error) {
	query := `SELECT id, organization_id, account_id, thread_id, provider_message_id, direction,
		from_email, from_name, subject, content, html_content, message_type, confidence_score,
		campaign_id, contact_id, is_read, is_archived, is_starred, received_at, created_at
		FROM inbox_messages WHERE id = $1`

	m := &InboxMessage{}
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(
		&m.ID, &m.OrganizationID, &m.AccountID, &m.ThreadID, &m.ProviderMessageID, &m.Direction,
		&m.FromEmail, &m.FromName, &m.Subject, &m.Content, &m.HTMLContent, &m.MessageType,
		&m.ConfidenceScore, &m.CampaignID, &m.ContactID, &m.IsRead, &m.IsArchived, &m.IsStarred,
		&m.ReceivedAt, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListThreadMessages returns a thread's messages oldest first.
func (s *Store) ListThreadMessages(ctx context.Context, threadID uuid.UUID) ([]*InboxMessage, error) {
	query := `SELECT id, organization_id, account_id, thread_id, provider_message_id, direction,
		from_email, from_name, subject, content, html_content, message_type, confidence_score,
		campaign_id, contact_id, is_read, is_archived, is_starred, received_at, created_at
		FROM inbox_messages WHERE thread_id = $1 ORDER BY received_at`

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*InboxMessage
	for rows.Next() {
		m := &InboxMessage{}
		err := rows.Scan(&m.ID, &m.OrganizationID, &m.AccountID, &m.ThreadID, &m.ProviderMessageID,
			&m.Direction, &m.FromEmail, &m.FromName, &m.Subject, &m.Content, &m.HTMLContent,
			&m.MessageType, &m.ConfidenceScore, &m.CampaignID, &m.ContactID, &m.IsRead,
			&m.IsArchived, &m.IsStarred, &m.ReceivedAt, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// SetMessageFlags updates the mutable read/archive/star flags. Nil
// pointers leave a flag untouched.
func (s *Store) SetMessageFlags(ctx context.Context, messageID uuid.UUID, isRead, isArchived, isStarred *bool) error {
	query := `UPDATE inbox_messages SET
		is_read = COALESCE($2, is_read),
		is_archived = COALESCE($3, is_archived),
		is_starred = COALESCE($4, is_starred)
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, messageID, isRead, isArchived, isStarred)
	return err
}

// FindThreadBinding returns the campaign and contact bound to the most
// recent message in a thread that has one, or nils when the thread has
// never been correlated to a campaign.
func (s *Store) FindThreadBinding(ctx context.Context, threadID uuid.UUID) (*uuid.UUID, *uuid.UUID, error) {
	query := `SELECT campaign_id, contact_id FROM inbox_messages
		WHERE thread_id = $1 AND campaign_id IS NOT NULL
		ORDER BY received_at DESC LIMIT 1`

	var campaignID, contactID *uuid.UUID
	err := s.db.QueryRowContext(ctx, query, threadID).Scan(&campaignID, &contactID)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return campaignID, contactID, nil
}

// BackfillMessageContact attaches a contact to earlier messages from
// the same sender that were stored before the contact existed.
func (s *Store) BackfillMessageContact(ctx context.Context, orgID uuid.UUID, senderEmail string, contactID uuid.UUID) (int64, error) {
	query := `UPDATE inbox_messages SET contact_id = $3
		WHERE organization_id = $1 AND LOWER(from_email) = LOWER($2) AND contact_id IS NULL`
	res, err := s.db.ExecContext(ctx, query, orgID, senderEmail, contactID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
