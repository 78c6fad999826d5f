package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// CreateThread mints a new thread.
func (s *Store) CreateThread(ctx context.Context, t *Thread) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	t.IsActive = true

	query := `INSERT INTO email_threads (id, organization_id, subject, normalized_subject,
		last_message_at, last_message_from, message_count, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, $9)`

	_, err := s.db.ExecContext(ctx, query, t.ID, t.OrganizationID, t.Subject, t.NormalizedSubject,
		t.LastMessageAt, t.LastMessageFrom, t.MessageCount, t.CreatedAt, t.UpdatedAt)
	return err
}

// GetThread retrieves a thread by ID.
func (s *Store) GetThread(ctx context.Context, threadID uuid.UUID) (*Thread, error) {
	query := `SELECT id, organization_id, subject, normalized_subject, last_message_at,
		last_message_from, message_count, is_active, created_at, updated_at
		FROM email_threads WHERE id = $1`

	t := &Thread{}
	err := s.db.QueryRowContext(ctx, query, threadID).Scan(
		&t.ID, &t.OrganizationID, &t.Subject, &t.NormalizedSubject, &t.LastMessageAt,
		&t.LastMessageFrom, &t.MessageCount, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// FindActiveThreadBySubject looks up an active thread whose normalized
// subject matches, for reply correlation. Most recent wins.
func (s *Store) FindActiveThreadBySubject(ctx context.Context, orgID uuid.UUID, normalizedSubject string) (*Thread, error) {
	if normalizedSubject == "" {
		return nil, nil
	}
	query := `SELECT id, organization_id, subject, normalized_subject, last_message_at,
		last_message_from, message_count, is_active, created_at, updated_at
		FROM email_threads
		WHERE organization_id = $1 AND normalized_subject = $2 AND is_active
		ORDER BY last_message_at DESC NULLS LAST
		LIMIT 1`

	t := &Thread{}
	err := s.db.QueryRowContext(ctx, query, orgID, normalizedSubject).Scan(
		&t.ID, &t.OrganizationID, &t.Subject, &t.NormalizedSubject, &t.LastMessageAt,
		&t.LastMessageFrom, &t.MessageCount, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// TouchThread upserts thread activity for an incoming message: last
// message timestamp and sender, and reactivation if the thread had been
// deactivated. The message counter is bumped separately, only when the
// message row actually inserted.
func (s *Store) TouchThread(ctx context.Context, t *Thread, lastFrom string, lastAt time.Time) error {
	query := `INSERT INTO email_threads (id, organization_id, subject, normalized_subject,
		last_message_at, last_message_from, message_count, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, TRUE, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			last_message_at = EXCLUDED.last_message_at,
			last_message_from = EXCLUDED.last_message_from,
			is_active = TRUE,
			updated_at = NOW()`

	_, err := s.db.ExecContext(ctx, query, t.ID, t.OrganizationID, t.Subject,
		t.NormalizedSubject, lastAt, lastFrom)
	return err
}

// IncrementThreadCount bumps the cached message counter.
func (s *Store) IncrementThreadCount(ctx context.Context, threadID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_threads SET message_count = message_count + 1, updated_at = NOW() WHERE id = $1`,
		threadID)
	return err
}

// RecountThread recomputes the cached counter from message rows. The
// counter is a cache, not a source of truth; this repairs drift left by
// a crash between message insert and counter bump.
func (s *Store) RecountThread(ctx context.Context, threadID uuid.UUID) error {
	query := `UPDATE email_threads SET
		message_count = (SELECT COUNT(*) FROM inbox_messages WHERE thread_id = $1),
		updated_at = NOW()
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, threadID)
	return err
}

// DeactivateThread soft-closes a thread. Threads are never deleted.
func (s *Store) DeactivateThread(ctx context.Context, threadID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_threads SET is_active = FALSE, updated_at = NOW() WHERE id = $1`,
		threadID)
	return err
}
