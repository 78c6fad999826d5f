package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// UpsertVerdict persists the classifier output for a message. At most
// one verdict exists per message; reclassification replaces the row
// rather than appending.
func (s *Store) UpsertVerdict(ctx context.Context, v *Verdict) error {
	now := time.Now()
	v.CreatedAt = now
	v.UpdatedAt = now

	query := `INSERT INTO classification_verdicts (message_id, organization_id, intent, sentiment,
		confidence, priority, tags, requires_human_attention, next_action, reasoning,
		suggested_response, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (message_id) DO UPDATE SET
			intent = EXCLUDED.intent,
			sentiment = EXCLUDED.sentiment,
			confidence = EXCLUDED.confidence,
			priority = EXCLUDED.priority,
			tags = EXCLUDED.tags,
			requires_human_attention = EXCLUDED.requires_human_attention,
			next_action = EXCLUDED.next_action,
			reasoning = EXCLUDED.reasoning,
			suggested_response = EXCLUDED.suggested_response,
			updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query, v.MessageID, v.OrganizationID, v.Intent, v.Sentiment,
		v.Confidence, v.Priority, pq.Array(v.Tags), v.RequiresAttention, v.NextAction,
		v.Reasoning, v.SuggestedResponse, v.CreatedAt, v.UpdatedAt)
	return err
}

// GetVerdict retrieves the verdict for a message, nil when the message
// was never classified.
func (s *Store) GetVerdict(ctx context.Context, messageID uuid.UUID) (*Verdict, error) {
	query := `SELECT message_id, organization_id, intent, sentiment, confidence, priority, tags,
		requires_human_attention, next_action, reasoning, suggested_response, created_at, updated_at
		FROM classification_verdicts WHERE message_id = $1`

	v := &Verdict{}
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(
		&v.MessageID, &v.OrganizationID, &v.Intent, &v.Sentiment, &v.Confidence, &v.Priority,
		pq.Array(&v.Tags), &v.RequiresAttention, &v.NextAction, &v.Reasoning,
		&v.SuggestedResponse, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}
