package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// ErrUnknownLinkStatus is returned for a transition to a status outside
// the delivery state machine.
var ErrUnknownLinkStatus = errors.New("store: unknown link status")

// EnsureLink creates the pending link row for a (campaign, contact)
// pair if it does not exist yet.
func (s *Store) EnsureLink(ctx context.Context, campaignID, contactID uuid.UUID) error {
	query := `INSERT INTO campaign_contacts (campaign_id, contact_id, status, updated_at)
		VALUES ($1, $2, 'pending', NOW())
		ON CONFLICT (campaign_id, contact_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query, campaignID, contactID)
	return err
}

// GetLink retrieves the delivery link for a (campaign, contact) pair.
func (s *Store) GetLink(ctx context.Context, campaignID, contactID uuid.UUID) (*ContactLink, error) {
	query := `SELECT campaign_id, contact_id, status, provider_message_id, sent_at, replied_at, updated_at
		FROM campaign_contacts WHERE campaign_id = $1 AND contact_id = $2`

	l := &ContactLink{}
	err := s.db.QueryRowContext(ctx, query, campaignID, contactID).Scan(
		&l.CampaignID, &l.ContactID, &l.Status, &l.ProviderMessageID, &l.SentAt, &l.RepliedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// TransitionLink advances the delivery state machine for a recipient.
// The guard is expressed in SQL so a stale caller can never regress a
// link: the row only changes when the new state ranks strictly above
// the current one. Returns true when the transition was applied.
func (s *Store) TransitionLink(ctx context.Context, campaignID, contactID uuid.UUID, newStatus string) (bool, error) {
	if linkStageRank(newStatus) < 0 {
		return false, ErrUnknownLinkStatus
	}

	query := `UPDATE campaign_contacts
		SET status = $3,
			sent_at = CASE WHEN $3 = 'sent' THEN NOW() ELSE sent_at END,
			replied_at = CASE WHEN $3 = 'replied' THEN NOW() ELSE replied_at END,
			updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2
		AND (CASE status
			WHEN 'pending' THEN 0 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2
			WHEN 'opened' THEN 3 WHEN 'clicked' THEN 4 ELSE 5 END)
		< (CASE $3
			WHEN 'pending' THEN 0 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2
			WHEN 'opened' THEN 3 WHEN 'clicked' THEN 4 ELSE 5 END)`

	res, err := s.db.ExecContext(ctx, query, campaignID, contactID, newStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkLinkSent records a successful send on the link: sent status,
// sent_at, and the provider message id used later for correlation.
func (s *Store) MarkLinkSent(ctx context.Context, campaignID, contactID uuid.UUID, providerMessageID string) error {
	query := `UPDATE campaign_contacts
		SET status = 'sent', provider_message_id = $3, sent_at = NOW(), updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2 AND status = 'pending'`
	_, err := s.db.ExecContext(ctx, query, campaignID, contactID, providerMessageID)
	return err
}

// FindCampaignForSender locates a campaign whose recipient list
// contains the given sender address, for reply correlation. Prefers
// the most recently contacted link. Returns (nil, nil, nil) when no
// campaign matches.
func (s *Store) FindCampaignForSender(ctx context.Context, orgID uuid.UUID, senderEmail string) (*uuid.UUID, *uuid.UUID, error) {
	query := `SELECT cc.campaign_id, cc.contact_id
		FROM campaign_contacts cc
		JOIN contacts c ON c.id = cc.contact_id
		JOIN campaigns cam ON cam.id = cc.campaign_id
		WHERE cam.organization_id = $1 AND LOWER(c.email) = LOWER($2)
			AND cc.status <> 'pending'
		ORDER BY cc.sent_at DESC NULLS LAST
		LIMIT 1`

	var campaignID, contactID uuid.UUID
	err := s.db.QueryRowContext(ctx, query, orgID, senderEmail).Scan(&campaignID, &contactID)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return &campaignID, &contactID, nil
}
