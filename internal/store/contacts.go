package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UpsertContact creates or refreshes a contact keyed by (organization,
// email) and returns its ID. Blank incoming fields never blank out
// values already on file.
func (s *Store) UpsertContact(ctx context.Context, c *Contact) (uuid.UUID, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	now := time.Now()

	query := `INSERT INTO contacts (id, organization_id, email, first_name, last_name, company, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (organization_id, email) DO UPDATE SET
			first_name = CASE WHEN EXCLUDED.first_name <> '' THEN EXCLUDED.first_name ELSE contacts.first_name END,
			last_name = CASE WHEN EXCLUDED.last_name <> '' THEN EXCLUDED.last_name ELSE contacts.last_name END,
			company = CASE WHEN EXCLUDED.company <> '' THEN EXCLUDED.company ELSE contacts.company END,
			phone = CASE WHEN EXCLUDED.phone <> '' THEN EXCLUDED.phone ELSE contacts.phone END,
			updated_at = EXCLUDED.updated_at
		RETURNING id`

	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, query, c.ID, c.OrganizationID, c.Email, c.FirstName,
		c.LastName, c.Company, c.Phone, now).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	c.ID = id
	return id, nil
}

// GetContactByEmail looks up a contact by (organization, email).
func (s *Store) GetContactByEmail(ctx context.Context, orgID uuid.UUID, email string) (*Contact, error) {
	query := `SELECT id, organization_id, email, first_name, last_name, company, phone, created_at, updated_at
		FROM contacts WHERE organization_id = $1 AND email = LOWER($2)`

	c := &Contact{}
	err := s.db.QueryRowContext(ctx, query, orgID, strings.TrimSpace(email)).Scan(
		&c.ID, &c.OrganizationID, &c.Email, &c.FirstName, &c.LastName, &c.Company, &c.Phone,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetContact retrieves a contact by ID.
func (s *Store) GetContact(ctx context.Context, contactID uuid.UUID) (*Contact, error) {
	query := `SELECT id, organization_id, email, first_name, last_name, company, phone, created_at, updated_at
		FROM contacts WHERE id = $1`

	c := &Contact{}
	err := s.db.QueryRowContext(ctx, query, contactID).Scan(
		&c.ID, &c.OrganizationID, &c.Email, &c.FirstName, &c.LastName, &c.Company, &c.Phone,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetCampaign retrieves campaign context for classification.
func (s *Store) GetCampaign(ctx context.Context, campaignID uuid.UUID) (*Campaign, error) {
	query := `SELECT id, organization_id, name, type, subject, body_html, status, created_at, updated_at
		FROM campaigns WHERE id = $1`

	c := &Campaign{}
	err := s.db.QueryRowContext(ctx, query, campaignID).Scan(
		&c.ID, &c.OrganizationID, &c.Name, &c.Type, &c.Subject, &c.BodyHTML, &c.Status,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}
