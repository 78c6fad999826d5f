// Package store provides PostgreSQL persistence for the outreach
// engine: accounts, send attempts, events, delivery links, inbox
// messages, threads, verdicts, and contacts.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"
)

// Store provides database operations for all engine entities
type Store struct {
	db *sql.DB
}

// NewStore creates a new store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for advisory locks and transactions
// owned by other components.
func (s *Store) DB() *sql.DB {
	return s.db
}

// HashEmail creates a SHA256 hash of an email address
func HashEmail(email string) string {
	h := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(h[:])
}

// EnsureSchema creates engine tables if they do not exist. Idempotent;
// run at startup by both binaries.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id UUID PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			plan VARCHAR(50) DEFAULT 'starter',
			monthly_limit INT DEFAULT 1000,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS mail_accounts (
			id UUID PRIMARY KEY,
			organization_id UUID NOT NULL,
			provider VARCHAR(20) NOT NULL,
			email VARCHAR(320) NOT NULL,
			display_name VARCHAR(255) DEFAULT '',
			access_token_enc BYTEA,
			refresh_token_enc BYTEA,
			token_expires_at TIMESTAMP WITH TIME ZONE,
			token_version INT DEFAULT 0,
			daily_limit INT DEFAULT 50,
			status VARCHAR(20) DEFAULT 'connecting',
			last_error TEXT DEFAULT '',
			last_synced_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			UNIQUE (organization_id, email)
		)`,
		`CREATE TABLE IF NOT EXISTS account_send_counters (
			account_id UUID NOT NULL,
			day DATE NOT NULL,
			sent_count INT DEFAULT 0,
			PRIMARY KEY (account_id, day)
		)`,
		`CREATE TABLE IF NOT EXISTS org_send_counters (
			organization_id UUID NOT NULL,
			month DATE NOT NULL,
			sent_count INT DEFAULT 0,
			PRIMARY KEY (organization_id, month)
		)`,
		`CREATE TABLE IF NOT EXISTS send_attempts (
			id UUID PRIMARY KEY,
			organization_id UUID NOT NULL,
			account_id UUID NOT NULL,
			campaign_id UUID,
			contact_id UUID,
			recipient VARCHAR(320) NOT NULL,
			subject TEXT DEFAULT '',
			tracking_id VARCHAR(128) DEFAULT '',
			provider_message_id VARCHAR(255) DEFAULT '',
			provider_thread_id VARCHAR(255) DEFAULT '',
			status VARCHAR(20) DEFAULT 'sent',
			error TEXT DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS email_events (
			id UUID PRIMARY KEY,
			organization_id UUID NOT NULL,
			account_id UUID,
			attempt_id UUID,
			campaign_id UUID,
			contact_id UUID,
			event_type VARCHAR(20) NOT NULL,
			metadata JSONB DEFAULT '{}',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_email_events_attempt ON email_events (attempt_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			id UUID PRIMARY KEY,
			organization_id UUID NOT NULL,
			name VARCHAR(255) NOT NULL,
			type VARCHAR(50) DEFAULT 'outreach',
			subject TEXT DEFAULT '',
			body_html TEXT DEFAULT '',
			status VARCHAR(20) DEFAULT 'active',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS campaign_contacts (
			campaign_id UUID NOT NULL,
			contact_id UUID NOT NULL,
			status VARCHAR(20) DEFAULT 'pending',
			provider_message_id VARCHAR(255) DEFAULT '',
			sent_at TIMESTAMP WITH TIME ZONE,
			replied_at TIMESTAMP WITH TIME ZONE,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (campaign_id, contact_id)
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id UUID PRIMARY KEY,
			organization_id UUID NOT NULL,
			email VARCHAR(320) NOT NULL,
			first_name VARCHAR(255) DEFAULT '',
			last_name VARCHAR(255) DEFAULT '',
			company VARCHAR(255) DEFAULT '',
			phone VARCHAR(50) DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			UNIQUE (organization_id, email)
		)`,
		`CREATE TABLE IF NOT EXISTS email_threads (
			id UUID PRIMARY KEY,
			organization_id UUID NOT NULL,
			subject TEXT DEFAULT '',
			normalized_subject TEXT DEFAULT '',
			last_message_at TIMESTAMP WITH TIME ZONE,
			last_message_from VARCHAR(320) DEFAULT '',
			message_count INT DEFAULT 0,
			is_active BOOLEAN DEFAULT TRUE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_subject ON email_threads (organization_id, normalized_subject) WHERE is_active`,
		`CREATE TABLE IF NOT EXISTS inbox_messages (
			id UUID PRIMARY KEY,
			organization_id UUID NOT NULL,
			account_id UUID NOT NULL,
			thread_id UUID NOT NULL,
			provider_message_id VARCHAR(255) NOT NULL,
			direction VARCHAR(10) DEFAULT 'inbound',
			from_email VARCHAR(320) DEFAULT '',
			from_name VARCHAR(255) DEFAULT '',
			subject TEXT DEFAULT '',
			content TEXT DEFAULT '',
			html_content TEXT DEFAULT '',
			message_type VARCHAR(10) DEFAULT 'new',
			confidence_score DOUBLE PRECISION DEFAULT 0,
			campaign_id UUID,
			contact_id UUID,
			is_read BOOLEAN DEFAULT FALSE,
			is_archived BOOLEAN DEFAULT FALSE,
			is_starred BOOLEAN DEFAULT FALSE,
			received_at TIMESTAMP WITH TIME ZONE NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			UNIQUE (account_id, provider_message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS classification_verdicts (
			message_id UUID PRIMARY KEY,
			organization_id UUID NOT NULL,
			intent VARCHAR(50) DEFAULT '',
			sentiment VARCHAR(50) DEFAULT '',
			confidence DOUBLE PRECISION DEFAULT 0,
			priority VARCHAR(20) DEFAULT '',
			tags TEXT[] DEFAULT '{}',
			requires_human_attention BOOLEAN DEFAULT FALSE,
			next_action TEXT DEFAULT '',
			reasoning TEXT DEFAULT '',
			suggested_response TEXT DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS send_queue (
			id UUID PRIMARY KEY,
			organization_id UUID NOT NULL,
			account_id UUID NOT NULL,
			campaign_id UUID,
			contact_id UUID,
			recipient VARCHAR(320) NOT NULL,
			subject TEXT DEFAULT '',
			body_html TEXT DEFAULT '',
			status VARCHAR(20) DEFAULT 'queued',
			attempts INT DEFAULT 0,
			last_error TEXT DEFAULT '',
			scheduled_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_send_queue_due ON send_queue (scheduled_at) WHERE status = 'queued'`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
