package store

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Account status constants
const (
	AccountConnecting   = "connecting"
	AccountActive       = "active"
	AccountWarmingUp    = "warming_up"
	AccountError        = "error"
	AccountDisconnected = "disconnected"
)

// Provider kind constants
const (
	ProviderGmail = "gmail"
	ProviderGraph = "graph"
	ProviderSES   = "ses"
)

// Delivery status constants for campaign contact links
const (
	LinkPending      = "pending"
	LinkSent         = "sent"
	LinkDelivered    = "delivered"
	LinkOpened       = "opened"
	LinkClicked      = "clicked"
	LinkBounced      = "bounced"
	LinkReplied      = "replied"
	LinkUnsubscribed = "unsubscribed"
)

// Event type constants
const (
	EventSent      = "sent"
	EventDelivered = "delivered"
	EventOpened    = "opened"
	EventClicked   = "clicked"
	EventBounced   = "bounced"
	EventReplied   = "replied"
	EventFailed    = "failed"
)

// Message type constants for inbound mail
const (
	MessageNew     = "new"
	MessageReply   = "reply"
	MessageForward = "forward"
)

// Send queue status constants
const (
	QueueQueued  = "queued"
	QueueSending = "sending"
	QueueSent    = "sent"
	QueueFailed  = "failed"
)

// JSON helper type for JSONB fields
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(b, j)
}

// Organization represents a tenant. MonthlyLimit comes from the plan;
// plan content itself lives outside this core.
type Organization struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Plan         string    `json:"plan" db:"plan"`
	MonthlyLimit int       `json:"monthly_limit" db:"monthly_limit"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Account represents a connected mailbox used to send and receive on
// behalf of an organization. Credential blobs are encrypted at rest by
// the vault; this layer never sees plaintext tokens.
type Account struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	OrganizationID  uuid.UUID  `json:"organization_id" db:"organization_id"`
	Provider        string     `json:"provider" db:"provider"`
	Email           string     `json:"email" db:"email"`
	DisplayName     string     `json:"display_name" db:"display_name"`
	AccessTokenEnc  []byte     `json:"-" db:"access_token_enc"`
	RefreshTokenEnc []byte     `json:"-" db:"refresh_token_enc"`
	TokenExpiresAt  *time.Time `json:"token_expires_at" db:"token_expires_at"`
	TokenVersion    int        `json:"-" db:"token_version"`
	DailySent       int        `json:"daily_sent" db:"daily_sent"`
	DailyLimit      int        `json:"daily_limit" db:"daily_limit"`
	Status          string     `json:"status" db:"status"`
	LastError       *string    `json:"last_error,omitempty" db:"last_error"`
	LastSyncedAt    *time.Time `json:"last_synced_at" db:"last_synced_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// Sendable reports whether the account may be used for outbound sends.
func (a *Account) Sendable() bool {
	return a.Status == AccountActive || a.Status == AccountWarmingUp
}

// SendAttempt ties a (campaign, contact, account) triple to a provider
// message id and tracking id. Created once per send, never mutated
// after reaching a terminal state.
type SendAttempt struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	OrganizationID    uuid.UUID  `json:"organization_id" db:"organization_id"`
	AccountID         uuid.UUID  `json:"account_id" db:"account_id"`
	CampaignID        *uuid.UUID `json:"campaign_id" db:"campaign_id"`
	ContactID         *uuid.UUID `json:"contact_id" db:"contact_id"`
	Recipient         string     `json:"recipient" db:"recipient"`
	Subject           string     `json:"subject" db:"subject"`
	TrackingID        string     `json:"tracking_id" db:"tracking_id"`
	ProviderMessageID string     `json:"provider_message_id" db:"provider_message_id"`
	ProviderThreadID  string     `json:"provider_thread_id" db:"provider_thread_id"`
	Status            string     `json:"status" db:"status"`
	Error             string     `json:"error" db:"error"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// EmailEvent is one append-only audit log entry. Rows are inserted,
// never updated.
type EmailEvent struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	OrganizationID uuid.UUID  `json:"organization_id" db:"organization_id"`
	AccountID      *uuid.UUID `json:"account_id" db:"account_id"`
	AttemptID      *uuid.UUID `json:"attempt_id" db:"attempt_id"`
	CampaignID     *uuid.UUID `json:"campaign_id" db:"campaign_id"`
	ContactID      *uuid.UUID `json:"contact_id" db:"contact_id"`
	EventType      string     `json:"event_type" db:"event_type"`
	Metadata       JSON       `json:"metadata" db:"metadata"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// ContactLink is the per-recipient delivery state machine for one
// campaign. It is the only mutable "current status" projection; the
// EmailEvent history remains the source of truth.
type ContactLink struct {
	CampaignID        uuid.UUID  `json:"campaign_id" db:"campaign_id"`
	ContactID         uuid.UUID  `json:"contact_id" db:"contact_id"`
	Status            string     `json:"status" db:"status"`
	ProviderMessageID string     `json:"provider_message_id" db:"provider_message_id"`
	SentAt            *time.Time `json:"sent_at" db:"sent_at"`
	RepliedAt         *time.Time `json:"replied_at" db:"replied_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// linkStageRank orders delivery states for the monotonic transition
// guard. bounced/replied/unsubscribed are terminal and rank above the
// engagement ladder so nothing regresses out of them.
func linkStageRank(status string) int {
	switch status {
	case LinkPending:
		return 0
	case LinkSent:
		return 1
	case LinkDelivered:
		return 2
	case LinkOpened:
		return 3
	case LinkClicked:
		return 4
	case LinkBounced, LinkReplied, LinkUnsubscribed:
		return 5
	default:
		return -1
	}
}

// InboxMessage is one persisted inbound email. Immutable after creation
// except the read/archive/star flags and a possible later contact
// backfill.
type InboxMessage struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	OrganizationID    uuid.UUID  `json:"organization_id" db:"organization_id"`
	AccountID         uuid.UUID  `json:"account_id" db:"account_id"`
	ThreadID          uuid.UUID  `json:"thread_id" db:"thread_id"`
	ProviderMessageID string     `json:"provider_message_id" db:"provider_message_id"`
	Direction         string     `json:"direction" db:"direction"`
	FromEmail         string     `json:"from_email" db:"from_email"`
	FromName          string     `json:"from_name" db:"from_name"`
	Subject           string     `json:"subject" db:"subject"`
	Content           string     `json:"content" db:"content"`
	HTMLContent       string     `json:"html_content" db:"html_content"`
	MessageType       string     `json:"message_type" db:"message_type"`
	ConfidenceScore   float64    `json:"confidence_score" db:"confidence_score"`
	CampaignID        *uuid.UUID `json:"campaign_id" db:"campaign_id"`
	ContactID         *uuid.UUID `json:"contact_id" db:"contact_id"`
	IsRead            bool       `json:"is_read" db:"is_read"`
	IsArchived        bool       `json:"is_archived" db:"is_archived"`
	IsStarred         bool       `json:"is_starred" db:"is_starred"`
	ReceivedAt        time.Time  `json:"received_at" db:"received_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// Thread groups inbox messages by a correlation key. Upserted, never
// deleted, only deactivated. MessageCount is a cache recomputable from
// message rows.
type Thread struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	OrganizationID    uuid.UUID  `json:"organization_id" db:"organization_id"`
	Subject           string     `json:"subject" db:"subject"`
	NormalizedSubject string     `json:"normalized_subject" db:"normalized_subject"`
	LastMessageAt     *time.Time `json:"last_message_at" db:"last_message_at"`
	LastMessageFrom   string     `json:"last_message_from" db:"last_message_from"`
	MessageCount      int        `json:"message_count" db:"message_count"`
	IsActive          bool       `json:"is_active" db:"is_active"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// Verdict is the classifier's structured output for one inbox message.
// At most one row per message; reclassification replaces it.
type Verdict struct {
	MessageID         uuid.UUID `json:"message_id" db:"message_id"`
	OrganizationID    uuid.UUID `json:"organization_id" db:"organization_id"`
	Intent            string    `json:"intent" db:"intent"`
	Sentiment         string    `json:"sentiment" db:"sentiment"`
	Confidence        float64   `json:"confidence" db:"confidence"`
	Priority          string    `json:"priority" db:"priority"`
	Tags              []string  `json:"tags" db:"tags"`
	RequiresAttention bool      `json:"requires_human_attention" db:"requires_human_attention"`
	NextAction        string    `json:"next_action" db:"next_action"`
	Reasoning         string    `json:"reasoning" db:"reasoning"`
	SuggestedResponse string    `json:"suggested_response" db:"suggested_response"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Contact is a person an organization reaches out to, keyed by
// (organization, email).
type Contact struct {
	ID             uuid.UUID `json:"id" db:"id"`
	OrganizationID uuid.UUID `json:"organization_id" db:"organization_id"`
	Email          string    `json:"email" db:"email"`
	FirstName      string    `json:"first_name" db:"first_name"`
	LastName       string    `json:"last_name" db:"last_name"`
	Company        string    `json:"company" db:"company"`
	Phone          string    `json:"phone" db:"phone"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Campaign carries just enough campaign state for sends and reply
// correlation; campaign CRUD itself lives outside this core.
type Campaign struct {
	ID             uuid.UUID `json:"id" db:"id"`
	OrganizationID uuid.UUID `json:"organization_id" db:"organization_id"`
	Name           string    `json:"name" db:"name"`
	Type           string    `json:"type" db:"type"`
	Subject        string    `json:"subject" db:"subject"`
	BodyHTML       string    `json:"body_html" db:"body_html"`
	Status         string    `json:"status" db:"status"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// QueueItem is one scheduled outbound send waiting for the worker.
type QueueItem struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	OrganizationID uuid.UUID  `json:"organization_id" db:"organization_id"`
	AccountID      uuid.UUID  `json:"account_id" db:"account_id"`
	CampaignID     *uuid.UUID `json:"campaign_id" db:"campaign_id"`
	ContactID      *uuid.UUID `json:"contact_id" db:"contact_id"`
	Recipient      string     `json:"recipient" db:"recipient"`
	Subject        string     `json:"subject" db:"subject"`
	BodyHTML       string     `json:"body_html" db:"body_html"`
	Status         string     `json:"status" db:"status"`
	Attempts       int        `json:"attempts" db:"attempts"`
	LastError      string     `json:"last_error" db:"last_error"`
	ScheduledAt    time.Time  `json:"scheduled_at" db:"scheduled_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}
