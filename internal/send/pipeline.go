// Package send implements the outbound pipeline: quota enforcement,
// merge-tag rendering, tracking injection, and delivery through the
// account's provider adapter.
package send

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/osteele/liquid"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/provider"
	"github.com/ignite/outreach-engine/internal/store"
	"github.com/ignite/outreach-engine/internal/tracker"
	"github.com/ignite/outreach-engine/internal/vault"
)

var (
	// ErrAccountNotFound means the account ID does not exist.
	ErrAccountNotFound = errors.New("send: account not found")
	// ErrAccountSuspended means the account exists but is not in a
	// sendable state (connecting, errored, or disconnected).
	ErrAccountSuspended = errors.New("send: account is not in a sendable state")
	// ErrDailyQuotaExceeded means the account's per-day allowance is
	// spent. Retrying before the next UTC day will not help.
	ErrDailyQuotaExceeded = errors.New("send: daily send quota exceeded")
	// ErrMonthlyQuotaExceeded means the organization's plan allowance
	// is spent for the calendar month.
	ErrMonthlyQuotaExceeded = errors.New("send: monthly send quota exceeded")
)

// Request is one outbound send. CampaignID and ContactID are optional;
// when present the campaign link state machine is advanced alongside
// the delivery.
type Request struct {
	AccountID  uuid.UUID
	Recipient  string
	Subject    string
	BodyHTML   string
	CampaignID *uuid.UUID
	ContactID  *uuid.UUID
	// TrackingID lets the caller supply a stable id so retries of the
	// same logical attempt share one tracking identity. Empty means a
	// fresh id is generated.
	TrackingID string
}

// Result reports a completed delivery.
type Result struct {
	AttemptID         uuid.UUID `json:"attempt_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	ProviderThreadID  string    `json:"provider_thread_id"`
}

// Pipeline coordinates one send end to end. Quota is reserved before
// the provider call and released again if the provider fails, so a
// failed send never consumes allowance and concurrent sends can never
// overshoot a limit.
type Pipeline struct {
	store    *store.Store
	vault    *vault.Vault
	registry *provider.Registry
	tracker  *tracker.Service
	engine   *liquid.Engine
	cfg      config.SendConfig
}

func NewPipeline(st *store.Store, v *vault.Vault, registry *provider.Registry, tr *tracker.Service, cfg config.SendConfig) *Pipeline {
	return &Pipeline{
		store:    st,
		vault:    v,
		registry: registry,
		tracker:  tr,
		engine:   liquid.NewEngine(),
		cfg:      cfg,
	}
}

// Send runs the full pipeline for one message. Precondition failures
// come back as typed errors in a fixed order: account state first, then
// daily quota, then monthly quota.
func (p *Pipeline) Send(ctx context.Context, req *Request) (*Result, error) {
	account, err := p.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}
	if !account.Sendable() {
		return nil, fmt.Errorf("%w: account %s is %s", ErrAccountSuspended, account.ID, account.Status)
	}

	dailyLimit := account.DailyLimit
	if dailyLimit <= 0 {
		dailyLimit = p.cfg.DefaultDailyLimit
	}
	ok, err := p.store.TryReserveDailySend(ctx, account.ID, dailyLimit)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: account %s at %d/day", ErrDailyQuotaExceeded, account.ID, dailyLimit)
	}

	monthlyLimit := p.cfg.DefaultMonthlyLimit
	if org, err := p.store.GetOrganization(ctx, account.OrganizationID); err != nil {
		p.releaseDaily(ctx, account.ID)
		return nil, err
	} else if org != nil && org.MonthlyLimit > 0 {
		monthlyLimit = org.MonthlyLimit
	}
	ok, err = p.store.TryReserveMonthlySend(ctx, account.OrganizationID, monthlyLimit)
	if err != nil {
		p.releaseDaily(ctx, account.ID)
		return nil, err
	}
	if !ok {
		p.releaseDaily(ctx, account.ID)
		return nil, fmt.Errorf("%w: organization %s at %d/month", ErrMonthlyQuotaExceeded, account.OrganizationID, monthlyLimit)
	}

	result, err := p.deliver(ctx, account, req)
	if err != nil {
		p.releaseDaily(ctx, account.ID)
		p.releaseMonthly(ctx, account.OrganizationID)
		p.recordFailure(ctx, account, req, err)
		return nil, err
	}
	return result, nil
}

// deliver renders, injects tracking, and pushes the message through the
// provider adapter. The quota reservations are already held.
func (p *Pipeline) deliver(ctx context.Context, account *store.Account, req *Request) (*Result, error) {
	adapter, err := p.registry.ForProvider(account.Provider)
	if err != nil {
		return nil, err
	}

	subject, body, err := p.render(ctx, req)
	if err != nil {
		return nil, err
	}

	trackingID := req.TrackingID
	if trackingID == "" {
		trackingID = uuid.NewString()
	}
	if p.tracker != nil {
		body = p.tracker.InjectTracking(body, trackingID)
	}

	msg := &provider.OutboundMessage{
		FromAddress: account.Email,
		FromName:    account.DisplayName,
		To:          req.Recipient,
		Subject:     subject,
		HTMLBody:    body,
	}

	accessToken, err := p.vault.EnsureFreshToken(ctx, account)
	if err != nil {
		return nil, err
	}

	sendResult, err := adapter.Send(ctx, accessToken, msg)
	if provider.IsAuthError(err) {
		// Token rejected despite a healthy expiry. Refresh once and
		// retry; a second rejection is final.
		logger.Warn("send: provider rejected token, forcing refresh",
			"account_id", account.ID.String(), "provider", account.Provider)
		accessToken, err = p.vault.ForceRefresh(ctx, account)
		if err != nil {
			return nil, err
		}
		sendResult, err = adapter.Send(ctx, accessToken, msg)
	}
	if err != nil {
		// Sends for this account halt until an explicit reconnect.
		if markErr := p.store.MarkAccountError(ctx, account.ID, err.Error()); markErr != nil {
			logger.Error("send: failed to park account after provider failure",
				"account_id", account.ID.String(), "error", markErr.Error())
		}
		return nil, err
	}

	attempt := &store.SendAttempt{
		OrganizationID:    account.OrganizationID,
		AccountID:         account.ID,
		CampaignID:        req.CampaignID,
		ContactID:         req.ContactID,
		Recipient:         req.Recipient,
		Subject:           subject,
		TrackingID:        trackingID,
		ProviderMessageID: sendResult.MessageID,
		ProviderThreadID:  sendResult.ThreadID,
		Status:            "sent",
	}
	if err := p.store.CreateAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	event := &store.EmailEvent{
		OrganizationID: account.OrganizationID,
		AccountID:      &account.ID,
		AttemptID:      &attempt.ID,
		CampaignID:     req.CampaignID,
		ContactID:      req.ContactID,
		EventType:      store.EventSent,
		Metadata: store.JSON{
			"recipient": req.Recipient,
			"subject":   subject,
			"provider":  account.Provider,
		},
		CreatedAt: time.Now(),
	}
	if err := p.store.InsertEvent(ctx, event); err != nil {
		logger.Error("send: failed to record sent event",
			"attempt_id", attempt.ID.String(), "error", err.Error())
	}

	if req.CampaignID != nil && req.ContactID != nil {
		if err := p.store.MarkLinkSent(ctx, *req.CampaignID, *req.ContactID, sendResult.MessageID); err != nil {
			logger.Error("send: failed to advance campaign link",
				"campaign_id", req.CampaignID.String(), "error", err.Error())
		}
	}

	logger.Info("send: delivered",
		"account_id", account.ID.String(),
		"provider", account.Provider,
		"recipient", req.Recipient,
		"attempt_id", attempt.ID.String())

	return &Result{
		AttemptID:         attempt.ID,
		ProviderMessageID: sendResult.MessageID,
		ProviderThreadID:  sendResult.ThreadID,
	}, nil
}

// render expands merge tags in the subject and body against the
// contact's fields. Sends without a contact render against an empty
// context so stray tags collapse instead of leaking braces.
func (p *Pipeline) render(ctx context.Context, req *Request) (string, string, error) {
	bindings := map[string]interface{}{
		"email": req.Recipient,
	}
	if req.ContactID != nil {
		contact, err := p.store.GetContact(ctx, *req.ContactID)
		if err != nil {
			return "", "", err
		}
		if contact != nil {
			bindings["email"] = contact.Email
			bindings["first_name"] = contact.FirstName
			bindings["last_name"] = contact.LastName
			bindings["company"] = contact.Company
		}
	}

	subject, err := p.engine.ParseAndRenderString(req.Subject, bindings)
	if err != nil {
		return "", "", fmt.Errorf("send: rendering subject: %w", err)
	}
	body, err := p.engine.ParseAndRenderString(req.BodyHTML, bindings)
	if err != nil {
		return "", "", fmt.Errorf("send: rendering body: %w", err)
	}
	return subject, body, nil
}

func (p *Pipeline) recordFailure(ctx context.Context, account *store.Account, req *Request, sendErr error) {
	if req.CampaignID == nil {
		return
	}
	event := &store.EmailEvent{
		OrganizationID: account.OrganizationID,
		AccountID:      &account.ID,
		CampaignID:     req.CampaignID,
		ContactID:      req.ContactID,
		EventType:      store.EventFailed,
		Metadata: store.JSON{
			"recipient": req.Recipient,
			"error":     sendErr.Error(),
		},
		CreatedAt: time.Now(),
	}
	if err := p.store.InsertEvent(ctx, event); err != nil {
		logger.Error("send: failed to record failure event",
			"account_id", account.ID.String(), "error", err.Error())
	}
}

func (p *Pipeline) releaseDaily(ctx context.Context, accountID uuid.UUID) {
	if err := p.store.ReleaseDailySend(ctx, accountID); err != nil {
		logger.Error("send: failed to release daily reservation",
			"account_id", accountID.String(), "error", err.Error())
	}
}

func (p *Pipeline) releaseMonthly(ctx context.Context, orgID uuid.UUID) {
	if err := p.store.ReleaseMonthlySend(ctx, orgID); err != nil {
		logger.Error("send: failed to release monthly reservation",
			"organization_id", orgID.String(), "error", err.Error())
	}
}
