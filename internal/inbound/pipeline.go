// Package inbound runs the receive side: the poller sweeps connected
// mailboxes for new mail, and the pipeline correlates, persists,
// classifies, and conditionally hands each message to CRM sync. Every
// stage persists its result before invoking the next, so processing is
// resumable at the message level.
package inbound

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/classify"
	"github.com/ignite/outreach-engine/internal/correlate"
	"github.com/ignite/outreach-engine/internal/crmsync"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/provider"
	"github.com/ignite/outreach-engine/internal/store"
)

// Pipeline processes one inbound message end to end. Poll delivery is
// at-least-once, so every step tolerates seeing the same provider
// message twice.
type Pipeline struct {
	store    *store.Store
	detector *correlate.Detector
	gateway  *classify.Gateway
	syncer   *crmsync.Syncer
}

func NewPipeline(st *store.Store, detector *correlate.Detector, gateway *classify.Gateway, syncer *crmsync.Syncer) *Pipeline {
	return &Pipeline{store: st, detector: detector, gateway: gateway, syncer: syncer}
}

// Process correlates, stores, and enriches one raw provider message for
// an account. Duplicate messages (same provider message ID) are
// detected at insert and short-circuit the rest of the pipeline.
func (p *Pipeline) Process(ctx context.Context, account *store.Account, raw *provider.RawMessage) error {
	det, err := p.detector.Detect(ctx, account.OrganizationID, raw.From, correlate.Input{
		Subject: raw.Subject,
		Body:    raw.Content,
		Headers: raw.Headers,
	})
	if err != nil {
		return err
	}

	threadID := uuid.New()
	if det.ThreadID != nil {
		threadID = *det.ThreadID
	}

	thread := &store.Thread{
		ID:                threadID,
		OrganizationID:    account.OrganizationID,
		Subject:           correlate.StripReplyPrefixes(raw.Subject),
		NormalizedSubject: correlate.NormalizeSubject(raw.Subject),
	}
	if err := p.store.TouchThread(ctx, thread, raw.From, raw.ReceivedAt); err != nil {
		return err
	}

	msg := &store.InboxMessage{
		ID:                uuid.New(),
		OrganizationID:    account.OrganizationID,
		AccountID:         account.ID,
		ThreadID:          threadID,
		ProviderMessageID: raw.MessageID,
		Direction:         "inbound",
		FromEmail:         raw.From,
		FromName:          raw.FromName,
		Subject:           raw.Subject,
		Content:           raw.Content,
		HTMLContent:       raw.HTMLContent,
		MessageType:       det.ReplyType,
		ConfidenceScore:   det.Confidence,
		CampaignID:        det.CampaignID,
		ContactID:         det.ContactID,
		ReceivedAt:        raw.ReceivedAt,
	}
	inserted, err := p.store.InsertInboxMessage(ctx, msg)
	if err != nil {
		return err
	}
	if !inserted {
		// Already processed in an earlier sweep.
		logger.Debug("inbound: duplicate message skipped",
			"account_id", account.ID.String(), "provider_message_id", raw.MessageID)
		return nil
	}

	if err := p.store.IncrementThreadCount(ctx, threadID); err != nil {
		// Counter is a cache; drift here is repairable by RecountThread.
		logger.Warn("inbound: counter bump failed",
			"thread_id", threadID.String(), "error", err.Error())
	}

	if det.IsReply && det.CampaignID != nil && det.ContactID != nil {
		p.markReplied(ctx, account, msg, det)
	}

	if !det.IsReply {
		return nil
	}

	verdict := p.gateway.Classify(ctx, msg, p.campaignContext(ctx, det.CampaignID, msg))
	if crmsync.ShouldSync(verdict) {
		p.triggerSync(ctx, account, msg, verdict)
	}
	return nil
}

func (p *Pipeline) markReplied(ctx context.Context, account *store.Account, msg *store.InboxMessage, det *correlate.Detection) {
	applied, err := p.store.TransitionLink(ctx, *det.CampaignID, *det.ContactID, store.LinkReplied)
	if err != nil {
		logger.Error("inbound: reply transition failed",
			"campaign_id", det.CampaignID.String(), "error", err.Error())
		return
	}
	if !applied {
		return
	}

	event := &store.EmailEvent{
		OrganizationID: account.OrganizationID,
		AccountID:      &account.ID,
		CampaignID:     det.CampaignID,
		ContactID:      det.ContactID,
		EventType:      store.EventReplied,
		Metadata: store.JSON{
			"message_id": msg.ID.String(),
			"sender":     msg.FromEmail,
			"confidence": det.Confidence,
		},
	}
	if err := p.store.InsertEvent(ctx, event); err != nil {
		logger.Error("inbound: failed to record reply event",
			"campaign_id", det.CampaignID.String(), "error", err.Error())
	}
}

// campaignContext loads outbound context for the classifier when the
// message correlated to a campaign. Best effort.
func (p *Pipeline) campaignContext(ctx context.Context, campaignID *uuid.UUID, msg *store.InboxMessage) *classify.CampaignContext {
	if campaignID == nil {
		return nil
	}
	campaign, err := p.store.GetCampaign(ctx, *campaignID)
	if err != nil || campaign == nil {
		if err != nil {
			logger.Warn("inbound: campaign context lookup failed",
				"campaign_id", campaignID.String(), "error", err.Error())
		}
		return nil
	}
	return &classify.CampaignContext{
		CampaignName:    campaign.Name,
		CampaignType:    campaign.Type,
		OriginalMessage: campaign.BodyHTML,
	}
}

func (p *Pipeline) triggerSync(ctx context.Context, account *store.Account, msg *store.InboxMessage, verdict *store.Verdict) {
	task := &crmsync.Task{
		OrganizationID: account.OrganizationID,
		MessageID:      msg.ID,
		ContactID:      msg.ContactID,
		Email:          msg.FromEmail,
		Verdict:        verdict,
	}
	if msg.ContactID != nil {
		if contact, err := p.store.GetContact(ctx, *msg.ContactID); err == nil && contact != nil {
			task.FirstName = contact.FirstName
			task.LastName = contact.LastName
			task.Company = contact.Company
			task.Phone = contact.Phone
		}
	} else {
		task.FirstName, task.LastName = splitDisplayName(msg.FromName)
	}
	p.syncer.Enqueue(task)
}

// splitDisplayName makes a crude first/last split of a sender display
// name for contact upsert.
func splitDisplayName(name string) (string, string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ""
	}
	if i := strings.LastIndex(name, " "); i > 0 {
		return strings.TrimSpace(name[:i]), strings.TrimSpace(name[i+1:])
	}
	return name, ""
}
