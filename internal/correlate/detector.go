package correlate

import (
	"context"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/store"
)

// Detection is the full correlator output: the pure score plus any
// campaign/contact/thread bindings the lookups produced.
type Detection struct {
	IsReply    bool       `json:"is_reply"`
	Confidence float64    `json:"confidence"`
	ReplyType  string     `json:"reply_type"`
	ThreadID   *uuid.UUID `json:"thread_id,omitempty"`
	CampaignID *uuid.UUID `json:"campaign_id,omitempty"`
	ContactID  *uuid.UUID `json:"contact_id,omitempty"`
}

// Detector combines structural scoring with campaign and thread
// lookups.
type Detector struct {
	store   *store.Store
	weights config.ScoringConfig
}

func NewDetector(st *store.Store, weights config.ScoringConfig) *Detector {
	return &Detector{store: st, weights: weights}
}

// Detect scores an inbound message for one organization. Lookup
// failures degrade to structural-only scoring; they never fail the
// inbound pipeline.
func (d *Detector) Detect(ctx context.Context, orgID uuid.UUID, fromEmail string, in Input) (*Detection, error) {
	score := ScoreMessage(in, d.weights)
	det := &Detection{
		Confidence: score.Confidence,
		ReplyType:  score.ReplyType,
	}

	campaignID, contactID, err := d.store.FindCampaignForSender(ctx, orgID, fromEmail)
	if err != nil {
		logger.Warn("correlate: campaign lookup failed",
			"organization_id", orgID.String(), "error", err.Error())
	} else if campaignID != nil {
		det.Confidence += d.weights.KnownRecipient
		det.CampaignID = campaignID
		det.ContactID = contactID
	}

	normalized := NormalizeSubject(in.Subject)
	if normalized != "" {
		thread, err := d.store.FindActiveThreadBySubject(ctx, orgID, normalized)
		if err != nil {
			logger.Warn("correlate: thread lookup failed",
				"organization_id", orgID.String(), "error", err.Error())
		} else if thread != nil {
			det.Confidence += d.weights.ThreadSubject
			det.ThreadID = &thread.ID

			// A matched thread can supply the campaign binding when the
			// sender lookup came up empty.
			if det.CampaignID == nil {
				campaignID, contactID, err := d.store.FindThreadBinding(ctx, thread.ID)
				if err != nil {
					logger.Warn("correlate: thread binding lookup failed",
						"thread_id", thread.ID.String(), "error", err.Error())
				} else if campaignID != nil {
					det.CampaignID = campaignID
					det.ContactID = contactID
				}
			}
		}
	}

	det.IsReply = det.Confidence > d.weights.Threshold
	return det, nil
}
