package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/pkg/httputil"
	"github.com/ignite/outreach-engine/internal/send"
	"github.com/ignite/outreach-engine/internal/store"
)

// SendHandlers serves immediate sends and queue submission.
type SendHandlers struct {
	store    *store.Store
	pipeline *send.Pipeline
}

// RegisterSendRoutes mounts the outbound surface.
func RegisterSendRoutes(r chi.Router, st *store.Store, pipeline *send.Pipeline) {
	h := &SendHandlers{store: st, pipeline: pipeline}
	r.Route("/api/sends", func(r chi.Router) {
		r.Post("/", h.HandleSendNow)
		r.Post("/queue", h.HandleEnqueue)
		r.Get("/attempts/{trackingID}/events", h.HandleListEvents)
	})
}

type sendRequest struct {
	AccountID   string `json:"account_id"`
	Recipient   string `json:"recipient"`
	Subject     string `json:"subject"`
	BodyHTML    string `json:"body_html"`
	CampaignID  string `json:"campaign_id,omitempty"`
	ContactID   string `json:"contact_id,omitempty"`
	TrackingID  string `json:"tracking_id,omitempty"`
	ScheduledAt string `json:"scheduled_at,omitempty"` // queue only, RFC3339
}

func (req *sendRequest) toPipelineRequest(w http.ResponseWriter) (*send.Request, bool) {
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		httputil.BadRequest(w, "invalid account_id")
		return nil, false
	}
	if req.Recipient == "" || req.Subject == "" {
		httputil.BadRequest(w, "recipient and subject are required")
		return nil, false
	}

	out := &send.Request{
		AccountID:  accountID,
		Recipient:  req.Recipient,
		Subject:    req.Subject,
		BodyHTML:   req.BodyHTML,
		TrackingID: req.TrackingID,
	}
	if req.CampaignID != "" {
		id, err := uuid.Parse(req.CampaignID)
		if err != nil {
			httputil.BadRequest(w, "invalid campaign_id")
			return nil, false
		}
		out.CampaignID = &id
	}
	if req.ContactID != "" {
		id, err := uuid.Parse(req.ContactID)
		if err != nil {
			httputil.BadRequest(w, "invalid contact_id")
			return nil, false
		}
		out.ContactID = &id
	}
	return out, true
}

// HandleSendNow runs the pipeline synchronously and maps its typed
// errors onto HTTP statuses.
func (h *SendHandlers) HandleSendNow(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	preq, ok := req.toPipelineRequest(w)
	if !ok {
		return
	}

	result, err := h.pipeline.Send(r.Context(), preq)
	if err != nil {
		switch {
		case errors.Is(err, send.ErrAccountNotFound):
			httputil.NotFound(w, "account not found")
		case errors.Is(err, send.ErrAccountSuspended):
			httputil.ErrorCode(w, http.StatusConflict, "account_suspended",
				"account requires reconnection before sending")
		case errors.Is(err, send.ErrDailyQuotaExceeded):
			httputil.ErrorCode(w, http.StatusTooManyRequests, "daily_quota_exceeded",
				"daily send limit reached for this account")
		case errors.Is(err, send.ErrMonthlyQuotaExceeded):
			httputil.ErrorCode(w, http.StatusTooManyRequests, "monthly_quota_exceeded",
				"monthly plan limit reached for this organization")
		default:
			httputil.InternalError(w, err)
		}
		return
	}
	httputil.OK(w, result)
}

// HandleEnqueue schedules a send for the queue worker instead of
// delivering inline.
func (h *SendHandlers) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	preq, ok := req.toPipelineRequest(w)
	if !ok {
		return
	}

	account, err := h.store.GetAccount(r.Context(), preq.AccountID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if account == nil {
		httputil.NotFound(w, "account not found")
		return
	}

	scheduledAt := time.Now()
	if req.ScheduledAt != "" {
		ts, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			httputil.BadRequest(w, "scheduled_at must be RFC3339")
			return
		}
		scheduledAt = ts
	}

	item := &store.QueueItem{
		ID:             uuid.New(),
		OrganizationID: account.OrganizationID,
		AccountID:      account.ID,
		CampaignID:     preq.CampaignID,
		ContactID:      preq.ContactID,
		Recipient:      preq.Recipient,
		Subject:        preq.Subject,
		BodyHTML:       preq.BodyHTML,
		Status:         store.QueueQueued,
		ScheduledAt:    scheduledAt,
	}
	if err := h.store.EnqueueSends(r.Context(), []*store.QueueItem{item}); err != nil {
		httputil.InternalError(w, err)
		return
	}

	// Campaign sends start the delivery state machine at pending as
	// soon as they are queued, so the link exists before any event
	// tries to advance it.
	if item.CampaignID != nil && item.ContactID != nil {
		if err := h.store.EnsureLink(r.Context(), *item.CampaignID, *item.ContactID); err != nil {
			httputil.InternalError(w, err)
			return
		}
	}
	httputil.Created(w, map[string]string{
		"queue_item_id": item.ID.String(),
		"scheduled_at":  scheduledAt.Format(time.RFC3339),
	})
}

// HandleListEvents returns the append-only event log for one attempt.
func (h *SendHandlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")
	attempt, err := h.store.GetAttemptByTrackingID(r.Context(), trackingID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if attempt == nil {
		httputil.NotFound(w, "attempt not found")
		return
	}
	events, err := h.store.GetEventsForAttempt(r.Context(), attempt.ID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"attempt": attempt, "events": events})
}
