package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/pkg/httputil"
	"github.com/ignite/outreach-engine/internal/store"
)

// InboxHandlers serves thread and message reads plus message flags.
type InboxHandlers struct {
	store *store.Store
}

// RegisterInboxRoutes mounts the inbox read surface.
func RegisterInboxRoutes(r chi.Router, st *store.Store) {
	h := &InboxHandlers{store: st}
	r.Route("/api/inbox", func(r chi.Router) {
		r.Get("/threads/{threadID}", h.HandleGetThread)
		r.Get("/threads/{threadID}/messages", h.HandleListMessages)
		r.Post("/threads/{threadID}/recount", h.HandleRecount)
		r.Post("/threads/{threadID}/close", h.HandleCloseThread)
		r.Get("/messages/{messageID}", h.HandleGetMessage)
		r.Patch("/messages/{messageID}/flags", h.HandleSetFlags)
		r.Get("/messages/{messageID}/verdict", h.HandleGetVerdict)
	})
}

func (h *InboxHandlers) HandleGetThread(w http.ResponseWriter, r *http.Request) {
	threadID, err := uuid.Parse(chi.URLParam(r, "threadID"))
	if err != nil {
		httputil.BadRequest(w, "invalid thread id")
		return
	}
	thread, err := h.store.GetThread(r.Context(), threadID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if thread == nil {
		httputil.NotFound(w, "thread not found")
		return
	}
	httputil.OK(w, thread)
}

func (h *InboxHandlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	threadID, err := uuid.Parse(chi.URLParam(r, "threadID"))
	if err != nil {
		httputil.BadRequest(w, "invalid thread id")
		return
	}
	messages, err := h.store.ListThreadMessages(r.Context(), threadID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"messages": messages, "count": len(messages)})
}

// HandleRecount repairs a thread's cached message counter from its
// message rows.
func (h *InboxHandlers) HandleRecount(w http.ResponseWriter, r *http.Request) {
	threadID, err := uuid.Parse(chi.URLParam(r, "threadID"))
	if err != nil {
		httputil.BadRequest(w, "invalid thread id")
		return
	}
	if err := h.store.RecountThread(r.Context(), threadID); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

// HandleCloseThread soft-closes a thread so subject matching stops
// binding new inbound mail to it. Threads are never deleted.
func (h *InboxHandlers) HandleCloseThread(w http.ResponseWriter, r *http.Request) {
	threadID, err := uuid.Parse(chi.URLParam(r, "threadID"))
	if err != nil {
		httputil.BadRequest(w, "invalid thread id")
		return
	}
	if err := h.store.DeactivateThread(r.Context(), threadID); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

func (h *InboxHandlers) HandleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.loadMessage(w, r)
	if !ok {
		return
	}
	httputil.OK(w, msg)
}

type flagsRequest struct {
	IsRead     *bool `json:"is_read,omitempty"`
	IsArchived *bool `json:"is_archived,omitempty"`
	IsStarred  *bool `json:"is_starred,omitempty"`
}

func (h *InboxHandlers) HandleSetFlags(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.loadMessage(w, r)
	if !ok {
		return
	}
	var req flagsRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.IsRead == nil && req.IsArchived == nil && req.IsStarred == nil {
		httputil.BadRequest(w, "no flags provided")
		return
	}
	if err := h.store.SetMessageFlags(r.Context(), msg.ID, req.IsRead, req.IsArchived, req.IsStarred); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

func (h *InboxHandlers) HandleGetVerdict(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.loadMessage(w, r)
	if !ok {
		return
	}
	verdict, err := h.store.GetVerdict(r.Context(), msg.ID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if verdict == nil {
		httputil.NotFound(w, "message has no verdict")
		return
	}
	httputil.OK(w, verdict)
}

func (h *InboxHandlers) loadMessage(w http.ResponseWriter, r *http.Request) (*store.InboxMessage, bool) {
	messageID, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		httputil.BadRequest(w, "invalid message id")
		return nil, false
	}
	msg, err := h.store.GetInboxMessage(r.Context(), messageID)
	if err != nil {
		httputil.InternalError(w, err)
		return nil, false
	}
	if msg == nil {
		httputil.NotFound(w, "message not found")
		return nil, false
	}
	return msg, true
}
