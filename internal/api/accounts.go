// Package api exposes the HTTP surface: account lifecycle, inbox
// reads, manual and queued sends. Handlers stay thin; the work lives in
// store, vault, and the pipelines.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/pkg/httputil"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/store"
	"github.com/ignite/outreach-engine/internal/vault"
)

// AccountHandlers owns the connect/reconnect/status endpoints.
type AccountHandlers struct {
	store *store.Store
	vault *vault.Vault
}

// RegisterAccountRoutes mounts account management endpoints.
func RegisterAccountRoutes(r chi.Router, st *store.Store, v *vault.Vault) {
	h := &AccountHandlers{store: st, vault: v}
	r.Route("/api/accounts", func(r chi.Router) {
		r.Post("/", h.HandleConnect)
		r.Get("/{accountID}", h.HandleGet)
		r.Post("/{accountID}/reconnect", h.HandleReconnect)
		r.Post("/{accountID}/disconnect", h.HandleDisconnect)
	})
}

type connectRequest struct {
	OrganizationID string `json:"organization_id"`
	Provider       string `json:"provider"`
	Email          string `json:"email"`
	DisplayName    string `json:"display_name"`
	AccessToken    string `json:"access_token"`
	RefreshToken   string `json:"refresh_token"`
	ExpiresAt      string `json:"expires_at,omitempty"` // RFC3339; empty for static credentials
	DailyLimit     int    `json:"daily_limit,omitempty"`
}

// accountView is the API shape of an account: no credential material.
type accountView struct {
	ID           string     `json:"id"`
	Provider     string     `json:"provider"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name"`
	Status       string     `json:"status"`
	DailySent    int        `json:"daily_sent"`
	DailyLimit   int        `json:"daily_limit"`
	LastError    *string    `json:"last_error,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

func viewOf(a *store.Account) accountView {
	return accountView{
		ID:           a.ID.String(),
		Provider:     a.Provider,
		Email:        a.Email,
		DisplayName:  a.DisplayName,
		Status:       a.Status,
		DailySent:    a.DailySent,
		DailyLimit:   a.DailyLimit,
		LastError:    a.LastError,
		LastSyncedAt: a.LastSyncedAt,
	}
}

// HandleConnect stores a freshly authorized mailbox. The OAuth dance
// itself happens in the front-end; this endpoint receives the resulting
// token pair and encrypts it at rest.
func (h *AccountHandlers) HandleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	orgID, err := uuid.Parse(req.OrganizationID)
	if err != nil {
		httputil.BadRequest(w, "invalid organization_id")
		return
	}
	switch req.Provider {
	case store.ProviderGmail, store.ProviderGraph, store.ProviderSES:
	default:
		httputil.BadRequest(w, "unsupported provider")
		return
	}
	if req.Email == "" || req.AccessToken == "" {
		httputil.BadRequest(w, "email and access_token are required")
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		ts, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			httputil.BadRequest(w, "expires_at must be RFC3339")
			return
		}
		expiresAt = &ts
	}

	accessEnc, err := h.vault.Encrypt(req.AccessToken)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	refreshEnc, err := h.vault.Encrypt(req.RefreshToken)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	account := &store.Account{
		ID:              uuid.New(),
		OrganizationID:  orgID,
		Provider:        req.Provider,
		Email:           req.Email,
		DisplayName:     req.DisplayName,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		TokenExpiresAt:  expiresAt,
		DailyLimit:      req.DailyLimit,
		Status:          store.AccountActive,
	}
	if err := h.store.CreateAccount(r.Context(), account); err != nil {
		httputil.InternalError(w, err)
		return
	}

	logger.Info("api: account connected",
		"account_id", account.ID.String(), "provider", account.Provider, "email", account.Email)
	httputil.Created(w, viewOf(account))
}

func (h *AccountHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	account, ok := h.loadAccount(w, r)
	if !ok {
		return
	}
	httputil.OK(w, viewOf(account))
}

type reconnectRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at,omitempty"`
}

// HandleReconnect replaces an errored account's credentials with a
// fresh pair from a new user authorization and reactivates it.
func (h *AccountHandlers) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	account, ok := h.loadAccount(w, r)
	if !ok {
		return
	}

	var req reconnectRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.AccessToken == "" {
		httputil.BadRequest(w, "access_token is required")
		return
	}

	expiresAt := time.Now().Add(1 * time.Hour)
	if req.ExpiresAt != "" {
		ts, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			httputil.BadRequest(w, "expires_at must be RFC3339")
			return
		}
		expiresAt = ts
	}

	accessEnc, err := h.vault.Encrypt(req.AccessToken)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	refreshEnc, err := h.vault.Encrypt(req.RefreshToken)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	applied, err := h.store.UpdateTokens(r.Context(), account.ID, accessEnc, refreshEnc, expiresAt, account.TokenVersion)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if !applied {
		httputil.Conflict(w, "account tokens changed concurrently, retry")
		return
	}

	logger.Info("api: account reconnected", "account_id", account.ID.String())
	httputil.OK(w, map[string]string{"status": store.AccountActive})
}

func (h *AccountHandlers) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	account, ok := h.loadAccount(w, r)
	if !ok {
		return
	}
	if err := h.store.SetAccountStatus(r.Context(), account.ID, store.AccountDisconnected); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

func (h *AccountHandlers) loadAccount(w http.ResponseWriter, r *http.Request) (*store.Account, bool) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		httputil.BadRequest(w, "invalid account id")
		return nil, false
	}
	account, err := h.store.GetAccount(r.Context(), accountID)
	if err != nil {
		httputil.InternalError(w, err)
		return nil, false
	}
	if account == nil {
		httputil.NotFound(w, "account not found")
		return nil, false
	}
	return account, true
}
