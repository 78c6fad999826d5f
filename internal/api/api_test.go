package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/provider"
	"github.com/ignite/outreach-engine/internal/send"
	"github.com/ignite/outreach-engine/internal/store"
	"github.com/ignite/outreach-engine/internal/vault"
)

type apiFixture struct {
	router *chi.Mux
	mock   sqlmock.Sqlmock
	vault  *vault.Vault
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.NewStore(db)
	registry := provider.NewRegistry(context.Background(), &config.Config{})
	v := vault.New(st, registry, nil, config.VaultConfig{
		MasterKey:       "test-master-key",
		PBKDF2Iters:     1000,
		RefreshSkewSecs: 120,
		LockTTLSecs:     2,
	})
	pipeline := send.NewPipeline(st, v, registry, nil, config.SendConfig{
		DefaultDailyLimit:   50,
		DefaultMonthlyLimit: 1000,
	})

	r := chi.NewRouter()
	RegisterAccountRoutes(r, st, v)
	RegisterInboxRoutes(r, st)
	RegisterSendRoutes(r, st, pipeline)

	return &apiFixture{router: r, mock: mock, vault: v}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) accountRow(id, orgID uuid.UUID, status string) *sqlmock.Rows {
	accessEnc, _ := f.vault.Encrypt("stored-access-token")
	refreshEnc, _ := f.vault.Encrypt("stored-refresh-token")
	return sqlmock.NewRows([]string{
		"id", "organization_id", "provider", "email", "display_name",
		"access_token_enc", "refresh_token_enc", "token_expires_at", "token_version",
		"sent_count", "daily_limit", "status", "last_error", "last_synced_at",
		"created_at", "updated_at",
	}).AddRow(
		id, orgID, store.ProviderGmail, "sender@example.com", "Sender",
		accessEnc, refreshEnc, time.Now().Add(1*time.Hour), 3,
		2, 50, status, nil, nil,
		time.Now(), time.Now())
}

func TestConnectAccount(t *testing.T) {
	f := setupAPI(t)

	f.mock.ExpectExec(`INSERT INTO mail_accounts`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := f.do(t, http.MethodPost, "/api/accounts", map[string]any{
		"organization_id": uuid.NewString(),
		"provider":        store.ProviderGmail,
		"email":           "sender@example.com",
		"display_name":    "Sender",
		"access_token":    "ya29.fresh",
		"refresh_token":   "1//refresh",
		"expires_at":      time.Now().Add(1 * time.Hour).Format(time.RFC3339),
		"daily_limit":     100,
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, store.AccountActive, view["status"])
	// Credential material must never leave the server.
	assert.NotContains(t, rec.Body.String(), "ya29.fresh")
	assert.NotContains(t, rec.Body.String(), "1//refresh")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestConnectAccountRejectsUnknownProvider(t *testing.T) {
	f := setupAPI(t)

	rec := f.do(t, http.MethodPost, "/api/accounts", map[string]any{
		"organization_id": uuid.NewString(),
		"provider":        "yahoo",
		"email":           "sender@example.com",
		"access_token":    "tok",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAccountOmitsCredentials(t *testing.T) {
	f := setupAPI(t)
	accountID := uuid.New()

	f.mock.ExpectQuery(`SELECT a\.id, a\.organization_id`).
		WithArgs(accountID).
		WillReturnRows(f.accountRow(accountID, uuid.New(), store.AccountActive))

	rec := f.do(t, http.MethodGet, "/api/accounts/"+accountID.String(), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "token")
	assert.Contains(t, rec.Body.String(), "sender@example.com")
}

func TestReconnectConflictOnConcurrentTokenChange(t *testing.T) {
	f := setupAPI(t)
	accountID := uuid.New()

	f.mock.ExpectQuery(`SELECT a\.id, a\.organization_id`).
		WithArgs(accountID).
		WillReturnRows(f.accountRow(accountID, uuid.New(), store.AccountError))
	f.mock.ExpectExec(`UPDATE mail_accounts`).
		WillReturnResult(sqlmock.NewResult(0, 0)) // version moved underneath us

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/accounts/%s/reconnect", accountID), map[string]any{
		"access_token":  "new-access",
		"refresh_token": "new-refresh",
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDisconnectAccount(t *testing.T) {
	f := setupAPI(t)
	accountID := uuid.New()

	f.mock.ExpectQuery(`SELECT a\.id, a\.organization_id`).
		WithArgs(accountID).
		WillReturnRows(f.accountRow(accountID, uuid.New(), store.AccountActive))
	f.mock.ExpectExec(`UPDATE mail_accounts SET status`).
		WithArgs(store.AccountDisconnected, accountID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/accounts/%s/disconnect", accountID), nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSendNowMapsSuspendedAccount(t *testing.T) {
	f := setupAPI(t)
	accountID := uuid.New()

	f.mock.ExpectQuery(`SELECT a\.id, a\.organization_id`).
		WithArgs(accountID).
		WillReturnRows(f.accountRow(accountID, uuid.New(), store.AccountError))

	rec := f.do(t, http.MethodPost, "/api/sends", map[string]any{
		"account_id": accountID.String(),
		"recipient":  "lead@example.com",
		"subject":    "Hello",
		"body_html":  "<p>Hi</p>",
	})

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "account_suspended")
}

func TestSendNowMapsDailyQuota(t *testing.T) {
	f := setupAPI(t)
	accountID := uuid.New()

	f.mock.ExpectQuery(`SELECT a\.id, a\.organization_id`).
		WithArgs(accountID).
		WillReturnRows(f.accountRow(accountID, uuid.New(), store.AccountActive))
	// Guarded counter insert returns no row when the limit is hit.
	f.mock.ExpectQuery(`INSERT INTO account_send_counters`).
		WillReturnRows(sqlmock.NewRows([]string{"sent_count"}))

	rec := f.do(t, http.MethodPost, "/api/sends", map[string]any{
		"account_id": accountID.String(),
		"recipient":  "lead@example.com",
		"subject":    "Hello",
	})

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "daily_quota_exceeded")
}

func TestEnqueueCreatesQueueItem(t *testing.T) {
	f := setupAPI(t)
	accountID := uuid.New()

	f.mock.ExpectQuery(`SELECT a\.id, a\.organization_id`).
		WithArgs(accountID).
		WillReturnRows(f.accountRow(accountID, uuid.New(), store.AccountActive))
	f.mock.ExpectBegin()
	f.mock.ExpectExec(`INSERT INTO send_queue`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	rec := f.do(t, http.MethodPost, "/api/sends/queue", map[string]any{
		"account_id": accountID.String(),
		"recipient":  "lead@example.com",
		"subject":    "Hello",
		"body_html":  "<p>Hi</p>",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "queue_item_id")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestEnqueueCampaignSendCreatesPendingLink(t *testing.T) {
	f := setupAPI(t)
	accountID := uuid.New()
	campaignID := uuid.New()
	contactID := uuid.New()

	f.mock.ExpectQuery(`SELECT a\.id, a\.organization_id`).
		WithArgs(accountID).
		WillReturnRows(f.accountRow(accountID, uuid.New(), store.AccountActive))
	f.mock.ExpectBegin()
	f.mock.ExpectExec(`INSERT INTO send_queue`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	// The delivery state machine starts at pending when the send is queued.
	f.mock.ExpectExec(`INSERT INTO campaign_contacts`).
		WithArgs(campaignID, contactID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := f.do(t, http.MethodPost, "/api/sends/queue", map[string]any{
		"account_id":  accountID.String(),
		"recipient":   "lead@example.com",
		"subject":     "Hello",
		"body_html":   "<p>Hi</p>",
		"campaign_id": campaignID.String(),
		"contact_id":  contactID.String(),
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCloseThread(t *testing.T) {
	f := setupAPI(t)
	threadID := uuid.New()

	f.mock.ExpectExec(`UPDATE email_threads SET is_active = FALSE`).
		WithArgs(threadID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/inbox/threads/%s/close", threadID), nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSetFlagsRequiresAtLeastOneFlag(t *testing.T) {
	f := setupAPI(t)
	messageID := uuid.New()

	f.mock.ExpectQuery(`SELECT id, organization_id, account_id, thread_id`).
		WithArgs(messageID).
		WillReturnRows(inboxMessageRow(messageID))

	rec := f.do(t, http.MethodPatch, fmt.Sprintf("/api/inbox/messages/%s/flags", messageID), map[string]any{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetFlagsUpdatesMessage(t *testing.T) {
	f := setupAPI(t)
	messageID := uuid.New()

	f.mock.ExpectQuery(`SELECT id, organization_id, account_id, thread_id`).
		WithArgs(messageID).
		WillReturnRows(inboxMessageRow(messageID))
	f.mock.ExpectExec(`UPDATE inbox_messages SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := f.do(t, http.MethodPatch, fmt.Sprintf("/api/inbox/messages/%s/flags", messageID), map[string]any{
		"is_read": true,
	})

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGetVerdictNotClassified(t *testing.T) {
	f := setupAPI(t)
	messageID := uuid.New()

	f.mock.ExpectQuery(`SELECT id, organization_id, account_id, thread_id`).
		WithArgs(messageID).
		WillReturnRows(inboxMessageRow(messageID))
	f.mock.ExpectQuery(`SELECT message_id, organization_id, intent`).
		WillReturnRows(sqlmock.NewRows([]string{"message_id"}))

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/inbox/messages/%s/verdict", messageID), nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func inboxMessageRow(messageID uuid.UUID) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "organization_id", "account_id", "thread_id", "provider_message_id", "direction",
		"from_email", "from_name", "subject", "content", "html_content", "message_type",
		"confidence_score", "campaign_id", "contact_id", "is_read", "is_archived", "is_starred",
		"received_at", "created_at",
	}).AddRow(
		messageID, uuid.New(), uuid.New(), uuid.New(), "prov-1", "inbound",
		"lead@example.com", "Lead", "Re: Hello", "body", "<p>body</p>", "reply",
		0.7, nil, nil, false, false, false,
		time.Now(), time.Now())
}
