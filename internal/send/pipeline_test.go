package send

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/provider"
	"github.com/ignite/outreach-engine/internal/store"
	"github.com/ignite/outreach-engine/internal/vault"
)

type fakeAdapter struct {
	kind      string
	result    *provider.SendResult
	sendErr   error
	failFirst bool // first Send returns an auth error, second succeeds
	sent      []*provider.OutboundMessage
	tokens    []string
}

func (f *fakeAdapter) Kind() string { return f.kind }

func (f *fakeAdapter) Send(ctx context.Context, accessToken string, msg *provider.OutboundMessage) (*provider.SendResult, error) {
	f.sent = append(f.sent, msg)
	f.tokens = append(f.tokens, accessToken)
	if f.failFirst && len(f.sent) == 1 {
		return nil, &provider.AuthError{Provider: f.kind, StatusCode: 401, Message: "token expired"}
	}
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return f.result, nil
}

func (f *fakeAdapter) ListRecentMessages(ctx context.Context, accessToken string, since time.Time, limit int) ([]*provider.RawMessage, error) {
	return nil, nil
}

func (f *fakeAdapter) RefreshToken(ctx context.Context, refreshToken string) (*provider.TokenPair, error) {
	return &provider.TokenPair{
		AccessToken:  "refreshed-access-token",
		RefreshToken: "refreshed-refresh-token",
		ExpiresAt:    time.Now().Add(1 * time.Hour),
	}, nil
}

type fixture struct {
	pipeline *Pipeline
	vault    *vault.Vault
	mock     sqlmock.Sqlmock
	adapter  *fakeAdapter
}

func setupPipeline(t *testing.T, adapter *fakeAdapter) *fixture {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := store.NewStore(db)
	registry := provider.NewRegistry(context.Background(), &config.Config{})
	registry.Register(adapter)

	v := vault.New(st, registry, rdb, config.VaultConfig{
		MasterKey:       "test-master-key",
		PBKDF2Iters:     1000,
		RefreshSkewSecs: 120,
		LockTTLSecs:     2,
	})

	cfg := config.SendConfig{
		QueueBatchSize:      10,
		QueueIntervalSecs:   60,
		MaxAttempts:         3,
		DefaultDailyLimit:   50,
		DefaultMonthlyLimit: 1000,
	}
	return &fixture{
		pipeline: NewPipeline(st, v, registry, nil, cfg),
		vault:    v,
		mock:     mock,
		adapter:  adapter,
	}
}

func accountRow(f *fixture, id, orgID uuid.UUID, status string, dailyLimit int) *sqlmock.Rows {
	accessEnc, _ := f.vault.Encrypt("stored-access-token")
	refreshEnc, _ := f.vault.Encrypt("stored-refresh-token")
	expires := time.Now().Add(1 * time.Hour)
	return sqlmock.NewRows([]string{
		"id", "organization_id", "provider", "email", "display_name",
		"access_token_enc", "refresh_token_enc", "token_expires_at", "token_version",
		"sent_count", "daily_limit", "status", "last_error", "last_synced_at",
		"created_at", "updated_at",
	}).AddRow(
		id, orgID, store.ProviderGmail, "sender@example.com", "Sender",
		accessEnc, refreshEnc, expires, 1,
		0, dailyLimit, status, nil, nil,
		time.Now(), time.Now())
}

func orgRow(orgID uuid.UUID, monthlyLimit int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "plan", "monthly_limit", "created_at", "updated_at"}).
		AddRow(orgID, "Acme", "pro", monthlyLimit, time.Now(), time.Now())
}

func TestSendSuccess(t *testing.T) {
	adapter := &fakeAdapter{
		kind:   store.ProviderGmail,
		result: &provider.SendResult{MessageID: "prov-msg-1", ThreadID: "prov-thr-1"},
	}
	f := setupPipeline(t, adapter)

	accountID := uuid.New()
	orgID := uuid.New()

	f.mock.ExpectQuery(`SELECT a\.id, a\.organization_id`).
		WithArgs(accountID).
		WillReturnRows(accountRow(f, accountID, orgID, store.AccountActive, 100))
	f.mock.ExpectQuery(`INSERT INTO account_send_counters`).
		WithArgs(accountID, 100).
		WillReturnRows(sqlmock.NewRows([]string{"sent_count"}).AddRow(1))
	f.mock.ExpectQuery(`SELECT id, name, plan, monthly_limit`).
		WithArgs(orgID).
		WillReturnRows(orgRow(orgID, 1000))
	f.mock.ExpectQuery(`INSERT INTO org_send_counters`).
		WithArgs(orgID, 1000).
		WillReturnRows(sqlmock.NewRows([]string{"sent_count"}).AddRow(1))
	f.mock.ExpectExec(`INSERT INTO send_attempts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO email_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := f.pipeline.Send(context.Background(), &Request{
		AccountID: accountID,
		Recipient: "lead@example.com",
		Subject:   "Quick question",
		BodyHTML:  "<body><p>Hello</p></body>",
	})
	require.NoError(t, err)
	assert.Equal(t, "prov-msg-1", result.ProviderMessageID)
	assert.Equal(t, "prov-thr-1", result.ProviderThreadID)
	assert.NotEqual(t, uuid.Nil, result.AttemptID)

	require.Len(t, adapter.sent, 1)
	assert.Equal(t, "stored-access-token", adapter.tokens[0])
	assert.Equal(t, "sender@example.com", adapter.sent[0].FromAddress)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSendUsesCallerTrackingID(t *testing.T) {
	adapter := &fakeAdapter{
		kind:   store.ProviderGmail,
		result: &provider.SendResult{MessageID: "prov-msg-1"},
	}
	f := setupPipeline(t, adapter)

	accountID := uuid.New()
	orgID := uuid.New()

	f.mock.ExpectQuery(`SELECT a\.id, a\.organization_id`).
		WillReturnRows(accountRow(f, accountID, orgID, store.AccountActive, 100))
	f.mock.ExpectQuery(`INSERT INTO account_send_counters`).
		WillReturnRows(sqlmock.NewRows([]string{"sent_count"}).AddRow(1))
	f.mock.ExpectQuery(`SELECT id, name, plan, monthly_limit`).
		WillReturnRows(orgRow(orgID, 1000))
	f.mock.ExpectQuery(`INSERT INTO org_send_counters`).
		WillReturnRows(sqlmock.NewRows([]string{"sent_count"}).AddRow(1))
	// tracking_id is the 8th insert argument.
	f.mock.ExpectExec(`INSERT INTO send_attempts`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "queue-item-42",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO email_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := f.pipeline.Send(context.Background(), &Request{
		AccountID:  accountID,
		Recipient:  "lead@example.com",
		Subject:    "Quick question",
		BodyHTML:   "<body><p>Hello</p></body>",
		TrackingID: "queue-item-42",
	})
	require.NoError(t, err)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSendAccountNotFound(t *testing.T) {
	f := setupPipeline(t, &fakeAdapter{kind: store.ProviderGmail})

	accountID := uuid.New()
	f.mock.ExpectQuery(`SELECT a\.id, a\.organization_id`).
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := f.pipeline.Send(context.Background(), &Request{AccountID: accountID, Recipient: "x@example.com"})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestSendSuspendedAccount(t *testing.T) {
	f := setupPipeline(t, &fakeAdapter{kind: store.ProviderGmail})

	accountID := uuid.New()
	orgID := uuid.New()
	f.mock.ExpectQuery(`SELECT a\.id, a\.organization_id`).
		WithArgs(accountID).
		WillReturnRows(accountRow(f, accountID, orgID, store.AccountError, 100))

	_, err := f.pipeline.Send(context.Background(), &Request{AccountID: accountID, Recipient: "x@example.com"})
	assert.ErrorIs(t, err, ErrAccountSuspended)
	// No quota was touched.
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSendDailyQuotaExceeded(t *testing.T) {
	f := setupPipeline(t, &fakeAdapter{kind: store.ProviderGmail})

	accountID := uuid.New()
	orgID := uuid.New()
	f.mock.ExpectQuery(`SELECT a\.id, a\.organization_id`).
		WithArgs(accountID).
		WillReturnRows(accountRow(f, accountID, orgID, store.AccountActive, 50))
	// Conditional upsert matches no row when the counter is at the cap.
	f.mock.ExpectQuery(`INSERT INTO account_send_counters`).
		WithArgs(accountID, 50).
		WillReturnRows(sqlmock.NewRows([]string{"sent_count"}))

	_, err := f.pipeline.Send(context.Background(), &Request{AccountID: accountID, Recipient: "x@example.com"})
	assert.ErrorIs(t, err, ErrDailyQuotaExceeded)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSendMonthlyQuotaExceededReleasesDaily(t *testing.T) {
	f := setupPipeline(t, &fakeAdapter{kind: store.ProviderGmail})

	accountID := uuid.New()
	orgID := uuid.New()
	f.mock.ExpectQuery(`SELECT a\.id, a\.organization_id`).
		WithArgs(accountID).
		WillReturnRows(accountRow(f, accountID, orgID, store.AccountActive, 50))
	f.mock.ExpectQuery(`INSERT INTO account_send_counters`).
		WillReturnRows(sqlmock.NewRows([]string{"sent_count"}).AddRow(1))
	f.mock.ExpectQuery(`SELECT id, name, plan, monthly_limit`).
		WillReturnRows(orgRow(orgID, 200))
	f.mock.ExpectQuery(`INSERT INTO org_send_counters`).
		WithArgs(orgID, 200).
		WillReturnRows(sqlmock.NewRows([]string{"sent_count"}))
	// The daily slot reserved above must be handed back.
	f.mock.ExpectExec(`UPDATE account_send_counters SET sent_count = GREATEST`).
		WithArgs(accountID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := f.pipeline.Send(context.Background(), &Request{AccountID: accountID, Recipient: "x@example.com"})
	assert.ErrorIs(t, err, ErrMonthlyQuotaExceeded)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSendProviderFailureReleasesQuota(t *testing.T) {
	adapter := &fakeAdapter{
		kind:    store.ProviderGmail,
		sendErr: errors.New("gmail: 500 backend error"),
	}
	f := setupPipeline(t, adapter)

	accountID := uuid.New()
	orgID := uuid.New()
	campaignID := uuid.New()
	contactID := uuid.New()

	f.mock.ExpectQuery(`SELECT a\.id, a\.organization_id`).
		WillReturnRows(accountRow(f, accountID, orgID, store.AccountActive, 50))
	f.mock.ExpectQuery(`INSERT INTO account_send_counters`).
		WillReturnRows(sqlmock.NewRows([]string{"sent_count"}).AddRow(1))
	f.mock.ExpectQuery(`SELECT id, name, plan, monthly_limit`).
		WillReturnRows(orgRow(orgID, 1000))
	f.mock.ExpectQuery(`INSERT INTO org_send_counters`).
		WillReturnRows(sqlmock.NewRows([]string{"sent_count"}).AddRow(1))
	// Contact lookup for merge tags.
	f.mock.ExpectQuery(`SELECT id, organization_id, email, first_name`).
		WithArgs(contactID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "email", "first_name", "last_name", "company", "phone", "created_at", "updated_at",
		}).AddRow(contactID, orgID, "lead@example.com", "Ada", "Lovelace", "Analytical", "", time.Now(), time.Now()))
	// The account is parked until an explicit reconnect, both
	// reservations come back, and a failure event is logged.
	f.mock.ExpectExec(`UPDATE mail_accounts SET status = 'error'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE account_send_counters SET sent_count = GREATEST`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE org_send_counters SET sent_count = GREATEST`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO email_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := f.pipeline.Send(context.Background(), &Request{
		AccountID:  accountID,
		Recipient:  "lead@example.com",
		Subject:    "Hi {{ first_name }}",
		BodyHTML:   "<body>Hello {{ first_name }}</body>",
		CampaignID: &campaignID,
		ContactID:  &contactID,
	})
	require.Error(t, err)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSendProviderFailureParksAccount(t *testing.T) {
	adapter := &fakeAdapter{
		kind:    store.ProviderGmail,
		sendErr: errors.New("gmail: 500 backend error"),
	}
	f := setupPipeline(t, adapter)

	accountID := uuid.New()
	orgID := uuid.New()

	f.mock.ExpectQuery(`SELECT a\.id, a\.organization_id`).
		WillReturnRows(accountRow(f, accountID, orgID, store.AccountActive, 50))
	f.mock.ExpectQuery(`INSERT INTO account_send_counters`).
		WillReturnRows(sqlmock.NewRows([]string{"sent_count"}).AddRow(1))
	f.mock.ExpectQuery(`SELECT id, name, plan, monthly_limit`).
		WillReturnRows(orgRow(orgID, 1000))
	f.mock.ExpectQuery(`INSERT INTO org_send_counters`).
		WillReturnRows(sqlmock.NewRows([]string{"sent_count"}).AddRow(1))
	f.mock.ExpectExec(`UPDATE mail_accounts SET status = 'error'`).
		WithArgs("gmail: 500 backend error", accountID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE account_send_counters SET sent_count = GREATEST`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE org_send_counters SET sent_count = GREATEST`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := f.pipeline.Send(context.Background(), &Request{
		AccountID: accountID,
		Recipient: "lead@example.com",
		Subject:   "Hello",
		BodyHTML:  "<body>Hello</body>",
	})
	require.Error(t, err)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSendRetriesOnceAfterAuthError(t *testing.T) {
	adapter := &fakeAdapter{
		kind:      store.ProviderGmail,
		failFirst: true,
		result:    &provider.SendResult{MessageID: "prov-msg-2"},
	}
	f := setupPipeline(t, adapter)

	accountID := uuid.New()
	orgID := uuid.New()

	f.mock.ExpectQuery(`SELECT a\.id, a\.organization_id`).
		WillReturnRows(accountRow(f, accountID, orgID, store.AccountActive, 50))
	f.mock.ExpectQuery(`INSERT INTO account_send_counters`).
		WillReturnRows(sqlmock.NewRows([]string{"sent_count"}).AddRow(1))
	f.mock.ExpectQuery(`SELECT id, name, plan, monthly_limit`).
		WillReturnRows(orgRow(orgID, 1000))
	f.mock.ExpectQuery(`INSERT INTO org_send_counters`).
		WillReturnRows(sqlmock.NewRows([]string{"sent_count"}).AddRow(1))
	// ForceRefresh: re-read under lock, then the CAS update.
	f.mock.ExpectQuery(`SELECT a\.id, a\.organization_id`).
		WithArgs(accountID).
		WillReturnRows(accountRow(f, accountID, orgID, store.AccountActive, 50))
	f.mock.ExpectExec(`UPDATE mail_accounts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO send_attempts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO email_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := f.pipeline.Send(context.Background(), &Request{
		AccountID: accountID,
		Recipient: "lead@example.com",
		Subject:   "Hello",
		BodyHTML:  "<body>Hi</body>",
	})
	require.NoError(t, err)
	assert.Equal(t, "prov-msg-2", result.ProviderMessageID)
	require.Len(t, adapter.sent, 2)
	assert.Equal(t, "refreshed-access-token", adapter.tokens[1])
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRenderMergeTags(t *testing.T) {
	f := setupPipeline(t, &fakeAdapter{kind: store.ProviderGmail})

	contactID := uuid.New()
	orgID := uuid.New()
	f.mock.ExpectQuery(`SELECT id, organization_id, email, first_name`).
		WithArgs(contactID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "email", "first_name", "last_name", "company", "phone", "created_at", "updated_at",
		}).AddRow(contactID, orgID, "ada@analytical.com", "Ada", "Lovelace", "Analytical Engines", "", time.Now(), time.Now()))

	subject, body, err := f.pipeline.render(context.Background(), &Request{
		Recipient: "ada@analytical.com",
		Subject:   "{{ first_name }}, quick question about {{ company }}",
		BodyHTML:  "<p>Hi {{ first_name }} {{ last_name }}</p>",
		ContactID: &contactID,
	})
	require.NoError(t, err)
	assert.Equal(t, "Ada, quick question about Analytical Engines", subject)
	assert.Equal(t, "<p>Hi Ada Lovelace</p>", body)
}

func TestRenderWithoutContact(t *testing.T) {
	f := setupPipeline(t, &fakeAdapter{kind: store.ProviderGmail})

	subject, body, err := f.pipeline.render(context.Background(), &Request{
		Recipient: "x@example.com",
		Subject:   "Hello {{ first_name }}",
		BodyHTML:  "<p>Hi {{ first_name }}</p>",
	})
	require.NoError(t, err)
	// Unknown tags collapse to empty rather than leaking braces.
	assert.Equal(t, "Hello ", subject)
	assert.Equal(t, "<p>Hi </p>", body)
}
