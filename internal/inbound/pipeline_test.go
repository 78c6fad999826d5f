package inbound

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/outreach-engine/internal/classify"
	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/correlate"
	"github.com/ignite/outreach-engine/internal/crmsync"
	"github.com/ignite/outreach-engine/internal/provider"
	"github.com/ignite/outreach-engine/internal/store"
)

func scoringWeights() config.ScoringConfig {
	return config.ScoringConfig{
		SubjectPrefix:    0.4,
		ThreadingHeaders: 0.5,
		QuotedBody:       0.2,
		KnownRecipient:   0.3,
		ThreadSubject:    0.4,
		Threshold:        0.3,
	}
}

func setupPipeline(t *testing.T) (*Pipeline, sqlmock.Sqlmock, *crmsync.Syncer) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := store.NewStore(db)
	detector := correlate.NewDetector(st, scoringWeights())

	// Disabled gateway: classification paths are covered in the
	// classify package.
	gateway, err := classify.NewGateway(context.Background(), st, config.ClassifierConfig{Enabled: false})
	require.NoError(t, err)

	syncer := crmsync.NewSyncer(st, rdb, config.CRMConfig{QueueSize: 8, Workers: 1})

	return NewPipeline(st, detector, gateway, syncer), mock, syncer
}

func testAccount() *store.Account {
	return &store.Account{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		Provider:       store.ProviderGmail,
		Email:          "sender@example.com",
		Status:         store.AccountActive,
	}
}

func rawReply() *provider.RawMessage {
	return &provider.RawMessage{
		MessageID:  "prov-msg-1",
		From:       "lead@example.com",
		FromName:   "Ada Lovelace",
		Subject:    "Re: Quarterly Update",
		Content:    "Sounds great, let's talk.",
		Headers:    map[string]string{"In-Reply-To": "<orig@mail>"},
		ReceivedAt: time.Now(),
	}
}

// expectDetectorLookups arms the two correlate queries with empty
// results.
func expectDetectorLookups(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT cc\.campaign_id, cc\.contact_id`).
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "contact_id"}))
	mock.ExpectQuery(`SELECT id, organization_id, subject, normalized_subject`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
}

func TestProcessNewThread(t *testing.T) {
	p, mock, _ := setupPipeline(t)
	account := testAccount()

	expectDetectorLookups(mock)
	mock.ExpectExec(`INSERT INTO email_threads`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO inbox_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE email_threads SET message_count = message_count \+ 1`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Process(context.Background(), account, rawReply()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessDuplicateSkipsCounterAndDownstream(t *testing.T) {
	p, mock, _ := setupPipeline(t)
	account := testAccount()

	expectDetectorLookups(mock)
	mock.ExpectExec(`INSERT INTO email_threads`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// ON CONFLICT DO NOTHING: zero rows affected means duplicate.
	mock.ExpectExec(`INSERT INTO inbox_messages`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.Process(context.Background(), account, rawReply()))
	// No counter bump, no reply transition, no classification.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessCorrelatedReplyAdvancesLink(t *testing.T) {
	p, mock, _ := setupPipeline(t)
	account := testAccount()
	campaignID := uuid.New()
	contactID := uuid.New()

	mock.ExpectQuery(`SELECT cc\.campaign_id, cc\.contact_id`).
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "contact_id"}).
			AddRow(campaignID, contactID))
	mock.ExpectQuery(`SELECT id, organization_id, subject, normalized_subject`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO email_threads`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO inbox_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE email_threads SET message_count`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaign_contacts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO email_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Process(context.Background(), account, rawReply()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessReusesDetectedThread(t *testing.T) {
	p, mock, _ := setupPipeline(t)
	account := testAccount()
	threadID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT cc\.campaign_id, cc\.contact_id`).
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "contact_id"}))
	mock.ExpectQuery(`SELECT id, organization_id, subject, normalized_subject`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "subject", "normalized_subject", "last_message_at",
			"last_message_from", "message_count", "is_active", "created_at", "updated_at",
		}).AddRow(threadID, account.OrganizationID, "Quarterly Update", "quarterly update",
			now, "lead@example.com", 1, true, now, now))
	mock.ExpectQuery(`SELECT campaign_id, contact_id FROM inbox_messages`).
		WithArgs(threadID).
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "contact_id"}))
	// TouchThread upserts the existing thread ID.
	mock.ExpectExec(`INSERT INTO email_threads`).
		WithArgs(threadID, account.OrganizationID, sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO inbox_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE email_threads SET message_count`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Process(context.Background(), account, rawReply()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSplitDisplayName(t *testing.T) {
	tests := []struct {
		in, first, last string
	}{
		{"Ada Lovelace", "Ada", "Lovelace"},
		{"Ada", "Ada", ""},
		{"", "", ""},
		{"Ada King Lovelace", "Ada King", "Lovelace"},
		{"  Ada  ", "Ada", ""},
	}
	for _, tt := range tests {
		first, last := splitDisplayName(tt.in)
		assert.Equal(t, tt.first, first, tt.in)
		assert.Equal(t, tt.last, last, tt.in)
	}
}
