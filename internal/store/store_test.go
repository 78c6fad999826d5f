package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func setupTestDB(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewStore(db), mock, func() { db.Close() }
}

func TestHashEmail(t *testing.T) {
	tests := []struct {
		name  string
		email string
		same  string
	}{
		{"lowercase", "ava@example.com", "ava@example.com"},
		{"case insensitive", "AVA@EXAMPLE.COM", "ava@example.com"},
		{"trims whitespace", "  ava@example.com  ", "ava@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, want := HashEmail(tt.email), HashEmail(tt.same); got != want {
				t.Errorf("HashEmail(%q) = %q, want %q", tt.email, got, want)
			}
		})
	}
}

func TestLinkStageRank(t *testing.T) {
	tests := []struct {
		status string
		rank   int
	}{
		{LinkPending, 0},
		{LinkSent, 1},
		{LinkDelivered, 2},
		{LinkOpened, 3},
		{LinkClicked, 4},
		{LinkBounced, 5},
		{LinkReplied, 5},
		{LinkUnsubscribed, 5},
		{"garbage", -1},
	}

	for _, tt := range tests {
		if got := linkStageRank(tt.status); got != tt.rank {
			t.Errorf("linkStageRank(%q) = %d, want %d", tt.status, got, tt.rank)
		}
	}
}

func TestGetAccountScansNullLastError(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	accountID := uuid.New()
	// Accounts that never errored carry a NULL last_error.
	mock.ExpectQuery(`SELECT a\.id, a\.organization_id`).
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "provider", "email", "display_name",
			"access_token_enc", "refresh_token_enc", "token_expires_at", "token_version",
			"sent_count", "daily_limit", "status", "last_error", "last_synced_at",
			"created_at", "updated_at",
		}).AddRow(
			accountID, uuid.New(), ProviderGmail, "sender@example.com", "Sender",
			[]byte("enc"), []byte("enc"), nil, 1,
			0, 50, AccountActive, nil, nil,
			time.Now(), time.Now()))

	account, err := s.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("GetAccount error: %v", err)
	}
	if account == nil {
		t.Fatal("expected an account")
	}
	if account.LastError != nil {
		t.Errorf("LastError = %v, want nil", *account.LastError)
	}
	if account.Email != "sender@example.com" {
		t.Errorf("Email = %q", account.Email)
	}
}

func TestTryReserveDailySend(t *testing.T) {
	t.Run("within limit", func(t *testing.T) {
		s, mock, cleanup := setupTestDB(t)
		defer cleanup()

		accountID := uuid.New()
		mock.ExpectQuery(`INSERT INTO account_send_counters`).
			WithArgs(accountID, 50).
			WillReturnRows(sqlmock.NewRows([]string{"sent_count"}).AddRow(12))

		ok, err := s.TryReserveDailySend(context.Background(), accountID, 50)
		if err != nil {
			t.Fatalf("TryReserveDailySend error: %v", err)
		}
		if !ok {
			t.Error("expected reservation to succeed under the limit")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("quota exhausted", func(t *testing.T) {
		s, mock, cleanup := setupTestDB(t)
		defer cleanup()

		accountID := uuid.New()
		// The conditional upsert matches no row once the cap is hit.
		mock.ExpectQuery(`INSERT INTO account_send_counters`).
			WithArgs(accountID, 50).
			WillReturnError(sql.ErrNoRows)

		ok, err := s.TryReserveDailySend(context.Background(), accountID, 50)
		if err != nil {
			t.Fatalf("TryReserveDailySend error: %v", err)
		}
		if ok {
			t.Error("expected reservation to fail at the limit")
		}
	})

	t.Run("fresh insert over a zero limit rolls back", func(t *testing.T) {
		s, mock, cleanup := setupTestDB(t)
		defer cleanup()

		accountID := uuid.New()
		mock.ExpectQuery(`INSERT INTO account_send_counters`).
			WithArgs(accountID, 0).
			WillReturnRows(sqlmock.NewRows([]string{"sent_count"}).AddRow(1))
		mock.ExpectExec(`UPDATE account_send_counters SET sent_count = GREATEST`).
			WithArgs(accountID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := s.TryReserveDailySend(context.Background(), accountID, 0)
		if err != nil {
			t.Fatalf("TryReserveDailySend error: %v", err)
		}
		if ok {
			t.Error("expected reservation to fail for a zero limit")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})
}

func TestTransitionLink(t *testing.T) {
	t.Run("forward transition applies", func(t *testing.T) {
		s, mock, cleanup := setupTestDB(t)
		defer cleanup()

		campaignID, contactID := uuid.New(), uuid.New()
		mock.ExpectExec(`UPDATE campaign_contacts`).
			WithArgs(campaignID, contactID, LinkOpened).
			WillReturnResult(sqlmock.NewResult(0, 1))

		applied, err := s.TransitionLink(context.Background(), campaignID, contactID, LinkOpened)
		if err != nil {
			t.Fatalf("TransitionLink error: %v", err)
		}
		if !applied {
			t.Error("expected transition to apply")
		}
	})

	t.Run("regression is rejected by the guard", func(t *testing.T) {
		s, mock, cleanup := setupTestDB(t)
		defer cleanup()

		campaignID, contactID := uuid.New(), uuid.New()
		// Row already past this stage: the guard matches nothing.
		mock.ExpectExec(`UPDATE campaign_contacts`).
			WithArgs(campaignID, contactID, LinkOpened).
			WillReturnResult(sqlmock.NewResult(0, 0))

		applied, err := s.TransitionLink(context.Background(), campaignID, contactID, LinkOpened)
		if err != nil {
			t.Fatalf("TransitionLink error: %v", err)
		}
		if applied {
			t.Error("expected transition to be rejected")
		}
	})

	t.Run("unknown status", func(t *testing.T) {
		s, _, cleanup := setupTestDB(t)
		defer cleanup()

		_, err := s.TransitionLink(context.Background(), uuid.New(), uuid.New(), "teleported")
		if err != ErrUnknownLinkStatus {
			t.Errorf("expected ErrUnknownLinkStatus, got %v", err)
		}
	})
}

func TestInsertInboxMessageDuplicate(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	msg := &InboxMessage{
		OrganizationID:    uuid.New(),
		AccountID:         uuid.New(),
		ThreadID:          uuid.New(),
		ProviderMessageID: "prov-123",
		FromEmail:         "reply@example.com",
	}

	// First delivery inserts, second is swallowed by ON CONFLICT.
	mock.ExpectExec(`INSERT INTO inbox_messages`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO inbox_messages`).WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := s.InsertInboxMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("InsertInboxMessage error: %v", err)
	}
	if !inserted {
		t.Error("first delivery should insert")
	}

	inserted, err = s.InsertInboxMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("InsertInboxMessage error: %v", err)
	}
	if inserted {
		t.Error("duplicate delivery should not insert")
	}
}

func TestGetAccountNotFound(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	accountID := uuid.New()
	mock.ExpectQuery(`SELECT a.id, a.organization_id`).
		WithArgs(accountID).
		WillReturnError(sql.ErrNoRows)

	account, err := s.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("GetAccount error: %v", err)
	}
	if account != nil {
		t.Error("expected nil account for missing row")
	}
}

func TestUpdateTokensCAS(t *testing.T) {
	t.Run("version matches", func(t *testing.T) {
		s, mock, cleanup := setupTestDB(t)
		defer cleanup()

		mock.ExpectExec(`UPDATE mail_accounts`).WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := s.UpdateTokens(context.Background(), uuid.New(), []byte("a"), []byte("r"), time.Now(), 3)
		if err != nil {
			t.Fatalf("UpdateTokens error: %v", err)
		}
		if !ok {
			t.Error("expected CAS write to win")
		}
	})

	t.Run("version moved", func(t *testing.T) {
		s, mock, cleanup := setupTestDB(t)
		defer cleanup()

		mock.ExpectExec(`UPDATE mail_accounts`).WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := s.UpdateTokens(context.Background(), uuid.New(), []byte("a"), []byte("r"), time.Now(), 3)
		if err != nil {
			t.Fatalf("UpdateTokens error: %v", err)
		}
		if ok {
			t.Error("expected CAS write to lose against a newer version")
		}
	})
}
