package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// CreateAccount inserts a new connected mailbox.
func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	if a.Status == "" {
		a.Status = AccountConnecting
	}

	query := `INSERT INTO mail_accounts (id, organization_id, provider, email, display_name,
		access_token_enc, refresh_token_enc, token_expires_at, token_version, daily_limit,
		status, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.db.ExecContext(ctx, query, a.ID, a.OrganizationID, a.Provider, a.Email,
		a.DisplayName, a.AccessTokenEnc, a.RefreshTokenEnc, a.TokenExpiresAt, a.TokenVersion,
		a.DailyLimit, a.Status, a.LastError, a.CreatedAt, a.UpdatedAt)
	return err
}

// GetAccount retrieves an account by ID, with today's sent count folded
// in so callers see the current daily usage.
func (s *Store) GetAccount(ctx context.Context, accountID uuid.UUID) (*Account, error) {
	query := `SELECT a.id, a.organization_id, a.provider, a.email, a.display_name,
		a.access_token_enc, a.refresh_token_enc, a.token_expires_at, a.token_version,
		COALESCE(c.sent_count, 0), a.daily_limit, a.status, a.last_error, a.last_synced_at,
		a.created_at, a.updated_at
		FROM mail_accounts a
		LEFT JOIN account_send_counters c ON c.account_id = a.id AND c.day = CURRENT_DATE
		WHERE a.id = $1`

	a := &Account{}
	err := s.db.QueryRowContext(ctx, query, accountID).Scan(
		&a.ID, &a.OrganizationID, &a.Provider, &a.Email, &a.DisplayName,
		&a.AccessTokenEnc, &a.RefreshTokenEnc, &a.TokenExpiresAt, &a.TokenVersion,
		&a.DailySent, &a.DailyLimit, &a.Status, &a.LastError, &a.LastSyncedAt,
		&a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListPollableAccounts returns accounts eligible for an inbox sweep.
func (s *Store) ListPollableAccounts(ctx context.Context) ([]*Account, error) {
	query := `SELECT id, organization_id, provider, email, display_name,
		access_token_enc, refresh_token_enc, token_expires_at, token_version,
		0, daily_limit, status, last_error, last_synced_at, created_at, updated_at
		FROM mail_accounts
		WHERE status IN ('active', 'warming_up')
		ORDER BY last_synced_at NULLS FIRST`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a := &Account{}
		err := rows.Scan(&a.ID, &a.OrganizationID, &a.Provider, &a.Email, &a.DisplayName,
			&a.AccessTokenEnc, &a.RefreshTokenEnc, &a.TokenExpiresAt, &a.TokenVersion,
			&a.DailySent, &a.DailyLimit, &a.Status, &a.LastError, &a.LastSyncedAt,
			&a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateTokens replaces the credential pair atomically, guarded by a
// compare-and-set on token_version. Two concurrent refreshes can both
// reach the provider, but only the one holding the version it read wins
// the write; the loser must re-read rather than clobber a newer rotating
// refresh token. Returns false if the version moved underneath us.
func (s *Store) UpdateTokens(ctx context.Context, accountID uuid.UUID, accessEnc, refreshEnc []byte, expiresAt time.Time, expectedVersion int) (bool, error) {
	query := `UPDATE mail_accounts
		SET access_token_enc = $1, refresh_token_enc = $2, token_expires_at = $3,
			token_version = token_version + 1, status = CASE WHEN status = 'error' THEN 'active' ELSE status END,
			last_error = '', updated_at = NOW()
		WHERE id = $4 AND token_version = $5`

	res, err := s.db.ExecContext(ctx, query, accessEnc, refreshEnc, expiresAt, accountID, expectedVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetAccountStatus updates the lifecycle status.
func (s *Store) SetAccountStatus(ctx context.Context, accountID uuid.UUID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mail_accounts SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, accountID)
	return err
}

// MarkAccountError forces the account into the error state with a
// human-readable reason. Sends and polls halt until the user reconnects.
func (s *Store) MarkAccountError(ctx context.Context, accountID uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mail_accounts SET status = 'error', last_error = $1, updated_at = NOW() WHERE id = $2`,
		reason, accountID)
	return err
}

// AdvanceWatermark records a successful sweep boundary. Only called
// after a fully successful sweep so a failed window is re-scanned next
// cycle.
func (s *Store) AdvanceWatermark(ctx context.Context, accountID uuid.UUID, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mail_accounts SET last_synced_at = $1, updated_at = NOW() WHERE id = $2`,
		ts, accountID)
	return err
}

// TryReserveDailySend atomically increments today's per-account counter
// if and only if the result stays within the daily limit. The check and
// the increment are one statement, so two concurrent sends can never
// both slip under the cap. Returns false when the quota is exhausted.
func (s *Store) TryReserveDailySend(ctx context.Context, accountID uuid.UUID, dailyLimit int) (bool, error) {
	query := `INSERT INTO account_send_counters (account_id, day, sent_count)
		VALUES ($1, CURRENT_DATE, 1)
		ON CONFLICT (account_id, day)
		DO UPDATE SET sent_count = account_send_counters.sent_count + 1
		WHERE account_send_counters.sent_count < $2
		RETURNING sent_count`

	var sent int
	err := s.db.QueryRowContext(ctx, query, accountID, dailyLimit).Scan(&sent)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sent > dailyLimit {
		// Fresh insert with a limit of zero; undo it.
		if err := s.ReleaseDailySend(ctx, accountID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ReleaseDailySend returns one reserved daily slot after a provider
// failure, so a failed send consumes no quota.
func (s *Store) ReleaseDailySend(ctx context.Context, accountID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE account_send_counters SET sent_count = GREATEST(sent_count - 1, 0)
		 WHERE account_id = $1 AND day = CURRENT_DATE`,
		accountID)
	return err
}

// TryReserveMonthlySend atomically increments the organization's
// monthly counter within its plan limit. Same shape as the daily guard.
func (s *Store) TryReserveMonthlySend(ctx context.Context, orgID uuid.UUID, monthlyLimit int) (bool, error) {
	query := `INSERT INTO org_send_counters (organization_id, month, sent_count)
		VALUES ($1, DATE_TRUNC('month', CURRENT_DATE)::date, 1)
		ON CONFLICT (organization_id, month)
		DO UPDATE SET sent_count = org_send_counters.sent_count + 1
		WHERE org_send_counters.sent_count < $2
		RETURNING sent_count`

	var sent int
	err := s.db.QueryRowContext(ctx, query, orgID, monthlyLimit).Scan(&sent)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sent > monthlyLimit {
		if err := s.ReleaseMonthlySend(ctx, orgID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ReleaseMonthlySend returns one reserved monthly slot after a provider
// failure.
func (s *Store) ReleaseMonthlySend(ctx context.Context, orgID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE org_send_counters SET sent_count = GREATEST(sent_count - 1, 0)
		 WHERE organization_id = $1 AND month = DATE_TRUNC('month', CURRENT_DATE)::date`,
		orgID)
	return err
}

// GetOrganization retrieves an organization by ID.
func (s *Store) GetOrganization(ctx context.Context, orgID uuid.UUID) (*Organization, error) {
	query := `SELECT id, name, plan, monthly_limit, created_at, updated_at
		FROM organizations WHERE id = $1`

	o := &Organization{}
	err := s.db.QueryRowContext(ctx, query, orgID).Scan(
		&o.ID, &o.Name, &o.Plan, &o.MonthlyLimit, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}
