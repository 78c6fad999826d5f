// Package vault owns provider credentials at rest: authenticated
// encryption of token pairs and the per-account refresh path with
// distributed mutual exclusion.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/pkg/distlock"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/provider"
	"github.com/ignite/outreach-engine/internal/store"
)

// ErrAccountNotConnected is returned for accounts whose credentials
// cannot be used at all: disconnected, or stuck in error awaiting a
// user reconnect.
var ErrAccountNotConnected = errors.New("vault: account is not connected")

// RefreshError wraps a failed token refresh. The account has already
// been forced into the error state when this is returned; sends and
// polls halt until the user reconnects.
type RefreshError struct {
	AccountID string
	Reason    string
	Err       error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("vault: token refresh failed for account %s: %s", e.AccountID, e.Reason)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Vault wires the crypter, the account store, and the provider registry
// into the ensure-fresh-token operation.
type Vault struct {
	crypter  *Crypter
	store    *store.Store
	registry *provider.Registry
	redis    *redis.Client
	db       *sql.DB
	cfg      config.VaultConfig
}

// New creates a vault. redisClient may be nil; locking then falls back
// to PG advisory locks.
func New(st *store.Store, registry *provider.Registry, redisClient *redis.Client, cfg config.VaultConfig) *Vault {
	return &Vault{
		crypter:  NewCrypter(cfg.MasterKey, cfg.PBKDF2Iters),
		store:    st,
		registry: registry,
		redis:    redisClient,
		db:       st.DB(),
		cfg:      cfg,
	}
}

// Encrypt seals a credential for storage.
func (v *Vault) Encrypt(plaintext string) ([]byte, error) {
	return v.crypter.Encrypt([]byte(plaintext))
}

// Decrypt opens a stored credential.
func (v *Vault) Decrypt(blob []byte) (string, error) {
	b, err := v.crypter.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EnsureFreshToken returns a usable access token for the account,
// refreshing first when the stored expiry is inside the skew window.
func (v *Vault) EnsureFreshToken(ctx context.Context, account *store.Account) (string, error) {
	if account.Status == store.AccountDisconnected || account.Status == store.AccountError {
		return "", ErrAccountNotConnected
	}

	// Static-credential providers (SES relay) have no expiry and no
	// refresh; hand back whatever is stored.
	if account.TokenExpiresAt == nil {
		return v.decryptAccess(account)
	}

	if time.Until(*account.TokenExpiresAt) > v.cfg.RefreshSkew() {
		return v.decryptAccess(account)
	}

	return v.refresh(ctx, account)
}

// ForceRefresh refreshes regardless of the stored expiry. Callers use
// this after a provider 401 on a valid-looking token: the 401 is the
// expiry signal, and exactly one retry goes through this path.
func (v *Vault) ForceRefresh(ctx context.Context, account *store.Account) (string, error) {
	if account.Status == store.AccountDisconnected || account.Status == store.AccountError {
		return "", ErrAccountNotConnected
	}
	return v.refresh(ctx, account)
}

// refresh performs one mutually-exclusive refresh. Concurrent callers
// serialize on an account-scoped lock; whoever loses the race re-reads
// and uses the winner's token instead of clobbering it — with rotating
// refresh tokens, a late blind write would discard the only valid
// refresh token.
func (v *Vault) refresh(ctx context.Context, account *store.Account) (string, error) {
	adapter, err := v.registry.ForProvider(account.Provider)
	if err != nil {
		return "", err
	}

	lock := distlock.NewLock(v.redis, v.db, "token-refresh:"+account.ID.String(), v.cfg.LockTTL())

	deadline := time.Now().Add(v.cfg.LockTTL())
	for {
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			return "", fmt.Errorf("vault: acquiring refresh lock: %w", err)
		}
		if acquired {
			break
		}
		// Another worker is refreshing this account. Wait it out and
		// pick up its result.
		if time.Now().After(deadline) {
			return "", fmt.Errorf("vault: timed out waiting for refresh lock on account %s", account.ID)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}

		fresh, err := v.store.GetAccount(ctx, account.ID)
		if err != nil {
			return "", err
		}
		if fresh == nil {
			return "", fmt.Errorf("vault: account %s vanished during refresh", account.ID)
		}
		if fresh.TokenVersion > account.TokenVersion {
			if fresh.Status == store.AccountError {
				return "", ErrAccountNotConnected
			}
			*account = *fresh
			return v.decryptAccess(account)
		}
	}
	defer lock.Release(ctx)

	// Re-read under the lock: the previous holder may have refreshed
	// between our expiry check and the acquire.
	fresh, err := v.store.GetAccount(ctx, account.ID)
	if err != nil {
		return "", err
	}
	if fresh == nil {
		return "", fmt.Errorf("vault: account %s vanished during refresh", account.ID)
	}
	if fresh.TokenVersion > account.TokenVersion {
		*account = *fresh
		return v.decryptAccess(account)
	}
	*account = *fresh

	refreshToken, err := v.Decrypt(account.RefreshTokenEnc)
	if err != nil {
		return "", err
	}

	pair, err := adapter.RefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, provider.ErrRefreshUnsupported) {
			return v.decryptAccess(account)
		}
		reason := fmt.Sprintf("token refresh failed: %v", err)
		if markErr := v.store.MarkAccountError(ctx, account.ID, reason); markErr != nil {
			logger.Error("vault: failed to mark account errored",
				"account_id", account.ID.String(), "error", markErr.Error())
		}
		account.Status = store.AccountError
		return "", &RefreshError{AccountID: account.ID.String(), Reason: reason, Err: err}
	}

	accessEnc, err := v.Encrypt(pair.AccessToken)
	if err != nil {
		return "", err
	}
	refreshEnc, err := v.Encrypt(pair.RefreshToken)
	if err != nil {
		return "", err
	}

	ok, err := v.store.UpdateTokens(ctx, account.ID, accessEnc, refreshEnc, pair.ExpiresAt, account.TokenVersion)
	if err != nil {
		return "", err
	}
	if !ok {
		// CAS lost despite the lock (lock expiry under a slow provider
		// call). The other writer's token is the live one.
		logger.Warn("vault: refresh CAS lost, using persisted token", "account_id", account.ID.String())
		fresh, err := v.store.GetAccount(ctx, account.ID)
		if err != nil {
			return "", err
		}
		if fresh == nil {
			return "", fmt.Errorf("vault: account %s vanished during refresh", account.ID)
		}
		*account = *fresh
		return v.decryptAccess(account)
	}

	account.AccessTokenEnc = accessEnc
	account.RefreshTokenEnc = refreshEnc
	account.TokenExpiresAt = &pair.ExpiresAt
	account.TokenVersion++
	if account.Status == store.AccountError {
		account.Status = store.AccountActive
	}

	logger.Info("vault: refreshed token",
		"account_id", account.ID.String(), "provider", account.Provider)
	return pair.AccessToken, nil
}

func (v *Vault) decryptAccess(account *store.Account) (string, error) {
	if len(account.AccessTokenEnc) == 0 {
		return "", nil
	}
	return v.Decrypt(account.AccessTokenEnc)
}
