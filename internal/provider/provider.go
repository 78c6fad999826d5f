// Package provider implements mail provider adapters behind one
// uniform capability set: send, list recent messages, refresh token.
// Adapters are pure wire clients — they hold app credentials, never
// account tokens, and never touch the database.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OutboundMessage is one email handed to an adapter's Send.
type OutboundMessage struct {
	FromAddress string
	FromName    string
	To          string
	Subject     string
	HTMLBody    string
}

// SendResult is what a provider reports for an accepted message.
type SendResult struct {
	MessageID string
	ThreadID  string
}

// RawMessage is one inbound email as fetched from a provider, before
// any correlation or persistence.
type RawMessage struct {
	MessageID   string
	From        string
	FromName    string
	Subject     string
	Content     string
	HTMLContent string
	Headers     map[string]string
	ReceivedAt  time.Time
}

// TokenPair is the result of a refresh. Providers with rotating refresh
// tokens return a new RefreshToken; others echo the old one.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Adapter is the per-provider capability set. Implementations take the
// access token per call; there is no ambient credential state.
type Adapter interface {
	// Kind returns the provider key ("gmail", "graph", "ses").
	Kind() string
	// Send delivers one message.
	Send(ctx context.Context, accessToken string, msg *OutboundMessage) (*SendResult, error)
	// ListRecentMessages fetches inbound mail received since the given
	// timestamp. Send-only providers return ErrInboxUnsupported.
	ListRecentMessages(ctx context.Context, accessToken string, since time.Time, limit int) ([]*RawMessage, error)
	// RefreshToken exchanges a refresh token for a fresh pair.
	// Providers with static credentials return ErrRefreshUnsupported.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// AuthError marks a provider rejection of our credentials (401/403 or
// an OAuth invalid_grant). The vault treats it as an expiry signal.
type AuthError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s auth error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// ErrInboxUnsupported is returned by send-only adapters (relay
// providers) whose mailboxes cannot be polled. The poller skips these
// accounts instead of marking them errored.
var ErrInboxUnsupported = errors.New("provider: inbox listing not supported")

// ErrRefreshUnsupported is returned by adapters whose credentials are
// static and never expire.
var ErrRefreshUnsupported = errors.New("provider: token refresh not supported")
