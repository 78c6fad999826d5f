// Package tracker implements open and click tracking: signed pixel and
// redirect URLs injected into outbound HTML, and the handlers that turn
// hits on those URLs into engagement events.
package tracker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/store"
)

// Service signs, verifies, and records tracking hits. Payloads carry
// only the attempt's opaque tracking ID; everything else is looked up
// server-side so a forged URL cannot reference foreign data.
type Service struct {
	store      *store.Store
	signingKey []byte
	baseURL    string
	enabled    bool
}

func NewService(st *store.Store, cfg config.TrackingConfig) *Service {
	return &Service{
		store:      st,
		signingKey: []byte(cfg.HMACSecret),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		enabled:    cfg.Enabled,
	}
}

// Enabled reports whether tracking injection is on.
func (s *Service) Enabled() bool { return s.enabled }

// OpenPixelURL returns the signed 1x1 pixel URL for an attempt.
func (s *Service) OpenPixelURL(trackingID string) string {
	encoded := base64.URLEncoding.EncodeToString([]byte(trackingID))
	return fmt.Sprintf("%s/t/open/%s/%s.gif", s.baseURL, encoded, s.sign(trackingID))
}

// ClickURL returns a signed redirect URL wrapping originalURL.
func (s *Service) ClickURL(trackingID, originalURL string) string {
	data := trackingID + "|" + originalURL
	encoded := base64.URLEncoding.EncodeToString([]byte(data))
	return fmt.Sprintf("%s/t/click/%s/%s", s.baseURL, encoded, s.sign(data))
}

// InjectTracking rewrites outbound HTML: open pixel before </body>
// (appended when no body tag exists) and every absolute href wrapped in
// a click redirect.
func (s *Service) InjectTracking(html, trackingID string) string {
	if !s.enabled {
		return html
	}

	html = s.rewriteLinks(html, trackingID)

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none" alt="" />`,
		s.OpenPixelURL(trackingID))
	if strings.Contains(html, "</body>") {
		return strings.Replace(html, "</body>", pixel+"</body>", 1)
	}
	return html + pixel
}

func (s *Service) rewriteLinks(html, trackingID string) string {
	var b strings.Builder
	rest := html
	for {
		start := strings.Index(rest, `href="http`)
		if start == -1 {
			break
		}
		start += len(`href="`)
		end := strings.Index(rest[start:], `"`)
		if end == -1 {
			break
		}

		original := rest[start : start+end]
		b.WriteString(rest[:start])
		// Leave unsubscribe and already-tracked URLs alone.
		if strings.Contains(original, "/t/click/") || strings.Contains(original, "/unsubscribe") {
			b.WriteString(original)
		} else {
			b.WriteString(s.ClickURL(trackingID, original))
		}
		rest = rest[start+end:]
	}
	b.WriteString(rest)
	return b.String()
}

func (s *Service) sign(data string) string {
	h := hmac.New(sha256.New, s.signingKey)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (s *Service) verify(data, signature string) bool {
	return hmac.Equal([]byte(s.sign(data)), []byte(signature))
}

// RecordOpen processes a verified pixel hit.
func (s *Service) RecordOpen(ctx context.Context, encoded, signature string) error {
	trackingID, err := s.decode(encoded, signature)
	if err != nil {
		return err
	}
	return s.record(ctx, trackingID, store.EventOpened, "")
}

// RecordClick processes a verified click hit and returns the original
// destination URL.
func (s *Service) RecordClick(ctx context.Context, encoded, signature string) (string, error) {
	data, err := s.decode(encoded, signature)
	if err != nil {
		return "", err
	}
	trackingID, originalURL, ok := strings.Cut(data, "|")
	if !ok || originalURL == "" {
		return "", fmt.Errorf("tracker: malformed click payload")
	}
	if err := s.record(ctx, trackingID, store.EventClicked, originalURL); err != nil {
		return originalURL, err
	}
	return originalURL, nil
}

func (s *Service) decode(encoded, signature string) (string, error) {
	decoded, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("tracker: invalid encoding")
	}
	data := string(decoded)
	if !s.verify(data, signature) {
		return "", fmt.Errorf("tracker: invalid signature")
	}
	return data, nil
}

// record logs the engagement event and advances the campaign link.
// Unknown tracking IDs are dropped silently; the pixel must still be
// served.
func (s *Service) record(ctx context.Context, trackingID, eventType, linkURL string) error {
	attempt, err := s.store.GetAttemptByTrackingID(ctx, trackingID)
	if err != nil {
		return err
	}
	if attempt == nil {
		logger.Debug("tracker: hit for unknown tracking id", "event_type", eventType)
		return nil
	}

	metadata := store.JSON{"recipient": attempt.Recipient}
	if linkURL != "" {
		metadata["url"] = linkURL
	}
	event := &store.EmailEvent{
		OrganizationID: attempt.OrganizationID,
		AccountID:      &attempt.AccountID,
		AttemptID:      &attempt.ID,
		CampaignID:     attempt.CampaignID,
		ContactID:      attempt.ContactID,
		EventType:      eventType,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
	}
	if err := s.store.InsertEvent(ctx, event); err != nil {
		return err
	}

	if attempt.CampaignID != nil && attempt.ContactID != nil {
		linkStatus := store.LinkOpened
		if eventType == store.EventClicked {
			linkStatus = store.LinkClicked
		}
		applied, err := s.store.TransitionLink(ctx, *attempt.CampaignID, *attempt.ContactID, linkStatus)
		if err != nil {
			return err
		}
		if !applied {
			logger.Debug("tracker: link already past stage",
				"campaign_id", attempt.CampaignID.String(), "status", linkStatus)
		}
	}
	return nil
}
