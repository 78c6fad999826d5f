package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/pkg/httpretry"
)

const gmailBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"

// GmailAdapter talks to the Gmail REST API. Sends go out as raw RFC 822
// messages; inbound mail is fetched with a messages.list + messages.get
// pair per sweep.
type GmailAdapter struct {
	oauthCfg   *oauth2.Config
	baseURL    string
	httpClient httpretry.HTTPDoer
}

// NewGmailAdapter creates a Gmail adapter from app credentials.
func NewGmailAdapter(cfg config.GoogleConfig) *GmailAdapter {
	return &GmailAdapter{
		oauthCfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes: []string{
				"https://www.googleapis.com/auth/gmail.send",
				"https://www.googleapis.com/auth/gmail.readonly",
			},
			Endpoint: google.Endpoint,
		},
		baseURL: gmailBaseURL,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 3),
	}
}

// Kind returns the provider key.
func (a *GmailAdapter) Kind() string { return "gmail" }

// Send delivers one message via the Gmail API.
func (a *GmailAdapter) Send(ctx context.Context, accessToken string, msg *OutboundMessage) (*SendResult, error) {
	raw := buildRFC822(msg)
	payload, err := json.Marshal(map[string]string{
		"raw": base64.URLEncoding.EncodeToString([]byte(raw)),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}

	body, err := a.doRequest(ctx, accessToken, http.MethodPost, "/messages/send", payload)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing send response: %w", err)
	}
	return &SendResult{MessageID: resp.ID, ThreadID: resp.ThreadID}, nil
}

// ListRecentMessages fetches inbound mail received after since. Gmail's
// search operator has day granularity for dates, so the query uses the
// epoch-seconds form.
func (a *GmailAdapter) ListRecentMessages(ctx context.Context, accessToken string, since time.Time, limit int) ([]*RawMessage, error) {
	params := url.Values{}
	params.Set("q", fmt.Sprintf("in:inbox after:%d", since.Unix()))
	params.Set("maxResults", fmt.Sprintf("%d", limit))

	body, err := a.doRequest(ctx, accessToken, http.MethodGet, "/messages?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var listResp struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &listResp); err != nil {
		return nil, fmt.Errorf("parsing list response: %w", err)
	}

	messages := make([]*RawMessage, 0, len(listResp.Messages))
	for _, ref := range listResp.Messages {
		msg, err := a.getMessage(ctx, accessToken, ref.ID)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// RefreshToken exchanges the refresh token for a fresh access token via
// the standard OAuth token endpoint.
func (a *GmailAdapter) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	src := a.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		if re, ok := err.(*oauth2.RetrieveError); ok {
			return nil, &AuthError{Provider: "gmail", StatusCode: re.Response.StatusCode, Message: re.ErrorCode}
		}
		return nil, fmt.Errorf("gmail token refresh: %w", err)
	}

	pair := &TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	// Google does not rotate refresh tokens on every grant.
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

// getMessage fetches one full message and flattens it to a RawMessage.
func (a *GmailAdapter) getMessage(ctx context.Context, accessToken, id string) (*RawMessage, error) {
	body, err := a.doRequest(ctx, accessToken, http.MethodGet, "/messages/"+id+"?format=full", nil)
	if err != nil {
		return nil, err
	}

	var resp gmailMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing message %s: %w", id, err)
	}
	return resp.toRawMessage(), nil
}

// doRequest executes one authenticated Gmail API call.
func (a *GmailAdapter) doRequest(ctx context.Context, accessToken, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = strings.NewReader(string(payload))
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{Provider: "gmail", StatusCode: resp.StatusCode, Message: string(body)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gmail API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// gmailMessage mirrors the wire shape of a full-format Gmail message.
type gmailMessage struct {
	ID           string `json:"id"`
	InternalDate string `json:"internalDate"`
	Payload      struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
		MimeType string `json:"mimeType"`
		Body     struct {
			Data string `json:"data"`
		} `json:"body"`
		Parts []gmailPart `json:"parts"`
	} `json:"payload"`
}

type gmailPart struct {
	MimeType string `json:"mimeType"`
	Body     struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []gmailPart `json:"parts"`
}

func (m *gmailMessage) toRawMessage() *RawMessage {
	raw := &RawMessage{
		MessageID: m.ID,
		Headers:   make(map[string]string, len(m.Payload.Headers)),
	}

	for _, h := range m.Payload.Headers {
		raw.Headers[h.Name] = h.Value
		switch strings.ToLower(h.Name) {
		case "subject":
			raw.Subject = h.Value
		case "from":
			raw.FromName, raw.From = parseAddressHeader(h.Value)
		}
	}

	if ms := parseMillis(m.InternalDate); !ms.IsZero() {
		raw.ReceivedAt = ms
	} else {
		raw.ReceivedAt = time.Now()
	}

	// Single-part bodies live on payload.body; multipart bodies nest.
	if m.Payload.Body.Data != "" {
		decoded := decodeBase64URL(m.Payload.Body.Data)
		if strings.HasPrefix(m.Payload.MimeType, "text/html") {
			raw.HTMLContent = decoded
		} else {
			raw.Content = decoded
		}
	}
	collectGmailParts(m.Payload.Parts, raw)
	if raw.Content == "" && raw.HTMLContent != "" {
		raw.Content = stripTags(raw.HTMLContent)
	}
	return raw
}

func collectGmailParts(parts []gmailPart, raw *RawMessage) {
	for _, p := range parts {
		switch {
		case p.MimeType == "text/plain" && raw.Content == "":
			raw.Content = decodeBase64URL(p.Body.Data)
		case p.MimeType == "text/html" && raw.HTMLContent == "":
			raw.HTMLContent = decodeBase64URL(p.Body.Data)
		}
		collectGmailParts(p.Parts, raw)
	}
}

func decodeBase64URL(data string) string {
	if data == "" {
		return ""
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(b)
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	var ms int64
	if _, err := fmt.Sscanf(s, "%d", &ms); err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// parseAddressHeader splits `Name <addr>` into its parts.
func parseAddressHeader(value string) (name, addr string) {
	value = strings.TrimSpace(value)
	if i := strings.LastIndex(value, "<"); i >= 0 {
		addr = strings.Trim(value[i:], "<> ")
		name = strings.Trim(strings.TrimSpace(value[:i]), `"`)
		return name, addr
	}
	return "", value
}

// buildRFC822 assembles a minimal HTML email.
func buildRFC822(msg *OutboundMessage) string {
	var b strings.Builder
	from := msg.FromAddress
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", msg.FromName), msg.FromAddress)
	}
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTMLBody)
	return b.String()
}

// stripTags is a crude HTML-to-text fallback for providers that only
// return an HTML part.
func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
