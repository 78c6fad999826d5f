package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/pkg/httpretry"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0/me"

// GraphAdapter talks to the Microsoft Graph API for Outlook/Microsoft
// 365 mailboxes. Unlike Google, Microsoft rotates refresh tokens on
// every grant, so the vault must persist the returned pair atomically.
type GraphAdapter struct {
	oauthCfg   *oauth2.Config
	baseURL    string
	httpClient httpretry.HTTPDoer
}

// NewGraphAdapter creates a Graph adapter from app credentials.
func NewGraphAdapter(cfg config.MicrosoftConfig) *GraphAdapter {
	return &GraphAdapter{
		oauthCfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes: []string{
				"https://graph.microsoft.com/Mail.Send",
				"https://graph.microsoft.com/Mail.Read",
				"offline_access",
			},
			Endpoint: microsoft.AzureADEndpoint(cfg.Tenant),
		},
		baseURL: graphBaseURL,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 3),
	}
}

// Kind returns the provider key.
func (a *GraphAdapter) Kind() string { return "graph" }

// Send delivers one message via Graph sendMail. Graph accepts the
// message asynchronously and returns 202 with no body, so the provider
// message id is resolved by reading back the most recent sent item.
func (a *GraphAdapter) Send(ctx context.Context, accessToken string, msg *OutboundMessage) (*SendResult, error) {
	payload := map[string]interface{}{
		"message": map[string]interface{}{
			"subject": msg.Subject,
			"body": map[string]string{
				"contentType": "HTML",
				"content":     msg.HTMLBody,
			},
			"toRecipients": []map[string]interface{}{
				{"emailAddress": map[string]string{"address": msg.To}},
			},
		},
		"saveToSentItems": true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}

	if _, err := a.doRequest(ctx, accessToken, http.MethodPost, "/sendMail", body, http.StatusAccepted); err != nil {
		return nil, err
	}

	// Best effort: resolve the internetMessageId/conversationId from
	// the sent folder. The send already succeeded if this fails.
	id, threadID := a.lookupSentIDs(ctx, accessToken, msg.To)
	return &SendResult{MessageID: id, ThreadID: threadID}, nil
}

// ListRecentMessages fetches inbound mail received after since.
func (a *GraphAdapter) ListRecentMessages(ctx context.Context, accessToken string, since time.Time, limit int) ([]*RawMessage, error) {
	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339)))
	params.Set("$orderby", "receivedDateTime asc")
	params.Set("$top", fmt.Sprintf("%d", limit))
	params.Set("$select", "id,subject,from,receivedDateTime,body,bodyPreview,internetMessageHeaders,conversationId")

	body, err := a.doRequest(ctx, accessToken, http.MethodGet,
		"/mailFolders/inbox/messages?"+params.Encode(), nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value []graphMessage `json:"value"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing list response: %w", err)
	}

	messages := make([]*RawMessage, 0, len(resp.Value))
	for i := range resp.Value {
		messages = append(messages, resp.Value[i].toRawMessage())
	}
	return messages, nil
}

// RefreshToken exchanges the refresh token for a fresh pair.
func (a *GraphAdapter) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	src := a.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		if re, ok := err.(*oauth2.RetrieveError); ok {
			return nil, &AuthError{Provider: "graph", StatusCode: re.Response.StatusCode, Message: re.ErrorCode}
		}
		return nil, fmt.Errorf("graph token refresh: %w", err)
	}

	pair := &TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

// lookupSentIDs grabs the newest sent item addressed to the recipient.
func (a *GraphAdapter) lookupSentIDs(ctx context.Context, accessToken, to string) (string, string) {
	params := url.Values{}
	params.Set("$orderby", "sentDateTime desc")
	params.Set("$top", "1")
	params.Set("$select", "id,conversationId,toRecipients")

	body, err := a.doRequest(ctx, accessToken, http.MethodGet,
		"/mailFolders/sentitems/messages?"+params.Encode(), nil, http.StatusOK)
	if err != nil {
		return "", ""
	}

	var resp struct {
		Value []struct {
			ID             string `json:"id"`
			ConversationID string `json:"conversationId"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Value) == 0 {
		return "", ""
	}
	return resp.Value[0].ID, resp.Value[0].ConversationID
}

// doRequest executes one authenticated Graph API call.
func (a *GraphAdapter) doRequest(ctx context.Context, accessToken, method, path string, payload []byte, wantStatus int) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
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
		return nil, &AuthError{Provider: "graph", StatusCode: resp.StatusCode, Message: string(body)}
	}
	if resp.StatusCode != wantStatus {
		return nil, fmt.Errorf("graph API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// graphMessage mirrors the wire shape of a Graph mail message.
type graphMessage struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	BodyPreview      string    `json:"bodyPreview"`
	Body             struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	InternetMessageHeaders []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"internetMessageHeaders"`
	ConversationID string `json:"conversationId"`
}

func (m *graphMessage) toRawMessage() *RawMessage {
	raw := &RawMessage{
		MessageID:  m.ID,
		From:       m.From.EmailAddress.Address,
		FromName:   m.From.EmailAddress.Name,
		Subject:    m.Subject,
		Content:    m.BodyPreview,
		ReceivedAt: m.ReceivedDateTime,
		Headers:    make(map[string]string, len(m.InternetMessageHeaders)),
	}
	for _, h := range m.InternetMessageHeaders {
		raw.Headers[h.Name] = h.Value
	}
	if m.Body.ContentType == "html" {
		raw.HTMLContent = m.Body.Content
		if raw.Content == "" {
			raw.Content = stripTags(m.Body.Content)
		}
	} else if raw.Content == "" {
		raw.Content = m.Body.Content
	}
	return raw
}
