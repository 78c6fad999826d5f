// Package classify is the gateway to the external reply classifier.
// Replies are sent to AWS Bedrock (Claude) for intent and sentiment
// analysis; failures are logged and swallowed so classification can
// never break inbound message persistence.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/store"
)

// invoker is the slice of the Bedrock client we use; narrowed for
// testability.
type invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// RuleFunc runs after a verdict is persisted, e.g. auto-tagging or
// auto-labeling. Errors are the hook's own problem.
type RuleFunc func(ctx context.Context, messageID uuid.UUID, verdict *store.Verdict)

// CampaignContext gives the classifier the outbound side of the
// conversation when known.
type CampaignContext struct {
	CampaignName    string
	CampaignType    string
	OriginalMessage string
}

// Gateway wraps the model call, verdict persistence, and the rule hook.
type Gateway struct {
	client  invoker
	store   *store.Store
	cfg     config.ClassifierConfig
	ruleFns []RuleFunc
}

// NewGateway builds the gateway. Returns a disabled gateway when the
// classifier is switched off; Classify then no-ops.
func NewGateway(ctx context.Context, st *store.Store, cfg config.ClassifierConfig) (*Gateway, error) {
	g := &Gateway{store: st, cfg: cfg}
	if !cfg.Enabled {
		return g, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("classify: loading AWS config: %w", err)
	}
	g.client = bedrockruntime.NewFromConfig(awsCfg)
	return g, nil
}

// OnVerdict registers a rule hook.
func (g *Gateway) OnVerdict(fn RuleFunc) {
	g.ruleFns = append(g.ruleFns, fn)
}

// bedrockRequest is the Anthropic messages payload for InvokeModel.
type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature,omitempty"`
}

type bedrockMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// modelVerdict is the JSON shape the model is instructed to emit.
type modelVerdict struct {
	Intent            string   `json:"intent"`
	Sentiment         string   `json:"sentiment"`
	Confidence        float64  `json:"confidence"`
	Reasoning         string   `json:"reasoning"`
	SuggestedResponse string   `json:"suggested_response"`
	Priority          string   `json:"priority"`
	Tags              []string `json:"tags"`
	RequiresAttention bool     `json:"requires_human_attention"`
	NextAction        string   `json:"next_action"`
}

const systemPrompt = `You are a reply classifier for a sales outreach platform. You receive one inbound email and respond with a single JSON object, no prose, with these fields:
intent (one of: interested, not_interested, question, objection, out_of_office, unsubscribe, other),
sentiment (positive, neutral, negative),
confidence (0.0-1.0),
reasoning (one sentence),
suggested_response (short draft reply or empty string),
priority (high, medium, low),
tags (array of short strings),
requires_human_attention (boolean),
next_action (short phrase).`

// Classify runs the model on one inbound message, persists the verdict,
// and fires the rule hooks. It returns the verdict, or nil when the
// gateway is disabled or the classifier failed — never an error, since
// classification is best-effort enrichment.
func (g *Gateway) Classify(ctx context.Context, msg *store.InboxMessage, campaignCtx *CampaignContext) *store.Verdict {
	if g == nil || g.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout())
	defer cancel()

	mv, err := g.invoke(ctx, msg, campaignCtx)
	if err != nil {
		logger.Warn("classify: classification failed",
			"message_id", msg.ID.String(), "error", err.Error())
		return nil
	}

	verdict := &store.Verdict{
		MessageID:         msg.ID,
		OrganizationID:    msg.OrganizationID,
		Intent:            mv.Intent,
		Sentiment:         mv.Sentiment,
		Confidence:        clamp01(mv.Confidence),
		Priority:          mv.Priority,
		Tags:              mv.Tags,
		RequiresAttention: mv.RequiresAttention,
		NextAction:        mv.NextAction,
		Reasoning:         mv.Reasoning,
		SuggestedResponse: mv.SuggestedResponse,
	}
	if verdict.Tags == nil {
		verdict.Tags = []string{}
	}

	if err := g.store.UpsertVerdict(ctx, verdict); err != nil {
		logger.Error("classify: failed to persist verdict",
			"message_id", msg.ID.String(), "error", err.Error())
		return nil
	}

	for _, fn := range g.ruleFns {
		fn(ctx, msg.ID, verdict)
	}
	return verdict
}

func (g *Gateway) invoke(ctx context.Context, msg *store.InboxMessage, campaignCtx *CampaignContext) (*modelVerdict, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s <%s>\nSubject: %s\n\n%s", msg.FromName, msg.FromEmail, msg.Subject, msg.Content)
	if campaignCtx != nil {
		fmt.Fprintf(&sb, "\n\n--- Outreach context ---\nCampaign: %s (%s)\nOriginal message:\n%s",
			campaignCtx.CampaignName, campaignCtx.CampaignType, campaignCtx.OriginalMessage)
	}

	request := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        1000,
		System:           systemPrompt,
		Messages: []bedrockMessage{{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: sb.String()}},
		}},
		Temperature: 0.2,
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	output, err := g.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(g.cfg.ModelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock invoke: %w", err)
	}

	var response bedrockResponse
	if err := json.Unmarshal(output.Body, &response); err != nil {
		return nil, fmt.Errorf("parsing bedrock response: %w", err)
	}

	var text string
	for _, c := range response.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	return parseVerdict(text)
}

// parseVerdict extracts the JSON object from the model's text, which
// may be wrapped in markdown fences or prose.
func parseVerdict(text string) (*modelVerdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in classifier output")
	}

	var mv modelVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &mv); err != nil {
		return nil, fmt.Errorf("malformed classifier output: %w", err)
	}
	if mv.Intent == "" {
		return nil, fmt.Errorf("classifier output missing intent")
	}
	return &mv, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
