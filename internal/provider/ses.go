package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	appconfig "github.com/ignite/outreach-engine/internal/config"
)

// SESAdapter sends through AWS SES for send-only relay accounts.
// Credentials are static IAM keys, so there is no token refresh, and
// SES has no mailbox to poll — the inbound side of these accounts is
// handled by a separate reply-to mailbox on a real provider.
type SESAdapter struct {
	client *sesv2.Client
	region string
}

// NewSESAdapter creates an SES adapter. Initializes the AWS SDK client
// if credentials are provided.
func NewSESAdapter(ctx context.Context, cfg appconfig.SESConfig) (*SESAdapter, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &SESAdapter{
		client: sesv2.NewFromConfig(awsCfg),
		region: cfg.Region,
	}, nil
}

// Kind returns the provider key.
func (a *SESAdapter) Kind() string { return "ses" }

// Send delivers one message through SES. The access token is ignored;
// SES authenticates with IAM credentials held by the adapter.
func (a *SESAdapter) Send(ctx context.Context, _ string, msg *OutboundMessage) (*SendResult, error) {
	from := msg.FromAddress
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.FromAddress)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	result, err := a.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses send: %w", err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	return &SendResult{MessageID: messageID}, nil
}

// ListRecentMessages is unsupported: SES is a relay, not a mailbox.
func (a *SESAdapter) ListRecentMessages(_ context.Context, _ string, _ time.Time, _ int) ([]*RawMessage, error) {
	return nil, ErrInboxUnsupported
}

// RefreshToken is unsupported: IAM credentials do not expire.
func (a *SESAdapter) RefreshToken(_ context.Context, _ string) (*TokenPair, error) {
	return nil, ErrRefreshUnsupported
}
