// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/mail-gateway/internal/provider"
)

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SESProvider sends assembled messages via the AWS SES v2 raw content API.
type SESProvider struct {
	client SendEmailAPI
	logger *slog.Logger
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration. SDK level
// retries are disabled so every Deliver is a single attempt.
func New(ctx context.Context, cfg SESProviderConfig, logger *slog.Logger) (*SESProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		o.Retryer = aws.NopRetryer{}
	})

	return NewWithClient(client, logger), nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(client SendEmailAPI, logger *slog.Logger) *SESProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &SESProvider{client: client, logger: logger}
}

// Deliver sends raw as-is. The envelope supplies the sender and recipients.
func (s *SESProvider) Deliver(ctx context.Context, env provider.Envelope, raw []byte) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(env.From),
		Destination: &types.Destination{
			ToAddresses: env.To,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return provider.Fail(classify(err), fmt.Errorf("SES SendEmail: %w", err))
	}

	s.logger.Debug("message sent via SES",
		"message_id", env.MessageID,
		"ses_message_id", aws.ToString(out.MessageId),
	)
	return nil
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return "ses"
}

// classify maps SES API errors onto failure kinds. Errors without an API
// error code never reached the service.
func classify(err error) provider.FailureKind {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return provider.FailureConnect
	}
	switch apiErr.ErrorCode() {
	case "AccessDeniedException", "UnrecognizedClientException", "InvalidClientTokenId",
		"SignatureDoesNotMatch", "ExpiredTokenException", "MissingAuthenticationToken":
		return provider.FailureAuth
	case "MailFromDomainNotVerifiedException", "AccountSuspendedException", "SendingPausedException":
		return provider.FailureSender
	case "MessageRejected":
		return provider.FailureData
	default:
		return provider.FailureProtocol
	}
}
