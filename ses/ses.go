// Package ses sends messages through the AWS SES v2 API as raw MIME.
package ses

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/dhcgn/mailblast/message"
	"github.com/dhcgn/mailblast/model"
)

type Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the SES API URL, for VPC endpoints and local stand-ins.
	Endpoint string
}

// SendEmailAPI is the SES v2 SendEmail operation, narrowed for tests.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type Mailer struct {
	client SendEmailAPI
	now    func() time.Time
}

// New loads the AWS default config chain; static keys win when both are given.
// The SDK retryer is disabled so every Send is a single API call.
func New(ctx context.Context, opts Options) (*Mailer, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if opts.Endpoint != "" {
		loadOpts = append(loadOpts, awsconfig.WithBaseEndpoint(opts.Endpoint))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, &model.TransportUnavailableError{Transport: "ses", Err: fmt.Errorf("load AWS config: %w", err)}
	}

	return NewWithClient(sesv2.NewFromConfig(awsCfg)), nil
}

func NewWithClient(client SendEmailAPI) *Mailer {
	return &Mailer{client: client, now: time.Now}
}

func (m *Mailer) Name() string {
	return "ses"
}

// Send submits exactly one attempt.
func (m *Mailer) Send(ctx context.Context, msg model.Message) error {
	raw, err := message.Render(msg, m.now())
	if err != nil {
		return &model.SendFailure{To: msg.To, Err: err}
	}
	sender, err := message.EnvelopeSender(msg.From)
	if err != nil {
		return &model.SendFailure{To: msg.To, Err: err}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}

	if _, err := m.client.SendEmail(ctx, input); err != nil {
		return &model.SendFailure{To: msg.To, Err: fmt.Errorf("SES API: %w", err)}
	}

	return nil
}

func (m *Mailer) Close() error {
	return nil
}
