package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/codeGROOVE-dev/retry"
)

// SESAPI is the subset of the SES client used by SESProvider.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESProvider sends emails via Amazon SES.
type SESProvider struct {
	api      SESAPI
	fromAddr string
	fromName string
	logger   *slog.Logger
}

// NewSESProvider loads the default AWS configuration for region and creates a provider.
func NewSESProvider(ctx context.Context, region, fromAddr, fromName string, logger *slog.Logger) (*SESProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESProviderWithAPI(ses.NewFromConfig(cfg), fromAddr, fromName, logger), nil
}

// NewSESProviderWithAPI creates a provider around an existing client.
func NewSESProviderWithAPI(api SESAPI, fromAddr, fromName string, logger *slog.Logger) *SESProvider {
	return &SESProvider{api: api, fromAddr: fromAddr, fromName: fromName, logger: logger}
}

func utf8Content(s string) *sestypes.Content {
	return &sestypes.Content{Data: aws.String(s), Charset: aws.String("UTF-8")}
}

// Send sends an email via SES.
func (p *SESProvider) Send(ctx context.Context, msg Message) error {
	source := p.fromAddr
	if p.fromName != "" {
		source = fmt.Sprintf("%s <%s>", sanitizeEmailHeader(p.fromName), p.fromAddr)
	}

	input := &ses.SendEmailInput{
		Source:      aws.String(source),
		Destination: &sestypes.Destination{ToAddresses: []string{sanitizeEmailHeader(msg.To)}},
		Message: &sestypes.Message{
			Subject: utf8Content(sanitizeEmailHeader(msg.Subject)),
			Body:    &sestypes.Body{},
		},
	}
	if msg.HTML != "" {
		input.Message.Body.Html = utf8Content(msg.HTML)
	}
	if msg.Text != "" {
		input.Message.Body.Text = utf8Content(msg.Text)
	}

	var rejected error
	err := retry.Do(
		func() error {
			out, err := p.api.SendEmail(ctx, input)
			if err != nil {
				var mr *sestypes.MessageRejected
				if errors.As(err, &mr) {
					rejected = fmt.Errorf("ses: %w: %w", ErrRejected, err)
					return retry.Unrecoverable(rejected)
				}
				p.logger.Warn("SES send failed", "to", msg.To, "error", err)
				return fmt.Errorf("ses send: %w", err)
			}
			p.logger.Debug("SES send completed", "to", msg.To, "message_id", aws.ToString(out.MessageId))
			return nil
		},
		retry.Attempts(msg.attempts()),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying SES email send after error", "attempt", n, "error", err)
		}),
	)
	if rejected != nil {
		return rejected
	}
	return err
}
