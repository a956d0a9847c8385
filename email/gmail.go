package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/textproto"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
	}
}

// buildMIME renders msg as a multipart/alternative message.
// The From header is set by Gmail from the authenticated account.
func buildMIME(msg Message) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	for _, part := range []struct {
		contentType string
		content     string
	}{
		{"text/plain; charset=utf-8", msg.Text},
		{"text/html; charset=utf-8", msg.HTML},
	} {
		if part.content == "" {
			continue
		}
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.contentType},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, fmt.Errorf("create mime part: %w", err)
		}
		if _, err := w.Write([]byte(part.content)); err != nil {
			return nil, fmt.Errorf("write mime part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mime writer: %w", err)
	}

	var out bytes.Buffer
	out.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&out, "To: %s\r\n", sanitizeEmailHeader(msg.To))
	fmt.Fprintf(&out, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(msg.Subject)))
	fmt.Fprintf(&out, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// Send sends an email via Gmail API.
func (g *GmailProvider) Send(ctx context.Context, msg Message) error {
	raw, err := buildMIME(msg)
	if err != nil {
		return err
	}
	encoded := base64.URLEncoding.EncodeToString(raw)
	to := sanitizeEmailHeader(msg.To)

	var rejected error
	err = retry.Do(
		func() error {
			startTime := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{
				Raw: encoded,
			}).Context(ctx).Do()
			duration := time.Since(startTime)

			if err != nil {
				g.logger.Warn("Gmail API send failed",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				var apiErr *googleapi.Error
				if errors.As(err, &apiErr) && rejectedStatus(apiErr.Code) {
					rejected = fmt.Errorf("gmail: %w: %w", ErrRejected, err)
					return retry.Unrecoverable(rejected)
				}
				return err
			}

			g.logger.Debug("Gmail API request completed",
				"endpoint", "users.messages.send",
				"to", to,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(msg.attempts()),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail email send after error", "attempt", n, "error", err)
		}),
	)
	if rejected != nil {
		return rejected
	}
	return err
}
