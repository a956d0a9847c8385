package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"forum-notifier/pkg/notifier"
)

// ErrUndeliverable is returned for users without a usable address.
var ErrUndeliverable = errors.New("user has no deliverable address")

// Sender renders notification mail and sends it through a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // for links in emails
	siteName string
	now      func() time.Time
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL, siteName string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
		siteName: siteName,
		now:      time.Now,
	}
}

// Notify mails a single post to user. The provider gets one attempt.
func (s *Sender) Notify(ctx context.Context, user *notifier.UserRecord, item *notifier.NotificationItem) error {
	if !user.Deliverable() {
		return fmt.Errorf("notify user %d: %w", user.ID, ErrUndeliverable)
	}

	subject := fmt.Sprintf("%s: %s", item.Forum.Name, item.Post.Subject)
	body := s.formatPostBody(item)

	s.logger.Debug("Sending post notification",
		"to", user.Email,
		"user_id", user.ID,
		"post_id", item.Post.ID)

	return s.provider.Send(ctx, Message{
		To:      user.Email,
		Subject: subject,
		HTML:    body,
		Text:    plainText(body),
		once:    true,
	})
}

// Digest mails an aggregated digest to user.
func (s *Sender) Digest(ctx context.Context, user *notifier.UserRecord, d *notifier.Digest) error {
	if !user.Deliverable() {
		return fmt.Errorf("digest for user %d: %w", user.ID, ErrUndeliverable)
	}
	n := d.PostCount()
	if n == 0 {
		return nil
	}

	noun := "posts"
	if n == 1 {
		noun = "post"
	}
	subject := fmt.Sprintf("%s forum digest: %d new %s", s.siteName, n, noun)
	body := s.formatDigestBody(user, d, s.now())

	s.logger.Debug("Sending digest",
		"to", user.Email,
		"user_id", user.ID,
		"discussions", len(d.Discussions),
		"posts", n)

	return s.provider.Send(ctx, Message{
		To:      user.Email,
		Subject: subject,
		HTML:    body,
		Text:    plainText(body),
	})
}
