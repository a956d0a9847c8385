package email

import (
	"context"
	"log/slog"
	"sync"
)

// MockProvider logs and records messages instead of sending them.
type MockProvider struct {
	logger *slog.Logger
	sent   []Message
	mu     sync.Mutex
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(_ context.Context, msg Message) error {
	m.logger.Info("MOCK EMAIL",
		"to", msg.To,
		"subject", msg.Subject,
		"html_length", len(msg.HTML),
		"text_length", len(msg.Text))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}
