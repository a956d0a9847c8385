// Package email renders notification and digest mail and hands it to a provider.
package email

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrRejected marks a send the provider refused for this message or
// recipient. It says nothing about the provider's health.
var ErrRejected = errors.New("message rejected")

// Message is a rendered email with HTML and plain-text alternatives.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string

	// once limits the provider to a single attempt. A retry after a lost
	// response would mail the recipient twice.
	once bool
}

// rejectedStatus reports whether an HTTP status refuses this message only.
// Rate limits and credential errors concern the whole provider.
func rejectedStatus(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}

// attempts is the retry budget providers give msg.
func (m Message) attempts() uint {
	if m.once {
		return 1
	}
	return 3
}

// Provider defines the interface for email sending implementations.
type Provider interface {
	Send(ctx context.Context, msg Message) error
}

// sanitizeEmailHeader removes control characters to prevent header injection.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}
