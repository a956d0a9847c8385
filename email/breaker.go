package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Breaker wraps a provider with a circuit breaker. While open, sends fail
// immediately with gobreaker.ErrOpenState.
type Breaker struct {
	next Provider
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// NewBreaker trips after consecutiveFailures provider failures and probes again
// after cooldown. Rejected messages and caller timeouts do not count.
func NewBreaker(next Provider, name string, consecutiveFailures uint32, cooldown time.Duration, logger *slog.Logger) *Breaker {
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
		IsSuccessful: providerHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Email circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Breaker{next: next, cb: cb}
}

// providerHealthy reports whether err leaves the provider's health untouched.
// Rejections belong to one message and cancellations to the caller.
func providerHealthy(err error) bool {
	return err == nil ||
		errors.Is(err, ErrRejected) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Send forwards to the wrapped provider unless the breaker is open.
func (b *Breaker) Send(ctx context.Context, msg Message) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Send(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("send via %s: %w", b.cb.Name(), err)
	}
	return nil
}

// State returns the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
