package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerClient wraps a Client with a circuit breaker so a provider outage
// fails fast instead of burning the per-message retry budget on every
// document in a batch.
type BreakerClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerClient builds a breaker that opens after five consecutive
// failures and probes again after thirty seconds.
func NewBreakerClient(inner Client) *BreakerClient {
	settings := gobreaker.Settings{
		Name:    "llm:" + inner.Provider(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("LLM circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerClient{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerClient) Generate(ctx context.Context, systemPrompt, userPrompt string, p Params) (string, error) {
	out, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Generate(ctx, systemPrompt, userPrompt, p)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// IsTransientError treats an open breaker as transient: the provider may
// recover before the caller's retry budget runs out.
func (b *BreakerClient) IsTransientError(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	return b.inner.IsTransientError(err)
}

func (b *BreakerClient) Provider() string { return b.inner.Provider() }
func (b *BreakerClient) ModelID() string  { return b.inner.ModelID() }
