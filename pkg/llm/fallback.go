package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// FallbackClient tries a list of clients in order, retrying transient
// failures on each before moving on to the next. It reports the provider
// and model of its first (preferred) client.
type FallbackClient struct {
	Clients    []Client
	MaxRetries int
	RetryDelay time.Duration
}

func (f *FallbackClient) Generate(ctx context.Context, systemPrompt, userPrompt string, p Params) (string, error) {
	var lastErr error
	for i, client := range f.Clients {
		if i > 0 {
			slog.Warn("Provider failed, trying fallback", "provider", client.Provider(), "rank", i+1)
		}

		maxRetries := f.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 1
		}

		for retry := 1; retry <= maxRetries; retry++ {
			if retry > 1 {
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(time.Duration(retry-1) * f.RetryDelay):
				}
			}

			out, err := client.Generate(ctx, systemPrompt, userPrompt, p)
			if err == nil {
				return out, nil
			}
			lastErr = err

			if client.IsTransientError(err) && retry < maxRetries {
				slog.Warn("Transient provider error, retrying",
					"provider", client.Provider(), "attempt", retry, "error", err)
				continue
			}
			slog.Warn("Provider error", "provider", client.Provider(), "error", err)
			break
		}
	}
	return "", fmt.Errorf("all fallback providers failed, last error: %w", lastErr)
}

// IsTransientError on the chain means every child already exhausted its own
// retries, so the aggregate failure is not transient.
func (f *FallbackClient) IsTransientError(error) bool { return false }

func (f *FallbackClient) Provider() string {
	if len(f.Clients) > 0 {
		return f.Clients[0].Provider()
	}
	return "fallback"
}

func (f *FallbackClient) ModelID() string {
	if len(f.Clients) > 0 {
		return f.Clients[0].ModelID()
	}
	return ""
}
