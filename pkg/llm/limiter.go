package llm

import "context"

// LimitedClient caps in-flight requests with a semaphore. Callers hold a
// permit for the full duration of one Generate call.
type LimitedClient struct {
	inner   Client
	permits chan struct{}
}

// NewLimitedClient bounds inner to n concurrent requests (n <= 0 means 1).
func NewLimitedClient(inner Client, n int) *LimitedClient {
	if n <= 0 {
		n = 1
	}
	return &LimitedClient{inner: inner, permits: make(chan struct{}, n)}
}

func (l *LimitedClient) Generate(ctx context.Context, systemPrompt, userPrompt string, p Params) (string, error) {
	select {
	case l.permits <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-l.permits }()

	return l.inner.Generate(ctx, systemPrompt, userPrompt, p)
}

func (l *LimitedClient) IsTransientError(err error) bool { return l.inner.IsTransientError(err) }
func (l *LimitedClient) Provider() string                { return l.inner.Provider() }
func (l *LimitedClient) ModelID() string                 { return l.inner.ModelID() }
