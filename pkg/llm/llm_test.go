package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	name      string
	model     string
	responses []string
	errs      []error
	transient bool
	calls     int
}

func (s *stubClient) Generate(_ context.Context, _, _ string, _ Params) (string, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return "", errors.New("stub exhausted")
}

func (s *stubClient) IsTransientError(error) bool { return s.transient }
func (s *stubClient) Provider() string            { return s.name }
func (s *stubClient) ModelID() string             { return s.model }

func TestComputePromptIDDeterministic(t *testing.T) {
	a := ComputePromptID("system", "user {{.Text}}")
	b := ComputePromptID("system", "user {{.Text}}")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "sha256:"))
	assert.Len(t, strings.TrimPrefix(a, "sha256:"), 16)

	c := ComputePromptID("system", "user {{.Text}} v2")
	assert.NotEqual(t, a, c)
}

func TestFallbackFirstClientWins(t *testing.T) {
	primary := &stubClient{name: "openai", model: "gpt-4o", responses: []string{"ok"}}
	backup := &stubClient{name: "ollama", model: "llama3"}
	chain := &FallbackClient{Clients: []Client{primary, backup}, MaxRetries: 2}

	out, err := chain.Generate(context.Background(), "s", "u", Params{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 0, backup.calls)
	assert.Equal(t, "openai", chain.Provider())
	assert.Equal(t, "gpt-4o", chain.ModelID())
}

func TestFallbackRetriesTransientThenMovesOn(t *testing.T) {
	primary := &stubClient{
		name:      "openai",
		errs:      []error{errors.New("503"), errors.New("503")},
		transient: true,
	}
	backup := &stubClient{name: "ollama", responses: []string{"rescued"}}
	chain := &FallbackClient{Clients: []Client{primary, backup}, MaxRetries: 2}

	out, err := chain.Generate(context.Background(), "s", "u", Params{})
	require.NoError(t, err)
	assert.Equal(t, "rescued", out)
	assert.Equal(t, 2, primary.calls)
	assert.Equal(t, 1, backup.calls)
}

func TestFallbackPermanentErrorSkipsRetries(t *testing.T) {
	primary := &stubClient{
		name: "openai",
		errs: []error{errors.New("401 unauthorized")},
	}
	backup := &stubClient{name: "ollama", responses: []string{"rescued"}}
	chain := &FallbackClient{Clients: []Client{primary, backup}, MaxRetries: 3}

	out, err := chain.Generate(context.Background(), "s", "u", Params{})
	require.NoError(t, err)
	assert.Equal(t, "rescued", out)
	assert.Equal(t, 1, primary.calls)
}

func TestFallbackAllFail(t *testing.T) {
	primary := &stubClient{name: "openai", errs: []error{errors.New("boom")}}
	chain := &FallbackClient{Clients: []Client{primary}, MaxRetries: 1}

	_, err := chain.Generate(context.Background(), "s", "u", Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all fallback providers failed")
	assert.False(t, chain.IsTransientError(err))
}

func TestLimitedClientPassesThrough(t *testing.T) {
	inner := &stubClient{name: "openai", model: "gpt-4o", responses: []string{"ok"}}
	limited := NewLimitedClient(inner, 2)

	out, err := limited.Generate(context.Background(), "s", "u", Params{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, "openai", limited.Provider())
}

func TestLimitedClientCancelledWhileWaiting(t *testing.T) {
	inner := &stubClient{name: "openai", responses: []string{"ok"}}
	limited := NewLimitedClient(inner, 1)

	// Occupy the only permit.
	limited.permits <- struct{}{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := limited.Generate(ctx, "s", "u", Params{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, inner.calls)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &stubClient{
		name: "openai",
		errs: []error{
			errors.New("boom"), errors.New("boom"), errors.New("boom"),
			errors.New("boom"), errors.New("boom"), errors.New("boom"),
		},
	}
	breaker := NewBreakerClient(inner)

	for i := 0; i < 5; i++ {
		_, err := breaker.Generate(context.Background(), "s", "u", Params{})
		require.Error(t, err)
	}
	// Breaker is open now; the inner client must not be called again.
	calls := inner.calls
	_, err := breaker.Generate(context.Background(), "s", "u", Params{})
	require.Error(t, err)
	assert.Equal(t, calls, inner.calls)
	assert.True(t, breaker.IsTransientError(err))
}
