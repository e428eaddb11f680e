// Package llm defines the generation client contract used by the processing
// and topicization stages, the provider factory registry, and the composable
// wrappers (fallback chain, circuit breaker, concurrency limit) around it.
package llm

import (
	"context"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Params is the deterministic parameter set of one generation call. The
// pipeline always runs temperature 0 with a fixed token budget and, for every
// structured stage, JSON-object response mode.
type Params struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	JSONObject  bool    `json:"json_object"`
}

// Map renders the params for document metadata.
func (p Params) Map() map[string]any {
	return map[string]any{
		"temperature": p.Temperature,
		"max_tokens":  p.MaxTokens,
		"json_object": p.JSONObject,
	}
}

// Client is the generation contract every provider implements.
type Client interface {
	// Generate runs one request and returns the raw response text.
	Generate(ctx context.Context, systemPrompt, userPrompt string, p Params) (string, error)

	// IsTransientError reports whether err is worth retrying (503, rate
	// limit, network flake) as opposed to a permanent failure (auth, 400).
	IsTransientError(err error) bool

	// Provider names the backing provider ("openai", "ollama", "gemini").
	Provider() string

	// ModelID names the concrete model, recorded in document metadata.
	ModelID() string
}
