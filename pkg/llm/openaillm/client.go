// Package openaillm implements the llm.Client contract on top of the
// official OpenAI Go SDK. It also serves OpenAI-compatible endpoints via a
// custom base URL.
package openaillm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"telescribe/pkg/llm"
)

// Client is a wrapper around the official OpenAI Go SDK.
type Client struct {
	client   *openai.Client
	provider string
	model    string
}

// NewClient creates an OpenAI client. baseURL may be empty for the default
// endpoint.
func NewClient(provider, apiKey, model, baseURL string) (*Client, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := openai.NewClient(opts...)
	return &Client{client: &c, provider: provider, model: model}, nil
}

func (c *Client) Provider() string { return c.provider }
func (c *Client) ModelID() string  { return c.model }

func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string, p llm.Params) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature:         openai.Float(p.Temperature),
		MaxCompletionTokens: openai.Int(int64(p.MaxTokens)),
	}
	if p.JSONObject {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == 429 || apierr.StatusCode >= 500
	}

	msg := strings.ToLower(err.Error())

	// Network-level issues.
	if strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") {
		return true
	}

	// Server-side temporary failures.
	if strings.Contains(msg, "500 internal") ||
		strings.Contains(msg, "502 bad gateway") ||
		strings.Contains(msg, "503 service unavailable") ||
		strings.Contains(msg, "overloaded") {
		return true
	}

	// Everything else (400 Bad Request, 401 Unauthorized, ...) is permanent.
	return false
}
