// Package geminillm implements the llm.Client contract for the Google
// Gemini API.
package geminillm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"telescribe/pkg/llm"
)

// Client wraps the Google genai SDK.
type Client struct {
	client *genai.Client
	model  string
}

// NewClient creates a Gemini client with a single model and API key.
func NewClient(ctx context.Context, apiKey, model string) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Client{client: client, model: model}, nil
}

func (c *Client) Provider() string { return "gemini" }
func (c *Client) ModelID() string  { return c.model }

func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string, p llm.Params) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(float32(p.Temperature)),
		MaxOutputTokens:   int32(p.MaxTokens),
	}
	if p.JSONObject {
		cfg.ResponseMIMEType = "application/json"
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(userPrompt), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generation failed: %w", err)
	}
	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("gemini generation returned no text")
	}
	return text, nil
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "resource exhausted") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout")
}
