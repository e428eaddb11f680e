// Package ollamallm implements the llm.Client contract for a local Ollama
// instance.
package ollamallm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"telescribe/pkg/llm"
)

// Client wraps the Ollama API client.
type Client struct {
	client *api.Client
	model  string
}

// NewClient creates an Ollama client. With an empty baseURL the standard
// OLLAMA_HOST environment resolution applies.
func NewClient(model, baseURL string) (*Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	// Local generation can be slow; the caller's context carries the
	// deadline, not the HTTP client.
	httpClient := &http.Client{Transport: transport, Timeout: 0}

	var client *api.Client
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		client = api.NewClient(u, httpClient)
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, err
		}
	}

	slog.Info("Ollama client initialized", "model", model, "base_url", baseURL)
	return &Client{client: client, model: model}, nil
}

func (c *Client) Provider() string { return "ollama" }
func (c *Client) ModelID() string  { return c.model }

func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string, p llm.Params) (string, error) {
	stream := false
	req := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Stream: &stream,
		Options: map[string]any{
			"temperature": p.Temperature,
			"num_predict": p.MaxTokens,
		},
	}
	if p.JSONObject {
		req.Format = json.RawMessage(`"json"`)
	}

	var out strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat failed: %w", err)
	}
	return out.String(), nil
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "server busy") ||
		strings.Contains(msg, "loading model")
}
