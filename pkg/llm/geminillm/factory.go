package geminillm

import (
	"context"
	"log/slog"

	"telescribe/pkg/config"
	"telescribe/pkg/llm"
)

// Factory handles creation of Gemini clients.
type Factory struct{}

// Create implements llm.ProviderFactory.
func (f *Factory) Create(cfg llm.ProviderGroupConfig, _ *config.SystemConfig) ([]llm.Client, error) {
	var clients []llm.Client

	apiKey := ""
	if len(cfg.APIKeys) > 0 {
		apiKey = cfg.APIKeys[0]
	}

	for _, model := range cfg.Models {
		client, err := NewClient(context.Background(), apiKey, model)
		if err != nil {
			slog.Error("Failed to create Gemini client", "model", model, "error", err)
			continue
		}
		clients = append(clients, client)
	}
	return clients, nil
}

func init() {
	llm.RegisterProvider("gemini", &Factory{})
}
