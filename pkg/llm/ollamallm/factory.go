package ollamallm

import (
	"log/slog"

	"telescribe/pkg/config"
	"telescribe/pkg/llm"
)

// Factory handles creation of Ollama clients.
type Factory struct{}

// Create implements llm.ProviderFactory.
func (f *Factory) Create(cfg llm.ProviderGroupConfig, _ *config.SystemConfig) ([]llm.Client, error) {
	var clients []llm.Client
	for _, model := range cfg.Models {
		client, err := NewClient(model, cfg.BaseURL)
		if err != nil {
			slog.Error("Failed to create Ollama client", "model", model, "error", err)
			continue
		}
		clients = append(clients, client)
	}
	return clients, nil
}

func init() {
	llm.RegisterProvider("ollama", &Factory{})
}
