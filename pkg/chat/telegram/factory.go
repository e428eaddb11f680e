package telegram

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"telescribe/pkg/chat"
	"telescribe/pkg/config"
)

// Factory handles creation of Telegram chat clients.
type Factory struct{}

// Create implements chat.ClientFactory.
func (f *Factory) Create(rawConfig jsoniter.RawMessage, system *config.SystemConfig) (chat.Client, error) {
	var cfg Config
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse telegram config: %w", err)
	}

	if cfg.Token == "" {
		return nil, fmt.Errorf("missing telegram token")
	}

	return NewClient(cfg, system.FetchTimeoutMs)
}

func init() {
	chat.RegisterClient("telegram", &Factory{})
}
