package chat

import (
	"fmt"
	"log/slog"

	jsoniter "github.com/json-iterator/go"

	"telescribe/pkg/config"
)

// NewFromConfig builds the chat client from the "chat" config section. The
// section maps platform names to their raw configs; exactly one platform is
// expected for a single-process pipeline, and the first that resolves wins.
func NewFromConfig(configs map[string]jsoniter.RawMessage, system *config.SystemConfig) (Client, error) {
	for name, rawConfig := range configs {
		factory, ok := GetClientFactory(name)
		if !ok {
			slog.Warn("Unknown chat platform", "name", name)
			continue
		}

		client, err := factory.Create(rawConfig, system)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s chat client: %w", name, err)
		}
		slog.Info("Chat client initialized", "platform", name)
		return client, nil
	}
	return nil, fmt.Errorf("no usable chat platform configured")
}
