package llm

import (
	"fmt"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"

	"telescribe/pkg/config"
)

// NewFromConfig builds the effective Client from the raw "llm" config
// section. Each group contributes atomic clients; more than one client is
// chained into a FallbackClient, and the whole stack is wrapped with a
// circuit breaker and the configured concurrency limit.
func NewFromConfig(rawLLM jsoniter.RawMessage, system *config.SystemConfig) (Client, error) {
	if rawLLM == nil {
		return nil, fmt.Errorf("missing 'llm' config")
	}

	var groups []ProviderGroupConfig
	if err := json.Unmarshal(rawLLM, &groups); err != nil {
		return nil, fmt.Errorf("failed to parse 'llm' config: %w", err)
	}

	var atomic []Client
	for _, group := range groups {
		slog.Info("Loading LLM group", "type", group.Type, "models", len(group.Models))

		factory, ok := GetProviderFactory(group.Type)
		if !ok {
			slog.Warn("Unknown provider type", "type", group.Type)
			continue
		}

		clients, err := factory.Create(group, system)
		if err != nil {
			slog.Warn("Failed to create provider clients", "type", group.Type, "error", err)
			continue
		}
		atomic = append(atomic, clients...)
	}

	if len(atomic) == 0 {
		return nil, fmt.Errorf("no LLM clients could be initialized")
	}
	slog.Info("LLM clients initialized", "count", len(atomic))

	var client Client
	if len(atomic) == 1 {
		client = atomic[0]
	} else {
		client = &FallbackClient{
			Clients:    atomic,
			MaxRetries: system.ProcessMaxAttempts,
			RetryDelay: time.Duration(system.RetryBaseMs) * time.Millisecond,
		}
	}

	client = NewBreakerClient(client)
	return NewLimitedClient(client, system.LLMConcurrency), nil
}
