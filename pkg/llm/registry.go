package llm

import (
	"telescribe/pkg/config"
)

// ProviderGroupConfig declares one group of models of a single provider
// type, as written in the "llm" section of config.json.
type ProviderGroupConfig struct {
	Type    string         `json:"type"`
	APIKeys []string       `json:"api_keys,omitempty"`
	Models  []string       `json:"models"`
	BaseURL string         `json:"base_url,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// ProviderFactory builds the atomic clients of one provider group.
type ProviderFactory interface {
	Create(groupConfig ProviderGroupConfig, systemConfig *config.SystemConfig) ([]Client, error)
}

var providerRegistry = make(map[string]ProviderFactory)

// RegisterProvider registers a factory under a provider type name.
// Providers self-register from their init functions.
func RegisterProvider(name string, factory ProviderFactory) {
	providerRegistry[name] = factory
}

// GetProviderFactory looks up a registered factory.
func GetProviderFactory(name string) (ProviderFactory, bool) {
	f, ok := providerRegistry[name]
	return f, ok
}
