package chat

import (
	jsoniter "github.com/json-iterator/go"

	"telescribe/pkg/config"
)

// ClientFactory builds a protocol client from its raw config section. This
// lets new platforms plug in without touching the ingestion engine.
type ClientFactory interface {
	Create(rawConfig jsoniter.RawMessage, system *config.SystemConfig) (Client, error)
}

var clientRegistry = make(map[string]ClientFactory)

// RegisterClient adds a factory under a platform name, typically from the
// package's init function.
func RegisterClient(name string, factory ClientFactory) {
	clientRegistry[name] = factory
}

// GetClientFactory retrieves a registered factory by platform name.
func GetClientFactory(name string) (ClientFactory, bool) {
	f, ok := clientRegistry[name]
	return f, ok
}
