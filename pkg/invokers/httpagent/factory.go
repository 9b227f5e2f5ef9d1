package httpagent

import (
	"github.com/arborworks/treeline/pkg/protocol"
)

// InvokerFactory creates HTTP agent invokers. Nodes may name their own
// endpoint in configuration; the factory's default covers the rest.
type InvokerFactory struct {
	defaultEndpoint string
}

func NewInvokerFactory(defaultEndpoint string) *InvokerFactory {
	return &InvokerFactory{defaultEndpoint: defaultEndpoint}
}

// ID returns the provider identifier for this factory.
func (f *InvokerFactory) ID() string {
	return ProviderID
}

// Create builds an invoker from the given node configuration.
func (f *InvokerFactory) Create(config map[string]any) (protocol.NodeInvoker, error) {
	if _, ok := config["endpoint"].(string); !ok && f.defaultEndpoint != "" {
		merged := make(map[string]any, len(config)+1)
		for k, v := range config {
			merged[k] = v
		}

		merged["endpoint"] = f.defaultEndpoint
		config = merged
	}

	return NewInvoker(config)
}
