// Package registry maps provider identifiers to node invoker factories.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/protocol"
)

// Registry holds the invoker factories known to this process. Node types
// without an explicit provider fall back to a per-type default.
type Registry struct {
	logger           *slog.Logger
	invokerFactories map[string]protocol.InvokerFactory
	typeDefaults     map[models.NodeType]string
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:           logger,
		invokerFactories: make(map[string]protocol.InvokerFactory),
		typeDefaults:     make(map[models.NodeType]string),
	}
}

// RegisterInvoker adds an invoker factory by its provider ID.
func (r *Registry) RegisterInvoker(factory protocol.InvokerFactory) {
	r.invokerFactories[factory.ID()] = factory
}

// SetTypeDefault declares the provider used for nodes of a type that do not
// name one themselves.
func (r *Registry) SetTypeDefault(nodeType models.NodeType, provider string) {
	r.typeDefaults[nodeType] = provider
}

// CreateInvoker resolves and builds the invoker for a definition node.
func (r *Registry) CreateInvoker(node *models.DefinitionNode) (protocol.NodeInvoker, error) {
	provider := node.Provider
	if provider == "" {
		provider = r.typeDefaults[node.NodeType]
	}

	factory, ok := r.invokerFactories[provider]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered for node %q", provider, node.NodeKey)
	}

	config := map[string]any{}
	if node.Model != "" {
		config["model"] = node.Model
	}

	for key, value := range node.ExecutionPermissions {
		config[key] = value
	}

	return factory.Create(config)
}

// Providers returns the registered provider IDs.
func (r *Registry) Providers() []string {
	providers := make([]string, 0, len(r.invokerFactories))
	for id := range r.invokerFactories {
		providers = append(providers, id)
	}

	return providers
}

// HealthCheck reports whether at least one provider is available.
func (r *Registry) HealthCheck() (string, bool) {
	if len(r.invokerFactories) == 0 {
		return "No node providers registered", false
	}

	return fmt.Sprintf("%d node provider(s) registered", len(r.invokerFactories)), true
}
