// Package script provides a function-backed invoker for tests and local
// tooling: node attempts execute an in-process Go function instead of calling
// out to a real provider.
package script

import (
	"context"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/protocol"
)

// ProviderID is the registry identifier for this invoker.
const ProviderID = "script"

// InvokeFunc executes one node attempt.
type InvokeFunc func(ctx context.Context, req *protocol.InvocationRequest) (*models.NodeOutcome, error)

// Invoker runs a fixed function for every attempt it receives.
type Invoker struct {
	provider string
	fn       InvokeFunc
}

func NewInvoker(fn InvokeFunc) *Invoker {
	return &Invoker{provider: ProviderID, fn: fn}
}

func (i *Invoker) ID() string {
	return i.provider
}

func (i *Invoker) Invoke(ctx context.Context, req *protocol.InvocationRequest) (*models.NodeOutcome, error) {
	return i.fn(ctx, req)
}

// InvokerFactory hands out the same function-backed invoker for a provider
// name, ignoring node configuration.
type InvokerFactory struct {
	provider string
	fn       InvokeFunc
}

// NewInvokerFactory creates a factory registered under the given provider
// name. Tests register one factory per behavior they want a node to exhibit.
func NewInvokerFactory(provider string, fn InvokeFunc) *InvokerFactory {
	if provider == "" {
		provider = ProviderID
	}

	return &InvokerFactory{provider: provider, fn: fn}
}

func (f *InvokerFactory) ID() string {
	return f.provider
}

func (f *InvokerFactory) Create(_ map[string]any) (protocol.NodeInvoker, error) {
	return &Invoker{provider: f.provider, fn: f.fn}, nil
}
