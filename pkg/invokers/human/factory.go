package human

import (
	"github.com/arborworks/treeline/pkg/protocol"
)

// InvokerFactory creates human-input invokers.
type InvokerFactory struct{}

func NewInvokerFactory() *InvokerFactory {
	return &InvokerFactory{}
}

func (f *InvokerFactory) ID() string {
	return ProviderID
}

func (f *InvokerFactory) Create(_ map[string]any) (protocol.NodeInvoker, error) {
	return NewInvoker(), nil
}
