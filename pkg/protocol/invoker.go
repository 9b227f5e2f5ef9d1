// Package protocol defines the contracts between the run engine and the
// external collaborators that actually execute nodes (agent providers, human
// input surfaces, tools). The engine claims a node, hands the invoker a
// request, and persists whatever the invoker reports back; the invoker is the
// only party expected to block for a long time.
package protocol

import (
	"context"

	"github.com/arborworks/treeline/pkg/models"
)

// EventSink receives the stream events an invoker emits while a node attempt
// runs. Implementations append to the attempt's event log; sequence numbers
// are assigned at persistence time.
type EventSink interface {
	Emit(ctx context.Context, eventType string, payload map[string]any) error
}

// InvocationRequest carries everything an invoker needs to execute one node
// attempt.
type InvocationRequest struct {
	Run           *models.WorkflowRun
	RunNode       *models.RunNode
	Node          *models.DefinitionNode
	Prompt        string         // Rendered prompt template, empty when the node has none
	ResultContext map[string]any // Upstream result context or fan-out work item
	Events        EventSink
}

// NodeInvoker executes one node attempt and reports its terminal outcome.
// A returned error means the invocation itself broke (provider unreachable,
// auth missing); a domain-level failure is a NodeOutcome with failure status.
type NodeInvoker interface {
	// ID returns the provider identifier this invoker serves.
	ID() string

	Invoke(ctx context.Context, req *InvocationRequest) (*models.NodeOutcome, error)
}

// InvokerFactory builds invokers from per-node configuration.
type InvokerFactory interface {
	ID() string
	Create(config map[string]any) (NodeInvoker, error)
}

// AuthError is reported by invokers whose upstream provider rejected or
// lacked credentials; the API maps it to auth_required.
type AuthError struct {
	Provider string
	Reason   string
}

func (e *AuthError) Error() string {
	return "provider " + e.Provider + " authentication required: " + e.Reason
}
