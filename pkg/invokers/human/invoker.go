// Package human is the invoker for nodes that wait on operator input. The
// in-process stub does not block on a real input surface: it records the
// request on the attempt's event stream and fails the attempt so the operator
// can supply input out of band and retry the run.
package human

import (
	"context"
	"log/slog"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/protocol"
)

// ProviderID is the registry identifier for this invoker.
const ProviderID = "human_input"

// Invoker surfaces a human-input request and settles the attempt as failed.
type Invoker struct {
	logger *slog.Logger
}

func NewInvoker() *Invoker {
	return &Invoker{logger: slog.Default().With("module", "human_input_invoker")}
}

// ID returns the provider identifier this invoker serves.
func (i *Invoker) ID() string {
	return ProviderID
}

// Invoke emits an input_requested stream event and reports failure. A retried
// attempt whose result context already carries an "input" key succeeds with
// that input as its result.
func (i *Invoker) Invoke(ctx context.Context, req *protocol.InvocationRequest) (*models.NodeOutcome, error) {
	if input, ok := req.ResultContext["input"]; ok {
		return &models.NodeOutcome{
			Status:        models.NodeOutcomeSuccess,
			ResultContext: map[string]any{"input": input},
		}, nil
	}

	i.logger.InfoContext(ctx, "Human input requested",
		"run_id", req.Run.ID, "node_key", req.Node.NodeKey, "attempt", req.RunNode.Attempt)

	_ = req.Events.Emit(ctx, "input_requested", map[string]any{
		"node_key": req.Node.NodeKey,
		"prompt":   req.Prompt,
	})

	return &models.NodeOutcome{
		Status: models.NodeOutcomeFailure,
		Error:  "waiting on operator input",
	}, nil
}
