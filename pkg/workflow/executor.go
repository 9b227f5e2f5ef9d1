package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/arborworks/treeline/pkg/eventbus"
	"github.com/arborworks/treeline/pkg/events"
	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/otelhelper"
	"github.com/arborworks/treeline/pkg/persistence"
	"github.com/arborworks/treeline/pkg/protocol"
	"github.com/arborworks/treeline/pkg/registry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Artifact names the engine itself reads and writes.
const (
	ArtifactResult   = "result"    // Node attempt result context
	ArtifactWorkItem = "work_item" // Per-child fan-out input
)

// Stream event types the executor appends to attempt logs alongside whatever
// the invoker emits.
const (
	streamEventAttemptStarted = "attempt_started"
	streamEventAttemptSettled = "attempt_settled"
)

// Executor drives one run to a terminal or suspended state: it claims
// runnable node attempts, invokes their providers, routes outcomes along
// edges, and coordinates fan-out groups. All state lives in persistence; the
// executor can stop at any point and a later call resumes from storage.
type Executor struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	coordinator *FanOutCoordinator
	eventBus    eventbus.EventPublisher
	tracer      trace.Tracer
	logger      *slog.Logger
}

func NewExecutor(
	persistence persistence.Persistence,
	registry *registry.Registry,
	coordinator *FanOutCoordinator,
	eventBus eventbus.EventPublisher,
	tracer trace.Tracer,
	logger *slog.Logger,
) *Executor {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("workflow")
	}

	return &Executor{
		persistence: persistence,
		registry:    registry,
		coordinator: coordinator,
		eventBus:    eventBus,
		tracer:      tracer,
		logger:      logger,
	}
}

// ExecuteRun advances a run until it settles, pauses, or is cancelled. It is
// safe to call again on a suspended run; execution picks up from whatever
// node attempts are still pending in storage.
func (e *Executor) ExecuteRun(ctx context.Context, runID string) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.execute_run",
		attribute.String(otelhelper.RunIDKey, runID))
	defer span.End()

	run, err := e.persistence.Runs().GetByID(ctx, runID)
	if err != nil {
		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to fetch run %s: %w", runID, err)
	}

	definition, err := e.persistence.Definitions().GetByID(ctx, run.DefinitionID)
	if err != nil {
		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to fetch definition %s: %w", run.DefinitionID, err)
	}

	logger := e.logger.With("run_id", run.ID, "tree_key", run.TreeKey, "definition_version", run.DefinitionVersion)

	if run.Status == models.RunStatusPending {
		previous, err := e.persistence.Runs().TransitionStatus(ctx, run.ID,
			[]models.RunStatus{models.RunStatusPending}, models.RunStatusRunning, time.Now().UTC())
		if err != nil {
			if errors.Is(err, persistence.ErrStatusConflict) {
				logger.InfoContext(ctx, "Run already claimed by another executor", "status", previous)

				return nil
			}

			return fmt.Errorf("failed to start run %s: %w", run.ID, err)
		}

		e.publish(ctx, run.ID, events.RunStarted{
			BaseEvent:         e.baseEvent(events.RunStartedEvent, run),
			DefinitionVersion: run.DefinitionVersion,
		})

		logger.InfoContext(ctx, "Run started")
	}

	for {
		run, err = e.persistence.Runs().GetByID(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("failed to refresh run %s: %w", run.ID, err)
		}

		// Operator control wins between node attempts.
		switch run.Status {
		case models.RunStatusPaused:
			logger.InfoContext(ctx, "Run paused, suspending execution")

			return nil
		case models.RunStatusCancelled, models.RunStatusCompleted, models.RunStatusFailed:
			logger.InfoContext(ctx, "Run no longer running, stopping", "status", run.Status)

			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		next, err := e.claimNext(ctx, run)
		if err != nil {
			return err
		}

		if next == nil {
			return e.settleRun(ctx, definition, run, logger)
		}

		if err := e.executeNode(ctx, definition, run, next); err != nil {
			return err
		}
	}
}

// claimNext picks the next runnable pending node: lowest lineage depth first,
// then sequence index, then sequence path. Pending joins whose fan-out group
// has not settled are withheld.
func (e *Executor) claimNext(ctx context.Context, run *models.WorkflowRun) (*models.RunNode, error) {
	pending, err := e.persistence.RunNodes().ListByRunAndStatus(ctx, run.ID, models.RunNodeStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending nodes: %w", err)
	}

	runnable := make([]*models.RunNode, 0, len(pending))

	for _, node := range pending {
		if node.NodeRole == models.NodeRoleJoin {
			eligible, err := e.coordinator.JoinEligible(ctx, node)
			if err != nil {
				return nil, err
			}

			if !eligible {
				continue
			}
		}

		runnable = append(runnable, node)
	}

	if len(runnable) == 0 {
		return nil, nil
	}

	sort.Slice(runnable, func(i, j int) bool {
		if runnable[i].LineageDepth != runnable[j].LineageDepth {
			return runnable[i].LineageDepth < runnable[j].LineageDepth
		}

		if runnable[i].SequenceIndex != runnable[j].SequenceIndex {
			return runnable[i].SequenceIndex < runnable[j].SequenceIndex
		}

		return runnable[i].SequencePath < runnable[j].SequencePath
	})

	return runnable[0], nil
}

func (e *Executor) executeNode(ctx context.Context, definition *models.WorkflowDefinition, run *models.WorkflowRun, node *models.RunNode) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.execute_node",
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.RunNodeIDKey, node.ID),
		attribute.String(otelhelper.NodeKeyKey, node.NodeKey),
		attribute.Int(otelhelper.AttemptKey, node.Attempt))
	defer span.End()

	logger := e.logger.With("run_id", run.ID, "node_key", node.NodeKey, "attempt", node.Attempt)

	definitionNode := definition.NodeByKey(node.NodeKey)
	if definitionNode == nil {
		return fmt.Errorf("run node %s references unknown definition node %q", node.ID, node.NodeKey)
	}

	if _, err := e.persistence.RunNodes().TransitionStatus(ctx, node.ID,
		[]models.RunNodeStatus{models.RunNodeStatusPending}, models.RunNodeStatusRunning, time.Now().UTC()); err != nil {
		if errors.Is(err, persistence.ErrStatusConflict) {
			// Another executor claimed it, or the run was cancelled
			// underneath us. Either way this node is no longer ours.
			logger.InfoContext(ctx, "Node attempt no longer pending, skipping claim")

			return nil
		}

		return fmt.Errorf("failed to claim node %s: %w", node.ID, err)
	}

	sink := newStreamSink(e.persistence.Streams(), run.ID, node.ID, node.Attempt)
	sink.emit(ctx, streamEventAttemptStarted, map[string]any{"node_key": node.NodeKey, "attempt": node.Attempt})

	e.publish(ctx, run.ID, events.NodeStarted{
		BaseEvent: e.baseEvent(events.NodeStartedEvent, run),
		RunNodeID: node.ID,
		NodeKey:   node.NodeKey,
		Attempt:   node.Attempt,
	})

	startedAt := time.Now().UTC()

	resultContext, err := e.buildResultContext(ctx, run, node)
	if err != nil {
		return err
	}

	outcome := e.invoke(ctx, run, node, definitionNode, resultContext, sink, logger)

	resultArtifactID, err := e.persistResult(ctx, run, node, outcome)
	if err != nil {
		return err
	}

	status := models.RunNodeStatusCompleted
	if outcome.Status != models.NodeOutcomeSuccess {
		status = models.RunNodeStatusFailed
	}

	now := time.Now().UTC()

	if _, err := e.persistence.RunNodes().TransitionStatus(ctx, node.ID,
		[]models.RunNodeStatus{models.RunNodeStatusRunning}, status, now); err != nil {
		if errors.Is(err, persistence.ErrStatusConflict) {
			// Cancelled mid-flight: the outcome is recorded but the attempt
			// stays cancelled and nothing downstream is materialized.
			logger.WarnContext(ctx, "Node attempt settled elsewhere while invoking, discarding routing")

			return nil
		}

		return fmt.Errorf("failed to settle node %s: %w", node.ID, err)
	}

	sink.emit(ctx, streamEventAttemptSettled, map[string]any{"status": string(status), "error": outcome.Error})

	e.publish(ctx, run.ID, events.NodeSettled{
		BaseEvent:  e.baseEvent(events.NodeSettledEvent, run),
		RunNodeID:  node.ID,
		NodeKey:    node.NodeKey,
		Attempt:    node.Attempt,
		Status:     status,
		DurationMs: now.Sub(startedAt).Milliseconds(),
	})

	logger.InfoContext(ctx, "Node attempt settled", "status", status)

	node.Status = status

	if e.isFanOutChild(node) {
		return e.settleChild(ctx, run, node, status)
	}

	if status == models.RunNodeStatusCompleted && definitionNode.IsSpawner() {
		return e.spawn(ctx, definition, run, node, definitionNode, outcome, resultArtifactID)
	}

	return e.route(ctx, definition, run, node, outcome)
}

// invoke resolves the provider and runs the attempt. Invocation errors never
// abort the run; they settle the attempt as a failure with a diagnostic so
// failure edges and retries stay in play.
func (e *Executor) invoke(
	ctx context.Context,
	run *models.WorkflowRun,
	node *models.RunNode,
	definitionNode *models.DefinitionNode,
	resultContext map[string]any,
	sink *streamSink,
	logger *slog.Logger,
) *models.NodeOutcome {
	invoker, err := e.registry.CreateInvoker(definitionNode)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to create node invoker", "error", err)
		e.recordDiagnostic(ctx, run, node, models.DiagnosticSeverityError, err.Error(), nil)

		return &models.NodeOutcome{Status: models.NodeOutcomeFailure, Error: err.Error()}
	}

	prompt, err := RenderPrompt(definitionNode.PromptTemplate, resultContext)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to render prompt template", "error", err)
		e.recordDiagnostic(ctx, run, node, models.DiagnosticSeverityError, err.Error(), nil)

		return &models.NodeOutcome{Status: models.NodeOutcomeFailure, Error: err.Error()}
	}

	outcome, err := invoker.Invoke(ctx, &protocol.InvocationRequest{
		Run:           run,
		RunNode:       node,
		Node:          definitionNode,
		Prompt:        prompt,
		ResultContext: resultContext,
		Events:        sink,
	})
	if err != nil {
		detail := map[string]any{"provider": invoker.ID()}

		var authErr *protocol.AuthError
		if errors.As(err, &authErr) {
			detail["auth_required"] = true
			detail["reason"] = authErr.Reason
		}

		logger.ErrorContext(ctx, "Node invocation failed", "provider", invoker.ID(), "error", err)
		e.recordDiagnostic(ctx, run, node, models.DiagnosticSeverityError, err.Error(), detail)

		return &models.NodeOutcome{Status: models.NodeOutcomeFailure, Error: err.Error()}
	}

	if outcome == nil {
		outcome = &models.NodeOutcome{Status: models.NodeOutcomeFailure, Error: "invoker returned no outcome"}
	}

	return outcome
}

// buildResultContext assembles the context a node attempt is invoked with and
// its outgoing guards are evaluated against:
//   - fan-out children read their work item;
//   - joins read their group's aggregates;
//   - everything else reads the result artifact of the node that routed here.
func (e *Executor) buildResultContext(ctx context.Context, run *models.WorkflowRun, node *models.RunNode) (map[string]any, error) {
	if e.isFanOutChild(node) {
		item, err := e.findArtifact(ctx, run.ID, node.ID, node.Attempt, ArtifactWorkItem)
		if err != nil {
			return nil, err
		}

		if item == nil {
			return map[string]any{}, nil
		}

		return map[string]any{"item": item.Content}, nil
	}

	if node.NodeRole == models.NodeRoleJoin {
		aggregates, err := e.coordinator.JoinAggregates(ctx, node)
		if err != nil {
			return nil, err
		}

		return map[string]any{"fanOut": aggregates}, nil
	}

	decisions, err := e.persistence.Attachments().ListRoutingDecisionsByRun(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list routing decisions: %w", err)
	}

	// The node's upstream is whichever attempt most recently routed to it.
	var inbound *models.RoutingDecision

	for _, decision := range decisions {
		if decision.EdgeID == "" || decision.TargetNodeKey != node.NodeKey {
			continue
		}

		if inbound == nil || decision.CreatedAt.After(inbound.CreatedAt) {
			inbound = decision
		}
	}

	if inbound == nil {
		return map[string]any{}, nil
	}

	result, err := e.findArtifact(ctx, run.ID, inbound.RunNodeID, inbound.Attempt, ArtifactResult)
	if err != nil {
		return nil, err
	}

	if result == nil {
		return map[string]any{}, nil
	}

	return result.Content, nil
}

// route evaluates the settled node's outgoing edges in priority order and
// materializes the first match's target. Every attempt gets exactly one
// routing decision, matched or not.
func (e *Executor) route(ctx context.Context, definition *models.WorkflowDefinition, run *models.WorkflowRun, node *models.RunNode, outcome *models.NodeOutcome) error {
	routeOn := models.RouteOnSuccess
	if outcome.Status != models.NodeOutcomeSuccess {
		routeOn = models.RouteOnFailure
	}

	matched := selectEdge(edgesByPriority(definition, node.NodeKey, routeOn), outcome.ResultContext)

	decision := &models.RoutingDecision{
		ID:            uuid.New().String(),
		WorkflowRunID: run.ID,
		RunNodeID:     node.ID,
		Attempt:       node.Attempt,
		RouteOn:       routeOn,
		CreatedAt:     time.Now().UTC(),
	}

	if matched == nil {
		decision.Reason = fmt.Sprintf("no %s edge matched", routeOn)

		if err := e.persistence.Attachments().SaveRoutingDecision(ctx, decision); err != nil {
			return fmt.Errorf("failed to persist routing decision: %w", err)
		}

		return nil
	}

	decision.EdgeID = matched.ID
	decision.TargetNodeKey = matched.TargetNodeKey
	decision.Reason = edgeReason(matched)

	if err := e.persistence.Attachments().SaveRoutingDecision(ctx, decision); err != nil {
		return fmt.Errorf("failed to persist routing decision: %w", err)
	}

	return e.materializeTarget(ctx, definition, run, node, matched.TargetNodeKey)
}

// materializeTarget creates the next pending attempt of the routed-to node.
// Re-entering an already-attempted node bumps its attempt number; history is
// never overwritten.
func (e *Executor) materializeTarget(ctx context.Context, definition *models.WorkflowDefinition, run *models.WorkflowRun, source *models.RunNode, targetKey string) error {
	targetNode := definition.NodeByKey(targetKey)
	if targetNode == nil {
		return fmt.Errorf("edge targets unknown node %q", targetKey)
	}

	lastAttempt, err := e.persistence.RunNodes().MaxAttempt(ctx, run.ID, targetKey)
	if err != nil {
		return fmt.Errorf("failed to resolve attempt for %q: %w", targetKey, err)
	}

	target := &models.RunNode{
		ID:            uuid.New().String(),
		WorkflowRunID: run.ID,
		TreeNodeID:    targetNode.ID,
		NodeKey:       targetNode.NodeKey,
		Attempt:       lastAttempt + 1,
		SequenceIndex: targetNode.SequenceIndex,
		Status:        models.RunNodeStatusPending,
		NodeRole:      effectiveRole(targetNode),
		LineageDepth:  source.LineageDepth,
		SequencePath:  source.SequencePath,
		CreatedAt:     time.Now().UTC(),
	}

	if err := e.persistence.RunNodes().Create(ctx, target); err != nil {
		return fmt.Errorf("failed to materialize node %q: %w", targetKey, err)
	}

	return nil
}

// spawn turns a completed spawner's child items into a fan-out group. The
// spawner's routing decision is its first success edge; the children are that
// edge's materialization.
func (e *Executor) spawn(
	ctx context.Context,
	definition *models.WorkflowDefinition,
	run *models.WorkflowRun,
	node *models.RunNode,
	definitionNode *models.DefinitionNode,
	outcome *models.NodeOutcome,
	resultArtifactID string,
) error {
	group, children, err := e.coordinator.Spawn(ctx, definition, run, node, definitionNode, outcome.ChildItems, resultArtifactID)
	if err != nil {
		return fmt.Errorf("failed to spawn fan-out for %q: %w", node.NodeKey, err)
	}

	decision := &models.RoutingDecision{
		ID:            uuid.New().String(),
		WorkflowRunID: run.ID,
		RunNodeID:     node.ID,
		Attempt:       node.Attempt,
		RouteOn:       models.RouteOnSuccess,
		Reason:        fmt.Sprintf("fan-out spawned %d child(ren)", len(children)),
		CreatedAt:     time.Now().UTC(),
	}

	if edges := successEdgesByPriority(definition, node.NodeKey); len(edges) > 0 {
		decision.EdgeID = edges[0].ID
		decision.TargetNodeKey = edges[0].TargetNodeKey
	}

	if err := e.persistence.Attachments().SaveRoutingDecision(ctx, decision); err != nil {
		return fmt.Errorf("failed to persist spawn routing decision: %w", err)
	}

	e.publish(ctx, run.ID, events.FanOutSpawned{
		BaseEvent:        e.baseEvent(events.FanOutSpawnedEvent, run),
		GroupID:          group.ID,
		SpawnerNodeID:    node.ID,
		JoinNodeID:       group.JoinNodeID,
		ExpectedChildren: group.ExpectedChildren,
	})

	return nil
}

// settleChild feeds one fan-out child's terminal status into its group. The
// child itself never routes; the join carries the lineage forward once the
// group settles.
func (e *Executor) settleChild(ctx context.Context, run *models.WorkflowRun, node *models.RunNode, status models.RunNodeStatus) error {
	group, err := e.coordinator.ChildSettled(ctx, node, status)
	if err != nil {
		return err
	}

	if group == nil || !group.Settled() {
		return nil
	}

	e.publish(ctx, run.ID, events.FanOutSettled{
		BaseEvent:         e.baseEvent(events.FanOutSettledEvent, run),
		GroupID:           group.ID,
		CompletedChildren: group.CompletedChildren,
		FailedChildren:    group.FailedChildren,
	})

	return nil
}

// settleRun determines the run's terminal status once no node attempt is
// runnable. A failure on a node with no matching failure edge (outside a
// fan-out group) fails the run; otherwise it completes when at least one
// attempt completed.
func (e *Executor) settleRun(ctx context.Context, definition *models.WorkflowDefinition, run *models.WorkflowRun, logger *slog.Logger) error {
	nodes, err := e.persistence.RunNodes().ListByRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to list run nodes: %w", err)
	}

	current := currentAttempts(nodes)

	for _, node := range current {
		if node.Status == models.RunNodeStatusPending || node.Status == models.RunNodeStatusRunning {
			// A withheld join with an unsettled group: children are still
			// out there, nothing to do until they settle.
			logger.InfoContext(ctx, "Active node attempts remain, leaving run running", "node_key", node.NodeKey)

			return nil
		}
	}

	status := models.RunStatusCompleted
	reason := ""

	unhandled, err := e.findUnhandledFailure(ctx, run, current)
	if err != nil {
		return err
	}

	switch {
	case unhandled != nil:
		status = models.RunStatusFailed
		reason = fmt.Sprintf("node %q failed with no failure edge", unhandled.NodeKey)
	case !anyCompleted(current):
		status = models.RunStatusFailed
		reason = "no node attempt completed"
	}

	now := time.Now().UTC()

	previous, err := e.persistence.Runs().TransitionStatus(ctx, run.ID,
		[]models.RunStatus{models.RunStatusRunning}, status, now)
	if err != nil {
		if errors.Is(err, persistence.ErrStatusConflict) {
			logger.InfoContext(ctx, "Run settled elsewhere", "status", previous)

			return nil
		}

		return fmt.Errorf("failed to settle run %s: %w", run.ID, err)
	}

	duration := now.Sub(run.CreatedAt)
	if run.StartedAt != nil {
		duration = now.Sub(*run.StartedAt)
	}

	eventType := events.RunCompletedEvent
	if status == models.RunStatusFailed {
		eventType = events.RunFailedEvent
	}

	e.publish(ctx, run.ID, events.RunSettled{
		BaseEvent: e.baseEvent(eventType, run),
		Status:    status,
		Duration:  duration,
	})

	logger.InfoContext(ctx, "Run settled", "status", status, "reason", reason)

	return nil
}

// findUnhandledFailure returns the first current failed attempt whose routing
// decision matched no edge. Fan-out children are excluded; their failures are
// the join's to judge.
func (e *Executor) findUnhandledFailure(ctx context.Context, run *models.WorkflowRun, current []*models.RunNode) (*models.RunNode, error) {
	decisions, err := e.persistence.Attachments().ListRoutingDecisionsByRun(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list routing decisions: %w", err)
	}

	routed := make(map[string]bool, len(decisions))

	for _, decision := range decisions {
		if decision.EdgeID != "" {
			routed[decision.RunNodeID] = true
		}
	}

	for _, node := range current {
		if node.Status != models.RunNodeStatusFailed || e.isFanOutChild(node) {
			continue
		}

		if !routed[node.ID] {
			return node, nil
		}
	}

	return nil, nil
}

func (e *Executor) persistResult(ctx context.Context, run *models.WorkflowRun, node *models.RunNode, outcome *models.NodeOutcome) (string, error) {
	if outcome.ResultContext == nil {
		return "", nil
	}

	artifact := &models.Artifact{
		ID:            uuid.New().String(),
		WorkflowRunID: run.ID,
		RunNodeID:     node.ID,
		Attempt:       node.Attempt,
		Name:          ArtifactResult,
		ContentType:   "application/json",
		Content:       outcome.ResultContext,
		CreatedAt:     time.Now().UTC(),
	}

	if err := e.persistence.Attachments().SaveArtifact(ctx, artifact); err != nil {
		return "", fmt.Errorf("failed to persist result artifact: %w", err)
	}

	return artifact.ID, nil
}

func (e *Executor) findArtifact(ctx context.Context, runID, runNodeID string, attempt int, name string) (*models.Artifact, error) {
	artifacts, err := e.persistence.Attachments().ListArtifactsByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	for _, artifact := range artifacts {
		if artifact.RunNodeID == runNodeID && artifact.Attempt == attempt && artifact.Name == name {
			return artifact, nil
		}
	}

	return nil, nil
}

func (e *Executor) recordDiagnostic(ctx context.Context, run *models.WorkflowRun, node *models.RunNode, severity models.DiagnosticSeverity, message string, detail map[string]any) {
	diagnostic := &models.Diagnostic{
		ID:            uuid.New().String(),
		WorkflowRunID: run.ID,
		RunNodeID:     node.ID,
		Attempt:       node.Attempt,
		Severity:      severity,
		Message:       message,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}

	if err := e.persistence.Attachments().SaveDiagnostic(ctx, diagnostic); err != nil {
		e.logger.ErrorContext(ctx, "Failed to persist diagnostic", "error", err)
	}
}

func (e *Executor) isFanOutChild(node *models.RunNode) bool {
	return node.SpawnerNodeID != nil && node.JoinNodeID != nil
}

func (e *Executor) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.eventBus == nil {
		return
	}

	if err := e.eventBus.Publish(ctx, key, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish run event", "event_type", event.GetType(), "error", err)
	}
}

func (e *Executor) baseEvent(eventType events.EventType, run *models.WorkflowRun) events.BaseEvent {
	return events.BaseEvent{
		ID:            uuid.New().String(),
		Type:          eventType,
		Timestamp:     time.Now().UTC(),
		WorkflowRunID: run.ID,
		TreeKey:       run.TreeKey,
	}
}

// currentAttempts keeps only the highest attempt per slot in a run, where a
// slot is a node key at a sequence path (fan-out children occupy distinct
// slots under the same key).
func currentAttempts(nodes []*models.RunNode) []*models.RunNode {
	latest := make(map[string]*models.RunNode, len(nodes))

	for _, node := range nodes {
		slot := node.NodeKey + "|" + node.SequencePath
		if node.SpawnerNodeID != nil {
			slot += "|" + *node.SpawnerNodeID
		}

		if existing, ok := latest[slot]; !ok || node.Attempt > existing.Attempt {
			latest[slot] = node
		}
	}

	current := make([]*models.RunNode, 0, len(latest))
	for _, node := range latest {
		current = append(current, node)
	}

	return current
}

func anyCompleted(nodes []*models.RunNode) bool {
	for _, node := range nodes {
		if node.Status == models.RunNodeStatusCompleted {
			return true
		}
	}

	return false
}

// selectEdge returns the first edge that fires: auto edges fire
// unconditionally, guarded edges fire when their guard passes. Edges that
// are neither never fire.
func selectEdge(edges []*models.DefinitionEdge, resultContext map[string]any) *models.DefinitionEdge {
	for _, edge := range edges {
		if edge.Auto {
			return edge
		}

		if edge.Guard != nil && edge.Guard.Evaluate(resultContext) {
			return edge
		}
	}

	return nil
}

// edgeReason describes why a matched edge fired, recorded on its routing
// decision.
func edgeReason(edge *models.DefinitionEdge) string {
	if edge.Auto {
		return fmt.Sprintf("auto %s edge matched", edge.EffectiveRouteOn())
	}

	return fmt.Sprintf("guard passed on %s edge", edge.EffectiveRouteOn())
}

// edgesByPriority returns a node's outgoing edges for one outcome, ascending
// by priority with definition order breaking ties.
func edgesByPriority(definition *models.WorkflowDefinition, nodeKey string, routeOn models.RouteOn) []*models.DefinitionEdge {
	edges := make([]*models.DefinitionEdge, 0)

	for _, edge := range definition.OutgoingEdges(nodeKey) {
		if edge.EffectiveRouteOn() == routeOn {
			edges = append(edges, edge)
		}
	}

	sort.SliceStable(edges, func(i, j int) bool {
		return edges[i].Priority < edges[j].Priority
	})

	return edges
}

func successEdgesByPriority(definition *models.WorkflowDefinition, nodeKey string) []*models.DefinitionEdge {
	return edgesByPriority(definition, nodeKey, models.RouteOnSuccess)
}

// streamSink appends executor and invoker events to one attempt's log.
type streamSink struct {
	streams   persistence.StreamRepository
	runID     string
	runNodeID string
	attempt   int
}

func newStreamSink(streams persistence.StreamRepository, runID, runNodeID string, attempt int) *streamSink {
	return &streamSink{
		streams:   streams,
		runID:     runID,
		runNodeID: runNodeID,
		attempt:   attempt,
	}
}

func (s *streamSink) Emit(ctx context.Context, eventType string, payload map[string]any) error {
	event := &models.StreamEvent{
		ID:            uuid.New().String(),
		WorkflowRunID: s.runID,
		RunNodeID:     s.runNodeID,
		Attempt:       s.attempt,
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}

	_, err := s.streams.Append(ctx, event)

	return err
}

// emit is the executor-internal variant: append failures are logged by the
// caller's persistence layer but never fail the attempt.
func (s *streamSink) emit(ctx context.Context, eventType string, payload map[string]any) {
	_ = s.Emit(ctx, eventType, payload)
}
