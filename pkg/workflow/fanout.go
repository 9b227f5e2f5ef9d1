package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/persistence"
	"github.com/google/uuid"
)

// FanOutCoordinator tracks spawner→children→join completion groups. It
// spawns child run nodes when a spawner completes and releases the join node
// once every expected child has settled.
type FanOutCoordinator struct {
	persistence persistence.Persistence
	logger      *slog.Logger
}

func NewFanOutCoordinator(persistence persistence.Persistence, logger *slog.Logger) *FanOutCoordinator {
	return &FanOutCoordinator{
		persistence: persistence,
		logger:      logger,
	}
}

// Spawn creates the fan-out group for a completed spawner node: one child
// RunNode per work item (bounded by the spawner's child cap), plus the
// withheld join RunNode the group gates. The spawn source artifact links the
// group back to the result that produced the items.
func (c *FanOutCoordinator) Spawn(
	ctx context.Context,
	definition *models.WorkflowDefinition,
	run *models.WorkflowRun,
	spawner *models.RunNode,
	spawnerNode *models.DefinitionNode,
	items []map[string]any,
	sourceArtifactID string,
) (*models.FanOutGroup, []*models.RunNode, error) {
	templateNode, joinNode, err := c.resolveFanOutTargets(definition, spawnerNode)
	if err != nil {
		return nil, nil, err
	}

	childCap := spawnerNode.EffectiveMaxChildren()
	if len(items) > childCap {
		c.logger.WarnContext(ctx, "Spawner produced more items than its child cap, truncating",
			"run_id", run.ID, "node_key", spawnerNode.NodeKey, "items", len(items), "max_children", childCap)

		c.recordTruncation(ctx, run, spawner, len(items), childCap)

		items = items[:childCap]
	}

	now := time.Now().UTC()

	joinAttempt, err := c.persistence.RunNodes().MaxAttempt(ctx, run.ID, joinNode.NodeKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve join attempt: %w", err)
	}

	join := &models.RunNode{
		ID:            uuid.New().String(),
		WorkflowRunID: run.ID,
		TreeNodeID:    joinNode.ID,
		NodeKey:       joinNode.NodeKey,
		Attempt:       joinAttempt + 1,
		SequenceIndex: joinNode.SequenceIndex,
		Status:        models.RunNodeStatusPending,
		NodeRole:      models.NodeRoleJoin,
		SpawnerNodeID: &spawner.ID,
		LineageDepth:  spawner.LineageDepth,
		SequencePath:  spawner.SequencePath,
		CreatedAt:     now,
	}

	if err := c.persistence.RunNodes().Create(ctx, join); err != nil {
		return nil, nil, fmt.Errorf("failed to create join node: %w", err)
	}

	children := make([]*models.RunNode, 0, len(items))
	childIDs := make([]string, 0, len(items))

	for ordinal, item := range items {
		child := &models.RunNode{
			ID:            uuid.New().String(),
			WorkflowRunID: run.ID,
			TreeNodeID:    templateNode.ID,
			NodeKey:       templateNode.NodeKey,
			Attempt:       1, // Children are distinct rows; retries bump per-row attempts
			SequenceIndex: templateNode.SequenceIndex,
			Status:        models.RunNodeStatusPending,
			NodeRole:      models.NodeRoleStandard,
			SpawnerNodeID: &spawner.ID,
			JoinNodeID:    &join.ID,
			LineageDepth:  spawner.LineageDepth + 1,
			SequencePath:  spawner.SequencePath + "." + strconv.Itoa(ordinal),
			CreatedAt:     now,
		}

		if err := c.persistence.RunNodes().Create(ctx, child); err != nil {
			return nil, nil, fmt.Errorf("failed to create child node: %w", err)
		}

		workItem := &models.Artifact{
			ID:            uuid.New().String(),
			WorkflowRunID: run.ID,
			RunNodeID:     child.ID,
			Attempt:       child.Attempt,
			Name:          ArtifactWorkItem,
			ContentType:   "application/json",
			Content:       item,
			CreatedAt:     now,
		}

		if err := c.persistence.Attachments().SaveArtifact(ctx, workItem); err != nil {
			return nil, nil, fmt.Errorf("failed to persist work item: %w", err)
		}

		children = append(children, child)
		childIDs = append(childIDs, child.ID)
	}

	group := &models.FanOutGroup{
		ID:                    uuid.New().String(),
		WorkflowRunID:         run.ID,
		SpawnerNodeID:         spawner.ID,
		JoinNodeID:            join.ID,
		SpawnSourceArtifactID: sourceArtifactID,
		ChildNodeIDs:          childIDs,
		ExpectedChildren:      len(children),
		Status:                models.FanOutStatusOpen,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	// A spawner that yields no work settles its group on the spot; the join
	// becomes immediately eligible with zero-child aggregates.
	if len(children) == 0 {
		group.Status = models.FanOutStatusSettled
	}

	if err := c.persistence.FanOuts().Create(ctx, group); err != nil {
		return nil, nil, fmt.Errorf("failed to create fan-out group: %w", err)
	}

	c.logger.InfoContext(ctx, "Spawned fan-out group",
		"run_id", run.ID,
		"group_id", group.ID,
		"spawner", spawnerNode.NodeKey,
		"join", joinNode.NodeKey,
		"children", len(children))

	return group, children, nil
}

// ChildSettled records one child reaching a terminal status, returning the
// updated group so the executor can release the join when it settles. The
// increment-and-check happens in a single storage update, so concurrent child
// completions cannot double-activate the join.
func (c *FanOutCoordinator) ChildSettled(ctx context.Context, child *models.RunNode, status models.RunNodeStatus) (*models.FanOutGroup, error) {
	if child.SpawnerNodeID == nil || child.JoinNodeID == nil {
		return nil, nil
	}

	group, err := c.persistence.FanOuts().GetByJoinNode(ctx, *child.JoinNodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve fan-out group for child %s: %w", child.ID, err)
	}

	updated, err := c.persistence.FanOuts().RecordChildTerminal(ctx, group.ID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to record child terminal: %w", err)
	}

	return updated, nil
}

// JoinEligible reports whether a pending join node may run: either its group
// has settled, or it has no group at all (a join with no upstream spawner is
// only warned about at validation time).
func (c *FanOutCoordinator) JoinEligible(ctx context.Context, join *models.RunNode) (bool, error) {
	group, err := c.persistence.FanOuts().GetByJoinNode(ctx, join.ID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return true, nil
		}

		return false, err
	}

	return group.Status == models.FanOutStatusSettled, nil
}

// JoinAggregates returns the aggregate view a join node's execution context
// receives once its group settles.
func (c *FanOutCoordinator) JoinAggregates(ctx context.Context, join *models.RunNode) (map[string]any, error) {
	group, err := c.persistence.FanOuts().GetByJoinNode(ctx, join.ID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return map[string]any{}, nil
		}

		return nil, err
	}

	return map[string]any{
		"expectedChildren":  group.ExpectedChildren,
		"completedChildren": group.CompletedChildren,
		"failedChildren":    group.FailedChildren,
		"terminalChildren":  group.TerminalChildren,
	}, nil
}

// resolveFanOutTargets finds the spawner's child template node (the target of
// its lowest-priority success edge) and the join node downstream of the
// template. Publish validation guarantees the join exists.
func (c *FanOutCoordinator) resolveFanOutTargets(definition *models.WorkflowDefinition, spawnerNode *models.DefinitionNode) (*models.DefinitionNode, *models.DefinitionNode, error) {
	edges := successEdgesByPriority(definition, spawnerNode.NodeKey)
	if len(edges) == 0 {
		return nil, nil, fmt.Errorf("spawner %q has no success edges", spawnerNode.NodeKey)
	}

	templateNode := definition.NodeByKey(edges[0].TargetNodeKey)
	if templateNode == nil {
		return nil, nil, fmt.Errorf("spawner %q targets unknown node %q", spawnerNode.NodeKey, edges[0].TargetNodeKey)
	}

	if templateNode.IsJoin() {
		// Degenerate shape: spawner wired straight into its join.
		return nil, nil, fmt.Errorf("spawner %q has no child template before its join", spawnerNode.NodeKey)
	}

	joinNode := findJoinDownstream(definition, templateNode.NodeKey)
	if joinNode == nil {
		return nil, nil, fmt.Errorf("spawner %q has no join node downstream", spawnerNode.NodeKey)
	}

	return templateNode, joinNode, nil
}

func (c *FanOutCoordinator) recordTruncation(ctx context.Context, run *models.WorkflowRun, spawner *models.RunNode, produced, childCap int) {
	diagnostic := &models.Diagnostic{
		ID:            uuid.New().String(),
		WorkflowRunID: run.ID,
		RunNodeID:     spawner.ID,
		Attempt:       spawner.Attempt,
		Severity:      models.DiagnosticSeverityWarning,
		Message:       fmt.Sprintf("spawner produced %d items, truncated to max_children=%d", produced, childCap),
		CreatedAt:     time.Now().UTC(),
	}

	if err := c.persistence.Attachments().SaveDiagnostic(ctx, diagnostic); err != nil {
		c.logger.ErrorContext(ctx, "Failed to persist truncation diagnostic", "error", err)
	}
}

func findJoinDownstream(definition *models.WorkflowDefinition, startKey string) *models.DefinitionNode {
	visited := map[string]bool{startKey: true}
	queue := []string{startKey}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, edge := range successEdgesByPriority(definition, current) {
			if visited[edge.TargetNodeKey] {
				continue
			}

			target := definition.NodeByKey(edge.TargetNodeKey)
			if target != nil && target.IsJoin() {
				return target
			}

			visited[edge.TargetNodeKey] = true
			queue = append(queue, edge.TargetNodeKey)
		}
	}

	return nil
}
