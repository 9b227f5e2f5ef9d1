// Package workflow implements the run engine core: planning runs from
// published definitions, driving node attempts through their state machine,
// routing between nodes, and coordinating fan-out/join groups.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/persistence"
	"github.com/arborworks/treeline/pkg/validation"
	"github.com/google/uuid"
)

// Planner materializes runs from published definitions.
type Planner struct {
	persistence persistence.Persistence
	logger      *slog.Logger
}

func NewPlanner(persistence persistence.Persistence, logger *slog.Logger) *Planner {
	return &Planner{
		persistence: persistence,
		logger:      logger,
	}
}

// MaterializeRun snapshots the current published version of a tree into a
// fresh pending run with one pending RunNode per initial runnable node.
// Returns persistence.ErrPublishedNotFound when the tree has no published
// version.
func (p *Planner) MaterializeRun(ctx context.Context, treeKey string) (*models.WorkflowRun, []*models.RunNode, error) {
	definition, err := p.persistence.Definitions().GetPublished(ctx, treeKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve published definition for %q: %w", treeKey, err)
	}

	result := validation.ValidateForPublish(definition.Nodes, definition.Edges)
	if !result.Valid() {
		// Published definitions passed validation at publish time; a failure
		// here means the stored record was corrupted out-of-band.
		return nil, nil, fmt.Errorf("published definition %s failed validation: %v", definition.ID, result.Errors)
	}

	now := time.Now().UTC()

	run := &models.WorkflowRun{
		ID:                uuid.New().String(),
		DefinitionID:      definition.ID,
		TreeKey:           definition.TreeKey,
		DefinitionVersion: definition.Version,
		Status:            models.RunStatusPending,
		CreatedAt:         now,
	}

	if err := p.persistence.Runs().Create(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("failed to create run: %w", err)
	}

	nodes := make([]*models.RunNode, 0, len(result.InitialRunnableNodeKeys))

	for ordinal, nodeKey := range result.InitialRunnableNodeKeys {
		definitionNode := definition.NodeByKey(nodeKey)
		if definitionNode == nil {
			return nil, nil, fmt.Errorf("initial runnable node %q missing from definition %s", nodeKey, definition.ID)
		}

		node := &models.RunNode{
			ID:            uuid.New().String(),
			WorkflowRunID: run.ID,
			TreeNodeID:    definitionNode.ID,
			NodeKey:       definitionNode.NodeKey,
			Attempt:       1,
			SequenceIndex: definitionNode.SequenceIndex,
			Status:        models.RunNodeStatusPending,
			NodeRole:      effectiveRole(definitionNode),
			SequencePath:  strconv.Itoa(ordinal),
			CreatedAt:     now,
		}

		if err := p.persistence.RunNodes().Create(ctx, node); err != nil {
			return nil, nil, fmt.Errorf("failed to create run node %q: %w", nodeKey, err)
		}

		nodes = append(nodes, node)
	}

	p.logger.InfoContext(ctx, "Materialized run",
		"run_id", run.ID,
		"tree_key", treeKey,
		"definition_version", definition.Version,
		"initial_nodes", len(nodes))

	return run, nodes, nil
}

func effectiveRole(node *models.DefinitionNode) models.NodeRole {
	if node.NodeRole == "" {
		return models.NodeRoleStandard
	}

	return node.NodeRole
}
