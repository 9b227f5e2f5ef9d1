package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/persistence"
)

const fanOutColumns = `
	id
  , workflow_run_id
  , spawner_node_id
  , join_node_id
  , spawn_source_artifact_id
  , child_node_ids
  , expected_children
  , completed_children
  , failed_children
  , terminal_children
  , status
  , created_at
  , updated_at
`

// FanOutRepository handles fan-out group database operations.
type FanOutRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *FanOutRepository) Create(ctx context.Context, group *models.FanOutGroup) error {
	children, err := json.Marshal(group.ChildNodeIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal child node ids: %w", err)
	}

	var sourceArtifact *string
	if group.SpawnSourceArtifactID != "" {
		sourceArtifact = &group.SpawnSourceArtifactID
	}

	query := `
		INSERT INTO fanout_groups (
			id, workflow_run_id, spawner_node_id, join_node_id,
			spawn_source_artifact_id, child_node_ids, expected_children,
			completed_children, failed_children, terminal_children, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = r.db.ExecContext(ctx, query,
		group.ID, group.WorkflowRunID, group.SpawnerNodeID, group.JoinNodeID,
		sourceArtifact, children, group.ExpectedChildren,
		group.CompletedChildren, group.FailedChildren, group.TerminalChildren,
		group.Status, group.CreatedAt, group.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create fan-out group: %w", err)
	}

	return nil
}

func (r *FanOutRepository) GetByID(ctx context.Context, id string) (*models.FanOutGroup, error) {
	query := `SELECT ` + fanOutColumns + ` FROM fanout_groups WHERE id = $1`

	return r.getOne(ctx, query, id)
}

func (r *FanOutRepository) GetByJoinNode(ctx context.Context, joinNodeID string) (*models.FanOutGroup, error) {
	query := `SELECT ` + fanOutColumns + ` FROM fanout_groups WHERE join_node_id = $1`

	return r.getOne(ctx, query, joinNodeID)
}

func (r *FanOutRepository) ListByRun(ctx context.Context, runID string) ([]*models.FanOutGroup, error) {
	query := `SELECT ` + fanOutColumns + ` FROM fanout_groups WHERE workflow_run_id = $1 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fan-out groups: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	groups := make([]*models.FanOutGroup, 0)

	for rows.Next() {
		group, err := r.scanGroup(rows)
		if err != nil {
			return nil, err
		}

		groups = append(groups, group)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fan-out groups: %w", err)
	}

	return groups, nil
}

// RecordChildTerminal increments the counters and settles the group when the
// threshold is reached, all in one statement, so concurrent child
// completions can never double-activate the join.
func (r *FanOutRepository) RecordChildTerminal(ctx context.Context, groupID string, childStatus models.RunNodeStatus) (*models.FanOutGroup, error) {
	query := `
		UPDATE fanout_groups SET
			completed_children = completed_children + CASE WHEN $2 = 'completed' THEN 1 ELSE 0 END,
			failed_children = failed_children + CASE WHEN $2 = 'failed' THEN 1 ELSE 0 END,
			terminal_children = terminal_children + 1,
			status = CASE WHEN terminal_children + 1 >= expected_children THEN 'settled' ELSE status END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'open'
		RETURNING ` + fanOutColumns

	group, err := r.scanGroup(r.db.QueryRowContext(ctx, query, groupID, string(childStatus)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Settled already, or unknown: disambiguate for the caller.
			existing, getErr := r.GetByID(ctx, groupID)
			if getErr != nil {
				return nil, getErr
			}

			return existing, fmt.Errorf("fan-out group %s: %w", groupID, persistence.ErrStatusConflict)
		}

		return nil, err
	}

	return group, nil
}

// ReplaceRetriedNode swaps a retried member's old attempt for its new one
// under a row lock. A join swap only re-links the group; a child swap also
// rolls the failed terminal back out of the counters and re-opens the group,
// since only failed attempts are ever retried.
func (r *FanOutRepository) ReplaceRetriedNode(ctx context.Context, groupID, previousNodeID, newNodeID string) (*models.FanOutGroup, error) {
	transaction, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin retry relink transaction: %w", err)
	}

	lock := `SELECT ` + fanOutColumns + ` FROM fanout_groups WHERE id = $1 FOR UPDATE`

	group, err := r.scanGroup(transaction.QueryRowContext(ctx, lock, groupID))
	if err != nil {
		_ = transaction.Rollback()

		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("fan-out group: %w", persistence.ErrFanOutGroupNotFound)
		}

		return nil, err
	}

	switch {
	case group.JoinNodeID == previousNodeID:
		group.JoinNodeID = newNodeID
	case replaceChildID(group, previousNodeID, newNodeID):
		group.TerminalChildren--
		group.FailedChildren--
		group.Status = models.FanOutStatusOpen
	default:
		_ = transaction.Rollback()

		return nil, fmt.Errorf("fan-out group %s has no member %s: %w", groupID, previousNodeID, persistence.ErrFanOutGroupNotFound)
	}

	children, err := json.Marshal(group.ChildNodeIDs)
	if err != nil {
		_ = transaction.Rollback()

		return nil, fmt.Errorf("failed to marshal child node ids: %w", err)
	}

	update := `
		UPDATE fanout_groups SET
			join_node_id = $2,
			child_node_ids = $3,
			failed_children = $4,
			terminal_children = $5,
			status = $6,
			updated_at = NOW()
		WHERE id = $1
	`

	_, err = transaction.ExecContext(ctx, update,
		group.ID, group.JoinNodeID, children,
		group.FailedChildren, group.TerminalChildren, group.Status)
	if err != nil {
		_ = transaction.Rollback()

		return nil, fmt.Errorf("failed to relink fan-out group: %w", err)
	}

	if err := transaction.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit retry relink: %w", err)
	}

	return group, nil
}

func replaceChildID(group *models.FanOutGroup, previousNodeID, newNodeID string) bool {
	for i, childID := range group.ChildNodeIDs {
		if childID == previousNodeID {
			group.ChildNodeIDs[i] = newNodeID

			return true
		}
	}

	return false
}

func (r *FanOutRepository) getOne(ctx context.Context, query string, arg any) (*models.FanOutGroup, error) {
	group, err := r.scanGroup(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("fan-out group: %w", persistence.ErrFanOutGroupNotFound)
		}

		return nil, err
	}

	return group, nil
}

func (r *FanOutRepository) scanGroup(row rowScanner) (*models.FanOutGroup, error) {
	group := &models.FanOutGroup{}

	var children []byte

	var sourceArtifact *string

	err := row.Scan(
		&group.ID, &group.WorkflowRunID, &group.SpawnerNodeID, &group.JoinNodeID,
		&sourceArtifact, &children, &group.ExpectedChildren,
		&group.CompletedChildren, &group.FailedChildren, &group.TerminalChildren,
		&group.Status, &group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to scan fan-out group: %w", err)
	}

	if sourceArtifact != nil {
		group.SpawnSourceArtifactID = *sourceArtifact
	}

	if err := json.Unmarshal(children, &group.ChildNodeIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal child node ids: %w", err)
	}

	return group, nil
}
