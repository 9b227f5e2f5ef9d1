package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/persistence"
	"github.com/lib/pq"
)

// RunRepository handles workflow run database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *RunRepository) Create(ctx context.Context, run *models.WorkflowRun) error {
	query := `
		INSERT INTO workflow_runs (
			id, definition_id, tree_key, definition_version, status,
			started_at, completed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		run.ID, run.DefinitionID, run.TreeKey, run.DefinitionVersion,
		run.Status, run.StartedAt, run.CompletedAt, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.WorkflowRun, error) {
	query := `
		SELECT id, definition_id, tree_key, definition_version, status,
		       started_at, completed_at, created_at
		FROM workflow_runs WHERE id = $1
	`

	run := &models.WorkflowRun{}

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.DefinitionID, &run.TreeKey, &run.DefinitionVersion,
		&run.Status, &run.StartedAt, &run.CompletedAt, &run.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &persistence.RunError{Op: "GetByID", RunID: id, Err: persistence.ErrRunNotFound}
		}

		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	return run, nil
}

func (r *RunRepository) List(ctx context.Context, opts persistence.ListRunsOptions) ([]*models.WorkflowRun, error) {
	query := `
		SELECT id, definition_id, tree_key, definition_version, status,
		       started_at, completed_at, created_at
		FROM workflow_runs
		WHERE ($1::VARCHAR IS NULL OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	var status *string

	if opts.Status != nil {
		value := string(*opts.Status)
		status = &value
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx, query, status, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	runs := make([]*models.WorkflowRun, 0)

	for rows.Next() {
		run := &models.WorkflowRun{}

		err := rows.Scan(
			&run.ID, &run.DefinitionID, &run.TreeKey, &run.DefinitionVersion,
			&run.Status, &run.StartedAt, &run.CompletedAt, &run.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// TransitionStatus is a single conditional update: the previous status comes
// back from the RETURNING clause of a CTE over the pre-update row.
func (r *RunRepository) TransitionStatus(ctx context.Context, runID string, from []models.RunStatus, to models.RunStatus, at time.Time) (models.RunStatus, error) {
	fromStatuses := make([]string, 0, len(from))
	for _, status := range from {
		fromStatuses = append(fromStatuses, string(status))
	}

	query := `
		UPDATE workflow_runs current SET
			status = $2,
			started_at = CASE WHEN $2 = 'running' AND current.started_at IS NULL THEN $4 ELSE current.started_at END,
			completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN $4 ELSE NULL END
		FROM (SELECT id, status FROM workflow_runs WHERE id = $1 FOR UPDATE) previous
		WHERE current.id = previous.id AND previous.status = ANY($3)
		RETURNING previous.status
	`

	var previous models.RunStatus

	err := r.db.QueryRowContext(ctx, query, runID, string(to), pq.Array(fromStatuses), at).Scan(&previous)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r.transitionConflict(ctx, runID)
		}

		return "", fmt.Errorf("failed to transition run %s: %w", runID, err)
	}

	return previous, nil
}

// transitionConflict reports the run's actual status alongside the conflict,
// or not-found when the run does not exist at all.
func (r *RunRepository) transitionConflict(ctx context.Context, runID string) (models.RunStatus, error) {
	run, err := r.GetByID(ctx, runID)
	if err != nil {
		return "", err
	}

	return run.Status, &persistence.RunError{Op: "TransitionStatus", RunID: runID, Err: persistence.ErrStatusConflict}
}

// RunNodeRepository handles node attempt database operations.
type RunNodeRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const runNodeColumns = `
	id
  , workflow_run_id
  , tree_node_id
  , node_key
  , attempt
  , sequence_index
  , status
  , node_role
  , spawner_node_id
  , join_node_id
  , lineage_depth
  , sequence_path
  , started_at
  , completed_at
  , created_at
`

func (r *RunNodeRepository) Create(ctx context.Context, node *models.RunNode) error {
	query := `
		INSERT INTO run_nodes (
			id, workflow_run_id, tree_node_id, node_key, attempt, sequence_index,
			status, node_role, spawner_node_id, join_node_id, lineage_depth,
			sequence_path, started_at, completed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := r.db.ExecContext(ctx, query,
		node.ID, node.WorkflowRunID, node.TreeNodeID, node.NodeKey, node.Attempt,
		node.SequenceIndex, node.Status, node.NodeRole, node.SpawnerNodeID,
		node.JoinNodeID, node.LineageDepth, node.SequencePath,
		node.StartedAt, node.CompletedAt, node.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run node: %w", err)
	}

	return nil
}

func (r *RunNodeRepository) GetByID(ctx context.Context, id string) (*models.RunNode, error) {
	query := `SELECT ` + runNodeColumns + ` FROM run_nodes WHERE id = $1`

	node, err := r.scanRunNode(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run node %s: %w", id, persistence.ErrRunNodeNotFound)
		}

		return nil, err
	}

	return node, nil
}

func (r *RunNodeRepository) ListByRun(ctx context.Context, runID string) ([]*models.RunNode, error) {
	query := `SELECT ` + runNodeColumns + ` FROM run_nodes WHERE workflow_run_id = $1 ORDER BY created_at, attempt`

	return r.queryNodes(ctx, query, runID)
}

func (r *RunNodeRepository) ListByRunAndStatus(ctx context.Context, runID string, status models.RunNodeStatus) ([]*models.RunNode, error) {
	query := `SELECT ` + runNodeColumns + ` FROM run_nodes WHERE workflow_run_id = $1 AND status = $2 ORDER BY created_at, attempt`

	return r.queryNodes(ctx, query, runID, string(status))
}

func (r *RunNodeRepository) MaxAttempt(ctx context.Context, runID, nodeKey string) (int, error) {
	var maxAttempt int

	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(attempt), 0) FROM run_nodes WHERE workflow_run_id = $1 AND node_key = $2`,
		runID, nodeKey).Scan(&maxAttempt)
	if err != nil {
		return 0, fmt.Errorf("failed to query max attempt: %w", err)
	}

	return maxAttempt, nil
}

func (r *RunNodeRepository) TransitionStatus(ctx context.Context, nodeID string, from []models.RunNodeStatus, to models.RunNodeStatus, at time.Time) (models.RunNodeStatus, error) {
	fromStatuses := make([]string, 0, len(from))
	for _, status := range from {
		fromStatuses = append(fromStatuses, string(status))
	}

	query := `
		UPDATE run_nodes current SET
			status = $2,
			started_at = CASE WHEN $2 = 'running' AND current.started_at IS NULL THEN $4 ELSE current.started_at END,
			completed_at = CASE WHEN $2 IN ('completed', 'failed', 'skipped', 'cancelled') THEN $4 ELSE current.completed_at END
		FROM (SELECT id, status FROM run_nodes WHERE id = $1 FOR UPDATE) previous
		WHERE current.id = previous.id AND previous.status = ANY($3)
		RETURNING previous.status
	`

	var previous models.RunNodeStatus

	err := r.db.QueryRowContext(ctx, query, nodeID, string(to), pq.Array(fromStatuses), at).Scan(&previous)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			node, getErr := r.GetByID(ctx, nodeID)
			if getErr != nil {
				return "", getErr
			}

			return node.Status, fmt.Errorf("run node %s: %w", nodeID, persistence.ErrStatusConflict)
		}

		return "", fmt.Errorf("failed to transition run node %s: %w", nodeID, err)
	}

	return previous, nil
}

func (r *RunNodeRepository) CancelActive(ctx context.Context, runID string, at time.Time) ([]string, error) {
	query := `
		UPDATE run_nodes SET status = 'cancelled', completed_at = $2
		WHERE workflow_run_id = $1 AND status IN ('pending', 'running')
		RETURNING id
	`

	rows, err := r.db.QueryContext(ctx, query, runID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel active nodes: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	cancelled := make([]string, 0)

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan cancelled node id: %w", err)
		}

		cancelled = append(cancelled, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cancelled nodes: %w", err)
	}

	return cancelled, nil
}

func (r *RunNodeRepository) queryNodes(ctx context.Context, query string, args ...any) ([]*models.RunNode, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query run nodes: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	nodes := make([]*models.RunNode, 0)

	for rows.Next() {
		node, err := r.scanRunNode(rows)
		if err != nil {
			return nil, err
		}

		nodes = append(nodes, node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run nodes: %w", err)
	}

	return nodes, nil
}

func (r *RunNodeRepository) scanRunNode(row rowScanner) (*models.RunNode, error) {
	node := &models.RunNode{}

	err := row.Scan(
		&node.ID, &node.WorkflowRunID, &node.TreeNodeID, &node.NodeKey,
		&node.Attempt, &node.SequenceIndex, &node.Status, &node.NodeRole,
		&node.SpawnerNodeID, &node.JoinNodeID, &node.LineageDepth,
		&node.SequencePath, &node.StartedAt, &node.CompletedAt, &node.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to scan run node: %w", err)
	}

	return node, nil
}
