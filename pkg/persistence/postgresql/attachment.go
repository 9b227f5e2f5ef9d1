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

// AttachmentRepository stores the immutable records attached to node
// attempts: artifacts, routing decisions, diagnostics, and worktrees.
type AttachmentRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *AttachmentRepository) SaveArtifact(ctx context.Context, artifact *models.Artifact) error {
	content, err := json.Marshal(artifact.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact content: %w", err)
	}

	query := `
		INSERT INTO artifacts (id, workflow_run_id, run_node_id, attempt, name, content_type, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = r.db.ExecContext(ctx, query,
		artifact.ID, artifact.WorkflowRunID, artifact.RunNodeID, artifact.Attempt,
		artifact.Name, artifact.ContentType, content, artifact.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save artifact: %w", err)
	}

	return nil
}

func (r *AttachmentRepository) GetArtifact(ctx context.Context, id string) (*models.Artifact, error) {
	query := `
		SELECT id, workflow_run_id, run_node_id, attempt, name, content_type, content, created_at
		FROM artifacts WHERE id = $1
	`

	artifact, err := r.scanArtifact(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("artifact %s: %w", id, persistence.ErrArtifactNotFound)
		}

		return nil, err
	}

	return artifact, nil
}

func (r *AttachmentRepository) ListArtifactsByRun(ctx context.Context, runID string) ([]*models.Artifact, error) {
	query := `
		SELECT id, workflow_run_id, run_node_id, attempt, name, content_type, content, created_at
		FROM artifacts WHERE workflow_run_id = $1 ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer r.closeRows(ctx, rows)

	artifacts := make([]*models.Artifact, 0)

	for rows.Next() {
		artifact, err := r.scanArtifact(rows)
		if err != nil {
			return nil, err
		}

		artifacts = append(artifacts, artifact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}

	return artifacts, nil
}

func (r *AttachmentRepository) SaveRoutingDecision(ctx context.Context, decision *models.RoutingDecision) error {
	query := `
		INSERT INTO routing_decisions (id, workflow_run_id, run_node_id, attempt, route_on, edge_id, target_node_key, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		decision.ID, decision.WorkflowRunID, decision.RunNodeID, decision.Attempt,
		decision.RouteOn, decision.EdgeID, decision.TargetNodeKey, decision.Reason,
		decision.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save routing decision: %w", err)
	}

	return nil
}

func (r *AttachmentRepository) ListRoutingDecisionsByRun(ctx context.Context, runID string) ([]*models.RoutingDecision, error) {
	query := `
		SELECT id, workflow_run_id, run_node_id, attempt, route_on, edge_id, target_node_key, reason, created_at
		FROM routing_decisions WHERE workflow_run_id = $1 ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query routing decisions: %w", err)
	}
	defer r.closeRows(ctx, rows)

	decisions := make([]*models.RoutingDecision, 0)

	for rows.Next() {
		decision := &models.RoutingDecision{}

		err := rows.Scan(
			&decision.ID, &decision.WorkflowRunID, &decision.RunNodeID,
			&decision.Attempt, &decision.RouteOn, &decision.EdgeID,
			&decision.TargetNodeKey, &decision.Reason, &decision.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan routing decision: %w", err)
		}

		decisions = append(decisions, decision)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating routing decisions: %w", err)
	}

	return decisions, nil
}

func (r *AttachmentRepository) SaveDiagnostic(ctx context.Context, diagnostic *models.Diagnostic) error {
	detail, err := json.Marshal(diagnostic.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostic detail: %w", err)
	}

	query := `
		INSERT INTO diagnostics (id, workflow_run_id, run_node_id, attempt, severity, message, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = r.db.ExecContext(ctx, query,
		diagnostic.ID, diagnostic.WorkflowRunID, diagnostic.RunNodeID,
		diagnostic.Attempt, diagnostic.Severity, diagnostic.Message, detail,
		diagnostic.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save diagnostic: %w", err)
	}

	return nil
}

func (r *AttachmentRepository) ListDiagnosticsByRun(ctx context.Context, runID string) ([]*models.Diagnostic, error) {
	query := `
		SELECT id, workflow_run_id, run_node_id, attempt, severity, message, detail, created_at
		FROM diagnostics WHERE workflow_run_id = $1 ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query diagnostics: %w", err)
	}
	defer r.closeRows(ctx, rows)

	diagnostics := make([]*models.Diagnostic, 0)

	for rows.Next() {
		diagnostic := &models.Diagnostic{}

		var detail []byte

		err := rows.Scan(
			&diagnostic.ID, &diagnostic.WorkflowRunID, &diagnostic.RunNodeID,
			&diagnostic.Attempt, &diagnostic.Severity, &diagnostic.Message,
			&detail, &diagnostic.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan diagnostic: %w", err)
		}

		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &diagnostic.Detail); err != nil {
				return nil, fmt.Errorf("failed to unmarshal diagnostic detail: %w", err)
			}
		}

		diagnostics = append(diagnostics, diagnostic)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating diagnostics: %w", err)
	}

	return diagnostics, nil
}

func (r *AttachmentRepository) SaveWorktree(ctx context.Context, worktree *models.Worktree) error {
	var runNodeID *string
	if worktree.RunNodeID != "" {
		runNodeID = &worktree.RunNodeID
	}

	query := `
		INSERT INTO worktrees (id, workflow_run_id, run_node_id, path, branch, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		worktree.ID, worktree.WorkflowRunID, runNodeID, worktree.Path,
		worktree.Branch, worktree.Status, worktree.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save worktree: %w", err)
	}

	return nil
}

func (r *AttachmentRepository) ListWorktreesByRun(ctx context.Context, runID string) ([]*models.Worktree, error) {
	query := `
		SELECT id, workflow_run_id, run_node_id, path, branch, status, created_at
		FROM worktrees WHERE workflow_run_id = $1 ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query worktrees: %w", err)
	}
	defer r.closeRows(ctx, rows)

	worktrees := make([]*models.Worktree, 0)

	for rows.Next() {
		worktree := &models.Worktree{}

		var runNodeID *string

		err := rows.Scan(
			&worktree.ID, &worktree.WorkflowRunID, &runNodeID, &worktree.Path,
			&worktree.Branch, &worktree.Status, &worktree.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worktree: %w", err)
		}

		if runNodeID != nil {
			worktree.RunNodeID = *runNodeID
		}

		worktrees = append(worktrees, worktree)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating worktrees: %w", err)
	}

	return worktrees, nil
}

func (r *AttachmentRepository) scanArtifact(row rowScanner) (*models.Artifact, error) {
	artifact := &models.Artifact{}

	var content []byte

	err := row.Scan(
		&artifact.ID, &artifact.WorkflowRunID, &artifact.RunNodeID,
		&artifact.Attempt, &artifact.Name, &artifact.ContentType,
		&content, &artifact.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to scan artifact: %w", err)
	}

	if len(content) > 0 {
		if err := json.Unmarshal(content, &artifact.Content); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact content: %w", err)
		}
	}

	return artifact, nil
}

func (r *AttachmentRepository) closeRows(ctx context.Context, rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}
