package file

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/persistence"
)

// AttachmentRepository stores the immutable per-attempt records: artifacts,
// routing decisions, diagnostics, and worktrees.
type AttachmentRepository struct {
	store *store
}

func (r *AttachmentRepository) SaveArtifact(_ context.Context, artifact *models.Artifact) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(dirArtifacts, artifact.ID, artifact)
}

func (r *AttachmentRepository) GetArtifact(_ context.Context, id string) (*models.Artifact, error) {
	artifact := &models.Artifact{}
	if err := r.store.read(dirArtifacts, id, artifact, persistence.ErrArtifactNotFound); err != nil {
		return nil, err
	}

	return artifact, nil
}

func (r *AttachmentRepository) ListArtifactsByRun(_ context.Context, runID string) ([]*models.Artifact, error) {
	artifacts := make([]*models.Artifact, 0)

	err := r.store.readAll(dirArtifacts, func(data []byte) error {
		artifact := &models.Artifact{}
		if err := json.Unmarshal(data, artifact); err != nil {
			return err
		}

		if artifact.WorkflowRunID == runID {
			artifacts = append(artifacts, artifact)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].CreatedAt.Before(artifacts[j].CreatedAt)
	})

	return artifacts, nil
}

func (r *AttachmentRepository) SaveRoutingDecision(_ context.Context, decision *models.RoutingDecision) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(dirDecisions, decision.ID, decision)
}

func (r *AttachmentRepository) ListRoutingDecisionsByRun(_ context.Context, runID string) ([]*models.RoutingDecision, error) {
	decisions := make([]*models.RoutingDecision, 0)

	err := r.store.readAll(dirDecisions, func(data []byte) error {
		decision := &models.RoutingDecision{}
		if err := json.Unmarshal(data, decision); err != nil {
			return err
		}

		if decision.WorkflowRunID == runID {
			decisions = append(decisions, decision)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(decisions, func(i, j int) bool {
		return decisions[i].CreatedAt.Before(decisions[j].CreatedAt)
	})

	return decisions, nil
}

func (r *AttachmentRepository) SaveDiagnostic(_ context.Context, diagnostic *models.Diagnostic) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(dirDiagnostics, diagnostic.ID, diagnostic)
}

func (r *AttachmentRepository) ListDiagnosticsByRun(_ context.Context, runID string) ([]*models.Diagnostic, error) {
	diagnostics := make([]*models.Diagnostic, 0)

	err := r.store.readAll(dirDiagnostics, func(data []byte) error {
		diagnostic := &models.Diagnostic{}
		if err := json.Unmarshal(data, diagnostic); err != nil {
			return err
		}

		if diagnostic.WorkflowRunID == runID {
			diagnostics = append(diagnostics, diagnostic)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return diagnostics, nil
}

func (r *AttachmentRepository) SaveWorktree(_ context.Context, worktree *models.Worktree) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(dirWorktrees, worktree.ID, worktree)
}

func (r *AttachmentRepository) ListWorktreesByRun(_ context.Context, runID string) ([]*models.Worktree, error) {
	worktrees := make([]*models.Worktree, 0)

	err := r.store.readAll(dirWorktrees, func(data []byte) error {
		worktree := &models.Worktree{}
		if err := json.Unmarshal(data, worktree); err != nil {
			return err
		}

		if worktree.WorkflowRunID == runID {
			worktrees = append(worktrees, worktree)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return worktrees, nil
}
