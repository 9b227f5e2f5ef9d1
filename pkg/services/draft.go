package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/persistence"
	"github.com/arborworks/treeline/pkg/validation"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// UpdateDraftRequest is the full replacement body for a draft's editable
// content. DraftRevision is the optimistic-concurrency token read with the
// draft; a stale token is a conflict.
type UpdateDraftRequest struct {
	DraftRevision int                      `json:"draft_revision" validate:"min=0"`
	Name          string                   `json:"name"           validate:"required,min=1,max=200"`
	Description   string                   `json:"description"    validate:"max=2000"`
	VersionNotes  string                   `json:"version_notes"  validate:"max=2000"`
	Nodes         []*models.DefinitionNode `json:"nodes"`
	Edges         []*models.DefinitionEdge `json:"edges"`
}

// Draft manages the single mutable draft of each tree: reads, guarded
// updates, validation, and publishing.
type Draft struct {
	persistence persistence.Persistence
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewDraft(persistence persistence.Persistence, logger *slog.Logger) *Draft {
	return &Draft{
		persistence: persistence,
		validator:   validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
	}
}

// Get returns the stored draft for a tree. When version is non-zero it must
// match the stored draft's version.
func (d *Draft) Get(ctx context.Context, treeKey string, version int) (*models.WorkflowDefinition, error) {
	draft, err := d.persistence.Definitions().GetDraft(ctx, treeKey)
	if err != nil {
		return nil, err
	}

	if version != 0 && draft.Version != version {
		return nil, fmt.Errorf("%w: draft of %q is version %d, not %d", ErrVersionMismatch, treeKey, draft.Version, version)
	}

	return draft, nil
}

// Update replaces the draft's content under the request's revision token.
// The topology must pass draft validation; structural errors are returned in
// batch so editors can surface all of them.
func (d *Draft) Update(ctx context.Context, treeKey string, version int, req UpdateDraftRequest) (*models.WorkflowDefinition, *validation.Result, error) {
	if err := d.validator.Struct(req); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	stored, err := d.Get(ctx, treeKey, version)
	if err != nil {
		return nil, nil, err
	}

	result := validation.ValidateDraft(req.Nodes, req.Edges)
	if !result.Valid() {
		return nil, result, &ValidationFailedError{Result: result}
	}

	assignNodeIDs(req.Nodes)
	assignEdgeIDs(req.Edges)

	draft := *stored
	draft.Name = req.Name
	draft.Description = req.Description
	draft.VersionNotes = req.VersionNotes
	draft.Nodes = req.Nodes
	draft.Edges = req.Edges
	draft.UpdatedAt = time.Now().UTC()

	updated, err := d.persistence.Definitions().UpdateDraft(ctx, &draft, req.DraftRevision)
	if err != nil {
		return nil, nil, err
	}

	d.logger.InfoContext(ctx, "Draft updated",
		"tree_key", treeKey, "version", updated.Version, "draft_revision", updated.DraftRevision)

	return updated, result, nil
}

// Validate runs publish-level validation on the stored draft without
// persisting anything.
func (d *Draft) Validate(ctx context.Context, treeKey string, version int) (*validation.Result, error) {
	draft, err := d.Get(ctx, treeKey, version)
	if err != nil {
		return nil, err
	}

	return validation.ValidateForPublish(draft.Nodes, draft.Edges), nil
}

// Publish promotes the draft to published, using the revision read here as
// the compare-and-swap token. A draft edit racing the publish leaves exactly
// one winner; the loser gets a conflict. Publishing is refused outright when
// validation reports errors.
func (d *Draft) Publish(ctx context.Context, treeKey string, version int) (*models.WorkflowDefinition, error) {
	draft, err := d.Get(ctx, treeKey, version)
	if err != nil {
		return nil, err
	}

	result := validation.ValidateForPublish(draft.Nodes, draft.Edges)
	if !result.Valid() {
		return nil, &ValidationFailedError{Result: result}
	}

	published, err := d.persistence.Definitions().PublishDraft(ctx, treeKey, draft.DraftRevision)
	if err != nil {
		return nil, err
	}

	d.logger.InfoContext(ctx, "Draft published",
		"tree_key", treeKey, "version", published.Version)

	return published, nil
}

// GetPublished returns the currently published version of a tree.
func (d *Draft) GetPublished(ctx context.Context, treeKey string) (*models.WorkflowDefinition, error) {
	return d.persistence.Definitions().GetPublished(ctx, treeKey)
}

// ListVersions returns every version of a tree, newest first.
func (d *Draft) ListVersions(ctx context.Context, treeKey string) ([]*models.WorkflowDefinition, error) {
	return d.persistence.Definitions().ListVersions(ctx, treeKey)
}

func assignNodeIDs(nodes []*models.DefinitionNode) {
	for _, node := range nodes {
		if node.ID == "" {
			node.ID = uuid.New().String()
		}
	}
}

func assignEdgeIDs(edges []*models.DefinitionEdge) {
	for _, edge := range edges {
		if edge.ID == "" {
			edge.ID = uuid.New().String()
		}
	}
}
