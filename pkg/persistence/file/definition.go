package file

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/persistence"
)

// DefinitionRepository stores workflow definitions as JSON documents.
type DefinitionRepository struct {
	store *store
}

func (r *DefinitionRepository) Save(_ context.Context, definition *models.WorkflowDefinition) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(dirDefinitions, definition.ID, definition)
}

func (r *DefinitionRepository) GetByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	definition := &models.WorkflowDefinition{}
	if err := r.store.read(dirDefinitions, id, definition, persistence.ErrDefinitionNotFound); err != nil {
		return nil, err
	}

	return definition, nil
}

func (r *DefinitionRepository) GetDraft(_ context.Context, treeKey string) (*models.WorkflowDefinition, error) {
	draft, err := r.findByTree(treeKey, func(d *models.WorkflowDefinition) bool {
		return d.Status == models.DefinitionStatusDraft
	})
	if err != nil {
		return nil, err
	}

	if draft == nil {
		return nil, &persistence.DefinitionError{Op: "GetDraft", TreeKey: treeKey, Err: persistence.ErrDraftNotFound}
	}

	return draft, nil
}

func (r *DefinitionRepository) GetPublished(_ context.Context, treeKey string) (*models.WorkflowDefinition, error) {
	published, err := r.findByTree(treeKey, func(d *models.WorkflowDefinition) bool {
		return d.Status == models.DefinitionStatusPublished
	})
	if err != nil {
		return nil, err
	}

	if published == nil {
		return nil, &persistence.DefinitionError{Op: "GetPublished", TreeKey: treeKey, Err: persistence.ErrPublishedNotFound}
	}

	return published, nil
}

func (r *DefinitionRepository) ListVersions(_ context.Context, treeKey string) ([]*models.WorkflowDefinition, error) {
	versions := make([]*models.WorkflowDefinition, 0)

	err := r.store.readAll(dirDefinitions, func(data []byte) error {
		definition := &models.WorkflowDefinition{}
		if err := json.Unmarshal(data, definition); err != nil {
			return err
		}

		if definition.TreeKey == treeKey {
			versions = append(versions, definition)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	// Newest first.
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version > versions[j].Version
	})

	return versions, nil
}

func (r *DefinitionRepository) UpdateDraft(ctx context.Context, draft *models.WorkflowDefinition, expectedRevision int) (*models.WorkflowDefinition, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	stored, err := r.lockedGetDraft(draft.TreeKey)
	if err != nil {
		return nil, err
	}

	if stored.DraftRevision != expectedRevision {
		return nil, &persistence.DefinitionError{
			Op: "UpdateDraft", TreeKey: draft.TreeKey, Err: persistence.ErrRevisionConflict,
		}
	}

	stored.Name = draft.Name
	stored.Description = draft.Description
	stored.VersionNotes = draft.VersionNotes
	stored.Nodes = draft.Nodes
	stored.Edges = draft.Edges
	stored.DraftRevision = expectedRevision + 1
	stored.UpdatedAt = time.Now().UTC()

	if err := r.store.write(dirDefinitions, stored.ID, stored); err != nil {
		return nil, err
	}

	return stored, nil
}

func (r *DefinitionRepository) PublishDraft(ctx context.Context, treeKey string, expectedRevision int) (*models.WorkflowDefinition, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	draft, err := r.lockedGetDraft(treeKey)
	if err != nil {
		return nil, err
	}

	if draft.DraftRevision != expectedRevision {
		return nil, &persistence.DefinitionError{
			Op: "PublishDraft", TreeKey: treeKey, Err: persistence.ErrRevisionConflict,
		}
	}

	// Demote the current published version to history before promoting.
	previous, err := r.findByTree(treeKey, func(d *models.WorkflowDefinition) bool {
		return d.Status == models.DefinitionStatusPublished
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	if previous != nil {
		previous.Status = models.DefinitionStatusUnpublished
		previous.UpdatedAt = now

		if err := r.store.write(dirDefinitions, previous.ID, previous); err != nil {
			return nil, err
		}
	}

	draft.Status = models.DefinitionStatusPublished
	draft.PublishedAt = &now
	draft.UpdatedAt = now

	if err := r.store.write(dirDefinitions, draft.ID, draft); err != nil {
		return nil, err
	}

	return draft, nil
}

// lockedGetDraft requires store.mu to be held.
func (r *DefinitionRepository) lockedGetDraft(treeKey string) (*models.WorkflowDefinition, error) {
	draft, err := r.findByTree(treeKey, func(d *models.WorkflowDefinition) bool {
		return d.Status == models.DefinitionStatusDraft
	})
	if err != nil {
		return nil, err
	}

	if draft == nil {
		return nil, &persistence.DefinitionError{Op: "GetDraft", TreeKey: treeKey, Err: persistence.ErrDraftNotFound}
	}

	return draft, nil
}

func (r *DefinitionRepository) findByTree(treeKey string, match func(*models.WorkflowDefinition) bool) (*models.WorkflowDefinition, error) {
	var found *models.WorkflowDefinition

	err := r.store.readAll(dirDefinitions, func(data []byte) error {
		definition := &models.WorkflowDefinition{}
		if err := json.Unmarshal(data, definition); err != nil {
			return err
		}

		if definition.TreeKey == treeKey && match(definition) {
			// Highest version wins if the invariant was ever violated.
			if found == nil || definition.Version > found.Version {
				found = definition
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return found, nil
}
