package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/persistence"
)

const definitionColumns = `
	id
  , tree_key
  , version
  , status
  , draft_revision
  , name
  , description
  , version_notes
  , nodes
  , edges
  , created_at
  , updated_at
  , published_at
`

// DefinitionRepository handles workflow definition database operations.
type DefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *DefinitionRepository) Save(ctx context.Context, definition *models.WorkflowDefinition) error {
	nodes, err := json.Marshal(definition.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}

	edges, err := json.Marshal(definition.Edges)
	if err != nil {
		return fmt.Errorf("failed to marshal edges: %w", err)
	}

	query := `
		INSERT INTO workflow_definitions (
			id, tree_key, version, status, draft_revision, name, description,
			version_notes, nodes, edges, created_at, updated_at, published_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			draft_revision = EXCLUDED.draft_revision,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			version_notes = EXCLUDED.version_notes,
			nodes = EXCLUDED.nodes,
			edges = EXCLUDED.edges,
			updated_at = EXCLUDED.updated_at,
			published_at = EXCLUDED.published_at
	`

	_, err = r.db.ExecContext(ctx, query,
		definition.ID, definition.TreeKey, definition.Version, definition.Status,
		definition.DraftRevision, definition.Name, definition.Description,
		definition.VersionNotes, nodes, edges,
		definition.CreatedAt, definition.UpdatedAt, definition.PublishedAt)
	if err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}

	return nil
}

func (r *DefinitionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE id = $1`

	definition, err := r.scanDefinition(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &persistence.DefinitionError{Op: "GetByID", ID: id, Err: persistence.ErrDefinitionNotFound}
		}

		return nil, err
	}

	return definition, nil
}

func (r *DefinitionRepository) GetDraft(ctx context.Context, treeKey string) (*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE tree_key = $1 AND status = 'draft'`

	draft, err := r.scanDefinition(r.db.QueryRowContext(ctx, query, treeKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &persistence.DefinitionError{Op: "GetDraft", TreeKey: treeKey, Err: persistence.ErrDraftNotFound}
		}

		return nil, err
	}

	return draft, nil
}

func (r *DefinitionRepository) GetPublished(ctx context.Context, treeKey string) (*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE tree_key = $1 AND status = 'published'`

	published, err := r.scanDefinition(r.db.QueryRowContext(ctx, query, treeKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &persistence.DefinitionError{Op: "GetPublished", TreeKey: treeKey, Err: persistence.ErrPublishedNotFound}
		}

		return nil, err
	}

	return published, nil
}

func (r *DefinitionRepository) ListVersions(ctx context.Context, treeKey string) ([]*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE tree_key = $1 ORDER BY version DESC`

	rows, err := r.db.QueryContext(ctx, query, treeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query definition versions: %w", err)
	}
	defer r.closeRows(ctx, rows)

	versions := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		definition, err := r.scanDefinition(rows)
		if err != nil {
			return nil, err
		}

		versions = append(versions, definition)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definition versions: %w", err)
	}

	return versions, nil
}

// UpdateDraft replaces the draft's content in a single conditional update
// keyed on the expected revision; zero rows affected means the token is stale
// (or the draft vanished).
func (r *DefinitionRepository) UpdateDraft(ctx context.Context, draft *models.WorkflowDefinition, expectedRevision int) (*models.WorkflowDefinition, error) {
	nodes, err := json.Marshal(draft.Nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal nodes: %w", err)
	}

	edges, err := json.Marshal(draft.Edges)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal edges: %w", err)
	}

	query := `
		UPDATE workflow_definitions SET
			name = $3,
			description = $4,
			version_notes = $5,
			nodes = $6,
			edges = $7,
			draft_revision = draft_revision + 1,
			updated_at = $8
		WHERE tree_key = $1 AND status = 'draft' AND draft_revision = $2
		RETURNING ` + definitionColumns

	updated, err := r.scanDefinition(r.db.QueryRowContext(ctx, query,
		draft.TreeKey, expectedRevision, draft.Name, draft.Description,
		draft.VersionNotes, nodes, edges, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.draftConflict(ctx, "UpdateDraft", draft.TreeKey)
		}

		return nil, err
	}

	return updated, nil
}

// PublishDraft promotes the draft in one transaction: demote the published
// row to history, then flip the draft to published under the revision token.
func (r *DefinitionRepository) PublishDraft(ctx context.Context, treeKey string, expectedRevision int) (*models.WorkflowDefinition, error) {
	transaction, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin publish transaction: %w", err)
	}

	now := time.Now().UTC()

	_, err = transaction.ExecContext(ctx, `
		UPDATE workflow_definitions SET status = 'unpublished', updated_at = $2
		WHERE tree_key = $1 AND status = 'published'
	`, treeKey, now)
	if err != nil {
		_ = transaction.Rollback()

		return nil, fmt.Errorf("failed to demote published definition: %w", err)
	}

	promote := `
		UPDATE workflow_definitions SET status = 'published', published_at = $3, updated_at = $3
		WHERE tree_key = $1 AND status = 'draft' AND draft_revision = $2
		RETURNING ` + definitionColumns

	published, err := r.scanDefinition(transaction.QueryRowContext(ctx, promote, treeKey, expectedRevision, now))
	if err != nil {
		_ = transaction.Rollback()

		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.draftConflict(ctx, "PublishDraft", treeKey)
		}

		return nil, err
	}

	if err := transaction.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit publish: %w", err)
	}

	return published, nil
}

// draftConflict distinguishes a stale revision token from a missing draft.
func (r *DefinitionRepository) draftConflict(ctx context.Context, op, treeKey string) error {
	var exists bool

	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_definitions WHERE tree_key = $1 AND status = 'draft')`,
		treeKey).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check draft existence: %w", err)
	}

	if !exists {
		return &persistence.DefinitionError{Op: op, TreeKey: treeKey, Err: persistence.ErrDraftNotFound}
	}

	return &persistence.DefinitionError{Op: op, TreeKey: treeKey, Err: persistence.ErrRevisionConflict}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *DefinitionRepository) scanDefinition(row rowScanner) (*models.WorkflowDefinition, error) {
	definition := &models.WorkflowDefinition{}

	var nodes, edges []byte

	err := row.Scan(
		&definition.ID, &definition.TreeKey, &definition.Version, &definition.Status,
		&definition.DraftRevision, &definition.Name, &definition.Description,
		&definition.VersionNotes, &nodes, &edges,
		&definition.CreatedAt, &definition.UpdatedAt, &definition.PublishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to scan definition: %w", err)
	}

	if err := json.Unmarshal(nodes, &definition.Nodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal nodes: %w", err)
	}

	if err := json.Unmarshal(edges, &definition.Edges); err != nil {
		return nil, fmt.Errorf("failed to unmarshal edges: %w", err)
	}

	return definition, nil
}

func (r *DefinitionRepository) closeRows(ctx context.Context, rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}
