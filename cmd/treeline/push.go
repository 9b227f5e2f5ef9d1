package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/arborworks/treeline/pkg/cmd"
	"github.com/arborworks/treeline/pkg/log"
	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/persistence"
	"github.com/arborworks/treeline/pkg/services"
)

// NewPushCommand uploads a definition document as a tree's draft, seeding the
// first draft when the tree does not exist yet. Intended for local
// development and seeding environments; editors go through the API.
func NewPushCommand() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "Write a definition document to a tree's draft",
		ArgsUsage: "<definition.json>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (file:// or postgres://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:  "tree",
				Usage: "Tree key to push to (defaults to the document's tree_key)",
			},
			&cli.BoolFlag{
				Name:  "publish",
				Usage: "Publish the draft after pushing",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 1 {
				return errors.New("expected exactly one definition file argument")
			}

			doc, err := loadDocument(command.Args().First())
			if err != nil {
				return err
			}

			treeKey := command.String("tree")
			if treeKey == "" {
				treeKey = doc.TreeKey
			}

			if treeKey == "" {
				return errors.New("no tree key: pass --tree or set tree_key in the document")
			}

			logger := log.WithModule("push")

			store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			draftService := services.NewDraft(store, logger)

			draft, err := pushDraft(ctx, store, draftService, treeKey, doc)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(os.Stdout, "draft updated: %s version %d revision %d\n",
				treeKey, draft.Version, draft.DraftRevision)

			if !command.Bool("publish") {
				return nil
			}

			published, err := draftService.Publish(ctx, treeKey, draft.Version)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(os.Stdout, "published: %s version %d\n", treeKey, published.Version)

			return nil
		},
	}
}

func pushDraft(
	ctx context.Context,
	store persistence.Persistence,
	draftService *services.Draft,
	treeKey string,
	doc *definitionDocument,
) (*models.WorkflowDefinition, error) {
	stored, err := draftService.Get(ctx, treeKey, 0)
	if errors.Is(err, persistence.ErrDraftNotFound) {
		stored, err = seedDraft(ctx, store, treeKey, doc)
	}

	if err != nil {
		return nil, err
	}

	updated, _, err := draftService.Update(ctx, treeKey, stored.Version, services.UpdateDraftRequest{
		DraftRevision: stored.DraftRevision,
		Name:          doc.Name,
		Description:   doc.Description,
		VersionNotes:  doc.VersionNotes,
		Nodes:         doc.Nodes,
		Edges:         doc.Edges,
	})

	return updated, err
}

// seedDraft creates an empty version 1 draft for a brand-new tree; the
// document content lands through the regular guarded update.
func seedDraft(
	ctx context.Context,
	store persistence.Persistence,
	treeKey string,
	doc *definitionDocument,
) (*models.WorkflowDefinition, error) {
	now := time.Now().UTC()
	draft := &models.WorkflowDefinition{
		ID:        uuid.New().String(),
		TreeKey:   treeKey,
		Version:   1,
		Status:    models.DefinitionStatusDraft,
		Name:      doc.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := store.Definitions().Save(ctx, draft); err != nil {
		return nil, fmt.Errorf("failed to seed draft: %w", err)
	}

	return draft, nil
}
