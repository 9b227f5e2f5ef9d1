package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	cli "github.com/urfave/cli/v3"

	"github.com/arborworks/treeline/pkg/channels/gochannel"
	"github.com/arborworks/treeline/pkg/cmd"
	"github.com/arborworks/treeline/pkg/eventbus"
	"github.com/arborworks/treeline/pkg/log"
	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/services"
	"github.com/arborworks/treeline/pkg/workflow"
)

// NewRunCommand executes a published tree to completion in-process and prints
// the final state of every node attempt.
func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Run a published tree synchronously and print the result",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (file:// or postgres://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "tree",
				Usage:    "Tree key to run",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "agent-endpoint",
				Usage:   "Default HTTP agent provider endpoint for node invocations",
				Sources: cli.EnvVars("AGENT_ENDPOINT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.WithModule("run")

			store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to create in-process pub/sub: %w", err)
			}

			bus := eventbus.NewWatermillEventBus(pub, sub)
			defer func() {
				if err := bus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			registry := cmd.NewRegistry(logger, command.String("agent-endpoint"))

			coordinator := workflow.NewFanOutCoordinator(store, logger)
			executor := workflow.NewExecutor(store, registry, coordinator, bus, nil, logger)
			launcher := services.NewSynchronousLauncher(executor, logger)
			planner := workflow.NewPlanner(store, logger)
			runsService := services.NewRuns(store, planner, launcher, logger)

			run, err := runsService.Start(ctx, command.String("tree"))
			if err != nil {
				return err
			}

			detail, err := runsService.Get(ctx, run.ID)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(os.Stdout, "run %s: %s\n", detail.Run.ID, detail.Run.Status)

			for _, node := range detail.Nodes {
				_, _ = fmt.Fprintf(os.Stdout, "  %-24s attempt %d  %s\n", node.NodeKey, node.Attempt, node.Status)
			}

			if detail.Run.Status != models.RunStatusCompleted {
				return fmt.Errorf("run %s finished %s", detail.Run.ID, detail.Run.Status)
			}

			return nil
		},
	}
}
