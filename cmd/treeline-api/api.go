// Package main provides the Treeline API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"go.opentelemetry.io/otel/trace"

	"github.com/arborworks/treeline/pkg/eventbus"
	"github.com/arborworks/treeline/pkg/otelhelper"
	"github.com/arborworks/treeline/pkg/persistence"
	"github.com/arborworks/treeline/pkg/registry"
	"github.com/arborworks/treeline/pkg/services"
	"github.com/arborworks/treeline/pkg/stream"
	"github.com/arborworks/treeline/pkg/web"
	"github.com/arborworks/treeline/pkg/workflow"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	tracer      trace.Tracer
	validate    *validator.Validate
}

func NewAPI(
	ctx context.Context,
	logger *slog.Logger,
	persistence persistence.Persistence,
	registry *registry.Registry,
	eventBus eventbus.EventBus,
) *API {
	tracer, err := otelhelper.NewTracer(ctx, "treeline-api")
	if err != nil {
		logger.WarnContext(ctx, "Tracing disabled", "error", err)

		tracer = nil
	}

	return &API{
		logger:      logger,
		persistence: persistence,
		registry:    registry,
		eventBus:    eventBus,
		tracer:      tracer,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	coordinator := workflow.NewFanOutCoordinator(a.persistence, a.logger)
	executor := workflow.NewExecutor(a.persistence, a.registry, coordinator, a.eventBus, a.tracer, a.logger)

	executionRegistry := services.NewExecutionRegistry()
	launcher := services.NewBackgroundLauncher(executor, executionRegistry, a.logger)

	planner := workflow.NewPlanner(a.persistence, a.logger)

	draftService := services.NewDraft(a.persistence, a.logger)
	runsService := services.NewRuns(a.persistence, planner, launcher, a.logger)
	runControlService := services.NewRunControl(a.persistence, launcher, a.eventBus, a.logger)

	streamServer := stream.NewServer(a.persistence)
	tailer := stream.NewTailer(streamServer, a.logger)

	handlers := web.NewAPIHandlers(
		draftService,
		runsService,
		runControlService,
		streamServer,
		tailer,
		a.validate,
		a.registry,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Treeline API")
	})

	handlers.RegisterRoutes(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
