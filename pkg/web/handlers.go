package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/arborworks/treeline/pkg/registry"
	"github.com/arborworks/treeline/pkg/services"
	"github.com/arborworks/treeline/pkg/stream"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	draftService      *services.Draft
	runsService       *services.Runs
	runControlService *services.RunControl
	streamServer      *stream.Server
	tailer            *stream.Tailer
	validator         *validator.Validate
	registry          *registry.Registry
}

func NewAPIHandlers(
	draftService *services.Draft,
	runsService *services.Runs,
	runControlService *services.RunControl,
	streamServer *stream.Server,
	tailer *stream.Tailer,
	validator *validator.Validate,
	registry *registry.Registry,
) *APIHandlers {
	return &APIHandlers{
		draftService:      draftService,
		runsService:       runsService,
		runControlService: runControlService,
		streamServer:      streamServer,
		tailer:            tailer,
		validator:         validator,
		registry:          registry,
	}
}

// RegisterRoutes mounts the full API surface on the app.
func (h *APIHandlers) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	trees := app.Group("/trees")
	trees.Get("/:treeKey", h.GetPublishedTree)
	trees.Get("/:treeKey/versions", h.ListTreeVersions)
	trees.Get("/:treeKey/draft", h.GetDraft)
	trees.Put("/:treeKey/draft", h.UpdateDraft)
	trees.Post("/:treeKey/draft/validate", h.ValidateDraft)
	trees.Post("/:treeKey/draft/publish", h.PublishDraft)
	trees.Post("/:treeKey/runs", h.StartRun)

	runs := app.Group("/runs")
	runs.Get("/", h.ListRuns)
	runs.Get("/:runId", h.GetRun)
	runs.Post("/:runId/actions/:action", h.RunAction)
	runs.Get("/:runId/nodes/:runNodeId/stream", h.NodeStream)

	// Unknown paths get the error envelope, not fiber's plain-text 404.
	app.Use(func(c fiber.Ctx) error {
		return notFound(c, "resource not found")
	})
}

func (h *APIHandlers) GetDraft(c fiber.Ctx) error {
	version, err := parseVersion(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	draft, err := h.draftService.Get(c.Context(), c.Params("treeKey"), version)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(draft)
}

func (h *APIHandlers) UpdateDraft(c fiber.Ctx) error {
	version, err := parseVersion(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if version == 0 {
		return badRequest(c, "version query parameter is required")
	}

	var body UpdateDraftBody
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(body); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	updated, result, err := h.draftService.Update(c.Context(), c.Params("treeKey"), version, services.UpdateDraftRequest{
		DraftRevision: body.DraftRevision,
		Name:          body.Name,
		Description:   body.Description,
		VersionNotes:  body.VersionNotes,
		Nodes:         body.Nodes,
		Edges:         body.Edges,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"draft":      updated,
		"validation": newValidationResponse(result),
	})
}

func (h *APIHandlers) ValidateDraft(c fiber.Ctx) error {
	version, err := parseVersion(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.draftService.Validate(c.Context(), c.Params("treeKey"), version)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(newValidationResponse(result))
}

func (h *APIHandlers) PublishDraft(c fiber.Ctx) error {
	version, err := parseVersion(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	published, err := h.draftService.Publish(c.Context(), c.Params("treeKey"), version)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(published)
}

func (h *APIHandlers) GetPublishedTree(c fiber.Ctx) error {
	published, err := h.draftService.GetPublished(c.Context(), c.Params("treeKey"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(published)
}

func (h *APIHandlers) ListTreeVersions(c fiber.Ctx) error {
	versions, err := h.draftService.ListVersions(c.Context(), c.Params("treeKey"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"versions": versions})
}

func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	run, err := h.runsService.Start(c.Context(), c.Params("treeKey"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(run)
}

func (h *APIHandlers) ListRuns(c fiber.Ctx) error {
	req := services.ListRunsRequest{Status: c.Query("status")}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return badRequest(c, "Invalid limit: "+limitStr)
		}

		req.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return badRequest(c, "Invalid offset: "+offsetStr)
		}

		req.Offset = offset
	}

	runs, err := h.runsService.List(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"runs": runs})
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	detail, err := h.runsService.Get(c.Context(), c.Params("runId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(detail)
}

func (h *APIHandlers) RunAction(c fiber.Ctx) error {
	action := services.ControlAction(c.Params("action"))

	result, err := h.runControlService.Apply(c.Context(), c.Params("runId"), action)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

// NodeStream serves one attempt's event log: a JSON snapshot by default, or
// a live SSE tail with transport=sse. Resume with lastEventSequence or the
// standard Last-Event-ID header.
func (h *APIHandlers) NodeStream(c fiber.Ctx) error {
	runID := c.Params("runId")
	runNodeID := c.Params("runNodeId")

	attempt := 0

	if attemptStr := c.Query("attempt"); attemptStr != "" {
		parsed, err := strconv.Atoi(attemptStr)
		if err != nil || parsed < 1 {
			return badRequest(c, "Invalid attempt: "+attemptStr)
		}

		attempt = parsed
	}

	lastSequenceStr := c.Query("lastEventSequence")
	if lastSequenceStr == "" {
		lastSequenceStr = c.Get("Last-Event-ID")
	}

	var lastSequence int64

	if lastSequenceStr != "" {
		parsed, err := strconv.ParseInt(lastSequenceStr, 10, 64)
		if err != nil || parsed < 0 {
			return badRequest(c, "Invalid last event sequence: "+lastSequenceStr)
		}

		lastSequence = parsed
	}

	limit := 0

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			return badRequest(c, "Invalid limit: "+limitStr)
		}

		limit = parsed
	}

	if c.Query("transport") == "sse" {
		return h.streamSSE(c, runID, runNodeID, attempt, lastSequence, limit)
	}

	snapshot, err := h.streamServer.Snapshot(c.Context(), runID, runNodeID, attempt, lastSequence, limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(snapshot)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	registryCheck, regOk := h.registry.HealthCheck()
	persistenceCheck, perOk := h.runsService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Treeline API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if regOk && perOk {
		status = "healthy"
		message = "Treeline API is running"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checks": fiber.Map{
			"registry":    registryCheck,
			"persistence": persistenceCheck,
		},
	})
}

func parseVersion(c fiber.Ctx) (int, error) {
	versionStr := c.Query("version")
	if versionStr == "" {
		return 0, nil
	}

	version, err := strconv.Atoi(versionStr)
	if err != nil || version < 1 {
		return 0, fmt.Errorf("invalid version %q", versionStr)
	}

	return version, nil
}
