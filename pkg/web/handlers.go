package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cardops/cardflow/pkg/cadence"
	"github.com/cardops/cardflow/pkg/ingest"
	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/persistence"
	"github.com/cardops/cardflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const defaultDeadLetterLimit = 100

// EventRouter hands a card event to the engines.
type EventRouter interface {
	Route(ctx context.Context, event models.CardEvent) (ingest.Result, error)
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type APIHandlers struct {
	workflows   *workflow.Service
	cadences    *cadence.Engine
	templates   persistence.CadenceRepository
	deadLetters persistence.DeadLetterRepository
	events      EventRouter
	health      HealthChecker
	validator   *validator.Validate
}

func NewAPIHandlers(
	workflows *workflow.Service,
	cadences *cadence.Engine,
	store persistence.Persistence,
	events EventRouter,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		workflows:   workflows,
		cadences:    cadences,
		templates:   store.Cadences(),
		deadLetters: store.DeadLetters(),
		events:      events,
		health:      store,
		validator:   validator,
	}
}

// RegisterRoutes mounts every handler on router.
func RegisterRoutes(router fiber.Router, h *APIHandlers) {
	router.Post("/cadence-engine", h.CadenceEngine)
	router.Post("/workflow-engine", h.WorkflowEngine)
	router.Post("/events", h.PostEvent)

	w := router.Group("/workflows")
	w.Get("/:id", h.GetWorkflow)
	w.Put("/:id/graph", h.SaveWorkflowGraph)

	router.Get("/instances/:id/logs", h.GetInstanceLogs)

	cadences := router.Group("/cadences")
	cadences.Get("/:id", h.GetCadence)
	cadences.Put("/:id", h.SaveCadence)

	router.Put("/entry-triggers/:id", h.SaveEntryTrigger)
	router.Get("/dead-letters", h.ListDeadLetters)
	router.Get("/health", h.HealthCheck)
}

// CadenceEngine is the cadence engine's single invocation point. An empty body runs the sweep.
func (h *APIHandlers) CadenceEngine(c fiber.Ctx) error {
	var req cadence.Request

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	resp, err := h.cadences.Handle(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(resp)
}

// WorkflowEngine is the workflow engine's invocation point. An empty body runs the sweep.
func (h *APIHandlers) WorkflowEngine(c fiber.Ctx) error {
	var req workflow.Request

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	resp, err := h.workflows.Handle(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(resp)
}

func (h *APIHandlers) PostEvent(c fiber.Ctx) error {
	var event models.CardEvent
	if err := c.Bind().JSON(&event); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(event); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.events.Route(c.Context(), event)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(result)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	wf, err := h.workflows.Definition(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(wf)
}

// SaveWorkflowGraph replaces the workflow's nodes and edges as one unit.
func (h *APIHandlers) SaveWorkflowGraph(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var raw rawGraph
	if err := json.Unmarshal(c.Body(), &raw); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.workflows.Validator().ValidateNodesJSON(raw.Nodes); err != nil {
		return handleServiceError(c, err)
	}

	var req SaveWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	wf := req.Workflow(id)

	if err := h.workflows.SaveDefinition(c.Context(), wf); err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(wf)
}

func (h *APIHandlers) GetInstanceLogs(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	logs, err := h.workflows.Logs(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	if len(logs) == 0 {
		return notFound(c, "No log entries for instance "+id)
	}

	return c.JSON(LogsResponse{InstanceID: id, Logs: logs})
}

func (h *APIHandlers) GetCadence(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Cadence ID is required")
	}

	template, err := h.templates.Template(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(template)
}

func (h *APIHandlers) SaveCadence(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Cadence ID is required")
	}

	var req SaveCadenceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	template := req.Template(id)

	if err := h.templates.SaveTemplate(c.Context(), template); err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(template)
}

func (h *APIHandlers) SaveEntryTrigger(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Entry trigger ID is required")
	}

	var trigger models.EntryTrigger
	if err := c.Bind().JSON(&trigger); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	trigger.ID = id

	if err := h.validator.Struct(trigger); err != nil {
		return badRequest(c, err.Error())
	}

	if trigger.Action == models.EntryStartCadence {
		if _, err := h.templates.Template(c.Context(), trigger.CadenceID); err != nil {
			return handleServiceError(c, err)
		}
	}

	if err := h.templates.SaveEntryTrigger(c.Context(), &trigger); err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(trigger)
}

// ListDeadLetters returns dead letters newest first, optionally filtered by ?queue=.
func (h *APIHandlers) ListDeadLetters(c fiber.Ctx) error {
	queue := models.QueueKind(c.Query("queue"))

	switch queue {
	case "", models.QueueKindWorkflow, models.QueueKindCadence:
	default:
		return badRequest(c, "queue must be workflow or cadence")
	}

	limit := defaultDeadLetterLimit

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			return badRequest(c, "limit must be a positive integer")
		}

		limit = parsed
	}

	deadLetters, err := h.deadLetters.List(c.Context(), queue, limit)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(DeadLettersResponse{Queue: queue, DeadLetters: deadLetters})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "Cardflow API is healthy"
	httpStatus := http.StatusOK
	checks := fiber.Map{"persistence": "ok"}

	if err := h.health.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "Cardflow API is unhealthy"
		httpStatus = http.StatusServiceUnavailable
		checks["persistence"] = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"checkers":  checks,
		"timestamp": time.Now().UTC(),
	})
}
