package web

import (
	"errors"

	"github.com/cardops/cardflow/pkg/cadence"
	"github.com/cardops/cardflow/pkg/crm"
	"github.com/cardops/cardflow/pkg/ingest"
	"github.com/cardops/cardflow/pkg/persistence"
	"github.com/cardops/cardflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

var (
	badRequestErrors = []error{
		workflow.ErrMissingField,
		workflow.ErrUnknownAction,
		workflow.ErrInvalidGraph,
		cadence.ErrMissingField,
		cadence.ErrUnknownAction,
		ingest.ErrInvalidEvent,
	}

	notFoundErrors = []error{
		persistence.ErrWorkflowNotFound,
		persistence.ErrInstanceNotFound,
		persistence.ErrCadenceNotFound,
		persistence.ErrEntryTriggerNotFound,
		persistence.ErrCadenceInstanceNotFound,
		crm.ErrCardNotFound,
		crm.ErrTaskNotFound,
	}

	conflictErrors = []error{
		workflow.ErrWorkflowInactive,
		workflow.ErrNotWaiting,
		workflow.ErrNoTrigger,
		cadence.ErrCadenceInactive,
		cadence.ErrEmptyTemplate,
		cadence.ErrInstanceNotActive,
		persistence.ErrActiveInstanceExists,
	}
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusNotFound).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusConflict).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

// handleServiceError maps engine and store errors onto problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	var fieldErrors validator.ValidationErrors

	switch {
	case errors.As(err, &fieldErrors), isAny(err, badRequestErrors):
		return badRequest(c, err.Error())
	case isAny(err, notFoundErrors):
		return notFound(c, err.Error())
	case isAny(err, conflictErrors):
		return conflict(c, err.Error())
	default:
		return internalError(c, err)
	}
}
