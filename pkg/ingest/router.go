// Package ingest routes card lifecycle events to the workflow and cadence engines.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cardops/cardflow/pkg/cadence"
	"github.com/cardops/cardflow/pkg/eventbus"
	"github.com/cardops/cardflow/pkg/events"
	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/retry"
	"github.com/cardops/cardflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
)

var ErrInvalidEvent = errors.New("invalid card event")

type WorkflowHandler interface {
	HandleCardEvent(ctx context.Context, event models.CardEvent) (*workflow.EventResult, error)
}

type EntryEvaluator interface {
	Evaluate(ctx context.Context, event models.CardEvent) (int, error)
}

type OutcomeProcessor interface {
	ProcessTaskOutcome(ctx context.Context, outcome cadence.TaskOutcome) (int, error)
}

// Result reports what each engine did with one event.
type Result struct {
	Workflow *workflow.EventResult `json:"workflow,omitempty"`
	Entries  int                   `json:"entries_enqueued"`
	Advanced int                   `json:"cadences_advanced"`
}

type Router struct {
	workflows WorkflowHandler
	entries   EntryEvaluator
	outcomes  OutcomeProcessor
	validate  *validator.Validate
	clock     clockwork.Clock
	logger    *slog.Logger
}

// NewRouter builds a router. A nil engine collaborator is skipped during routing.
func NewRouter(workflows WorkflowHandler, entries EntryEvaluator, outcomes OutcomeProcessor, clock clockwork.Clock, logger *slog.Logger) *Router {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Router{
		workflows: workflows,
		entries:   entries,
		outcomes:  outcomes,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		clock:     clock,
		logger:    logger.With("module", "ingest"),
	}
}

// Route hands event to every engine. Engines run independently; their errors
// are joined so one failing engine does not hide the others' work.
func (r *Router) Route(ctx context.Context, event models.CardEvent) (Result, error) {
	var result Result

	if err := r.validate.Struct(event); err != nil {
		return result, retry.Permanent(fmt.Errorf("%w: %w", ErrInvalidEvent, err))
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.clock.Now().UTC()
	}

	logger := r.logger.With("card_id", event.CardID, "event_type", string(event.Type))

	var errs []error

	if r.workflows != nil {
		started, err := r.workflows.HandleCardEvent(ctx, event)
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow engine: %w", err))
		}

		result.Workflow = started
	}

	if r.entries != nil {
		enqueued, err := r.entries.Evaluate(ctx, event)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry rules: %w", err))
		}

		result.Entries = enqueued
	}

	if r.outcomes != nil && event.Type == models.CardEventTaskOutcome && event.TaskID != "" && event.Outcome != "" {
		advanced, err := r.outcomes.ProcessTaskOutcome(ctx, cadence.TaskOutcome{TaskID: event.TaskID, Outcome: event.Outcome})
		if err != nil {
			errs = append(errs, fmt.Errorf("cadence outcome: %w", err))
		}

		result.Advanced = advanced
	}

	if err := errors.Join(errs...); err != nil {
		logger.ErrorContext(ctx, "card event routing failed", "error", err)

		return result, err
	}

	logger.DebugContext(ctx, "card event routed", "entries_enqueued", result.Entries, "cadences_advanced", result.Advanced)

	return result, nil
}

// Subscribe registers the router for CardEventReceived events on bus. Invalid
// events are acknowledged and dropped; other failures are returned so the bus
// redelivers the message.
func (r *Router) Subscribe(bus eventbus.EventSubscriber) error {
	return eventbus.HandleCardEvents(bus, func(ctx context.Context, received *events.CardEventReceived) error {
		_, err := r.Route(ctx, received.Event)
		if retry.IsPermanent(err) {
			r.logger.WarnContext(ctx, "dropping card event", "event_id", received.ID, "error", err)

			return nil
		}

		return err
	})
}
