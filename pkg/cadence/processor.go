package cadence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cardops/cardflow/pkg/audit"
	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/otelhelper"
	"github.com/cardops/cardflow/pkg/persistence"
	"github.com/cardops/cardflow/pkg/retry"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// claimMargin stops a batch from claiming rows this close to its deadline.
const claimMargin = 2 * time.Second

type QueueResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type rowOutcome int

const (
	rowProcessed rowOutcome = iota
	rowFailed
	rowSkipped
)

// Processor drains due cadence queue rows.
type Processor struct {
	instances   persistence.CadenceInstanceRepository
	queue       persistence.CadenceQueueRepository
	cadences    persistence.CadenceRepository
	resolver    *Resolver
	scheduler   *scheduler
	recorder    *audit.Recorder
	policy      retry.Policy
	maxAttempts int
	clock       clockwork.Clock
	tracer      trace.Tracer
	logger      *slog.Logger
}

// ProcessQueue claims up to batchSize due rows and runs them in due order. A
// failing row never aborts the batch.
func (p *Processor) ProcessQueue(ctx context.Context, batchSize int) (QueueResult, error) {
	var result QueueResult

	items, err := p.queue.Due(ctx, p.clock.Now(), batchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list due cadence rows: %w", err)
	}

	for _, item := range items {
		if nearDeadline(ctx) {
			p.logger.InfoContext(ctx, "processing budget exhausted, leaving rows pending", "remaining", len(items))

			break
		}

		claimed, err := p.queue.Claim(ctx, item.ID, p.clock.Now())
		if err != nil {
			p.logger.ErrorContext(ctx, "failed to claim cadence row", "queue_id", item.ID, "error", err)
			result.Failed++

			continue
		}

		if !claimed {
			result.Skipped++

			continue
		}

		item.Attempts++
		item.Status = models.QueueProcessing

		switch p.processItem(context.WithoutCancel(ctx), item) {
		case rowProcessed:
			result.Processed++
		case rowFailed:
			result.Failed++
		case rowSkipped:
			result.Skipped++
		}
	}

	return result, nil
}

func (p *Processor) processItem(ctx context.Context, item *models.CadenceQueueItem) rowOutcome {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "cadence.process_row",
		attribute.String(otelhelper.QueueIDKey, item.ID),
		attribute.String(otelhelper.QueueKindKey, string(models.QueueKindCadence)),
		attribute.String(otelhelper.InstanceIDKey, item.InstanceID),
		attribute.String(otelhelper.CadenceIDKey, item.CadenceID),
		attribute.String(otelhelper.CardIDKey, item.CardID),
		attribute.String(otelhelper.StepKeyKey, item.StepKey),
		attribute.Int(otelhelper.AttemptKey, item.Attempts),
	)
	defer span.End()

	logger := p.logger.With("queue_id", item.ID, "instance_id", item.InstanceID, "card_id", item.CardID)

	instance, err := p.instances.GetByID(ctx, item.InstanceID)
	if err != nil {
		if persistence.IsInstanceNotFound(err) {
			err = retry.Permanent(err)
		}

		otelhelper.SetError(span, err)

		return p.handleFailure(ctx, logger, item, nil, err)
	}

	if instance.Status.IsTerminal() || instance.Status == models.CadenceWaitingTask || instance.CurrentStep != item.StepIndex {
		logger.InfoContext(ctx, "cadence row is a no-op",
			"status", instance.Status, "current_step", instance.CurrentStep, "step_index", item.StepIndex)

		p.complete(ctx, logger, item)

		return rowSkipped
	}

	template, err := p.cadences.Template(ctx, instance.CadenceID)
	if err != nil {
		if errors.Is(err, persistence.ErrCadenceNotFound) {
			err = retry.Permanent(err)
		}

		otelhelper.SetError(span, err)

		return p.handleFailure(ctx, logger, item, instance, err)
	}

	result, err := p.resolver.Execute(ctx, instance, template, item)
	if err != nil {
		otelhelper.SetError(span, err)

		return p.handleFailure(ctx, logger, item, instance, err)
	}

	updated := *instance

	if err := p.apply(ctx, &updated, template, item, result); err != nil {
		if persistence.IsInstanceChanged(err) {
			logger.InfoContext(ctx, "instance changed while the step ran", "error", err)
			p.complete(ctx, logger, item)

			return rowSkipped
		}

		otelhelper.SetError(span, err)

		return p.handleFailure(ctx, logger, item, instance, err)
	}

	p.complete(ctx, logger, item)

	return rowProcessed
}

func (p *Processor) apply(ctx context.Context, instance *models.CadenceInstance, template *models.CadenceTemplate, item *models.CadenceQueueItem, result StepResult) error {
	from := instance.Status

	if result.Created {
		instance.TotalContacts++
		instance.LastTaskID = result.Task.ID
	}

	switch result.Action {
	case StepRecheck:
		recheck := &models.CadenceQueueItem{
			InstanceID:  instance.ID,
			CadenceID:   instance.CadenceID,
			CardID:      instance.CardID,
			StepIndex:   item.StepIndex,
			StepKey:     item.StepKey,
			Rechecks:    item.Rechecks + 1,
			DueAt:       result.RecheckAt,
			MaxAttempts: p.maxAttempts,
		}

		if err := p.queue.Enqueue(ctx, recheck); err != nil {
			return fmt.Errorf("failed to enqueue prerequisite recheck: %w", err)
		}

		p.recorder.After(ctx, &models.LogEntry{
			Engine:       models.EngineCadence,
			InstanceID:   instance.ID,
			DefinitionID: instance.CadenceID,
			CardID:       instance.CardID,
			NodeID:       item.StepKey,
			Event:        models.LogPrerequisitePending,
			Output:       map[string]any{"task_id": instance.LastTaskID, "recheck_at": result.RecheckAt, "rechecks": recheck.Rechecks},
		})

		return nil
	case StepWaitTask:
		instance.Status = models.CadenceWaitingTask
		instance.WaitingTaskID = result.Task.ID

		return p.instances.Update(ctx, instance, from)
	case StepComplete:
		instance.Result = result.Result

		return p.scheduler.complete(ctx, instance, from)
	default:
		return p.scheduler.scheduleStep(ctx, instance, template, item.StepIndex+1, from, nil)
	}
}

func (p *Processor) complete(ctx context.Context, logger *slog.Logger, item *models.CadenceQueueItem) {
	if err := p.queue.Complete(ctx, item.ID, p.clock.Now()); err != nil {
		logger.ErrorContext(ctx, "failed to complete cadence row", "error", err)
	}
}

// handleFailure either retries the row, dead-letters it, or fails the instance.
func (p *Processor) handleFailure(ctx context.Context, logger *slog.Logger, item *models.CadenceQueueItem, instance *models.CadenceInstance, cause error) rowOutcome {
	maxAttempts := item.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.maxAttempts
	}

	switch p.policy.Decide(cause, item.Attempts, maxAttempts) {
	case retry.Retry:
		next := p.policy.NextAttempt(p.clock.Now(), item.Attempts)

		logger.WarnContext(ctx, "cadence row failed, retrying", "attempts", item.Attempts, "next_attempt", next, "error", cause)

		if err := p.queue.Retry(ctx, item.ID, next, cause.Error()); err != nil {
			logger.ErrorContext(ctx, "failed to reschedule cadence row", "error", err)
		}

		p.recorder.After(ctx, p.failureEntry(item, models.LogRetryScheduled, cause))

		return rowFailed
	case retry.DeadLetter:
		logger.ErrorContext(ctx, "cadence row exhausted its attempts", "attempts", item.Attempts, "error", cause)

		if err := p.queue.DeadLetter(ctx, item.ID, cause.Error()); err != nil {
			logger.ErrorContext(ctx, "failed to dead-letter cadence row", "error", err)
		}

		p.recorder.After(ctx, p.failureEntry(item, models.LogDeadLettered, cause))
		cause = fmt.Errorf("retries exhausted after %d attempts: %w", item.Attempts, cause)
	default:
		logger.ErrorContext(ctx, "cadence step failed permanently", "error", cause)

		if err := p.queue.Fail(ctx, item.ID, cause.Error()); err != nil {
			logger.ErrorContext(ctx, "failed to mark cadence row failed", "error", err)
		}
	}

	if instance != nil {
		if err := p.scheduler.fail(ctx, instance, cause); err != nil {
			logger.ErrorContext(ctx, "failed to mark cadence instance failed", "error", err)
		}
	}

	return rowFailed
}

func (p *Processor) failureEntry(item *models.CadenceQueueItem, event models.LogEvent, cause error) *models.LogEntry {
	return &models.LogEntry{
		Engine:       models.EngineCadence,
		InstanceID:   item.InstanceID,
		DefinitionID: item.CadenceID,
		CardID:       item.CardID,
		NodeID:       item.StepKey,
		Event:        event,
		Error:        cause.Error(),
		Output:       map[string]any{"queue_id": item.ID, "attempts": item.Attempts},
	}
}

func nearDeadline(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}

	deadline, ok := ctx.Deadline()

	return ok && time.Until(deadline) < claimMargin
}
