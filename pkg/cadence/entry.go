package cadence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cardops/cardflow/pkg/audit"
	"github.com/cardops/cardflow/pkg/businesshours"
	"github.com/cardops/cardflow/pkg/config"
	"github.com/cardops/cardflow/pkg/crm"
	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/persistence"
	"github.com/cardops/cardflow/pkg/retry"
	"github.com/jonboulle/clockwork"
)

// Reasons recorded on entry rows that did not start anything.
const (
	ReasonTriggerInactive = "trigger_inactive"
	ReasonCardNotFound    = "card_not_found"
	ReasonCardLeftStage   = "card_left_stage"
	ReasonAlreadyActive   = "already_active"
	ReasonDuplicateTask   = "duplicate_task"
)

// Starter starts a cadence for a card.
type Starter interface {
	Start(ctx context.Context, cadenceID, cardID string) (*StartResult, error)
}

type EntryResult struct {
	Started int `json:"started"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// EntryProcessor turns stage entries into entry-queue rows and consumes them.
type EntryProcessor struct {
	cadences    persistence.CadenceRepository
	queue       persistence.EntryQueueRepository
	cards       crm.Cards
	tasks       crm.Tasks
	starter     Starter
	recorder    *audit.Recorder
	calc        *businesshours.Calculator
	cfg         config.Cadence
	policy      retry.Policy
	maxAttempts int
	clock       clockwork.Clock
	logger      *slog.Logger
}

// Evaluate enqueues one entry row per active trigger matching a stage_enter
// event. Other event types are ignored.
func (p *EntryProcessor) Evaluate(ctx context.Context, event models.CardEvent) (int, error) {
	if event.Type != models.CardEventStageEnter || event.StageID == "" {
		return 0, nil
	}

	triggers, err := p.cadences.ActiveEntryTriggers(ctx, event.StageID)
	if err != nil {
		return 0, fmt.Errorf("failed to list entry triggers for stage %s: %w", event.StageID, err)
	}

	enqueued := 0

	for _, trigger := range triggers {
		if trigger.PipelineID != "" && event.PipelineID != "" && trigger.PipelineID != event.PipelineID {
			continue
		}

		item := &models.EntryQueueItem{
			CardID:      event.CardID,
			TriggerID:   trigger.ID,
			StageID:     event.StageID,
			MaxAttempts: p.maxAttempts,
		}

		if err := p.queue.Enqueue(ctx, item); err != nil {
			return enqueued, fmt.Errorf("failed to enqueue entry row for trigger %s: %w", trigger.ID, err)
		}

		enqueued++
	}

	if enqueued > 0 {
		p.logger.InfoContext(ctx, "entry rows enqueued", "card_id", event.CardID, "stage_id", event.StageID, "count", enqueued)
	}

	return enqueued, nil
}

// ProcessEntryQueue consumes due entry rows. Each row is resolved exactly
// once: completed, ignored with a reason, or failed. Transient failures send
// the row back to pending with backoff until its attempts run out.
func (p *EntryProcessor) ProcessEntryQueue(ctx context.Context, batchSize int) (EntryResult, error) {
	var result EntryResult

	items, err := p.queue.Due(ctx, p.clock.Now(), batchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list entry rows: %w", err)
	}

	for _, item := range items {
		if nearDeadline(ctx) {
			break
		}

		claimed, err := p.queue.Claim(ctx, item.ID, p.clock.Now())
		if err != nil {
			p.logger.ErrorContext(ctx, "failed to claim entry row", "entry_id", item.ID, "error", err)
			result.Errors++

			continue
		}

		if !claimed {
			continue
		}

		item.Attempts++
		item.Status = models.EntryProcessing

		rowCtx := context.WithoutCancel(ctx)
		logger := p.logger.With("entry_id", item.ID, "card_id", item.CardID, "trigger_id", item.TriggerID)

		reason, err := p.processItem(rowCtx, item)
		if err != nil {
			result.Errors++
			p.handleFailure(rowCtx, logger, item, err)

			continue
		}

		status := models.EntryCompleted

		switch {
		case reason != "":
			logger.InfoContext(rowCtx, "entry row ignored", "reason", reason)

			status = models.EntryIgnored
			result.Skipped++
		default:
			result.Started++
		}

		if err := p.queue.Resolve(rowCtx, item.ID, status, reason, p.clock.Now()); err != nil {
			logger.ErrorContext(rowCtx, "failed to resolve entry row", "status", status, "error", err)
		}
	}

	return result, nil
}

// handleFailure returns the row to pending with backoff, or fails it once the
// error is permanent or its attempts are exhausted.
func (p *EntryProcessor) handleFailure(ctx context.Context, logger *slog.Logger, item *models.EntryQueueItem, cause error) {
	maxAttempts := item.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.maxAttempts
	}

	switch p.policy.Decide(cause, item.Attempts, maxAttempts) {
	case retry.Retry:
		next := p.policy.NextAttempt(p.clock.Now(), item.Attempts)

		logger.WarnContext(ctx, "entry row failed, retrying", "attempts", item.Attempts, "next_attempt", next, "error", cause)

		if err := p.queue.Retry(ctx, item.ID, next, cause.Error()); err != nil {
			logger.ErrorContext(ctx, "failed to reschedule entry row", "error", err)
		}

		return
	case retry.DeadLetter:
		cause = fmt.Errorf("retries exhausted after %d attempts: %w", item.Attempts, cause)
	}

	logger.ErrorContext(ctx, "entry row failed", "attempts", item.Attempts, "error", cause)

	if err := p.queue.Resolve(ctx, item.ID, models.EntryFailed, cause.Error(), p.clock.Now()); err != nil {
		logger.ErrorContext(ctx, "failed to resolve entry row", "status", models.EntryFailed, "error", err)
	}
}

// processItem returns a non-empty reason when the row is ignored.
func (p *EntryProcessor) processItem(ctx context.Context, item *models.EntryQueueItem) (string, error) {
	trigger, err := p.cadences.EntryTrigger(ctx, item.TriggerID)
	if errors.Is(err, persistence.ErrEntryTriggerNotFound) {
		return ReasonTriggerInactive, nil
	}

	if err != nil {
		return "", fmt.Errorf("failed to load entry trigger: %w", err)
	}

	if !trigger.Active {
		return ReasonTriggerInactive, nil
	}

	card, err := p.cards.Card(ctx, item.CardID)
	if errors.Is(err, crm.ErrCardNotFound) {
		return ReasonCardNotFound, nil
	}

	if err != nil {
		return "", fmt.Errorf("failed to load card: %w", err)
	}

	if card.StageID != item.StageID {
		return ReasonCardLeftStage, nil
	}

	switch trigger.Action {
	case models.EntryStartCadence:
		started, err := p.starter.Start(ctx, trigger.CadenceID, card.ID)
		if errors.Is(err, persistence.ErrCadenceNotFound) || errors.Is(err, ErrCadenceInactive) || errors.Is(err, ErrEmptyTemplate) {
			return "", retry.Permanent(err)
		}

		if err != nil {
			return "", err
		}

		if started.AlreadyActive {
			return ReasonAlreadyActive, nil
		}

		return "", nil
	case models.EntryCreateTask:
		return p.createTask(ctx, item, trigger, card)
	default:
		return "", retry.Permanent(fmt.Errorf("unknown entry action %q", trigger.Action))
	}
}

func (p *EntryProcessor) createTask(ctx context.Context, item *models.EntryQueueItem, trigger *models.EntryTrigger, card *models.Card) (string, error) {
	if trigger.Task == nil {
		return "", retry.Permanent(fmt.Errorf("entry trigger %s has no task", trigger.ID))
	}

	open, err := p.tasks.OpenTaskOfType(ctx, card.ID, trigger.Task.Type)
	if err != nil {
		return "", fmt.Errorf("failed to look up open tasks: %w", err)
	}

	if open != nil {
		return ReasonDuplicateTask, nil
	}

	now := p.clock.Now()
	due := p.calc.Resolve(trigger.TaskDelay, now)

	task, err := p.tasks.CreateTask(ctx, crm.NewTask(card, *trigger.Task, due, "entry:"+item.ID, p.cfg.FallbackAssigneeID))
	if err != nil {
		return "", fmt.Errorf("failed to create entry task: %w", err)
	}

	p.recorder.After(ctx, &models.LogEntry{
		Engine:       models.EngineCadence,
		InstanceID:   item.ID,
		DefinitionID: trigger.ID,
		CardID:       card.ID,
		Event:        models.LogTaskCreated,
		Output:       map[string]any{"task_id": task.ID, "due_at": task.DueAt, "assignee_id": task.AssigneeID},
	})

	return "", nil
}
