package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
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

// ErrInstanceStillRunning marks a retry row whose instance was never parked.
var ErrInstanceStillRunning = errors.New("instance is still running")

// ReasonStageChanged is recorded when a stage-guarded wait finds the card moved.
const ReasonStageChanged = "card_left_stage"

type DispatchResult struct {
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

func (r *DispatchResult) add(other DispatchResult) {
	r.Dispatched += other.Dispatched
	r.Failed += other.Failed
	r.Skipped += other.Skipped
}

type rowOutcome int

const (
	rowDispatched rowOutcome = iota
	rowFailed
	rowSkipped
)

// Dispatcher drains due workflow queue rows into the executor.
type Dispatcher struct {
	workflows   persistence.WorkflowRepository
	instances   persistence.WorkflowInstanceRepository
	queue       persistence.WorkflowQueueRepository
	executor    *Executor
	recorder    *audit.Recorder
	policy      retry.Policy
	maxAttempts int
	clock       clockwork.Clock
	tracer      trace.Tracer
	logger      *slog.Logger
}

// DispatchDue claims up to batchSize due rows by priority and runs each one.
// A failing row never aborts the batch.
func (d *Dispatcher) DispatchDue(ctx context.Context, batchSize int) (DispatchResult, error) {
	var result DispatchResult

	items, err := d.queue.Due(ctx, d.clock.Now(), batchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list due workflow rows: %w", err)
	}

	for _, item := range items {
		if nearDeadline(ctx) {
			d.logger.InfoContext(ctx, "processing budget exhausted, leaving rows pending")

			break
		}

		claimed, err := d.queue.Claim(ctx, item.ID, d.clock.Now())
		if err != nil {
			d.logger.ErrorContext(ctx, "failed to claim workflow row", "queue_id", item.ID, "error", err)
			result.Failed++

			continue
		}

		if !claimed {
			result.Skipped++

			continue
		}

		item.Attempts++
		item.Status = models.QueueProcessing

		switch d.dispatch(context.WithoutCancel(ctx), item) {
		case rowDispatched:
			result.Dispatched++
		case rowFailed:
			result.Failed++
		case rowSkipped:
			result.Skipped++
		}
	}

	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, item *models.WorkflowQueueItem) rowOutcome {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "workflow.dispatch_row",
		attribute.String(otelhelper.QueueIDKey, item.ID),
		attribute.String(otelhelper.QueueKindKey, string(models.QueueKindWorkflow)),
		attribute.String(otelhelper.InstanceIDKey, item.InstanceID),
		attribute.String(otelhelper.WorkflowIDKey, item.WorkflowID),
		attribute.String(otelhelper.NodeIDKey, item.NodeID),
		attribute.Int(otelhelper.AttemptKey, item.Attempts),
	)
	defer span.End()

	logger := d.logger.With("queue_id", item.ID, "instance_id", item.InstanceID, "card_id", item.CardID, "node_id", item.NodeID)

	instance, err := d.instances.GetByID(ctx, item.InstanceID)
	if err != nil {
		if persistence.IsInstanceNotFound(err) {
			logger.WarnContext(ctx, "workflow row points at a missing instance")
			d.fail(ctx, logger, item, err.Error())

			return rowFailed
		}

		otelhelper.SetError(span, err)

		return d.handleFailure(ctx, logger, item, nil, item.NodeID, err)
	}

	// A retry row whose instance is still running means parking it failed.
	if instance.Status == models.InstanceRunning && item.LastError != "" {
		err := fmt.Errorf("%w: %s", ErrInstanceStillRunning, instance.ID)
		otelhelper.SetError(span, err)

		return d.handleFailure(ctx, logger, item, instance, item.NodeID, err)
	}

	if instance.Status != models.InstanceWaiting || instance.WaitingFor != models.WaitTime {
		logger.InfoContext(ctx, "workflow row is a no-op", "status", instance.Status, "waiting_for", instance.WaitingFor)
		d.complete(ctx, logger, item)

		return rowSkipped
	}

	workflow, err := d.workflows.GetByID(ctx, instance.WorkflowID)
	if err != nil {
		if persistence.IsWorkflowNotFound(err) {
			err = retry.Permanent(err)
		}

		otelhelper.SetError(span, err)

		return d.handleFailure(ctx, logger, item, instance, item.NodeID, err)
	}

	if instance.WaitStageID != "" {
		moved, err := d.stageChanged(ctx, instance)
		if err != nil {
			otelhelper.SetError(span, err)

			return d.handleFailure(ctx, logger, item, instance, item.NodeID, err)
		}

		if moved {
			if err := d.executor.cancel(ctx, instance, ReasonStageChanged, models.InstanceWaiting); err != nil && !persistence.IsInstanceChanged(err) {
				logger.ErrorContext(ctx, "failed to cancel instance after stage change", "error", err)
			}

			logger.InfoContext(ctx, "card left the stage during the wait, instance cancelled")
			d.complete(ctx, logger, item)

			return rowSkipped
		}
	}

	ok, err := d.instances.Transition(ctx, instance.ID, models.InstanceWaiting, models.InstanceRunning)
	if err != nil {
		otelhelper.SetError(span, err)

		return d.handleFailure(ctx, logger, item, instance, item.NodeID, err)
	}

	if !ok {
		logger.InfoContext(ctx, "instance resumed elsewhere")
		d.complete(ctx, logger, item)

		return rowSkipped
	}

	instance.Status = models.InstanceRunning
	instance.ClearWait()
	instance.ErrorMessage = ""
	mergePayload(ensureContext(instance), item.Payload)

	d.recorder.After(ctx, &models.LogEntry{
		Engine:       models.EngineWorkflow,
		InstanceID:   instance.ID,
		DefinitionID: instance.WorkflowID,
		CardID:       instance.CardID,
		NodeID:       item.NodeID,
		Event:        models.LogResumed,
		Output:       map[string]any{"queue_id": item.ID, "priority": item.Priority, "attempts": item.Attempts},
	})

	_, err = d.executor.Run(ctx, Run{Workflow: workflow, Instance: instance, NodeID: item.NodeID})
	if err != nil {
		if persistence.IsInstanceChanged(err) {
			logger.InfoContext(ctx, "instance changed while running", "error", err)
			d.complete(ctx, logger, item)

			return rowSkipped
		}

		otelhelper.SetError(span, err)

		nodeID := item.NodeID

		var nodeErr *NodeError
		if errors.As(err, &nodeErr) {
			nodeID = nodeErr.NodeID
		}

		if retry.IsPermanent(err) {
			d.fail(ctx, logger, item, err.Error())

			return rowFailed
		}

		// The executor parked the instance as waiting at nodeID.
		return d.handleFailure(ctx, logger, item, instance, nodeID, err)
	}

	d.complete(ctx, logger, item)

	return rowDispatched
}

func (d *Dispatcher) stageChanged(ctx context.Context, instance *models.WorkflowInstance) (bool, error) {
	card, err := d.executor.collab.Cards.Card(ctx, instance.CardID)
	if err != nil {
		return false, classifyCRM(fmt.Errorf("failed to load card: %w", err))
	}

	return card.StageID != instance.WaitStageID, nil
}

// handleFailure retries the row at nodeID or dead-letters it and fails the instance.
func (d *Dispatcher) handleFailure(ctx context.Context, logger *slog.Logger, item *models.WorkflowQueueItem, instance *models.WorkflowInstance, nodeID string, cause error) rowOutcome {
	maxAttempts := item.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.maxAttempts
	}

	switch d.policy.Decide(cause, item.Attempts, maxAttempts) {
	case retry.Retry:
		next := d.policy.NextAttempt(d.clock.Now(), item.Attempts)

		logger.WarnContext(ctx, "workflow row failed, retrying", "attempts", item.Attempts, "next_attempt", next, "error", cause)

		if err := d.queue.Retry(ctx, item.ID, nodeID, next, cause.Error()); err != nil {
			logger.ErrorContext(ctx, "failed to reschedule workflow row", "error", err)
		}

		d.recorder.After(ctx, d.failureEntry(item, nodeID, models.LogRetryScheduled, cause))

		return rowFailed
	case retry.DeadLetter:
		logger.ErrorContext(ctx, "workflow row exhausted its attempts", "attempts", item.Attempts, "error", cause)

		if err := d.queue.DeadLetter(ctx, item.ID, cause.Error()); err != nil {
			logger.ErrorContext(ctx, "failed to dead-letter workflow row", "error", err)
		}

		d.recorder.After(ctx, d.failureEntry(item, nodeID, models.LogDeadLettered, cause))

		if instance != nil {
			d.failInstance(ctx, logger, instance, nodeID, fmt.Errorf("retries exhausted after %d attempts: %w", item.Attempts, cause))
		}
	default:
		d.fail(ctx, logger, item, cause.Error())

		if instance != nil {
			d.failInstance(ctx, logger, instance, nodeID, cause)
		}
	}

	return rowFailed
}

// failInstance fails the stored instance in whatever non-terminal status it holds.
func (d *Dispatcher) failInstance(ctx context.Context, logger *slog.Logger, instance *models.WorkflowInstance, nodeID string, cause error) {
	current, err := d.instances.GetByID(ctx, instance.ID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to reload instance", "error", err)

		return
	}

	if current.Status.IsTerminal() {
		return
	}

	if err := d.executor.fail(ctx, logger, current, nodeID, cause, current.Status); err != nil {
		logger.ErrorContext(ctx, "failed to mark workflow instance failed", "error", err)
	}
}

func (d *Dispatcher) complete(ctx context.Context, logger *slog.Logger, item *models.WorkflowQueueItem) {
	if err := d.queue.Complete(ctx, item.ID, d.clock.Now()); err != nil {
		logger.ErrorContext(ctx, "failed to complete workflow row", "error", err)
	}
}

func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, item *models.WorkflowQueueItem, lastErr string) {
	if err := d.queue.Fail(ctx, item.ID, lastErr); err != nil {
		logger.ErrorContext(ctx, "failed to mark workflow row failed", "error", err)
	}
}

func (d *Dispatcher) failureEntry(item *models.WorkflowQueueItem, nodeID string, event models.LogEvent, cause error) *models.LogEntry {
	return &models.LogEntry{
		Engine:       models.EngineWorkflow,
		InstanceID:   item.InstanceID,
		DefinitionID: item.WorkflowID,
		CardID:       item.CardID,
		NodeID:       nodeID,
		Event:        event,
		Error:        cause.Error(),
		Output:       map[string]any{"queue_id": item.ID, "attempts": item.Attempts},
	}
}

// mergePayload copies resumption data into the context, both at the top level
// and under "resume".
func mergePayload(data map[string]any, payload map[string]any) {
	if len(payload) == 0 {
		return
	}

	maps.Copy(data, payload)
	maps.Copy(child(data, ctxResume), payload)
}

func nearDeadline(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}

	deadline, ok := ctx.Deadline()

	return ok && time.Until(deadline) < claimMargin
}
