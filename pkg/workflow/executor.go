package workflow

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
	"github.com/cardops/cardflow/pkg/otelhelper"
	"github.com/cardops/cardflow/pkg/persistence"
	"github.com/cardops/cardflow/pkg/retry"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxNodeVisits bounds a single run so a cycle without a wait cannot spin forever.
const maxNodeVisits = 100

// DryRunTaskID stands in for tasks a dry run would have created.
const DryRunTaskID = "dry-run-task"

var (
	ErrNoMatchingEdge   = errors.New("no outgoing edge matches")
	ErrTriggerMismatch  = errors.New("event does not match workflow trigger")
	ErrNodeNotFound     = errors.New("node not found in workflow")
	ErrMissingConfig    = errors.New("node is missing its config")
	ErrVisitLimit       = errors.New("node visit limit reached")
	ErrNotifierRequired = errors.New("notify action requires a notifier")
)

// NodeError carries the node a run stopped at.
type NodeError struct {
	NodeID string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// Run asks the executor to walk Workflow for Instance starting at NodeID.
// Event is set when the run starts at the trigger.
type Run struct {
	Workflow *models.Workflow
	Instance *models.WorkflowInstance
	NodeID   string
	Event    *models.CardEvent
}

type Result struct {
	Status  models.InstanceStatus `json:"status"`
	Visited []string              `json:"visited"`
	NodeID  string                `json:"node_id"`
}

type nodeOutcome int

const (
	outcomeNext nodeOutcome = iota
	outcomeSuspend
	// outcomeParked is a suspension the node already persisted.
	outcomeParked
	outcomeComplete
)

type Executor struct {
	instances persistence.WorkflowInstanceRepository
	queue     persistence.WorkflowQueueRepository
	collab    crm.Collaborators
	recorder  *audit.Recorder
	calc      *businesshours.Calculator
	cfg       config.Config
	clock     clockwork.Clock
	tracer    trace.Tracer
	logger    *slog.Logger
}

func NewExecutor(
	cfg config.Config,
	store persistence.Persistence,
	collab crm.Collaborators,
	recorder *audit.Recorder,
	calc *businesshours.Calculator,
	clock clockwork.Clock,
	tracer trace.Tracer,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		instances: store.WorkflowInstances(),
		queue:     store.WorkflowQueue(),
		collab:    collab,
		recorder:  recorder,
		calc:      calc,
		cfg:       cfg,
		clock:     clock,
		tracer:    tracer,
		logger:    logger.With("module", "workflow_executor"),
	}
}

// Run executes nodes inline until the instance completes, suspends or fails.
// The instance must already be persisted as running. A returned error is a
// *NodeError; retry.IsPermanent tells whether the instance was failed or left
// waiting at the failing node for a retry.
func (e *Executor) Run(ctx context.Context, run Run) (Result, error) {
	instance := run.Instance
	result := Result{Visited: make([]string, 0)}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.run",
		attribute.String(otelhelper.InstanceIDKey, instance.ID),
		attribute.String(otelhelper.WorkflowIDKey, run.Workflow.ID),
		attribute.String(otelhelper.CardIDKey, instance.CardID),
	)
	defer span.End()

	logger := e.logger.With("instance_id", instance.ID, "workflow_id", run.Workflow.ID, "card_id", instance.CardID, "dry_run", instance.DryRun)

	ensureContext(instance)

	if err := e.refreshCard(ctx, instance); err != nil {
		otelhelper.SetError(span, err)

		return e.stop(ctx, logger, instance, run.NodeID, result, err)
	}

	nodeID := run.NodeID

	for visits := 0; ; visits++ {
		result.NodeID = nodeID

		if visits >= maxNodeVisits {
			return e.stop(ctx, logger, instance, nodeID, result, retry.Permanent(ErrVisitLimit))
		}

		node := run.Workflow.Node(nodeID)
		if node == nil {
			return e.stop(ctx, logger, instance, nodeID, result, retry.Permanent(fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)))
		}

		result.Visited = append(result.Visited, node.ID)
		instance.CurrentNodeID = node.ID

		e.recorder.After(ctx, e.entry(instance, node, models.LogNodeEntered))

		outcome, next, err := e.execute(ctx, run, node)
		if err != nil {
			otelhelper.SetError(span, err, attribute.String(otelhelper.NodeIDKey, node.ID))

			return e.stop(ctx, logger, instance, node.ID, result, err)
		}

		if outcome != outcomeParked {
			if err := e.instances.Update(ctx, instance, models.InstanceRunning); err != nil {
				err = fmt.Errorf("failed to persist instance: %w", err)
				otelhelper.SetError(span, err, attribute.String(otelhelper.NodeIDKey, node.ID))

				return e.stop(ctx, logger, instance, node.ID, result, err)
			}
		}

		switch outcome {
		case outcomeSuspend, outcomeParked:
			result.Status = instance.Status

			logger.InfoContext(ctx, "instance suspended", "node_id", node.ID, "waiting_for", instance.WaitingFor)

			return result, nil
		case outcomeComplete:
			result.Status = instance.Status

			logger.InfoContext(ctx, "instance completed", "node_id", node.ID, "visited", len(result.Visited))

			return result, nil
		}

		nodeID = next
	}
}

func (e *Executor) refreshCard(ctx context.Context, instance *models.WorkflowInstance) error {
	card, err := e.collab.Cards.Card(ctx, instance.CardID)
	if err != nil {
		return classifyCRM(fmt.Errorf("failed to load card: %w", err))
	}

	instance.Context[ctxCard] = cardSnapshot(card)

	return nil
}

// execute runs one node. For outcomeNext, next names the node to visit.
func (e *Executor) execute(ctx context.Context, run Run, node *models.Node) (nodeOutcome, string, error) {
	instance := run.Instance

	switch node.Type {
	case models.NodeTypeTrigger:
		if run.Event != nil && !run.Workflow.Matches(*run.Event) {
			return 0, "", retry.Permanent(fmt.Errorf("%w: %s on %s", ErrTriggerMismatch, run.Event.Type, run.Event.StageID))
		}

		next, err := singleTarget(run.Workflow, node)

		return outcomeNext, next, err
	case models.NodeTypeAction:
		return e.executeAction(ctx, run, node)
	case models.NodeTypeCondition:
		next, err := e.evaluateCondition(ctx, run.Workflow, instance, node)

		return outcomeNext, next, err
	case models.NodeTypeWait:
		return e.executeWait(ctx, run, node)
	case models.NodeTypeEnd:
		now := e.clock.Now().UTC()

		instance.Status = models.InstanceCompleted
		instance.ClearWait()
		instance.CompletedAt = &now

		e.recorder.After(ctx, e.entry(instance, node, models.LogCompleted))

		return outcomeComplete, "", nil
	default:
		return 0, "", retry.Permanent(fmt.Errorf("unknown node type %q", node.Type))
	}
}

func (e *Executor) executeAction(ctx context.Context, run Run, node *models.Node) (nodeOutcome, string, error) {
	instance := run.Instance
	cfg := node.Action

	if cfg == nil {
		return 0, "", retry.Permanent(fmt.Errorf("%w: action %s", ErrMissingConfig, node.ID))
	}

	before := e.entry(instance, node, models.LogActionStarted)
	before.Input = map[string]any{"type": string(cfg.Type)}

	if err := e.recorder.Before(ctx, before); err != nil {
		return 0, "", err
	}

	start := e.clock.Now()

	output, err := e.performAction(ctx, instance, node)
	if err != nil {
		return 0, "", err
	}

	child(instance.Context, ctxNodes)[node.ID] = output

	after := e.entry(instance, node, models.LogActionExecuted)
	after.Output = output
	after.DurationMS = e.clock.Since(start).Milliseconds()
	e.recorder.After(ctx, after)

	if cfg.Type == models.ActionCreateTask && cfg.CreateTask.WaitForOutcome && !instance.DryRun {
		instance.Status = models.InstanceWaiting
		instance.WaitingFor = models.WaitTaskOutcome
		instance.WaitingTaskID = lastTaskID(instance.Context)

		waiting := e.entry(instance, node, models.LogWaiting)
		waiting.Output = map[string]any{"waiting_for": string(models.WaitTaskOutcome), "task_id": instance.WaitingTaskID}
		e.recorder.After(ctx, waiting)

		return outcomeSuspend, "", nil
	}

	next, err := singleTarget(run.Workflow, node)

	return outcomeNext, next, err
}

func (e *Executor) performAction(ctx context.Context, instance *models.WorkflowInstance, node *models.Node) (map[string]any, error) {
	cfg := node.Action
	dry := instance.DryRun

	switch cfg.Type {
	case models.ActionCreateTask:
		if cfg.CreateTask == nil {
			return nil, retry.Permanent(fmt.Errorf("%w: create_task %s", ErrMissingConfig, node.ID))
		}

		card, err := e.collab.Cards.Card(ctx, instance.CardID)
		if err != nil {
			return nil, classifyCRM(fmt.Errorf("failed to load card: %w", err))
		}

		due := e.calc.Resolve(cfg.CreateTask.DueIn, e.clock.Now())
		task := crm.NewTask(card, cfg.CreateTask.TaskSpec, due, instance.ID+":"+node.ID, e.cfg.Cadence.FallbackAssigneeID)

		if dry {
			task.ID = DryRunTaskID
		} else {
			task, err = e.collab.Tasks.CreateTask(ctx, task)
			if err != nil {
				return nil, classifyCRM(fmt.Errorf("failed to create task: %w", err))
			}
		}

		instance.Context[ctxLastTaskID] = task.ID

		return map[string]any{
			"task_id":     task.ID,
			"title":       task.Title,
			"assignee_id": task.AssigneeID,
			"priority":    string(task.Priority),
			"due_at":      task.DueAt,
		}, nil
	case models.ActionMoveCard:
		if cfg.MoveCard == nil {
			return nil, retry.Permanent(fmt.Errorf("%w: move_card %s", ErrMissingConfig, node.ID))
		}

		if !dry {
			if err := e.collab.Cards.MoveCard(ctx, instance.CardID, cfg.MoveCard.StageID); err != nil {
				return nil, classifyCRM(fmt.Errorf("failed to move card: %w", err))
			}
		}

		child(instance.Context, ctxCard)["stage_id"] = cfg.MoveCard.StageID

		return map[string]any{"stage_id": cfg.MoveCard.StageID}, nil
	case models.ActionNotify:
		if cfg.Notify == nil {
			return nil, retry.Permanent(fmt.Errorf("%w: notify %s", ErrMissingConfig, node.ID))
		}

		notification := crm.Notification{
			CardID:     instance.CardID,
			InstanceID: instance.ID,
			Channel:    cfg.Notify.Channel,
			Recipient:  cfg.Notify.Recipient,
			Message:    cfg.Notify.Message,
		}

		if !dry {
			if e.collab.Notifier == nil {
				return nil, retry.Permanent(ErrNotifierRequired)
			}

			if err := e.collab.Notifier.Notify(ctx, notification); err != nil {
				return nil, fmt.Errorf("failed to send notification: %w", err)
			}
		}

		return map[string]any{"channel": notification.Channel, "recipient": notification.Recipient}, nil
	case models.ActionUpdateField:
		if cfg.UpdateField == nil {
			return nil, retry.Permanent(fmt.Errorf("%w: update_field %s", ErrMissingConfig, node.ID))
		}

		if !dry {
			if err := e.collab.Cards.UpdateField(ctx, instance.CardID, cfg.UpdateField.Field, cfg.UpdateField.Value); err != nil {
				return nil, classifyCRM(fmt.Errorf("failed to update field: %w", err))
			}
		}

		child(child(instance.Context, ctxCard), "fields")[cfg.UpdateField.Field] = cfg.UpdateField.Value

		return map[string]any{"field": cfg.UpdateField.Field, "value": cfg.UpdateField.Value}, nil
	default:
		return nil, retry.Permanent(fmt.Errorf("unknown action type %q", cfg.Type))
	}
}

// evaluateCondition takes the first guarded edge that matches, else the
// unguarded default edge.
func (e *Executor) evaluateCondition(ctx context.Context, workflow *models.Workflow, instance *models.WorkflowInstance, node *models.Node) (string, error) {
	var (
		chosen   *models.Edge
		fallback *models.Edge
		observed = map[string]any{}
	)

	for _, edge := range workflow.OutgoingEdges(node.ID) {
		if edge.Guard == nil {
			if fallback == nil {
				fallback = edge
			}

			continue
		}

		field := edge.Guard.Field
		if field == "" && node.Condition != nil {
			field = node.Condition.Field
		}

		value, found := lookup(instance.Context, field)
		observed[field] = value

		if edge.Guard.Evaluate(value, found) {
			chosen = edge

			break
		}
	}

	if chosen == nil {
		chosen = fallback
	}

	entry := e.entry(instance, node, models.LogConditionEvaluated)
	entry.Input = observed

	if chosen == nil {
		entry.Error = ErrNoMatchingEdge.Error()
		e.recorder.After(ctx, entry)

		return "", retry.Permanent(fmt.Errorf("%w: condition %s", ErrNoMatchingEdge, node.ID))
	}

	entry.Output = map[string]any{"target": chosen.Target, "label": chosen.Label, "default": chosen.Guard == nil}
	e.recorder.After(ctx, entry)

	return chosen.Target, nil
}

func (e *Executor) executeWait(ctx context.Context, run Run, node *models.Node) (nodeOutcome, string, error) {
	instance := run.Instance
	cfg := node.Wait

	if cfg == nil {
		return 0, "", retry.Permanent(fmt.Errorf("%w: wait %s", ErrMissingConfig, node.ID))
	}

	next, err := singleTarget(run.Workflow, node)
	if err != nil {
		return 0, "", err
	}

	if instance.DryRun {
		skipped := e.entry(instance, node, models.LogWaitSkipped)
		skipped.Output = map[string]any{"kind": string(cfg.Kind)}

		if cfg.Kind == models.WaitTime {
			skipped.Output["resume_at"] = e.calc.Resolve(cfg.Delay, e.clock.Now())
		}

		e.recorder.After(ctx, skipped)

		return outcomeNext, next, nil
	}

	instance.Status = models.InstanceWaiting
	instance.WaitingFor = cfg.Kind

	waiting := e.entry(instance, node, models.LogWaiting)
	waiting.Output = map[string]any{"waiting_for": string(cfg.Kind)}

	outcome := outcomeSuspend

	switch cfg.Kind {
	case models.WaitTime:
		outcome = outcomeParked
		resumeAt := e.calc.Resolve(cfg.Delay, e.clock.Now())
		instance.ResumeAt = &resumeAt

		if cfg.StopIfStageChanged {
			instance.WaitStageID = cardStage(instance.Context)
		}

		// The row must not be claimable before the instance is waiting.
		if err := e.instances.Update(ctx, instance, models.InstanceRunning); err != nil {
			return 0, "", fmt.Errorf("failed to suspend instance: %w", err)
		}

		item := &models.WorkflowQueueItem{
			InstanceID:  instance.ID,
			WorkflowID:  instance.WorkflowID,
			CardID:      instance.CardID,
			NodeID:      next,
			Priority:    models.PriorityWait,
			ExecuteAt:   resumeAt,
			MaxAttempts: e.cfg.Queue.MaxAttempts,
		}

		if err := e.queue.Enqueue(ctx, item); err != nil {
			instance.Status = models.InstanceRunning
			instance.ClearWait()

			// Hand the instance back so stop can park it at this node.
			if uerr := e.instances.Update(ctx, instance, models.InstanceWaiting); uerr != nil {
				return 0, "", fmt.Errorf("failed to schedule resumption: %w (restore: %w)", err, uerr)
			}

			return 0, "", fmt.Errorf("failed to schedule resumption: %w", err)
		}

		waiting.Output["resume_at"] = resumeAt
		waiting.Output["queue_id"] = item.ID
	case models.WaitTaskOutcome:
		instance.WaitingTaskID = lastTaskID(instance.Context)
		waiting.Output["task_id"] = instance.WaitingTaskID
	case models.WaitFieldChange:
		instance.WaitingField = cfg.Field
		waiting.Output["field"] = cfg.Field
	}

	e.recorder.After(ctx, waiting)

	return outcome, "", nil
}

// stop settles the instance after a failed node. Permanent errors fail the
// instance; transient ones leave it waiting at the node for a retry.
func (e *Executor) stop(ctx context.Context, logger *slog.Logger, instance *models.WorkflowInstance, nodeID string, result Result, cause error) (Result, error) {
	nodeErr := &NodeError{NodeID: nodeID, Err: cause}

	if persistence.IsInstanceChanged(cause) {
		return result, nodeErr
	}

	if retry.IsPermanent(cause) || instance.DryRun {
		nodeErr.Err = retry.Permanent(cause)

		if err := e.fail(ctx, logger, instance, nodeID, cause, models.InstanceRunning); err != nil {
			logger.ErrorContext(ctx, "failed to persist failed instance", "error", err)
		}
	} else {
		instance.Status = models.InstanceWaiting
		instance.ClearWait()
		instance.WaitingFor = models.WaitTime
		instance.CurrentNodeID = nodeID
		instance.ErrorMessage = cause.Error()
		instance.CompletedAt = nil

		logger.WarnContext(ctx, "node failed, instance parked for retry", "node_id", nodeID, "error", cause)

		if err := e.instances.Update(ctx, instance, models.InstanceRunning); err != nil {
			logger.ErrorContext(ctx, "failed to park instance", "error", err)
		}
	}

	result.Status = instance.Status

	return result, nodeErr
}

// fail marks the instance failed and cancels its pending rows.
func (e *Executor) fail(ctx context.Context, logger *slog.Logger, instance *models.WorkflowInstance, nodeID string, cause error, from models.InstanceStatus) error {
	now := e.clock.Now().UTC()

	instance.Status = models.InstanceFailed
	instance.ErrorMessage = cause.Error()
	instance.CompletedAt = &now
	instance.ClearWait()

	if err := e.instances.Update(ctx, instance, from); err != nil {
		return err
	}

	logger.ErrorContext(ctx, "instance failed", "node_id", nodeID, "error", cause)

	if _, err := e.queue.CancelByInstance(ctx, instance.ID); err != nil {
		logger.ErrorContext(ctx, "failed to cancel pending rows", "error", err)
	}

	e.recorder.After(ctx, &models.LogEntry{
		Engine:       models.EngineWorkflow,
		InstanceID:   instance.ID,
		DefinitionID: instance.WorkflowID,
		CardID:       instance.CardID,
		NodeID:       nodeID,
		Event:        models.LogFailed,
		Error:        cause.Error(),
		DryRun:       instance.DryRun,
	})

	return nil
}

func (e *Executor) entry(instance *models.WorkflowInstance, node *models.Node, event models.LogEvent) *models.LogEntry {
	return &models.LogEntry{
		Engine:       models.EngineWorkflow,
		InstanceID:   instance.ID,
		DefinitionID: instance.WorkflowID,
		CardID:       instance.CardID,
		NodeID:       node.ID,
		Event:        event,
		DryRun:       instance.DryRun,
	}
}

// singleTarget follows the only edge leaving a non-branching node.
func singleTarget(workflow *models.Workflow, node *models.Node) (string, error) {
	edges := workflow.OutgoingEdges(node.ID)
	if len(edges) != 1 {
		return "", retry.Permanent(fmt.Errorf("%s node %s has %d outgoing edges", node.Type, node.ID, len(edges)))
	}

	return edges[0].Target, nil
}

func classifyCRM(err error) error {
	if errors.Is(err, crm.ErrCardNotFound) || errors.Is(err, crm.ErrTaskNotFound) {
		return retry.Permanent(err)
	}

	return err
}

// cancel stops a non-terminal instance and cancels its pending rows.
func (e *Executor) cancel(ctx context.Context, instance *models.WorkflowInstance, reason string, from models.InstanceStatus) error {
	now := e.clock.Now().UTC()

	instance.Status = models.InstanceCancelled
	instance.ErrorMessage = reason
	instance.CompletedAt = &now
	instance.ClearWait()

	if err := e.instances.Update(ctx, instance, from); err != nil {
		return err
	}

	if _, err := e.queue.CancelByInstance(ctx, instance.ID); err != nil {
		return fmt.Errorf("failed to cancel pending rows: %w", err)
	}

	e.recorder.After(ctx, &models.LogEntry{
		Engine:       models.EngineWorkflow,
		InstanceID:   instance.ID,
		DefinitionID: instance.WorkflowID,
		CardID:       instance.CardID,
		NodeID:       instance.CurrentNodeID,
		Event:        models.LogCancelled,
		Output:       map[string]any{"reason": reason},
		DryRun:       instance.DryRun,
	})

	return nil
}
