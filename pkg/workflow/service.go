// Package workflow validates automation graphs and runs them per card: an
// inline executor, a priority queue dispatcher for suspended instances and the
// service that ties them to card events.
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
	"github.com/cardops/cardflow/pkg/log"
	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/otelhelper"
	"github.com/cardops/cardflow/pkg/persistence"
	"github.com/cardops/cardflow/pkg/retry"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrWorkflowInactive = errors.New("workflow is not active")
	ErrNotWaiting       = errors.New("instance is not waiting for an event")
	ErrNoTrigger        = errors.New("workflow has no trigger node")
)

// cancelAttempts bounds how often Cancel re-reads an instance that keeps changing.
const cancelAttempts = 3

// Dependencies are the collaborators a Service is built from. Clock, Tracer and
// Logger are optional.
type Dependencies struct {
	Store         persistence.Persistence
	Collaborators crm.Collaborators
	Recorder      *audit.Recorder
	Calculator    *businesshours.Calculator
	Clock         clockwork.Clock
	Tracer        trace.Tracer
	Logger        *slog.Logger
}

// Service is the workflow engine's entry point: definition saves, card events,
// explicit resumption and the scheduled sweep.
type Service struct {
	cfg        config.Config
	workflows  persistence.WorkflowRepository
	instances  persistence.WorkflowInstanceRepository
	queue      persistence.WorkflowQueueRepository
	cards      crm.Cards
	validator  *Validator
	executor   *Executor
	dispatcher *Dispatcher
	recorder   *audit.Recorder
	clock      clockwork.Clock
	logger     *slog.Logger
}

type StartResult struct {
	Instance *models.WorkflowInstance `json:"instance"`
	// AlreadyActive reports that Instance existed before the call.
	AlreadyActive bool `json:"already_active"`
}

type EventResult struct {
	Started []string `json:"started"`
	Resumed []string `json:"resumed"`
	Ignored int      `json:"ignored"`
}

type SweepResult struct {
	Requeued int            `json:"requeued"`
	Rounds   int            `json:"rounds"`
	Dispatch DispatchResult `json:"dispatch"`
}

// TestResult is the trace of a dry run.
type TestResult struct {
	InstanceID string                `json:"instance_id"`
	Status     models.InstanceStatus `json:"status"`
	Visited    []string              `json:"visited"`
	Error      string                `json:"error,omitempty"`
	Logs       []*models.LogEntry    `json:"logs"`
}

func NewService(cfg config.Config, deps Dependencies) *Service {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otelhelper.NoopTracer()
	}

	logger := deps.Logger
	if logger == nil {
		logger = log.Discard()
	}

	executor := NewExecutor(cfg, deps.Store, deps.Collaborators, deps.Recorder, deps.Calculator, clock, tracer, logger)

	return &Service{
		cfg:       cfg,
		workflows: deps.Store.Workflows(),
		instances: deps.Store.WorkflowInstances(),
		queue:     deps.Store.WorkflowQueue(),
		cards:     deps.Collaborators.Cards,
		validator: NewValidator(),
		executor:  executor,
		dispatcher: &Dispatcher{
			workflows:   deps.Store.Workflows(),
			instances:   deps.Store.WorkflowInstances(),
			queue:       deps.Store.WorkflowQueue(),
			executor:    executor,
			recorder:    deps.Recorder,
			policy:      retry.NewPolicy(cfg.Queue, deps.Calculator),
			maxAttempts: cfg.Queue.MaxAttempts,
			clock:       clock,
			tracer:      tracer,
			logger:      logger.With("module", "workflow_dispatcher"),
		},
		recorder: deps.Recorder,
		clock:    clock,
		logger:   logger.With("module", "workflow"),
	}
}

func (s *Service) Dispatcher() *Dispatcher { return s.dispatcher }
func (s *Service) Validator() *Validator   { return s.validator }

// SaveDefinition validates the graph and replaces the stored workflow as a unit.
func (s *Service) SaveDefinition(ctx context.Context, workflow *models.Workflow) error {
	if err := s.validator.Validate(workflow); err != nil {
		return err
	}

	if err := s.workflows.Save(ctx, workflow); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	s.logger.InfoContext(ctx, "workflow saved", "workflow_id", workflow.ID, "nodes", len(workflow.Nodes), "edges", len(workflow.Edges))

	return nil
}

func (s *Service) Definition(ctx context.Context, id string) (*models.Workflow, error) {
	return s.workflows.GetByID(ctx, id)
}

func (s *Service) Logs(ctx context.Context, instanceID string) ([]*models.LogEntry, error) {
	return s.recorder.ByInstance(ctx, instanceID)
}

// HandleCardEvent starts every active workflow whose trigger matches and
// resumes instances waiting on the event.
func (s *Service) HandleCardEvent(ctx context.Context, event models.CardEvent) (*EventResult, error) {
	if err := s.validator.validate.Struct(event); err != nil {
		return nil, fmt.Errorf("invalid card event: %w", err)
	}

	result := &EventResult{Started: make([]string, 0), Resumed: make([]string, 0)}

	workflows, err := s.workflows.ActiveByTrigger(ctx, event.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows for %s: %w", event.Type, err)
	}

	for _, workflow := range workflows {
		if !workflow.Matches(event) {
			continue
		}

		started, err := s.start(ctx, workflow, event)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to start workflow", "workflow_id", workflow.ID, "card_id", event.CardID, "error", err)

			continue
		}

		if started.AlreadyActive {
			result.Ignored++
		} else {
			result.Started = append(result.Started, started.Instance.ID)
		}
	}

	resumed, err := s.resumeWaiters(ctx, event)
	if err != nil {
		return result, err
	}

	result.Resumed = append(result.Resumed, resumed...)

	return result, nil
}

func (s *Service) resumeWaiters(ctx context.Context, event models.CardEvent) ([]string, error) {
	var (
		kind    models.WaitKind
		payload map[string]any
		matches func(*models.WorkflowInstance) bool
	)

	switch event.Type {
	case models.CardEventTaskOutcome:
		kind = models.WaitTaskOutcome
		payload = map[string]any{ctxLastTaskOutcome: event.Outcome, "task_id": event.TaskID}
		matches = func(instance *models.WorkflowInstance) bool {
			return instance.WaitingTaskID == event.TaskID
		}
	case models.CardEventFieldChanged:
		kind = models.WaitFieldChange
		payload = map[string]any{"field": event.Field, "value": event.Value}
		matches = func(instance *models.WorkflowInstance) bool {
			return instance.WaitingField == event.Field
		}
	default:
		return nil, nil
	}

	waiting, err := s.instances.Waiting(ctx, event.CardID, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting instances: %w", err)
	}

	resumed := make([]string, 0)

	for _, instance := range waiting {
		if instance.DryRun || !matches(instance) {
			continue
		}

		if _, err := s.Resume(ctx, instance.ID, payload); err != nil {
			s.logger.WarnContext(ctx, "failed to resume instance", "instance_id", instance.ID, "error", err)

			continue
		}

		resumed = append(resumed, instance.ID)
	}

	return resumed, nil
}

// Start begins workflowID for cardID as if its trigger had fired. The trigger
// node runs on the next dispatch.
func (s *Service) Start(ctx context.Context, workflowID, cardID string) (*StartResult, error) {
	workflow, err := s.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if !workflow.Active || workflow.Draft {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowInactive, workflowID)
	}

	card, err := s.cards.Card(ctx, cardID)
	if err != nil {
		return nil, err
	}

	return s.start(ctx, workflow, syntheticEvent(workflow, card))
}

func (s *Service) start(ctx context.Context, workflow *models.Workflow, event models.CardEvent) (*StartResult, error) {
	trigger := workflow.TriggerNode()
	if trigger == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTrigger, workflow.ID)
	}

	now := s.clock.Now().UTC()

	// Waiting on a due time row until the trigger node runs.
	instance := &models.WorkflowInstance{
		WorkflowID:    workflow.ID,
		CardID:        event.CardID,
		CurrentNodeID: trigger.ID,
		Status:        models.InstanceWaiting,
		WaitingFor:    models.WaitTime,
		ResumeAt:      &now,
		Context:       map[string]any{ctxTrigger: event.Payload()},
	}

	if err := s.instances.Create(ctx, instance); err != nil {
		if persistence.IsActiveInstanceExists(err) {
			s.recorder.After(ctx, &models.LogEntry{
				Engine:       models.EngineWorkflow,
				DefinitionID: workflow.ID,
				CardID:       event.CardID,
				Event:        models.LogIgnored,
				Output:       map[string]any{"reason": "already_active", "trigger": string(event.Type)},
			})

			s.logger.InfoContext(ctx, "workflow already active for card", "workflow_id", workflow.ID, "card_id", event.CardID)

			return &StartResult{AlreadyActive: true}, nil
		}

		return nil, fmt.Errorf("failed to create workflow instance: %w", err)
	}

	item := &models.WorkflowQueueItem{
		InstanceID:  instance.ID,
		WorkflowID:  workflow.ID,
		CardID:      instance.CardID,
		NodeID:      trigger.ID,
		Priority:    models.PriorityStart,
		ExecuteAt:   now,
		MaxAttempts: s.cfg.Queue.MaxAttempts,
	}

	if err := s.queue.Enqueue(ctx, item); err != nil {
		err = fmt.Errorf("failed to enqueue workflow start: %w", err)

		// An instance without a start row never runs.
		if ferr := s.executor.fail(ctx, s.logger, instance, trigger.ID, err, models.InstanceWaiting); ferr != nil {
			s.logger.ErrorContext(ctx, "failed to release unstarted instance", "instance_id", instance.ID, "error", ferr)
		}

		return nil, err
	}

	s.recorder.After(ctx, &models.LogEntry{
		Engine:       models.EngineWorkflow,
		InstanceID:   instance.ID,
		DefinitionID: workflow.ID,
		CardID:       instance.CardID,
		NodeID:       trigger.ID,
		Event:        models.LogStarted,
		Input:        event.Payload(),
		Output:       map[string]any{"queue_id": item.ID},
	})

	s.logger.InfoContext(ctx, "workflow started", "workflow_id", workflow.ID, "instance_id", instance.ID, "card_id", instance.CardID)

	return &StartResult{Instance: instance}, nil
}

// Resume continues an instance waiting on a task outcome or field change at
// the node after the one it suspended on. payload is merged into the context.
func (s *Service) Resume(ctx context.Context, instanceID string, payload map[string]any) (Result, error) {
	instance, err := s.instances.GetByID(ctx, instanceID)
	if err != nil {
		return Result{}, err
	}

	if instance.Status != models.InstanceWaiting || instance.WaitingFor == models.WaitTime {
		return Result{Status: instance.Status}, fmt.Errorf("%w: %s is %s", ErrNotWaiting, instanceID, instance.Status)
	}

	workflow, err := s.workflows.GetByID(ctx, instance.WorkflowID)
	if err != nil {
		return Result{}, err
	}

	node := workflow.Node(instance.CurrentNodeID)
	if node == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrNodeNotFound, instance.CurrentNodeID)
	}

	next, err := singleTarget(workflow, node)
	if err != nil {
		return Result{}, err
	}

	ok, err := s.instances.Transition(ctx, instance.ID, models.InstanceWaiting, models.InstanceRunning)
	if err != nil {
		return Result{}, err
	}

	if !ok {
		return Result{}, fmt.Errorf("%w: %s was resumed concurrently", ErrNotWaiting, instanceID)
	}

	waitedFor := instance.WaitingFor

	instance.Status = models.InstanceRunning
	instance.ClearWait()
	instance.ErrorMessage = ""
	mergePayload(ensureContext(instance), payload)

	s.recorder.After(ctx, &models.LogEntry{
		Engine:       models.EngineWorkflow,
		InstanceID:   instance.ID,
		DefinitionID: instance.WorkflowID,
		CardID:       instance.CardID,
		NodeID:       node.ID,
		Event:        models.LogResumed,
		Input:        payload,
		Output:       map[string]any{"waited_for": string(waitedFor), "next_node_id": next},
	})

	result, err := s.executor.Run(ctx, Run{Workflow: workflow, Instance: instance, NodeID: next})
	if err == nil || retry.IsPermanent(err) || persistence.IsInstanceChanged(err) {
		return result, err
	}

	// The executor parked the instance; hand the node to the queue.
	nodeID := next

	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		nodeID = nodeErr.NodeID
	}

	item := &models.WorkflowQueueItem{
		InstanceID:  instance.ID,
		WorkflowID:  instance.WorkflowID,
		CardID:      instance.CardID,
		NodeID:      nodeID,
		Priority:    models.PriorityResume,
		ExecuteAt:   s.clock.Now().UTC(),
		MaxAttempts: s.cfg.Queue.MaxAttempts,
		LastError:   err.Error(),
	}

	if qerr := s.queue.Enqueue(ctx, item); qerr != nil {
		return result, fmt.Errorf("failed to enqueue resumption after %w: %w", err, qerr)
	}

	s.logger.WarnContext(ctx, "resumption failed, queued for retry", "instance_id", instance.ID, "node_id", nodeID, "error", err)

	return result, nil
}

// Cancel stops a non-terminal instance. It reports false when the instance
// had already finished.
func (s *Service) Cancel(ctx context.Context, instanceID, reason string) (bool, error) {
	if reason == "" {
		reason = "manual"
	}

	for range cancelAttempts {
		instance, err := s.instances.GetByID(ctx, instanceID)
		if err != nil {
			return false, err
		}

		if instance.Status.IsTerminal() {
			return false, nil
		}

		err = s.executor.cancel(ctx, instance, reason, instance.Status)
		if persistence.IsInstanceChanged(err) {
			continue
		}

		if err != nil {
			return false, err
		}

		s.logger.InfoContext(ctx, "workflow instance cancelled", "instance_id", instanceID, "reason", reason)

		return true, nil
	}

	return false, fmt.Errorf("failed to cancel instance %s: %w", instanceID, persistence.ErrInstanceChanged)
}

// TriggerTest runs the workflow against the card inline in dry-run mode and
// returns the trace. Nothing is enqueued and no collaborator is mutated.
func (s *Service) TriggerTest(ctx context.Context, workflowID, cardID string) (*TestResult, error) {
	workflow, err := s.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	trigger := workflow.TriggerNode()
	if trigger == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTrigger, workflowID)
	}

	card, err := s.cards.Card(ctx, cardID)
	if err != nil {
		return nil, err
	}

	event := syntheticEvent(workflow, card)

	instance := &models.WorkflowInstance{
		WorkflowID:    workflow.ID,
		CardID:        card.ID,
		CurrentNodeID: trigger.ID,
		Status:        models.InstanceRunning,
		DryRun:        true,
		Context:       map[string]any{ctxTrigger: event.Payload()},
	}

	if err := s.instances.Create(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to create test instance: %w", err)
	}

	s.recorder.After(ctx, &models.LogEntry{
		Engine:       models.EngineWorkflow,
		InstanceID:   instance.ID,
		DefinitionID: workflow.ID,
		CardID:       card.ID,
		NodeID:       trigger.ID,
		Event:        models.LogStarted,
		Input:        event.Payload(),
		DryRun:       true,
	})

	run, runErr := s.executor.Run(ctx, Run{Workflow: workflow, Instance: instance, NodeID: trigger.ID, Event: &event})

	logs, err := s.recorder.ByInstance(ctx, instance.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read test trace: %w", err)
	}

	result := &TestResult{
		InstanceID: instance.ID,
		Status:     run.Status,
		Visited:    run.Visited,
		Logs:       logs,
	}

	if runErr != nil {
		result.Error = runErr.Error()
	}

	return result, nil
}

// Sweep requeues stale claims and dispatches due rows, repeating while rounds
// keep dispatching so rows made due by this sweep run in the same call.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	if s.cfg.Queue.ProcessingBudget > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.cfg.Queue.ProcessingBudget)
		defer cancel()
	}

	requeued, err := s.queue.RequeueStale(ctx, s.clock.Now().Add(-s.cfg.Queue.StaleClaimAfter))
	if err != nil {
		return result, fmt.Errorf("failed to requeue stale workflow rows: %w", err)
	}

	result.Requeued = requeued

	rounds := max(s.cfg.Queue.DispatchRounds, 1)

	for range rounds {
		if nearDeadline(ctx) {
			break
		}

		round, err := s.dispatcher.DispatchDue(ctx, s.cfg.Queue.BatchSize)
		if err != nil {
			return result, err
		}

		result.Rounds++
		result.Dispatch.add(round)

		if round.Dispatched == 0 {
			break
		}
	}

	s.logger.InfoContext(ctx, "workflow sweep finished",
		"requeued", result.Requeued, "rounds", result.Rounds,
		"dispatched", result.Dispatch.Dispatched, "failed", result.Dispatch.Failed, "skipped", result.Dispatch.Skipped)

	return result, nil
}

// syntheticEvent builds the event a manual start or test run pretends to have received.
func syntheticEvent(workflow *models.Workflow, card *models.Card) models.CardEvent {
	cfg := workflow.TriggerConfig

	event := models.CardEvent{
		Type:       workflow.TriggerType,
		CardID:     card.ID,
		PipelineID: card.PipelineID,
		StageID:    card.StageID,
		TaskType:   cfg.TaskType,
		Field:      cfg.Field,
		Value:      cfg.Value,
	}

	switch workflow.TriggerType {
	case models.CardEventStageEnter:
		if cfg.StageID != "" {
			event.StageID = cfg.StageID
		}
	case models.CardEventStageExit:
		event.FromStageID = cfg.StageID
	case models.CardEventTaskOutcome:
		if len(cfg.Outcomes) > 0 {
			event.Outcome = cfg.Outcomes[0]
		}
	case models.CardEventFieldChanged:
		if event.Value == nil && cfg.Field != "" {
			event.Value = card.Fields[cfg.Field]
		}
	}

	return event
}

// IsNotFound reports whether err names a missing workflow, instance or card.
func IsNotFound(err error) bool {
	return persistence.IsWorkflowNotFound(err) || persistence.IsInstanceNotFound(err) || errors.Is(err, crm.ErrCardNotFound)
}
