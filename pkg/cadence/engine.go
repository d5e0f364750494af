package cadence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

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

// Dependencies are the collaborators an Engine is built from. Clock, Tracer and
// Logger are optional.
type Dependencies struct {
	Store      persistence.Persistence
	Cards      crm.Cards
	Tasks      crm.Tasks
	Recorder   *audit.Recorder
	Calculator *businesshours.Calculator
	Clock      clockwork.Clock
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

type Engine struct {
	cfg       config.Config
	instances persistence.CadenceInstanceRepository
	queue     persistence.CadenceQueueRepository
	cadences  persistence.CadenceRepository
	entries   persistence.EntryQueueRepository
	resolver  *Resolver
	scheduler *scheduler
	processor *Processor
	entry     *EntryProcessor
	recorder  *audit.Recorder
	clock     clockwork.Clock
	logger    *slog.Logger
}

type StartResult struct {
	Instance *models.CadenceInstance `json:"instance"`
	// AlreadyActive reports that Instance existed before the call.
	AlreadyActive bool `json:"already_active"`
}

type SweepResult struct {
	Requeued int         `json:"requeued"`
	Entry    EntryResult `json:"entry_queue"`
	Queue    QueueResult `json:"cadence_queue"`
}

// TaskOutcome reports that a CRM task was closed with an outcome.
type TaskOutcome struct {
	TaskID  string `json:"task_id" validate:"required"`
	Outcome string `json:"outcome" validate:"required"`
}

func NewEngine(cfg config.Config, deps Dependencies) *Engine {
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

	logger = logger.With("module", "cadence")

	resolver := NewResolver(cfg.Cadence, deps.Calculator, deps.Cards, deps.Tasks, deps.Recorder, clock)

	sched := &scheduler{
		instances:   deps.Store.CadenceInstances(),
		queue:       deps.Store.CadenceQueue(),
		resolver:    resolver,
		recorder:    deps.Recorder,
		maxAttempts: cfg.Queue.MaxAttempts,
		clock:       clock,
	}

	engine := &Engine{
		cfg:       cfg,
		instances: deps.Store.CadenceInstances(),
		queue:     deps.Store.CadenceQueue(),
		cadences:  deps.Store.Cadences(),
		entries:   deps.Store.EntryQueue(),
		resolver:  resolver,
		scheduler: sched,
		recorder:  deps.Recorder,
		clock:     clock,
		logger:    logger,
	}

	engine.processor = &Processor{
		instances:   deps.Store.CadenceInstances(),
		queue:       deps.Store.CadenceQueue(),
		cadences:    deps.Store.Cadences(),
		resolver:    resolver,
		scheduler:   sched,
		recorder:    deps.Recorder,
		policy:      retry.NewPolicy(cfg.Queue, deps.Calculator),
		maxAttempts: cfg.Queue.MaxAttempts,
		clock:       clock,
		tracer:      tracer,
		logger:      logger.With("component", "processor"),
	}

	engine.entry = &EntryProcessor{
		cadences:    deps.Store.Cadences(),
		queue:       deps.Store.EntryQueue(),
		cards:       deps.Cards,
		tasks:       deps.Tasks,
		starter:     engine,
		recorder:    deps.Recorder,
		calc:        deps.Calculator,
		cfg:         cfg.Cadence,
		policy:      retry.NewPolicy(cfg.Queue, deps.Calculator),
		maxAttempts: cfg.Queue.MaxAttempts,
		clock:       clock,
		logger:      logger.With("component", "entry"),
	}

	return engine
}

func (e *Engine) Processor() *Processor           { return e.processor }
func (e *Engine) EntryProcessor() *EntryProcessor { return e.entry }

// Start creates an instance of cadenceID for cardID and schedules its first
// step. Starting a cadence that is already running for the card returns the
// running instance with AlreadyActive set.
func (e *Engine) Start(ctx context.Context, cadenceID, cardID string) (*StartResult, error) {
	template, err := e.cadences.Template(ctx, cadenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cadence %s: %w", cadenceID, err)
	}

	if !template.Active {
		return nil, fmt.Errorf("%w: %s", ErrCadenceInactive, cadenceID)
	}

	steps := template.OrderedSteps()
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyTemplate, cadenceID)
	}

	instance := &models.CadenceInstance{
		CadenceID:   cadenceID,
		CardID:      cardID,
		CurrentStep: 0,
		Status:      models.CadenceActive,
	}

	if err := e.instances.Create(ctx, instance); err != nil {
		if persistence.IsActiveInstanceExists(err) {
			return e.alreadyActive(ctx, cadenceID, cardID)
		}

		return nil, fmt.Errorf("failed to create cadence instance: %w", err)
	}

	item := &models.CadenceQueueItem{
		InstanceID:  instance.ID,
		CadenceID:   cadenceID,
		CardID:      cardID,
		StepIndex:   0,
		StepKey:     steps[0].Key,
		DueAt:       e.resolver.DueAt(template, steps[0], e.clock.Now()),
		MaxAttempts: e.cfg.Queue.MaxAttempts,
	}

	if err := e.queue.Enqueue(ctx, item); err != nil {
		err = fmt.Errorf("failed to schedule first step: %w", err)

		// An instance without a first step never runs.
		if ferr := e.scheduler.fail(ctx, instance, err); ferr != nil {
			e.logger.ErrorContext(ctx, "failed to release unstarted cadence instance", "instance_id", instance.ID, "error", ferr)
		}

		return nil, err
	}

	e.recorder.After(ctx, &models.LogEntry{
		Engine:       models.EngineCadence,
		InstanceID:   instance.ID,
		DefinitionID: cadenceID,
		CardID:       cardID,
		NodeID:       item.StepKey,
		Event:        models.LogStarted,
		Output:       map[string]any{"due_at": item.DueAt},
	})

	e.logger.InfoContext(ctx, "cadence started",
		"instance_id", instance.ID, "cadence_id", cadenceID, "card_id", cardID, "due_at", item.DueAt)

	return &StartResult{Instance: instance}, nil
}

func (e *Engine) alreadyActive(ctx context.Context, cadenceID, cardID string) (*StartResult, error) {
	existing, err := e.instances.ActiveByCard(ctx, cardID, cadenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active cadence instance: %w", err)
	}

	e.recorder.After(ctx, &models.LogEntry{
		Engine:       models.EngineCadence,
		InstanceID:   existing.ID,
		DefinitionID: cadenceID,
		CardID:       cardID,
		Event:        models.LogIgnored,
		Output:       map[string]any{"reason": ReasonAlreadyActive},
	})

	return &StartResult{Instance: existing, AlreadyActive: true}, nil
}

// Cancel stops an instance and turns its pending rows into no-ops. Cancelling
// a finished instance does nothing and reports false.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) (bool, error) {
	instance, err := e.instances.GetByID(ctx, instanceID)
	if err != nil {
		return false, fmt.Errorf("failed to load cadence instance: %w", err)
	}

	if instance.Status.IsTerminal() {
		return false, nil
	}

	if reason == "" {
		reason = "manual"
	}

	from := instance.Status
	now := e.clock.Now().UTC()

	instance.Status = models.CadenceCancelled
	instance.Result = reason
	instance.WaitingTaskID = ""
	instance.CompletedAt = &now

	if err := e.instances.Update(ctx, instance, from); err != nil {
		return false, fmt.Errorf("failed to cancel cadence instance: %w", err)
	}

	cancelled, err := e.queue.CancelByInstance(ctx, instanceID)
	if err != nil {
		return true, fmt.Errorf("failed to cancel pending steps: %w", err)
	}

	e.recorder.After(ctx, &models.LogEntry{
		Engine:       models.EngineCadence,
		InstanceID:   instance.ID,
		DefinitionID: instance.CadenceID,
		CardID:       instance.CardID,
		Event:        models.LogCancelled,
		Output:       map[string]any{"reason": reason, "cancelled_rows": cancelled},
	})

	return true, nil
}

// Advance moves an instance forward without waiting. A waiting instance
// schedules its next step now; an active one pulls its pending step to now.
// A success outcome counts as a successful contact.
func (e *Engine) Advance(ctx context.Context, instanceID, outcome string) error {
	instance, err := e.instances.GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to load cadence instance: %w", err)
	}

	if instance.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrInstanceNotActive, instanceID, instance.Status)
	}

	template, err := e.cadences.Template(ctx, instance.CadenceID)
	if err != nil {
		return fmt.Errorf("failed to load cadence %s: %w", instance.CadenceID, err)
	}

	if e.isSuccess(outcome) {
		instance.SuccessfulContacts++
	}

	dueAt := e.resolver.calc.RollForward(e.clock.Now())

	from := instance.Status
	next := instance.CurrentStep + 1

	if from == models.CadenceActive {
		if _, err := e.queue.CancelByInstance(ctx, instance.ID); err != nil {
			return fmt.Errorf("failed to cancel pending steps: %w", err)
		}

		next = instance.CurrentStep
	}

	if err := e.scheduler.scheduleStep(ctx, instance, template, next, from, &dueAt); err != nil {
		return err
	}

	e.recorder.After(ctx, &models.LogEntry{
		Engine:       models.EngineCadence,
		InstanceID:   instance.ID,
		DefinitionID: instance.CadenceID,
		CardID:       instance.CardID,
		Event:        models.LogResumed,
		Input:        map[string]any{"outcome": outcome, "from": string(from)},
		Output:       map[string]any{"step_index": instance.CurrentStep, "status": string(instance.Status)},
	})

	return nil
}

// ProcessTaskOutcome resumes every instance parked on the task. It returns the
// number of instances advanced; a task nobody waits for is not an error.
func (e *Engine) ProcessTaskOutcome(ctx context.Context, outcome TaskOutcome) (int, error) {
	waiting, err := e.instances.ByWaitingTask(ctx, outcome.TaskID)
	if err != nil {
		return 0, fmt.Errorf("failed to find instances waiting on task %s: %w", outcome.TaskID, err)
	}

	advanced := 0

	for _, instance := range waiting {
		template, err := e.cadences.Template(ctx, instance.CadenceID)
		if err != nil {
			return advanced, fmt.Errorf("failed to load cadence %s: %w", instance.CadenceID, err)
		}

		if e.isSuccess(outcome.Outcome) {
			instance.SuccessfulContacts++
		}

		err = e.scheduler.scheduleStep(ctx, instance, template, instance.CurrentStep+1, models.CadenceWaitingTask, nil)
		if persistence.IsInstanceChanged(err) {
			continue
		}

		if err != nil {
			return advanced, err
		}

		e.recorder.After(ctx, &models.LogEntry{
			Engine:       models.EngineCadence,
			InstanceID:   instance.ID,
			DefinitionID: instance.CadenceID,
			CardID:       instance.CardID,
			Event:        models.LogResumed,
			Input:        map[string]any{"task_id": outcome.TaskID, "outcome": outcome.Outcome},
			Output:       map[string]any{"step_index": instance.CurrentStep, "status": string(instance.Status)},
		})

		advanced++
	}

	return advanced, nil
}

// Sweep is the default invocation: recover stale claims, drain the entry
// queue, then drain due cadence rows, all within the processing budget.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	if e.cfg.Queue.ProcessingBudget > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, e.cfg.Queue.ProcessingBudget)
		defer cancel()
	}

	staleBefore := e.clock.Now().Add(-e.cfg.Queue.StaleClaimAfter)

	requeued, err := e.queue.RequeueStale(ctx, staleBefore)
	if err != nil {
		return result, fmt.Errorf("failed to requeue stale cadence rows: %w", err)
	}

	entries, err := e.entries.RequeueStale(ctx, staleBefore)
	if err != nil {
		return result, fmt.Errorf("failed to requeue stale entry rows: %w", err)
	}

	result.Requeued = requeued + entries

	if result.Entry, err = e.entry.ProcessEntryQueue(ctx, e.cfg.Queue.EntryBatchSize); err != nil {
		return result, err
	}

	if result.Queue, err = e.processor.ProcessQueue(ctx, e.cfg.Queue.BatchSize); err != nil {
		return result, err
	}

	e.logger.InfoContext(ctx, "cadence sweep finished",
		"requeued", result.Requeued,
		"entry_started", result.Entry.Started,
		"processed", result.Queue.Processed,
		"failed", result.Queue.Failed,
		"skipped", result.Queue.Skipped)

	return result, nil
}

func (e *Engine) isSuccess(outcome string) bool {
	return outcome != "" && slices.Contains(e.cfg.Cadence.SuccessOutcomes, outcome)
}

// IsNotFound reports whether err means the addressed cadence, instance or
// trigger does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, persistence.ErrCadenceNotFound) ||
		errors.Is(err, persistence.ErrCadenceInstanceNotFound) ||
		errors.Is(err, persistence.ErrEntryTriggerNotFound)
}
