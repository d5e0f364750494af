// Package cadence runs fixed, ordered sequences of outreach steps against cards.
//
// The Engine is the entry point. Its Processor drains the cadence queue, its
// EntryProcessor turns entry-trigger matches into new instances, and both rely
// on the Resolver to decide what a due step does.
package cadence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cardops/cardflow/pkg/audit"
	"github.com/cardops/cardflow/pkg/businesshours"
	"github.com/cardops/cardflow/pkg/config"
	"github.com/cardops/cardflow/pkg/crm"
	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/retry"
	"github.com/jonboulle/clockwork"
)

var (
	ErrPrerequisiteUnresolvable = errors.New("prerequisite task cannot be resolved")
	ErrStepOutOfRange           = errors.New("step index outside template")
	ErrCadenceInactive          = errors.New("cadence template is inactive")
	ErrEmptyTemplate            = errors.New("cadence template has no steps")
	ErrInstanceNotActive        = errors.New("cadence instance is not active")
)

type StepAction int

const (
	// StepAdvance means the step ran and the next step should be scheduled.
	StepAdvance StepAction = iota
	// StepWaitTask parks the instance until the task's outcome arrives.
	StepWaitTask
	// StepRecheck re-checks an open prerequisite at RecheckAt.
	StepRecheck
	// StepComplete ends the cadence.
	StepComplete
)

type StepResult struct {
	Action    StepAction
	Task      *models.Task
	Created   bool
	RecheckAt time.Time
	Result    string
}

// Resolver computes the next step of a template and performs a due step.
type Resolver struct {
	calc     *businesshours.Calculator
	cards    crm.Cards
	tasks    crm.Tasks
	recorder *audit.Recorder
	clock    clockwork.Clock
	cfg      config.Cadence
}

func NewResolver(cfg config.Cadence, calc *businesshours.Calculator, cards crm.Cards, tasks crm.Tasks, recorder *audit.Recorder, clock clockwork.Clock) *Resolver {
	return &Resolver{
		calc:     calc,
		cards:    cards,
		tasks:    tasks,
		recorder: recorder,
		clock:    clock,
		cfg:      cfg,
	}
}

// Next returns the step after currentIndex, or done when the template is exhausted.
func (r *Resolver) Next(template *models.CadenceTemplate, currentIndex int) (models.CadenceStep, int, bool) {
	steps := template.OrderedSteps()

	next := currentIndex + 1
	if next < 0 || next >= len(steps) {
		return models.CadenceStep{}, next, true
	}

	return steps[next], next, false
}

// DueAt resolves when step should run, relative to now.
func (r *Resolver) DueAt(template *models.CadenceTemplate, step models.CadenceStep, now time.Time) time.Time {
	return r.calc.Resolve(template.StepDelay(step), now)
}

// Execute performs the step referenced by item. Errors wrapped with
// retry.Permanent fail the instance; others are retried.
func (r *Resolver) Execute(ctx context.Context, instance *models.CadenceInstance, template *models.CadenceTemplate, item *models.CadenceQueueItem) (StepResult, error) {
	steps := template.OrderedSteps()
	if item.StepIndex < 0 || item.StepIndex >= len(steps) {
		return StepResult{}, retry.Permanent(fmt.Errorf("%w: %d of %d", ErrStepOutOfRange, item.StepIndex, len(steps)))
	}

	step := steps[item.StepIndex]

	if step.RequiresPreviousCompleted && instance.LastTaskID != "" {
		pending, err := r.prerequisitePending(ctx, instance, item)
		if err != nil {
			return StepResult{}, err
		}

		if pending {
			return StepResult{
				Action:    StepRecheck,
				RecheckAt: r.calc.RollForward(r.clock.Now().Add(r.cfg.PrerequisiteRecheck)),
			}, nil
		}
	}

	switch step.Type {
	case models.CadenceStepEnd:
		return r.executeEnd(ctx, instance, step)
	case models.CadenceStepTask:
		return r.executeTask(ctx, instance, step)
	default:
		return StepResult{}, retry.Permanent(fmt.Errorf("unknown step type %q", step.Type))
	}
}

func (r *Resolver) prerequisitePending(ctx context.Context, instance *models.CadenceInstance, item *models.CadenceQueueItem) (bool, error) {
	task, err := r.tasks.Task(ctx, instance.LastTaskID)
	if errors.Is(err, crm.ErrTaskNotFound) {
		return false, retry.Permanent(fmt.Errorf("%w: task %s not found", ErrPrerequisiteUnresolvable, instance.LastTaskID))
	}

	if err != nil {
		return false, fmt.Errorf("failed to load prerequisite task: %w", err)
	}

	if !task.IsOpen() {
		return false, nil
	}

	if r.cfg.MaxPrerequisiteRechecks > 0 && item.Rechecks >= r.cfg.MaxPrerequisiteRechecks {
		return false, retry.Permanent(fmt.Errorf("%w: task %s still open after %d rechecks",
			ErrPrerequisiteUnresolvable, task.ID, item.Rechecks))
	}

	return true, nil
}

func (r *Resolver) executeEnd(ctx context.Context, instance *models.CadenceInstance, step models.CadenceStep) (StepResult, error) {
	result := StepResult{Action: StepComplete}

	if step.End == nil {
		return result, nil
	}

	result.Result = step.End.Result

	if step.End.MoveToStageID == "" {
		return result, nil
	}

	entry := r.entry(instance, step, models.LogActionStarted)
	entry.Input = map[string]any{"move_to_stage_id": step.End.MoveToStageID}

	if err := r.recorder.Before(ctx, entry); err != nil {
		return StepResult{}, err
	}

	start := r.clock.Now()

	if err := r.cards.MoveCard(ctx, instance.CardID, step.End.MoveToStageID); err != nil {
		return StepResult{}, classifyCRM(fmt.Errorf("failed to move card: %w", err))
	}

	after := r.entry(instance, step, models.LogActionExecuted)
	after.Output = map[string]any{"stage_id": step.End.MoveToStageID}
	after.DurationMS = r.clock.Since(start).Milliseconds()
	r.recorder.After(ctx, after)

	return result, nil
}

func (r *Resolver) executeTask(ctx context.Context, instance *models.CadenceInstance, step models.CadenceStep) (StepResult, error) {
	if step.Task == nil {
		return StepResult{}, retry.Permanent(fmt.Errorf("task step %s has no task", step.Key))
	}

	key := instance.ID + ":" + step.Key

	open, err := r.tasks.OpenTaskOfType(ctx, instance.CardID, step.Task.Type)
	if err != nil {
		return StepResult{}, fmt.Errorf("failed to look up open tasks: %w", err)
	}

	if open != nil && open.IdempotencyKey != key {
		return StepResult{Action: StepWaitTask, Task: open}, nil
	}

	card, err := r.cards.Card(ctx, instance.CardID)
	if err != nil {
		return StepResult{}, classifyCRM(fmt.Errorf("failed to load card: %w", err))
	}

	before := r.entry(instance, step, models.LogStepStarted)
	before.Input = map[string]any{"task_type": step.Task.Type, "title": step.Task.Title, "idempotency_key": key}

	if err := r.recorder.Before(ctx, before); err != nil {
		return StepResult{}, err
	}

	start := r.clock.Now()

	task, err := r.tasks.CreateTask(ctx, crm.NewTask(card, *step.Task, start, key, r.cfg.FallbackAssigneeID))
	if err != nil {
		return StepResult{}, classifyCRM(fmt.Errorf("failed to create task: %w", err))
	}

	after := r.entry(instance, step, models.LogTaskCreated)
	after.Output = map[string]any{"task_id": task.ID, "priority": string(task.Priority), "assignee_id": task.AssigneeID}
	after.DurationMS = r.clock.Since(start).Milliseconds()
	r.recorder.After(ctx, after)

	action := StepAdvance
	if step.Task.WaitForOutcome {
		action = StepWaitTask
	}

	return StepResult{Action: action, Task: task, Created: true}, nil
}

func (r *Resolver) entry(instance *models.CadenceInstance, step models.CadenceStep, event models.LogEvent) *models.LogEntry {
	return &models.LogEntry{
		Engine:       models.EngineCadence,
		InstanceID:   instance.ID,
		DefinitionID: instance.CadenceID,
		CardID:       instance.CardID,
		NodeID:       step.Key,
		Event:        event,
	}
}

// classifyCRM marks missing cards and tasks as permanent.
func classifyCRM(err error) error {
	if errors.Is(err, crm.ErrCardNotFound) || errors.Is(err, crm.ErrTaskNotFound) {
		return retry.Permanent(err)
	}

	return err
}
