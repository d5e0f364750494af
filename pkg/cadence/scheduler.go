package cadence

import (
	"context"
	"fmt"
	"time"

	"github.com/cardops/cardflow/pkg/audit"
	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/persistence"
	"github.com/jonboulle/clockwork"
)

// scheduler owns the instance-side writes shared by the processor and the engine.
type scheduler struct {
	instances   persistence.CadenceInstanceRepository
	queue       persistence.CadenceQueueRepository
	resolver    *Resolver
	recorder    *audit.Recorder
	maxAttempts int
	clock       clockwork.Clock
}

// scheduleStep enqueues the step at index and points the instance at it. The
// row is written before the instance so a crash in between leaves a stale row,
// never a lost step. A nil dueAt resolves the step's own delay from now.
func (s *scheduler) scheduleStep(ctx context.Context, instance *models.CadenceInstance, template *models.CadenceTemplate, index int, from models.CadenceStatus, dueAt *time.Time) error {
	step, next, done := s.resolver.Next(template, index-1)
	if done {
		return s.complete(ctx, instance, from)
	}

	due := s.resolver.DueAt(template, step, s.clock.Now())
	if dueAt != nil {
		due = *dueAt
	}

	item := &models.CadenceQueueItem{
		InstanceID:  instance.ID,
		CadenceID:   instance.CadenceID,
		CardID:      instance.CardID,
		StepIndex:   next,
		StepKey:     step.Key,
		DueAt:       due,
		MaxAttempts: s.maxAttempts,
	}

	if err := s.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("failed to enqueue step %s: %w", step.Key, err)
	}

	instance.CurrentStep = next
	instance.Status = models.CadenceActive
	instance.WaitingTaskID = ""

	if err := s.instances.Update(ctx, instance, from); err != nil {
		return fmt.Errorf("failed to advance instance to step %d: %w", next, err)
	}

	return nil
}

func (s *scheduler) complete(ctx context.Context, instance *models.CadenceInstance, from models.CadenceStatus) error {
	now := s.clock.Now().UTC()

	instance.Status = models.CadenceCompleted
	instance.WaitingTaskID = ""
	instance.CompletedAt = &now

	if err := s.instances.Update(ctx, instance, from); err != nil {
		return fmt.Errorf("failed to complete instance: %w", err)
	}

	s.recorder.After(ctx, &models.LogEntry{
		Engine:       models.EngineCadence,
		InstanceID:   instance.ID,
		DefinitionID: instance.CadenceID,
		CardID:       instance.CardID,
		Event:        models.LogCompleted,
		Output: map[string]any{
			"result":                   instance.Result,
			"total_contacts_attempted": instance.TotalContacts,
			"successful_contacts":      instance.SuccessfulContacts,
		},
	})

	return nil
}

// fail marks the instance failed and cancels its pending rows.
func (s *scheduler) fail(ctx context.Context, instance *models.CadenceInstance, cause error) error {
	from := instance.Status
	now := s.clock.Now().UTC()

	instance.Status = models.CadenceFailed
	instance.ErrorMessage = cause.Error()
	instance.CompletedAt = &now

	if err := s.instances.Update(ctx, instance, from); err != nil {
		return fmt.Errorf("failed to mark instance failed: %w", err)
	}

	if _, err := s.queue.CancelByInstance(ctx, instance.ID); err != nil {
		return fmt.Errorf("failed to cancel pending steps: %w", err)
	}

	s.recorder.After(ctx, &models.LogEntry{
		Engine:       models.EngineCadence,
		InstanceID:   instance.ID,
		DefinitionID: instance.CadenceID,
		CardID:       instance.CardID,
		Event:        models.LogFailed,
		Error:        cause.Error(),
	})

	return nil
}
