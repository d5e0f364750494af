// Package persistence provides the storage contracts of the automation engine.
//
// Queue repositories implement claiming as a single conditional transition from
// pending to processing. Claim returns false when another processor won the row.
package persistence

import (
	"context"
	"time"

	"github.com/cardops/cardflow/pkg/models"
)

type Persistence interface {
	Workflows() WorkflowRepository
	WorkflowInstances() WorkflowInstanceRepository
	WorkflowQueue() WorkflowQueueRepository
	Cadences() CadenceRepository
	CadenceInstances() CadenceInstanceRepository
	CadenceQueue() CadenceQueueRepository
	EntryQueue() EntryQueueRepository
	Audit() AuditRepository
	DeadLetters() DeadLetterRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

type WorkflowRepository interface {
	// Save replaces the workflow and its whole graph atomically.
	Save(ctx context.Context, workflow *models.Workflow) error
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	ActiveByTrigger(ctx context.Context, triggerType models.CardEventType) ([]*models.Workflow, error)
}

type WorkflowInstanceRepository interface {
	// Create fails with ErrActiveInstanceExists when the card already has a
	// non-terminal, non-dry-run instance of the same workflow.
	Create(ctx context.Context, instance *models.WorkflowInstance) error
	GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error)
	// Update writes the instance only while its stored status is still from,
	// otherwise it returns ErrInstanceChanged.
	Update(ctx context.Context, instance *models.WorkflowInstance, from models.InstanceStatus) error
	// Transition moves the instance from one status to another only if it is
	// still in from. It reports whether the row changed.
	Transition(ctx context.Context, id string, from, to models.InstanceStatus) (bool, error)
	Waiting(ctx context.Context, cardID string, waitingFor models.WaitKind) ([]*models.WorkflowInstance, error)
}

type WorkflowQueueRepository interface {
	Enqueue(ctx context.Context, item *models.WorkflowQueueItem) error
	// Due lists pending rows with execute_at <= now by (priority, execute_at).
	Due(ctx context.Context, now time.Time, limit int) ([]*models.WorkflowQueueItem, error)
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	Complete(ctx context.Context, id string, now time.Time) error
	// Retry returns a claimed row to pending, optionally pointing it at another node.
	Retry(ctx context.Context, id, nodeID string, nextAt time.Time, lastErr string) error
	Fail(ctx context.Context, id, lastErr string) error
	DeadLetter(ctx context.Context, id, lastErr string) error
	CancelByInstance(ctx context.Context, instanceID string) (int, error)
	RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error)
	ByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowQueueItem, error)
}

type CadenceRepository interface {
	SaveTemplate(ctx context.Context, template *models.CadenceTemplate) error
	Template(ctx context.Context, id string) (*models.CadenceTemplate, error)
	SaveEntryTrigger(ctx context.Context, trigger *models.EntryTrigger) error
	EntryTrigger(ctx context.Context, id string) (*models.EntryTrigger, error)
	ActiveEntryTriggers(ctx context.Context, stageID string) ([]*models.EntryTrigger, error)
}

type CadenceInstanceRepository interface {
	// Create fails with ErrActiveInstanceExists when the card already runs the cadence.
	Create(ctx context.Context, instance *models.CadenceInstance) error
	GetByID(ctx context.Context, id string) (*models.CadenceInstance, error)
	// Update writes the instance only while its stored status is still from.
	Update(ctx context.Context, instance *models.CadenceInstance, from models.CadenceStatus) error
	Transition(ctx context.Context, id string, from, to models.CadenceStatus) (bool, error)
	ActiveByCard(ctx context.Context, cardID, cadenceID string) (*models.CadenceInstance, error)
	ByWaitingTask(ctx context.Context, taskID string) ([]*models.CadenceInstance, error)
}

type CadenceQueueRepository interface {
	Enqueue(ctx context.Context, item *models.CadenceQueueItem) error
	// Due lists pending rows with due_at <= now by due_at.
	Due(ctx context.Context, now time.Time, limit int) ([]*models.CadenceQueueItem, error)
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	Complete(ctx context.Context, id string, now time.Time) error
	Retry(ctx context.Context, id string, nextAt time.Time, lastErr string) error
	Fail(ctx context.Context, id, lastErr string) error
	DeadLetter(ctx context.Context, id, lastErr string) error
	CancelByInstance(ctx context.Context, instanceID string) (int, error)
	RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error)
	ByInstance(ctx context.Context, instanceID string) ([]*models.CadenceQueueItem, error)
}

type EntryQueueRepository interface {
	Enqueue(ctx context.Context, item *models.EntryQueueItem) error
	// Due lists pending rows with execute_at <= now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]*models.EntryQueueItem, error)
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	// Resolve records the terminal status of a claimed row.
	Resolve(ctx context.Context, id string, status models.EntryStatus, reason string, now time.Time) error
	Retry(ctx context.Context, id string, nextAt time.Time, lastErr string) error
	RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error)
	GetByID(ctx context.Context, id string) (*models.EntryQueueItem, error)
}

type AuditRepository interface {
	Append(ctx context.Context, entry *models.LogEntry) error
	ByInstance(ctx context.Context, instanceID string) ([]*models.LogEntry, error)
}

type DeadLetterRepository interface {
	List(ctx context.Context, queue models.QueueKind, limit int) ([]*models.DeadLetter, error)
}
