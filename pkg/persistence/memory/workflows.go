package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/persistence"
)

type workflowRepo struct{ s *Store }

func (r workflowRepo) Save(ctx context.Context, workflow *models.Workflow) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.clock.Now().UTC()

	if workflow.ID == "" {
		workflow.ID = newID()
	}

	if existing, ok := r.s.workflows[workflow.ID]; ok {
		workflow.CreatedAt = existing.CreatedAt
	} else if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now
	r.s.workflows[workflow.ID] = clone(workflow)

	return nil
}

func (r workflowRepo) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	workflow, ok := r.s.workflows[id]
	if !ok {
		return nil, persistence.ErrWorkflowNotFound
	}

	return clone(workflow), nil
}

func (r workflowRepo) ActiveByTrigger(ctx context.Context, triggerType models.CardEventType) ([]*models.Workflow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	workflows := make([]*models.Workflow, 0)

	for _, workflow := range r.s.workflows {
		if workflow.Active && !workflow.Draft && workflow.TriggerType == triggerType {
			workflows = append(workflows, clone(workflow))
		}
	}

	slices.SortFunc(workflows, func(a, b *models.Workflow) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return workflows, nil
}

type workflowInstanceRepo struct{ s *Store }

func (r workflowInstanceRepo) Create(ctx context.Context, instance *models.WorkflowInstance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if !instance.DryRun {
		for _, existing := range r.s.workflowInstances {
			if existing.WorkflowID == instance.WorkflowID && existing.CardID == instance.CardID &&
				!existing.DryRun && !existing.Status.IsTerminal() {
				return persistence.NewDuplicateInstanceError("Create", instance.WorkflowID, instance.CardID)
			}
		}
	}

	now := r.s.clock.Now().UTC()

	if instance.ID == "" {
		instance.ID = newID()
	}

	if instance.StartedAt.IsZero() {
		instance.StartedAt = now
	}

	instance.UpdatedAt = now
	r.s.workflowInstances[instance.ID] = clone(instance)

	return nil
}

func (r workflowInstanceRepo) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	instance, ok := r.s.workflowInstances[id]
	if !ok {
		return nil, persistence.NewInstanceError("GetByID", id, persistence.ErrInstanceNotFound)
	}

	return clone(instance), nil
}

func (r workflowInstanceRepo) Update(ctx context.Context, instance *models.WorkflowInstance, from models.InstanceStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored, ok := r.s.workflowInstances[instance.ID]
	if !ok {
		return persistence.NewInstanceError("Update", instance.ID, persistence.ErrInstanceNotFound)
	}

	if stored.Status != from {
		return persistence.NewInstanceError("Update", instance.ID, persistence.ErrInstanceChanged)
	}

	instance.UpdatedAt = r.s.clock.Now().UTC()
	r.s.workflowInstances[instance.ID] = clone(instance)

	return nil
}

func (r workflowInstanceRepo) Transition(ctx context.Context, id string, from, to models.InstanceStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	instance, ok := r.s.workflowInstances[id]
	if !ok {
		return false, persistence.NewInstanceError("Transition", id, persistence.ErrInstanceNotFound)
	}

	if instance.Status != from {
		return false, nil
	}

	instance.Status = to
	instance.UpdatedAt = r.s.clock.Now().UTC()

	return true, nil
}

func (r workflowInstanceRepo) Waiting(ctx context.Context, cardID string, waitingFor models.WaitKind) ([]*models.WorkflowInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	instances := make([]*models.WorkflowInstance, 0)

	for _, instance := range r.s.workflowInstances {
		if instance.CardID == cardID && instance.Status == models.InstanceWaiting && instance.WaitingFor == waitingFor {
			instances = append(instances, clone(instance))
		}
	}

	slices.SortFunc(instances, func(a, b *models.WorkflowInstance) int {
		return a.StartedAt.Compare(b.StartedAt)
	})

	return instances, nil
}

type workflowQueueRepo struct{ s *Store }

const workflowQueueName = "workflow"

func (r workflowQueueRepo) Enqueue(ctx context.Context, item *models.WorkflowQueueItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.clock.Now().UTC()

	if item.ID == "" {
		item.ID = newID()
	}

	if item.Status == "" {
		item.Status = models.QueuePending
	}

	item.CreatedAt = now
	item.UpdatedAt = now
	r.s.workflowQueue[item.ID] = clone(item)

	return nil
}

func (r workflowQueueRepo) Due(ctx context.Context, now time.Time, limit int) ([]*models.WorkflowQueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	due := make([]*models.WorkflowQueueItem, 0)

	for _, item := range r.s.workflowQueue {
		if item.Status == models.QueuePending && !item.ExecuteAt.After(now) {
			due = append(due, clone(item))
		}
	}

	slices.SortFunc(due, func(a, b *models.WorkflowQueueItem) int {
		return cmp.Or(
			cmp.Compare(a.Priority, b.Priority),
			a.ExecuteAt.Compare(b.ExecuteAt),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (r workflowQueueRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	item, ok := r.s.workflowQueue[id]
	if !ok {
		return false, persistence.NewQueueError("Claim", workflowQueueName, id, persistence.ErrQueueItemNotFound)
	}

	if item.Status != models.QueuePending {
		return false, nil
	}

	claimedAt := now.UTC()
	item.Status = models.QueueProcessing
	item.Attempts++
	item.ClaimedAt = &claimedAt
	item.UpdatedAt = claimedAt

	return true, nil
}

func (r workflowQueueRepo) claimed(op, id string) (*models.WorkflowQueueItem, error) {
	item, ok := r.s.workflowQueue[id]
	if !ok {
		return nil, persistence.NewQueueError(op, workflowQueueName, id, persistence.ErrQueueItemNotFound)
	}

	if item.Status != models.QueueProcessing {
		return nil, persistence.NewQueueError(op, workflowQueueName, id, persistence.ErrNotClaimed)
	}

	item.UpdatedAt = r.s.clock.Now().UTC()

	return item, nil
}

func (r workflowQueueRepo) Complete(ctx context.Context, id string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	item, err := r.claimed("Complete", id)
	if err != nil {
		return err
	}

	item.Status = models.QueueCompleted

	return nil
}

func (r workflowQueueRepo) Retry(ctx context.Context, id, nodeID string, nextAt time.Time, lastErr string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	item, err := r.claimed("Retry", id)
	if err != nil {
		return err
	}

	if nodeID != "" {
		item.NodeID = nodeID
	}

	item.Status = models.QueuePending
	item.ExecuteAt = nextAt.UTC()
	item.LastError = lastErr
	item.ClaimedAt = nil

	return nil
}

func (r workflowQueueRepo) Fail(ctx context.Context, id, lastErr string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	item, err := r.claimed("Fail", id)
	if err != nil {
		return err
	}

	item.Status = models.QueueFailed
	item.LastError = lastErr

	return nil
}

func (r workflowQueueRepo) DeadLetter(ctx context.Context, id, lastErr string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	item, err := r.claimed("DeadLetter", id)
	if err != nil {
		return err
	}

	item.Status = models.QueueFailed
	item.LastError = lastErr

	r.s.deadLetters = append(r.s.deadLetters, &models.DeadLetter{
		ID:         newID(),
		Queue:      models.QueueKindWorkflow,
		ItemID:     item.ID,
		InstanceID: item.InstanceID,
		CardID:     item.CardID,
		Attempts:   item.Attempts,
		Error:      lastErr,
		Payload:    map[string]any{"node_id": item.NodeID, "payload": item.Payload},
		CreatedAt:  item.UpdatedAt,
	})

	return nil
}

func (r workflowQueueRepo) CancelByInstance(ctx context.Context, instanceID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	count := 0

	for _, item := range r.s.workflowQueue {
		if item.InstanceID == instanceID && item.Status == models.QueuePending {
			item.Status = models.QueueCancelled
			item.UpdatedAt = r.s.clock.Now().UTC()
			count++
		}
	}

	return count, nil
}

func (r workflowQueueRepo) RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	count := 0

	for _, item := range r.s.workflowQueue {
		if item.Status == models.QueueProcessing && item.ClaimedAt != nil && item.ClaimedAt.Before(claimedBefore) {
			item.Status = models.QueuePending
			item.ClaimedAt = nil
			item.UpdatedAt = r.s.clock.Now().UTC()
			count++
		}
	}

	return count, nil
}

func (r workflowQueueRepo) ByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowQueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	items := make([]*models.WorkflowQueueItem, 0)

	for _, item := range r.s.workflowQueue {
		if item.InstanceID == instanceID {
			items = append(items, clone(item))
		}
	}

	slices.SortFunc(items, func(a, b *models.WorkflowQueueItem) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	return items, nil
}
