package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/persistence"
)

type cadenceRepo struct{ s *Store }

func (r cadenceRepo) SaveTemplate(ctx context.Context, template *models.CadenceTemplate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.clock.Now().UTC()

	if template.ID == "" {
		template.ID = newID()
	}

	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}

	template.UpdatedAt = now
	r.s.templates[template.ID] = clone(template)

	return nil
}

func (r cadenceRepo) Template(ctx context.Context, id string) (*models.CadenceTemplate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	template, ok := r.s.templates[id]
	if !ok {
		return nil, persistence.ErrCadenceNotFound
	}

	return clone(template), nil
}

func (r cadenceRepo) SaveEntryTrigger(ctx context.Context, trigger *models.EntryTrigger) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if trigger.ID == "" {
		trigger.ID = newID()
	}

	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = r.s.clock.Now().UTC()
	}

	r.s.entryTriggers[trigger.ID] = clone(trigger)

	return nil
}

func (r cadenceRepo) EntryTrigger(ctx context.Context, id string) (*models.EntryTrigger, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	trigger, ok := r.s.entryTriggers[id]
	if !ok {
		return nil, persistence.ErrEntryTriggerNotFound
	}

	return clone(trigger), nil
}

func (r cadenceRepo) ActiveEntryTriggers(ctx context.Context, stageID string) ([]*models.EntryTrigger, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	triggers := make([]*models.EntryTrigger, 0)

	for _, trigger := range r.s.entryTriggers {
		if trigger.Active && trigger.StageID == stageID {
			triggers = append(triggers, clone(trigger))
		}
	}

	slices.SortFunc(triggers, func(a, b *models.EntryTrigger) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	return triggers, nil
}

type cadenceInstanceRepo struct{ s *Store }

func (r cadenceInstanceRepo) Create(ctx context.Context, instance *models.CadenceInstance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.cadenceInstances {
		if existing.CadenceID == instance.CadenceID && existing.CardID == instance.CardID && !existing.Status.IsTerminal() {
			return persistence.NewDuplicateInstanceError("Create", instance.CadenceID, instance.CardID)
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
	r.s.cadenceInstances[instance.ID] = clone(instance)

	return nil
}

func (r cadenceInstanceRepo) GetByID(ctx context.Context, id string) (*models.CadenceInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	instance, ok := r.s.cadenceInstances[id]
	if !ok {
		return nil, persistence.NewInstanceError("GetByID", id, persistence.ErrCadenceInstanceNotFound)
	}

	return clone(instance), nil
}

func (r cadenceInstanceRepo) Update(ctx context.Context, instance *models.CadenceInstance, from models.CadenceStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored, ok := r.s.cadenceInstances[instance.ID]
	if !ok {
		return persistence.NewInstanceError("Update", instance.ID, persistence.ErrCadenceInstanceNotFound)
	}

	if stored.Status != from {
		return persistence.NewInstanceError("Update", instance.ID, persistence.ErrInstanceChanged)
	}

	instance.UpdatedAt = r.s.clock.Now().UTC()
	r.s.cadenceInstances[instance.ID] = clone(instance)

	return nil
}

func (r cadenceInstanceRepo) Transition(ctx context.Context, id string, from, to models.CadenceStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	instance, ok := r.s.cadenceInstances[id]
	if !ok {
		return false, persistence.NewInstanceError("Transition", id, persistence.ErrCadenceInstanceNotFound)
	}

	if instance.Status != from {
		return false, nil
	}

	instance.Status = to
	instance.UpdatedAt = r.s.clock.Now().UTC()

	return true, nil
}

func (r cadenceInstanceRepo) ActiveByCard(ctx context.Context, cardID, cadenceID string) (*models.CadenceInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, instance := range r.s.cadenceInstances {
		if instance.CardID == cardID && instance.CadenceID == cadenceID && !instance.Status.IsTerminal() {
			return clone(instance), nil
		}
	}

	return nil, persistence.ErrCadenceInstanceNotFound
}

func (r cadenceInstanceRepo) ByWaitingTask(ctx context.Context, taskID string) ([]*models.CadenceInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	instances := make([]*models.CadenceInstance, 0)

	for _, instance := range r.s.cadenceInstances {
		if instance.Status == models.CadenceWaitingTask && instance.WaitingTaskID == taskID {
			instances = append(instances, clone(instance))
		}
	}

	return instances, nil
}

type cadenceQueueRepo struct{ s *Store }

const cadenceQueueName = "cadence"

func (r cadenceQueueRepo) Enqueue(ctx context.Context, item *models.CadenceQueueItem) error {
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
	r.s.cadenceQueue[item.ID] = clone(item)

	return nil
}

func (r cadenceQueueRepo) Due(ctx context.Context, now time.Time, limit int) ([]*models.CadenceQueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	due := make([]*models.CadenceQueueItem, 0)

	for _, item := range r.s.cadenceQueue {
		if item.Status == models.QueuePending && !item.DueAt.After(now) {
			due = append(due, clone(item))
		}
	}

	slices.SortFunc(due, func(a, b *models.CadenceQueueItem) int {
		return cmp.Or(a.DueAt.Compare(b.DueAt), a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (r cadenceQueueRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	item, ok := r.s.cadenceQueue[id]
	if !ok {
		return false, persistence.NewQueueError("Claim", cadenceQueueName, id, persistence.ErrQueueItemNotFound)
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

func (r cadenceQueueRepo) claimed(op, id string) (*models.CadenceQueueItem, error) {
	item, ok := r.s.cadenceQueue[id]
	if !ok {
		return nil, persistence.NewQueueError(op, cadenceQueueName, id, persistence.ErrQueueItemNotFound)
	}

	if item.Status != models.QueueProcessing {
		return nil, persistence.NewQueueError(op, cadenceQueueName, id, persistence.ErrNotClaimed)
	}

	item.UpdatedAt = r.s.clock.Now().UTC()

	return item, nil
}

func (r cadenceQueueRepo) Complete(ctx context.Context, id string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	item, err := r.claimed("Complete", id)
	if err != nil {
		return err
	}

	item.Status = models.QueueCompleted

	return nil
}

func (r cadenceQueueRepo) Retry(ctx context.Context, id string, nextAt time.Time, lastErr string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	item, err := r.claimed("Retry", id)
	if err != nil {
		return err
	}

	item.Status = models.QueuePending
	item.DueAt = nextAt.UTC()
	item.LastError = lastErr
	item.ClaimedAt = nil

	return nil
}

func (r cadenceQueueRepo) Fail(ctx context.Context, id, lastErr string) error {
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

func (r cadenceQueueRepo) DeadLetter(ctx context.Context, id, lastErr string) error {
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
		Queue:      models.QueueKindCadence,
		ItemID:     item.ID,
		InstanceID: item.InstanceID,
		CardID:     item.CardID,
		Attempts:   item.Attempts,
		Error:      lastErr,
		Payload:    map[string]any{"step_index": item.StepIndex, "step_key": item.StepKey},
		CreatedAt:  item.UpdatedAt,
	})

	return nil
}

func (r cadenceQueueRepo) CancelByInstance(ctx context.Context, instanceID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	count := 0

	for _, item := range r.s.cadenceQueue {
		if item.InstanceID == instanceID && item.Status == models.QueuePending {
			item.Status = models.QueueCancelled
			item.UpdatedAt = r.s.clock.Now().UTC()
			count++
		}
	}

	return count, nil
}

func (r cadenceQueueRepo) RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	count := 0

	for _, item := range r.s.cadenceQueue {
		if item.Status == models.QueueProcessing && item.ClaimedAt != nil && item.ClaimedAt.Before(claimedBefore) {
			item.Status = models.QueuePending
			item.ClaimedAt = nil
			item.UpdatedAt = r.s.clock.Now().UTC()
			count++
		}
	}

	return count, nil
}

func (r cadenceQueueRepo) ByInstance(ctx context.Context, instanceID string) ([]*models.CadenceQueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	items := make([]*models.CadenceQueueItem, 0)

	for _, item := range r.s.cadenceQueue {
		if item.InstanceID == instanceID {
			items = append(items, clone(item))
		}
	}

	slices.SortFunc(items, func(a, b *models.CadenceQueueItem) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	return items, nil
}

type entryQueueRepo struct{ s *Store }

func (r entryQueueRepo) Enqueue(ctx context.Context, item *models.EntryQueueItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if item.ID == "" {
		item.ID = newID()
	}

	if item.Status == "" {
		item.Status = models.EntryPending
	}

	item.CreatedAt = r.s.clock.Now().UTC()

	if item.ExecuteAt.IsZero() {
		item.ExecuteAt = item.CreatedAt
	}

	r.s.entryQueue[item.ID] = clone(item)

	return nil
}

func (r entryQueueRepo) Due(ctx context.Context, now time.Time, limit int) ([]*models.EntryQueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	due := make([]*models.EntryQueueItem, 0)

	for _, item := range r.s.entryQueue {
		if item.Status == models.EntryPending && !item.ExecuteAt.After(now) {
			due = append(due, clone(item))
		}
	}

	slices.SortFunc(due, func(a, b *models.EntryQueueItem) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (r entryQueueRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	item, ok := r.s.entryQueue[id]
	if !ok {
		return false, persistence.NewQueueError("Claim", "entry", id, persistence.ErrQueueItemNotFound)
	}

	if item.Status != models.EntryPending {
		return false, nil
	}

	claimedAt := now.UTC()
	item.Status = models.EntryProcessing
	item.Attempts++
	item.ClaimedAt = &claimedAt

	return true, nil
}

func (r entryQueueRepo) Resolve(ctx context.Context, id string, status models.EntryStatus, reason string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	item, ok := r.s.entryQueue[id]
	if !ok {
		return persistence.NewQueueError("Resolve", "entry", id, persistence.ErrQueueItemNotFound)
	}

	if item.Status != models.EntryProcessing {
		return persistence.NewQueueError("Resolve", "entry", id, persistence.ErrNotClaimed)
	}

	processedAt := now.UTC()
	item.Status = status
	item.Reason = reason
	item.ProcessedAt = &processedAt

	return nil
}

func (r entryQueueRepo) Retry(ctx context.Context, id string, nextAt time.Time, lastErr string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	item, ok := r.s.entryQueue[id]
	if !ok {
		return persistence.NewQueueError("Retry", "entry", id, persistence.ErrQueueItemNotFound)
	}

	if item.Status != models.EntryProcessing {
		return persistence.NewQueueError("Retry", "entry", id, persistence.ErrNotClaimed)
	}

	item.Status = models.EntryPending
	item.ExecuteAt = nextAt.UTC()
	item.LastError = lastErr
	item.ClaimedAt = nil

	return nil
}

func (r entryQueueRepo) RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	count := 0

	for _, item := range r.s.entryQueue {
		if item.Status == models.EntryProcessing && item.ClaimedAt != nil && item.ClaimedAt.Before(claimedBefore) {
			item.Status = models.EntryPending
			item.ClaimedAt = nil
			count++
		}
	}

	return count, nil
}

func (r entryQueueRepo) GetByID(ctx context.Context, id string) (*models.EntryQueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	item, ok := r.s.entryQueue[id]
	if !ok {
		return nil, persistence.NewQueueError("GetByID", "entry", id, persistence.ErrQueueItemNotFound)
	}

	return clone(item), nil
}
