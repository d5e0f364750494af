package memory

import (
	"context"
	"fmt"

	"github.com/cardops/cardflow/pkg/crm"
	"github.com/cardops/cardflow/pkg/models"
)

var (
	_ crm.Cards = (*Store)(nil)
	_ crm.Tasks = (*Store)(nil)
)

// PutCard inserts or replaces a card.
func (s *Store) PutCard(card *models.Card) {
	s.mu.Lock()
	defer s.mu.Unlock()

	card.UpdatedAt = s.clock.Now().UTC()
	s.cards[card.ID] = clone(card)
}

func (s *Store) Card(ctx context.Context, id string) (*models.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	card, ok := s.cards[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", crm.ErrCardNotFound, id)
	}

	return clone(card), nil
}

func (s *Store) MoveCard(ctx context.Context, cardID, stageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	card, ok := s.cards[cardID]
	if !ok {
		return fmt.Errorf("%w: %s", crm.ErrCardNotFound, cardID)
	}

	card.StageID = stageID
	card.UpdatedAt = s.clock.Now().UTC()

	return nil
}

func (s *Store) UpdateField(ctx context.Context, cardID, field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	card, ok := s.cards[cardID]
	if !ok {
		return fmt.Errorf("%w: %s", crm.ErrCardNotFound, cardID)
	}

	if card.Fields == nil {
		card.Fields = make(map[string]any)
	}

	card.Fields[field] = value
	card.UpdatedAt = s.clock.Now().UTC()

	return nil
}

func (s *Store) CreateTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.IdempotencyKey != "" {
		if id, ok := s.taskByKey[task.IdempotencyKey]; ok {
			return clone(s.tasks[id]), nil
		}
	}

	created := clone(task)
	created.ID = newID()
	created.CreatedAt = s.clock.Now().UTC()

	if created.Status == "" {
		created.Status = models.TaskStatusOpen
	}

	s.tasks[created.ID] = created

	if created.IdempotencyKey != "" {
		s.taskByKey[created.IdempotencyKey] = created.ID
	}

	return clone(created), nil
}

func (s *Store) Task(ctx context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", crm.ErrTaskNotFound, id)
	}

	return clone(task), nil
}

func (s *Store) OpenTaskOfType(ctx context.Context, cardID, taskType string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *models.Task

	for _, task := range s.tasks {
		if task.CardID != cardID || task.Type != taskType || !task.IsOpen() {
			continue
		}

		if found == nil || task.CreatedAt.Before(found.CreatedAt) {
			found = task
		}
	}

	return clone(found), nil
}

// CompleteTask closes a task with an outcome.
func (s *Store) CompleteTask(ctx context.Context, id, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", crm.ErrTaskNotFound, id)
	}

	completedAt := s.clock.Now().UTC()
	task.Status = models.TaskStatusDone
	task.Outcome = outcome
	task.CompletedAt = &completedAt

	return nil
}

// Tasks lists every task of a card in creation order.
func (s *Store) Tasks(cardID string) []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*models.Task, 0)

	for _, task := range s.tasks {
		if task.CardID == cardID {
			tasks = append(tasks, clone(task))
		}
	}

	sortTasks(tasks)

	return tasks
}
