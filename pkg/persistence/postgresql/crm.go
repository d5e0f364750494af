package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cardops/cardflow/pkg/crm"
	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/persistence/sqlbase"
)

// CRM reads and writes the cards and tasks tables on the engine's database.
type CRM struct{ p *Persistence }

var (
	_ crm.Cards = CRM{}
	_ crm.Tasks = CRM{}
)

func (p *Persistence) CRM() CRM {
	return CRM{p}
}

const taskColumns = `id, card_id, type, title, description, priority, assignee_id, due_at, status, outcome,
	idempotency_key, created_at, completed_at`

// UpsertCard inserts or replaces a card snapshot.
func (c CRM) UpsertCard(ctx context.Context, card *models.Card) error {
	card.UpdatedAt = c.p.now()

	fields := card.Fields
	if fields == nil {
		fields = map[string]any{}
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode card fields: %w", err)
	}

	_, err = c.p.db.ExecContext(ctx, `
		INSERT INTO cards (id, title, pipeline_id, stage_id, owner_id, fields, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			pipeline_id = EXCLUDED.pipeline_id,
			stage_id = EXCLUDED.stage_id,
			owner_id = EXCLUDED.owner_id,
			fields = EXCLUDED.fields,
			updated_at = EXCLUDED.updated_at`,
		card.ID, card.Title, card.PipelineID, card.StageID, nullString(card.OwnerID), fieldsJSON, card.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert card: %w", err)
	}

	return nil
}

func (c CRM) Card(ctx context.Context, id string) (*models.Card, error) {
	var (
		card    models.Card
		ownerID sql.NullString
		fields  []byte
	)

	err := c.p.db.QueryRowContext(ctx, `
		SELECT id, title, pipeline_id, stage_id, owner_id, fields, updated_at FROM cards WHERE id = $1`, id,
	).Scan(&card.ID, &card.Title, &card.PipelineID, &card.StageID, &ownerID, &fields, &card.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", crm.ErrCardNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get card: %w", err)
	}

	if err := fromJSON(fields, &card.Fields); err != nil {
		return nil, err
	}

	card.OwnerID = ownerID.String
	card.UpdatedAt = card.UpdatedAt.UTC()

	return &card, nil
}

func (c CRM) MoveCard(ctx context.Context, cardID, stageID string) error {
	count, err := affected(c.p.db.ExecContext(ctx,
		"UPDATE cards SET stage_id = $2, updated_at = $3 WHERE id = $1", cardID, stageID, c.p.now()))
	if err != nil {
		return fmt.Errorf("failed to move card: %w", err)
	}

	if count == 0 {
		return fmt.Errorf("%w: %s", crm.ErrCardNotFound, cardID)
	}

	return nil
}

func (c CRM) UpdateField(ctx context.Context, cardID, field string, value any) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode field value: %w", err)
	}

	count, err := affected(c.p.db.ExecContext(ctx, `
		UPDATE cards SET fields = jsonb_set(COALESCE(fields, '{}'::jsonb), ARRAY[$2::text], $3::jsonb, true), updated_at = $4
		WHERE id = $1`, cardID, field, string(valueJSON), c.p.now()))
	if err != nil {
		return fmt.Errorf("failed to update card field: %w", err)
	}

	if count == 0 {
		return fmt.Errorf("%w: %s", crm.ErrCardNotFound, cardID)
	}

	return nil
}

// CreateTask inserts the task unless its idempotency key already exists, in
// which case the task created first is returned.
func (c CRM) CreateTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}

	status := task.Status
	if status == "" {
		status = models.TaskStatusOpen
	}

	row := c.p.db.QueryRowContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+taskColumns,
		id, task.CardID, task.Type, task.Title, nullString(task.Description), task.Priority,
		nullString(task.AssigneeID), task.DueAt.UTC(), status, nullString(task.Outcome),
		nullString(task.IdempotencyKey), c.p.now(), nullTime(task.CompletedAt),
	)

	created, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) && task.IdempotencyKey != "" {
		return c.taskBy(ctx, "idempotency_key", task.IdempotencyKey)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	return created, nil
}

func (c CRM) Task(ctx context.Context, id string) (*models.Task, error) {
	return c.taskBy(ctx, "id", id)
}

func (c CRM) OpenTaskOfType(ctx context.Context, cardID, taskType string) (*models.Task, error) {
	row := c.p.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE card_id = $1 AND type = $2 AND status = 'open'
		ORDER BY created_at, id
		LIMIT 1`, cardID, taskType)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get open task: %w", err)
	}

	return task, nil
}

// CompleteTask closes a task with an outcome.
func (c CRM) CompleteTask(ctx context.Context, id, outcome string) error {
	now := c.p.now()

	count, err := affected(c.p.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'done', outcome = $2, completed_at = $3 WHERE id = $1`, id, outcome, now))
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}

	if count == 0 {
		return fmt.Errorf("%w: %s", crm.ErrTaskNotFound, id)
	}

	return nil
}

// taskBy loads one task by a unique column. column is always a constant.
func (c CRM) taskBy(ctx context.Context, column, value string) (*models.Task, error) {
	row := c.p.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE "+column+" = $1", value)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", crm.ErrTaskNotFound, value)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

func scanTask(row sqlbase.Scanner) (*models.Task, error) {
	var (
		task                                         models.Task
		description, assigneeID, outcome, keyColumn sql.NullString
		completedAt                                  sql.NullTime
	)

	err := row.Scan(
		&task.ID, &task.CardID, &task.Type, &task.Title, &description, &task.Priority, &assigneeID,
		&task.DueAt, &task.Status, &outcome, &keyColumn, &task.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Description = description.String
	task.AssigneeID = assigneeID.String
	task.Outcome = outcome.String
	task.IdempotencyKey = keyColumn.String
	task.CompletedAt = timePtr(completedAt)
	task.DueAt = task.DueAt.UTC()
	task.CreatedAt = task.CreatedAt.UTC()

	return &task, nil
}
