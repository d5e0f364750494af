package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/persistence"
	"github.com/cardops/cardflow/pkg/persistence/sqlbase"
)

type workflowInstanceRepo struct{ p *Persistence }

const workflowInstanceColumns = `id, workflow_id, card_id, current_node_id, status, waiting_for, waiting_task_id,
	waiting_field, wait_stage_id, resume_at, context, dry_run, error_message, started_at, completed_at, updated_at`

func (r workflowInstanceRepo) Create(ctx context.Context, instance *models.WorkflowInstance) error {
	now := r.p.now()

	if instance.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		instance.ID = id
	}

	if instance.StartedAt.IsZero() {
		instance.StartedAt = now
	}

	instance.UpdatedAt = now

	contextJSON, err := toJSON(instance.Context)
	if err != nil {
		return err
	}

	_, err = r.p.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (`+workflowInstanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		instance.ID, instance.WorkflowID, instance.CardID, instance.CurrentNodeID, instance.Status,
		nullString(string(instance.WaitingFor)), nullString(instance.WaitingTaskID), nullString(instance.WaitingField),
		nullString(instance.WaitStageID), nullTime(instance.ResumeAt), contextJSON, instance.DryRun,
		nullString(instance.ErrorMessage), instance.StartedAt, nullTime(instance.CompletedAt), instance.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return persistence.NewDuplicateInstanceError("Create", instance.WorkflowID, instance.CardID)
	}

	if err != nil {
		return persistence.NewInstanceError("Create", instance.ID, err)
	}

	return nil
}

func (r workflowInstanceRepo) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	row := r.p.db.QueryRowContext(ctx, "SELECT "+workflowInstanceColumns+" FROM workflow_instances WHERE id = $1", id)

	instance, err := scanWorkflowInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewInstanceError("GetByID", id, persistence.ErrInstanceNotFound)
	}

	if err != nil {
		return nil, persistence.NewInstanceError("GetByID", id, err)
	}

	return instance, nil
}

func (r workflowInstanceRepo) Update(ctx context.Context, instance *models.WorkflowInstance, from models.InstanceStatus) error {
	updatedAt := r.p.now()

	contextJSON, err := toJSON(instance.Context)
	if err != nil {
		return err
	}

	count, err := affected(r.p.db.ExecContext(ctx, `
		UPDATE workflow_instances SET
			current_node_id = $3, status = $4, waiting_for = $5, waiting_task_id = $6, waiting_field = $7,
			wait_stage_id = $8, resume_at = $9, context = $10, error_message = $11, completed_at = $12, updated_at = $13
		WHERE id = $1 AND status = $2`,
		instance.ID, from, instance.CurrentNodeID, instance.Status,
		nullString(string(instance.WaitingFor)), nullString(instance.WaitingTaskID), nullString(instance.WaitingField),
		nullString(instance.WaitStageID), nullTime(instance.ResumeAt), contextJSON,
		nullString(instance.ErrorMessage), nullTime(instance.CompletedAt), updatedAt,
	))
	if err != nil {
		return persistence.NewInstanceError("Update", instance.ID, err)
	}

	if count == 0 {
		return r.p.missingOrChanged(ctx, "workflow_instances", "Update", instance.ID, persistence.ErrInstanceNotFound)
	}

	instance.UpdatedAt = updatedAt

	return nil
}

func (r workflowInstanceRepo) Transition(ctx context.Context, id string, from, to models.InstanceStatus) (bool, error) {
	return r.p.transition(ctx, "workflow_instances", id, string(from), string(to), persistence.ErrInstanceNotFound)
}

func (r workflowInstanceRepo) Waiting(ctx context.Context, cardID string, waitingFor models.WaitKind) ([]*models.WorkflowInstance, error) {
	rows, err := r.p.db.QueryContext(ctx, `
		SELECT `+workflowInstanceColumns+` FROM workflow_instances
		WHERE card_id = $1 AND status = 'waiting' AND waiting_for = $2
		ORDER BY started_at, id`, cardID, waitingFor)
	if err != nil {
		return nil, fmt.Errorf("failed to query waiting instances: %w", err)
	}
	defer r.p.closeRows(ctx, rows)

	instances := make([]*models.WorkflowInstance, 0)

	for rows.Next() {
		instance, err := scanWorkflowInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow instance: %w", err)
		}

		instances = append(instances, instance)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflow instances: %w", err)
	}

	return instances, nil
}

func scanWorkflowInstance(row sqlbase.Scanner) (*models.WorkflowInstance, error) {
	var (
		instance                                models.WorkflowInstance
		waitingFor, waitingTaskID, waitingField sql.NullString
		waitStageID, errorMessage               sql.NullString
		resumeAt, completedAt                   sql.NullTime
		contextJSON                             []byte
	)

	err := row.Scan(
		&instance.ID, &instance.WorkflowID, &instance.CardID, &instance.CurrentNodeID, &instance.Status,
		&waitingFor, &waitingTaskID, &waitingField, &waitStageID, &resumeAt, &contextJSON, &instance.DryRun,
		&errorMessage, &instance.StartedAt, &completedAt, &instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := fromJSON(contextJSON, &instance.Context); err != nil {
		return nil, err
	}

	if instance.Context == nil {
		instance.Context = make(map[string]any)
	}

	instance.WaitingFor = models.WaitKind(waitingFor.String)
	instance.WaitingTaskID = waitingTaskID.String
	instance.WaitingField = waitingField.String
	instance.WaitStageID = waitStageID.String
	instance.ErrorMessage = errorMessage.String
	instance.ResumeAt = timePtr(resumeAt)
	instance.CompletedAt = timePtr(completedAt)
	instance.StartedAt = instance.StartedAt.UTC()
	instance.UpdatedAt = instance.UpdatedAt.UTC()

	return &instance, nil
}

type cadenceInstanceRepo struct{ p *Persistence }

const cadenceInstanceColumns = `id, cadence_id, card_id, current_step, status, waiting_task_id, last_task_id,
	total_contacts_attempted, successful_contacts, result, error_message, started_at, completed_at, updated_at`

func (r cadenceInstanceRepo) Create(ctx context.Context, instance *models.CadenceInstance) error {
	now := r.p.now()

	if instance.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		instance.ID = id
	}

	if instance.StartedAt.IsZero() {
		instance.StartedAt = now
	}

	instance.UpdatedAt = now

	_, err := r.p.db.ExecContext(ctx, `
		INSERT INTO cadence_instances (`+cadenceInstanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		instance.ID, instance.CadenceID, instance.CardID, instance.CurrentStep, instance.Status,
		nullString(instance.WaitingTaskID), nullString(instance.LastTaskID), instance.TotalContacts,
		instance.SuccessfulContacts, nullString(instance.Result), nullString(instance.ErrorMessage),
		instance.StartedAt, nullTime(instance.CompletedAt), instance.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return persistence.NewDuplicateInstanceError("Create", instance.CadenceID, instance.CardID)
	}

	if err != nil {
		return persistence.NewInstanceError("Create", instance.ID, err)
	}

	return nil
}

func (r cadenceInstanceRepo) GetByID(ctx context.Context, id string) (*models.CadenceInstance, error) {
	row := r.p.db.QueryRowContext(ctx, "SELECT "+cadenceInstanceColumns+" FROM cadence_instances WHERE id = $1", id)

	instance, err := scanCadenceInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewInstanceError("GetByID", id, persistence.ErrCadenceInstanceNotFound)
	}

	if err != nil {
		return nil, persistence.NewInstanceError("GetByID", id, err)
	}

	return instance, nil
}

func (r cadenceInstanceRepo) Update(ctx context.Context, instance *models.CadenceInstance, from models.CadenceStatus) error {
	updatedAt := r.p.now()

	count, err := affected(r.p.db.ExecContext(ctx, `
		UPDATE cadence_instances SET
			current_step = $3, status = $4, waiting_task_id = $5, last_task_id = $6,
			total_contacts_attempted = $7, successful_contacts = $8, result = $9, error_message = $10,
			completed_at = $11, updated_at = $12
		WHERE id = $1 AND status = $2`,
		instance.ID, from, instance.CurrentStep, instance.Status,
		nullString(instance.WaitingTaskID), nullString(instance.LastTaskID), instance.TotalContacts,
		instance.SuccessfulContacts, nullString(instance.Result), nullString(instance.ErrorMessage),
		nullTime(instance.CompletedAt), updatedAt,
	))
	if err != nil {
		return persistence.NewInstanceError("Update", instance.ID, err)
	}

	if count == 0 {
		return r.p.missingOrChanged(ctx, "cadence_instances", "Update", instance.ID, persistence.ErrCadenceInstanceNotFound)
	}

	instance.UpdatedAt = updatedAt

	return nil
}

func (r cadenceInstanceRepo) Transition(ctx context.Context, id string, from, to models.CadenceStatus) (bool, error) {
	return r.p.transition(ctx, "cadence_instances", id, string(from), string(to), persistence.ErrCadenceInstanceNotFound)
}

func (r cadenceInstanceRepo) ActiveByCard(ctx context.Context, cardID, cadenceID string) (*models.CadenceInstance, error) {
	row := r.p.db.QueryRowContext(ctx, `
		SELECT `+cadenceInstanceColumns+` FROM cadence_instances
		WHERE card_id = $1 AND cadence_id = $2 AND status IN ('active', 'waiting_task')
		LIMIT 1`, cardID, cadenceID)

	instance, err := scanCadenceInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrCadenceInstanceNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get active cadence instance: %w", err)
	}

	return instance, nil
}

func (r cadenceInstanceRepo) ByWaitingTask(ctx context.Context, taskID string) ([]*models.CadenceInstance, error) {
	rows, err := r.p.db.QueryContext(ctx, `
		SELECT `+cadenceInstanceColumns+` FROM cadence_instances
		WHERE status = 'waiting_task' AND waiting_task_id = $1
		ORDER BY started_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cadence instances: %w", err)
	}
	defer r.p.closeRows(ctx, rows)

	instances := make([]*models.CadenceInstance, 0)

	for rows.Next() {
		instance, err := scanCadenceInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cadence instance: %w", err)
		}

		instances = append(instances, instance)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cadence instances: %w", err)
	}

	return instances, nil
}

func scanCadenceInstance(row sqlbase.Scanner) (*models.CadenceInstance, error) {
	var (
		instance                  models.CadenceInstance
		waitingTaskID, lastTaskID sql.NullString
		result, errorMessage      sql.NullString
		completedAt               sql.NullTime
	)

	err := row.Scan(
		&instance.ID, &instance.CadenceID, &instance.CardID, &instance.CurrentStep, &instance.Status,
		&waitingTaskID, &lastTaskID, &instance.TotalContacts, &instance.SuccessfulContacts,
		&result, &errorMessage, &instance.StartedAt, &completedAt, &instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	instance.WaitingTaskID = waitingTaskID.String
	instance.LastTaskID = lastTaskID.String
	instance.Result = result.String
	instance.ErrorMessage = errorMessage.String
	instance.CompletedAt = timePtr(completedAt)
	instance.StartedAt = instance.StartedAt.UTC()
	instance.UpdatedAt = instance.UpdatedAt.UTC()

	return &instance, nil
}

// transition is a status compare-and-set on an instance table.
func (p *Persistence) transition(ctx context.Context, table, id, from, to string, notFound error) (bool, error) {
	count, err := affected(p.db.ExecContext(ctx,
		"UPDATE "+table+" SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2",
		id, from, to, p.now(),
	))
	if err != nil {
		return false, persistence.NewInstanceError("Transition", id, err)
	}

	if count == 1 {
		return true, nil
	}

	found, err := p.exists(ctx, table, id)
	if err != nil {
		return false, err
	}

	if !found {
		return false, persistence.NewInstanceError("Transition", id, notFound)
	}

	return false, nil
}

func (p *Persistence) missingOrChanged(ctx context.Context, table, op, id string, notFound error) error {
	found, err := p.exists(ctx, table, id)
	if err != nil {
		return err
	}

	if !found {
		return persistence.NewInstanceError(op, id, notFound)
	}

	return persistence.NewInstanceError(op, id, persistence.ErrInstanceChanged)
}
