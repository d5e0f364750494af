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

type cadenceRepo struct{ p *Persistence }

const (
	templateColumns     = `id, name, active, steps, default_hour, created_at, updated_at`
	entryTriggerColumns = `id, name, pipeline_id, stage_id, active, action, cadence_id, task, task_delay, created_at`
)

func (r cadenceRepo) SaveTemplate(ctx context.Context, template *models.CadenceTemplate) error {
	now := r.p.now()

	if template.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		template.ID = id
	}

	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}

	template.UpdatedAt = now

	steps, err := toJSON(template.Steps)
	if err != nil {
		return err
	}

	var defaultHour sql.NullInt64
	if template.DefaultHour != nil {
		defaultHour = sql.NullInt64{Int64: int64(*template.DefaultHour), Valid: true}
	}

	err = r.p.db.QueryRowContext(ctx, `
		INSERT INTO cadence_templates (`+templateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			steps = EXCLUDED.steps,
			default_hour = EXCLUDED.default_hour,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at`,
		template.ID, template.Name, template.Active, steps, defaultHour, template.CreatedAt, template.UpdatedAt,
	).Scan(&template.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save cadence template: %w", err)
	}

	return nil
}

func (r cadenceRepo) Template(ctx context.Context, id string) (*models.CadenceTemplate, error) {
	var (
		template    models.CadenceTemplate
		steps       []byte
		defaultHour sql.NullInt64
	)

	err := r.p.db.QueryRowContext(ctx, "SELECT "+templateColumns+" FROM cadence_templates WHERE id = $1", id).Scan(
		&template.ID, &template.Name, &template.Active, &steps, &defaultHour, &template.CreatedAt, &template.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", persistence.ErrCadenceNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get cadence template: %w", err)
	}

	if err := fromJSON(steps, &template.Steps); err != nil {
		return nil, err
	}

	if defaultHour.Valid {
		hour := int(defaultHour.Int64)
		template.DefaultHour = &hour
	}

	template.CreatedAt = template.CreatedAt.UTC()
	template.UpdatedAt = template.UpdatedAt.UTC()

	return &template, nil
}

func (r cadenceRepo) SaveEntryTrigger(ctx context.Context, trigger *models.EntryTrigger) error {
	if trigger.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		trigger.ID = id
	}

	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = r.p.now()
	}

	task, err := toJSON(trigger.Task)
	if err != nil {
		return err
	}

	taskDelay, err := toJSON(trigger.TaskDelay)
	if err != nil {
		return err
	}

	err = r.p.db.QueryRowContext(ctx, `
		INSERT INTO entry_triggers (`+entryTriggerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			pipeline_id = EXCLUDED.pipeline_id,
			stage_id = EXCLUDED.stage_id,
			active = EXCLUDED.active,
			action = EXCLUDED.action,
			cadence_id = EXCLUDED.cadence_id,
			task = EXCLUDED.task,
			task_delay = EXCLUDED.task_delay
		RETURNING created_at`,
		trigger.ID, trigger.Name, nullString(trigger.PipelineID), trigger.StageID, trigger.Active, trigger.Action,
		nullString(trigger.CadenceID), task, taskDelay, trigger.CreatedAt,
	).Scan(&trigger.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save entry trigger: %w", err)
	}

	return nil
}

func (r cadenceRepo) EntryTrigger(ctx context.Context, id string) (*models.EntryTrigger, error) {
	row := r.p.db.QueryRowContext(ctx, "SELECT "+entryTriggerColumns+" FROM entry_triggers WHERE id = $1", id)

	trigger, err := scanEntryTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", persistence.ErrEntryTriggerNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get entry trigger: %w", err)
	}

	return trigger, nil
}

// ActiveEntryTriggers lists the active triggers of a stage, oldest first.
func (r cadenceRepo) ActiveEntryTriggers(ctx context.Context, stageID string) ([]*models.EntryTrigger, error) {
	rows, err := r.p.db.QueryContext(ctx, `
		SELECT `+entryTriggerColumns+` FROM entry_triggers
		WHERE active AND stage_id = $1
		ORDER BY created_at, id`, stageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entry triggers: %w", err)
	}
	defer r.p.closeRows(ctx, rows)

	triggers := make([]*models.EntryTrigger, 0)

	for rows.Next() {
		trigger, err := scanEntryTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry trigger: %w", err)
		}

		triggers = append(triggers, trigger)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entry triggers: %w", err)
	}

	return triggers, nil
}

func scanEntryTrigger(row sqlbase.Scanner) (*models.EntryTrigger, error) {
	var (
		trigger               models.EntryTrigger
		pipelineID, cadenceID sql.NullString
		task, taskDelay       []byte
	)

	err := row.Scan(
		&trigger.ID, &trigger.Name, &pipelineID, &trigger.StageID, &trigger.Active, &trigger.Action,
		&cadenceID, &task, &taskDelay, &trigger.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(task) > 0 {
		trigger.Task = &models.TaskSpec{}
		if err := fromJSON(task, trigger.Task); err != nil {
			return nil, err
		}
	}

	if err := fromJSON(taskDelay, &trigger.TaskDelay); err != nil {
		return nil, err
	}

	trigger.PipelineID = pipelineID.String
	trigger.CadenceID = cadenceID.String
	trigger.CreatedAt = trigger.CreatedAt.UTC()

	return &trigger, nil
}
