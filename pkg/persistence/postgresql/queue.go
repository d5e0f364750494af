package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/persistence"
	"github.com/cardops/cardflow/pkg/persistence/sqlbase"
)

const (
	workflowQueueName = "workflow"
	cadenceQueueName  = "cadence"
	entryQueueName    = "entry"
)

type workflowQueueRepo struct{ p *Persistence }

const workflowQueueColumns = `id, instance_id, workflow_id, card_id, node_id, payload, priority, execute_at, status,
	attempts, max_attempts, last_error, claimed_at, created_at, updated_at`

func (r workflowQueueRepo) Enqueue(ctx context.Context, item *models.WorkflowQueueItem) error {
	now := r.p.now()

	if item.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		item.ID = id
	}

	if item.Status == "" {
		item.Status = models.QueuePending
	}

	item.CreatedAt = now
	item.UpdatedAt = now

	payload, err := toJSON(item.Payload)
	if err != nil {
		return err
	}

	_, err = r.p.db.ExecContext(ctx, `
		INSERT INTO workflow_queue (`+workflowQueueColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		item.ID, item.InstanceID, item.WorkflowID, item.CardID, item.NodeID, payload, item.Priority,
		item.ExecuteAt.UTC(), item.Status, item.Attempts, item.MaxAttempts, nullString(item.LastError),
		nullTime(item.ClaimedAt), item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return persistence.NewQueueError("Enqueue", workflowQueueName, item.ID, err)
	}

	return nil
}

func (r workflowQueueRepo) Due(ctx context.Context, now time.Time, limit int) ([]*models.WorkflowQueueItem, error) {
	return r.list(ctx, `
		SELECT `+workflowQueueColumns+` FROM workflow_queue
		WHERE status = 'pending' AND execute_at <= $1
		ORDER BY priority, execute_at, created_at, id
		LIMIT $2`, now.UTC(), limitArg(limit))
}

func (r workflowQueueRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.p.claim(ctx, "workflow_queue", workflowQueueName, id, `
		UPDATE workflow_queue
		SET status = 'processing', attempts = attempts + 1, claimed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'`, id, now.UTC())
}

func (r workflowQueueRepo) Complete(ctx context.Context, id string, now time.Time) error {
	return r.p.claimedUpdate(ctx, "workflow_queue", workflowQueueName, "Complete", id, `
		UPDATE workflow_queue SET status = 'completed', updated_at = $2
		WHERE id = $1 AND status = 'processing'`, id, r.p.now())
}

func (r workflowQueueRepo) Retry(ctx context.Context, id, nodeID string, nextAt time.Time, lastErr string) error {
	return r.p.claimedUpdate(ctx, "workflow_queue", workflowQueueName, "Retry", id, `
		UPDATE workflow_queue
		SET status = 'pending', node_id = COALESCE($2, node_id), execute_at = $3, last_error = $4,
			claimed_at = NULL, updated_at = $5
		WHERE id = $1 AND status = 'processing'`,
		id, nullString(nodeID), nextAt.UTC(), lastErr, r.p.now())
}

func (r workflowQueueRepo) Fail(ctx context.Context, id, lastErr string) error {
	return r.p.claimedUpdate(ctx, "workflow_queue", workflowQueueName, "Fail", id, `
		UPDATE workflow_queue SET status = 'failed', last_error = $2, updated_at = $3
		WHERE id = $1 AND status = 'processing'`, id, lastErr, r.p.now())
}

// DeadLetter fails the claimed row and copies it to dead_letters atomically.
func (r workflowQueueRepo) DeadLetter(ctx context.Context, id, lastErr string) error {
	return r.p.deadLetter(ctx, models.QueueKindWorkflow, "workflow_queue", id, lastErr,
		`jsonb_build_object('node_id', node_id, 'payload', payload)`)
}

func (r workflowQueueRepo) CancelByInstance(ctx context.Context, instanceID string) (int, error) {
	return r.p.cancelPending(ctx, "workflow_queue", instanceID)
}

func (r workflowQueueRepo) RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	return r.p.requeueStale(ctx, "workflow_queue", claimedBefore)
}

func (r workflowQueueRepo) ByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowQueueItem, error) {
	return r.list(ctx, `
		SELECT `+workflowQueueColumns+` FROM workflow_queue
		WHERE instance_id = $1
		ORDER BY created_at, id`, instanceID)
}

func (r workflowQueueRepo) list(ctx context.Context, query string, args ...any) ([]*models.WorkflowQueueItem, error) {
	rows, err := r.p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow queue: %w", err)
	}
	defer r.p.closeRows(ctx, rows)

	items := make([]*models.WorkflowQueueItem, 0)

	for rows.Next() {
		item, err := scanWorkflowQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow queue item: %w", err)
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflow queue: %w", err)
	}

	return items, nil
}

func scanWorkflowQueueItem(row sqlbase.Scanner) (*models.WorkflowQueueItem, error) {
	var (
		item      models.WorkflowQueueItem
		payload   []byte
		lastError sql.NullString
		claimedAt sql.NullTime
	)

	err := row.Scan(
		&item.ID, &item.InstanceID, &item.WorkflowID, &item.CardID, &item.NodeID, &payload, &item.Priority,
		&item.ExecuteAt, &item.Status, &item.Attempts, &item.MaxAttempts, &lastError, &claimedAt,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := fromJSON(payload, &item.Payload); err != nil {
		return nil, err
	}

	item.LastError = lastError.String
	item.ClaimedAt = timePtr(claimedAt)
	item.ExecuteAt = item.ExecuteAt.UTC()
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()

	return &item, nil
}

type cadenceQueueRepo struct{ p *Persistence }

const cadenceQueueColumns = `id, instance_id, cadence_id, card_id, step_index, step_key, rechecks, due_at, status,
	attempts, max_attempts, last_error, claimed_at, created_at, updated_at`

func (r cadenceQueueRepo) Enqueue(ctx context.Context, item *models.CadenceQueueItem) error {
	now := r.p.now()

	if item.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		item.ID = id
	}

	if item.Status == "" {
		item.Status = models.QueuePending
	}

	item.CreatedAt = now
	item.UpdatedAt = now

	_, err := r.p.db.ExecContext(ctx, `
		INSERT INTO cadence_queue (`+cadenceQueueColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		item.ID, item.InstanceID, item.CadenceID, item.CardID, item.StepIndex, item.StepKey, item.Rechecks,
		item.DueAt.UTC(), item.Status, item.Attempts, item.MaxAttempts, nullString(item.LastError),
		nullTime(item.ClaimedAt), item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return persistence.NewQueueError("Enqueue", cadenceQueueName, item.ID, err)
	}

	return nil
}

func (r cadenceQueueRepo) Due(ctx context.Context, now time.Time, limit int) ([]*models.CadenceQueueItem, error) {
	return r.list(ctx, `
		SELECT `+cadenceQueueColumns+` FROM cadence_queue
		WHERE status = 'pending' AND due_at <= $1
		ORDER BY due_at, created_at, id
		LIMIT $2`, now.UTC(), limitArg(limit))
}

func (r cadenceQueueRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.p.claim(ctx, "cadence_queue", cadenceQueueName, id, `
		UPDATE cadence_queue
		SET status = 'processing', attempts = attempts + 1, claimed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'`, id, now.UTC())
}

func (r cadenceQueueRepo) Complete(ctx context.Context, id string, now time.Time) error {
	return r.p.claimedUpdate(ctx, "cadence_queue", cadenceQueueName, "Complete", id, `
		UPDATE cadence_queue SET status = 'completed', updated_at = $2
		WHERE id = $1 AND status = 'processing'`, id, r.p.now())
}

func (r cadenceQueueRepo) Retry(ctx context.Context, id string, nextAt time.Time, lastErr string) error {
	return r.p.claimedUpdate(ctx, "cadence_queue", cadenceQueueName, "Retry", id, `
		UPDATE cadence_queue
		SET status = 'pending', due_at = $2, last_error = $3, claimed_at = NULL, updated_at = $4
		WHERE id = $1 AND status = 'processing'`,
		id, nextAt.UTC(), lastErr, r.p.now())
}

func (r cadenceQueueRepo) Fail(ctx context.Context, id, lastErr string) error {
	return r.p.claimedUpdate(ctx, "cadence_queue", cadenceQueueName, "Fail", id, `
		UPDATE cadence_queue SET status = 'failed', last_error = $2, updated_at = $3
		WHERE id = $1 AND status = 'processing'`, id, lastErr, r.p.now())
}

func (r cadenceQueueRepo) DeadLetter(ctx context.Context, id, lastErr string) error {
	return r.p.deadLetter(ctx, models.QueueKindCadence, "cadence_queue", id, lastErr,
		`jsonb_build_object('step_index', step_index, 'step_key', step_key)`)
}

func (r cadenceQueueRepo) CancelByInstance(ctx context.Context, instanceID string) (int, error) {
	return r.p.cancelPending(ctx, "cadence_queue", instanceID)
}

func (r cadenceQueueRepo) RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	return r.p.requeueStale(ctx, "cadence_queue", claimedBefore)
}

func (r cadenceQueueRepo) ByInstance(ctx context.Context, instanceID string) ([]*models.CadenceQueueItem, error) {
	return r.list(ctx, `
		SELECT `+cadenceQueueColumns+` FROM cadence_queue
		WHERE instance_id = $1
		ORDER BY created_at, id`, instanceID)
}

func (r cadenceQueueRepo) list(ctx context.Context, query string, args ...any) ([]*models.CadenceQueueItem, error) {
	rows, err := r.p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cadence queue: %w", err)
	}
	defer r.p.closeRows(ctx, rows)

	items := make([]*models.CadenceQueueItem, 0)

	for rows.Next() {
		var (
			item      models.CadenceQueueItem
			lastError sql.NullString
			claimedAt sql.NullTime
		)

		err := rows.Scan(
			&item.ID, &item.InstanceID, &item.CadenceID, &item.CardID, &item.StepIndex, &item.StepKey,
			&item.Rechecks, &item.DueAt, &item.Status, &item.Attempts, &item.MaxAttempts, &lastError,
			&claimedAt, &item.CreatedAt, &item.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cadence queue item: %w", err)
		}

		item.LastError = lastError.String
		item.ClaimedAt = timePtr(claimedAt)
		item.DueAt = item.DueAt.UTC()
		item.CreatedAt = item.CreatedAt.UTC()
		item.UpdatedAt = item.UpdatedAt.UTC()
		items = append(items, &item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cadence queue: %w", err)
	}

	return items, nil
}

type entryQueueRepo struct{ p *Persistence }

const entryQueueColumns = `id, card_id, trigger_id, stage_id, status, reason, attempts, max_attempts, last_error,
	execute_at, claimed_at, created_at, processed_at`

func (r entryQueueRepo) Enqueue(ctx context.Context, item *models.EntryQueueItem) error {
	if item.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		item.ID = id
	}

	if item.Status == "" {
		item.Status = models.EntryPending
	}

	item.CreatedAt = r.p.now()

	if item.ExecuteAt.IsZero() {
		item.ExecuteAt = item.CreatedAt
	}

	_, err := r.p.db.ExecContext(ctx, `
		INSERT INTO entry_queue (`+entryQueueColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		item.ID, item.CardID, item.TriggerID, item.StageID, item.Status, nullString(item.Reason),
		item.Attempts, item.MaxAttempts, nullString(item.LastError), item.ExecuteAt.UTC(),
		nullTime(item.ClaimedAt), item.CreatedAt, nullTime(item.ProcessedAt),
	)
	if err != nil {
		return persistence.NewQueueError("Enqueue", entryQueueName, item.ID, err)
	}

	return nil
}

func (r entryQueueRepo) Due(ctx context.Context, now time.Time, limit int) ([]*models.EntryQueueItem, error) {
	rows, err := r.p.db.QueryContext(ctx, `
		SELECT `+entryQueueColumns+` FROM entry_queue
		WHERE status = 'pending' AND execute_at <= $1
		ORDER BY created_at, id
		LIMIT $2`, now.UTC(), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query entry queue: %w", err)
	}
	defer r.p.closeRows(ctx, rows)

	items := make([]*models.EntryQueueItem, 0)

	for rows.Next() {
		item, err := scanEntryQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry queue item: %w", err)
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entry queue: %w", err)
	}

	return items, nil
}

func (r entryQueueRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.p.claim(ctx, "entry_queue", entryQueueName, id, `
		UPDATE entry_queue SET status = 'processing', attempts = attempts + 1, claimed_at = $2
		WHERE id = $1 AND status = 'pending'`, id, now.UTC())
}

func (r entryQueueRepo) Resolve(ctx context.Context, id string, status models.EntryStatus, reason string, now time.Time) error {
	return r.p.claimedUpdate(ctx, "entry_queue", entryQueueName, "Resolve", id, `
		UPDATE entry_queue SET status = $2, reason = $3, processed_at = $4
		WHERE id = $1 AND status = 'processing'`, id, status, nullString(reason), now.UTC())
}

func (r entryQueueRepo) Retry(ctx context.Context, id string, nextAt time.Time, lastErr string) error {
	return r.p.claimedUpdate(ctx, "entry_queue", entryQueueName, "Retry", id, `
		UPDATE entry_queue SET status = 'pending', execute_at = $2, last_error = $3, claimed_at = NULL
		WHERE id = $1 AND status = 'processing'`, id, nextAt.UTC(), lastErr)
}

func (r entryQueueRepo) RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	count, err := affected(r.p.db.ExecContext(ctx, `
		UPDATE entry_queue SET status = 'pending', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < $1`, claimedBefore.UTC()))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale entry rows: %w", err)
	}

	return count, nil
}

func (r entryQueueRepo) GetByID(ctx context.Context, id string) (*models.EntryQueueItem, error) {
	row := r.p.db.QueryRowContext(ctx, "SELECT "+entryQueueColumns+" FROM entry_queue WHERE id = $1", id)

	item, err := scanEntryQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewQueueError("GetByID", entryQueueName, id, persistence.ErrQueueItemNotFound)
	}

	if err != nil {
		return nil, persistence.NewQueueError("GetByID", entryQueueName, id, err)
	}

	return item, nil
}

func scanEntryQueueItem(row sqlbase.Scanner) (*models.EntryQueueItem, error) {
	var (
		item                   models.EntryQueueItem
		reason, lastError      sql.NullString
		claimedAt, processedAt sql.NullTime
	)

	err := row.Scan(
		&item.ID, &item.CardID, &item.TriggerID, &item.StageID, &item.Status, &reason,
		&item.Attempts, &item.MaxAttempts, &lastError, &item.ExecuteAt,
		&claimedAt, &item.CreatedAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Reason = reason.String
	item.LastError = lastError.String
	item.ClaimedAt = timePtr(claimedAt)
	item.ProcessedAt = timePtr(processedAt)
	item.ExecuteAt = item.ExecuteAt.UTC()
	item.CreatedAt = item.CreatedAt.UTC()

	return &item, nil
}

// deadLetter marks a claimed row failed and copies it to dead_letters in one
// transaction. payloadExpr builds the copied payload from the row's columns.
func (p *Persistence) deadLetter(ctx context.Context, kind models.QueueKind, table, id, lastErr, payloadExpr string) error {
	letterID, err := newID()
	if err != nil {
		return err
	}

	now := p.now()
	queue := string(kind)

	err = sqlbase.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		var (
			instanceID, cardID string
			attempts           int
			payload            []byte
		)

		err := tx.QueryRowContext(ctx, `
			UPDATE `+table+` SET status = 'failed', last_error = $2, updated_at = $3
			WHERE id = $1 AND status = 'processing'
			RETURNING instance_id, card_id, attempts, `+payloadExpr,
			id, lastErr, now,
		).Scan(&instanceID, &cardID, &attempts, &payload)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO dead_letters (id, queue, item_id, instance_id, card_id, attempts, error, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			letterID, queue, id, instanceID, cardID, attempts, lastErr, payload, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert dead letter: %w", err)
		}

		return nil
	})
	if !errors.Is(err, sql.ErrNoRows) {
		if err != nil {
			return persistence.NewQueueError("DeadLetter", queue, id, err)
		}

		return nil
	}

	found, err := p.exists(ctx, table, id)
	if err != nil {
		return err
	}

	if !found {
		return persistence.NewQueueError("DeadLetter", queue, id, persistence.ErrQueueItemNotFound)
	}

	return persistence.NewQueueError("DeadLetter", queue, id, persistence.ErrNotClaimed)
}

// cancelPending cancels the instance's rows that have not been claimed yet.
func (p *Persistence) cancelPending(ctx context.Context, table, instanceID string) (int, error) {
	count, err := affected(p.db.ExecContext(ctx, `
		UPDATE `+table+` SET status = 'cancelled', updated_at = $2
		WHERE instance_id = $1 AND status = 'pending'`, instanceID, p.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to cancel %s rows: %w", table, err)
	}

	return count, nil
}

// requeueStale returns rows whose claim outlived claimedBefore to pending.
func (p *Persistence) requeueStale(ctx context.Context, table string, claimedBefore time.Time) (int, error) {
	count, err := affected(p.db.ExecContext(ctx, `
		UPDATE `+table+` SET status = 'pending', claimed_at = NULL, updated_at = $2
		WHERE status = 'processing' AND claimed_at < $1`, claimedBefore.UTC(), p.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale %s rows: %w", table, err)
	}

	return count, nil
}
