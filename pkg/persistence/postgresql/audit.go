package postgresql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cardops/cardflow/pkg/models"
)

type auditRepo struct{ p *Persistence }

func (r auditRepo) Append(ctx context.Context, entry *models.LogEntry) error {
	if entry.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		entry.ID = id
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.p.now()
	}

	input, err := toJSON(entry.Input)
	if err != nil {
		return err
	}

	output, err := toJSON(entry.Output)
	if err != nil {
		return err
	}

	_, err = r.p.db.ExecContext(ctx, `
		INSERT INTO workflow_logs (id, engine, instance_id, definition_id, card_id, node_id, event,
			input, output, error, duration_ms, dry_run, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		entry.ID, entry.Engine, nullString(entry.InstanceID), nullString(entry.DefinitionID),
		nullString(entry.CardID), nullString(entry.NodeID), entry.Event, input, output,
		nullString(entry.Error), entry.DurationMS, entry.DryRun, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}

	return nil
}

// ByInstance returns an instance's entries in append order. IDs are
// time-ordered, so they break ties between entries of the same instant.
func (r auditRepo) ByInstance(ctx context.Context, instanceID string) ([]*models.LogEntry, error) {
	rows, err := r.p.db.QueryContext(ctx, `
		SELECT id, engine, instance_id, definition_id, card_id, node_id, event, input, output, error,
			duration_ms, dry_run, created_at
		FROM workflow_logs WHERE instance_id = $1
		ORDER BY created_at, id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	defer r.p.closeRows(ctx, rows)

	entries := make([]*models.LogEntry, 0)

	for rows.Next() {
		var (
			entry                                        models.LogEntry
			instance, definition, card, node, entryError sql.NullString
			input, output                                []byte
		)

		err := rows.Scan(
			&entry.ID, &entry.Engine, &instance, &definition, &card, &node, &entry.Event, &input, &output,
			&entryError, &entry.DurationMS, &entry.DryRun, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}

		if err := fromJSON(input, &entry.Input); err != nil {
			return nil, err
		}

		if err := fromJSON(output, &entry.Output); err != nil {
			return nil, err
		}

		entry.InstanceID = instance.String
		entry.DefinitionID = definition.String
		entry.CardID = card.String
		entry.NodeID = node.String
		entry.Error = entryError.String
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate log entries: %w", err)
	}

	return entries, nil
}

type deadLetterRepo struct{ p *Persistence }

// List returns dead letters newest first, optionally narrowed to one queue.
func (r deadLetterRepo) List(ctx context.Context, queue models.QueueKind, limit int) ([]*models.DeadLetter, error) {
	rows, err := r.p.db.QueryContext(ctx, `
		SELECT id, queue, item_id, instance_id, card_id, attempts, error, payload, created_at
		FROM dead_letters
		WHERE $1 = '' OR queue = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, string(queue), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer r.p.closeRows(ctx, rows)

	letters := make([]*models.DeadLetter, 0)

	for rows.Next() {
		var (
			letter  models.DeadLetter
			payload []byte
		)

		err := rows.Scan(
			&letter.ID, &letter.Queue, &letter.ItemID, &letter.InstanceID, &letter.CardID,
			&letter.Attempts, &letter.Error, &payload, &letter.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}

		if err := fromJSON(payload, &letter.Payload); err != nil {
			return nil, err
		}

		letter.CreatedAt = letter.CreatedAt.UTC()
		letters = append(letters, &letter)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letters: %w", err)
	}

	return letters, nil
}
