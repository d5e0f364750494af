// Package postgresql provides the PostgreSQL implementation of the engine
// storage contracts and of the CRM collaborator calls.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cardops/cardflow/pkg/persistence"
	"github.com/cardops/cardflow/pkg/persistence/sqlbase"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
	clock  clockwork.Clock
}

var _ persistence.Persistence = (*Persistence)(nil)

// NewPersistence connects to databaseURL and brings the schema up to date.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	postgres := &Persistence{
		db:     database,
		logger: logger.With("module", "postgresql"),
		clock:  clockwork.NewRealClock(),
	}

	err = sqlbase.NewMigrationManager(logger, database, migrations()).RunMigrations(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// DB exposes the connection pool for migrations and tests.
func (p *Persistence) DB() *sql.DB {
	return p.db
}

func (p *Persistence) Workflows() persistence.WorkflowRepository                 { return workflowRepo{p} }
func (p *Persistence) WorkflowInstances() persistence.WorkflowInstanceRepository { return workflowInstanceRepo{p} }
func (p *Persistence) WorkflowQueue() persistence.WorkflowQueueRepository        { return workflowQueueRepo{p} }
func (p *Persistence) Cadences() persistence.CadenceRepository                   { return cadenceRepo{p} }
func (p *Persistence) CadenceInstances() persistence.CadenceInstanceRepository   { return cadenceInstanceRepo{p} }
func (p *Persistence) CadenceQueue() persistence.CadenceQueueRepository          { return cadenceQueueRepo{p} }
func (p *Persistence) EntryQueue() persistence.EntryQueueRepository              { return entryQueueRepo{p} }
func (p *Persistence) Audit() persistence.AuditRepository                        { return auditRepo{p} }
func (p *Persistence) DeadLetters() persistence.DeadLetterRepository             { return deadLetterRepo{p} }

func (p *Persistence) now() time.Time {
	return p.clock.Now().UTC()
}

func (p *Persistence) closeRows(ctx context.Context, rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		p.logger.ErrorContext(ctx, "Failed to close rows", "error", err)
	}
}

// exists reports whether table holds a row with id. table is always a constant.
func (p *Persistence) exists(ctx context.Context, table, id string) (bool, error) {
	var found bool

	err := p.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("failed to check %s row: %w", table, err)
	}

	return found, nil
}

// affected returns how many rows an UPDATE touched.
func affected(result sql.Result, err error) (int, error) {
	if err != nil {
		return 0, err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return int(count), nil
}

// claimedUpdate runs an UPDATE guarded on status = 'processing'. When no row
// changed it tells a missing row apart from an unclaimed one.
func (p *Persistence) claimedUpdate(ctx context.Context, table, queue, op, id, query string, args ...any) error {
	count, err := affected(p.db.ExecContext(ctx, query, args...))
	if err != nil {
		return persistence.NewQueueError(op, queue, id, err)
	}

	if count == 1 {
		return nil
	}

	found, err := p.exists(ctx, table, id)
	if err != nil {
		return err
	}

	if !found {
		return persistence.NewQueueError(op, queue, id, persistence.ErrQueueItemNotFound)
	}

	return persistence.NewQueueError(op, queue, id, persistence.ErrNotClaimed)
}

// claim moves a pending row to processing. Losing the race is not an error.
func (p *Persistence) claim(ctx context.Context, table, queue, id, query string, args ...any) (bool, error) {
	count, err := affected(p.db.ExecContext(ctx, query, args...))
	if err != nil {
		return false, persistence.NewQueueError("Claim", queue, id, err)
	}

	if count == 1 {
		return true, nil
	}

	found, err := p.exists(ctx, table, id)
	if err != nil {
		return false, err
	}

	if !found {
		return false, persistence.NewQueueError("Claim", queue, id, persistence.ErrQueueItemNotFound)
	}

	return false, nil
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}

	return id.String(), nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// toJSON encodes v for a JSONB column; nil maps and pointers become SQL NULL.
func toJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}

	if string(data) == "null" {
		return nil, nil
	}

	return data, nil
}

func fromJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	value := t.Time.UTC()

	return &value
}

// limitArg maps a non-positive limit to NULL, which LIMIT treats as no limit.
func limitArg(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}
