// Package audit records the append-only trail of instance transitions, action
// executions and failures for both engines.
package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cardops/cardflow/pkg/eventbus"
	"github.com/cardops/cardflow/pkg/events"
	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/persistence"
	"github.com/jonboulle/clockwork"
)

// Recorder writes audit rows and mirrors them on the event bus. The bus is optional.
type Recorder struct {
	repo   persistence.AuditRepository
	bus    eventbus.EventBus
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewRecorder(repo persistence.AuditRepository, bus eventbus.EventBus, clock clockwork.Clock, logger *slog.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		bus:    bus,
		clock:  clock,
		logger: logger.With("module", "audit"),
	}
}

// Record appends entry. Publishing failures are logged, never returned.
func (r *Recorder) Record(ctx context.Context, entry *models.LogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.clock.Now().UTC()
	}

	if err := r.repo.Append(ctx, entry); err != nil {
		return fmt.Errorf("failed to append %s audit entry: %w", entry.Event, err)
	}

	if r.bus == nil {
		return nil
	}

	event := events.AuditRecorded{
		BaseEvent: events.NewBaseEvent(r.bus.GenerateID(), events.AuditRecordedEvent, entry.CreatedAt),
		Entry:     *entry,
	}

	if err := r.bus.Publish(ctx, entry.InstanceID, event); err != nil {
		r.logger.WarnContext(ctx, "failed to publish audit entry",
			"instance_id", entry.InstanceID, "event", entry.Event, "error", err)
	}

	return nil
}

// Before records the row that must precede an externally visible effect. Its
// error aborts the effect and is retried like any transient failure.
func (r *Recorder) Before(ctx context.Context, entry *models.LogEntry) error {
	return r.Record(ctx, entry)
}

// After records the outcome of an effect that already happened. A write
// failure cannot undo the effect, so it is logged and dropped.
func (r *Recorder) After(ctx context.Context, entry *models.LogEntry) {
	if err := r.Record(ctx, entry); err != nil {
		r.logger.ErrorContext(ctx, "failed to record audit outcome",
			"instance_id", entry.InstanceID, "card_id", entry.CardID, "event", entry.Event, "error", err)
	}
}

func (r *Recorder) ByInstance(ctx context.Context, instanceID string) ([]*models.LogEntry, error) {
	entries, err := r.repo.ByInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit entries for %s: %w", instanceID, err)
	}

	return entries, nil
}
