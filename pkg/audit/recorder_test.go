package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cardops/cardflow/pkg/audit"
	"github.com/cardops/cardflow/pkg/events"
	"github.com/cardops/cardflow/pkg/log"
	"github.com/cardops/cardflow/pkg/mocks"
	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/persistence/memory"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type failingRepo struct{}

func (failingRepo) Append(ctx context.Context, entry *models.LogEntry) error {
	return errors.New("store offline")
}

func (failingRepo) ByInstance(ctx context.Context, instanceID string) ([]*models.LogEntry, error) {
	return nil, errors.New("store offline")
}

func TestRecorder_RecordPersistsAndPublishes(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC))
	store := memory.New(clock)
	bus := &mocks.MockEventBus{}

	bus.On("GenerateID").Return("evt-1")
	bus.On("Publish", mock.Anything, "i1", mock.MatchedBy(func(event events.AuditRecorded) bool {
		return event.Entry.Event == models.LogStarted
	})).Return(nil)

	recorder := audit.NewRecorder(store.Audit(), bus, clock, log.Discard())

	err := recorder.Record(context.Background(), &models.LogEntry{Engine: models.EngineWorkflow, InstanceID: "i1", Event: models.LogStarted})
	require.NoError(t, err)

	entries, err := recorder.ByInstance(context.Background(), "i1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, clock.Now().Equal(entries[0].CreatedAt))

	bus.AssertExpectations(t)
}

func TestRecorder_PublishFailureIsNotAnError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bus := &mocks.MockEventBus{}

	bus.On("GenerateID").Return("evt-1")
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	recorder := audit.NewRecorder(memory.New(clock).Audit(), bus, clock, log.Discard())

	require.NoError(t, recorder.Record(context.Background(), &models.LogEntry{InstanceID: "i1", Event: models.LogCompleted}))
}

func TestRecorder_BeforeFailsAfterSwallows(t *testing.T) {
	recorder := audit.NewRecorder(failingRepo{}, nil, clockwork.NewFakeClock(), log.Discard())

	err := recorder.Before(context.Background(), &models.LogEntry{Event: models.LogActionStarted})
	require.Error(t, err)

	assert.NotPanics(t, func() {
		recorder.After(context.Background(), &models.LogEntry{Event: models.LogActionExecuted})
	})
}
