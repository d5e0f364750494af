package receivers_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cardops/cardflow/pkg/events"
	"github.com/cardops/cardflow/pkg/mocks"
	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/receivers"
	"github.com/cardops/cardflow/pkg/retry"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 12, 13, 0, 0, 0, time.UTC)

func TestPublisher_Decode(t *testing.T) {
	publisher := receivers.NewPublisher(&mocks.MockEventBus{}, clockwork.NewFakeClockAt(now))

	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "stage enter", payload: `{"type":"stage_enter","card_id":"card-1","stage_id":"qualified"}`},
		{name: "task outcome", payload: `{"type":"task_outcome","card_id":"card-1","task_id":"t-1","outcome":"sem_resposta"}`},
		{name: "not json", payload: `card-1 moved`, wantErr: true},
		{name: "unknown type", payload: `{"type":"card_deleted","card_id":"card-1"}`, wantErr: true},
		{name: "missing card", payload: `{"type":"stage_enter"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := publisher.Decode([]byte(tt.payload))

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, receivers.ErrInvalidPayload)
				assert.True(t, retry.IsPermanent(err))

				return
			}

			require.NoError(t, err)
			assert.Equal(t, "card-1", event.CardID)
			assert.Equal(t, now, event.OccurredAt)
		})
	}
}

func TestPublisher_ReceivePublishesKeyedByCard(t *testing.T) {
	bus := &mocks.MockEventBus{}
	publisher := receivers.NewPublisher(bus, clockwork.NewFakeClockAt(now))

	bus.On("GenerateID").Return("evt-1")
	bus.On("Publish", mock.Anything, "card-1", mock.MatchedBy(func(event events.CardEventReceived) bool {
		return event.ID == "evt-1" &&
			event.Type == events.CardEventReceivedEvent &&
			event.Event.Type == models.CardEventStageEnter &&
			event.Event.StageID == "qualified"
	})).Return(nil)

	err := publisher.Receive(context.Background(), []byte(`{"type":"stage_enter","card_id":"card-1","stage_id":"qualified"}`))
	require.NoError(t, err)

	bus.AssertExpectations(t)
}

func TestPublisher_KeepsProducerEventID(t *testing.T) {
	bus := &mocks.MockEventBus{}
	publisher := receivers.NewPublisher(bus, clockwork.NewFakeClockAt(now))

	bus.On("Publish", mock.Anything, "card-1", mock.MatchedBy(func(event events.CardEventReceived) bool {
		return event.ID == "crm-42"
	})).Return(nil)

	require.NoError(t, publisher.Publish(context.Background(), models.CardEvent{ID: "crm-42", Type: models.CardEventStageExit, CardID: "card-1"}))

	bus.AssertNotCalled(t, "GenerateID")
	bus.AssertExpectations(t)
}

func TestPublisher_PublishFailureIsTransient(t *testing.T) {
	bus := &mocks.MockEventBus{}
	publisher := receivers.NewPublisher(bus, clockwork.NewFakeClockAt(now))

	bus.On("GenerateID").Return("evt-1")
	bus.On("Publish", mock.Anything, "card-1", mock.Anything).Return(errors.New("broker down"))

	err := publisher.Receive(context.Background(), []byte(`{"type":"stage_exit","card_id":"card-1"}`))
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
}
