package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cardops/cardflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypes(t *testing.T) {
	assert.Equal(t, AuditRecordedEvent, AuditRecorded{}.GetType())
	assert.Equal(t, NotificationRequestedEvent, NotificationRequested{}.GetType())
	assert.Equal(t, CardEventReceivedEvent, CardEventReceived{}.GetType())
}

func TestCardEventReceived_JSONShape(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

	event := CardEventReceived{
		BaseEvent: NewBaseEvent("evt-1", CardEventReceivedEvent, now),
		Event:     models.CardEvent{Type: models.CardEventStageEnter, CardID: "c1", StageID: "qualified"},
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Equal(t, "evt-1", raw["id"])
	assert.Equal(t, "card.event.received", raw["type"])
	assert.Equal(t, "qualified", raw["event"].(map[string]any)["stage_id"])
}
