package postgresql_test

import (
	"errors"
	"testing"
	"time"

	"github.com/cardops/cardflow/pkg/crm"
	"github.com/cardops/cardflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRM_Cards(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	cards := p.CRM()

	require.NoError(t, cards.UpsertCard(ctx, &models.Card{
		ID: "card-1", Title: "ACME", PipelineID: "pipe-1", StageID: "new", OwnerID: "owner-1",
		Fields: map[string]any{"segment": "SMB"},
	}))

	require.NoError(t, cards.MoveCard(ctx, "card-1", "qualified"))
	require.NoError(t, cards.UpdateField(ctx, "card-1", "segment", "VIP"))
	require.NoError(t, cards.UpdateField(ctx, "card-1", "score", 42))

	card, err := cards.Card(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, "qualified", card.StageID)
	assert.Equal(t, "owner-1", card.OwnerID)
	assert.Equal(t, "VIP", card.Fields["segment"])
	assert.EqualValues(t, 42, card.Fields["score"])

	_, err = cards.Card(ctx, "missing")
	assert.True(t, errors.Is(err, crm.ErrCardNotFound))
	assert.True(t, errors.Is(cards.MoveCard(ctx, "missing", "x"), crm.ErrCardNotFound))
	assert.True(t, errors.Is(cards.UpdateField(ctx, "missing", "x", 1), crm.ErrCardNotFound))
}

func TestCRM_CreateTaskIsIdempotent(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	tasks := p.CRM()
	due := now().Add(time.Hour)

	task := &models.Task{
		CardID: "card-1", Type: "call", Title: "Call", Priority: models.TaskPriorityHigh,
		AssigneeID: "owner-1", DueAt: due, IdempotencyKey: "instance-1:call",
	}

	first, err := tasks.CreateTask(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusOpen, first.Status)
	assert.True(t, due.Equal(first.DueAt))

	second, err := tasks.CreateTask(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := tasks.CreateTask(ctx, &models.Task{CardID: "card-1", Type: "email", Title: "Email", Priority: models.TaskPriorityLow, DueAt: due})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	open, err := tasks.OpenTaskOfType(ctx, "card-1", "call")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, first.ID, open.ID)

	require.NoError(t, tasks.CompleteTask(ctx, first.ID, "respondido_pelo_cliente"))

	open, err = tasks.OpenTaskOfType(ctx, "card-1", "call")
	require.NoError(t, err)
	assert.Nil(t, open)

	done, err := tasks.Task(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDone, done.Status)
	assert.Equal(t, "respondido_pelo_cliente", done.Outcome)
	assert.NotNil(t, done.CompletedAt)

	_, err = tasks.Task(ctx, "missing")
	assert.True(t, errors.Is(err, crm.ErrTaskNotFound))
	assert.True(t, errors.Is(tasks.CompleteTask(ctx, "missing", "x"), crm.ErrTaskNotFound))
}

func TestAuditRepository_ByInstance(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	events := []models.LogEvent{models.LogStarted, models.LogNodeEntered, models.LogActionExecuted, models.LogCompleted}

	for _, event := range events {
		require.NoError(t, p.Audit().Append(ctx, &models.LogEntry{
			Engine: models.EngineWorkflow, InstanceID: "instance-1", DefinitionID: "wf-1", CardID: "card-1",
			Event: event, Output: map[string]any{"event": string(event)}, DurationMS: 5,
		}))
	}

	require.NoError(t, p.Audit().Append(ctx, &models.LogEntry{Engine: models.EngineCadence, Event: models.LogIgnored, CardID: "card-1"}))

	entries, err := p.Audit().ByInstance(ctx, "instance-1")
	require.NoError(t, err)
	require.Len(t, entries, len(events))

	for i, entry := range entries {
		assert.Equal(t, events[i], entry.Event)
		assert.Equal(t, string(events[i]), entry.Output["event"])
		assert.Nil(t, entry.Input)
	}
}
