package postgresql_test

import (
	"testing"
	"time"

	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowRepository_SaveReplacesGraph(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	wf := taskWorkflow("Lead follow-up")
	require.NoError(t, p.Workflows().Save(ctx, wf))
	require.NotEmpty(t, wf.ID)

	stored, err := p.Workflows().GetByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lead follow-up", stored.Name)
	assert.Equal(t, "prospecting", stored.TriggerConfig.StageID)
	require.Len(t, stored.Nodes, 3)
	assert.Equal(t, []string{"trigger", "call", "end"}, []string{stored.Nodes[0].ID, stored.Nodes[1].ID, stored.Nodes[2].ID})
	require.NotNil(t, stored.Nodes[1].Action)
	assert.Equal(t, "Call the lead", stored.Nodes[1].Action.CreateTask.Title)
	assert.Equal(t, 30, stored.Nodes[1].Action.CreateTask.DueIn.Minutes)
	require.Len(t, stored.Edges, 2)
	assert.Equal(t, "done", stored.Edges[1].Label)

	createdAt := stored.CreatedAt

	wf.Nodes = []*models.Node{
		{ID: "trigger", Type: models.NodeTypeTrigger},
		{ID: "route", Type: models.NodeTypeCondition, Condition: &models.ConditionConfig{Field: "card.fields.segment"}},
		{ID: "end", Type: models.NodeTypeEnd},
	}
	wf.Edges = []*models.Edge{
		{Source: "trigger", Target: "route"},
		{Source: "route", Target: "end", Order: 0, Guard: &models.Guard{Operator: models.GuardEquals, Value: "VIP"}},
		{Source: "route", Target: "end", Order: 1},
	}
	wf.CreatedAt = createdAt.Add(-1)
	require.NoError(t, p.Workflows().Save(ctx, wf))

	replaced, err := p.Workflows().GetByID(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, replaced.Nodes, 3)
	assert.Equal(t, models.NodeTypeCondition, replaced.Nodes[1].Type)
	assert.Nil(t, replaced.Nodes[1].Action)
	require.Len(t, replaced.Edges, 3)
	require.NotNil(t, replaced.Edges[1].Guard)
	assert.Equal(t, models.GuardEquals, replaced.Edges[1].Guard.Operator)
	assert.Equal(t, "VIP", replaced.Edges[1].Guard.Value)
	assert.Nil(t, replaced.Edges[2].Guard)
	assert.True(t, createdAt.Equal(replaced.CreatedAt), "created_at survives a replace")
}

func TestWorkflowRepository_GetByID_NotFound(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	_, err := p.Workflows().GetByID(ctx, "missing")
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestWorkflowRepository_ActiveByTrigger(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	active := taskWorkflow("Active")
	draft := taskWorkflow("Draft")
	draft.Draft = true
	inactive := taskWorkflow("Inactive")
	inactive.Active = false

	for _, wf := range []*models.Workflow{active, draft, inactive} {
		require.NoError(t, p.Workflows().Save(ctx, wf))
	}

	workflows, err := p.Workflows().ActiveByTrigger(ctx, models.CardEventStageEnter)
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	assert.Equal(t, active.ID, workflows[0].ID)
	assert.Len(t, workflows[0].Nodes, 3)

	none, err := p.Workflows().ActiveByTrigger(ctx, models.CardEventTaskOutcome)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestWorkflowInstanceRepository_OneActivePerCard(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	wf, first := seedInstance(ctx, t, p)

	duplicate := &models.WorkflowInstance{WorkflowID: wf.ID, CardID: "card-1", CurrentNodeID: "trigger", Status: models.InstanceRunning}
	err := p.WorkflowInstances().Create(ctx, duplicate)
	assert.True(t, persistence.IsActiveInstanceExists(err))

	dryRun := &models.WorkflowInstance{WorkflowID: wf.ID, CardID: "card-1", CurrentNodeID: "trigger", Status: models.InstanceRunning, DryRun: true}
	require.NoError(t, p.WorkflowInstances().Create(ctx, dryRun))

	changed, err := p.WorkflowInstances().Transition(ctx, first.ID, models.InstanceWaiting, models.InstanceCancelled)
	require.NoError(t, err)
	assert.True(t, changed)

	again := &models.WorkflowInstance{WorkflowID: wf.ID, CardID: "card-1", CurrentNodeID: "trigger", Status: models.InstanceRunning}
	require.NoError(t, p.WorkflowInstances().Create(ctx, again))
}

func TestWorkflowInstanceRepository_UpdateIsCompareAndSet(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	_, instance := seedInstance(ctx, t, p)

	resumeAt := now().Add(time.Hour)
	instance.Status = models.InstanceWaiting
	instance.CurrentNodeID = "call"
	instance.WaitingTaskID = "task-9"
	instance.ResumeAt = &resumeAt
	instance.Context["nodes"] = map[string]any{"call": map[string]any{"task_id": "task-9"}}
	require.NoError(t, p.WorkflowInstances().Update(ctx, instance, models.InstanceWaiting))

	stored, err := p.WorkflowInstances().GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "call", stored.CurrentNodeID)
	assert.Equal(t, "task-9", stored.WaitingTaskID)
	require.NotNil(t, stored.ResumeAt)
	assert.True(t, resumeAt.Equal(*stored.ResumeAt))
	assert.Equal(t, "task-9", stored.Context["nodes"].(map[string]any)["call"].(map[string]any)["task_id"])

	err = p.WorkflowInstances().Update(ctx, instance, models.InstanceRunning)
	assert.True(t, persistence.IsInstanceChanged(err))

	instance.ID = "missing"
	err = p.WorkflowInstances().Update(ctx, instance, models.InstanceWaiting)
	assert.True(t, persistence.IsInstanceNotFound(err))

	changed, err := p.WorkflowInstances().Transition(ctx, stored.ID, models.InstanceRunning, models.InstanceCompleted)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = p.WorkflowInstances().Transition(ctx, "missing", models.InstanceRunning, models.InstanceCompleted)
	assert.True(t, persistence.IsInstanceNotFound(err))
}

func TestWorkflowInstanceRepository_Waiting(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	_, instance := seedInstance(ctx, t, p)

	instance.WaitingFor = models.WaitTaskOutcome
	instance.WaitingTaskID = "task-1"
	require.NoError(t, p.WorkflowInstances().Update(ctx, instance, models.InstanceWaiting))

	waiting, err := p.WorkflowInstances().Waiting(ctx, "card-1", models.WaitTaskOutcome)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "task-1", waiting[0].WaitingTaskID)

	none, err := p.WorkflowInstances().Waiting(ctx, "card-1", models.WaitFieldChange)
	require.NoError(t, err)
	assert.Empty(t, none)
}
