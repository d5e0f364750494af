package workflow_test

import (
	"errors"
	"testing"

	"github.com/cardops/cardflow/pkg/businesshours"
	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_AcceptsWellFormedGraph(t *testing.T) {
	assert.NoError(t, workflow.NewValidator().Validate(vipWorkflow()))
}

func TestValidator_RejectsMalformedGraphs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(wf *models.Workflow)
		problem string
	}{
		{
			name: "missing end node",
			mutate: func(wf *models.Workflow) {
				wf.Nodes = wf.Nodes[:4]
				wf.Edges = wf.Edges[:3]
			},
			problem: "at least one end node",
		},
		{
			name: "second trigger",
			mutate: func(wf *models.Workflow) {
				wf.Nodes = append(wf.Nodes, &models.Node{ID: "trigger-2", Type: models.NodeTypeTrigger})
				wf.Edges = append(wf.Edges, edge("trigger-2", "end"))
			},
			problem: "exactly one trigger node",
		},
		{
			name: "unreachable node",
			mutate: func(wf *models.Workflow) {
				wf.Nodes = append(wf.Nodes, moveCard("orphan", "lost"))
				wf.Edges = append(wf.Edges, edge("orphan", "end"))
			},
			problem: `"orphan" is unreachable`,
		},
		{
			name: "guard outside a condition",
			mutate: func(wf *models.Workflow) {
				wf.Edges[3].Guard = &models.Guard{Operator: models.GuardExists}
			},
			problem: "guards are only allowed on condition edges",
		},
		{
			name: "action with two outgoing edges",
			mutate: func(wf *models.Workflow) {
				wf.Edges = append(wf.Edges, edge("vip-call", "call"))
			},
			problem: "exactly one outgoing edge",
		},
		{
			name: "two default edges",
			mutate: func(wf *models.Workflow) {
				wf.Edges[1].Guard = nil
			},
			problem: "2 default edges",
		},
		{
			name: "edge into the trigger",
			mutate: func(wf *models.Workflow) {
				wf.Nodes[4] = moveCard("end-move", "won")
				wf.Nodes = append(wf.Nodes, end("end"))
				wf.Edges = append(wf.Edges, edge("end-move", "trigger"))
			},
			problem: "enters the trigger",
		},
		{
			name: "config that does not match the node type",
			mutate: func(wf *models.Workflow) {
				wf.Nodes[0].Action = &models.ActionConfig{Type: models.ActionMoveCard, MoveCard: &models.MoveCardAction{StageID: "won"}}
			},
			problem: "does not match type trigger",
		},
		{
			name: "create task without a title",
			mutate: func(wf *models.Workflow) {
				wf.Nodes[2].Action.CreateTask.Title = ""
			},
			problem: "Title",
		},
		{
			name: "negative delay",
			mutate: func(wf *models.Workflow) {
				wf.Nodes[2].Action.CreateTask.DueIn = businesshours.Delay{Kind: businesshours.DelayMinutes, Minutes: -5}
			},
			problem: "due_in",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := vipWorkflow()
			tt.mutate(wf)

			err := workflow.NewValidator().Validate(wf)
			require.ErrorIs(t, err, workflow.ErrInvalidGraph)

			var verr *workflow.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Error(), tt.problem)
		})
	}
}

func TestValidator_StageGuardOnlyOnTimeWaits(t *testing.T) {
	wf := definition(
		[]*models.Node{
			trigger(),
			{ID: "pause", Type: models.NodeTypeWait, Wait: &models.WaitConfig{Kind: models.WaitTaskOutcome, StopIfStageChanged: true}},
			end("end"),
		},
		edge("trigger", "pause"),
		edge("pause", "end"),
	)

	err := workflow.NewValidator().Validate(wf)
	require.ErrorIs(t, err, workflow.ErrInvalidGraph)
	assert.Contains(t, err.Error(), "stop_if_stage_changed only applies to time waits")
}

func TestValidator_ValidateNodeJSON(t *testing.T) {
	v := workflow.NewValidator()

	tests := []struct {
		name  string
		raw   string
		valid bool
	}{
		{
			name:  "move card",
			raw:   `{"id":"move","type":"action","action":{"type":"move_card","move_card":{"stage_id":"won"}}}`,
			valid: true,
		},
		{
			name:  "time wait",
			raw:   `{"id":"pause","type":"wait","wait":{"kind":"time","delay":{"kind":"business_days","days":2}}}`,
			valid: true,
		},
		{
			name: "two action payloads",
			raw:  `{"id":"move","type":"action","action":{"type":"move_card","move_card":{"stage_id":"won"},"notify":{}}}`,
		},
		{
			name: "payload of another action type",
			raw:  `{"id":"move","type":"action","action":{"type":"move_card","notify":{"channel":"email"}}}`,
		},
		{
			name: "unknown top-level key",
			raw:  `{"id":"end","type":"end","config":{"foo":1}}`,
		},
		{
			name: "unknown wait kind",
			raw:  `{"id":"pause","type":"wait","wait":{"kind":"forever"}}`,
		},
		{
			name: "unknown node type",
			raw:  `{"id":"x","type":"loop"}`,
		},
		{
			name: "not an object",
			raw:  `[1,2]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateNodeJSON([]byte(tt.raw))
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
