// Package web provides the HTTP handlers of the cardflow API.
package web

import (
	"encoding/json"

	"github.com/cardops/cardflow/pkg/models"
)

// SaveWorkflowRequest is the body of a graph replace. The workflow ID comes from the path.
type SaveWorkflowRequest struct {
	Name          string               `json:"name"           validate:"required,min=3"`
	Description   string               `json:"description"`
	TriggerType   models.CardEventType `json:"trigger_type"   validate:"required"`
	TriggerConfig models.TriggerConfig `json:"trigger_config"`
	PipelineID    string               `json:"pipeline_id,omitempty"`
	Active        bool                 `json:"active"`
	Draft         bool                 `json:"draft"`
	Nodes         []*models.Node       `json:"nodes"          validate:"required,min=1"`
	Edges         []*models.Edge       `json:"edges"`
}

// rawGraph keeps the nodes of a graph body undecoded for schema checks.
type rawGraph struct {
	Nodes []json.RawMessage `json:"nodes"`
}

func (r SaveWorkflowRequest) Workflow(id string) *models.Workflow {
	return &models.Workflow{
		ID:            id,
		Name:          r.Name,
		Description:   r.Description,
		TriggerType:   r.TriggerType,
		TriggerConfig: r.TriggerConfig,
		PipelineID:    r.PipelineID,
		Active:        r.Active,
		Draft:         r.Draft,
		Nodes:         r.Nodes,
		Edges:         r.Edges,
	}
}

// SaveCadenceRequest is the body of a cadence template replace.
type SaveCadenceRequest struct {
	Name        string               `json:"name"                   validate:"required"`
	Active      bool                 `json:"active"`
	Steps       []models.CadenceStep `json:"steps"                  validate:"required,min=1,dive"`
	DefaultHour *int                 `json:"default_hour,omitempty" validate:"omitempty,min=0,max=23"`
}

func (r SaveCadenceRequest) Template(id string) *models.CadenceTemplate {
	return &models.CadenceTemplate{
		ID:          id,
		Name:        r.Name,
		Active:      r.Active,
		Steps:       r.Steps,
		DefaultHour: r.DefaultHour,
	}
}

type LogsResponse struct {
	InstanceID string             `json:"instance_id"`
	Logs       []*models.LogEntry `json:"logs"`
}

type DeadLettersResponse struct {
	Queue       models.QueueKind     `json:"queue,omitempty"`
	DeadLetters []*models.DeadLetter `json:"dead_letters"`
}
