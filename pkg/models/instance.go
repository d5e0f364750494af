package models

import "time"

type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstanceWaiting   InstanceStatus = "waiting"
	InstanceCompleted InstanceStatus = "completed"
	InstanceCancelled InstanceStatus = "cancelled"
	InstanceFailed    InstanceStatus = "failed"
)

func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceCompleted || s == InstanceCancelled || s == InstanceFailed
}

// WorkflowInstance is one execution of a workflow against one card.
type WorkflowInstance struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflow_id"`
	CardID        string         `json:"card_id"`
	CurrentNodeID string         `json:"current_node_id"`
	Status        InstanceStatus `json:"status"`
	WaitingFor    WaitKind       `json:"waiting_for,omitempty"`
	WaitingTaskID string         `json:"waiting_task_id,omitempty"`
	WaitingField  string         `json:"waiting_field,omitempty"`
	// WaitStageID is the card stage recorded by a stage-guarded wait.
	WaitStageID  string         `json:"wait_stage_id,omitempty"`
	ResumeAt     *time.Time     `json:"resume_at,omitempty"`
	Context      map[string]any `json:"context"`
	DryRun       bool           `json:"dry_run"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ClearWait resets the suspension fields after resumption.
func (i *WorkflowInstance) ClearWait() {
	i.WaitingFor = ""
	i.WaitingTaskID = ""
	i.WaitingField = ""
	i.WaitStageID = ""
	i.ResumeAt = nil
}
