// Package models defines the domain types shared by the cadence and workflow engines.
package models

import "time"

type Card struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	PipelineID string         `json:"pipeline_id"`
	StageID    string         `json:"stage_id"`
	OwnerID    string         `json:"owner_id,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// TaskPriority is the store's three-level scheme.
type TaskPriority string

const (
	TaskPriorityHigh   TaskPriority = "alta"
	TaskPriorityMedium TaskPriority = "media"
	TaskPriorityLow    TaskPriority = "baixa"
)

// Priority is the engine's internal priority enum used in definitions.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// StorePriority translates an internal priority; unknown values map to high.
func (p Priority) StorePriority() TaskPriority {
	switch p {
	case PriorityMedium:
		return TaskPriorityMedium
	case PriorityLow:
		return TaskPriorityLow
	default:
		return TaskPriorityHigh
	}
}

type TaskStatus string

const (
	TaskStatusOpen      TaskStatus = "open"
	TaskStatusDone      TaskStatus = "done"
	TaskStatusCancelled TaskStatus = "cancelled"
)

type Task struct {
	ID          string       `json:"id"`
	CardID      string       `json:"card_id"`
	Type        string       `json:"type"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Priority    TaskPriority `json:"priority"`
	AssigneeID  string       `json:"assignee_id,omitempty"`
	DueAt       time.Time    `json:"due_at"`
	Status      TaskStatus   `json:"status"`
	Outcome     string       `json:"outcome,omitempty"`
	// IdempotencyKey makes creation safe to repeat for the same step.
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func (t *Task) IsOpen() bool {
	return t.Status == TaskStatusOpen
}

type CardEventType string

const (
	CardEventStageEnter   CardEventType = "stage_enter"
	CardEventStageExit    CardEventType = "stage_exit"
	CardEventTaskOutcome  CardEventType = "task_outcome"
	CardEventFieldChanged CardEventType = "field_changed"
)

// CardEvent is a card lifecycle event fed into trigger evaluation and resumption.
type CardEvent struct {
	ID          string        `json:"id,omitempty"`
	Type        CardEventType `json:"type" validate:"required,oneof=stage_enter stage_exit task_outcome field_changed"`
	CardID      string        `json:"card_id" validate:"required"`
	PipelineID  string        `json:"pipeline_id,omitempty"`
	StageID     string        `json:"stage_id,omitempty"`
	FromStageID string        `json:"from_stage_id,omitempty"`
	TaskID      string        `json:"task_id,omitempty"`
	TaskType    string        `json:"task_type,omitempty"`
	Outcome     string        `json:"outcome,omitempty"`
	Field       string        `json:"field,omitempty"`
	Value       any           `json:"value,omitempty"`
	OccurredAt  time.Time     `json:"occurred_at"`
}

// Payload flattens the event into the map stored in instance context.
func (e CardEvent) Payload() map[string]any {
	payload := map[string]any{
		"type":    string(e.Type),
		"card_id": e.CardID,
	}

	set := func(key, value string) {
		if value != "" {
			payload[key] = value
		}
	}

	set("pipeline_id", e.PipelineID)
	set("stage_id", e.StageID)
	set("from_stage_id", e.FromStageID)
	set("task_id", e.TaskID)
	set("task_type", e.TaskType)
	set("outcome", e.Outcome)
	set("field", e.Field)

	if e.Value != nil {
		payload["value"] = e.Value
	}

	return payload
}
