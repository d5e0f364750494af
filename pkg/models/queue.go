package models

import "time"

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// Dispatch priorities for workflow queue rows; lower runs first.
const (
	PriorityResume = 10
	PriorityStart  = 50
	PriorityWait   = 100
)

// WorkflowQueueItem is a scheduled executor invocation. NodeID and Payload are
// copied from the instance so the row can be replayed on its own.
type WorkflowQueueItem struct {
	ID          string         `json:"id"`
	InstanceID  string         `json:"instance_id"`
	WorkflowID  string         `json:"workflow_id"`
	CardID      string         `json:"card_id"`
	NodeID      string         `json:"node_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    int            `json:"priority"`
	ExecuteAt   time.Time      `json:"execute_at"`
	Status      QueueStatus    `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	LastError   string         `json:"last_error,omitempty"`
	ClaimedAt   *time.Time     `json:"claimed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CadenceQueueItem is a due cadence step. Rechecks counts prerequisite re-checks
// already performed for the same step.
type CadenceQueueItem struct {
	ID          string      `json:"id"`
	InstanceID  string      `json:"instance_id"`
	CadenceID   string      `json:"cadence_id"`
	CardID      string      `json:"card_id"`
	StepIndex   int         `json:"step_index"`
	StepKey     string      `json:"step_key"`
	Rechecks    int         `json:"rechecks"`
	DueAt       time.Time   `json:"due_at"`
	Status      QueueStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	LastError   string      `json:"last_error,omitempty"`
	ClaimedAt   *time.Time  `json:"claimed_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type EntryStatus string

const (
	EntryPending    EntryStatus = "pending"
	EntryProcessing EntryStatus = "processing"
	EntryCompleted  EntryStatus = "completed"
	EntryIgnored    EntryStatus = "ignored"
	EntryFailed     EntryStatus = "failed"
)

// EntryQueueItem asks whether a card should fire an entry trigger. It is
// resolved once; transient failures return it to pending until ExecuteAt.
type EntryQueueItem struct {
	ID          string      `json:"id"`
	CardID      string      `json:"card_id"`
	TriggerID   string      `json:"trigger_id"`
	StageID     string      `json:"stage_id"`
	Status      EntryStatus `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	LastError   string      `json:"last_error,omitempty"`
	ExecuteAt   time.Time   `json:"execute_at"`
	ClaimedAt   *time.Time  `json:"claimed_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ProcessedAt *time.Time  `json:"processed_at,omitempty"`
}

type QueueKind string

const (
	QueueKindWorkflow QueueKind = "workflow"
	QueueKindCadence  QueueKind = "cadence"
)

// DeadLetter is a copy of a queue row that exhausted its attempts.
type DeadLetter struct {
	ID         string         `json:"id"`
	Queue      QueueKind      `json:"queue"`
	ItemID     string         `json:"item_id"`
	InstanceID string         `json:"instance_id"`
	CardID     string         `json:"card_id"`
	Attempts   int            `json:"attempts"`
	Error      string         `json:"error"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
