package models

import "time"

type Engine string

const (
	EngineWorkflow Engine = "workflow"
	EngineCadence  Engine = "cadence"
)

type LogEvent string

const (
	LogStarted             LogEvent = "started"
	LogNodeEntered         LogEvent = "node_entered"
	LogActionStarted       LogEvent = "action_started"
	LogActionExecuted      LogEvent = "action_executed"
	LogConditionEvaluated  LogEvent = "condition_evaluated"
	LogWaiting             LogEvent = "waiting"
	LogWaitSkipped         LogEvent = "wait_skipped"
	LogResumed             LogEvent = "resumed"
	LogCompleted           LogEvent = "completed"
	LogFailed              LogEvent = "failed"
	LogCancelled           LogEvent = "cancelled"
	LogIgnored             LogEvent = "ignored"
	LogStepStarted         LogEvent = "step_started"
	LogTaskCreated         LogEvent = "task_created"
	LogPrerequisitePending LogEvent = "prerequisite_pending"
	LogRetryScheduled      LogEvent = "retry_scheduled"
	LogDeadLettered        LogEvent = "dead_lettered"
)

// LogEntry is an append-only audit row. NodeID holds the node key for workflows
// and the step key for cadences.
type LogEntry struct {
	ID           string         `json:"id"`
	Engine       Engine         `json:"engine"`
	InstanceID   string         `json:"instance_id"`
	DefinitionID string         `json:"definition_id"`
	CardID       string         `json:"card_id"`
	NodeID       string         `json:"node_id,omitempty"`
	Event        LogEvent       `json:"event"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	DurationMS   int64          `json:"duration_ms"`
	DryRun       bool           `json:"dry_run,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
