package models

import (
	"slices"
	"time"

	"github.com/cardops/cardflow/pkg/businesshours"
)

type CadenceStepType string

const (
	CadenceStepTask CadenceStepType = "task"
	CadenceStepEnd  CadenceStepType = "end"
)

type CadenceTemplate struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"   validate:"required"`
	Active bool          `json:"active"`
	Steps  []CadenceStep `json:"steps"  validate:"required,min=1,dive"`
	// DefaultHour is applied to day-based delays that do not set their own hour.
	DefaultHour *int      `json:"default_hour,omitempty" validate:"omitempty,min=0,max=23"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// OrderedSteps returns the steps sorted by Order.
func (t *CadenceTemplate) OrderedSteps() []CadenceStep {
	steps := slices.Clone(t.Steps)

	slices.SortStableFunc(steps, func(a, b CadenceStep) int {
		return a.Order - b.Order
	})

	return steps
}

// StepDelay returns the step delay with the template default hour applied.
func (t *CadenceTemplate) StepDelay(step CadenceStep) businesshours.Delay {
	delay := step.Delay

	dayBased := delay.Kind == businesshours.DelayBusinessDays ||
		delay.Kind == businesshours.DelayDayPattern ||
		delay.Kind == businesshours.DelayDayOffset

	if dayBased && delay.Hour == nil && t.DefaultHour != nil {
		delay = delay.WithHour(*t.DefaultHour)
	}

	return delay
}

type CadenceStep struct {
	Key   string              `json:"key"   validate:"required"`
	Order int                 `json:"order"`
	Type  CadenceStepType     `json:"type"  validate:"required,oneof=task end"`
	Delay businesshours.Delay `json:"delay"`
	// RequiresPreviousCompleted holds the step until the previous step's task is closed.
	RequiresPreviousCompleted bool        `json:"requires_previous_completed,omitempty"`
	Task                      *TaskSpec   `json:"task,omitempty" validate:"required_if=Type task"`
	End                       *CadenceEnd `json:"end,omitempty"`
}

type CadenceEnd struct {
	MoveToStageID string `json:"move_to_stage_id,omitempty"`
	Result        string `json:"result,omitempty"`
}

type CadenceStatus string

const (
	CadenceActive      CadenceStatus = "active"
	CadenceWaitingTask CadenceStatus = "waiting_task"
	CadenceCompleted   CadenceStatus = "completed"
	CadenceCancelled   CadenceStatus = "cancelled"
	CadenceFailed      CadenceStatus = "failed"
)

func (s CadenceStatus) IsTerminal() bool {
	return s == CadenceCompleted || s == CadenceCancelled || s == CadenceFailed
}

type CadenceInstance struct {
	ID        string        `json:"id"`
	CadenceID string        `json:"cadence_id"`
	CardID    string        `json:"card_id"`
	// CurrentStep is the index, in step order, of the last scheduled step.
	CurrentStep        int           `json:"current_step"`
	Status             CadenceStatus `json:"status"`
	WaitingTaskID      string        `json:"waiting_task_id,omitempty"`
	LastTaskID         string        `json:"last_task_id,omitempty"`
	TotalContacts      int           `json:"total_contacts_attempted"`
	SuccessfulContacts int           `json:"successful_contacts"`
	Result             string        `json:"result,omitempty"`
	ErrorMessage       string        `json:"error_message,omitempty"`
	StartedAt          time.Time     `json:"started_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

type EntryAction string

const (
	EntryStartCadence EntryAction = "start_cadence"
	EntryCreateTask   EntryAction = "create_task"
)

// EntryTrigger fires when a card enters StageID.
type EntryTrigger struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	PipelineID string              `json:"pipeline_id,omitempty"`
	StageID    string              `json:"stage_id"              validate:"required"`
	Active     bool                `json:"active"`
	Action     EntryAction         `json:"action"                validate:"required,oneof=start_cadence create_task"`
	CadenceID  string              `json:"cadence_id,omitempty"  validate:"required_if=Action start_cadence"`
	Task       *TaskSpec           `json:"task,omitempty"        validate:"required_if=Action create_task"`
	TaskDelay  businesshours.Delay `json:"task_delay,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}
