package models

import (
	"fmt"
	"slices"
	"time"

	"github.com/cardops/cardflow/pkg/businesshours"
)

// Workflow is an automation definition. Its graph is only ever replaced as a whole.
type Workflow struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"                  validate:"required,min=3"`
	Description   string        `json:"description"`
	TriggerType   CardEventType `json:"trigger_type"          validate:"required,oneof=stage_enter stage_exit task_outcome field_changed"`
	TriggerConfig TriggerConfig `json:"trigger_config"`
	PipelineID    string        `json:"pipeline_id,omitempty"`
	Active        bool          `json:"active"`
	Draft         bool          `json:"draft"`
	Nodes         []*Node       `json:"nodes"                 validate:"required,dive"`
	Edges         []*Edge       `json:"edges"                 validate:"dive"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// TriggerConfig narrows which events of the workflow's trigger type start it.
// Empty fields match anything.
type TriggerConfig struct {
	StageID  string   `json:"stage_id,omitempty"`
	TaskType string   `json:"task_type,omitempty"`
	Outcomes []string `json:"outcomes,omitempty"`
	Field    string   `json:"field,omitempty"`
	Value    any      `json:"value,omitempty"`
}

// Matches reports whether event satisfies the workflow trigger.
func (w *Workflow) Matches(event CardEvent) bool {
	if event.Type != w.TriggerType {
		return false
	}

	if w.PipelineID != "" && event.PipelineID != "" && w.PipelineID != event.PipelineID {
		return false
	}

	cfg := w.TriggerConfig

	switch event.Type {
	case CardEventStageEnter:
		return cfg.StageID == "" || cfg.StageID == event.StageID
	case CardEventStageExit:
		return cfg.StageID == "" || cfg.StageID == event.FromStageID
	case CardEventTaskOutcome:
		if cfg.TaskType != "" && cfg.TaskType != event.TaskType {
			return false
		}

		return len(cfg.Outcomes) == 0 || slices.Contains(cfg.Outcomes, event.Outcome)
	case CardEventFieldChanged:
		if cfg.Field != "" && cfg.Field != event.Field {
			return false
		}

		return cfg.Value == nil || ValuesEqual(cfg.Value, event.Value)
	default:
		return false
	}
}

// Node returns the node with the given key, or nil.
func (w *Workflow) Node(id string) *Node {
	for _, node := range w.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}

func (w *Workflow) TriggerNode() *Node {
	for _, node := range w.Nodes {
		if node.Type == NodeTypeTrigger {
			return node
		}
	}

	return nil
}

// OutgoingEdges returns the edges leaving nodeID in evaluation order.
func (w *Workflow) OutgoingEdges(nodeID string) []*Edge {
	edges := make([]*Edge, 0)

	for _, edge := range w.Edges {
		if edge.Source == nodeID {
			edges = append(edges, edge)
		}
	}

	slices.SortStableFunc(edges, func(a, b *Edge) int {
		return a.Order - b.Order
	})

	return edges
}

type NodeType string

const (
	NodeTypeTrigger   NodeType = "trigger"
	NodeTypeAction    NodeType = "action"
	NodeTypeCondition NodeType = "condition"
	NodeTypeWait      NodeType = "wait"
	NodeTypeEnd       NodeType = "end"
)

// Node is a graph vertex. Exactly one of the typed configs is set, matching Type.
type Node struct {
	ID        string           `json:"id"                  validate:"required"`
	Type      NodeType         `json:"type"                validate:"required,oneof=trigger action condition wait end"`
	Name      string           `json:"name,omitempty"`
	Action    *ActionConfig    `json:"action,omitempty"`
	Condition *ConditionConfig `json:"condition,omitempty"`
	Wait      *WaitConfig      `json:"wait,omitempty"`
	PositionX float64          `json:"position_x"`
	PositionY float64          `json:"position_y"`
}

type ActionType string

const (
	ActionCreateTask  ActionType = "create_task"
	ActionMoveCard    ActionType = "move_card"
	ActionNotify      ActionType = "notify"
	ActionUpdateField ActionType = "update_field"
)

type ActionConfig struct {
	Type        ActionType         `json:"type"                   validate:"required,oneof=create_task move_card notify update_field"`
	CreateTask  *CreateTaskAction  `json:"create_task,omitempty"`
	MoveCard    *MoveCardAction    `json:"move_card,omitempty"`
	Notify      *NotifyAction      `json:"notify,omitempty"`
	UpdateField *UpdateFieldAction `json:"update_field,omitempty"`
}

type AssignTo string

const (
	AssignToCardOwner AssignTo = "card_owner"
	AssignToSpecific  AssignTo = "specific"
)

// TaskSpec describes a task to materialize, shared by workflow actions and cadence steps.
type TaskSpec struct {
	Type        string   `json:"type"                  yaml:"type"                  validate:"required"`
	Title       string   `json:"title"                 yaml:"title"                 validate:"required"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    Priority `json:"priority,omitempty"    yaml:"priority,omitempty"    validate:"omitempty,oneof=high medium low"`
	AssignTo    AssignTo `json:"assign_to,omitempty"   yaml:"assign_to,omitempty"   validate:"omitempty,oneof=card_owner specific"`
	AssigneeID  string   `json:"assignee_id,omitempty" yaml:"assignee_id,omitempty" validate:"required_if=AssignTo specific"`
	// WaitForOutcome parks the instance until the task's outcome is reported.
	WaitForOutcome bool `json:"wait_for_outcome,omitempty" yaml:"wait_for_outcome,omitempty"`
}

type CreateTaskAction struct {
	TaskSpec

	DueIn businesshours.Delay `json:"due_in,omitempty"`
}

type MoveCardAction struct {
	StageID string `json:"stage_id" validate:"required"`
}

type NotifyAction struct {
	Channel   string `json:"channel"             validate:"required"`
	Recipient string `json:"recipient,omitempty"`
	Message   string `json:"message"             validate:"required"`
}

type UpdateFieldAction struct {
	Field string `json:"field" validate:"required"`
	Value any    `json:"value"`
}

// ConditionConfig names the context path guards compare against when an edge
// guard omits its own field.
type ConditionConfig struct {
	Field string `json:"field,omitempty"`
}

type WaitKind string

const (
	WaitTime        WaitKind = "time"
	WaitTaskOutcome WaitKind = "task_outcome"
	WaitFieldChange WaitKind = "field_change"
)

type WaitConfig struct {
	Kind  WaitKind            `json:"kind"            validate:"required,oneof=time task_outcome field_change"`
	Delay businesshours.Delay `json:"delay,omitempty"`
	// StopIfStageChanged cancels the instance on resumption if the card moved.
	StopIfStageChanged bool   `json:"stop_if_stage_changed,omitempty"`
	Field              string `json:"field,omitempty" validate:"required_if=Kind field_change"`
}

// Edge is a directed connection. Edges leaving a node are evaluated by Order.
type Edge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"          validate:"required"`
	Target string `json:"target"          validate:"required"`
	Order  int    `json:"order"`
	Guard  *Guard `json:"guard,omitempty"`
	Label  string `json:"label,omitempty"`
}

type GuardOperator string

const (
	GuardEquals    GuardOperator = "eq"
	GuardNotEquals GuardOperator = "neq"
	GuardIn        GuardOperator = "in"
	GuardExists    GuardOperator = "exists"
)

// Guard is an edge predicate. A nil guard always matches.
type Guard struct {
	Field    string        `json:"field,omitempty"`
	Operator GuardOperator `json:"operator"        validate:"required,oneof=eq neq in exists"`
	Value    any           `json:"value,omitempty"`
}

// Evaluate applies the guard to a resolved value.
func (g *Guard) Evaluate(value any, found bool) bool {
	if g == nil {
		return true
	}

	switch g.Operator {
	case GuardExists:
		return found && value != nil
	case GuardEquals:
		return found && ValuesEqual(g.Value, value)
	case GuardNotEquals:
		return !found || !ValuesEqual(g.Value, value)
	case GuardIn:
		options, ok := g.Value.([]any)
		if !ok || !found {
			return false
		}

		for _, option := range options {
			if ValuesEqual(option, value) {
				return true
			}
		}

		return false
	default:
		return false
	}
}

// ValuesEqual compares loosely typed values the way they round-trip through JSON.
func ValuesEqual(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
