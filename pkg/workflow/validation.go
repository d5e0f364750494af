package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/cardops/cardflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

var ErrInvalidGraph = errors.New("invalid workflow graph")

// ValidationError lists every problem found in a definition.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidGraph, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidGraph
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func baseNodeProperties(nodeType models.NodeType) map[string]any {
	return map[string]any{
		"id":         map[string]any{"type": "string", "minLength": 1},
		"type":       map[string]any{"const": string(nodeType)},
		"name":       map[string]any{"type": "string"},
		"position_x": map[string]any{"type": "number"},
		"position_y": map[string]any{"type": "number"},
	}
}

func nodeSchema(nodeType models.NodeType, extra map[string]any, required ...string) map[string]any {
	properties := baseNodeProperties(nodeType)
	maps.Copy(properties, extra)

	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             append([]string{"id", "type"}, required...),
		"additionalProperties": false,
	}
}

func actionBranch(actionType models.ActionType) map[string]any {
	return map[string]any{
		"properties": map[string]any{
			"type":             map[string]any{"const": string(actionType)},
			string(actionType): map[string]any{"type": "object"},
		},
		"required":             []string{"type", string(actionType)},
		"additionalProperties": false,
	}
}

// nodeSchemas describe the only config shape each node type accepts.
var nodeSchemas = map[models.NodeType]map[string]any{
	models.NodeTypeTrigger: nodeSchema(models.NodeTypeTrigger, nil),
	models.NodeTypeEnd:     nodeSchema(models.NodeTypeEnd, nil),
	models.NodeTypeAction: nodeSchema(models.NodeTypeAction, map[string]any{
		"action": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type":         map[string]any{"enum": []string{"create_task", "move_card", "notify", "update_field"}},
				"create_task":  map[string]any{"type": "object"},
				"move_card":    map[string]any{"type": "object"},
				"notify":       map[string]any{"type": "object"},
				"update_field": map[string]any{"type": "object"},
			},
			"additionalProperties": false,
			"oneOf": []any{
				actionBranch(models.ActionCreateTask),
				actionBranch(models.ActionMoveCard),
				actionBranch(models.ActionNotify),
				actionBranch(models.ActionUpdateField),
			},
		},
	}, "action"),
	models.NodeTypeCondition: nodeSchema(models.NodeTypeCondition, map[string]any{
		"condition": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"field": map[string]any{"type": "string"},
			},
			"additionalProperties": false,
		},
	}),
	models.NodeTypeWait: nodeSchema(models.NodeTypeWait, map[string]any{
		"wait": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"kind":                  map[string]any{"enum": []string{"time", "task_outcome", "field_change"}},
				"delay":                 map[string]any{"type": "object"},
				"stop_if_stage_changed": map[string]any{"type": "boolean"},
				"field":                 map[string]any{"type": "string"},
			},
			"required":             []string{"kind"},
			"additionalProperties": false,
		},
	}, "wait"),
}

// Validator checks workflow definitions before they are saved.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	return &Validator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// ValidateNodeJSON checks a raw node document against the schema of its type.
// Unknown keys are rejected.
func (v *Validator) ValidateNodeJSON(raw []byte) error {
	var header struct {
		ID   string          `json:"id"`
		Type models.NodeType `json:"type"`
	}

	if err := json.Unmarshal(raw, &header); err != nil {
		return fmt.Errorf("node is not a JSON object: %w", err)
	}

	schema, ok := nodeSchemas[header.Type]
	if !ok {
		return fmt.Errorf("node %q has unknown type %q", header.ID, header.Type)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to validate node %q: %w", header.ID, err)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return fmt.Errorf("node %q config does not match type %s: %s", header.ID, header.Type, strings.Join(problems, "; "))
	}

	return nil
}

// ValidateNodesJSON checks every raw node of a graph document before it is
// decoded, so misspelled config keys are reported instead of dropped.
func (v *Validator) ValidateNodesJSON(nodes []json.RawMessage) error {
	verr := &ValidationError{}

	for _, raw := range nodes {
		if err := v.ValidateNodeJSON(raw); err != nil {
			verr.add("%v", err)
		}
	}

	if len(verr.Problems) > 0 {
		return verr
	}

	return nil
}

// Validate rejects malformed graphs: anything that would otherwise fail at
// execution time for configuration reasons.
func (v *Validator) Validate(workflow *models.Workflow) error {
	verr := &ValidationError{}

	if err := v.validate.Struct(workflow); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			for _, fe := range fieldErrors {
				verr.add("%s fails %q", fe.Namespace(), fe.Tag())
			}
		} else {
			verr.add("%v", err)
		}
	}

	nodes := make(map[string]*models.Node, len(workflow.Nodes))
	triggers, ends := 0, 0

	for _, node := range workflow.Nodes {
		if node == nil {
			verr.add("nil node")

			continue
		}

		if _, dup := nodes[node.ID]; dup {
			verr.add("duplicate node id %q", node.ID)
		}

		nodes[node.ID] = node

		raw, err := json.Marshal(node)
		if err != nil {
			verr.add("node %q cannot be encoded: %v", node.ID, err)
		} else if err := v.ValidateNodeJSON(raw); err != nil {
			verr.add("%v", err)
		}

		switch node.Type {
		case models.NodeTypeTrigger:
			triggers++
		case models.NodeTypeEnd:
			ends++
		}

		v.validateNodeConfig(verr, node)
	}

	if triggers != 1 {
		verr.add("workflow must have exactly one trigger node, found %d", triggers)
	}

	if ends == 0 {
		verr.add("workflow must have at least one end node")
	}

	v.validateEdges(verr, workflow, nodes)

	if trigger := workflow.TriggerNode(); trigger != nil && triggers == 1 {
		reachable := reachableFrom(workflow, trigger.ID)

		for _, node := range workflow.Nodes {
			if node != nil && !reachable[node.ID] {
				verr.add("node %q is unreachable from the trigger", node.ID)
			}
		}
	}

	if len(verr.Problems) > 0 {
		return verr
	}

	return nil
}

func (v *Validator) validateNodeConfig(verr *ValidationError, node *models.Node) {
	switch node.Type {
	case models.NodeTypeAction:
		if node.Action == nil {
			return
		}

		if node.Action.Type == models.ActionCreateTask && node.Action.CreateTask != nil {
			if err := node.Action.CreateTask.DueIn.Validate(); err != nil {
				verr.add("node %q due_in: %v", node.ID, err)
			}
		}
	case models.NodeTypeWait:
		if node.Wait == nil {
			return
		}

		if err := node.Wait.Delay.Validate(); err != nil {
			verr.add("node %q delay: %v", node.ID, err)
		}

		if node.Wait.StopIfStageChanged && node.Wait.Kind != models.WaitTime {
			verr.add("node %q: stop_if_stage_changed only applies to time waits", node.ID)
		}
	}
}

func (v *Validator) validateEdges(verr *ValidationError, workflow *models.Workflow, nodes map[string]*models.Node) {
	for _, edge := range workflow.Edges {
		if edge == nil {
			verr.add("nil edge")

			continue
		}

		source, ok := nodes[edge.Source]
		if !ok {
			verr.add("edge %s->%s references unknown source", edge.Source, edge.Target)

			continue
		}

		target, ok := nodes[edge.Target]
		if !ok {
			verr.add("edge %s->%s references unknown target", edge.Source, edge.Target)

			continue
		}

		if target.Type == models.NodeTypeTrigger {
			verr.add("edge %s->%s enters the trigger", edge.Source, edge.Target)
		}

		if edge.Guard != nil && source.Type != models.NodeTypeCondition {
			verr.add("edge %s->%s: guards are only allowed on condition edges", edge.Source, edge.Target)
		}
	}

	for _, node := range workflow.Nodes {
		if node == nil {
			continue
		}

		id := node.ID
		out := workflow.OutgoingEdges(id)

		switch node.Type {
		case models.NodeTypeEnd:
			if len(out) > 0 {
				verr.add("end node %q has outgoing edges", id)
			}
		case models.NodeTypeCondition:
			if len(out) == 0 {
				verr.add("condition node %q has no outgoing edges", id)
			}

			defaults := 0

			for _, edge := range out {
				if edge.Guard == nil {
					defaults++
				}
			}

			if defaults > 1 {
				verr.add("condition node %q has %d default edges", id, defaults)
			}
		default:
			if len(out) != 1 {
				verr.add("%s node %q must have exactly one outgoing edge, found %d", node.Type, id, len(out))
			}
		}
	}
}

func reachableFrom(workflow *models.Workflow, start string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, edge := range workflow.OutgoingEdges(current) {
			if !seen[edge.Target] {
				seen[edge.Target] = true
				queue = append(queue, edge.Target)
			}
		}
	}

	return seen
}
