package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/cardops/cardflow/pkg/models"
)

type Action string

const (
	ActionTriggerTest Action = "trigger_test"
	ActionStart       Action = "start_workflow"
	ActionResume      Action = "resume_workflow"
	ActionCancel      Action = "cancel_workflow"
	ActionCardEvent   Action = "card_event"
)

var (
	ErrMissingField  = errors.New("missing required field")
	ErrUnknownAction = errors.New("unknown action")
)

// Request is the workflow engine's invocation shape. An empty Action runs the sweep.
type Request struct {
	Action     Action            `json:"action,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	CardID     string            `json:"card_id,omitempty"`
	InstanceID string            `json:"instance_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Payload    map[string]any    `json:"payload,omitempty"`
	Event      *models.CardEvent `json:"event,omitempty"`
}

type Response struct {
	Action        Action       `json:"action,omitempty"`
	InstanceID    string       `json:"instance_id,omitempty"`
	AlreadyActive bool         `json:"already_active,omitempty"`
	Cancelled     bool         `json:"cancelled,omitempty"`
	Run           *Result      `json:"run,omitempty"`
	Test          *TestResult  `json:"test,omitempty"`
	Event         *EventResult `json:"event,omitempty"`
	Sweep         *SweepResult `json:"sweep,omitempty"`
}

func (s *Service) Handle(ctx context.Context, req Request) (*Response, error) {
	resp := &Response{Action: req.Action}

	switch req.Action {
	case ActionTriggerTest:
		if err := require(req.WorkflowID, "workflow_id", req.CardID, "card_id"); err != nil {
			return nil, err
		}

		result, err := s.TriggerTest(ctx, req.WorkflowID, req.CardID)
		if err != nil {
			return nil, err
		}

		resp.InstanceID = result.InstanceID
		resp.Test = result
	case ActionStart:
		if err := require(req.WorkflowID, "workflow_id", req.CardID, "card_id"); err != nil {
			return nil, err
		}

		started, err := s.Start(ctx, req.WorkflowID, req.CardID)
		if err != nil {
			return nil, err
		}

		if started.Instance != nil {
			resp.InstanceID = started.Instance.ID
		}

		resp.AlreadyActive = started.AlreadyActive
	case ActionResume:
		if err := require(req.InstanceID, "instance_id"); err != nil {
			return nil, err
		}

		result, err := s.Resume(ctx, req.InstanceID, req.Payload)
		if err != nil {
			return nil, err
		}

		resp.InstanceID = req.InstanceID
		resp.Run = &result
	case ActionCancel:
		if err := require(req.InstanceID, "instance_id"); err != nil {
			return nil, err
		}

		cancelled, err := s.Cancel(ctx, req.InstanceID, req.Reason)
		if err != nil {
			return nil, err
		}

		resp.InstanceID = req.InstanceID
		resp.Cancelled = cancelled
	case ActionCardEvent:
		if req.Event == nil {
			return nil, fmt.Errorf("%w: event", ErrMissingField)
		}

		result, err := s.HandleCardEvent(ctx, *req.Event)
		if err != nil {
			return nil, err
		}

		resp.Event = result
	case "":
		result, err := s.Sweep(ctx)
		if err != nil {
			return nil, err
		}

		resp.Sweep = &result
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}

	return resp, nil
}

// require takes value/name pairs.
func require(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i] == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, pairs[i+1])
		}
	}

	return nil
}
