package cadence

import (
	"context"
	"errors"
	"fmt"
)

type Action string

const (
	ActionStart             Action = "start_cadence"
	ActionCancel            Action = "cancel_cadence"
	ActionAdvance           Action = "advance_cadence"
	ActionProcessOutcome    Action = "process_task_outcome"
	ActionProcessEntryQueue Action = "process_entry_queue"
)

var (
	ErrMissingField  = errors.New("missing required field")
	ErrUnknownAction = errors.New("unknown action")
)

// Request is the engine's single invocation shape. An empty Action runs the
// default sweep.
type Request struct {
	Action     Action `json:"action,omitempty"`
	CadenceID  string `json:"cadence_id,omitempty"`
	CardID     string `json:"card_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type Response struct {
	Action        Action       `json:"action,omitempty"`
	InstanceID    string       `json:"instance_id,omitempty"`
	AlreadyActive bool         `json:"already_active,omitempty"`
	Cancelled     bool         `json:"cancelled,omitempty"`
	Advanced      int          `json:"advanced,omitempty"`
	Entry         *EntryResult `json:"entry_queue,omitempty"`
	Sweep         *SweepResult `json:"sweep,omitempty"`
}

// Handle routes req to the matching engine operation.
func (e *Engine) Handle(ctx context.Context, req Request) (*Response, error) {
	resp := &Response{Action: req.Action}

	switch req.Action {
	case ActionStart:
		if err := require(req.CadenceID, "cadence_id", req.CardID, "card_id"); err != nil {
			return nil, err
		}

		started, err := e.Start(ctx, req.CadenceID, req.CardID)
		if err != nil {
			return nil, err
		}

		resp.InstanceID = started.Instance.ID
		resp.AlreadyActive = started.AlreadyActive
	case ActionCancel:
		if err := require(req.InstanceID, "instance_id"); err != nil {
			return nil, err
		}

		cancelled, err := e.Cancel(ctx, req.InstanceID, req.Reason)
		if err != nil {
			return nil, err
		}

		resp.InstanceID = req.InstanceID
		resp.Cancelled = cancelled
	case ActionAdvance:
		if err := require(req.InstanceID, "instance_id"); err != nil {
			return nil, err
		}

		if err := e.Advance(ctx, req.InstanceID, req.Outcome); err != nil {
			return nil, err
		}

		resp.InstanceID = req.InstanceID
		resp.Advanced = 1
	case ActionProcessOutcome:
		if err := require(req.TaskID, "task_id", req.Outcome, "outcome"); err != nil {
			return nil, err
		}

		advanced, err := e.ProcessTaskOutcome(ctx, TaskOutcome{TaskID: req.TaskID, Outcome: req.Outcome})
		if err != nil {
			return nil, err
		}

		resp.Advanced = advanced
	case ActionProcessEntryQueue:
		result, err := e.entry.ProcessEntryQueue(ctx, e.cfg.Queue.EntryBatchSize)
		if err != nil {
			return nil, err
		}

		resp.Entry = &result
	case "":
		result, err := e.Sweep(ctx)
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
