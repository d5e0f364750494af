package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	ErrWorkflowNotFound        = errors.New("workflow not found")
	ErrInstanceNotFound        = errors.New("instance not found")
	ErrQueueItemNotFound       = errors.New("queue item not found")
	ErrCadenceNotFound         = errors.New("cadence template not found")
	ErrEntryTriggerNotFound    = errors.New("entry trigger not found")
	ErrCadenceInstanceNotFound = errors.New("cadence instance not found")

	// ErrActiveInstanceExists indicates the card already has a non-terminal
	// instance of the same definition.
	ErrActiveInstanceExists = errors.New("active instance already exists")

	// ErrInstanceChanged indicates the instance status moved since it was read,
	// typically because it was cancelled concurrently.
	ErrInstanceChanged = errors.New("instance status changed concurrently")

	// ErrNotClaimed indicates a queue row was not in processing when its outcome was recorded.
	ErrNotClaimed = errors.New("queue item is not claimed")
)

// InstanceError wraps instance-related errors with additional context.
type InstanceError struct {
	Op           string // Operation being performed (e.g., "Create", "Transition")
	InstanceID   string
	DefinitionID string // Workflow or cadence ID if applicable
	CardID       string
	Err          error
}

func (e *InstanceError) Error() string {
	if e.InstanceID == "" {
		return fmt.Sprintf("%s operation failed for card %s on %s: %v", e.Op, e.CardID, e.DefinitionID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for instance errors.
func (e *InstanceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewInstanceError(op, instanceID string, err error) *InstanceError {
	return &InstanceError{Op: op, InstanceID: instanceID, Err: err}
}

// NewDuplicateInstanceError reports a second active start for the same card and definition.
func NewDuplicateInstanceError(op, definitionID, cardID string) *InstanceError {
	return &InstanceError{Op: op, DefinitionID: definitionID, CardID: cardID, Err: ErrActiveInstanceExists}
}

// QueueError wraps queue row errors with additional context.
type QueueError struct {
	Op     string
	Queue  string
	ItemID string
	Err    error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("%s operation failed for %s queue item %s: %v", e.Op, e.Queue, e.ItemID, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

func (e *QueueError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewQueueError(op, queue, itemID string, err error) *QueueError {
	return &QueueError{Op: op, Queue: queue, ItemID: itemID, Err: err}
}

func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound) || errors.Is(err, ErrCadenceInstanceNotFound)
}

func IsInstanceChanged(err error) bool {
	return errors.Is(err, ErrInstanceChanged)
}

func IsActiveInstanceExists(err error) bool {
	return errors.Is(err, ErrActiveInstanceExists)
}
