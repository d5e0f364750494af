// Package crm defines the collaborator calls the engines make into the CRM:
// card mutation, task creation and notification dispatch.
package crm

import (
	"context"
	"errors"

	"github.com/cardops/cardflow/pkg/models"
)

var (
	ErrCardNotFound = errors.New("card not found")
	ErrTaskNotFound = errors.New("task not found")
)

type Cards interface {
	Card(ctx context.Context, id string) (*models.Card, error)
	MoveCard(ctx context.Context, cardID, stageID string) error
	UpdateField(ctx context.Context, cardID, field string, value any) error
}

type Tasks interface {
	// CreateTask is idempotent on task.IdempotencyKey: a repeated key returns
	// the task created first.
	CreateTask(ctx context.Context, task *models.Task) (*models.Task, error)
	Task(ctx context.Context, id string) (*models.Task, error)
	// OpenTaskOfType returns nil when the card has no open task of that type.
	OpenTaskOfType(ctx context.Context, cardID, taskType string) (*models.Task, error)
}

type Notification struct {
	CardID     string `json:"card_id"`
	InstanceID string `json:"instance_id,omitempty"`
	Channel    string `json:"channel"`
	Recipient  string `json:"recipient,omitempty"`
	Message    string `json:"message"`
}

type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Collaborators bundles the CRM calls a component needs.
type Collaborators struct {
	Cards    Cards
	Tasks    Tasks
	Notifier Notifier
}
