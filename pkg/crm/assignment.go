package crm

import (
	"time"

	"github.com/cardops/cardflow/pkg/models"
)

// ResolveAssignee applies the task assignment rule. A card without an owner
// falls back to fallbackID.
func ResolveAssignee(card *models.Card, spec models.TaskSpec, fallbackID string) string {
	switch spec.AssignTo {
	case models.AssignToSpecific:
		if spec.AssigneeID != "" {
			return spec.AssigneeID
		}
	default:
		if card != nil && card.OwnerID != "" {
			return card.OwnerID
		}
	}

	return fallbackID
}

// NewTask builds an open task from spec for card.
func NewTask(card *models.Card, spec models.TaskSpec, dueAt time.Time, idempotencyKey, fallbackID string) *models.Task {
	return &models.Task{
		CardID:         card.ID,
		Type:           spec.Type,
		Title:          spec.Title,
		Description:    spec.Description,
		Priority:       spec.Priority.StorePriority(),
		AssigneeID:     ResolveAssignee(card, spec, fallbackID),
		DueAt:          dueAt,
		Status:         models.TaskStatusOpen,
		IdempotencyKey: idempotencyKey,
	}
}
