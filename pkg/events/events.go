// Package events defines the domain events cardflow publishes on its event bus.
package events

import (
	"time"

	"github.com/cardops/cardflow/pkg/models"
)

type EventType string

const Topic = "cardflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	AuditRecordedEvent         EventType = "audit.recorded"
	NotificationRequestedEvent EventType = "notification.requested"
	CardEventReceivedEvent     EventType = "card.event.received"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(id string, eventType EventType, now time.Time) BaseEvent {
	return BaseEvent{ID: id, Type: eventType, Timestamp: now.UTC()}
}

// AuditRecorded mirrors an audit row for downstream consumers.
type AuditRecorded struct {
	BaseEvent

	Entry models.LogEntry `json:"entry"`
}

func (e AuditRecorded) GetType() EventType {
	return AuditRecordedEvent
}

// NotificationRequested asks the notification sender to deliver a message.
type NotificationRequested struct {
	BaseEvent

	CardID     string `json:"card_id"`
	InstanceID string `json:"instance_id,omitempty"`
	Channel    string `json:"channel"`
	Recipient  string `json:"recipient,omitempty"`
	Message    string `json:"message"`
}

func (e NotificationRequested) GetType() EventType {
	return NotificationRequestedEvent
}

// CardEventReceived carries a card lifecycle event into the engine.
type CardEventReceived struct {
	BaseEvent

	Event models.CardEvent `json:"event"`
}

func (e CardEventReceived) GetType() EventType {
	return CardEventReceivedEvent
}
