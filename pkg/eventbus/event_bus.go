// Package eventbus publishes and consumes cardflow domain events.
package eventbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/cardops/cardflow/pkg/events"
)

// ErrUnexpectedEvent is returned when a decoded payload does not match its event type.
var ErrUnexpectedEvent = errors.New("unexpected event payload")

type Event interface {
	GetType() events.EventType
}

// EventPublisher publishes events keyed by card, so one card's events stay ordered.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives the decoded payload as a pointer to its events type.
// A returned error nacks the message for redelivery.
type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}

// CardEventHandler consumes CRM card events.
type CardEventHandler func(ctx context.Context, received *events.CardEventReceived) error

// HandleCardEvents registers handler for card events received from the CRM.
func HandleCardEvents(sub EventSubscriber, handler CardEventHandler) error {
	return sub.Handle(events.CardEventReceivedEvent, func(ctx context.Context, event any) error {
		received, ok := event.(*events.CardEventReceived)
		if !ok {
			return fmt.Errorf("%w: %T for %s", ErrUnexpectedEvent, event, events.CardEventReceivedEvent)
		}

		return handler(ctx, received)
	})
}
