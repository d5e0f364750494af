// Package receivers turns card lifecycle events from external transports into
// CardEventReceived events on the cardflow event bus.
package receivers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cardops/cardflow/pkg/eventbus"
	"github.com/cardops/cardflow/pkg/events"
	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/retry"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
)

var ErrInvalidPayload = errors.New("invalid card event payload")

// Receiver listens to one external transport.
type Receiver interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Validate() error
}

// Publisher decodes raw payloads and forwards them to the event bus keyed by card.
type Publisher struct {
	bus      eventbus.EventBus
	validate *validator.Validate
	clock    clockwork.Clock
}

func NewPublisher(bus eventbus.EventBus, clock clockwork.Clock) *Publisher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Publisher{
		bus:      bus,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		clock:    clock,
	}
}

// Decode parses a JSON card event. Decoding failures are permanent.
func (p *Publisher) Decode(payload []byte) (models.CardEvent, error) {
	var event models.CardEvent

	if err := json.Unmarshal(payload, &event); err != nil {
		return event, retry.Permanent(fmt.Errorf("%w: %w", ErrInvalidPayload, err))
	}

	if err := p.validate.Struct(event); err != nil {
		return event, retry.Permanent(fmt.Errorf("%w: %w", ErrInvalidPayload, err))
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.clock.Now().UTC()
	}

	return event, nil
}

func (p *Publisher) Publish(ctx context.Context, event models.CardEvent) error {
	id := event.ID
	if id == "" {
		id = p.bus.GenerateID()
	}

	received := events.CardEventReceived{
		BaseEvent: events.NewBaseEvent(id, events.CardEventReceivedEvent, p.clock.Now()),
		Event:     event,
	}

	if err := p.bus.Publish(ctx, event.CardID, received); err != nil {
		return fmt.Errorf("failed to publish card event for %s: %w", event.CardID, err)
	}

	return nil
}

// Receive decodes and publishes payload.
func (p *Publisher) Receive(ctx context.Context, payload []byte) error {
	event, err := p.Decode(payload)
	if err != nil {
		return err
	}

	return p.Publish(ctx, event)
}
