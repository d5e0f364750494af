package crm

import (
	"context"
	"fmt"

	"github.com/cardops/cardflow/pkg/eventbus"
	"github.com/cardops/cardflow/pkg/events"
	"github.com/jonboulle/clockwork"
)

// EventBusNotifier hands notifications to the external sender as
// NotificationRequested events keyed by card.
type EventBusNotifier struct {
	bus   eventbus.EventBus
	clock clockwork.Clock
}

func NewEventBusNotifier(bus eventbus.EventBus, clock clockwork.Clock) *EventBusNotifier {
	return &EventBusNotifier{bus: bus, clock: clock}
}

func (n *EventBusNotifier) Notify(ctx context.Context, notification Notification) error {
	event := events.NotificationRequested{
		BaseEvent:  events.NewBaseEvent(n.bus.GenerateID(), events.NotificationRequestedEvent, n.clock.Now()),
		CardID:     notification.CardID,
		InstanceID: notification.InstanceID,
		Channel:    notification.Channel,
		Recipient:  notification.Recipient,
		Message:    notification.Message,
	}

	if err := n.bus.Publish(ctx, notification.CardID, event); err != nil {
		return fmt.Errorf("failed to request notification: %w", err)
	}

	return nil
}
