package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskrelay/taskrelay/internal/eventbus"
)

// Dispatcher turns lifecycle events into push announcements so operators
// can follow hand-offs without polling the API.
type Dispatcher struct {
	eventBus *eventbus.Bus
	sender   *Sender
}

func NewDispatcher(eventBus *eventbus.Bus, sender *Sender) *Dispatcher {
	return &Dispatcher{
		eventBus: eventBus,
		sender:   sender,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	subID, ch := d.eventBus.Subscribe(256)
	defer d.eventBus.Unsubscribe(subID)

	slog.Info("push notification dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("push notification dispatcher stopped")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			switch event.Type {
			case eventbus.TypeTaskDispatched:
				d.sender.SendToAll(ctx, &NotificationPayload{
					Title: fmt.Sprintf("Task sent to %s", event.Agent),
					Body:  event.Payload,
					Tag:   event.TaskID,
				})
			case eventbus.TypeTaskCompleted:
				status := event.Metadata["status"]
				d.sender.SendToAll(ctx, &NotificationPayload{
					Title: fmt.Sprintf("Task %s on %s", status, event.Agent),
					Body:  event.Payload,
					Tag:   event.TaskID,
				})
			}
		}
	}
}
