package pushnotification

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/kazz187/longrun/internal/eventbus"
	"github.com/kazz187/longrun/internal/task"
)

// Dispatcher watches the event stream and turns task lifecycle events into
// web push notifications.
type Dispatcher struct {
	eventBus *eventbus.Bus
	taskRepo task.Repository
	sender   *Sender
}

func NewDispatcher(eventBus *eventbus.Bus, taskRepo task.Repository, sender *Sender) *Dispatcher {
	return &Dispatcher{
		eventBus: eventBus,
		taskRepo: taskRepo,
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
			d.handle(ctx, event)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, event *eventbus.Event) {
	var title string
	switch event.Type {
	case eventbus.TypeApprovalRequested:
		title = "Approval required"
	case eventbus.TypeTaskProgress:
		title = "Task progress"
	case eventbus.TypeTaskCompleted:
		title = "Task completed"
	case eventbus.TypeTaskFailed:
		title = "Task failed"
	default:
		return
	}

	body := event.TaskID
	if t, err := d.taskRepo.Get(ctx, event.TaskID); err == nil {
		body = t.Title
	}

	// Tag by task id so a burst of progress events collapses into one
	// notification per task on the client.
	d.sender.SendToAll(ctx, &NotificationPayload{
		Title: title,
		Body:  body,
		URL:   "/tasks/" + event.TaskID,
		Tag:   event.TaskID,
		Data:  json.RawMessage(event.Payload),
	})
}
