package notifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/kazz187/longrun/internal/eventbus"
	"github.com/kazz187/longrun/internal/task"
)

// Tracker is the polling side of progress delivery. It consumes the same
// event stream the push dispatcher does and caches the latest progress per
// task so poll requests are served without a storage read.
type Tracker struct {
	eventBus *eventbus.Bus
	mu       sync.RWMutex
	latest   map[string]task.Progress
}

func NewTracker(eventBus *eventbus.Bus) *Tracker {
	return &Tracker{
		eventBus: eventBus,
		latest:   make(map[string]task.Progress),
	}
}

func (t *Tracker) Start(ctx context.Context) {
	subID, ch := t.eventBus.Subscribe(256)
	defer t.eventBus.Unsubscribe(subID)

	slog.Info("progress tracker started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("progress tracker stopped")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			t.handle(event)
		}
	}
}

func (t *Tracker) handle(event *eventbus.Event) {
	switch event.Type {
	case eventbus.TypeTaskCreated, eventbus.TypeTaskStatusChanged, eventbus.TypeTaskProgress,
		eventbus.TypeTaskCompleted, eventbus.TypeTaskFailed:
	default:
		return
	}
	var p task.Progress
	if err := json.Unmarshal([]byte(event.Payload), &p); err != nil || p.TaskID == "" {
		return
	}
	t.mu.Lock()
	t.latest[p.TaskID] = p
	t.mu.Unlock()
}

// Latest returns the most recent progress seen on the event stream. The
// cache only covers the current process lifetime; callers fall back to the
// task record on a miss.
func (t *Tracker) Latest(taskID string) (task.Progress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.latest[taskID]
	return p, ok
}
