package eventbus

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Type string

const (
	TypeTaskCreated       Type = "TASK_CREATED"
	TypeTaskStatusChanged Type = "TASK_STATUS_CHANGED"
	TypeTaskProgress      Type = "TASK_PROGRESS"
	TypeTaskCompleted     Type = "TASK_COMPLETED"
	TypeTaskFailed        Type = "TASK_FAILED"
	TypeApprovalRequested Type = "APPROVAL_REQUESTED"
	TypeApprovalResolved  Type = "APPROVAL_RESOLVED"
	TypeCommentAdded      Type = "COMMENT_ADDED"
)

type Event struct {
	ID        string
	Type      Type
	TaskID    string
	Payload   string
	Metadata  map[string]string
	CreatedAt time.Time
}

type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan *Event),
	}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan *Event) {
	id := ulid.Make().String()
	ch := make(chan *Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// buffer full, drop event for this subscriber
		}
	}
}

func (b *Bus) PublishNew(eventType Type, taskID string, payload string, metadata map[string]string) {
	event := &Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		TaskID:    taskID,
		Payload:   payload,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	b.Publish(event)
}
