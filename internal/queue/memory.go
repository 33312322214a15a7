package queue

import (
	"context"
	"fmt"

	"github.com/kazz187/longrun/internal/task"
	"github.com/kazz187/longrun/pkg/cerr"
)

type MemoryQueue struct {
	lanes map[task.Lane]chan *Delivery
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	lanes := make(map[task.Lane]chan *Delivery, len(Lanes))
	for _, lane := range Lanes {
		lanes[lane] = make(chan *Delivery, capacity)
	}
	return &MemoryQueue{lanes: lanes}
}

func (q *MemoryQueue) lane(lane task.Lane) (chan *Delivery, error) {
	ch, ok := q.lanes[lane]
	if !ok {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown lane: %s", lane), nil)
	}
	return ch, nil
}

func (q *MemoryQueue) Enqueue(ctx context.Context, taskID string, lane task.Lane) error {
	ch, err := q.lane(lane)
	if err != nil {
		return err
	}
	d := &Delivery{TaskID: taskID, Lane: lane, Attempt: 1}
	select {
	case ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return cerr.NewError(cerr.ResourceExhausted, fmt.Sprintf("lane %s is full", lane), nil)
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, lane task.Lane) (*Delivery, error) {
	ch, err := q.lane(lane)
	if err != nil {
		return nil, err
	}
	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(_ *Delivery) {}

// Nack blocks when the lane is full. Losing the delivery would break the
// at-least-once guarantee, so waiting is the only correct behavior here.
func (q *MemoryQueue) Nack(ctx context.Context, d *Delivery) error {
	ch, err := q.lane(d.Lane)
	if err != nil {
		return err
	}
	redelivery := &Delivery{TaskID: d.TaskID, Lane: d.Lane, Attempt: d.Attempt + 1}
	select {
	case ch <- redelivery:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Len(lane task.Lane) int {
	ch, ok := q.lanes[lane]
	if !ok {
		return 0
	}
	return len(ch)
}
