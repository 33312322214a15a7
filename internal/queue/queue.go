package queue

import (
	"context"

	"github.com/kazz187/longrun/internal/task"
)

// Delivery is a single handoff of a task to a worker. The same task can be
// delivered more than once: a Nack or a crashed worker puts it back on the
// lane, so consumers have to tolerate redelivery.
type Delivery struct {
	TaskID  string
	Lane    task.Lane
	Attempt int
}

type Queue interface {
	// Enqueue adds a task to its lane. It fails when the lane is full.
	Enqueue(ctx context.Context, taskID string, lane task.Lane) error
	// Dequeue blocks until a delivery is available on the lane or the
	// context is canceled.
	Dequeue(ctx context.Context, lane task.Lane) (*Delivery, error)
	// Ack marks the delivery as handled. It is safe to call more than once.
	Ack(d *Delivery)
	// Nack returns the delivery to its lane for another attempt.
	Nack(ctx context.Context, d *Delivery) error
	// Len reports the number of waiting deliveries on the lane.
	Len(lane task.Lane) int
}

var Lanes = []task.Lane{task.LaneUrgent, task.LaneNormal, task.LaneLow, task.LaneSpecialized}
