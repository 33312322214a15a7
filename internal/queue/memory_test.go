package queue

import (
	"context"
	"testing"
	"time"

	"github.com/kazz187/longrun/internal/task"
	"github.com/kazz187/longrun/pkg/cerr"
)

func TestEnqueueDequeue(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "01A", task.LaneNormal); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	d, err := q.Dequeue(ctx, task.LaneNormal)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if d.TaskID != "01A" || d.Attempt != 1 {
		t.Errorf("unexpected delivery: %+v", d)
	}
	q.Ack(d)
}

func TestLanesAreIsolated(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "01A", task.LaneUrgent); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	timeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(timeout, task.LaneLow); err == nil {
		t.Error("expected dequeue on empty lane to block until timeout")
	}
	if q.Len(task.LaneUrgent) != 1 {
		t.Errorf("urgent lane should still hold the delivery")
	}
}

func TestEnqueueFullLane(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "01A", task.LaneNormal); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	err := q.Enqueue(ctx, "01B", task.LaneNormal)
	if !cerr.IsCode(err, cerr.ResourceExhausted) {
		t.Errorf("expected ResourceExhausted, got %v", err)
	}
}

func TestNackRedelivers(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "01A", task.LaneNormal); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	d, err := q.Dequeue(ctx, task.LaneNormal)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if err := q.Nack(ctx, d); err != nil {
		t.Fatalf("nack failed: %v", err)
	}
	d2, err := q.Dequeue(ctx, task.LaneNormal)
	if err != nil {
		t.Fatalf("second dequeue failed: %v", err)
	}
	if d2.TaskID != "01A" || d2.Attempt != 2 {
		t.Errorf("expected redelivery with attempt 2, got %+v", d2)
	}
}

func TestUnknownLane(t *testing.T) {
	q := NewMemoryQueue(4)
	err := q.Enqueue(context.Background(), "01A", task.Lane("vip"))
	if !cerr.IsCode(err, cerr.InvalidArgument) {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}
