package worker

import (
	"context"
	"testing"
	"time"

	"github.com/kazz187/longrun/internal/config"
	"github.com/kazz187/longrun/internal/queue"
	"github.com/kazz187/longrun/internal/task"
)

func TestPoolProcessesDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	control := &fakeControl{task: &task.Task{ID: "01A", Status: task.StatusExecuting, Plan: planOf(2)}}
	router := &scriptedRouter{}
	env := &config.WorkerEnv{NormalWorkers: 1, StepRetryLimit: 3, LeaseTTL: time.Minute}
	locker := NewLocker(env.LeaseTTL)
	q := queue.NewMemoryQueue(8)
	pool := NewPool(q, locker, NewExecutor(control, router, locker, env), env)

	if err := q.Enqueue(ctx, "01A", task.LaneNormal); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	pool.Start(ctx)

	deadline := time.After(2 * time.Second)
	for control.currentStatus() != task.StatusCompleted {
		select {
		case <-deadline:
			t.Fatalf("task never completed, status %s", control.currentStatus())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

func TestPoolReleasesLease(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	control := &fakeControl{task: &task.Task{ID: "01A", Status: task.StatusExecuting, Plan: planOf(1)}}
	env := &config.WorkerEnv{NormalWorkers: 1, StepRetryLimit: 1, LeaseTTL: time.Minute}
	locker := NewLocker(env.LeaseTTL)
	q := queue.NewMemoryQueue(8)
	pool := NewPool(q, locker, NewExecutor(control, &scriptedRouter{}, locker, env), env)

	if err := q.Enqueue(ctx, "01A", task.LaneNormal); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	pool.Start(ctx)

	deadline := time.After(2 * time.Second)
	for control.currentStatus() != task.StatusCompleted {
		select {
		case <-deadline:
			t.Fatal("task never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	// give the worker a moment to release after Complete
	time.Sleep(50 * time.Millisecond)
	if !locker.Acquire("01A") {
		t.Error("lease should be released after execution")
	}
}
