package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kazz187/longrun/internal/config"
	"github.com/kazz187/longrun/internal/queue"
	"github.com/kazz187/longrun/internal/task"
)

// Pool runs a fixed number of workers per lane. Each worker dequeues,
// takes the task lease, and hands the delivery to the executor. A delivery
// that cannot be processed goes back on its lane.
type Pool struct {
	queue    queue.Queue
	locker   *Locker
	executor *Executor
	env      *config.WorkerEnv
	wg       sync.WaitGroup
}

func NewPool(q queue.Queue, locker *Locker, executor *Executor, env *config.WorkerEnv) *Pool {
	return &Pool{
		queue:    q,
		locker:   locker,
		executor: executor,
		env:      env,
	}
}

func (p *Pool) Start(ctx context.Context) {
	for lane, count := range map[task.Lane]int{
		task.LaneUrgent:      p.env.UrgentWorkers,
		task.LaneNormal:      p.env.NormalWorkers,
		task.LaneLow:         p.env.LowWorkers,
		task.LaneSpecialized: p.env.SpecializedWorkers,
	} {
		for i := 0; i < count; i++ {
			p.wg.Add(1)
			go p.run(ctx, lane, i)
		}
	}
}

// Wait blocks until all workers have stopped. Workers stop between
// deliveries when the context is canceled; a running step finishes first.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, lane task.Lane, id int) {
	defer p.wg.Done()
	logger := slog.With("lane", lane, "worker", id)
	logger.Info("worker started")
	for {
		d, err := p.queue.Dequeue(ctx, lane)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("worker stopped")
				return
			}
			logger.Error("dequeue failed", "error", err)
			continue
		}
		if !p.locker.Acquire(d.TaskID) {
			// another worker holds the task, back off before redelivering
			logger.Info("task lease held elsewhere, requeueing", "task_id", d.TaskID)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			if err := p.queue.Nack(ctx, d); err != nil {
				logger.Error("failed to requeue delivery", "task_id", d.TaskID, "error", err)
			}
			continue
		}

		err = p.executor.Execute(ctx, d)
		p.locker.Release(d.TaskID)
		if err != nil {
			logger.Error("execution failed, requeueing", "task_id", d.TaskID, "attempt", d.Attempt, "error", err)
			if nerr := p.queue.Nack(ctx, d); nerr != nil {
				logger.Error("failed to requeue delivery", "task_id", d.TaskID, "error", nerr)
			}
			continue
		}
		p.queue.Ack(d)
	}
}
