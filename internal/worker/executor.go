package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kazz187/longrun/internal/capability"
	"github.com/kazz187/longrun/internal/config"
	"github.com/kazz187/longrun/internal/queue"
	"github.com/kazz187/longrun/internal/task"
	"github.com/kazz187/longrun/pkg/cerr"
)

// Control is the slice of the orchestrator a worker needs. Terminal calls
// through it are idempotent, which is what makes at-least-once delivery
// safe.
type Control interface {
	Get(ctx context.Context, taskID string) (*task.Task, error)
	MarkExecuting(ctx context.Context, taskID string) (*task.Task, error)
	UpdateProgress(ctx context.Context, taskID string, percentage, stepIndex int, note string) (*task.Task, error)
	RecordStep(ctx context.Context, taskID string, stepIndex int, status task.StepStatus, attempts int) error
	Complete(ctx context.Context, taskID, result string) (*task.Task, error)
	Fail(ctx context.Context, taskID, execErr string) (*task.Task, error)
}

// Executor runs one delivered job: the task's plan steps in order, each
// with bounded retries.
type Executor struct {
	control Control
	router  capability.Executor
	locker  *Locker
	env     *config.WorkerEnv
}

func NewExecutor(control Control, router capability.Executor, locker *Locker, env *config.WorkerEnv) *Executor {
	return &Executor{
		control: control,
		router:  router,
		locker:  locker,
		env:     env,
	}
}

// Execute processes a delivery to completion. A nil return means the
// delivery is settled (including terminal failure of the task); an error
// means the job should be redelivered.
func (e *Executor) Execute(ctx context.Context, d *queue.Delivery) error {
	t, err := e.control.MarkExecuting(ctx, d.TaskID)
	if err != nil {
		if cerr.IsCode(err, cerr.FailedPrecondition) {
			// Settle only when the task really is done. A non-terminal task
			// behind a precondition failure still needs its delivery, so it
			// goes back to the queue.
			cur, gerr := e.control.Get(ctx, d.TaskID)
			if gerr == nil && cur.Status.Terminal() {
				slog.Info("skipping delivery for terminal task", "task_id", d.TaskID, "status", cur.Status, "attempt", d.Attempt)
				return nil
			}
			return err
		}
		return err
	}
	if t.Plan == nil || len(t.Plan.Steps) == 0 {
		_, err := e.control.Fail(ctx, t.ID, "task has no execution plan")
		return err
	}

	stepCount := len(t.Plan.Steps)
	var results []string
	start := 0
	for i, s := range t.Plan.Steps {
		if s.Status != task.StepCompleted {
			break
		}
		start = i + 1
	}
	if start > 0 {
		slog.Info("resuming task", "task_id", t.ID, "from_step", start, "attempt", d.Attempt)
	}

	for i := start; i < stepCount; i++ {
		step := &t.Plan.Steps[i]
		out, err := e.runStep(ctx, t, step)
		if err != nil {
			failure := fmt.Sprintf("step %d (%s, capability %s) failed after %d attempts: %v",
				step.Index, step.Title, step.Capability, e.retryLimit(), err)
			if _, ferr := e.control.Fail(ctx, t.ID, failure); ferr != nil {
				return ferr
			}
			return nil
		}
		results = append(results, fmt.Sprintf("[%d] %s\n%s", step.Index, step.Title, out))

		percentage := 100 * (i + 1) / stepCount
		if _, err := e.control.UpdateProgress(ctx, t.ID, percentage, i, "completed step: "+step.Title); err != nil {
			return err
		}
		e.locker.Extend(t.ID)
	}

	if _, err := e.control.Complete(ctx, t.ID, strings.Join(results, "\n\n")); err != nil {
		return err
	}
	return nil
}

// runStep retries a single step up to the configured ceiling. Attempts
// survive redelivery through the step record.
func (e *Executor) runStep(ctx context.Context, t *task.Task, step *task.Step) (string, error) {
	limit := e.retryLimit()
	var lastErr error
	for step.Attempts < limit {
		step.Attempts++
		if err := e.control.RecordStep(ctx, t.ID, step.Index, task.StepRunning, step.Attempts); err != nil {
			return "", err
		}
		out, err := e.router.ExecuteStep(ctx, t, step)
		if err == nil {
			if err := e.control.RecordStep(ctx, t.ID, step.Index, task.StepCompleted, step.Attempts); err != nil {
				return "", err
			}
			return out, nil
		}
		lastErr = err
		slog.Warn("step attempt failed", "task_id", t.ID, "step", step.Index, "attempt", step.Attempts, "error", err)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	if err := e.control.RecordStep(ctx, t.ID, step.Index, task.StepFailed, step.Attempts); err != nil {
		return "", err
	}
	if lastErr == nil {
		// redelivered job whose step already exhausted its attempts
		lastErr = fmt.Errorf("retry ceiling of %d reached", limit)
	}
	return "", lastErr
}

func (e *Executor) retryLimit() int {
	if e.env.StepRetryLimit <= 0 {
		return 1
	}
	return e.env.StepRetryLimit
}
