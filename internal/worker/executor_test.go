package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kazz187/longrun/internal/config"
	"github.com/kazz187/longrun/internal/queue"
	"github.com/kazz187/longrun/internal/task"
	"github.com/kazz187/longrun/pkg/cerr"
)

type fakeControl struct {
	mu       sync.Mutex
	task     *task.Task
	markErr  error
	progress []int
	result   string
	failure  string
}

func (f *fakeControl) currentStatus() task.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.task.Status
}

func (f *fakeControl) Get(_ context.Context, _ string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.task, nil
}

func (f *fakeControl) MarkExecuting(_ context.Context, _ string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return nil, f.markErr
	}
	return f.task, nil
}

func (f *fakeControl) UpdateProgress(_ context.Context, _ string, percentage, stepIndex int, _ string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, percentage)
	f.task.Percentage = percentage
	f.task.CurrentStepIndex = stepIndex
	return f.task, nil
}

func (f *fakeControl) RecordStep(_ context.Context, _ string, stepIndex int, status task.StepStatus, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.task.Plan.Steps[stepIndex].Status = status
	f.task.Plan.Steps[stepIndex].Attempts = attempts
	return nil
}

func (f *fakeControl) Complete(_ context.Context, _ string, result string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = result
	f.task.Status = task.StatusCompleted
	return f.task, nil
}

func (f *fakeControl) Fail(_ context.Context, _ string, execErr string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failure = execErr
	f.task.Status = task.StatusFailed
	return f.task, nil
}

// scriptedRouter fails a step a fixed number of times before succeeding.
type scriptedRouter struct {
	failures map[int]int
	calls    []int
}

func (r *scriptedRouter) ExecuteStep(_ context.Context, _ *task.Task, step *task.Step) (string, error) {
	r.calls = append(r.calls, step.Index)
	if r.failures[step.Index] > 0 {
		r.failures[step.Index]--
		return "", errors.New("transient failure")
	}
	return fmt.Sprintf("output %d", step.Index), nil
}

func planOf(n int) *task.ExecutionPlan {
	plan := &task.ExecutionPlan{CreatedAt: time.Now().UTC()}
	for i := 0; i < n; i++ {
		plan.Steps = append(plan.Steps, task.Step{
			Index:      i,
			Title:      fmt.Sprintf("step %d", i),
			Capability: "agent",
			Status:     task.StepPending,
		})
	}
	return plan
}

func newExecutor(control Control, router *scriptedRouter) *Executor {
	env := &config.WorkerEnv{StepRetryLimit: 3}
	return NewExecutor(control, router, NewLocker(time.Minute), env)
}

func TestExecuteAllStepsSucceed(t *testing.T) {
	control := &fakeControl{task: &task.Task{ID: "01A", Status: task.StatusExecuting, Plan: planOf(3)}}
	router := &scriptedRouter{}
	e := newExecutor(control, router)

	if err := e.Execute(context.Background(), &queue.Delivery{TaskID: "01A", Attempt: 1}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	wantProgress := []int{33, 66, 100}
	if len(control.progress) != 3 {
		t.Fatalf("expected 3 progress updates, got %v", control.progress)
	}
	for i, want := range wantProgress {
		if control.progress[i] != want {
			t.Errorf("progress %d: expected %d, got %d", i, want, control.progress[i])
		}
	}
	if !strings.Contains(control.result, "output 2") {
		t.Errorf("aggregated result missing step output: %q", control.result)
	}
	if control.failure != "" {
		t.Errorf("unexpected failure: %q", control.failure)
	}
}

func TestExecuteRetriesWithinCeiling(t *testing.T) {
	control := &fakeControl{task: &task.Task{ID: "01A", Status: task.StatusExecuting, Plan: planOf(2)}}
	router := &scriptedRouter{failures: map[int]int{0: 2}}
	e := newExecutor(control, router)

	if err := e.Execute(context.Background(), &queue.Delivery{TaskID: "01A", Attempt: 1}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	// step 0 takes three attempts, step 1 one
	if len(router.calls) != 4 {
		t.Errorf("expected 4 step invocations, got %v", router.calls)
	}
	if control.failure != "" {
		t.Errorf("task should complete after retries, got failure %q", control.failure)
	}
}

func TestExecuteFailurePastCeilingStopsPlan(t *testing.T) {
	control := &fakeControl{task: &task.Task{ID: "01A", Status: task.StatusExecuting, Plan: planOf(3)}}
	router := &scriptedRouter{failures: map[int]int{1: 99}}
	e := newExecutor(control, router)

	if err := e.Execute(context.Background(), &queue.Delivery{TaskID: "01A", Attempt: 1}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !strings.Contains(control.failure, "step 1") {
		t.Errorf("failure should reference step 1: %q", control.failure)
	}
	for _, call := range router.calls {
		if call == 2 {
			t.Error("step 2 must never run after a fatal failure")
		}
	}
	if control.task.Plan.Steps[1].Attempts != 3 {
		t.Errorf("expected 3 attempts on step 1, got %d", control.task.Plan.Steps[1].Attempts)
	}
}

func TestExecuteResumesFromRecordedStep(t *testing.T) {
	plan := planOf(3)
	plan.Steps[0].Status = task.StepCompleted
	control := &fakeControl{task: &task.Task{ID: "01A", Status: task.StatusExecuting, Percentage: 33, Plan: plan}}
	router := &scriptedRouter{}
	e := newExecutor(control, router)

	if err := e.Execute(context.Background(), &queue.Delivery{TaskID: "01A", Attempt: 2}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(router.calls) != 2 || router.calls[0] != 1 {
		t.Errorf("expected resume at step 1, got calls %v", router.calls)
	}
}

func TestExecuteSkipsTerminalTask(t *testing.T) {
	control := &fakeControl{
		task:    &task.Task{ID: "01A", Status: task.StatusCompleted},
		markErr: cerr.NewError(cerr.FailedPrecondition, "task is completed, not executable", nil),
	}
	router := &scriptedRouter{}
	e := newExecutor(control, router)

	if err := e.Execute(context.Background(), &queue.Delivery{TaskID: "01A", Attempt: 2}); err != nil {
		t.Fatalf("terminal redelivery should settle cleanly: %v", err)
	}
	if len(router.calls) != 0 {
		t.Errorf("no steps should run for a terminal task, got %v", router.calls)
	}
}

func TestExecuteRedeliversNonTerminalPrecondition(t *testing.T) {
	// A delivery can race a lagging status write. The task is not terminal,
	// so settling here would strand it with no live delivery; the executor
	// must hand the job back for redelivery instead.
	control := &fakeControl{
		task:    &task.Task{ID: "01A", Status: task.StatusPlanned, Plan: planOf(2)},
		markErr: cerr.NewError(cerr.FailedPrecondition, "task is planned, not executable", nil),
	}
	router := &scriptedRouter{}
	e := newExecutor(control, router)

	if err := e.Execute(context.Background(), &queue.Delivery{TaskID: "01A", Attempt: 1}); err == nil {
		t.Fatal("non-terminal precondition failure must surface an error so the delivery is nacked")
	}
	if len(router.calls) != 0 {
		t.Errorf("no steps should run before the task is executable, got %v", router.calls)
	}
}

func TestExecuteMissingPlanFails(t *testing.T) {
	control := &fakeControl{task: &task.Task{ID: "01A", Status: task.StatusExecuting}}
	e := newExecutor(control, &scriptedRouter{})

	if err := e.Execute(context.Background(), &queue.Delivery{TaskID: "01A", Attempt: 1}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if control.failure == "" {
		t.Error("task without a plan should fail")
	}
}
