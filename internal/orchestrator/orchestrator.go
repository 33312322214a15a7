package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/longrun/internal/approval"
	"github.com/kazz187/longrun/internal/audit"
	"github.com/kazz187/longrun/internal/capability"
	"github.com/kazz187/longrun/internal/config"
	"github.com/kazz187/longrun/internal/eventbus"
	"github.com/kazz187/longrun/internal/queue"
	"github.com/kazz187/longrun/internal/task"
	"github.com/kazz187/longrun/pkg/cerr"
)

type Detector interface {
	Classify(ctx context.Context, t *task.Task) (*capability.Classification, error)
}

type Planner interface {
	Plan(ctx context.Context, t *task.Task) (*task.ExecutionPlan, error)
}

// Orchestrator owns the task state machine. All status transitions go
// through it so the audit trail and the event stream stay consistent with
// the stored record.
type Orchestrator struct {
	repo      task.Repository
	auditRepo audit.Repository
	gate      *approval.Gate
	queue     queue.Queue
	bus       *eventbus.Bus
	detector  Detector
	planner   Planner
	env       *config.WorkerEnv
}

func New(
	repo task.Repository,
	auditRepo audit.Repository,
	gate *approval.Gate,
	q queue.Queue,
	bus *eventbus.Bus,
	detector Detector,
	planner Planner,
	env *config.WorkerEnv,
) *Orchestrator {
	return &Orchestrator{
		repo:      repo,
		auditRepo: auditRepo,
		gate:      gate,
		queue:     q,
		bus:       bus,
		detector:  detector,
		planner:   planner,
		env:       env,
	}
}

// Submit creates a task, classifies it, and either resolves it synchronously
// or plans it for asynchronous execution. The returned task reflects the
// state after detection and planning.
func (o *Orchestrator) Submit(ctx context.Context, in task.SubmitInput) (*task.Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "title is required", nil)
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:             ulid.Make().String(),
		TenantID:       in.TenantID,
		Actor:          in.Actor,
		Title:          in.Title,
		Description:    in.Description,
		Status:         task.StatusCreated,
		Lane:           task.LaneNormal,
		ApprovalStatus: task.ApprovalNone,
		Metadata:       in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	o.appendAudit(ctx, t.ID, audit.KindStatusChange, "task created", nil)
	o.bus.PublishNew(eventbus.TypeTaskCreated, t.ID, task.ProgressOf(t).JSON(), nil)

	if err := o.transition(ctx, t, task.StatusDetecting, ""); err != nil {
		return nil, err
	}

	cls, err := o.detector.Classify(ctx, t)
	if err != nil {
		// Conservative fallback: an unclassifiable task is handled on the
		// synchronous path rather than parked in the queue.
		slog.Warn("classification failed, falling back to synchronous handling", "task_id", t.ID, "error", err)
		o.appendAudit(ctx, t.ID, audit.KindError, fmt.Sprintf("classification failed, handled synchronously: %v", err), nil)
		if err := o.transition(ctx, t, task.StatusSynchronous, ""); err != nil {
			return nil, err
		}
		return t, nil
	}

	if !cls.Async {
		t.Result = cls.Answer
		t.Percentage = 100
		if err := o.transition(ctx, t, task.StatusSynchronous, ""); err != nil {
			return nil, err
		}
		o.appendAudit(ctx, t.ID, audit.KindNote, "resolved synchronously", map[string]string{"reason": cls.Reason})
		return t, nil
	}

	t.Lane, _ = task.ParseLane(cls.Lane)
	t.Capability = cls.Capability
	t.RiskFlags = approval.ParseRiskFlags(cls.RiskFlags)
	t.EstimatedSeconds = cls.EstimatedSeconds
	if err := o.repo.Update(ctx, t); err != nil {
		return nil, err
	}

	plan, err := o.planner.Plan(ctx, t)
	if err != nil {
		return t, o.failPlanning(ctx, t, fmt.Sprintf("planning failed: %v", err))
	}
	if len(plan.Steps) == 0 {
		return t, o.failPlanning(ctx, t, "planner returned an empty plan")
	}
	t.Plan = plan
	if err := o.transition(ctx, t, task.StatusPlanned, ""); err != nil {
		return nil, err
	}

	decision := o.gate.Evaluate(t)
	if decision.RequiresApproval {
		t.ApprovalStatus = task.ApprovalPending
		requestedAt := time.Now().UTC()
		t.ApprovalRequestedAt = &requestedAt
		if err := o.transition(ctx, t, task.StatusPendingApproval, ""); err != nil {
			return nil, err
		}
		o.appendAudit(ctx, t.ID, audit.KindApproval, "approval required: "+strings.Join(decision.Reasons, "; "), nil)
		o.bus.PublishNew(eventbus.TypeApprovalRequested, t.ID, task.ProgressOf(t).JSON(), nil)
		return t, nil
	}

	if err := o.enqueue(ctx, t); err != nil {
		return t, err
	}
	return t, nil
}

// Approve clears a pending task for execution. A second resolution attempt
// fails without mutating the record.
func (o *Orchestrator) Approve(ctx context.Context, taskID, approver string) (*task.Task, error) {
	t, err := o.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.ApprovalStatus != task.ApprovalPending {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("task approval is %s, not pending", t.ApprovalStatus), nil)
	}
	t.ApprovalStatus = task.ApprovalApproved
	t.ApprovalResolvedBy = approver
	if err := o.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	o.appendAudit(ctx, t.ID, audit.KindApproval, "approved by "+approver, nil)
	o.bus.PublishNew(eventbus.TypeApprovalResolved, t.ID, task.ProgressOf(t).JSON(), nil)

	if err := o.enqueue(ctx, t); err != nil {
		return t, err
	}
	return t, nil
}

// Reject resolves a pending approval negatively and terminates the task.
// Rejection only exists before a job is queued.
func (o *Orchestrator) Reject(ctx context.Context, taskID, approver, reason string) (*task.Task, error) {
	t, err := o.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.ApprovalStatus != task.ApprovalPending {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("task approval is %s, not pending", t.ApprovalStatus), nil)
	}
	t.ApprovalStatus = task.ApprovalRejected
	t.ApprovalResolvedBy = approver
	t.ApprovalReason = reason
	if err := o.transition(ctx, t, task.StatusRejected, ""); err != nil {
		return nil, err
	}
	msg := "rejected by " + approver
	if reason != "" {
		msg += ": " + reason
	}
	o.appendAudit(ctx, t.ID, audit.KindApproval, msg, nil)
	o.bus.PublishNew(eventbus.TypeApprovalResolved, t.ID, task.ProgressOf(t).JSON(), nil)
	return t, nil
}

// MarkExecuting is called by a worker that acquired the job. For a
// redelivered job of an already executing task this is a no-op so the
// worker can resume from the recorded step index.
func (o *Orchestrator) MarkExecuting(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := o.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case task.StatusQueued:
		if err := o.transition(ctx, t, task.StatusExecuting, ""); err != nil {
			return nil, err
		}
		return t, nil
	case task.StatusExecuting:
		return t, nil
	default:
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("task is %s, not executable", t.Status), nil)
	}
}

// UpdateProgress records step progress. Percentage is monotonic while a
// task executes; a lower value is rejected.
func (o *Orchestrator) UpdateProgress(ctx context.Context, taskID string, percentage, stepIndex int, note string) (*task.Task, error) {
	t, err := o.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusExecuting {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("task is %s, progress updates require executing", t.Status), nil)
	}
	if percentage < t.Percentage {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("progress may not decrease: %d < %d", percentage, t.Percentage), nil)
	}
	if percentage > 100 {
		percentage = 100
	}
	t.Percentage = percentage
	t.CurrentStepIndex = stepIndex
	t.UpdatedAt = time.Now().UTC()
	if err := o.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	o.appendAudit(ctx, t.ID, audit.KindProgressUpdate, note, map[string]string{
		"percentage": fmt.Sprintf("%d", percentage),
		"step_index": fmt.Sprintf("%d", stepIndex),
	})
	o.bus.PublishNew(eventbus.TypeTaskProgress, t.ID, task.ProgressOf(t).JSON(), nil)
	return t, nil
}

// RecordStep persists step-level bookkeeping (status and attempt count)
// so a redelivered job can resume from the first unfinished step.
func (o *Orchestrator) RecordStep(ctx context.Context, taskID string, stepIndex int, status task.StepStatus, attempts int) error {
	t, err := o.repo.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Plan == nil || stepIndex < 0 || stepIndex >= len(t.Plan.Steps) {
		return cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("step index %d out of range", stepIndex), nil)
	}
	t.Plan.Steps[stepIndex].Status = status
	t.Plan.Steps[stepIndex].Attempts = attempts
	t.UpdatedAt = time.Now().UTC()
	return o.repo.Update(ctx, t)
}

// Complete is idempotent: completing an already terminal task logs and
// returns the stored record untouched.
func (o *Orchestrator) Complete(ctx context.Context, taskID, result string) (*task.Task, error) {
	t, err := o.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		slog.Info("complete called on terminal task, ignoring", "task_id", t.ID, "status", t.Status)
		return t, nil
	}
	t.Result = result
	t.Percentage = 100
	if err := o.transition(ctx, t, task.StatusCompleted, ""); err != nil {
		return nil, err
	}
	o.bus.PublishNew(eventbus.TypeTaskCompleted, t.ID, task.ProgressOf(t).JSON(), nil)
	return t, nil
}

// Fail is the failing twin of Complete with the same idempotence.
func (o *Orchestrator) Fail(ctx context.Context, taskID, execErr string) (*task.Task, error) {
	t, err := o.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		slog.Info("fail called on terminal task, ignoring", "task_id", t.ID, "status", t.Status)
		return t, nil
	}
	t.ErrorMessage = execErr
	if err := o.transition(ctx, t, task.StatusFailed, ""); err != nil {
		return nil, err
	}
	o.appendAudit(ctx, t.ID, audit.KindError, execErr, nil)
	o.bus.PublishNew(eventbus.TypeTaskFailed, t.ID, task.ProgressOf(t).JSON(), nil)
	return t, nil
}

func (o *Orchestrator) Get(ctx context.Context, taskID string) (*task.Task, error) {
	return o.repo.Get(ctx, taskID)
}

func (o *Orchestrator) List(ctx context.Context, status task.Status, lane task.Lane, limit, offset int) ([]*task.Task, int, error) {
	return o.repo.List(ctx, status, lane, limit, offset)
}

func (o *Orchestrator) AddComment(ctx context.Context, taskID, author, message string) (*audit.Entry, error) {
	if strings.TrimSpace(message) == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "message is required", nil)
	}
	if _, err := o.repo.Get(ctx, taskID); err != nil {
		return nil, err
	}
	e := &audit.Entry{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Kind:      audit.KindNote,
		Message:   message,
		Author:    author,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.auditRepo.Append(ctx, e); err != nil {
		return nil, err
	}
	o.bus.PublishNew(eventbus.TypeCommentAdded, taskID, message, map[string]string{"author": author})
	return e, nil
}

func (o *Orchestrator) ListComments(ctx context.Context, taskID string) ([]*audit.Entry, error) {
	if _, err := o.repo.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return o.auditRepo.ListByTask(ctx, taskID)
}

// StartApprovalJanitor expires tasks that sat in pending approval past the
// configured TTL. A zero TTL disables expiry.
func (o *Orchestrator) StartApprovalJanitor(ctx context.Context) {
	if o.env.ApprovalTTL <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.expirePendingApprovals(ctx)
			}
		}
	}()
}

func (o *Orchestrator) expirePendingApprovals(ctx context.Context) {
	pending, _, err := o.repo.List(ctx, task.StatusPendingApproval, "", 0, 0)
	if err != nil {
		slog.Error("approval janitor: failed to list pending tasks", "error", err)
		return
	}
	cutoff := time.Now().UTC().Add(-o.env.ApprovalTTL)
	for _, t := range pending {
		if t.ApprovalRequestedAt == nil || t.ApprovalRequestedAt.After(cutoff) {
			continue
		}
		t.ApprovalStatus = task.ApprovalExpired
		if err := o.transition(ctx, t, task.StatusRejected, ""); err != nil {
			slog.Error("approval janitor: failed to expire task", "task_id", t.ID, "error", err)
			continue
		}
		o.appendAudit(ctx, t.ID, audit.KindApproval,
			fmt.Sprintf("approval expired after %s", o.env.ApprovalTTL), nil)
		o.bus.PublishNew(eventbus.TypeApprovalResolved, t.ID, task.ProgressOf(t).JSON(), nil)
		slog.Info("approval expired", "task_id", t.ID)
	}
}

// enqueue persists the queued status before publishing the delivery. A
// worker may dequeue the instant the delivery is visible, so the record it
// loads must already say queued.
func (o *Orchestrator) enqueue(ctx context.Context, t *task.Task) error {
	from := t.Status
	t.JobID = ulid.Make().String()
	if err := o.transition(ctx, t, task.StatusQueued, ""); err != nil {
		t.JobID = ""
		return err
	}
	if err := o.queue.Enqueue(ctx, t.ID, t.Lane); err != nil {
		t.JobID = ""
		t.QueuedAt = nil
		t.Status = from
		t.UpdatedAt = time.Now().UTC()
		if uerr := o.repo.Update(ctx, t); uerr != nil {
			slog.Error("failed to roll back queued status", "task_id", t.ID, "error", uerr)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) failPlanning(ctx context.Context, t *task.Task, msg string) error {
	t.ErrorMessage = msg
	if err := o.transition(ctx, t, task.StatusFailed, ""); err != nil {
		return err
	}
	o.appendAudit(ctx, t.ID, audit.KindError, msg, nil)
	o.bus.PublishNew(eventbus.TypeTaskFailed, t.ID, task.ProgressOf(t).JSON(), nil)
	return nil
}

func (o *Orchestrator) transition(ctx context.Context, t *task.Task, to task.Status, note string) error {
	from := t.Status
	now := time.Now().UTC()
	t.Status = to
	t.UpdatedAt = now
	switch {
	case to == task.StatusPlanned:
		t.PlannedAt = &now
	case to == task.StatusQueued:
		t.QueuedAt = &now
	case to == task.StatusExecuting:
		t.StartedAt = &now
	case to.Terminal():
		t.FinishedAt = &now
	}
	if err := o.repo.Update(ctx, t); err != nil {
		t.Status = from
		return err
	}
	msg := fmt.Sprintf("%s -> %s", from, to)
	if note != "" {
		msg += ": " + note
	}
	o.appendAudit(ctx, t.ID, audit.KindStatusChange, msg, nil)
	o.bus.PublishNew(eventbus.TypeTaskStatusChanged, t.ID, task.ProgressOf(t).JSON(), nil)
	return nil
}

// Audit writes never block a state transition. A failed write is logged and
// the transition stands.
func (o *Orchestrator) appendAudit(ctx context.Context, taskID string, kind audit.Kind, message string, metadata map[string]string) {
	e := &audit.Entry{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Kind:      kind,
		Message:   message,
		Author:    "system",
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.auditRepo.Append(ctx, e); err != nil {
		slog.Error("failed to append audit entry", "task_id", taskID, "kind", kind, "error", err)
	}
}
