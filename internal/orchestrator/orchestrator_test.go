package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kazz187/longrun/internal/approval"
	"github.com/kazz187/longrun/internal/audit"
	auditimpl "github.com/kazz187/longrun/internal/audit/repositoryimpl"
	"github.com/kazz187/longrun/internal/capability"
	"github.com/kazz187/longrun/internal/config"
	"github.com/kazz187/longrun/internal/eventbus"
	"github.com/kazz187/longrun/internal/queue"
	"github.com/kazz187/longrun/internal/task"
	taskimpl "github.com/kazz187/longrun/internal/task/repositoryimpl"
	"github.com/kazz187/longrun/pkg/cerr"
	"github.com/kazz187/longrun/pkg/storage"
)

type fakeDetector struct {
	cls *capability.Classification
	err error
}

func (f *fakeDetector) Classify(_ context.Context, _ *task.Task) (*capability.Classification, error) {
	return f.cls, f.err
}

type fakePlanner struct {
	plan *task.ExecutionPlan
	err  error
}

func (f *fakePlanner) Plan(_ context.Context, _ *task.Task) (*task.ExecutionPlan, error) {
	return f.plan, f.err
}

type fixture struct {
	orch  *Orchestrator
	queue *queue.MemoryQueue
	audit audit.Repository
}

func newFixture(t *testing.T, d Detector, p Planner) *fixture {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	q := queue.NewMemoryQueue(8)
	auditRepo := auditimpl.NewYAMLRepository(s)
	env := &config.WorkerEnv{StepRetryLimit: 3, ApprovalTTL: 72 * time.Hour}
	orch := New(taskimpl.NewYAMLRepository(s), auditRepo, approval.NewGate(), q, eventbus.New(), d, p, env)
	return &fixture{orch: orch, queue: q, audit: auditRepo}
}

func threeStepPlan() *task.ExecutionPlan {
	return &task.ExecutionPlan{
		CreatedAt: time.Now().UTC(),
		Steps: []task.Step{
			{Index: 0, Title: "a", Capability: "agent", Status: task.StepPending},
			{Index: 1, Title: "b", Capability: "agent", Status: task.StepPending},
			{Index: 2, Title: "c", Capability: "shell", Command: "true", Status: task.StepPending},
		},
	}
}

func asyncDetector(flags ...string) *fakeDetector {
	return &fakeDetector{cls: &capability.Classification{
		Async:      true,
		Lane:       "normal",
		Capability: "agent",
		RiskFlags:  flags,
	}}
}

func TestSubmitSynchronous(t *testing.T) {
	f := newFixture(t, &fakeDetector{cls: &capability.Classification{Async: false, Answer: "done already"}}, &fakePlanner{})
	got, err := f.orch.Submit(context.Background(), task.SubmitInput{Title: "quick question", Description: "what time is it"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if got.Status != task.StatusSynchronous {
		t.Errorf("expected synchronous status, got %s", got.Status)
	}
	if got.Result != "done already" || got.Percentage != 100 {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestSubmitEmptyTitle(t *testing.T) {
	f := newFixture(t, asyncDetector(), &fakePlanner{plan: threeStepPlan()})
	_, err := f.orch.Submit(context.Background(), task.SubmitInput{Title: "  ", Description: "whatever"})
	if !cerr.IsCode(err, cerr.InvalidArgument) {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}

func TestSubmitAsyncAutoEnqueue(t *testing.T) {
	f := newFixture(t, asyncDetector(), &fakePlanner{plan: threeStepPlan()})
	got, err := f.orch.Submit(context.Background(), task.SubmitInput{Title: "reindex", Description: "rebuild the search index"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if got.Status != task.StatusQueued {
		t.Errorf("expected queued, got %s", got.Status)
	}
	if got.Plan == nil || len(got.Plan.Steps) != 3 {
		t.Errorf("plan not stored: %+v", got.Plan)
	}
	if f.queue.Len(task.LaneNormal) != 1 {
		t.Errorf("expected 1 queued delivery, got %d", f.queue.Len(task.LaneNormal))
	}
	if got.JobID == "" || got.QueuedAt == nil {
		t.Errorf("job handle not recorded: jobID=%q queuedAt=%v", got.JobID, got.QueuedAt)
	}
}

func TestSubmitRiskyRequiresApproval(t *testing.T) {
	f := newFixture(t, asyncDetector("irreversible"), &fakePlanner{plan: threeStepPlan()})
	got, err := f.orch.Submit(context.Background(), task.SubmitInput{Title: "drop table", Description: "remove old records"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if got.Status != task.StatusPendingApproval || got.ApprovalStatus != task.ApprovalPending {
		t.Errorf("expected pending approval, got %s/%s", got.Status, got.ApprovalStatus)
	}
	if got.ApprovalRequestedAt == nil {
		t.Error("approval request time should be set")
	}
	if f.queue.Len(task.LaneNormal) != 0 {
		t.Error("gated task must not be enqueued")
	}
}

func TestSubmitClassifierFailureFallsBackSynchronous(t *testing.T) {
	f := newFixture(t, &fakeDetector{err: errors.New("capability down")}, &fakePlanner{plan: threeStepPlan()})
	got, err := f.orch.Submit(context.Background(), task.SubmitInput{Title: "mystery", Description: "unclassifiable"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if got.Status != task.StatusSynchronous {
		t.Errorf("expected synchronous fallback, got %s", got.Status)
	}
	entries, err := f.audit.ListByTask(context.Background(), got.ID)
	if err != nil {
		t.Fatalf("list audit failed: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.Kind == audit.KindError {
			found = true
		}
	}
	if !found {
		t.Error("fallback should leave an error audit entry")
	}
}

func TestSubmitPlannerFailureIsFatal(t *testing.T) {
	f := newFixture(t, asyncDetector(), &fakePlanner{err: errors.New("planner down")})
	got, err := f.orch.Submit(context.Background(), task.SubmitInput{Title: "reindex", Description: "rebuild"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("execution error should be recorded")
	}
}

func TestSubmitEmptyPlanIsFatal(t *testing.T) {
	f := newFixture(t, asyncDetector(), &fakePlanner{plan: &task.ExecutionPlan{}})
	got, err := f.orch.Submit(context.Background(), task.SubmitInput{Title: "reindex", Description: "rebuild"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
}

func submitPending(t *testing.T, f *fixture) *task.Task {
	t.Helper()
	got, err := f.orch.Submit(context.Background(), task.SubmitInput{Title: "risky", Description: "flagged work"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if got.Status != task.StatusPendingApproval {
		t.Fatalf("fixture task should be pending approval, got %s", got.Status)
	}
	return got
}

func TestApproveEnqueues(t *testing.T) {
	f := newFixture(t, asyncDetector("financial"), &fakePlanner{plan: threeStepPlan()})
	pending := submitPending(t, f)

	got, err := f.orch.Approve(context.Background(), pending.ID, "alice")
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if got.Status != task.StatusQueued || got.ApprovalStatus != task.ApprovalApproved {
		t.Errorf("unexpected state after approve: %s/%s", got.Status, got.ApprovalStatus)
	}
	if f.queue.Len(task.LaneNormal) != 1 {
		t.Error("approved task should be enqueued")
	}

	if _, err := f.orch.Approve(context.Background(), pending.ID, "bob"); !cerr.IsCode(err, cerr.FailedPrecondition) {
		t.Errorf("second approve should fail with FailedPrecondition, got %v", err)
	}
}

func TestRejectTerminates(t *testing.T) {
	f := newFixture(t, asyncDetector("financial"), &fakePlanner{plan: threeStepPlan()})
	pending := submitPending(t, f)

	got, err := f.orch.Reject(context.Background(), pending.ID, "alice", "not this quarter")
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if got.Status != task.StatusRejected || got.ApprovalStatus != task.ApprovalRejected {
		t.Errorf("unexpected state after reject: %s/%s", got.Status, got.ApprovalStatus)
	}
	if got.ApprovalReason != "not this quarter" || got.FinishedAt == nil {
		t.Errorf("rejection detail not recorded: %+v", got)
	}
	if f.queue.Len(task.LaneNormal) != 0 {
		t.Error("rejected task must not be enqueued")
	}

	if _, err := f.orch.Reject(context.Background(), pending.ID, "bob", ""); !cerr.IsCode(err, cerr.FailedPrecondition) {
		t.Errorf("second reject should fail with FailedPrecondition, got %v", err)
	}
}

func TestProgressMonotonic(t *testing.T) {
	f := newFixture(t, asyncDetector(), &fakePlanner{plan: threeStepPlan()})
	got, err := f.orch.Submit(context.Background(), task.SubmitInput{Title: "reindex", Description: "rebuild"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := f.orch.MarkExecuting(context.Background(), got.ID); err != nil {
		t.Fatalf("mark executing failed: %v", err)
	}
	if _, err := f.orch.UpdateProgress(context.Background(), got.ID, 33, 0, "step 1 done"); err != nil {
		t.Fatalf("progress update failed: %v", err)
	}
	if _, err := f.orch.UpdateProgress(context.Background(), got.ID, 20, 0, "backwards"); !cerr.IsCode(err, cerr.FailedPrecondition) {
		t.Errorf("decreasing progress should fail with FailedPrecondition, got %v", err)
	}
	updated, err := f.orch.Get(context.Background(), got.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if updated.Percentage != 33 {
		t.Errorf("rejected update must not mutate percentage, got %d", updated.Percentage)
	}
}

func TestMarkExecutingRedelivery(t *testing.T) {
	f := newFixture(t, asyncDetector(), &fakePlanner{plan: threeStepPlan()})
	got, err := f.orch.Submit(context.Background(), task.SubmitInput{Title: "reindex", Description: "rebuild"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := f.orch.MarkExecuting(context.Background(), got.ID); err != nil {
		t.Fatalf("mark executing failed: %v", err)
	}
	// a redelivered job sees the task already executing
	again, err := f.orch.MarkExecuting(context.Background(), got.ID)
	if err != nil {
		t.Fatalf("redelivered mark executing failed: %v", err)
	}
	if again.Status != task.StatusExecuting {
		t.Errorf("expected executing, got %s", again.Status)
	}
}

func TestTerminalIdempotence(t *testing.T) {
	f := newFixture(t, asyncDetector(), &fakePlanner{plan: threeStepPlan()})
	got, err := f.orch.Submit(context.Background(), task.SubmitInput{Title: "reindex", Description: "rebuild"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := f.orch.MarkExecuting(context.Background(), got.ID); err != nil {
		t.Fatalf("mark executing failed: %v", err)
	}
	done, err := f.orch.Complete(context.Background(), got.ID, "all steps done")
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if done.Status != task.StatusCompleted || done.Percentage != 100 {
		t.Errorf("unexpected state after complete: %+v", done)
	}

	// terminal operations are no-ops afterwards
	after, err := f.orch.Fail(context.Background(), got.ID, "late failure")
	if err != nil {
		t.Fatalf("fail after complete errored: %v", err)
	}
	if after.Status != task.StatusCompleted || after.Result != "all steps done" {
		t.Errorf("terminal result was overwritten: %+v", after)
	}
	if _, err := f.orch.Complete(context.Background(), got.ID, "other result"); err != nil {
		t.Fatalf("second complete errored: %v", err)
	}
	final, _ := f.orch.Get(context.Background(), got.ID)
	if final.Result != "all steps done" {
		t.Errorf("second complete must not overwrite result, got %q", final.Result)
	}
}

func TestCommentRoundtrip(t *testing.T) {
	f := newFixture(t, asyncDetector(), &fakePlanner{plan: threeStepPlan()})
	got, err := f.orch.Submit(context.Background(), task.SubmitInput{Title: "reindex", Description: "rebuild"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := f.orch.AddComment(context.Background(), got.ID, "alice", "looks fine"); err != nil {
		t.Fatalf("add comment failed: %v", err)
	}
	if _, err := f.orch.AddComment(context.Background(), got.ID, "alice", "   "); !cerr.IsCode(err, cerr.InvalidArgument) {
		t.Errorf("empty comment should fail, got %v", err)
	}
	entries, err := f.orch.ListComments(context.Background(), got.ID)
	if err != nil {
		t.Fatalf("list comments failed: %v", err)
	}
	var notes int
	for _, e := range entries {
		if e.Kind == audit.KindNote && e.Author == "alice" {
			notes++
		}
	}
	if notes != 1 {
		t.Errorf("expected 1 user note, got %d", notes)
	}
	if _, err := f.orch.ListComments(context.Background(), "missing"); !cerr.IsCode(err, cerr.NotFound) {
		t.Errorf("expected NotFound for missing task, got %v", err)
	}
}

func TestApprovalExpiry(t *testing.T) {
	f := newFixture(t, asyncDetector("high_impact"), &fakePlanner{plan: threeStepPlan()})
	pending := submitPending(t, f)

	// age the approval request past the TTL
	stored, err := f.orch.Get(context.Background(), pending.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	old := time.Now().UTC().Add(-100 * time.Hour)
	stored.ApprovalRequestedAt = &old
	if err := f.orch.repo.Update(context.Background(), stored); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	f.orch.expirePendingApprovals(context.Background())

	got, err := f.orch.Get(context.Background(), pending.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != task.StatusRejected || got.ApprovalStatus != task.ApprovalExpired {
		t.Errorf("expected expired rejection, got %s/%s", got.Status, got.ApprovalStatus)
	}
}

// observingQueue snapshots the persisted task status at the moment a
// delivery becomes visible to workers.
type observingQueue struct {
	*queue.MemoryQueue
	repo            task.Repository
	statusAtPublish task.Status
}

func (q *observingQueue) Enqueue(ctx context.Context, taskID string, lane task.Lane) error {
	if t, err := q.repo.Get(ctx, taskID); err == nil {
		q.statusAtPublish = t.Status
	}
	return q.MemoryQueue.Enqueue(ctx, taskID, lane)
}

func TestEnqueuePersistsQueuedBeforeDelivery(t *testing.T) {
	s, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	repo := taskimpl.NewYAMLRepository(s)
	q := &observingQueue{MemoryQueue: queue.NewMemoryQueue(8), repo: repo}
	env := &config.WorkerEnv{StepRetryLimit: 3}
	orch := New(repo, auditimpl.NewYAMLRepository(s), approval.NewGate(), q, eventbus.New(), asyncDetector(), &fakePlanner{plan: threeStepPlan()}, env)

	got, err := orch.Submit(context.Background(), task.SubmitInput{Title: "reindex", Description: "rebuild"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if got.Status != task.StatusQueued {
		t.Fatalf("expected queued, got %s", got.Status)
	}
	// A worker that dequeues immediately must already see the queued record,
	// otherwise it would treat the delivery as non-executable and settle it.
	if q.statusAtPublish != task.StatusQueued {
		t.Errorf("status at publish was %q, want %q", q.statusAtPublish, task.StatusQueued)
	}
}

type failingQueue struct {
	*queue.MemoryQueue
}

func (q *failingQueue) Enqueue(_ context.Context, _ string, _ task.Lane) error {
	return cerr.NewError(cerr.ResourceExhausted, "lane is full", nil)
}

func TestEnqueueRollsBackOnFullLane(t *testing.T) {
	s, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	repo := taskimpl.NewYAMLRepository(s)
	q := &failingQueue{MemoryQueue: queue.NewMemoryQueue(8)}
	env := &config.WorkerEnv{StepRetryLimit: 3}
	orch := New(repo, auditimpl.NewYAMLRepository(s), approval.NewGate(), q, eventbus.New(), asyncDetector(), &fakePlanner{plan: threeStepPlan()}, env)

	got, err := orch.Submit(context.Background(), task.SubmitInput{Title: "reindex", Description: "rebuild"})
	if !cerr.IsCode(err, cerr.ResourceExhausted) {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	stored, gerr := repo.Get(context.Background(), got.ID)
	if gerr != nil {
		t.Fatalf("get failed: %v", gerr)
	}
	if stored.Status == task.StatusQueued {
		t.Error("a failed enqueue must not leave the task marked queued")
	}
	if stored.JobID != "" || stored.QueuedAt != nil {
		t.Errorf("job handle must be cleared after rollback: jobID=%q queuedAt=%v", stored.JobID, stored.QueuedAt)
	}
}
