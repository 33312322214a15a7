package task

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/longrun/internal/audit"
	"github.com/kazz187/longrun/pkg/cerr"
)

// SubmitInput carries the caller-supplied identity and content of a new
// task. Everything else on the record is derived.
type SubmitInput struct {
	Title       string
	Description string
	Actor       string
	TenantID    string
	Metadata    map[string]string
}

// Service is the orchestrator surface the HTTP layer needs.
type Service interface {
	Submit(ctx context.Context, in SubmitInput) (*Task, error)
	Get(ctx context.Context, taskID string) (*Task, error)
	List(ctx context.Context, status Status, lane Lane, limit, offset int) ([]*Task, int, error)
	Approve(ctx context.Context, taskID, approver string) (*Task, error)
	Reject(ctx context.Context, taskID, approver, reason string) (*Task, error)
	AddComment(ctx context.Context, taskID, author, message string) (*audit.Entry, error)
	ListComments(ctx context.Context, taskID string) ([]*audit.Entry, error)
}

// ProgressSource serves poll requests from the live event stream. The task
// record is the fallback when the source has not seen the task yet.
type ProgressSource interface {
	Latest(taskID string) (Progress, bool)
}

type Server struct {
	service  Service
	progress ProgressSource
}

func NewServer(service Service, progress ProgressSource) *Server {
	return &Server{
		service:  service,
		progress: progress,
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.submit)
		r.Get("/", s.list)
		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", s.get)
			r.Get("/progress", s.getProgress)
			r.Get("/plan", s.getPlan)
			r.Post("/approve", s.approve)
			r.Post("/reject", s.reject)
			r.Get("/comments", s.listComments)
			r.Post("/comments", s.addComment)
		})
	})
}

type submitRequest struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Actor       string            `json:"actor,omitempty"`
	TenantID    string            `json:"tenantId,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	t, err := s.service.Submit(ctx, SubmitInput{
		Title:       req.Title,
		Description: req.Description,
		Actor:       req.Actor,
		TenantID:    req.TenantID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, toTaskResponse(t))
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.service.Get(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, toTaskResponse(t))
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	status := Status(q.Get("status"))
	if status != "" && !status.Valid() {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "unknown status: "+string(status), nil)
		return
	}
	var lane Lane
	if raw := q.Get("lane"); raw != "" {
		parsed, ok := ParseLane(raw)
		if !ok {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "unknown lane: "+raw, nil)
			return
		}
		lane = parsed
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	tasks, total, err := s.service.List(ctx, status, lane, limit, offset)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	resp := listResponse{Total: total, Tasks: make([]*taskResponse, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, toTaskResponse(t))
	}
	cerr.SetJSONResponse(ctx, resp)
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "taskID")
	t, err := s.service.Get(ctx, taskID)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if s.progress != nil {
		if p, ok := s.progress.Latest(taskID); ok {
			cerr.SetJSONResponse(ctx, p)
			return
		}
	}
	cerr.SetJSONResponse(ctx, ProgressOf(t))
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.service.Get(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	resp := planResponse{
		TaskID:    t.ID,
		RiskFlags: t.RiskFlags,
		Steps:     []stepResponse{},
	}
	if t.Plan != nil {
		resp.ModelTag = t.Plan.ModelTag
		for i := range t.Plan.Steps {
			resp.Steps = append(resp.Steps, toStepResponse(&t.Plan.Steps[i]))
		}
	}
	cerr.SetJSONResponse(ctx, resp)
}

type resolveRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	if req.Approver == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "approver is required", nil)
		return
	}
	t, err := s.service.Approve(ctx, chi.URLParam(r, "taskID"), req.Approver)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, toTaskResponse(t))
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	if req.Approver == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "approver is required", nil)
		return
	}
	t, err := s.service.Reject(ctx, chi.URLParam(r, "taskID"), req.Approver, req.Reason)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, toTaskResponse(t))
}

type commentRequest struct {
	Author  string `json:"author"`
	Message string `json:"message"`
}

func (s *Server) addComment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req commentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	e, err := s.service.AddComment(ctx, chi.URLParam(r, "taskID"), req.Author, req.Message)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, toEntryResponse(e))
}

func (s *Server) listComments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := s.service.ListComments(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	resp := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, toEntryResponse(e))
	}
	cerr.SetJSONResponse(ctx, resp)
}

type taskResponse struct {
	ID                  string            `json:"id"`
	TenantID            string            `json:"tenantId,omitempty"`
	Actor               string            `json:"actor,omitempty"`
	Title               string            `json:"title"`
	Description         string            `json:"description"`
	Status              Status            `json:"status"`
	Lane                Lane              `json:"lane"`
	Capability          string            `json:"capability,omitempty"`
	RiskFlags           []RiskFlag        `json:"riskFlags,omitempty"`
	EstimatedSeconds    int               `json:"estimatedSeconds,omitempty"`
	JobID               string            `json:"jobId,omitempty"`
	CurrentStepIndex    int               `json:"currentStepIndex"`
	Percentage          int               `json:"percentage"`
	ApprovalStatus      ApprovalStatus    `json:"approvalStatus"`
	ApprovalRequestedAt *time.Time        `json:"approvalRequestedAt,omitempty"`
	ApprovalResolvedBy  string            `json:"approvalResolvedBy,omitempty"`
	ApprovalReason      string            `json:"approvalReason,omitempty"`
	Result              string            `json:"result,omitempty"`
	ErrorMessage        string            `json:"errorMessage,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
	PlannedAt           *time.Time        `json:"plannedAt,omitempty"`
	QueuedAt            *time.Time        `json:"queuedAt,omitempty"`
	StartedAt           *time.Time        `json:"startedAt,omitempty"`
	FinishedAt          *time.Time        `json:"finishedAt,omitempty"`
}

type listResponse struct {
	Tasks []*taskResponse `json:"tasks"`
	Total int             `json:"total"`
}

type stepResponse struct {
	Index       int        `json:"index"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Capability  string     `json:"capability"`
	Command     string     `json:"command,omitempty"`
	Status      StepStatus `json:"status"`
	Attempts    int        `json:"attempts"`
}

type planResponse struct {
	TaskID    string         `json:"taskId"`
	ModelTag  string         `json:"modelTag,omitempty"`
	RiskFlags []RiskFlag     `json:"riskFlags,omitempty"`
	Steps     []stepResponse `json:"steps"`
}

type entryResponse struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"taskId"`
	Kind      audit.Kind        `json:"kind"`
	Message   string            `json:"message"`
	Author    string            `json:"author,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

func toTaskResponse(t *Task) *taskResponse {
	return &taskResponse{
		ID:                  t.ID,
		TenantID:            t.TenantID,
		Actor:               t.Actor,
		Title:               t.Title,
		Description:         t.Description,
		Status:              t.Status,
		Lane:                t.Lane,
		Capability:          t.Capability,
		RiskFlags:           t.RiskFlags,
		EstimatedSeconds:    t.EstimatedSeconds,
		JobID:               t.JobID,
		CurrentStepIndex:    t.CurrentStepIndex,
		Percentage:          t.Percentage,
		ApprovalStatus:      t.ApprovalStatus,
		ApprovalRequestedAt: t.ApprovalRequestedAt,
		ApprovalResolvedBy:  t.ApprovalResolvedBy,
		ApprovalReason:      t.ApprovalReason,
		Result:              t.Result,
		ErrorMessage:        t.ErrorMessage,
		Metadata:            t.Metadata,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
		PlannedAt:           t.PlannedAt,
		QueuedAt:            t.QueuedAt,
		StartedAt:           t.StartedAt,
		FinishedAt:          t.FinishedAt,
	}
}

func toStepResponse(s *Step) stepResponse {
	return stepResponse{
		Index:       s.Index,
		Title:       s.Title,
		Description: s.Description,
		Capability:  s.Capability,
		Command:     s.Command,
		Status:      s.Status,
		Attempts:    s.Attempts,
	}
}

func toEntryResponse(e *audit.Entry) entryResponse {
	return entryResponse{
		ID:        e.ID,
		TaskID:    e.TaskID,
		Kind:      e.Kind,
		Message:   e.Message,
		Author:    e.Author,
		Metadata:  e.Metadata,
		CreatedAt: e.CreatedAt,
	}
}
