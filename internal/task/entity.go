package task

import "time"

// Status is the lifecycle state of a task. Terminal statuses never change
// once written.
type Status string

const (
	StatusCreated         Status = "created"
	StatusDetecting       Status = "detecting"
	StatusSynchronous     Status = "synchronous"
	StatusPlanned         Status = "planned"
	StatusPendingApproval Status = "pending_approval"
	StatusQueued          Status = "queued"
	StatusExecuting       Status = "executing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusRejected        Status = "rejected"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSynchronous, StatusCompleted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusDetecting, StatusSynchronous, StatusPlanned,
		StatusPendingApproval, StatusQueued, StatusExecuting,
		StatusCompleted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// Lane is the priority lane a queued task is dispatched on.
type Lane string

const (
	LaneUrgent      Lane = "urgent"
	LaneNormal      Lane = "normal"
	LaneLow         Lane = "low"
	LaneSpecialized Lane = "specialized"
)

func ParseLane(s string) (Lane, bool) {
	switch Lane(s) {
	case LaneUrgent, LaneNormal, LaneLow, LaneSpecialized:
		return Lane(s), true
	}
	return "", false
}

type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "none"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// RiskFlag marks a property of a task that the approval policy inspects.
type RiskFlag string

const (
	RiskIrreversible          RiskFlag = "irreversible"
	RiskExternalCommunication RiskFlag = "external_communication"
	RiskSensitiveData         RiskFlag = "sensitive_data"
	RiskFinancial             RiskFlag = "financial"
	RiskHighImpact            RiskFlag = "high_impact"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

type Step struct {
	Index       int        `yaml:"index"`
	Title       string     `yaml:"title"`
	Description string     `yaml:"description"`
	Capability  string     `yaml:"capability"`
	Command     string     `yaml:"command,omitempty"`
	Status      StepStatus `yaml:"status"`
	Attempts    int        `yaml:"attempts"`
}

type ExecutionPlan struct {
	Steps     []Step    `yaml:"steps"`
	ModelTag  string    `yaml:"model_tag"`
	CreatedAt time.Time `yaml:"created_at"`
}

type Task struct {
	ID                  string            `yaml:"id"`
	TenantID            string            `yaml:"tenant_id,omitempty"`
	Actor               string            `yaml:"actor,omitempty"`
	Title               string            `yaml:"title"`
	Description         string            `yaml:"description"`
	Status              Status            `yaml:"status"`
	Lane                Lane              `yaml:"lane"`
	Capability          string            `yaml:"capability,omitempty"`
	RiskFlags           []RiskFlag        `yaml:"risk_flags,omitempty"`
	EstimatedSeconds    int               `yaml:"estimated_seconds,omitempty"`
	Plan                *ExecutionPlan    `yaml:"plan,omitempty"`
	JobID               string            `yaml:"job_id,omitempty"`
	CurrentStepIndex    int               `yaml:"current_step_index"`
	Percentage          int               `yaml:"percentage"`
	ApprovalStatus      ApprovalStatus    `yaml:"approval_status"`
	ApprovalRequestedAt *time.Time        `yaml:"approval_requested_at,omitempty"`
	ApprovalResolvedBy  string            `yaml:"approval_resolved_by,omitempty"`
	ApprovalReason      string            `yaml:"approval_reason,omitempty"`
	Result              string            `yaml:"result,omitempty"`
	ErrorMessage        string            `yaml:"error_message,omitempty"`
	Metadata            map[string]string `yaml:"metadata,omitempty"`
	CreatedAt           time.Time         `yaml:"created_at"`
	UpdatedAt           time.Time         `yaml:"updated_at"`
	PlannedAt           *time.Time        `yaml:"planned_at,omitempty"`
	QueuedAt            *time.Time        `yaml:"queued_at,omitempty"`
	StartedAt           *time.Time        `yaml:"started_at,omitempty"`
	FinishedAt          *time.Time        `yaml:"finished_at,omitempty"`
}
