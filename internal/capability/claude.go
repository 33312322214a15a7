package capability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	claudeagent "github.com/kazz187/claude-agent-sdk-go"

	"github.com/kazz187/longrun/internal/config"
	"github.com/kazz187/longrun/internal/task"
)

// Classification is the detector verdict for a submitted task.
type Classification struct {
	Async            bool     `json:"async"`
	Answer           string   `json:"answer,omitempty"`
	Lane             string   `json:"lane,omitempty"`
	Capability       string   `json:"capability,omitempty"`
	RiskFlags        []string `json:"risk_flags,omitempty"`
	EstimatedSeconds int      `json:"estimated_seconds,omitempty"`
	Reason           string   `json:"reason,omitempty"`
}

// ClaudeAgent runs classification, planning and agent steps through the
// Claude CLI runtime.
type ClaudeAgent struct {
	env *config.CapabilityEnv
}

func NewClaudeAgent(env *config.CapabilityEnv) *ClaudeAgent {
	return &ClaudeAgent{env: env}
}

const detectSystemPrompt = `You classify operational task requests.
Respond with a single JSON object and nothing else:
{"async": <bool>, "answer": "<string>", "lane": "<urgent|normal|low|specialized>", "capability": "<agent|shell>", "risk_flags": ["<flag>"], "estimated_seconds": <number>, "reason": "<string>"}
A task is synchronous (async=false) when it can be answered or fully resolved
within a few seconds without side effects; put the answer in "answer".
Otherwise it is asynchronous and needs a lane, a capability, and risk flags.
Known risk flags: irreversible, external_communication, sensitive_data, financial, high_impact.`

func (a *ClaudeAgent) Classify(ctx context.Context, t *task.Task) (*Classification, error) {
	prompt := fmt.Sprintf("Title: %s\n\nDescription:\n%s", t.Title, t.Description)
	raw, err := a.query(ctx, detectSystemPrompt, prompt, a.env.DetectTimeout)
	if err != nil {
		return nil, err
	}
	var c Classification
	if err := decodeJSON(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse classification: %w", err)
	}
	if c.Async {
		if _, ok := task.ParseLane(c.Lane); !ok {
			c.Lane = string(task.LaneNormal)
		}
		if c.Capability == "" {
			c.Capability = "agent"
		}
	}
	return &c, nil
}

const planSystemPrompt = `You plan asynchronous operational tasks.
Respond with a single JSON object and nothing else:
{"steps": [{"title": "<string>", "description": "<string>", "capability": "<agent|shell>", "command": "<string, only for shell>"}]}
Break the task into the smallest ordered list of steps that completes it.
Every step must be independently resumable. Use the shell capability only
when a single command expresses the whole step.`

func (a *ClaudeAgent) Plan(ctx context.Context, t *task.Task) (*task.ExecutionPlan, error) {
	prompt := fmt.Sprintf("Title: %s\n\nDescription:\n%s", t.Title, t.Description)
	raw, err := a.query(ctx, planSystemPrompt, prompt, a.env.PlanTimeout)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Steps []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Capability  string `json:"capability"`
			Command     string `json:"command"`
		} `json:"steps"`
	}
	if err := decodeJSON(raw, &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}

	plan := &task.ExecutionPlan{
		ModelTag:  a.env.PlanModelTag,
		CreatedAt: time.Now().UTC(),
	}
	for i, s := range decoded.Steps {
		capability := s.Capability
		if capability != "shell" {
			capability = "agent"
		}
		plan.Steps = append(plan.Steps, task.Step{
			Index:       i,
			Title:       s.Title,
			Description: s.Description,
			Capability:  capability,
			Command:     s.Command,
			Status:      task.StepPending,
		})
	}
	return plan, nil
}

const stepSystemPrompt = `You execute one step of a larger operational task.
Do the work for the current step only. When you are done, summarize what you
did in plain text. If the step cannot be completed, start your final message
with "STEP FAILED:" followed by the reason.`

func (a *ClaudeAgent) ExecuteStep(ctx context.Context, t *task.Task, step *task.Step) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n%s\n\n", t.Title, t.Description)
	fmt.Fprintf(&b, "Current step (%d of %d): %s\n%s\n", step.Index+1, len(t.Plan.Steps), step.Title, step.Description)
	if step.Index > 0 {
		b.WriteString("\nPreviously completed steps:\n")
		for _, prev := range t.Plan.Steps[:step.Index] {
			fmt.Fprintf(&b, "- %s\n", prev.Title)
		}
	}

	out, err := a.query(ctx, stepSystemPrompt, b.String(), a.env.StepTimeout)
	if err != nil {
		return "", err
	}
	if rest, failed := strings.CutPrefix(strings.TrimSpace(out), "STEP FAILED:"); failed {
		return "", fmt.Errorf("step failed: %s", strings.TrimSpace(rest))
	}
	return out, nil
}

func (a *ClaudeAgent) query(ctx context.Context, systemPrompt, prompt string, timeout time.Duration) (string, error) {
	maxTurns := 25
	opts := &claudeagent.ClaudeAgentOptions{
		SystemPrompt:   systemPrompt,
		Cwd:            a.env.WorkDir,
		MaxTurns:       &maxTurns,
		PermissionMode: claudeagent.PermissionModeBypassPermissions,
		StderrCallback: func(line string) {
			slog.Debug("claude stderr", "line", line)
		},
	}

	queryCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := claudeagent.RunQuerySync(queryCtx, prompt, opts)
	if err != nil {
		return "", fmt.Errorf("claude query failed: %w", err)
	}
	if result.Result == nil {
		return "", fmt.Errorf("claude query returned no result")
	}
	if result.Result.IsError {
		return "", fmt.Errorf("claude query failed: %s", result.Result.Result)
	}
	return result.Result.Result, nil
}
