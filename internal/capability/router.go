package capability

import (
	"context"
	"fmt"

	"github.com/kazz187/longrun/internal/task"
)

// Executor runs a single plan step and returns its output.
type Executor interface {
	ExecuteStep(ctx context.Context, t *task.Task, step *task.Step) (string, error)
}

// Router picks the executor for a step by its capability tag.
type Router struct {
	executors map[string]Executor
	fallback  Executor
}

func NewRouter(fallback Executor) *Router {
	return &Router{
		executors: make(map[string]Executor),
		fallback:  fallback,
	}
}

func (r *Router) Register(capability string, e Executor) {
	r.executors[capability] = e
}

func (r *Router) ExecuteStep(ctx context.Context, t *task.Task, step *task.Step) (string, error) {
	if e, ok := r.executors[step.Capability]; ok {
		return e.ExecuteStep(ctx, t, step)
	}
	if r.fallback != nil {
		return r.fallback.ExecuteStep(ctx, t, step)
	}
	return "", fmt.Errorf("no executor for capability %q", step.Capability)
}
