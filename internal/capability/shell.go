package capability

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kazz187/longrun/internal/config"
	"github.com/kazz187/longrun/internal/task"
	"github.com/kazz187/longrun/pkg/shellformat"
)

const maxCapturedOutput = 16 * 1024

// ShellRunner executes steps whose capability is "shell". The step command
// is written to a temp script and run through /bin/sh so pipes and
// redirects work.
type ShellRunner struct {
	env *config.CapabilityEnv
}

func NewShellRunner(env *config.CapabilityEnv) *ShellRunner {
	return &ShellRunner{env: env}
}

func (r *ShellRunner) ExecuteStep(ctx context.Context, t *task.Task, step *task.Step) (string, error) {
	if strings.TrimSpace(step.Command) == "" {
		return "", fmt.Errorf("shell step %d has no command", step.Index)
	}

	tmpDir := filepath.Join(r.env.WorkDir, ".longrun", "steps")
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create step script directory: %w", err)
	}
	tmpFile := filepath.Join(tmpDir, fmt.Sprintf("%s_step%d.sh", t.ID, step.Index))
	if err := os.WriteFile(tmpFile, []byte(step.Command), 0755); err != nil {
		return "", fmt.Errorf("failed to write step script: %w", err)
	}
	defer os.Remove(tmpFile)

	execCtx := ctx
	if r.env.StepTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.env.StepTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, "/bin/sh", tmpFile)
	cmd.Dir = r.env.WorkDir
	cmd.Env = append(os.Environ(),
		"LONGRUN_TASK_ID="+t.ID,
		fmt.Sprintf("LONGRUN_STEP_INDEX=%d", step.Index),
		"LONGRUN_WORK_DIR="+r.env.WorkDir,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		return "", fmt.Errorf("command failed after %s: %w\n%s", elapsed, err, truncate(stderr.String()))
	}
	return fmt.Sprintf("$ %s\n%s", DisplayCommand(step.Command), truncate(stdout.String())), nil
}

// DisplayCommand renders a step command for audit entries and CLI output.
// Malformed commands come back unchanged.
func DisplayCommand(command string) string {
	formatted, err := shellformat.Format(command)
	if err != nil {
		return strings.TrimSpace(command)
	}
	return strings.TrimSpace(formatted)
}

func truncate(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[:maxCapturedOutput] + "\n... (output truncated)"
}
