package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds a shell step that declares no timeout.
const DefaultCommandTimeout = 30 * time.Second

// RunCommand executes a shell command and captures its combined output. It
// is the fallback target for unknown actions.
type RunCommand struct{}

func (RunCommand) Name() string { return "run_command" }

func (RunCommand) Description() string {
	return "Run a shell command. Params: cmd (required)."
}

func (RunCommand) Execute(ctx context.Context, params map[string]string, workDir string) (string, error) {
	cmdline := strings.TrimSpace(params["cmd"])
	if cmdline == "" {
		return "", fmt.Errorf("run_command requires a cmd parameter")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCommandTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := Truncate(stdout.String())

	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		if ctx.Err() == context.DeadlineExceeded {
			return output, fmt.Errorf("command timed out: %s", cmdline)
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return output, fmt.Errorf("command exited with code %d: %s", exitErr.ExitCode(), Truncate(detail))
		}
		return output, fmt.Errorf("command failed: %s", Truncate(detail))
	}

	return output, nil
}
