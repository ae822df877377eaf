// Package shell provides the exec.run tool. Commands run either directly
// on the host confined to the workspace, or inside a network-less
// container when the daemon is in container security mode.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rovot/rovot/internal/agent"
	"github.com/rovot/rovot/internal/config"
	"github.com/rovot/rovot/internal/workspace"
)

// DefaultTimeout bounds a single command invocation. On expiry the
// process is killed and a timeout value (not an error) is returned.
const DefaultTimeout = 30 * time.Second

// containerImage is the image used for container-mode execution.
const containerImage = "python:3.11-slim"

// Tool runs shell commands under the configured isolation tier.
type Tool struct {
	guard   *workspace.Guard
	mode    config.SecurityMode
	timeout time.Duration
}

// New returns the exec tool. A non-positive timeout falls back to
// DefaultTimeout.
func New(guard *workspace.Guard, mode config.SecurityMode, timeout time.Duration) *Tool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tool{guard: guard, mode: mode, timeout: timeout}
}

// Descriptor returns the exec.run tool.
func (t *Tool) Descriptor() agent.Descriptor {
	return agent.Descriptor{
		Name:        "exec.run",
		Description: "Run a shell command (high risk; requires approval).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string"},
				"cwd":     map[string]any{"type": "string", "default": "."},
			},
			"required":             []any{"command"},
			"additionalProperties": false,
		},
		RequiresWrite:    true,
		RequiresApproval: true,
		ApprovalSummary:  "Execute a shell command",
		Handler:          t.run,
	}
}

func (t *Tool) run(ctx context.Context, args map[string]any) (any, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("command is empty")
	}
	cwd, ok := args["cwd"].(string)
	if !ok || cwd == "" {
		cwd = "."
	}
	cwdAbs, err := t.guard.Resolve(cwd)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var cmd *exec.Cmd
	if t.mode == config.SecurityContainer {
		cmd = t.containerCommand(ctx, command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = cwdAbs
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return map[string]any{
			"exit_code": -1,
			"stdout":    stdout.String(),
			"stderr":    stderr.String(),
			"timeout":   true,
			"error":     fmt.Sprintf("command timed out after %s", t.timeout),
		}, nil
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			// Spawn failure, not a command failure.
			return nil, fmt.Errorf("run command: %w", runErr)
		}
	}

	return map[string]any{
		"exit_code": exitCode,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
	}, nil
}

// containerCommand wraps the command in a throwaway container with no
// network and the workspace mounted read-write at /workspace. The cwd
// argument is ignored in this mode; the container always starts at the
// workspace root.
func (t *Tool) containerCommand(ctx context.Context, command string) *exec.Cmd {
	return exec.CommandContext(ctx, "docker",
		"run", "--rm",
		"--network", "none",
		"--read-only",
		"-v", t.guard.Root()+":/workspace:rw",
		"-w", "/workspace",
		containerImage,
		"bash", "-lc", command,
	)
}
