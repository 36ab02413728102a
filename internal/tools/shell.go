package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/sidekick-bot/sidekick/internal/auth"
)

const (
	shellDefaultTimeout = 30
	shellMaxTimeout     = 300
	shellMaxOutput      = 4000
)

// blockedPatterns are destructive commands refused outright. The denial is
// returned as a tool error so the model can observe it.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+-rf\s+/\s*$`),
	regexp.MustCompile(`(?i)\bmkfs\b`),
	regexp.MustCompile(`(?i)\bdd\s+.*of=/dev/`),
	regexp.MustCompile(`(?i)>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`(?i)\bformat\s+[a-zA-Z]:`),
	regexp.MustCompile(`:\(\)\{ :\|:& \};:`),
}

// ShellTool executes a command via the system shell.
type ShellTool struct {
	log *slog.Logger
}

// NewShellTool builds the shell tool.
func NewShellTool(log *slog.Logger) *ShellTool {
	return &ShellTool{log: log}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Execute a shell command on the host system. " +
		"Returns stdout, stderr, and exit code. " +
		"Use for system tasks, file operations, and running programs."
}

func (t *ShellTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute.",
			},
			"timeout": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds (default 30, max 300).",
				"default":     shellDefaultTimeout,
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Working directory for the command.",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) RequiredPermission() auth.Level { return auth.Operator }

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) Result {
	command := stringArg(args, "command")
	if command == "" {
		return Errorf("missing required parameter: command")
	}
	timeout := intArg(args, "timeout", shellDefaultTimeout)
	if timeout > shellMaxTimeout {
		timeout = shellMaxTimeout
	}

	for _, p := range blockedPatterns {
		if p.MatchString(command) {
			t.log.Warn("blocked command", "command", command)
			return Errorf("Command blocked by safety filter: %s", command)
		}
	}

	t.log.Info("shell exec", "command", command, "timeout", timeout)

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if dir := stringArg(args, "working_dir"); dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Errorf("Command timed out after %ds", timeout)
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Errorf("exec failed: %v", err)
		}
	}

	outStr := truncate(strings.TrimSpace(stdout.String()), shellMaxOutput)
	errStr := truncate(strings.TrimSpace(stderr.String()), shellMaxOutput)

	var parts []string
	if outStr != "" {
		parts = append(parts, outStr)
	}
	if errStr != "" {
		parts = append(parts, "STDERR:\n"+errStr)
	}
	parts = append(parts, fmt.Sprintf("Exit code: %d", exitCode))

	res := Result{
		Success: exitCode == 0,
		Output:  strings.Join(parts, "\n"),
	}
	if exitCode != 0 {
		res.Error = errStr
	}
	return res
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n... (truncated, %d total chars)", len(s))
}
