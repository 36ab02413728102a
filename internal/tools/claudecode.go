package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/sidekick-bot/sidekick/internal/auth"
)

const (
	claudeDefaultTimeout = 300
	claudeMaxTimeout     = 600
	claudeMaxOutput      = 8000
)

// ClaudeCodeTool delegates a complex coding task to the Claude Code CLI.
type ClaudeCodeTool struct {
	log *slog.Logger
}

func NewClaudeCodeTool(log *slog.Logger) *ClaudeCodeTool {
	return &ClaudeCodeTool{log: log}
}

func (t *ClaudeCodeTool) Name() string { return "claude_code" }

func (t *ClaudeCodeTool) Description() string {
	return "Delegate a complex coding or multi-file task to the Claude Code CLI. " +
		"Use for tasks that need to read, write, or refactor code across files."
}

func (t *ClaudeCodeTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "The coding task to perform, described in natural language.",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Directory to run the task in.",
			},
			"timeout": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds (default 300, max 600).",
				"default":     claudeDefaultTimeout,
			},
		},
		"required": []string{"task"},
	}
}

func (t *ClaudeCodeTool) RequiredPermission() auth.Level { return auth.Operator }

func (t *ClaudeCodeTool) Execute(ctx context.Context, args map[string]any) Result {
	task := stringArg(args, "task")
	if task == "" {
		return Errorf("missing required parameter: task")
	}
	timeout := intArg(args, "timeout", claudeDefaultTimeout)
	if timeout > claudeMaxTimeout {
		timeout = claudeMaxTimeout
	}

	t.log.Info("claude_code exec", "timeout", timeout)

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "claude", "--print", "--output-format", "json", task)
	if dir := stringArg(args, "working_dir"); dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Errorf("Task timed out after %ds", timeout)
	}
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			return Errorf("Claude Code CLI ('claude') not found")
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Errorf("exec failed: %v", err)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return Errorf("claude exited with %d: %s", exitErr.ExitCode(), truncate(msg, claudeMaxOutput))
	}

	var parsed struct {
		Result string `json:"result"`
	}
	out := strings.TrimSpace(stdout.String())
	if jsonErr := json.Unmarshal([]byte(out), &parsed); jsonErr == nil && parsed.Result != "" {
		out = parsed.Result
	}
	return Result{Success: true, Output: truncate(out, claudeMaxOutput)}
}
