// Package planner decomposes a goal into steps via the model, executes them
// sequentially through the tool registry, and persists plan state across
// restarts.
package planner

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sidekick-bot/sidekick/internal/auth"
	"github.com/sidekick-bot/sidekick/internal/llm"
	"github.com/sidekick-bot/sidekick/internal/store"
	"github.com/sidekick-bot/sidekick/internal/tools"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	maxSteps           = 8
	maxToolInvocations = 15
)

// Plan statuses.
const (
	StatusPlanning  = "planning"
	StatusExecuting = "executing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Step statuses.
const (
	StepPending = "pending"
	StepRunning = "running"
	StepDone    = "done"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

const createPlanPrompt = `Decompose the following goal into 2-8 concrete steps. Each step should be a single action. For steps that use a tool, specify the tool name. For reasoning/analysis steps, set tool to null.

Available tools: %s

Respond with ONLY a JSON object:
{"steps": [{"description": "...", "tool": "tool_name_or_null"}]}

Goal: %s

Context: %s`

const failurePrompt = `Step %d failed with error: %s

Current plan state:
%s

Should we retry this step, skip it, or abort the plan?
Respond with ONLY a JSON object: {"action": "retry" | "skip" | "abort"}`

// Step is one unit of a plan.
type Step struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	Tool        string `json:"tool,omitempty"`
	Status      string `json:"status"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Plan is a persisted multi-step goal.
type Plan struct {
	ID        string
	Goal      string
	Steps     []*Step
	Status    string
	Channel   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SendFn delivers a progress line to a chat channel.
type SendFn func(ctx context.Context, platform, channel, text string)

// Engine owns the plans database and runs plans to completion.
type Engine struct {
	provider llm.Provider
	registry *tools.Registry
	db       *sql.DB
	log      *slog.Logger
}

// Open opens (creating if needed) the plans database.
func Open(path string, provider llm.Provider, registry *tools.Registry, log *slog.Logger) (*Engine, error) {
	db, err := store.Open(path, migrations)
	if err != nil {
		return nil, fmt.Errorf("open plans store: %w", err)
	}
	return &Engine{provider: provider, registry: registry, db: db, log: log}, nil
}

// Close releases the database handle.
func (e *Engine) Close() error { return e.db.Close() }

// Create asks the model to decompose goal into steps and persists the new
// plan in the planning state. An unparseable response degrades to a single
// direct-execution step rather than failing.
func (e *Engine) Create(ctx context.Context, goal, channel, extra string) (*Plan, error) {
	names := make([]string, 0)
	for _, t := range e.registry.All() {
		names = append(names, t.Name())
	}
	toolList := strings.Join(names, ", ")
	if toolList == "" {
		toolList = "none"
	}
	if extra == "" {
		extra = "No additional context."
	}

	resp, err := e.provider.Complete(ctx, llm.Request{
		Messages:    []llm.Message{llm.Text(llm.RoleUser, fmt.Sprintf(createPlanPrompt, toolList, goal, extra))},
		MaxTokens:   1024,
		Temperature: llm.Float(0.3),
	})
	if err != nil {
		return nil, fmt.Errorf("plan decomposition: %w", err)
	}

	now := time.Now().UTC()
	plan := &Plan{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Goal:      goal,
		Steps:     e.parseSteps(resp.Content),
		Status:    StatusPlanning,
		Channel:   channel,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Save(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// parseSteps extracts the step list from the model output, tolerating a
// fenced code block around the JSON.
func (e *Engine) parseSteps(content string) []*Step {
	fallback := []*Step{{ID: 1, Description: "Execute the goal directly", Status: StepPending}}

	text := strings.TrimSpace(content)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			text = strings.TrimSpace(rest[:j])
		}
	}

	var parsed struct {
		Steps []struct {
			Description string `json:"description"`
			Tool        any    `json:"tool"`
		} `json:"steps"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		e.log.Warn("plan parse failed", "content", truncateStr(content, 200))
		return fallback
	}

	raw := parsed.Steps
	if len(raw) > maxSteps {
		raw = raw[:maxSteps]
	}
	steps := make([]*Step, 0, len(raw))
	for i, r := range raw {
		desc := r.Description
		if desc == "" {
			desc = fmt.Sprintf("Step %d", i+1)
		}
		tool := ""
		if s, ok := r.Tool.(string); ok && s != "null" {
			tool = s
		}
		steps = append(steps, &Step{ID: i + 1, Description: desc, Tool: tool, Status: StepPending})
	}
	if len(steps) == 0 {
		return fallback
	}
	return steps
}

// Execute runs the plan's steps in order. Tool steps go through the registry
// with a permission check; reasoning steps go back to the model. On a step
// failure the model decides whether to retry, skip, or abort. send may be nil.
func (e *Engine) Execute(ctx context.Context, plan *Plan, userLevel auth.Level, send SendFn) (*Plan, error) {
	plan.Status = StatusExecuting
	invocations := 0

	for _, step := range plan.Steps {
		if invocations >= maxToolInvocations {
			step.Status = StepSkipped
			step.Error = "Tool invocation cap reached"
			continue
		}

		step.Status = StepRunning
		plan.UpdatedAt = time.Now().UTC()
		if err := e.Save(ctx, plan); err != nil {
			return plan, err
		}

		if step.Tool != "" {
			invocations += e.runToolStep(ctx, plan, step, userLevel)
			if plan.Status == StatusFailed {
				break
			}
		} else {
			e.runReasoningStep(ctx, plan, step)
		}

		e.sendProgress(ctx, plan, step, send)
	}

	if plan.Status != StatusFailed {
		plan.Status = StatusCompleted
	}
	plan.UpdatedAt = time.Now().UTC()
	if err := e.Save(ctx, plan); err != nil {
		return plan, err
	}
	return plan, nil
}

// runToolStep executes one tool-backed step and returns the number of tool
// invocations consumed (0 when the tool never ran). A retry verdict re-runs
// the tool once.
func (e *Engine) runToolStep(ctx context.Context, plan *Plan, step *Step, userLevel auth.Level) int {
	tool, ok := e.registry.Get(step.Tool)
	if !ok {
		e.failStep(ctx, plan, step, fmt.Sprintf("Unknown tool: %s", step.Tool))
		return 0
	}
	if userLevel < tool.RequiredPermission() {
		e.failStep(ctx, plan, step, fmt.Sprintf("Permission denied for %s", step.Tool))
		return 0
	}

	invocations := 0
	for {
		result := tool.Execute(ctx, map[string]any{"command": step.Description})
		invocations++
		if result.Success {
			step.Status = StepDone
			step.Result = result.Output
			step.Error = ""
			return invocations
		}

		step.Status = StepFailed
		step.Error = result.Error
		verdict := e.failureVerdict(ctx, plan, step)
		if verdict == "retry" && invocations == 1 {
			step.Status = StepRunning
			continue
		}
		switch verdict {
		case "abort":
			plan.Status = StatusFailed
		case "skip":
			step.Status = StepSkipped
		}
		return invocations
	}
}

func (e *Engine) runReasoningStep(ctx context.Context, plan *Plan, step *Step) {
	prompt := fmt.Sprintf("Plan goal: %s\nCurrent step: %s\nPrevious results: %s",
		plan.Goal, step.Description, e.summarizeResults(plan))
	resp, err := e.provider.Complete(ctx, llm.Request{
		Messages:    []llm.Message{llm.Text(llm.RoleUser, prompt)},
		MaxTokens:   512,
		Temperature: llm.Float(0.5),
	})
	if err != nil {
		step.Status = StepFailed
		step.Error = err.Error()
		return
	}
	step.Status = StepDone
	step.Result = resp.Content
}

// failStep records a failure that cannot be retried (unknown tool,
// permission denial) and applies the model's verdict: abort marks the plan
// failed, skip downgrades the step.
func (e *Engine) failStep(ctx context.Context, plan *Plan, step *Step, errMsg string) {
	step.Status = StepFailed
	step.Error = errMsg
	switch e.failureVerdict(ctx, plan, step) {
	case "abort":
		plan.Status = StatusFailed
	case "skip":
		step.Status = StepSkipped
	}
}

// failureVerdict asks the model what to do about a failed step. Anything
// unparseable defaults to skip.
func (e *Engine) failureVerdict(ctx context.Context, plan *Plan, step *Step) string {
	var lines []string
	for _, s := range plan.Steps {
		lines = append(lines, fmt.Sprintf("  %d. [%s] %s", s.ID, s.Status, s.Description))
	}
	prompt := fmt.Sprintf(failurePrompt, step.ID, step.Error, strings.Join(lines, "\n"))

	resp, err := e.provider.Complete(ctx, llm.Request{
		Messages:    []llm.Message{llm.Text(llm.RoleUser, prompt)},
		MaxTokens:   64,
		Temperature: llm.Float(0.1),
	})
	if err != nil {
		return "skip"
	}
	var verdict struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &verdict); err != nil || verdict.Action == "" {
		return "skip"
	}
	return verdict.Action
}

func (e *Engine) summarizeResults(plan *Plan) string {
	var parts []string
	for _, s := range plan.Steps {
		if s.Status == StepDone && s.Result != "" {
			parts = append(parts, fmt.Sprintf("Step %d: %s", s.ID, truncateStr(s.Result, 200)))
		}
	}
	if len(parts) == 0 {
		return "No results yet."
	}
	return strings.Join(parts, "\n")
}

func (e *Engine) sendProgress(ctx context.Context, plan *Plan, step *Step, send SendFn) {
	if send == nil || plan.Channel == "" {
		return
	}
	platform, channel, ok := strings.Cut(plan.Channel, ":")
	if !ok {
		return
	}
	icon := "~"
	switch step.Status {
	case StepDone:
		icon = "+"
	case StepFailed:
		icon = "x"
	}
	send(ctx, platform, channel,
		fmt.Sprintf("Step %d/%d %s: %s [%s]", step.ID, len(plan.Steps), step.Status, step.Description, icon))
}

// Save upserts the plan row. Steps are stored as a JSON column since they
// are only ever read back as a unit.
func (e *Engine) Save(ctx context.Context, plan *Plan) error {
	stepsJSON, err := json.Marshal(plan.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	_, err = e.db.ExecContext(ctx,
		`INSERT INTO plans (id, goal, steps_json, status, channel, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET steps_json = excluded.steps_json,
		   status = excluded.status, updated_at = excluded.updated_at`,
		plan.ID, plan.Goal, string(stepsJSON), plan.Status, plan.Channel,
		plan.CreatedAt.Format(time.RFC3339Nano), plan.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	return nil
}

// Load fetches a plan by id, or nil when absent.
func (e *Engine) Load(ctx context.Context, planID string) (*Plan, error) {
	row := e.db.QueryRowContext(ctx,
		`SELECT id, goal, steps_json, status, channel, created_at, updated_at
		 FROM plans WHERE id = ?`, planID)

	var p Plan
	var stepsJSON, createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Goal, &stepsJSON, &p.Status, &p.Channel, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &p, nil
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
