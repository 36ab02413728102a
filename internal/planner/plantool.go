package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/sidekick-bot/sidekick/internal/auth"
	"github.com/sidekick-bot/sidekick/internal/tools"
)

// PlanTool lets the model create and run a plan in one call. It lives here
// rather than in the tools package because it drives the engine, which
// already depends on the registry.
type PlanTool struct {
	engine *Engine
}

func NewPlanTool(engine *Engine) *PlanTool {
	return &PlanTool{engine: engine}
}

func (t *PlanTool) Name() string { return "plan" }

func (t *PlanTool) Description() string {
	return "Create and execute a multi-step plan for a complex goal. " +
		"Decomposes into steps, executes sequentially, reports progress."
}

func (t *PlanTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"goal": map[string]any{
				"type":        "string",
				"description": "The goal to accomplish.",
			},
		},
		"required": []string{"goal"},
	}
}

func (t *PlanTool) RequiredPermission() auth.Level { return auth.Operator }

func (t *PlanTool) Execute(ctx context.Context, args map[string]any) tools.Result {
	goal, _ := args["goal"].(string)
	if goal == "" {
		return tools.Errorf("missing required parameter: goal")
	}

	plan, err := t.engine.Create(ctx, goal, "", "")
	if err != nil {
		return tools.Errorf("plan creation failed: %v", err)
	}
	plan, err = t.engine.Execute(ctx, plan, auth.Operator, nil)
	if err != nil {
		return tools.Errorf("plan execution failed: %v", err)
	}

	lines := []string{fmt.Sprintf("Plan: %s [%s]", plan.Goal, plan.Status)}
	for _, step := range plan.Steps {
		icon := "?"
		switch step.Status {
		case StepDone:
			icon = "+"
		case StepFailed:
			icon = "x"
		case StepSkipped:
			icon = "~"
		}
		lines = append(lines, fmt.Sprintf("  [%s] %s", icon, step.Description))
		if step.Result != "" {
			lines = append(lines, fmt.Sprintf("      Result: %s", truncateStr(step.Result, 200)))
		}
		if step.Error != "" {
			lines = append(lines, fmt.Sprintf("      Error: %s", truncateStr(step.Error, 200)))
		}
	}

	return tools.Result{
		Success: plan.Status == StatusCompleted,
		Output:  strings.Join(lines, "\n"),
	}
}
