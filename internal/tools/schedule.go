package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/sidekick-bot/sidekick/internal/auth"
	"github.com/sidekick-bot/sidekick/internal/scheduler"
)

// ScheduleAddTool creates a recurring job from a cron expression.
type ScheduleAddTool struct {
	sched *scheduler.Scheduler
}

func NewScheduleAddTool(s *scheduler.Scheduler) *ScheduleAddTool {
	return &ScheduleAddTool{sched: s}
}

func (t *ScheduleAddTool) Name() string { return "schedule_add" }

func (t *ScheduleAddTool) Description() string {
	return "Schedule a recurring task. The action is a natural-language instruction " +
		"executed on the cron schedule, e.g. every morning at 9: '0 9 * * *'."
}

func (t *ScheduleAddTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "Unique name for the job.",
			},
			"cron": map[string]any{
				"type":        "string",
				"description": "Standard five-field cron expression.",
			},
			"action": map[string]any{
				"type":        "string",
				"description": "What to do when the job fires.",
			},
		},
		"required": []string{"name", "cron", "action"},
	}
}

func (t *ScheduleAddTool) RequiredPermission() auth.Level { return auth.Operator }

func (t *ScheduleAddTool) Execute(ctx context.Context, args map[string]any) Result {
	name := stringArg(args, "name")
	cronExpr := stringArg(args, "cron")
	action := stringArg(args, "action")
	if name == "" || cronExpr == "" || action == "" {
		return Errorf("missing required parameters: name, cron, action")
	}
	job, err := t.sched.AddJob(ctx, name, cronExpr, action)
	if err != nil {
		if errors.Is(err, scheduler.ErrDuplicateJob) {
			return Errorf("a job named %q already exists", name)
		}
		return Errorf("schedule failed: %v", err)
	}
	return Result{Success: true, Output: fmt.Sprintf("Scheduled %q (%s): %s", job.Name, job.CronExpr, job.Action)}
}

// ScheduleRemoveTool deletes a job by name.
type ScheduleRemoveTool struct {
	sched *scheduler.Scheduler
}

func NewScheduleRemoveTool(s *scheduler.Scheduler) *ScheduleRemoveTool {
	return &ScheduleRemoveTool{sched: s}
}

func (t *ScheduleRemoveTool) Name() string { return "schedule_remove" }

func (t *ScheduleRemoveTool) Description() string {
	return "Remove a scheduled task by name."
}

func (t *ScheduleRemoveTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "Name of the job to remove.",
			},
		},
		"required": []string{"name"},
	}
}

func (t *ScheduleRemoveTool) RequiredPermission() auth.Level { return auth.Operator }

func (t *ScheduleRemoveTool) Execute(ctx context.Context, args map[string]any) Result {
	name := stringArg(args, "name")
	if name == "" {
		return Errorf("missing required parameter: name")
	}
	removed, err := t.sched.RemoveJob(ctx, name)
	if err != nil {
		return Errorf("remove failed: %v", err)
	}
	if !removed {
		return Errorf("no job named %q", name)
	}
	return Result{Success: true, Output: fmt.Sprintf("Removed job %q", name)}
}
