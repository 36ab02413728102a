// Package executor runs the completion + tool-use loop: the model is called
// with the tool catalog, tool calls are dispatched through the registry with
// a permission check, and results are fed back until the model stops asking
// for tools or the iteration budget runs out.
package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sidekick-bot/sidekick/internal/auth"
	"github.com/sidekick-bot/sidekick/internal/llm"
	"github.com/sidekick-bot/sidekick/internal/tools"
)

// DefaultMaxIterations bounds the tool-use loop per request.
const DefaultMaxIterations = 10

// Executor drives the loop for one provider and tool registry.
type Executor struct {
	provider llm.Provider
	registry *tools.Registry
	log      *slog.Logger

	// MaxIterations overrides DefaultMaxIterations when > 0.
	MaxIterations int
}

// New builds an executor.
func New(provider llm.Provider, registry *tools.Registry, log *slog.Logger) *Executor {
	return &Executor{provider: provider, registry: registry, log: log}
}

// Run completes the conversation, executing tool calls as they arrive.
// defs is the tool catalog advertised to the model; the caller may pass a
// permission-filtered subset (nil advertises the whole registry). Denied and
// unknown tools are reported back to the model as error results rather than
// aborting the loop. Returns the final assistant text.
func (e *Executor) Run(ctx context.Context, messages []llm.Message, system string, defs []llm.ToolDef, userLevel auth.Level) (string, error) {
	maxIter := e.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	current := make([]llm.Message, len(messages))
	copy(current, messages)
	if defs == nil {
		defs = e.registry.Defs()
	}

	var resp *llm.Response
	for i := 0; i < maxIter; i++ {
		var err error
		resp, err = e.provider.Complete(ctx, llm.Request{
			Messages: current,
			System:   system,
			Tools:    defs,
		})
		if err != nil {
			return "", fmt.Errorf("completion: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		current = append(current, assistantTurn(resp))
		current = append(current, e.runTools(ctx, resp.ToolCalls, userLevel))
	}

	// Budget exhausted with the model still asking for tools. Return
	// whatever text the last turn carried.
	e.log.Warn("tool loop hit iteration limit", "max", maxIter)
	if resp != nil {
		return resp.Content, nil
	}
	return "", nil
}

// assistantTurn rebuilds the assistant message containing the text and
// tool_use blocks from the response.
func assistantTurn(resp *llm.Response) llm.Message {
	msg := llm.Message{Role: llm.RoleAssistant}
	if resp.Content != "" {
		msg.Blocks = append(msg.Blocks, llm.Block{Type: llm.BlockText, Text: resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		msg.Blocks = append(msg.Blocks, llm.Block{
			Type:  llm.BlockToolUse,
			ID:    tc.ID,
			Name:  tc.Name,
			Input: tc.Arguments,
		})
	}
	return msg
}

// runTools executes every call in order and packs the results into a single
// user turn of tool_result blocks.
func (e *Executor) runTools(ctx context.Context, calls []llm.ToolCall, userLevel auth.Level) llm.Message {
	msg := llm.Message{Role: llm.RoleUser}
	for _, tc := range calls {
		msg.Blocks = append(msg.Blocks, e.runTool(ctx, tc, userLevel))
	}
	return msg
}

func (e *Executor) runTool(ctx context.Context, tc llm.ToolCall, userLevel auth.Level) llm.Block {
	block := llm.Block{Type: llm.BlockToolResult, ToolUseID: tc.ID}

	tool, ok := e.registry.Get(tc.Name)
	if !ok {
		block.Content = fmt.Sprintf("Error: Unknown tool '%s'", tc.Name)
		block.IsError = true
		return block
	}

	if userLevel < tool.RequiredPermission() {
		e.log.Warn("tool permission denied",
			"tool", tc.Name, "required", tool.RequiredPermission(), "user_level", userLevel)
		block.Content = fmt.Sprintf("Permission denied. Tool '%s' requires %s level.",
			tc.Name, tool.RequiredPermission())
		block.IsError = true
		return block
	}

	e.log.Info("tool executing", "tool", tc.Name)
	result := tool.Execute(ctx, tc.Arguments)
	if result.Success {
		block.Content = result.Output
	} else {
		block.Content = "Error: " + result.Error
		block.IsError = true
	}
	return block
}
