// Package tools defines the tool interface the executor dispatches on, the
// registry advertised to the model, and the built-in tools.
package tools

import (
	"context"
	"fmt"

	"github.com/sidekick-bot/sidekick/internal/auth"
	"github.com/sidekick-bot/sidekick/internal/llm"
)

// Result is the outcome of one tool invocation.
type Result struct {
	Success bool
	Output  string
	Error   string
}

// Errorf builds a failed result.
func Errorf(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Tool is one capability the model may invoke.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON Schema of the tool's arguments.
	Schema() map[string]any
	RequiredPermission() auth.Level
	Execute(ctx context.Context, args map[string]any) Result
}

// Cleaner is implemented by tools holding external resources.
type Cleaner interface {
	Cleanup() error
}

// Registry holds tools in registration order.
type Registry struct {
	order []string
	byName map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds a tool. Re-registering a name replaces the tool but keeps
// its position.
func (r *Registry) Register(t Tool) {
	if _, ok := r.byName[t.Name()]; !ok {
		r.order = append(r.order, t.Name())
	}
	r.byName[t.Name()] = t
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// All returns the tools in registration order.
func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Defs renders the registry as provider tool definitions.
func (r *Registry) Defs() []llm.ToolDef {
	out := make([]llm.ToolDef, 0, len(r.order))
	for _, t := range r.All() {
		out = append(out, llm.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return out
}

// Cleanup runs every tool's cleanup hook, returning the first error.
func (r *Registry) Cleanup() error {
	var first error
	for _, t := range r.All() {
		if c, ok := t.(Cleaner); ok {
			if err := c.Cleanup(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// Argument helpers shared by the built-in tools.

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
