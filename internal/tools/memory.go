package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/sidekick-bot/sidekick/internal/auth"
	"github.com/sidekick-bot/sidekick/internal/memory"
)

// MemorySetTool stores a fact in long-term memory.
type MemorySetTool struct {
	store *memory.Store
}

func NewMemorySetTool(store *memory.Store) *MemorySetTool {
	return &MemorySetTool{store: store}
}

func (t *MemorySetTool) Name() string { return "memory_set" }

func (t *MemorySetTool) Description() string {
	return "Store a fact in long-term memory. Use when the user shares a preference, " +
		"a piece of infrastructure knowledge, or anything worth remembering across conversations."
}

func (t *MemorySetTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key": map[string]any{
				"type":        "string",
				"description": "Short identifier for the fact, e.g. 'deploy_day'.",
			},
			"value": map[string]any{
				"type":        "string",
				"description": "The fact to remember.",
			},
			"category": map[string]any{
				"type":        "string",
				"description": "Grouping label (default 'general').",
			},
		},
		"required": []string{"key", "value"},
	}
}

func (t *MemorySetTool) RequiredPermission() auth.Level { return auth.Trusted }

func (t *MemorySetTool) Execute(ctx context.Context, args map[string]any) Result {
	key := stringArg(args, "key")
	value := stringArg(args, "value")
	if key == "" || value == "" {
		return Errorf("missing required parameters: key and value")
	}
	if err := t.store.Set(ctx, key, value, stringArg(args, "category"), "llm"); err != nil {
		return Errorf("memory store failed: %v", err)
	}
	return Result{Success: true, Output: fmt.Sprintf("Stored: %s = %s", key, value)}
}

// MemoryGetTool retrieves facts by exact key or substring search.
type MemoryGetTool struct {
	store *memory.Store
}

func NewMemoryGetTool(store *memory.Store) *MemoryGetTool {
	return &MemoryGetTool{store: store}
}

func (t *MemoryGetTool) Name() string { return "memory_get" }

func (t *MemoryGetTool) Description() string {
	return "Retrieve facts from long-term memory by exact key or by search query."
}

func (t *MemoryGetTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key": map[string]any{
				"type":        "string",
				"description": "Exact key to look up.",
			},
			"query": map[string]any{
				"type":        "string",
				"description": "Substring to search keys and values for.",
			},
		},
	}
}

func (t *MemoryGetTool) RequiredPermission() auth.Level { return auth.Trusted }

func (t *MemoryGetTool) Execute(ctx context.Context, args map[string]any) Result {
	key := stringArg(args, "key")
	query := stringArg(args, "query")

	switch {
	case key != "":
		entry, err := t.store.Get(ctx, key)
		if err != nil {
			return Errorf("memory lookup failed: %v", err)
		}
		if entry == nil {
			return Errorf("no memory stored under key %q", key)
		}
		return Result{Success: true, Output: fmt.Sprintf("[%s] %s: %s", entry.Category, entry.Key, entry.Value)}
	case query != "":
		entries, err := t.store.Search(ctx, query)
		if err != nil {
			return Errorf("memory search failed: %v", err)
		}
		if len(entries) == 0 {
			return Errorf("no memories match %q", query)
		}
		lines := make([]string, 0, len(entries))
		for _, e := range entries {
			lines = append(lines, fmt.Sprintf("[%s] %s: %s", e.Category, e.Key, e.Value))
		}
		return Result{Success: true, Output: strings.Join(lines, "\n")}
	default:
		return Errorf("provide either key or query")
	}
}

// MemoryDeleteTool removes a stored fact.
type MemoryDeleteTool struct {
	store *memory.Store
}

func NewMemoryDeleteTool(store *memory.Store) *MemoryDeleteTool {
	return &MemoryDeleteTool{store: store}
}

func (t *MemoryDeleteTool) Name() string { return "memory_delete" }

func (t *MemoryDeleteTool) Description() string {
	return "Delete a fact from long-term memory by key."
}

func (t *MemoryDeleteTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key": map[string]any{
				"type":        "string",
				"description": "Exact key to delete.",
			},
		},
		"required": []string{"key"},
	}
}

func (t *MemoryDeleteTool) RequiredPermission() auth.Level { return auth.Operator }

func (t *MemoryDeleteTool) Execute(ctx context.Context, args map[string]any) Result {
	key := stringArg(args, "key")
	if key == "" {
		return Errorf("missing required parameter: key")
	}
	deleted, err := t.store.Delete(ctx, key)
	if err != nil {
		return Errorf("memory delete failed: %v", err)
	}
	if !deleted {
		return Errorf("no memory stored under key %q", key)
	}
	return Result{Success: true, Output: fmt.Sprintf("Deleted: %s", key)}
}
