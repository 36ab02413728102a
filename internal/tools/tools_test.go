package tools

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sidekick-bot/sidekick/internal/auth"
	"github.com/sidekick-bot/sidekick/internal/memory"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryOrderAndDefs(t *testing.T) {
	r := NewRegistry()
	r.Register(NewShellTool(discard()))
	r.Register(NewClaudeCodeTool(discard()))

	all := r.All()
	if len(all) != 2 || all[0].Name() != "shell" || all[1].Name() != "claude_code" {
		t.Fatalf("unexpected order: %v", all)
	}

	defs := r.Defs()
	if defs[0].Name != "shell" || defs[0].InputSchema["type"] != "object" {
		t.Fatalf("defs = %+v", defs[0])
	}

	if _, ok := r.Get("shell"); !ok {
		t.Fatal("shell not found")
	}
	if _, ok := r.Get("nope"); ok {
		t.Fatal("unknown tool found")
	}

	// Re-registering keeps position.
	r.Register(NewShellTool(discard()))
	if r.All()[0].Name() != "shell" {
		t.Fatal("re-register moved the tool")
	}
}

func TestShellEcho(t *testing.T) {
	tool := NewShellTool(discard())
	res := tool.Execute(context.Background(), map[string]any{"command": "echo hello"})
	if !res.Success {
		t.Fatalf("failed: %+v", res)
	}
	if !strings.Contains(res.Output, "hello") || !strings.Contains(res.Output, "Exit code: 0") {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestShellNonZeroExit(t *testing.T) {
	tool := NewShellTool(discard())
	res := tool.Execute(context.Background(), map[string]any{"command": "echo oops >&2; exit 3"})
	if res.Success {
		t.Fatal("exit 3 reported as success")
	}
	if !strings.Contains(res.Output, "STDERR:\noops") {
		t.Fatalf("output = %q", res.Output)
	}
	if !strings.Contains(res.Output, "Exit code: 3") {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestShellBlockedCommands(t *testing.T) {
	tool := NewShellTool(discard())
	for _, cmd := range []string{
		"rm -rf /",
		"RM -RF /",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
		"cat junk > /dev/sdb",
		":(){ :|:& };:",
	} {
		res := tool.Execute(context.Background(), map[string]any{"command": cmd})
		if res.Error == "" || !strings.Contains(res.Error, "blocked") {
			t.Fatalf("command %q not blocked: %+v", cmd, res)
		}
	}

	// A benign command mentioning rm must still run.
	res := tool.Execute(context.Background(), map[string]any{"command": "echo rm -rf /tmp/scratch"})
	if !res.Success {
		t.Fatalf("benign command blocked: %+v", res)
	}
}

func TestShellTruncation(t *testing.T) {
	tool := NewShellTool(discard())
	res := tool.Execute(context.Background(), map[string]any{
		"command": "head -c 5000 /dev/zero | tr '\\0' 'x'",
	})
	if !res.Success {
		t.Fatalf("failed: %+v", res)
	}
	if !strings.Contains(res.Output, "(truncated, 5000 total chars)") {
		t.Fatalf("missing truncation notice: %q", res.Output[len(res.Output)-80:])
	}
}

func TestShellTimeout(t *testing.T) {
	tool := NewShellTool(discard())
	res := tool.Execute(context.Background(), map[string]any{
		"command": "sleep 5",
		"timeout": float64(1),
	})
	if res.Success || !strings.Contains(res.Error, "timed out after 1s") {
		t.Fatalf("res = %+v", res)
	}
}

func TestShellWorkingDir(t *testing.T) {
	dir := t.TempDir()
	tool := NewShellTool(discard())
	res := tool.Execute(context.Background(), map[string]any{
		"command":     "pwd",
		"working_dir": dir,
	})
	if !res.Success || !strings.Contains(res.Output, filepath.Base(dir)) {
		t.Fatalf("res = %+v", res)
	}
}

func TestShellMissingCommand(t *testing.T) {
	tool := NewShellTool(discard())
	if res := tool.Execute(context.Background(), map[string]any{}); res.Error == "" {
		t.Fatal("missing command accepted")
	}
}

func TestClaudeCodeMissingTask(t *testing.T) {
	tool := NewClaudeCodeTool(discard())
	if res := tool.Execute(context.Background(), map[string]any{}); res.Error == "" {
		t.Fatal("missing task accepted")
	}
}

func openMemory(t *testing.T) *memory.Store {
	t.Helper()
	store, err := memory.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMemoryTools(t *testing.T) {
	store := openMemory(t)
	ctx := context.Background()

	set := NewMemorySetTool(store)
	get := NewMemoryGetTool(store)
	del := NewMemoryDeleteTool(store)

	res := set.Execute(ctx, map[string]any{"key": "deploy_day", "value": "Tuesday", "category": "ops"})
	if !res.Success || res.Output != "Stored: deploy_day = Tuesday" {
		t.Fatalf("set = %+v", res)
	}

	res = get.Execute(ctx, map[string]any{"key": "deploy_day"})
	if !res.Success || res.Output != "[ops] deploy_day: Tuesday" {
		t.Fatalf("get = %+v", res)
	}

	res = get.Execute(ctx, map[string]any{"query": "tues"})
	if !res.Success || !strings.Contains(res.Output, "deploy_day") {
		t.Fatalf("search = %+v", res)
	}

	if res = get.Execute(ctx, map[string]any{}); res.Error == "" {
		t.Fatal("get with neither key nor query accepted")
	}
	if res = get.Execute(ctx, map[string]any{"key": "nope"}); res.Error == "" {
		t.Fatal("missing key reported success")
	}

	res = del.Execute(ctx, map[string]any{"key": "deploy_day"})
	if !res.Success || res.Output != "Deleted: deploy_day" {
		t.Fatalf("delete = %+v", res)
	}
	if res = del.Execute(ctx, map[string]any{"key": "deploy_day"}); res.Error == "" {
		t.Fatal("double delete reported success")
	}
}

func TestPermissionLevels(t *testing.T) {
	store := openMemory(t)
	cases := []struct {
		tool Tool
		want auth.Level
	}{
		{NewShellTool(discard()), auth.Operator},
		{NewClaudeCodeTool(discard()), auth.Operator},
		{NewMemorySetTool(store), auth.Trusted},
		{NewMemoryGetTool(store), auth.Trusted},
		{NewMemoryDeleteTool(store), auth.Operator},
	}
	for _, c := range cases {
		if got := c.tool.RequiredPermission(); got != c.want {
			t.Fatalf("%s permission = %v, want %v", c.tool.Name(), got, c.want)
		}
	}
}

func TestArgHelpers(t *testing.T) {
	args := map[string]any{"s": "v", "f": float64(7), "i": 3}
	if stringArg(args, "s") != "v" || stringArg(args, "missing") != "" {
		t.Fatal("stringArg")
	}
	if intArg(args, "f", 0) != 7 || intArg(args, "i", 0) != 3 || intArg(args, "missing", 9) != 9 {
		t.Fatal("intArg")
	}
}
