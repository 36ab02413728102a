// Package commands dispatches the slash commands: /forget, /context,
// /summarize, /jobs, /sudo, /memory, /pause, /resume, /status, /help.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sidekick-bot/sidekick/internal/auth"
	"github.com/sidekick-bot/sidekick/internal/convo"
	"github.com/sidekick-bot/sidekick/internal/memory"
	"github.com/sidekick-bot/sidekick/internal/pause"
	"github.com/sidekick-bot/sidekick/internal/scheduler"
)

// SendFn delivers a reply to a chat channel.
type SendFn func(ctx context.Context, platform, channel, text string)

// Handler routes slash commands. Memory and gate may be nil; the commands
// that need them report that instead of failing.
type Handler struct {
	convo  *convo.Store
	sched  *scheduler.Scheduler
	ledger *auth.Ledger
	memory *memory.Store
	gate   *pause.Gate
	send   SendFn
	log    *slog.Logger
}

// New builds the dispatcher.
func New(c *convo.Store, s *scheduler.Scheduler, l *auth.Ledger, m *memory.Store, g *pause.Gate, send SendFn, log *slog.Logger) *Handler {
	return &Handler{convo: c, sched: s, ledger: l, memory: m, gate: g, send: send, log: log}
}

// Handle runs one slash command. content must start with "/".
func (h *Handler) Handle(ctx context.Context, platform, channel, userID, content string) {
	command, args, _ := strings.Cut(strings.TrimSpace(content), " ")
	command = strings.ToLower(command)
	args = strings.TrimSpace(args)

	h.log.Info("command", "command", command, "platform", platform, "user", userID)

	switch command {
	case "/forget":
		count, err := h.convo.Forget(ctx, platform, channel)
		if err != nil {
			h.send(ctx, platform, channel, "Failed to clear context.")
			return
		}
		h.send(ctx, platform, channel, fmt.Sprintf("Cleared %d messages from context.", count))

	case "/context":
		stats, err := h.convo.Stats(ctx, platform, channel)
		if err != nil {
			h.send(ctx, platform, channel, "Failed to read context stats.")
			return
		}
		h.send(ctx, platform, channel,
			fmt.Sprintf("Context: %d messages, %d chars", stats.MessageCount, stats.TotalChars))

	case "/summarize":
		summary, err := h.convo.Summarize(ctx, platform, channel)
		if err != nil {
			h.send(ctx, platform, channel, "Summarization failed.")
			return
		}
		if summary == "" {
			h.send(ctx, platform, channel, "No context to summarize.")
			return
		}
		h.send(ctx, platform, channel, "**Summary:**\n"+summary)

	case "/jobs":
		jobs, err := h.sched.ListJobs(ctx)
		if err != nil {
			h.send(ctx, platform, channel, "Failed to list jobs.")
			return
		}
		if len(jobs) == 0 {
			h.send(ctx, platform, channel, "No scheduled jobs.")
			return
		}
		lines := make([]string, 0, len(jobs))
		for _, j := range jobs {
			lines = append(lines, fmt.Sprintf("**%s** — `%s` — %s", j.Name, j.CronExpr, j.Action))
		}
		h.send(ctx, platform, channel, strings.Join(lines, "\n"))

	case "/sudo":
		h.handleSudo(ctx, platform, channel, userID, args)

	case "/memory":
		h.handleMemory(ctx, platform, channel, userID, args)

	case "/pause":
		h.handlePause(ctx, platform, channel, userID, args)

	case "/resume":
		h.handleResume(ctx, platform, channel, userID)

	case "/status":
		h.handleStatus(ctx, platform, channel)

	case "/help":
		h.send(ctx, platform, channel,
			"**Commands:** /forget, /context, /summarize, /jobs, /sudo, /memory, /pause, /resume, /status, /help")

	default:
		h.send(ctx, platform, channel, "Unknown command: "+command)
	}
}

func (h *Handler) handleSudo(ctx context.Context, platform, channel, userID, args string) {
	switch {
	case args == "":
		if !h.ledger.Check(platform, userID, auth.Admin) {
			h.send(ctx, platform, channel, "Admin access required to view sudo requests.")
			return
		}
		pending := h.ledger.ListPending()
		if len(pending) == 0 {
			h.send(ctx, platform, channel, "No pending sudo requests.")
			return
		}
		lines := make([]string, 0, len(pending))
		for _, p := range pending {
			lines = append(lines, fmt.Sprintf("`%s` — %s:%s → %s — %s",
				p.RequestID, p.Platform, p.UserID, p.RequestedLevel, p.Action))
		}
		h.send(ctx, platform, channel, "**Pending sudo requests:**\n"+strings.Join(lines, "\n"))

	case strings.HasPrefix(args, "approve "):
		requestID := strings.Fields(args)[1]
		if h.ledger.ApproveSudo(requestID, platform, userID) {
			h.send(ctx, platform, channel, fmt.Sprintf("Sudo request `%s` approved.", requestID))
		} else {
			h.send(ctx, platform, channel, "Failed to approve. Check request ID and your permissions.")
		}

	case strings.HasPrefix(args, "deny "):
		requestID := strings.Fields(args)[1]
		if h.ledger.DenySudo(requestID) {
			h.send(ctx, platform, channel, fmt.Sprintf("Sudo request `%s` denied.", requestID))
		} else {
			h.send(ctx, platform, channel, fmt.Sprintf("Request `%s` not found.", requestID))
		}

	default:
		requestID := h.ledger.RequestSudo(platform, userID, args, auth.Operator)
		h.send(ctx, platform, channel,
			fmt.Sprintf("Sudo requested (`%s`). An admin must approve with `/sudo approve %s`.",
				requestID, requestID))
	}
}

func (h *Handler) handleMemory(ctx context.Context, platform, channel, userID, args string) {
	if h.memory == nil {
		h.send(ctx, platform, channel, "Memory store not configured.")
		return
	}

	switch {
	case strings.HasPrefix(args, "search "):
		query := strings.TrimSpace(strings.TrimPrefix(args, "search "))
		results, err := h.memory.Search(ctx, query)
		if err != nil {
			h.send(ctx, platform, channel, "Memory search failed.")
			return
		}
		if len(results) == 0 {
			h.send(ctx, platform, channel, fmt.Sprintf("No memories matching '%s'.", query))
			return
		}
		if len(results) > 20 {
			results = results[:20]
		}
		lines := make([]string, 0, len(results))
		for _, r := range results {
			lines = append(lines, fmt.Sprintf("**%s**: %s (%s)", r.Key, r.Value, r.Category))
		}
		h.send(ctx, platform, channel, strings.Join(lines, "\n"))

	case args == "clear":
		if !h.ledger.Check(platform, userID, auth.Admin) {
			h.send(ctx, platform, channel, "Admin access required to clear memory.")
			return
		}
		count, err := h.memory.Clear(ctx)
		if err != nil {
			h.send(ctx, platform, channel, "Failed to clear memory.")
			return
		}
		h.send(ctx, platform, channel, fmt.Sprintf("Cleared %d memories.", count))

	default:
		export, err := h.memory.ExportContext(ctx, 2000)
		if err != nil {
			h.send(ctx, platform, channel, "Failed to read memories.")
			return
		}
		if export == "" {
			h.send(ctx, platform, channel, "No memories stored.")
			return
		}
		h.send(ctx, platform, channel, "**Memories:**\n"+export)
	}
}

func (h *Handler) handlePause(ctx context.Context, platform, channel, userID, args string) {
	if !h.ledger.Check(platform, userID, auth.Operator) {
		h.send(ctx, platform, channel, "Operator access required.")
		return
	}
	if h.gate == nil {
		h.send(ctx, platform, channel, "Pause gate not configured.")
		return
	}

	if args != "" {
		seconds, ok := pause.ParseDuration(args)
		if !ok {
			h.send(ctx, platform, channel, "Could not parse duration. Try /pause 2h or /pause 30m.")
			return
		}
		h.gate.Pause(time.Duration(seconds) * time.Second)
		h.send(ctx, platform, channel,
			fmt.Sprintf("Paused for %s. I'll still respond if you message me directly.", args))
		return
	}

	h.gate.Pause(0)
	h.send(ctx, platform, channel,
		"Paused indefinitely. Use /resume to resume. I'll still respond to direct messages.")
}

func (h *Handler) handleResume(ctx context.Context, platform, channel, userID string) {
	if !h.ledger.Check(platform, userID, auth.Operator) {
		h.send(ctx, platform, channel, "Operator access required.")
		return
	}
	if h.gate == nil {
		h.send(ctx, platform, channel, "Pause gate not configured.")
		return
	}

	count := h.gate.Resume()
	h.gate.DrainQueue()
	if count > 0 {
		h.send(ctx, platform, channel, fmt.Sprintf("Resumed. %d queued event(s) were missed.", count))
	} else {
		h.send(ctx, platform, channel, "Resumed.")
	}
}

func (h *Handler) handleStatus(ctx context.Context, platform, channel string) {
	if h.gate != nil && h.gate.IsPaused() {
		h.send(ctx, platform, channel,
			fmt.Sprintf("Status: **Paused** | %d queued event(s)", h.gate.QueuedCount()))
		return
	}
	h.send(ctx, platform, channel, "Status: **Active**")
}
