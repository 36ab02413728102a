// Package pipeline orchestrates message handling: rate limit, slash
// commands, permission probe, context retrieval, the tool-use loop, and the
// outgoing reply. It also turns scheduler and webhook events into synthetic
// prompts, deferring them while the pause gate is closed.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sidekick-bot/sidekick/internal/auth"
	"github.com/sidekick-bot/sidekick/internal/bus"
	"github.com/sidekick-bot/sidekick/internal/commands"
	"github.com/sidekick-bot/sidekick/internal/config"
	"github.com/sidekick-bot/sidekick/internal/convo"
	"github.com/sidekick-bot/sidekick/internal/executor"
	"github.com/sidekick-bot/sidekick/internal/llm"
	"github.com/sidekick-bot/sidekick/internal/memory"
	"github.com/sidekick-bot/sidekick/internal/pause"
	"github.com/sidekick-bot/sidekick/internal/tools"
)

const memoryPromptTokens = 500

// Pipeline is the message.incoming handler plus the autonomous-trigger
// handlers.
type Pipeline struct {
	ledger   *auth.Ledger
	convo    *convo.Store
	exec     *executor.Executor
	commands *commands.Handler
	bus      *bus.Bus
	registry *tools.Registry
	memory   *memory.Store
	gate     *pause.Gate
	log      *slog.Logger

	// NotifyChannel receives scheduler job results, as "platform:channel".
	NotifyChannel string
	// Endpoints supplies per-endpoint prompt templates for webhook events.
	Endpoints []config.WebhookEndpoint
	// DryRun echoes instead of invoking the model.
	DryRun bool
}

// New builds the pipeline. memory and gate may be nil.
func New(ledger *auth.Ledger, c *convo.Store, exec *executor.Executor, cmds *commands.Handler,
	b *bus.Bus, registry *tools.Registry, m *memory.Store, g *pause.Gate, log *slog.Logger) *Pipeline {
	return &Pipeline{
		ledger:   ledger,
		convo:    c,
		exec:     exec,
		commands: cmds,
		bus:      b,
		registry: registry,
		memory:   m,
		gate:     g,
		log:      log,
	}
}

// HandleIncoming processes one chat message end to end.
func (p *Pipeline) HandleIncoming(ctx context.Context, ev bus.Event) error {
	msg := ev.Incoming
	if msg == nil {
		return nil
	}
	userName := msg.UserName
	if userName == "" {
		userName = msg.UserID
	}
	p.log.Info("message received", "platform", msg.Platform, "user", userName, "channel", msg.Channel)

	if !p.ledger.AllowRate(msg.Platform, msg.UserID) {
		p.send(msg.Platform, msg.Channel, "You're sending messages too quickly. Please slow down.", "")
		return nil
	}

	if strings.HasPrefix(msg.Content, "/") {
		p.commands.Handle(ctx, msg.Platform, msg.Channel, msg.UserID, msg.Content)
		return nil
	}

	level := p.ledger.Level(msg.Platform, msg.UserID)
	if level < auth.Public {
		return nil
	}

	if err := p.convo.Add(ctx, msg.Platform, msg.Channel, msg.UserID, llm.RoleUser, msg.Content); err != nil {
		p.log.Error("store user message", "err", err)
	}

	if p.DryRun {
		preview := msg.Content
		if len(preview) > 100 {
			preview = preview[:100]
		}
		p.send(msg.Platform, msg.Channel, "[DRY RUN] Would process: "+preview, "")
		return nil
	}

	messages, err := p.convo.Context(ctx, msg.Platform, msg.Channel)
	if err != nil {
		p.log.Error("load context", "err", err)
		messages = []llm.Message{llm.Text(llm.RoleUser, msg.Content)}
	}

	system, defs := p.promptFor(ctx, level)
	response, err := p.exec.Run(ctx, messages, system, defs, level)
	if err != nil {
		p.log.Error("completion failed", "err", err)
		p.send(msg.Platform, msg.Channel, "Sorry, something went wrong handling that. Try again in a moment.", "")
		return nil
	}
	if response == "" {
		return nil
	}

	if err := p.convo.Add(ctx, msg.Platform, msg.Channel, msg.UserID, llm.RoleAssistant, response); err != nil {
		p.log.Error("store assistant message", "err", err)
	}
	p.send(msg.Platform, msg.Channel, response, msg.MessageID)
	return nil
}

// HandleScheduler turns a fired job into a synthetic prompt. While paused
// the event is queued instead.
func (p *Pipeline) HandleScheduler(ctx context.Context, ev bus.Event) error {
	trig := ev.Scheduler
	if trig == nil {
		return nil
	}
	if p.gate != nil && p.gate.IsPaused() {
		p.gate.QueueEvent(ev)
		p.log.Info("scheduler trigger deferred while paused", "job", trig.JobName)
		return nil
	}

	prompt := fmt.Sprintf("Scheduled task %q has fired. Carry out the following action now and report the outcome:\n%s",
		trig.JobName, trig.Action)
	p.runTrigger(ctx, p.NotifyChannel, prompt, "job", trig.JobName)
	return nil
}

// HandleWebhook turns a validated webhook event into a synthetic prompt.
// While paused the event is queued instead.
func (p *Pipeline) HandleWebhook(ctx context.Context, ev bus.Event) error {
	wh := ev.Webhook
	if wh == nil {
		return nil
	}
	if p.gate != nil && p.gate.IsPaused() {
		p.gate.QueueEvent(ev)
		p.log.Info("webhook deferred while paused", "source", wh.Source)
		return nil
	}

	prompt := "React briefly to this event: " + wh.Summary
	if tmpl := p.templateFor(wh.Endpoint); tmpl != "" {
		prompt = strings.ReplaceAll(tmpl, "{summary}", wh.Summary)
	}
	p.runTrigger(ctx, wh.Channel, prompt, "source", wh.Source)
	return nil
}

// runTrigger executes a synthetic prompt at operator level and announces the
// result on channel ("platform:channel"). A bare channel name goes to
// discord. Empty channel means log only.
func (p *Pipeline) runTrigger(ctx context.Context, channel, prompt string, logKey, logVal string) {
	system, defs := p.promptFor(ctx, auth.Operator)
	response, err := p.exec.Run(ctx, []llm.Message{llm.Text(llm.RoleUser, prompt)}, system, defs, auth.Operator)
	if err != nil {
		p.log.Error("trigger completion failed", logKey, logVal, "err", err)
		return
	}
	if response == "" {
		return
	}
	if channel == "" {
		p.log.Info("trigger handled, no notify channel", logKey, logVal)
		return
	}

	platform, name, ok := strings.Cut(channel, ":")
	if !ok {
		platform, name = "discord", channel
	}
	if err := p.convo.Add(ctx, platform, name, "system", llm.RoleAssistant, response); err != nil {
		p.log.Error("store trigger response", "err", err)
	}
	p.send(platform, name, response, "")
}

// promptFor filters the registry by level and builds the system prompt and
// the advertised tool catalog.
func (p *Pipeline) promptFor(ctx context.Context, level auth.Level) (string, []llm.ToolDef) {
	var permitted []tools.Tool
	defs := make([]llm.ToolDef, 0)
	for _, t := range p.registry.All() {
		if level >= t.RequiredPermission() {
			permitted = append(permitted, t)
			defs = append(defs, llm.ToolDef{
				Name:        t.Name(),
				Description: t.Description(),
				InputSchema: t.Schema(),
			})
		}
	}

	memoryContext := ""
	if p.memory != nil {
		export, err := p.memory.ExportContext(ctx, memoryPromptTokens)
		if err != nil {
			p.log.Error("export memory", "err", err)
		} else {
			memoryContext = export
		}
	}
	return BuildSystemPrompt(permitted, memoryContext), defs
}

func (p *Pipeline) templateFor(endpoint string) string {
	for _, ep := range p.Endpoints {
		if ep.Name == endpoint {
			return ep.PromptTemplate
		}
	}
	return ""
}

func (p *Pipeline) send(platform, channel, content, replyTo string) {
	p.bus.Publish(bus.NewOutgoing(&bus.OutgoingMessage{
		Platform: platform,
		Channel:  channel,
		Content:  content,
		ReplyTo:  replyTo,
	}))
}
