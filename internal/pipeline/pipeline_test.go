package pipeline

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sidekick-bot/sidekick/internal/auth"
	"github.com/sidekick-bot/sidekick/internal/bus"
	"github.com/sidekick-bot/sidekick/internal/commands"
	"github.com/sidekick-bot/sidekick/internal/config"
	"github.com/sidekick-bot/sidekick/internal/convo"
	"github.com/sidekick-bot/sidekick/internal/executor"
	"github.com/sidekick-bot/sidekick/internal/llm"
	"github.com/sidekick-bot/sidekick/internal/memory"
	"github.com/sidekick-bot/sidekick/internal/pause"
	"github.com/sidekick-bot/sidekick/internal/scheduler"
	"github.com/sidekick-bot/sidekick/internal/tools"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scriptedProvider struct {
	responses []*llm.Response
	requests  []llm.Request
}

func (p *scriptedProvider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return &llm.Response{Content: "canned reply"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req llm.Request, fn func(string)) error {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return err
	}
	fn(resp.Content)
	return nil
}

func (p *scriptedProvider) CountTokens(text string) int { return len(text) / 4 }
func (p *scriptedProvider) Close() error                { return nil }

type opTool struct{}

func (opTool) Name() string                   { return "restricted" }
func (opTool) Description() string            { return "Operator-only probe." }
func (opTool) Schema() map[string]any         { return map[string]any{"type": "object"} }
func (opTool) RequiredPermission() auth.Level { return auth.Operator }
func (opTool) Execute(context.Context, map[string]any) tools.Result {
	return tools.Result{Success: true, Output: "ok"}
}

type outCollector struct {
	mu   sync.Mutex
	msgs []*bus.OutgoingMessage
}

func (c *outCollector) handler(_ context.Context, ev bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, ev.Outgoing)
	return nil
}

func (c *outCollector) wait(t *testing.T, n int) []*bus.OutgoingMessage {
	t.Helper()
	for i := 0; i < 400; i++ {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]*bus.OutgoingMessage(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d outgoing messages", n)
	return nil
}

type fixture struct {
	pipeline *Pipeline
	provider *scriptedProvider
	bus      *bus.Bus
	out      *outCollector
	convo    *convo.Store
	gate     *pause.Gate
}

func newFixture(t *testing.T, cfgAuth auth.Config) *fixture {
	t.Helper()
	dir := t.TempDir()

	p := &scriptedProvider{}
	c, err := convo.Open(filepath.Join(dir, "convo.db"), nil, 50, 0, discard())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	m, err := memory.Open(filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })

	b := bus.New(discard())
	out := &outCollector{}
	b.Subscribe(bus.KindMessageOutgoing, "collector", out.handler)
	b.Start()
	t.Cleanup(b.Stop)

	sched, err := scheduler.Open(filepath.Join(dir, "jobs.db"), config.Scheduler{
		HeartbeatInterval: 30,
		HeartbeatFile:     filepath.Join(dir, "heartbeat"),
	}, b, discard())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sched.Stop() })

	ledger := auth.NewLedger(cfgAuth, discard())
	gate := pause.NewGate(discard())

	reg := tools.NewRegistry()
	reg.Register(opTool{})

	exec := executor.New(p, reg, discard())

	send := func(_ context.Context, platform, channel, text string) {
		b.Publish(bus.NewOutgoing(&bus.OutgoingMessage{Platform: platform, Channel: channel, Content: text}))
	}
	cmds := commands.New(c, sched, ledger, m, gate, send, discard())

	pl := New(ledger, c, exec, cmds, b, reg, m, gate, discard())
	return &fixture{pipeline: pl, provider: p, bus: b, out: out, convo: c, gate: gate}
}

func incoming(content string) bus.Event {
	return bus.NewIncoming(&bus.IncomingMessage{
		Platform:  "discord",
		Channel:   "general",
		UserID:    "alice",
		Content:   content,
		MessageID: "m1",
	})
}

func TestIncomingProducesReply(t *testing.T) {
	f := newFixture(t, auth.Config{RateLimitPerMinute: 100})
	f.provider.responses = []*llm.Response{{Content: "hi alice"}}

	if err := f.pipeline.HandleIncoming(context.Background(), incoming("hello")); err != nil {
		t.Fatal(err)
	}
	msgs := f.out.wait(t, 1)
	if msgs[0].Content != "hi alice" || msgs[0].ReplyTo != "m1" || msgs[0].Channel != "general" {
		t.Fatalf("msg = %+v", msgs[0])
	}

	// Both turns persisted.
	hist, err := f.convo.Context(context.Background(), "discord", "general")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].PlainText() != "hello" || hist[1].PlainText() != "hi alice" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestRateLimitApology(t *testing.T) {
	f := newFixture(t, auth.Config{RateLimitPerMinute: 1})

	f.pipeline.HandleIncoming(context.Background(), incoming("one"))
	f.pipeline.HandleIncoming(context.Background(), incoming("two"))

	msgs := f.out.wait(t, 2)
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Content, "too quickly") {
		t.Fatalf("msg = %+v", last)
	}
	// Only the first message reached the provider.
	if len(f.provider.requests) != 1 {
		t.Fatalf("provider calls = %d", len(f.provider.requests))
	}
}

func TestSlashCommandBypassesModel(t *testing.T) {
	f := newFixture(t, auth.Config{RateLimitPerMinute: 100})

	f.pipeline.HandleIncoming(context.Background(), incoming("/help"))
	msgs := f.out.wait(t, 1)
	if !strings.HasPrefix(msgs[0].Content, "**Commands:**") {
		t.Fatalf("msg = %+v", msgs[0])
	}
	if len(f.provider.requests) != 0 {
		t.Fatal("command must not reach the provider")
	}
}

func TestDryRunEchoes(t *testing.T) {
	f := newFixture(t, auth.Config{RateLimitPerMinute: 100})
	f.pipeline.DryRun = true

	f.pipeline.HandleIncoming(context.Background(), incoming("deploy everything"))
	msgs := f.out.wait(t, 1)
	if msgs[0].Content != "[DRY RUN] Would process: deploy everything" {
		t.Fatalf("msg = %+v", msgs[0])
	}
	if len(f.provider.requests) != 0 {
		t.Fatal("dry run must not reach the provider")
	}
}

func TestToolCatalogFilteredByLevel(t *testing.T) {
	f := newFixture(t, auth.Config{RateLimitPerMinute: 100})
	f.provider.responses = []*llm.Response{{Content: "ok"}}

	// alice is PUBLIC; the operator tool must not be advertised.
	f.pipeline.HandleIncoming(context.Background(), incoming("hello"))
	f.out.wait(t, 1)

	req := f.provider.requests[0]
	if len(req.Tools) != 0 {
		t.Fatalf("tools advertised to public user: %+v", req.Tools)
	}
	if strings.Contains(req.System, "restricted") {
		t.Fatal("system prompt lists a forbidden tool")
	}
}

func TestOperatorSeesTools(t *testing.T) {
	f := newFixture(t, auth.Config{RateLimitPerMinute: 100, OperatorUsers: []string{"alice"}})
	f.provider.responses = []*llm.Response{{Content: "ok"}}

	f.pipeline.HandleIncoming(context.Background(), incoming("hello"))
	f.out.wait(t, 1)

	req := f.provider.requests[0]
	if len(req.Tools) != 1 || req.Tools[0].Name != "restricted" {
		t.Fatalf("tools = %+v", req.Tools)
	}
	if !strings.Contains(req.System, "**restricted**: Operator-only probe.") {
		t.Fatalf("system = %q", req.System)
	}
}

func TestSchedulerTriggerRuns(t *testing.T) {
	f := newFixture(t, auth.Config{RateLimitPerMinute: 100})
	f.pipeline.NotifyChannel = "discord:ops"
	f.provider.responses = []*llm.Response{{Content: "backup finished"}}

	ev := bus.NewSchedulerTrigger(&bus.SchedulerTrigger{JobName: "backup", Action: "run the nightly backup"})
	if err := f.pipeline.HandleScheduler(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	msgs := f.out.wait(t, 1)
	if msgs[0].Platform != "discord" || msgs[0].Channel != "ops" || msgs[0].Content != "backup finished" {
		t.Fatalf("msg = %+v", msgs[0])
	}
	prompt := f.provider.requests[0].Messages[0].PlainText()
	if !strings.Contains(prompt, `"backup"`) || !strings.Contains(prompt, "run the nightly backup") {
		t.Fatalf("prompt = %q", prompt)
	}
}

func TestTriggersQueuedWhilePaused(t *testing.T) {
	f := newFixture(t, auth.Config{RateLimitPerMinute: 100})
	f.gate.Pause(0)

	f.pipeline.HandleScheduler(context.Background(),
		bus.NewSchedulerTrigger(&bus.SchedulerTrigger{JobName: "j", Action: "a"}))
	f.pipeline.HandleWebhook(context.Background(),
		bus.NewWebhookReceived(&bus.WebhookReceived{Source: "github", Summary: "s", Channel: "discord:ops"}))

	if len(f.provider.requests) != 0 {
		t.Fatal("paused triggers must not reach the provider")
	}
	if f.gate.QueuedCount() != 2 {
		t.Fatalf("queued = %d", f.gate.QueuedCount())
	}

	// Direct messages still flow while paused.
	f.provider.responses = []*llm.Response{{Content: "still here"}}
	f.pipeline.HandleIncoming(context.Background(), incoming("you there?"))
	msgs := f.out.wait(t, 1)
	if msgs[0].Content != "still here" {
		t.Fatalf("msg = %+v", msgs[0])
	}
}

func TestWebhookPromptTemplate(t *testing.T) {
	f := newFixture(t, auth.Config{RateLimitPerMinute: 100})
	f.pipeline.Endpoints = []config.WebhookEndpoint{
		{Name: "github", PromptTemplate: "A GitHub event arrived: {summary}. Summarize impact."},
	}
	f.provider.responses = []*llm.Response{{Content: "noted"}}

	ev := bus.NewWebhookReceived(&bus.WebhookReceived{
		Endpoint: "github",
		Source:   "github",
		Summary:  "alice pushed 2 commit(s) to acme/api/main",
		Channel:  "discord:ops",
	})
	if err := f.pipeline.HandleWebhook(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	f.out.wait(t, 1)

	prompt := f.provider.requests[0].Messages[0].PlainText()
	if prompt != "A GitHub event arrived: alice pushed 2 commit(s) to acme/api/main. Summarize impact." {
		t.Fatalf("prompt = %q", prompt)
	}
}

func TestWebhookTemplateForGenericEndpoint(t *testing.T) {
	f := newFixture(t, auth.Config{RateLimitPerMinute: 100})
	// The endpoint name carries no payload-family hint; the template must
	// still be found via the endpoint the event arrived on.
	f.pipeline.Endpoints = []config.WebhookEndpoint{
		{Name: "myservice", PromptTemplate: "Custom: {summary}"},
	}
	f.provider.responses = []*llm.Response{{Content: "ack"}}

	ev := bus.NewWebhookReceived(&bus.WebhookReceived{
		Endpoint: "myservice",
		Source:   "generic",
		Summary:  "disk almost full",
		Channel:  "discord:ops",
	})
	if err := f.pipeline.HandleWebhook(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	f.out.wait(t, 1)

	prompt := f.provider.requests[0].Messages[0].PlainText()
	if prompt != "Custom: disk almost full" {
		t.Fatalf("prompt = %q", prompt)
	}
}

func TestWebhookDefaultPrompt(t *testing.T) {
	f := newFixture(t, auth.Config{RateLimitPerMinute: 100})
	f.provider.responses = []*llm.Response{{Content: "noted"}}

	f.pipeline.HandleWebhook(context.Background(), bus.NewWebhookReceived(&bus.WebhookReceived{
		Source: "sentry", Summary: "[error] api: NilPointer", Channel: "ops",
	}))
	msgs := f.out.wait(t, 1)

	// Bare channel names route to discord.
	if msgs[0].Platform != "discord" || msgs[0].Channel != "ops" {
		t.Fatalf("msg = %+v", msgs[0])
	}
	prompt := f.provider.requests[0].Messages[0].PlainText()
	if prompt != "React briefly to this event: [error] api: NilPointer" {
		t.Fatalf("prompt = %q", prompt)
	}
}

func TestMemoryBlockInSystemPrompt(t *testing.T) {
	f := newFixture(t, auth.Config{RateLimitPerMinute: 100})
	f.provider.responses = []*llm.Response{{Content: "ok"}}

	ctx := context.Background()
	m := f.pipeline.memory
	if err := m.Set(ctx, "deploy_day", "Tuesday", "ops", "test"); err != nil {
		t.Fatal(err)
	}

	f.pipeline.HandleIncoming(ctx, incoming("hello"))
	f.out.wait(t, 1)

	system := f.provider.requests[0].System
	if !strings.Contains(system, "Current Memory:") || !strings.Contains(system, "[ops] deploy_day: Tuesday") {
		t.Fatalf("system = %q", system)
	}
}
