// Package app wires every component together and owns the process
// lifecycle: construction, start order, and graceful shutdown in reverse.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sidekick-bot/sidekick/internal/auth"
	"github.com/sidekick-bot/sidekick/internal/bus"
	"github.com/sidekick-bot/sidekick/internal/commands"
	"github.com/sidekick-bot/sidekick/internal/config"
	"github.com/sidekick-bot/sidekick/internal/convo"
	"github.com/sidekick-bot/sidekick/internal/executor"
	"github.com/sidekick-bot/sidekick/internal/llm"
	"github.com/sidekick-bot/sidekick/internal/logging"
	"github.com/sidekick-bot/sidekick/internal/memory"
	"github.com/sidekick-bot/sidekick/internal/mcpserver"
	"github.com/sidekick-bot/sidekick/internal/pause"
	"github.com/sidekick-bot/sidekick/internal/pipeline"
	"github.com/sidekick-bot/sidekick/internal/planner"
	"github.com/sidekick-bot/sidekick/internal/scheduler"
	"github.com/sidekick-bot/sidekick/internal/tools"
	"github.com/sidekick-bot/sidekick/internal/transport"
	"github.com/sidekick-bot/sidekick/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

// App is the assembled bot.
type App struct {
	cfg *config.Config
	log *slog.Logger

	provider llm.Provider
	ledger   *auth.Ledger
	bus      *bus.Bus
	gate     *pause.Gate
	convo    *convo.Store
	memory   *memory.Store
	sched    *scheduler.Scheduler
	planner  *planner.Engine
	registry *tools.Registry
	pipe     *pipeline.Pipeline

	transports []transport.Transport
	webhooks   *webhook.Server
}

// New builds the full component graph. Nothing is started yet.
func New(cfg *config.Config) (*App, error) {
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	provider, err := newProvider(cfg.LLM, log)
	if err != nil {
		return nil, err
	}

	ledger := auth.NewLedger(auth.Config{
		AdminUsers:         cfg.Auth.AdminUsers,
		OperatorUsers:      cfg.Auth.OperatorUsers,
		TrustedUsers:       cfg.Auth.TrustedUsers,
		DefaultLevel:       auth.Level(cfg.Auth.DefaultLevel),
		RateLimitPerMinute: cfg.Auth.RateLimitPerMinute,
		SudoTimeout:        time.Duration(cfg.Auth.SudoTimeoutSeconds) * time.Second,
	}, log)

	b := bus.New(log)
	gate := pause.NewGate(log)

	convoStore, err := convo.Open(filepath.Join(cfg.DataDir, "conversations.db"),
		provider, 0, cfg.LLM.MaxContextTokens, log)
	if err != nil {
		return nil, err
	}

	memStore, err := memory.Open(filepath.Join(cfg.DataDir, "memory.db"))
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.Open(filepath.Join(cfg.DataDir, "scheduler.db"), cfg.Scheduler, b, log)
	if err != nil {
		return nil, err
	}

	registry := BuildRegistry(log, memStore, sched)
	engine, err := planner.Open(filepath.Join(cfg.DataDir, "plans.db"), provider, registry, log)
	if err != nil {
		return nil, err
	}
	registry.Register(planner.NewPlanTool(engine))

	exec := executor.New(provider, registry, log)

	send := func(_ context.Context, platform, channel, text string) {
		b.Publish(bus.NewOutgoing(&bus.OutgoingMessage{
			Platform: platform,
			Channel:  channel,
			Content:  text,
		}))
	}
	cmds := commands.New(convoStore, sched, ledger, memStore, gate, send, log)

	pipe := pipeline.New(ledger, convoStore, exec, cmds, b, registry, memStore, gate, log)
	pipe.NotifyChannel = cfg.Scheduler.NotifyChannel
	pipe.Endpoints = cfg.Webhooks.Endpoints
	pipe.DryRun = cfg.DryRun

	b.Subscribe(bus.KindMessageIncoming, "pipeline", pipe.HandleIncoming)
	b.Subscribe(bus.KindSchedulerTrigger, "pipeline", pipe.HandleScheduler)
	b.Subscribe(bus.KindWebhookReceived, "pipeline", pipe.HandleWebhook)

	app := &App{
		cfg:      cfg,
		log:      log,
		provider: provider,
		ledger:   ledger,
		bus:      b,
		gate:     gate,
		convo:    convoStore,
		memory:   memStore,
		sched:    sched,
		planner:  engine,
		registry: registry,
		pipe:     pipe,
	}

	if cfg.Discord.Token != "" {
		d, err := transport.NewDiscord(cfg.Discord, cfg.Chunker, b, log)
		if err != nil {
			return nil, err
		}
		app.transports = append(app.transports, d)
	}
	if cfg.Signal.PhoneNumber != "" {
		app.transports = append(app.transports, transport.NewSignal(cfg.Signal, cfg.Chunker, b, log))
	}
	if len(app.transports) == 0 {
		return nil, fmt.Errorf("no transport configured: set discord.token or signal.phone_number")
	}

	if cfg.Webhooks.Enabled {
		app.webhooks = webhook.NewServer(cfg.Webhooks, b, log)
	}

	return app, nil
}

func newProvider(cfg config.LLM, log *slog.Logger) (llm.Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return llm.NewAnthropicProvider(cfg, log), nil
	case "local":
		return llm.NewLocalProvider(cfg, log), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}

// BuildRegistry assembles the standard tool set. The plan tool is added
// separately since it depends on the planner engine.
func BuildRegistry(log *slog.Logger, mem *memory.Store, sched *scheduler.Scheduler) *tools.Registry {
	r := tools.NewRegistry()
	r.Register(tools.NewShellTool(log))
	r.Register(tools.NewClaudeCodeTool(log))
	r.Register(tools.NewMemorySetTool(mem))
	r.Register(tools.NewMemoryGetTool(mem))
	r.Register(tools.NewMemoryDeleteTool(mem))
	if sched != nil {
		r.Register(tools.NewScheduleAddTool(sched))
		r.Register(tools.NewScheduleRemoveTool(sched))
	}
	return r
}

// Run starts every component (bus workers last so nothing fires into an
// idle bus), blocks until ctx is cancelled, then shuts down in reverse. A
// transport that fails to start is logged and skipped; the rest keep
// running.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("sidekick starting", "version", config.Version, "dry_run", a.cfg.DryRun)

	if a.cfg.Scheduler.Enabled {
		a.sched.Start()
	}

	var started []transport.Transport
	for _, t := range a.transports {
		if err := t.Start(ctx); err != nil {
			a.log.Error("transport start failed", "name", t.Name(), "err", err)
			continue
		}
		a.log.Info("transport started", "name", t.Name())
		started = append(started, t)
	}
	if len(started) == 0 {
		a.log.Warn("no transport running, only triggers will be processed")
	}

	if a.webhooks != nil {
		if err := a.webhooks.Start(); err != nil {
			a.log.Error("webhook start failed", "err", err)
		}
	}

	a.bus.Start()

	<-ctx.Done()
	a.log.Info("shutting down")

	a.bus.Stop()
	if a.webhooks != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.webhooks.Stop(stopCtx); err != nil {
			a.log.Warn("webhook shutdown", "err", err)
		}
		cancel()
	}
	a.stopTransports(started)
	a.sched.Stop()
	a.shutdown()
	return nil
}

// RunMCP serves a reduced tool registry over stdio MCP. It opens only the
// memory store, so it needs neither a model provider nor a transport.
func RunMCP(ctx context.Context, dataDir, logLevel, logFormat string) error {
	log, err := logging.New(logLevel, logFormat)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	memStore, err := memory.Open(filepath.Join(dataDir, "memory.db"))
	if err != nil {
		return err
	}
	defer memStore.Close()

	registry := BuildRegistry(log, memStore, nil)
	log.Info("mcp server starting", "version", config.Version)
	return mcpserver.NewServer(registry).Run(ctx, os.Stdin, os.Stdout)
}

func (a *App) stopTransports(started []transport.Transport) {
	for i := len(started) - 1; i >= 0; i-- {
		t := started[i]
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := t.Stop(stopCtx); err != nil {
			a.log.Warn("transport stop", "name", t.Name(), "err", err)
		}
		cancel()
	}
}

// shutdown releases everything construction opened.
func (a *App) shutdown() {
	if err := a.registry.Cleanup(); err != nil {
		a.log.Warn("tool cleanup", "err", err)
	}
	a.planner.Close()
	a.memory.Close()
	a.convo.Close()
	a.provider.Close()
}
