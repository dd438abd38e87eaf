package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/deskwire/internal/bus"
	"github.com/nextlevelbuilder/deskwire/internal/config"
	"github.com/nextlevelbuilder/deskwire/internal/gateway"
	"github.com/nextlevelbuilder/deskwire/internal/httpapi"
	"github.com/nextlevelbuilder/deskwire/internal/llm"
	"github.com/nextlevelbuilder/deskwire/internal/memory"
	"github.com/nextlevelbuilder/deskwire/internal/monitor"
	"github.com/nextlevelbuilder/deskwire/internal/pipeline"
	"github.com/nextlevelbuilder/deskwire/internal/security"
	"github.com/nextlevelbuilder/deskwire/internal/store"
	fileblob "github.com/nextlevelbuilder/deskwire/internal/store/file"
	"github.com/nextlevelbuilder/deskwire/internal/store/pg"
	"github.com/nextlevelbuilder/deskwire/internal/store/sqlite"
	"github.com/nextlevelbuilder/deskwire/internal/tools"
	"github.com/nextlevelbuilder/deskwire/internal/workflow"
	"github.com/nextlevelbuilder/deskwire/pkg/protocol"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Providers.Anthropic.APIKey == "" && cfg.Providers.OpenAI.APIKey == "" {
		fmt.Println("No AI provider API key found.")
		fmt.Println()
		fmt.Println("Set DESKWIRE_ANTHROPIC_API_KEY or DESKWIRE_OPENAI_API_KEY and restart.")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage: warm KV and cold blob.
	kv, err := openKV(cfg)
	if err != nil {
		slog.Error("failed to open warm kv", "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	blob, err := fileblob.New(config.ExpandHome(cfg.Storage.BlobDir))
	if err != nil {
		slog.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}

	// Re-install logging so error entries persist to the warm KV.
	monitor.SetupLogging(logLevel, kv)

	metrics := monitor.NewMetrics()

	tracing, err := monitor.SetupTracing(ctx, cfg.Monitor.Telemetry)
	if err != nil {
		slog.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	defer tracing.Shutdown(context.Background())

	// LLM layer: primary provider with optional fallback.
	primary, err := buildProvider(cfg.Providers.Primary, cfg)
	if err != nil {
		slog.Error("failed to configure primary provider", "error", err)
		os.Exit(1)
	}
	var fallback llm.Provider
	if cfg.Providers.FallbackEnabled && cfg.Providers.Fallback != "" &&
		cfg.Providers.Fallback != cfg.Providers.Primary {
		fallback, err = buildProvider(cfg.Providers.Fallback, cfg)
		if err != nil {
			slog.Warn("fallback provider unavailable", "error", err)
		}
	}
	client := llm.NewClient(primary, fallback, metrics)
	summarizer := summarizerAdapter{llm.NewSummarizer(client)}

	// Memory engine: one actor per session.
	sec, mem, mon := cfg.Snapshot()
	engine := memory.NewEngine(kv, blob, summarizer, memory.Tunables{
		MaxMessages:    mem.MaxMessages,
		KeepRecent:     mem.KeepRecent,
		SummaryTrigger: mem.SummaryTrigger,
		TTL:            mem.TTL(),
		MailboxSize:    mem.MailboxSize,
	}, time.Duration(mem.IdleEvictMin)*time.Minute, mem.CleanupSchedule, metrics)

	// Tool registry: sealed after startup registration.
	registry := tools.NewRegistry(metrics)
	ticketStore := tools.NewMemoryTicketStore()
	for _, t := range []tools.Tool{
		tools.NewKBSearchTool(tools.SeedKB()),
		tools.NewCreateTicketTool(ticketStore),
		tools.NewTicketStatusTool(ticketStore),
		tools.NewUpdateTicketTool(ticketStore),
	} {
		if err := registry.Register(t); err != nil {
			slog.Error("failed to register tool", "tool", t.Name(), "error", err)
			os.Exit(1)
		}
	}
	registry.Seal()

	// Workflow orchestrator with the built-in escalation workflow.
	executor := workflow.NewExecutor(kv, cfg.Workflow.Concurrency,
		time.Duration(cfg.Workflow.DefaultTimeoutMS)*time.Millisecond, metrics)
	if err := executor.Register(workflow.SupportEscalation(registry)); err != nil {
		slog.Error("failed to register workflow", "error", err)
		os.Exit(1)
	}
	if err := executor.Resume(ctx); err != nil {
		slog.Warn("workflow resume failed", "error", err)
	}

	// Security gate.
	limiter := security.NewRateLimiter(kv, security.DefaultLimits(
		sec.RateLimitPerMinute, sec.TokenLimitPerHour,
		sec.WSMessagesPerMinute, sec.VoicePerMinute, sec.Burst))
	gate := security.NewGate(limiter, security.NewContentFilter(sec.MaxContentChars), metrics)

	events := bus.New()
	pipe := pipeline.New(gate, engine, registry, client, events, metrics, tracing, cfg.Providers.MaxTokens)

	// Monitoring: health probes, alert rules.
	health := monitor.NewChecker(
		time.Duration(mon.HealthT1MS)*time.Millisecond,
		time.Duration(mon.HealthT2MS)*time.Millisecond)
	health.Register(monitor.ProbeFunc{ProbeName: "llm", Fn: client.Probe})
	health.Register(monitor.ProbeFunc{ProbeName: "warm_kv", Fn: func(ctx context.Context) error {
		_, err := kv.List(ctx, "session:probe")
		return err
	}})
	health.Register(monitor.ProbeFunc{ProbeName: "cold_blob", Fn: func(ctx context.Context) error {
		_, err := blob.List(ctx, "archive/")
		return err
	}})
	health.Register(monitor.ProbeFunc{ProbeName: "memory_engine", Fn: engine.Probe})

	alerts := monitor.NewAlertEngine(metrics, kv, mon.AlertSchedule,
		func(severity monitor.Severity, message string) {
			events.Broadcast(bus.Event{
				Frame: protocol.NewFrame(protocol.FrameSystemNotification,
					protocol.SystemNotificationPayload{Level: string(severity), Message: message}),
			})
		})
	alerts.SetRules(monitor.DefaultRules(mon.AlertErrorRate, mon.AlertP95MS))

	api := httpapi.New(cfg, pipe, engine, registry, executor, health, alerts, metrics)
	server := gateway.NewServer(cfg, events, pipe, engine, api)

	// Hot reload for tunable limits and alert thresholds.
	if err := cfg.Watch(ctx, cfgPath, func() {
		_, _, freshMon := cfg.Snapshot()
		alerts.SetRules(monitor.DefaultRules(freshMon.AlertErrorRate, freshMon.AlertP95MS))
	}); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		engine.Run(gctx)
		return nil
	})
	g.Go(func() error {
		alerts.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
}

// openKV selects the warm KV backend per config.
func openKV(cfg *config.Config) (store.KV, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return pg.Open(cfg.Storage.PostgresDSN)
	default:
		return sqlite.Open(config.ExpandHome(cfg.Storage.SQLitePath))
	}
}

// buildProvider constructs a named LLM provider from config.
func buildProvider(name string, cfg *config.Config) (llm.Provider, error) {
	switch name {
	case "anthropic":
		spec := cfg.Providers.Anthropic
		if spec.APIKey == "" {
			return nil, fmt.Errorf("anthropic: DESKWIRE_ANTHROPIC_API_KEY is not set")
		}
		opts := []llm.AnthropicOption{llm.WithAnthropicModel(spec.Model)}
		if spec.BaseURL != "" {
			opts = append(opts, llm.WithAnthropicBaseURL(spec.BaseURL))
		}
		return llm.NewAnthropicProvider(spec.APIKey, opts...), nil
	case "openai":
		spec := cfg.Providers.OpenAI
		if spec.APIKey == "" {
			return nil, fmt.Errorf("openai: DESKWIRE_OPENAI_API_KEY is not set")
		}
		return llm.NewOpenAIProvider("openai", spec.APIKey, spec.BaseURL, spec.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// summarizerAdapter bridges the memory engine's Summarizer interface to the
// LLM summarizer, which speaks llm.Message.
type summarizerAdapter struct {
	s *llm.Summarizer
}

func (a summarizerAdapter) Summarize(ctx context.Context, previous string, messages []memory.Message) (string, error) {
	converted := make([]llm.Message, len(messages))
	for i, m := range messages {
		converted[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return a.s.Summarize(ctx, previous, converted)
}
