// Package app assembles a conduit runtime from configuration: engines,
// tools, memory, and the session manager, plus the optional gateway,
// channel, and scheduler surfaces. Commands build one App, call Start,
// and call Stop on the way out.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/channels"
	"github.com/haasonsaas/conduit/internal/channels/discord"
	"github.com/haasonsaas/conduit/internal/channels/slack"
	"github.com/haasonsaas/conduit/internal/channels/telegram"
	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/contextmgr"
	"github.com/haasonsaas/conduit/internal/engines"
	"github.com/haasonsaas/conduit/internal/gateway"
	"github.com/haasonsaas/conduit/internal/memory"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/pairing"
	"github.com/haasonsaas/conduit/internal/scheduler"
	"github.com/haasonsaas/conduit/internal/security"
	"github.com/haasonsaas/conduit/internal/sessions"
	"github.com/haasonsaas/conduit/internal/tools"
	"github.com/haasonsaas/conduit/internal/tools/browser"
	"github.com/haasonsaas/conduit/internal/tools/files"
	"github.com/haasonsaas/conduit/internal/tools/shell"
	"github.com/haasonsaas/conduit/internal/tools/subagent"
	"github.com/haasonsaas/conduit/internal/tools/web"
	"github.com/haasonsaas/conduit/internal/workerpool"
	"github.com/haasonsaas/conduit/pkg/models"
)

// poolStatsInterval paces the gauge feed from the worker pool.
const poolStatsInterval = 10 * time.Second

// Options adjusts construction beyond the config file.
type Options struct {
	// Logger overrides the logger built from cfg.Logging. The serve
	// command passes one tuned to the terminal.
	Logger *observability.Logger

	// Metrics overrides the instrument set. Prometheus instruments
	// register against the default registry once per process, so tests
	// building several Apps must share one.
	Metrics *observability.Metrics

	// Version tags traces with the build version.
	Version string
}

// App owns the runtime components and their lifecycle. Components are
// built eagerly in New; nothing listens or polls until Start.
type App struct {
	cfg *config.Config

	logger      *observability.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	stopTracing func(context.Context) error

	engines   *engines.Registry
	tools     *agent.Registry
	pool      *workerpool.Pool
	memory    memory.Backend
	sessions  *sessions.Manager
	pairing   *pairing.Manager
	gateway   *gateway.Server
	channels  *channels.Registry
	bridge    *channels.Bridge
	scheduler *scheduler.Scheduler
	stopStats context.CancelFunc

	// Context policy shared by every session's manager.
	strategy  contextmgr.Strategy
	estimator contextmgr.TokenEstimator
}

// New builds the runtime from cfg. The context bounds engine setup
// (the Bedrock adapter loads AWS configuration).
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{
			Level:     cfg.Logging.Level,
			Format:    cfg.Logging.Format,
			AddSource: cfg.Logging.AddSource,
		})
	}

	tracer, stopTracing := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: opts.Version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	a := &App{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		stopTracing: stopTracing,
	}

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	if cfg.Memory.Enabled {
		backend, err := memory.NewSQLite(memory.SQLiteConfig{Path: cfg.Memory.Path})
		if err != nil {
			return nil, fmt.Errorf("open memory backend: %w", err)
		}
		a.memory = backend
	}

	reg, err := buildEngines(ctx, cfg.Engines)
	if err != nil {
		return nil, err
	}
	a.engines = reg

	a.strategy = contextStrategy(cfg.Session.Context)
	a.estimator, err = tokenEstimator(cfg.Session.Context.Estimator)
	if err != nil {
		return nil, fmt.Errorf("session.context.estimator: %w", err)
	}

	a.pool = workerpool.New(workerpool.Config{
		MaxWorkers:  cfg.Tools.Pool.MaxWorkers,
		TaskTimeout: cfg.Tools.Pool.TaskTimeout,
		Logger:      logger.Slog(),
	})

	a.tools = agent.NewRegistry()
	tools.RegisterDefaults(a.tools, toolOptions(cfg, logger))

	a.sessions, err = sessions.NewManager(sessions.Config{
		Factory:   a.buildLoop,
		Logger:    logger,
		IdleAfter: cfg.Session.IdleAfter,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Gateway.Pairing.Enabled {
		a.pairing = pairing.New(pairing.Config{
			CodeTTL:  cfg.Gateway.Pairing.CodeTTL,
			TokenTTL: cfg.Gateway.Pairing.TokenTTL,
		})
	}

	if cfg.Gateway.On() {
		a.gateway, err = buildGateway(cfg, a.sessions, a.pairing, logger, a.metrics)
		if err != nil {
			return nil, err
		}
	}

	a.channels, err = buildChannels(cfg.Channels, logger)
	if err != nil {
		return nil, err
	}
	if a.channels.Len() > 0 {
		a.bridge, err = channels.NewBridge(channels.BridgeConfig{
			Sessions: a.sessions,
			Session: models.SessionConfig{
				Autonomy: models.Autonomy(cfg.Session.Autonomy),
			},
			Logger:   logger,
			Observer: a.observer(),
		})
		if err != nil {
			return nil, err
		}
		a.bridge.AttachAll(a.channels)
	}

	if cfg.Schedule.Enabled && len(cfg.Schedule.Entries) > 0 {
		dispatcher := scheduler.NewSessionDispatcher(a.sessions, logger)
		a.scheduler, err = scheduler.New(dispatcher, cfg.Schedule.Entries, scheduler.WithLogger(logger))
		if err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Start brings up the gateway, channels, and scheduler. Background
// loops run until ctx is cancelled; Stop waits for them.
func (a *App) Start(ctx context.Context) error {
	if a.gateway != nil {
		if err := a.gateway.Start(ctx); err != nil {
			return err
		}
	}
	if err := a.channels.StartAll(ctx); err != nil {
		return err
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	statsCtx, cancel := context.WithCancel(context.Background())
	a.stopStats = cancel
	go a.feedPoolStats(statsCtx)

	if a.pairing != nil {
		code, err := a.pairing.GenerateCode("serve")
		if err != nil {
			return fmt.Errorf("generate pairing code: %w", err)
		}
		a.logger.Info(ctx, "pairing code ready",
			"code", code.Code,
			"expires_at", code.ExpiresAt.Format("15:04:05"),
			"hint", "conduit pair --code "+code.Code)
	}
	return nil
}

// Stop shuts everything down in reverse order, draining in-flight work
// until ctx expires. Safe to call after a failed Start.
func (a *App) Stop(ctx context.Context) error {
	if a.stopStats != nil {
		a.stopStats()
	}
	var errs []error
	if err := a.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if a.channels != nil {
		if err := a.channels.StopAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("channels: %w", err))
		}
	}
	if a.bridge != nil {
		if err := a.bridge.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("bridge: %w", err))
		}
	}
	if a.gateway != nil {
		if err := a.gateway.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("worker pool: %w", err))
	}
	if a.memory != nil {
		if err := a.memory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("memory: %w", err))
		}
	}
	if err := a.stopTracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	return errors.Join(errs...)
}

// Logger returns the runtime logger.
func (a *App) Logger() *observability.Logger { return a.logger }

// Sessions returns the session manager.
func (a *App) Sessions() *sessions.Manager { return a.sessions }

// Engines returns the engine registry.
func (a *App) Engines() *engines.Registry { return a.engines }

// GatewayAddr returns the bound gateway address, or "" when the
// gateway is disabled or not started.
func (a *App) GatewayAddr() string {
	if a.gateway == nil {
		return ""
	}
	return a.gateway.Addr()
}

// feedPoolStats mirrors the worker pool's snapshot into the Prometheus
// gauges so /metrics shows queue pressure between scrapes of the pool
// itself.
func (a *App) feedPoolStats(ctx context.Context) {
	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := a.pool.Stats()
			a.metrics.SetPoolStats(stats.ActiveWorkers, stats.Queued)
		}
	}
}

// observer builds the per-loop observer chain: structured logs,
// prometheus metrics, and the session manager's counters.
func (a *App) observer() observability.Observer {
	return observability.NewMultiObserver(
		observability.NewLogObserver(a.logger),
		observability.NewMetricsObserver(a.metrics),
		a.sessions,
	)
}

// buildLoop is the session manager's LoopFactory. Session config wins
// over the file's session defaults field by field.
func (a *App) buildLoop(s *models.Session) (*agent.Loop, error) {
	engineID := s.Config.EngineID
	if engineID == "" {
		engineID = a.cfg.Engines.Default
	}
	engine, err := a.engines.Get(engineID)
	if err != nil {
		return nil, err
	}

	cwd := s.Config.Cwd
	if cwd == "" {
		cwd = a.cfg.Session.Workspace
	}
	autonomy := s.Config.Autonomy
	if autonomy == "" {
		autonomy = models.Autonomy(a.cfg.Session.Autonomy)
	}

	policy := security.NewPolicy(security.Options{
		Autonomy:        autonomy,
		WorkspaceRoot:   cwd,
		WorkspaceOnly:   a.cfg.Security.WorkspaceOnly,
		BlockedPaths:    a.cfg.Security.BlockedPaths,
		StateDir:        a.cfg.StateDir,
		AllowedCommands: a.cfg.Security.AllowedCommands,
	})

	obs := a.observer()
	cm := contextmgr.NewManager(contextmgr.Config{
		MaxTokens: a.cfg.Session.Context.MaxTokens,
		Strategy:  a.strategy,
		Estimator: a.estimator,
		Logger:    a.logger.Slog(),
		OnCompaction: func(e contextmgr.CompactionEvent) {
			obs.OnCompaction(observability.WithSessionID(context.Background(), s.ID), observability.CompactionEvent{
				SessionID:    s.ID,
				Strategy:     e.Strategy,
				Dropped:      e.Dropped,
				TokensBefore: e.TokensBefore,
				TokensAfter:  e.TokensAfter,
			})
		},
	})
	prompt := s.Config.SystemPrompt
	if prompt == "" {
		prompt = a.cfg.Session.SystemPrompt
	}
	if prompt != "" {
		cm.SetSystemPrompt(prompt)
	}

	return agent.NewLoop(agent.Config{
		SessionID: s.ID,
		Engine:    engine,
		Model:     s.Config.Model,
		MaxTokens: a.cfg.Session.MaxTokens,
		Thinking:  a.cfg.Session.Thinking,
		Registry:  a.tools,
		Context:   cm,
		Policy:    policy,
		Pool:      a.pool,
		Verifier:  agent.FormatVerifier{},
		Hooks: agent.MemoryHooks(agent.MemoryHooksConfig{
			Backend:     a.memory,
			Context:     cm,
			Logger:      a.logger,
			AutoRecall:  a.cfg.Memory.AutoRecall,
			AutoCapture: a.cfg.Memory.AutoCapture,
		}),
		Observer:      obs,
		Logger:        a.logger,
		Tracer:        a.tracer,
		Memory:        a.memory,
		Engines:       a.engines,
		Cwd:           cwd,
		MaxIterations: a.cfg.Session.MaxIterations,
		MaxRetries:    a.cfg.Session.MaxRetries,
	})
}

func buildEngines(ctx context.Context, cfg config.EnginesConfig) (*engines.Registry, error) {
	reg := engines.NewRegistry()
	if cfg.Anthropic.APIKey != "" {
		eng, err := engines.NewAnthropicEngine(engines.AnthropicConfig{
			APIKey:       cfg.Anthropic.APIKey,
			BaseURL:      cfg.Anthropic.BaseURL,
			DefaultModel: cfg.Anthropic.Model,
		})
		if err != nil {
			return nil, err
		}
		reg.Register(eng)
	}
	if cfg.OpenAI.APIKey != "" {
		eng, err := engines.NewOpenAIEngine(engines.OpenAIConfig{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			DefaultModel: cfg.OpenAI.Model,
		})
		if err != nil {
			return nil, err
		}
		reg.Register(eng)
	}
	// Bedrock builds even with zero explicit config when it is the
	// default: the ambient AWS chain may carry the credentials.
	if cfg.Bedrock.Region != "" || cfg.Bedrock.AccessKeyID != "" || cfg.Default == "bedrock" {
		eng, err := engines.NewBedrockEngine(ctx, engines.BedrockConfig{
			Region:          cfg.Bedrock.Region,
			AccessKeyID:     cfg.Bedrock.AccessKeyID,
			SecretAccessKey: cfg.Bedrock.SecretAccessKey,
			SessionToken:    cfg.Bedrock.SessionToken,
			DefaultModel:    cfg.Bedrock.Model,
		})
		if err != nil {
			return nil, err
		}
		reg.Register(eng)
	}
	if _, err := reg.Get(cfg.Default); err != nil {
		return nil, fmt.Errorf("engines.default: %q is not configured", cfg.Default)
	}
	return reg, nil
}

func buildGateway(cfg *config.Config, mgr *sessions.Manager, pm *pairing.Manager, logger *observability.Logger, metrics *observability.Metrics) (*gateway.Server, error) {
	var card json.RawMessage
	if len(cfg.Gateway.AgentCard) > 0 {
		raw, err := json.Marshal(cfg.Gateway.AgentCard)
		if err != nil {
			return nil, fmt.Errorf("gateway.agent_card: %w", err)
		}
		card = raw
	}

	webhooks := make(map[string]models.SessionConfig, len(cfg.Gateway.Webhooks))
	for name, wh := range cfg.Gateway.Webhooks {
		webhooks[name] = models.SessionConfig{
			Autonomy:     models.Autonomy(cfg.Session.Autonomy),
			SystemPrompt: wh.SystemPrompt,
			ChannelID:    "webhook",
			UserID:       wh.UserID,
		}
	}

	return gateway.NewServer(gateway.Config{
		Host:           cfg.Gateway.Host,
		Port:           cfg.Gateway.Port,
		Sessions:       mgr,
		Pairing:        pm,
		Logger:         logger,
		Metrics:        metrics,
		AgentCard:      card,
		Webhooks:       webhooks,
		SessionMaxIdle: cfg.Gateway.SessionMaxIdle,
		EvictEvery:     cfg.Gateway.EvictEvery,
	})
}

func buildChannels(cfg config.ChannelsConfig, logger *observability.Logger) (*channels.Registry, error) {
	reg := channels.NewRegistry()
	if cfg.Telegram.Enabled {
		ad, err := telegram.New(telegram.Config{
			Token:        cfg.Telegram.BotToken,
			AllowedUsers: cfg.Telegram.AllowedUsers,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		reg.Register(ad)
	}
	if cfg.Discord.Enabled {
		ad, err := discord.New(discord.Config{
			Token:        cfg.Discord.BotToken,
			AllowedUsers: cfg.Discord.AllowedUsers,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		reg.Register(ad)
	}
	if cfg.Slack.Enabled {
		ad, err := slack.New(slack.Config{
			BotToken:     cfg.Slack.BotToken,
			AppToken:     cfg.Slack.AppToken,
			AllowedUsers: cfg.Slack.AllowedUsers,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		reg.Register(ad)
	}
	return reg, nil
}

func toolOptions(cfg *config.Config, logger *observability.Logger) tools.Options {
	opts := tools.Options{
		Files: files.Config{
			MaxReadBytes:   cfg.Tools.Files.MaxReadBytes,
			MaxListEntries: cfg.Tools.Files.MaxListEntries,
		},
		Shell: shell.Config{
			DefaultTimeout: cfg.Tools.Shell.Timeout,
			MaxTimeout:     cfg.Tools.Shell.MaxTimeout,
			MaxOutputBytes: cfg.Tools.Shell.MaxOutputBytes,
		},
		Fetch: web.FetchConfig{MaxChars: cfg.Tools.Web.FetchMaxChars},
		Search: web.SearchConfig{
			DefaultResultCount: cfg.Tools.Web.SearchResults,
		},
		Subagent: subagent.Config{
			EngineID:      cfg.Tools.Subagent.Engine,
			Model:         cfg.Tools.Subagent.Model,
			MaxIterations: cfg.Tools.Subagent.MaxIterations,
			Logger:        logger,
		},
		NoMemory:   !cfg.Memory.Enabled,
		NoSubagent: cfg.Tools.Subagent.Disabled,
	}
	if cfg.Tools.Browser.Enabled {
		opts.Browser = &browser.Config{
			HeadlessOff: cfg.Tools.Browser.Headful,
			Timeout:     cfg.Tools.Browser.Timeout,
			RemoteURL:   cfg.Tools.Browser.RemoteURL,
		}
	}
	return opts
}

func contextStrategy(cfg config.ContextConfig) contextmgr.Strategy {
	switch cfg.Strategy {
	case "sliding_conservative":
		return contextmgr.SlidingConservative()
	case "summarize_coding":
		return contextmgr.SummarizeCoding()
	case "drop_oldest_pinned":
		return contextmgr.DropOldestPinned()
	default:
		return contextmgr.SlidingWindow(cfg.Window)
	}
}

func tokenEstimator(name string) (contextmgr.TokenEstimator, error) {
	if name == "" || name == "heuristic" {
		return contextmgr.HeuristicEstimator(), nil
	}
	return contextmgr.TiktokenEstimator(name)
}
