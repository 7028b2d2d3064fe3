// Package buildbot is the top-level entry point for buildbot: a chat bot that
// turns a build request into a sandboxed coding-agent session with a draft
// pull request, driven turn by turn from a chat thread.
//
// Use the Builder to compose an application from configuration:
//
//	app, err := buildbot.NewBuilder(cfg).Build()
//	app.Start(ctx)
//
// Or replace individual components:
//
//	app, err := buildbot.NewBuilder(cfg).
//	    WithStore(myStore).
//	    WithSandbox(myRuntime).
//	    WithChannel(myChannel).
//	    Build()
package buildbot

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jxucoder/buildbot/internal/config"
	"github.com/jxucoder/buildbot/internal/engine"
	"github.com/jxucoder/buildbot/internal/httpapi"
	"github.com/jxucoder/buildbot/pkg/agent"
	"github.com/jxucoder/buildbot/pkg/channel"
	"github.com/jxucoder/buildbot/pkg/conversation"
	"github.com/jxucoder/buildbot/pkg/conversation/slack"
	"github.com/jxucoder/buildbot/pkg/conversation/telegram"
	"github.com/jxucoder/buildbot/pkg/eventbus"
	"github.com/jxucoder/buildbot/pkg/gitprovider"
	ghProvider "github.com/jxucoder/buildbot/pkg/gitprovider/github"
	"github.com/jxucoder/buildbot/pkg/model"
	"github.com/jxucoder/buildbot/pkg/sandbox"
	dockerSandbox "github.com/jxucoder/buildbot/pkg/sandbox/docker"
	remoteSandbox "github.com/jxucoder/buildbot/pkg/sandbox/remote"
	"github.com/jxucoder/buildbot/pkg/store"
	sqliteStore "github.com/jxucoder/buildbot/pkg/store/sqlite"
	"github.com/jxucoder/buildbot/pkg/vcs"
)

// commitEmail is used for commits whose requester has no email.
const commitEmail = "buildbot@users.noreply.github.com"

// Builder constructs a buildbot App.
type Builder struct {
	config   *config.Config
	logger   *slog.Logger
	store    store.SessionStore
	bus      eventbus.Bus
	sandbox  sandbox.Runtime
	tokens   gitprovider.TokenSource
	prs      gitprovider.Provider
	agent    engine.AgentController
	channels []channel.Channel
	noChats  bool
}

// NewBuilder creates a Builder for cfg.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{config: cfg}
}

// WithLogger sets the logger passed to every component.
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// WithStore sets the session store implementation.
func (b *Builder) WithStore(s store.SessionStore) *Builder {
	b.store = s
	return b
}

// WithBus sets the event bus implementation.
func (b *Builder) WithBus(bus eventbus.Bus) *Builder {
	b.bus = bus
	return b
}

// WithSandbox sets the sandbox runtime implementation.
func (b *Builder) WithSandbox(s sandbox.Runtime) *Builder {
	b.sandbox = s
	return b
}

// WithTokenSource sets the credential used for git and the hosting API.
func (b *Builder) WithTokenSource(src gitprovider.TokenSource) *Builder {
	b.tokens = src
	return b
}

// WithGitProvider sets the git hosting provider implementation.
func (b *Builder) WithGitProvider(p gitprovider.Provider) *Builder {
	b.prs = p
	return b
}

// WithAgent sets the coding agent controller.
func (b *Builder) WithAgent(a engine.AgentController) *Builder {
	b.agent = a
	return b
}

// WithChannel adds a channel to the application, alongside any the
// configuration enables.
func (b *Builder) WithChannel(ch channel.Channel) *Builder {
	b.channels = append(b.channels, ch)
	return b
}

// WithoutConfiguredChannels skips the Slack and Telegram channels the
// configuration would otherwise enable.
func (b *Builder) WithoutConfiguredChannels() *Builder {
	b.noChats = true
	return b
}

// Build creates the App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		return nil, err
	}
	cfg := b.config

	git := vcs.New(b.sandbox, b.tokens, commitEmail)

	eng := engine.New(
		engine.Config{
			Repo:           cfg.Repo,
			BaseBranch:     cfg.BaseBranch,
			SandboxImage:   cfg.DockerImage,
			SandboxNetwork: cfg.DockerNetwork,
			ProtectPaths:   cfg.ProtectPaths,
			MaxAge:         cfg.MaxAge,
			SweepInterval:  cfg.SweepInterval,
			DoneKeyword:    cfg.DoneKeyword,
			RequesterOnly:  cfg.RequesterOnly,
			UploadTurnLogs: true,
		},
		b.sandbox,
		git,
		b.agent,
		b.prs,
		engine.WithStore(b.store),
		engine.WithBus(b.bus),
		engine.WithLogger(b.logger),
	)

	channels := b.channels
	if !b.noChats {
		channels = append(channels, configuredChannels(cfg, &chatHandler{eng}, b.logger)...)
	}

	return &App{
		config:   cfg,
		logger:   b.logger,
		engine:   eng,
		api:      httpapi.New(eng, b.store, b.bus, httpapi.WithLogger(b.logger)),
		channels: channels,
	}, nil
}

// App is a running buildbot application.
type App struct {
	config   *config.Config
	logger   *slog.Logger
	engine   *engine.Manager
	api      *httpapi.Server
	channels []channel.Channel
}

// Engine returns the underlying session manager for direct access.
func (a *App) Engine() *engine.Manager { return a.engine }

// Channels returns the channels the app will run.
func (a *App) Channels() []channel.Channel { return a.channels }

// Start reconciles sessions left over from a previous run, then starts the
// sweeper, the channels and the HTTP API. Blocks until ctx is done.
func (a *App) Start(ctx context.Context) error {
	if n, err := a.engine.Reconcile(ctx); err != nil {
		a.logger.Warn("reconciling sessions failed", "err", err)
	} else if n > 0 {
		a.logger.Info("reconciled orphaned sessions", "count", n)
	}

	a.engine.Run(ctx)
	defer a.engine.Stop()

	for _, ch := range a.channels {
		go func() {
			if err := ch.Run(ctx); err != nil {
				a.logger.Error("channel stopped", "channel", ch.Name(), "err", err)
			}
		}()
	}

	if err := a.api.ListenAndServe(ctx, a.config.ServerAddr); err != nil {
		return err
	}
	if st := a.engine.Store(); st != nil {
		return st.Close()
	}
	return nil
}

// chatHandler adapts the engine to the conversation.Handler channels drive.
type chatHandler struct {
	m *engine.Manager
}

var _ conversation.Handler = (*chatHandler)(nil)

func (h *chatHandler) StartBuild(ctx context.Context, description string, requester conversation.Requester, origin conversation.Origin) error {
	_, err := h.m.Start(ctx, engine.StartRequest{
		Description: description,
		Requester:   requester,
		Origin:      origin,
	})
	return err
}

func (h *chatHandler) HandleTurn(ctx context.Context, threadID, text string, from conversation.Requester) {
	h.m.HandleTurn(ctx, threadID, text, from)
}

func (h *chatHandler) Lookup(threadID string) (model.Snapshot, bool) {
	return h.m.SessionByThread(threadID)
}

// configuredChannels returns the chat channels enabled in cfg. A channel
// that fails to initialize is logged and skipped.
func configuredChannels(cfg *config.Config, h conversation.Handler, logger *slog.Logger) []channel.Channel {
	var out []channel.Channel
	if cfg.SlackEnabled() {
		out = append(out, slack.NewBot(cfg.SlackBotToken, cfg.SlackAppToken, h, slack.WithLogger(logger)))
		logger.Info("slack bot enabled (socket mode)")
	}
	if cfg.TelegramEnabled() {
		bot, err := telegram.NewBot(cfg.TelegramBotToken, h,
			telegram.WithLogger(logger),
			telegram.WithDoneKeyword(cfg.DoneKeyword),
		)
		if err != nil {
			logger.Warn("failed to initialize telegram bot", "err", err)
		} else {
			out = append(out, bot)
			logger.Info("telegram bot enabled (long polling)")
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// applyDefaults fills in missing components from the configuration.
func applyDefaults(b *Builder) error {
	if b.config == nil {
		return fmt.Errorf("buildbot: config is required")
	}
	cfg := b.config

	if b.logger == nil {
		b.logger = slog.Default()
	}

	if b.store == nil {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		st, err := sqliteStore.New(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
	}

	if b.bus == nil {
		b.bus = eventbus.NewInMemoryBus()
	}

	if b.sandbox == nil {
		switch cfg.Sandbox {
		case config.SandboxDocker:
			b.sandbox = dockerSandbox.New(dockerSandbox.WithLogger(b.logger))
		default:
			b.sandbox = remoteSandbox.New(cfg.SandboxURL, cfg.SandboxAuthToken, remoteSandbox.WithLogger(b.logger))
		}
	}

	if b.tokens == nil {
		if cfg.GitHubAppEnabled() {
			src, err := ghProvider.NewAppTokenSource(cfg.GitHubAppID, cfg.GitHubAppInstallationID, cfg.GitHubAppPrivateKey)
			if err != nil {
				return fmt.Errorf("initializing GitHub App credentials: %w", err)
			}
			b.tokens = src
		} else {
			b.tokens = gitprovider.StaticToken(cfg.GitHubToken)
		}
	}

	if b.prs == nil {
		b.prs = ghProvider.NewWithTokenSource(b.tokens)
	}

	if b.agent == nil {
		settings, err := agent.LoadSettings(cfg.AgentConfig)
		if err != nil {
			return fmt.Errorf("loading agent settings: %w", err)
		}
		b.agent = agent.NewController(b.sandbox, agent.Resolve(cfg.CodingAgent), settings, agent.ControllerOptions{
			InstallCommand: cfg.InstallCommand,
			Env:            cfg.AgentEnv(),
			Logger:         b.logger,
		})
	}

	return nil
}
