// Package engine provides the build session orchestration logic for buildbot.
// It depends only on interfaces (sandbox, version control, review provider,
// coding agent, conversation thread, store, eventbus).
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jxucoder/buildbot/pkg/eventbus"
	"github.com/jxucoder/buildbot/pkg/gitprovider"
	"github.com/jxucoder/buildbot/pkg/model"
	"github.com/jxucoder/buildbot/pkg/sandbox"
	"github.com/jxucoder/buildbot/pkg/store"
	"github.com/jxucoder/buildbot/pkg/vcs"
)

var (
	// ErrEmptyDescription is returned by Start when there is nothing to build.
	ErrEmptyDescription = errors.New("build description is empty")
	// ErrThreadBusy is returned by Start when the thread already has a session.
	ErrThreadBusy = errors.New("thread already has an active build session")
	// ErrSessionNotFound is returned when no session matches an id.
	ErrSessionNotFound = errors.New("build session not found")
)

// Defaults applied by New to zero Config fields.
const (
	DefaultMaxAge        = 2 * time.Hour
	DefaultSweepInterval = time.Minute
	DefaultDoneKeyword   = "done"
	DefaultFlushInterval = 500 * time.Millisecond
	DefaultTailChars     = 1800

	rollbackTimeout = 2 * time.Minute
	orphanReason    = "orphaned by restart"
)

// Config holds engine-specific configuration.
type Config struct {
	// Repo is the "owner/name" every session builds against.
	Repo string
	// BaseBranch is cloned and targeted by pull requests. Empty means the
	// repository's default branch.
	BaseBranch string
	// RepoURL overrides the clone URL derived from Repo.
	RepoURL string

	SandboxImage   string
	SandboxNetwork string
	SandboxEnv     []string
	// ProtectPaths are made read-only in the working copy after clone.
	ProtectPaths []string

	MaxAge        time.Duration
	SweepInterval time.Duration
	DoneKeyword   string
	// RequesterOnly drops turns that do not come from the session requester.
	RequesterOnly bool

	FlushInterval time.Duration
	TailChars     int
	// UploadTurnLogs attaches the full agent output when it did not fit in
	// the streamed message.
	UploadTurnLogs bool
}

func (c *Config) applyDefaults() {
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if strings.TrimSpace(c.DoneKeyword) == "" {
		c.DoneKeyword = DefaultDoneKeyword
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.TailChars <= 0 {
		c.TailChars = DefaultTailChars
	}
	if c.RepoURL == "" && c.Repo != "" {
		c.RepoURL = gitprovider.CloneURL(c.Repo)
	}
}

// VersionControl is the subset of git operations the engine needs.
type VersionControl interface {
	Clone(ctx context.Context, h sandbox.Handle, opts vcs.CloneOptions) error
	Protect(ctx context.Context, h sandbox.Handle, paths []string) error
	CreateBranch(ctx context.Context, h sandbox.Handle, name string) error
	CommitAll(ctx context.Context, h sandbox.Handle, message string, author vcs.Author, allowEmpty bool) (string, error)
}

// AgentController drives the coding agent inside a sandbox.
type AgentController interface {
	Name() string
	Install(ctx context.Context, h sandbox.Handle) error
	Configure(ctx context.Context, h sandbox.Handle) error
	StartSession(ctx context.Context, h sandbox.Handle) error
	Prompt(ctx context.Context, h sandbox.Handle, text string, onChunk func(string)) (int, error)
	Cleanup(ctx context.Context, h sandbox.Handle) error
}

// Manager orchestrates build session lifecycle: bootstrap, turns, teardown.
type Manager struct {
	config  Config
	sandbox sandbox.Runtime
	git     VersionControl
	agent   AgentController
	prs     gitprovider.Provider
	store   store.SessionStore
	bus     eventbus.Bus
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	reg *registry

	baseMu      sync.Mutex
	defaultBase string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists session records and events.
func WithStore(st store.SessionStore) Option {
	return func(m *Manager) { m.store = st }
}

// WithBus publishes session events.
func WithBus(b eventbus.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(f func() string) Option {
	return func(m *Manager) { m.newID = f }
}

// New creates a Manager with all dependencies.
func New(cfg Config, sb sandbox.Runtime, git VersionControl, agent AgentController, prs gitprovider.Provider, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		config:  cfg,
		sandbox: sb,
		git:     git,
		agent:   agent,
		prs:     prs,
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   NewSessionID,
		reg:     newRegistry(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// NewSessionID returns a time-ordered session id.
func NewSessionID() string {
	return "build-" + strings.ToLower(ulid.Make().String())
}

// BranchName is the branch a session works on.
func BranchName(sessionID string) string {
	return "build/" + sessionID
}

// Run starts the stale-session sweeper in the background. Call Stop to
// shut down.
func (m *Manager) Run(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sweepLoop(m.ctx)
	}()
}

// Stop cancels background work and waits for goroutines to finish.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.config }

// Store returns the session store, or nil.
func (m *Manager) Store() store.SessionStore { return m.store }

// Bus returns the event bus, or nil.
func (m *Manager) Bus() eventbus.Bus { return m.bus }

// Sessions returns snapshots of all registered sessions, oldest first.
func (m *Manager) Sessions() []model.Snapshot {
	entries := m.reg.list()
	out := make([]model.Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.session.Snapshot())
	}
	return out
}

// Session returns a registered session, falling back to the store.
func (m *Manager) Session(id string) (model.Snapshot, error) {
	if e := m.reg.get(id); e != nil {
		return e.session.Snapshot(), nil
	}
	if m.store != nil {
		snap, err := m.store.GetSession(id)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return model.Snapshot{}, err
		}
	}
	return model.Snapshot{}, ErrSessionNotFound
}

// SessionByThread returns the session bound to a thread.
func (m *Manager) SessionByThread(threadID string) (model.Snapshot, bool) {
	e := m.reg.byThread(threadID)
	if e == nil {
		return model.Snapshot{}, false
	}
	return e.session.Snapshot(), true
}

// emit records an event in the store and publishes it on the bus.
func (m *Manager) emit(sessionID, eventType, data string) {
	event := &model.Event{
		SessionID: sessionID,
		Type:      eventType,
		Data:      data,
		CreatedAt: m.now(),
	}
	if m.store != nil {
		if err := m.store.AddEvent(event); err != nil {
			m.logger.Warn("storing event failed", "session", sessionID, "type", eventType, "err", err)
		}
	}
	if m.bus != nil {
		m.bus.Publish(sessionID, event)
	}
}

// persist saves the session record when a store is configured.
func (m *Manager) persist(sess *model.BuildSession) {
	if m.store == nil {
		return
	}
	snap := sess.Snapshot()
	snap.UpdatedAt = m.now()
	if err := m.store.SaveSession(snap); err != nil {
		m.logger.Warn("saving session failed", "session", sess.ID, "err", err)
	}
}
