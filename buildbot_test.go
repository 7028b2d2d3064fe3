package buildbot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/buildbot/internal/config"
	"github.com/jxucoder/buildbot/pkg/conversation"
	"github.com/jxucoder/buildbot/pkg/gitprovider"
	ghProvider "github.com/jxucoder/buildbot/pkg/gitprovider/github"
	dockerSandbox "github.com/jxucoder/buildbot/pkg/sandbox/docker"
	remoteSandbox "github.com/jxucoder/buildbot/pkg/sandbox/remote"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		ServerAddr:   "127.0.0.1:0",
		DataDir:      dir,
		DatabasePath: filepath.Join(dir, "buildbot.db"),
		Repo:         "acme/web",
		BaseBranch:   "main",
		Sandbox:      config.SandboxRemote,
		SandboxURL:   "http://127.0.0.1:1",
		CodingAgent:  "opencode",
		GitHubToken:  "ghp_test",
		MaxAge:       time.Hour,
		DoneKeyword:  "ship it",
	}
}

func TestBuild_Defaults(t *testing.T) {
	cfg := testConfig(t)
	b := NewBuilder(cfg).WithoutConfiguredChannels()

	app, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { app.Engine().Store().Close() })

	assert.IsType(t, &remoteSandbox.Client{}, b.sandbox)
	assert.Equal(t, gitprovider.StaticToken("ghp_test"), b.tokens)
	assert.IsType(t, &ghProvider.Client{}, b.prs)
	assert.Equal(t, "OpenCode", b.agent.Name())
	assert.Empty(t, app.Channels())

	ec := app.Engine().Config()
	assert.Equal(t, "acme/web", ec.Repo)
	assert.Equal(t, "ship it", ec.DoneKeyword)
	assert.Equal(t, time.Hour, ec.MaxAge)
	assert.Equal(t, "https://github.com/acme/web.git", ec.RepoURL)
}

func TestBuild_DockerBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sandbox = config.SandboxDocker
	b := NewBuilder(cfg).WithoutConfiguredChannels()

	app, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { app.Engine().Store().Close() })
	assert.IsType(t, &dockerSandbox.Runtime{}, b.sandbox)
}

func TestBuild_Errors(t *testing.T) {
	_, err := NewBuilder(nil).Build()
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.AgentConfig = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = NewBuilder(cfg).WithoutConfiguredChannels().Build()
	assert.ErrorContains(t, err, "agent settings")

	cfg = testConfig(t)
	cfg.GitHubAppID, cfg.GitHubAppInstallationID, cfg.GitHubAppPrivateKey = 1, 2, "not a key"
	_, err = NewBuilder(cfg).WithoutConfiguredChannels().Build()
	assert.ErrorContains(t, err, "GitHub App")
}

type stubChannel struct{ ran chan struct{} }

func (c *stubChannel) Name() string { return "stub" }

func (c *stubChannel) Run(ctx context.Context) error {
	close(c.ran)
	<-ctx.Done()
	return nil
}

func TestApp_StartRunsChannelsUntilCancelled(t *testing.T) {
	ch := &stubChannel{ran: make(chan struct{})}
	app, err := NewBuilder(testConfig(t)).WithoutConfiguredChannels().WithChannel(ch).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Start(ctx) }()

	select {
	case <-ch.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("channel was not started")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestChatHandler_Lookup(t *testing.T) {
	app, err := NewBuilder(testConfig(t)).WithoutConfiguredChannels().Build()
	require.NoError(t, err)
	t.Cleanup(func() { app.Engine().Store().Close() })

	var h conversation.Handler = &chatHandler{app.Engine()}
	_, ok := h.Lookup("C1:100.1")
	assert.False(t, ok)

	h.HandleTurn(context.Background(), "C1:100.1", "hello", conversation.Requester{ID: "U1"})
}
