package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jxucoder/buildbot/internal/config"
)

// clearConfigEnv unsets every variable Load reads so values from the outer
// process don't leak into "defaults" tests.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.KeyAddr, config.KeyDataDir, config.KeyRepo, config.KeyBaseBranch,
		config.KeySandbox, config.KeySandboxURL, config.KeySandboxAuthToken,
		config.KeyDockerImage, config.KeyDockerNetwork, config.KeyCodingAgent,
		config.KeyAgentConfig, config.KeyInstallCmd, config.KeyProtectPaths,
		config.KeyOpenCodeAPIKey, config.KeyGitHubToken, config.KeyGitHubAppID,
		config.KeyGitHubAppPrivateKey, config.KeyGitHubAppInstallationID,
		config.KeyMaxAge, config.KeySweepInterval, config.KeyDoneKeyword,
		config.KeyRequesterOnly, config.KeySlackBotToken, config.KeySlackAppToken,
		config.KeyTelegramBotToken, config.KeyLogLevel, config.KeyLogFormat,
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)

	tmpDir := t.TempDir()
	t.Setenv(config.KeyDataDir, tmpDir)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	checks := []struct {
		field string
		got   any
		want  any
	}{
		{"ServerAddr", cfg.ServerAddr, ":7080"},
		{"DataDir", cfg.DataDir, tmpDir},
		{"DatabasePath", cfg.DatabasePath, filepath.Join(tmpDir, "buildbot.db")},
		{"BaseBranch", cfg.BaseBranch, "main"},
		{"Sandbox", cfg.Sandbox, config.SandboxRemote},
		{"DockerImage", cfg.DockerImage, "buildbot-sandbox"},
		{"DockerNetwork", cfg.DockerNetwork, "buildbot-net"},
		{"CodingAgent", cfg.CodingAgent, "opencode"},
		{"InstallCommand", cfg.InstallCommand, "bun install"},
		{"MaxAge", cfg.MaxAge, 2 * time.Hour},
		{"SweepInterval", cfg.SweepInterval, time.Minute},
		{"DoneKeyword", cfg.DoneKeyword, "done"},
		{"RequesterOnly", cfg.RequesterOnly, false},
		{"LogLevel", cfg.LogLevel, "info"},
		{"LogFormat", cfg.LogFormat, "text"},
		{"Repo", cfg.Repo, ""},
		{"GitHubToken", cfg.GitHubToken, ""},
		{"SlackBotToken", cfg.SlackBotToken, ""},
		{"TelegramBotToken", cfg.TelegramBotToken, ""},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.field, c.got, c.want)
		}
	}
	if len(cfg.ProtectPaths) != 0 {
		t.Errorf("ProtectPaths = %v, want none", cfg.ProtectPaths)
	}
}

func TestLoad_CustomEnvVars(t *testing.T) {
	clearConfigEnv(t)

	tmpDir := t.TempDir()
	t.Setenv(config.KeyDataDir, tmpDir)
	t.Setenv(config.KeyAddr, ":9090")
	t.Setenv(config.KeyRepo, "acme/web")
	t.Setenv(config.KeySandbox, "Docker")
	t.Setenv(config.KeyProtectPaths, ".github, infra ,")
	t.Setenv(config.KeyGitHubAppID, "1234")
	t.Setenv(config.KeyGitHubAppInstallationID, "5678")
	t.Setenv(config.KeyMaxAge, "90m")
	t.Setenv(config.KeyRequesterOnly, "true")
	t.Setenv(config.KeyDoneKeyword, "ship it")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ServerAddr != ":9090" {
		t.Errorf("ServerAddr = %q, want %q", cfg.ServerAddr, ":9090")
	}
	if cfg.Repo != "acme/web" {
		t.Errorf("Repo = %q, want %q", cfg.Repo, "acme/web")
	}
	if cfg.Sandbox != config.SandboxDocker {
		t.Errorf("Sandbox = %q, want %q", cfg.Sandbox, config.SandboxDocker)
	}
	if strings.Join(cfg.ProtectPaths, "|") != ".github|infra" {
		t.Errorf("ProtectPaths = %v, want [.github infra]", cfg.ProtectPaths)
	}
	if cfg.GitHubAppID != 1234 || cfg.GitHubAppInstallationID != 5678 {
		t.Errorf("GitHub App ids = %d/%d, want 1234/5678", cfg.GitHubAppID, cfg.GitHubAppInstallationID)
	}
	if cfg.MaxAge != 90*time.Minute {
		t.Errorf("MaxAge = %v, want 90m", cfg.MaxAge)
	}
	if !cfg.RequesterOnly {
		t.Error("RequesterOnly = false, want true")
	}
	if cfg.DoneKeyword != "ship it" {
		t.Errorf("DoneKeyword = %q, want %q", cfg.DoneKeyword, "ship it")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	clearConfigEnv(t)

	tmpDir := t.TempDir()
	t.Setenv(config.KeyDataDir, tmpDir)
	t.Setenv(config.KeyAddr, ":9999")

	file := "# buildbot\nBUILDBOT_REPO=acme/from-file\nBUILDBOT_ADDR=:1111\nGITHUB_TOKEN=ghp_file\n"
	if err := os.WriteFile(filepath.Join(tmpDir, "config.env"), []byte(file), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := config.FilePath(); got != filepath.Join(tmpDir, "config.env") {
		t.Errorf("FilePath() = %q", got)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.Repo != "acme/from-file" {
		t.Errorf("Repo = %q, want value from file", cfg.Repo)
	}
	if cfg.GitHubToken != "ghp_file" {
		t.Errorf("GitHubToken = %q, want value from file", cfg.GitHubToken)
	}
	if cfg.ServerAddr != ":9999" {
		t.Errorf("ServerAddr = %q, environment should win over the file", cfg.ServerAddr)
	}
}

func TestLoad_CreatesDataDir(t *testing.T) {
	clearConfigEnv(t)

	nested := filepath.Join(t.TempDir(), "a", "b", "c")
	t.Setenv(config.KeyDataDir, nested)

	if _, err := config.Load(); err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	info, err := os.Stat(nested)
	if err != nil {
		t.Fatalf("data dir was not created: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("data dir path exists but is not a directory")
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func validConfig() *config.Config {
	return &config.Config{
		Repo:        "acme/web",
		GitHubToken: "ghp_test",
		Sandbox:     config.SandboxRemote,
		SandboxURL:  "http://sandbox:8080",
		MaxAge:      time.Hour,
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate() returned unexpected error: %v", err)
	}

	cfg := validConfig()
	cfg.Sandbox = config.SandboxDocker
	cfg.SandboxURL = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("docker backend needs no URL: %v", err)
	}

	cfg = validConfig()
	cfg.GitHubToken = ""
	cfg.GitHubAppID, cfg.GitHubAppInstallationID, cfg.GitHubAppPrivateKey = 1, 2, "pem"
	if err := cfg.Validate(); err != nil {
		t.Errorf("GitHub App credentials should suffice: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"missing repo", func(c *config.Config) { c.Repo = "" }, config.KeyRepo},
		{"bad repo", func(c *config.Config) { c.Repo = "web" }, "owner/repo"},
		{"no credentials", func(c *config.Config) { c.GitHubToken = "" }, config.KeyGitHubToken},
		{"partial app", func(c *config.Config) { c.GitHubToken = ""; c.GitHubAppID = 1 }, config.KeyGitHubAppInstallationID},
		{"no sandbox url", func(c *config.Config) { c.SandboxURL = "" }, config.KeySandboxURL},
		{"unknown backend", func(c *config.Config) { c.Sandbox = "k8s" }, `"k8s"`},
		{"zero max age", func(c *config.Config) { c.MaxAge = 0 }, config.KeyMaxAge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should return an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err.Error(), tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Channels and agent env
// ---------------------------------------------------------------------------

func TestChannelsEnabled(t *testing.T) {
	cfg := &config.Config{SlackBotToken: "xoxb-test"}
	if cfg.SlackEnabled() {
		t.Error("SlackEnabled() = true, want false without an app token")
	}
	cfg.SlackAppToken = "xapp-test"
	if !cfg.SlackEnabled() {
		t.Error("SlackEnabled() = false, want true when both tokens are set")
	}

	if cfg.TelegramEnabled() {
		t.Error("TelegramEnabled() = true, want false")
	}
	cfg.TelegramBotToken = "123456:ABC"
	if !cfg.TelegramEnabled() {
		t.Error("TelegramEnabled() = false, want true")
	}
}

func TestAgentEnv(t *testing.T) {
	if env := (&config.Config{}).AgentEnv(); len(env) != 0 {
		t.Errorf("AgentEnv() = %v, want empty", env)
	}
	env := (&config.Config{OpenCodeAPIKey: "k"}).AgentEnv()
	if env[config.KeyOpenCodeAPIKey] != "k" {
		t.Errorf("AgentEnv() = %v, want OPENCODE_API_KEY", env)
	}
}
