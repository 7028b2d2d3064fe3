// Package config provides configuration management for buildbot.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Keys read by Load. Every key is also an environment variable.
const (
	KeyAddr                    = "BUILDBOT_ADDR"
	KeyDataDir                 = "BUILDBOT_DATA_DIR"
	KeyRepo                    = "BUILDBOT_REPO"
	KeyBaseBranch              = "BUILDBOT_BASE_BRANCH"
	KeySandbox                 = "BUILDBOT_SANDBOX"
	KeySandboxURL              = "SANDBOX_URL"
	KeySandboxAuthToken        = "SANDBOX_AUTH_TOKEN"
	KeyDockerImage             = "BUILDBOT_DOCKER_IMAGE"
	KeyDockerNetwork           = "BUILDBOT_DOCKER_NETWORK"
	KeyCodingAgent             = "BUILDBOT_CODING_AGENT"
	KeyAgentConfig             = "BUILDBOT_AGENT_CONFIG"
	KeyInstallCmd              = "BUILDBOT_INSTALL_CMD"
	KeyProtectPaths            = "BUILDBOT_PROTECT_PATHS"
	KeyOpenCodeAPIKey          = "OPENCODE_API_KEY"
	KeyGitHubToken             = "GITHUB_TOKEN"
	KeyGitHubAppID             = "GITHUB_APP_ID"
	KeyGitHubAppPrivateKey     = "GITHUB_APP_PRIVATE_KEY"
	KeyGitHubAppInstallationID = "GITHUB_APP_INSTALLATION_ID"
	KeyMaxAge                  = "BUILDBOT_MAX_AGE"
	KeySweepInterval           = "BUILDBOT_SWEEP_INTERVAL"
	KeyDoneKeyword             = "BUILDBOT_DONE_KEYWORD"
	KeyRequesterOnly           = "BUILDBOT_REQUESTER_ONLY"
	KeySlackBotToken           = "SLACK_BOT_TOKEN"
	KeySlackAppToken           = "SLACK_APP_TOKEN"
	KeyTelegramBotToken        = "TELEGRAM_BOT_TOKEN"
	KeyLogLevel                = "BUILDBOT_LOG_LEVEL"
	KeyLogFormat               = "BUILDBOT_LOG_FORMAT"
)

// Sandbox backends.
const (
	SandboxRemote = "remote"
	SandboxDocker = "docker"
)

// Config holds all configuration for the buildbot server.
type Config struct {
	// ServerAddr is the address the HTTP API listens on (e.g., ":7080").
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// Repo is the "owner/name" repository every build targets.
	Repo       string
	BaseBranch string

	// Sandbox selects the backend: "remote" or "docker".
	Sandbox          string
	SandboxURL       string
	SandboxAuthToken string
	DockerImage      string
	DockerNetwork    string

	CodingAgent string
	// AgentConfig is an optional YAML file overlaid on the agent's defaults.
	AgentConfig    string
	InstallCommand string
	ProtectPaths   []string
	OpenCodeAPIKey string

	// GitHub credentials: a personal access token, or a GitHub App
	// installation.
	GitHubToken             string
	GitHubAppID             int64
	GitHubAppPrivateKey     string
	GitHubAppInstallationID int64

	MaxAge        time.Duration
	SweepInterval time.Duration
	DoneKeyword   string
	RequesterOnly bool

	// Slack integration (optional, Socket Mode).
	SlackBotToken string
	SlackAppToken string

	// Telegram integration (optional, long polling).
	TelegramBotToken string

	LogLevel  string
	LogFormat string
}

// Load creates a Config from the config file and environment variables.
// Values are resolved in order: environment variable > config file > default.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if err := readConfigFile(v, FilePath()); err != nil {
		return nil, err
	}

	dataDir := v.GetString(KeyDataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		ServerAddr:              v.GetString(KeyAddr),
		DataDir:                 dataDir,
		DatabasePath:            filepath.Join(dataDir, "buildbot.db"),
		Repo:                    v.GetString(KeyRepo),
		BaseBranch:              v.GetString(KeyBaseBranch),
		Sandbox:                 strings.ToLower(v.GetString(KeySandbox)),
		SandboxURL:              v.GetString(KeySandboxURL),
		SandboxAuthToken:        v.GetString(KeySandboxAuthToken),
		DockerImage:             v.GetString(KeyDockerImage),
		DockerNetwork:           v.GetString(KeyDockerNetwork),
		CodingAgent:             v.GetString(KeyCodingAgent),
		AgentConfig:             v.GetString(KeyAgentConfig),
		InstallCommand:          v.GetString(KeyInstallCmd),
		ProtectPaths:            splitList(v.GetString(KeyProtectPaths)),
		OpenCodeAPIKey:          v.GetString(KeyOpenCodeAPIKey),
		GitHubToken:             v.GetString(KeyGitHubToken),
		GitHubAppID:             v.GetInt64(KeyGitHubAppID),
		GitHubAppPrivateKey:     v.GetString(KeyGitHubAppPrivateKey),
		GitHubAppInstallationID: v.GetInt64(KeyGitHubAppInstallationID),
		MaxAge:                  v.GetDuration(KeyMaxAge),
		SweepInterval:           v.GetDuration(KeySweepInterval),
		DoneKeyword:             v.GetString(KeyDoneKeyword),
		RequesterOnly:           v.GetBool(KeyRequesterOnly),
		SlackBotToken:           v.GetString(KeySlackBotToken),
		SlackAppToken:           v.GetString(KeySlackAppToken),
		TelegramBotToken:        v.GetString(KeyTelegramBotToken),
		LogLevel:                v.GetString(KeyLogLevel),
		LogFormat:               v.GetString(KeyLogFormat),
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyAddr, ":7080")
	v.SetDefault(KeyDataDir, DefaultDataDir())
	v.SetDefault(KeyBaseBranch, "main")
	v.SetDefault(KeySandbox, SandboxRemote)
	v.SetDefault(KeyDockerImage, "buildbot-sandbox")
	v.SetDefault(KeyDockerNetwork, "buildbot-net")
	v.SetDefault(KeyCodingAgent, "opencode")
	v.SetDefault(KeyInstallCmd, "bun install")
	v.SetDefault(KeyMaxAge, 2*time.Hour)
	v.SetDefault(KeySweepInterval, time.Minute)
	v.SetDefault(KeyDoneKeyword, "done")
	v.SetDefault(KeyRequesterOnly, false)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
}

// readConfigFile loads KEY=VALUE pairs from path. A missing file is fine.
func readConfigFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	var errs []error
	if c.Repo == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyRepo))
	} else if !strings.Contains(c.Repo, "/") {
		errs = append(errs, fmt.Errorf("%s must be owner/repo, got %q", KeyRepo, c.Repo))
	}

	if c.GitHubToken == "" && !c.GitHubAppEnabled() {
		errs = append(errs, fmt.Errorf("%s or a GitHub App (%s, %s, %s) is required",
			KeyGitHubToken, KeyGitHubAppID, KeyGitHubAppPrivateKey, KeyGitHubAppInstallationID))
	}

	switch c.Sandbox {
	case SandboxRemote:
		if c.SandboxURL == "" {
			errs = append(errs, fmt.Errorf("%s is required for the remote sandbox", KeySandboxURL))
		}
	case SandboxDocker:
	default:
		errs = append(errs, fmt.Errorf("%s must be %q or %q, got %q", KeySandbox, SandboxRemote, SandboxDocker, c.Sandbox))
	}

	if c.MaxAge <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyMaxAge))
	}
	return errors.Join(errs...)
}

// GitHubAppEnabled returns true if GitHub App credentials are configured.
func (c *Config) GitHubAppEnabled() bool {
	return c.GitHubAppID != 0 && c.GitHubAppInstallationID != 0 && c.GitHubAppPrivateKey != ""
}

// SlackEnabled returns true if Slack Socket Mode is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

// TelegramEnabled returns true if the Telegram bot is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

// AgentEnv returns the environment passed to the coding agent's session.
func (c *Config) AgentEnv() map[string]string {
	env := map[string]string{}
	if c.OpenCodeAPIKey != "" {
		env[KeyOpenCodeAPIKey] = c.OpenCodeAPIKey
	}
	return env
}

// FilePath returns the config file location inside the data directory.
func FilePath() string {
	dir := os.Getenv(KeyDataDir)
	if dir == "" {
		dir = DefaultDataDir()
	}
	return filepath.Join(dir, "config.env")
}

// DefaultDataDir returns ~/.buildbot.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".buildbot"
	}
	return filepath.Join(home, ".buildbot")
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
