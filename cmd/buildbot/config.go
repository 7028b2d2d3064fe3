package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jxucoder/buildbot/internal/config"
)

// configKey describes a single configuration value.
type configKey struct {
	Key      string
	Desc     string
	Required bool
	Secret   bool
	value    func(*config.Config) string
}

// allConfigKeys lists the configuration shown by "config show", in display order.
var allConfigKeys = []configKey{
	{config.KeyRepo, "Repository builds target (owner/repo)", true, false, func(c *config.Config) string { return c.Repo }},
	{config.KeyBaseBranch, "Branch to clone and target", false, false, func(c *config.Config) string { return c.BaseBranch }},
	{config.KeyGitHubToken, "GitHub personal access token (repo scope)", false, true, func(c *config.Config) string { return c.GitHubToken }},
	{config.KeyGitHubAppID, "GitHub App id", false, false, func(c *config.Config) string { return formatID(c.GitHubAppID) }},
	{config.KeyGitHubAppInstallationID, "GitHub App installation id", false, false, func(c *config.Config) string { return formatID(c.GitHubAppInstallationID) }},
	{config.KeyGitHubAppPrivateKey, "GitHub App private key (PEM)", false, true, func(c *config.Config) string { return c.GitHubAppPrivateKey }},
	{config.KeySandbox, "Sandbox backend (remote, docker)", false, false, func(c *config.Config) string { return c.Sandbox }},
	{config.KeySandboxURL, "Remote sandbox service URL", false, false, func(c *config.Config) string { return c.SandboxURL }},
	{config.KeySandboxAuthToken, "Remote sandbox bearer token", false, true, func(c *config.Config) string { return c.SandboxAuthToken }},
	{config.KeyDockerImage, "Sandbox image", false, false, func(c *config.Config) string { return c.DockerImage }},
	{config.KeyCodingAgent, "Coding agent (opencode, claude-code, codex, pi)", false, false, func(c *config.Config) string { return c.CodingAgent }},
	{config.KeyAgentConfig, "Agent settings YAML file", false, false, func(c *config.Config) string { return c.AgentConfig }},
	{config.KeyInstallCmd, "Dependency install command (auto to detect)", false, false, func(c *config.Config) string { return c.InstallCommand }},
	{config.KeyOpenCodeAPIKey, "OpenCode API key", false, true, func(c *config.Config) string { return c.OpenCodeAPIKey }},
	{config.KeyMaxAge, "Session max age before sweeping", false, false, func(c *config.Config) string { return c.MaxAge.String() }},
	{config.KeyDoneKeyword, "Word that ends a session", false, false, func(c *config.Config) string { return c.DoneKeyword }},
	{config.KeyRequesterOnly, "Only the requester can steer a session", false, false, func(c *config.Config) string { return strconv.FormatBool(c.RequesterOnly) }},
	{config.KeySlackBotToken, "Slack Bot User OAuth Token (xoxb-...)", false, true, func(c *config.Config) string { return c.SlackBotToken }},
	{config.KeySlackAppToken, "Slack App-Level Token (xapp-...)", false, true, func(c *config.Config) string { return c.SlackAppToken }},
	{config.KeyTelegramBotToken, "Telegram bot token (from @BotFather)", false, true, func(c *config.Config) string { return c.TelegramBotToken }},
	{config.KeyAddr, "HTTP API listen address", false, false, func(c *config.Config) string { return c.ServerAddr }},
	{config.KeyLogLevel, "Log level (debug, info, warn, error)", false, false, func(c *config.Config) string { return c.LogLevel }},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show buildbot configuration",
	Long: `Show buildbot configuration.

Configuration is read from ~/.buildbot/config.env (KEY=VALUE lines) and can
be overridden by environment variables.

  buildbot config show     Show effective configuration
  buildbot config path     Print config file path`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display all configured values. Secrets are masked.",
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), config.FilePath())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	showConfig(cmd.OutOrStdout(), cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n%v\n", red("Configuration is incomplete:"), err)
	}
	return nil
}

func showConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "Config file: %s\n\n", config.FilePath())
	for _, ck := range allConfigKeys {
		value := ck.value(cfg)

		display := "(not set)"
		if value != "" {
			if ck.Secret {
				display = maskSecret(value)
			} else {
				display = value
			}
		}

		source := ""
		if os.Getenv(ck.Key) != "" {
			source = " (from env)"
		}

		reqTag := ""
		if ck.Required {
			reqTag = " *"
		}
		fmt.Fprintf(w, "  %-28s %s%s\n", ck.Key+reqTag, display, source)
	}
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func maskSecret(s string) string {
	if len(s) <= 12 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
