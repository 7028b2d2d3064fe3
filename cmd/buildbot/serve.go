package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jxucoder/buildbot"
	"github.com/jxucoder/buildbot/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the buildbot server",
	Long:  "Start the chat bots and the operator HTTP API that manage build sessions.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	app, err := buildbot.NewBuilder(cfg).WithLogger(logger).Build()
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if len(app.Channels()) == 0 {
		logger.Warn("no chat channel configured; set SLACK_BOT_TOKEN and SLACK_APP_TOKEN or TELEGRAM_BOT_TOKEN")
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.Start(ctx)
}
