// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

// Command voxgate runs the Telegram voice frontend for Claude Code:
// it connects the bot, the whisper transcription client, and the
// session manager, then polls for updates until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/voxgate/voxgate/agentclient"
	"github.com/voxgate/voxgate/bot"
	"github.com/voxgate/voxgate/lib/config"
	"github.com/voxgate/voxgate/session"
	"github.com/voxgate/voxgate/transcribe"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "", "path to voxgate.yaml (overrides VOXGATE_CONFIG)")
		debug      = pflag.Bool("debug", false, "enable debug logging")
	)
	pflag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	scope := session.StickyTool
	if cfg.StickyScope == "exact" {
		scope = session.StickyExact
	}

	store := session.OpenStore(cfg.StoragePath, logger)

	// The bot and the manager reference each other: the manager calls
	// the bot to deliver permission prompts, the bot calls the manager
	// for everything else. Late-bind the bot through the closure.
	var frontend *bot.Bot

	manager := session.NewManager(session.ManagerConfig{
		DefaultCwd:        cfg.DefaultCwd,
		PermissionTimeout: cfg.PermissionTimeout(),
		StickyScope:       scope,
		Store:             store,
		Logger:            logger,
		Connect: func(ctx context.Context, cwd, resumeSessionID string, canUseTool agentclient.CanUseToolFunc) (session.AgentConn, error) {
			return agentclient.Open(ctx, agentclient.Config{
				Cwd:             cwd,
				ResumeSessionID: resumeSessionID,
				CanUseTool:      canUseTool,
				Logger:          logger,
			})
		},
		Notify: func(ctx context.Context, chatID int64, call session.ToolCall) {
			frontend.NotifyPermission(ctx, chatID, call)
		},
	})

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return fmt.Errorf("connecting to Telegram: %w", err)
	}
	logger.Info("authorized with Telegram", "account", api.Self.UserName)

	frontend = bot.New(bot.Config{
		API:         api,
		Manager:     manager,
		Transcriber: transcribe.NewClient(cfg.WhisperURL, nil),
		Settings:    cfg,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return frontend.Run(ctx)
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("shut down")
	return nil
}
