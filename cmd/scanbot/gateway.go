package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scanbot/internal/bus"
	"scanbot/internal/channel"
	"scanbot/internal/config"
	"scanbot/internal/domain"
	"scanbot/internal/ingest"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start gateway (Discord + Telegram + ingest loop)",
		Long:  "Starts all enabled channels, the ingest loop and the optional metrics endpoint. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	closeLog, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()

	channels := enabledChannels(cfg)
	if len(channels) == 0 {
		return errors.New("no channels enabled (set channels.discord.enabled or channels.telegram.enabled)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, appOptions{history: true, metrics: true})
	if err != nil {
		return err
	}
	defer a.Close()

	go a.pruneHistory(ctx)

	// Message bus (closed during graceful shutdown below)
	messageBus := bus.New(100, logger)

	loop := ingest.NewLoop(ingest.LoopConfig{
		Bus:          messageBus,
		Orchestrator: a.orch,
		Resetter:     a.invoker,
		Events:       a.events,
		Logger:       logger,
		Concurrency:  cfg.General.MaxConcurrentMessages,
	})
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx)
	}()

	for _, ch := range channels {
		go func(ch domain.Channel) {
			if err := ch.Start(ctx, messageBus); err != nil {
				logger.Error("channel error", "channel", ch.Name(), "err", err)
			}
		}(ch)
		logger.Info("channel enabled", "channel", ch.Name())
	}

	var metricsSrv *http.Server
	if a.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, a.metrics.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "err", err)
			}
		}()
		logger.Info("metrics endpoint started", "addr", cfg.Metrics.Listen, "path", cfg.Metrics.Path)
	}

	logger.Info("gateway started. Press Ctrl+C to stop.",
		"work_dir", a.acquirer.WorkDir(),
		"exclusive", cfg.Pipeline.Exclusive,
	)

	// Block until shutdown signal
	<-ctx.Done()
	logger.Info("shutting down gateway...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range channels {
			if err := ch.Stop(); err != nil {
				logger.Warn("channel stop failed", "channel", ch.Name(), "err", err)
			}
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		messageBus.Close()
		<-loopDone
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func enabledChannels(cfg *config.Config) []domain.Channel {
	var channels []domain.Channel
	if cfg.Channels.Discord.Enabled {
		channels = append(channels, channel.NewDiscord(channel.DiscordConfig{
			Token:   cfg.Channels.Discord.Token,
			GuildID: cfg.Channels.Discord.GuildID,
			Logger:  logger,
		}))
	}
	if cfg.Channels.Telegram.Enabled {
		channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			Logger:    logger,
		}))
	}
	return channels
}
