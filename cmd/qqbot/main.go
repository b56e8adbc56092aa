package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foxwhite25/qq-go/internal/config"
	"github.com/foxwhite25/qq-go/internal/events"
	"github.com/foxwhite25/qq-go/internal/rest"
	"github.com/foxwhite25/qq-go/internal/shard"
	"github.com/foxwhite25/qq-go/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/bot.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting bot",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	restClient := rest.NewClient(cfg.Rest.BaseURL, cfg.Bot.Token,
		rest.WithTimeout(cfg.Rest.Timeout),
		rest.WithRetries(cfg.Rest.MaxRetries, cfg.Rest.RetryBackoff),
		rest.WithLogger(logger),
	)

	// Validate the token before spinning up shards.
	me, err := restClient.Me(ctx)
	if err != nil {
		logger.Error("login failed", "error", err)
		os.Exit(1)
	}
	logger.Info("logged in", "user_id", me.ID, "username", me.Username)

	bridge := events.New(cfg.Events.BufferSize, logger)
	bridge.Start(ctx)

	bridge.Subscribe(events.ConnectionStateEvent, func(ev events.Event) {
		logger.Debug("connection state changed", "shard_id", ev.ShardID, "data", string(ev.Data))
	})
	bridge.Subscribe(events.ShardsReadyEvent, func(ev events.Event) {
		logger.Info("bot is ready")
	})

	manager := shard.NewManager(shard.Config{
		Token:            cfg.Bot.Token,
		Intents:          cfg.Bot.Intents,
		GatewayURL:       cfg.Gateway.URL,
		ShardCount:       cfg.Shards.Count,
		MaxConcurrency:   cfg.Shards.MaxConcurrency,
		IdentifySpacing:  cfg.Shards.IdentifySpacing,
		MaxRestarts:      cfg.Shards.MaxRestarts,
		RestartWindow:    cfg.Shards.RestartWindow,
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
		WriteTimeout:     cfg.Gateway.WriteTimeout,
		HeartbeatTimeout: cfg.Gateway.HeartbeatTimeout,
	}, restClient, bridge, logger)

	if err := manager.Start(ctx); err != nil {
		logger.Error("failed to start shard manager", "error", err)
		os.Exit(1)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(manager.Wait)
	group.Go(func() error {
		<-groupCtx.Done()
		return manager.Stop()
	})

	if err := group.Wait(); err != nil {
		logger.Error("bot stopped with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bridge.Stop(shutdownCtx); err != nil {
		logger.Warn("event bridge drain timed out", "error", err)
	}

	logger.Info("bot stopped")
}
