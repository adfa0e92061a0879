// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tgbridge/appservice"
	"github.com/bureau-foundation/tgbridge/commands"
	"github.com/bureau-foundation/tgbridge/lib/config"
	"github.com/bureau-foundation/tgbridge/lib/logging"
	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/lib/secret"
	"github.com/bureau-foundation/tgbridge/lib/version"
	"github.com/bureau-foundation/tgbridge/messaging"
	"github.com/bureau-foundation/tgbridge/portal"
	"github.com/bureau-foundation/tgbridge/puppet"
	"github.com/bureau-foundation/tgbridge/session"
	"github.com/bureau-foundation/tgbridge/store"
	"github.com/bureau-foundation/tgbridge/telegram"
	"github.com/bureau-foundation/tgbridge/telegram/sidecar"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		verbose     bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("tgbridge", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to tgbridge.yaml (default: $"+config.EnvVar+")")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("tgbridge %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	if verbose {
		level = slog.LevelDebug
	}
	logger := logging.New(level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureStateDirectory(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serve wires every component and runs the appservice listener until
// ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	records, err := store.Open(ctx, store.Config{Path: cfg.AppService.Database, Logger: logger})
	if err != nil {
		return err
	}
	defer records.Close()

	asToken, err := secret.NewFromString(cfg.AppService.ASToken)
	if err != nil {
		return fmt.Errorf("protecting as_token: %w", err)
	}
	hsToken, err := secret.NewFromString(cfg.AppService.HSToken)
	if err != nil {
		asToken.Close()
		return fmt.Errorf("protecting hs_token: %w", err)
	}
	defer hsToken.Close()

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Homeserver.Address,
		Logger:        logger,
	})
	if err != nil {
		asToken.Close()
		return err
	}
	botID, err := ref.ParseUserID("@" + cfg.AppService.BotUsername + ":" + cfg.Homeserver.Domain)
	if err != nil {
		asToken.Close()
		return fmt.Errorf("bot user id: %w", err)
	}
	matrix := messaging.NewAppService(client, asToken, botID)
	defer matrix.Close()
	bot := matrix.Bot()
	if err := bot.EnsureRegistered(ctx); err != nil {
		return fmt.Errorf("registering bridge bot: %w", err)
	}

	reconnect, err := cfg.Telegram.ReconnectInterval()
	if err != nil {
		return fmt.Errorf("telegram.reconnect_delay: %w", err)
	}
	telegramClient, err := sidecar.NewClient(sidecar.Config{
		SocketPath:     cfg.Telegram.SidecarSocket,
		RequestRate:    cfg.Telegram.RequestRate,
		ReconnectDelay: reconnect,
		Logger:         logger.With("component", "sidecar"),
	})
	if err != nil {
		return err
	}

	portals, err := portal.NewManager(portal.Config{
		Store:  records,
		Bot:    bot,
		Logger: logger.With("component", "portal"),
	})
	if err != nil {
		return err
	}
	mapper, err := puppet.NewIDMapper(cfg.Bridge.UsernameTemplate, cfg.Homeserver.Domain)
	if err != nil {
		return err
	}
	registry, err := puppet.NewRegistry(puppet.Config{
		Store:                 records,
		Gateway:               matrix,
		Mapper:                mapper,
		DisplaynameTemplate:   cfg.Bridge.DisplaynameTemplate,
		DisplaynamePreference: cfg.Bridge.DisplaynamePreference,
		SyncWithCustomPuppets: cfg.Bridge.SyncWithCustomPuppets,
		Events:                portals,
		Logger:                logger.With("component", "puppet"),
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	sessions, err := session.NewManager(session.Config{
		Store:         records,
		Registry:      registry,
		Conversations: portals,
		Transports: func(mxid ref.UserID) telegram.Transport {
			return telegramClient.Transport(mxid.String())
		},
		Whitelist: cfg.Bridge.Whitelist,
		Logger:    logger.With("component", "session"),
	})
	if err != nil {
		return err
	}
	portals.Attach(registry, sessions)

	processor, err := commands.NewProcessor(commands.Config{
		Sessions:         sessions,
		Registry:         registry,
		Bot:              bot,
		Prefix:           cfg.Bridge.CommandPrefix,
		AllowMatrixLogin: cfg.Bridge.AllowMatrixLogin,
		Logger:           logger.With("component", "commands"),
	})
	if err != nil {
		return err
	}
	handler, err := appservice.NewHandler(appservice.HandlerConfig{
		HSToken:   hsToken,
		Bot:       bot,
		Gateway:   matrix,
		Mapper:    mapper,
		Commands:  processor,
		Ephemeral: portals,
		Users:     sessions,
		Logger:    logger.With("component", "appservice"),
	})
	if err != nil {
		return err
	}
	server, err := appservice.NewServer(appservice.ServerConfig{
		Address: cfg.AppService.Listen,
		Handler: handler,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	if err := sessions.Load(ctx); err != nil {
		return err
	}
	if err := sessions.StartAll(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sessions.StopAll(stopCtx)
	}()
	if err := registry.StartCustomPuppets(ctx); err != nil {
		return err
	}

	logger.Info("bridge started",
		"version", version.Info(),
		"bot", botID,
		"sessions", len(sessions.All()),
	)
	return server.Serve(ctx)
}
