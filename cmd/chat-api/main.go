// mergechat-chatapi - A unified chat read API over Synapse and mautrix bridges.
// Copyright (C) 2026 MergeChat
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.mau.fi/util/dbutil"

	"github.com/mergechat/chat-api/pkg/config"
	"github.com/mergechat/chat-api/pkg/fanout"
	"github.com/mergechat/chat-api/pkg/httpapi"
	"github.com/mergechat/chat-api/pkg/messages"
	"github.com/mergechat/chat-api/pkg/portal"
	"github.com/mergechat/chat-api/pkg/rooms"
	"github.com/mergechat/chat-api/pkg/stats"
	"github.com/mergechat/chat-api/pkg/store"
	"github.com/mergechat/chat-api/pkg/stream"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:    "chat-api",
		Usage:   "Unified chat read API over Synapse and mautrix bridge databases",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "config.yaml",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level (trace, debug, info, warn, error)",
				Value: "info",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func makeLogger(levelName string) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", levelName, err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		With().Timestamp().Logger().Level(level), nil
}

func run(ctx *cli.Context) error {
	log, err := makeLogger(ctx.String("log-level"))
	if err != nil {
		return err
	}
	configPath := ctx.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	synapseDB, err := dbutil.NewFromConfig("", cfg.Synapse, dbutil.ZeroLogger(log))
	if err != nil {
		return fmt.Errorf("failed to open synapse database: %w", err)
	}
	defer synapseDB.Close()

	// A broken bridge database disables that source only. The rest of the
	// service keeps running with whatever sources came up.
	var sources []portal.Source
	for _, bridge := range cfg.Bridges {
		bridgeDB, dbErr := dbutil.NewFromConfig("", bridge.Database, dbutil.ZeroLogger(log))
		if dbErr != nil {
			log.Error().Err(dbErr).Str("source", bridge.Slug).
				Msg("Failed to open bridge database, source disabled")
			continue
		}
		defer bridgeDB.Close()
		sources = append(sources, portal.Source{Slug: bridge.Slug, DB: bridgeDB})
	}

	registry := portal.NewRegistry(log, sources)
	resolver := portal.NewResolver(log, registry)
	synapse := store.NewSynapseDB(synapseDB, log)

	var sink stream.Sink
	if cfg.AMQP.URL != "" {
		publisher, amqpErr := fanout.NewPublisher(log, cfg.AMQP.URL, cfg.AMQP.Exchange)
		if amqpErr != nil {
			log.Warn().Err(amqpErr).Msg("Fan-out broker unavailable at startup, events will not be mirrored")
		} else {
			defer publisher.Close()
			sink = publisher
		}
	}

	messageSvc := messages.NewService(log, synapse)
	server := httpapi.NewServer(log, cfg.SharedSecret,
		cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, httpapi.Deps{
			Domain:   cfg.Homeserver.Domain,
			Store:    synapse,
			Registry: registry,
			Rooms:    rooms.NewService(log, synapse, resolver),
			Messages: messageSvc,
			Stats:    stats.NewService(log, synapse, resolver),
			Sources:  resolver,
			Streamer: stream.NewStreamer(log, synapse, messageSvc, sink, stream.Config{
				PollInterval:      cfg.Stream.PollIntervalDuration(),
				BurstInterval:     cfg.Stream.BurstIntervalDuration(),
				HeartbeatInterval: cfg.Stream.HeartbeatIntervalDuration(),
				BatchSize:         cfg.Stream.BatchSize,
			}),
		})
	server.SetPresets(cfg.FilterPresets)

	watcher, err := config.WatchPresets(log, configPath, server.SetPresets)
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, filter presets will not hot-reload")
	} else {
		defer watcher.Close()
	}

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: server,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Listen).
			Strs("sources", registry.ActiveSlugs()).
			Msg("Listening")
		if serveErr := httpServer.ListenAndServe(); serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case err = <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-sigCtx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
