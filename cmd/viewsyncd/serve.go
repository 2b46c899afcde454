// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/viewsync/pkg/logging"
	"github.com/AleutianAI/viewsync/services/viewsync"
	"github.com/AleutianAI/viewsync/services/viewsync/config"
	"github.com/AleutianAI/viewsync/services/viewsync/hostbridge"
	"github.com/AleutianAI/viewsync/services/viewsync/telemetry"
	"github.com/AleutianAI/viewsync/services/viewsync/uiloop"
	"github.com/AleutianAI/viewsync/services/viewsync/watch"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	return serve(ctx, cfg, ln, logger.Slog())
}

// serve runs the daemon on ln until ctx is canceled.
//
// Description:
//
//	Wires the UI loop, the Controller, the host bridge and the optional
//	workspace watcher, and runs them under one errgroup. Every host event
//	and marker result goes through the UI loop.
func serve(ctx context.Context, cfg config.Config, ln net.Listener, logger *slog.Logger) error {
	cfg.Telemetry.ServiceVersion = version
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	loop := uiloop.New(0, logger.With("component", "uiloop"))

	bridge, err := hostbridge.New(hostbridge.Options{
		Post:        loop.Post,
		NotifyRate:  cfg.NotifyRate,
		NotifyBurst: cfg.NotifyBurst,
		Logger:      logger,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}

	ctrl, err := viewsync.NewController(
		viewsync.Config{
			QuiescenceWindow:   cfg.QuiescenceWindow,
			MarkerFetchTimeout: cfg.MarkerFetchTimeout,
		},
		viewsync.Dependencies{
			Notifier:       bridge,
			Host:           bridge,
			Fetcher:        bridge,
			Dispatch:       loop.Dispatch,
			MarkersUpdated: bridge.MarkersUpdated,
			Logger:         logger,
		},
	)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer ctrl.Close()
	bridge.Bind(ctrl)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := hostbridge.NewRouter(bridge, hostbridge.RouterOptions{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		Metrics:     telemetry.MetricsHandler(),
		UILoop:      loop.Stats,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return hostbridge.Serve(gctx, ln, router, bridge)
	})

	if cfg.Watch.Root != "" {
		w, err := watch.New(cfg.Watch.Root, watch.MarkerSourceHandler(func(uri string) {
			loop.Dispatch(func() { ctrl.OnMarkerSourceChanged(uri) })
		}), watch.Options{
			Debounce: cfg.Watch.Debounce,
			Ignore:   cfg.Watch.Ignore,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("workspace watcher disabled", "root", cfg.Watch.Root, "error", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	logger.Info("viewsyncd listening", "addr", ln.Addr().String(), "version", version)
	err = g.Wait()
	logger.Info("viewsyncd stopped")
	return err
}

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format := logging.FormatAuto
	if cfg.JSON != nil {
		format = logging.FormatText
		if *cfg.JSON {
			format = logging.FormatJSON
		}
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: "viewsyncd",
		Format:  format,
	}), nil
}
