// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/tinyolly/tinyolly/pkg/logging"
	"github.com/tinyolly/tinyolly/services/aggregate"
	"github.com/tinyolly/tinyolly/services/opamp"
	"github.com/tinyolly/tinyolly/services/query/handlers"
	"github.com/tinyolly/tinyolly/services/query/middleware"
	"github.com/tinyolly/tinyolly/services/query/routes"
	"github.com/tinyolly/tinyolly/services/receiver/ingest"
	"github.com/tinyolly/tinyolly/services/receiver/normalize"
	"github.com/tinyolly/tinyolly/services/store"
)

const shutdownGrace = 10 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	config, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := logging.LevelInfo
	if config.Debug {
		level = logging.LevelDebug
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := logging.New(logging.Config{
		Level:   level,
		Service: "tinyolly",
		JSON:    config.JSONLogs,
		LogDir:  config.LogDir,
	})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if config.OTLPEndpoint != "" {
		cleanup, err := initTracer(ctx, config.OTLPEndpoint, config.SelfService, logger)
		if err != nil {
			logger.Warn("self-tracing disabled", "error", err)
		} else {
			defer cleanup(context.Background())
		}
	}

	// Store.
	var storeConfig store.Config
	if config.StoreDir != "" {
		storeConfig = store.DefaultConfig(config.StoreDir)
	} else {
		storeConfig = store.InMemoryConfig()
	}
	storeConfig.Retention = config.Retention
	storeConfig.MaxMetricNames = config.MaxMetricCardinality
	storeConfig.MaxBytes = config.StoreMaxBytes
	storeConfig.Logger = logger.With("component", "store")

	s, err := store.Open(storeConfig)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()
	logger.Info("store open",
		"in_memory", config.StoreDir == "",
		"retention", config.Retention,
		"max_metric_cardinality", config.MaxMetricCardinality)

	// Ingest.
	normalizer := normalize.New(s, logger.With("component", "normalize"))
	pipeline := ingest.NewPipeline(s, normalizer, logger.With("component", "ingest"), 0)

	grpcServer := grpc.NewServer(grpc.MaxRecvMsgSize(int(config.MaxBodyBytes)))
	pipeline.RegisterGRPC(grpcServer)

	otlpRouter := gin.New()
	otlpRouter.Use(gin.Recovery())
	pipeline.RegisterHTTP(otlpRouter, config.MaxBodyBytes)

	// Query.
	engine := aggregate.New(s, logger.With("component", "aggregate"), config.SelfService)
	api := handlers.New(s, engine, logger.With("component", "query"), config.SelfService)
	queryRouter := gin.New()
	queryRouter.Use(gin.Recovery())
	if config.OTLPEndpoint != "" {
		queryRouter.Use(otelgin.Middleware(config.SelfService))
	}
	routes.SetupRoutes(queryRouter, api, middleware.DefaultDeadline)

	// Control plane.
	control := opamp.NewServer(opamp.Config{
		ListenAddr: fmt.Sprintf(":%d", config.OpAMPPort),
		ConfigPath: config.CollectorConfigPath,
		Logger:     logger.With("component", "opamp"),
	})
	controlRouter := gin.New()
	controlRouter.Use(gin.Recovery())
	control.RegisterREST(controlRouter)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return serveGRPC(ctx, grpcServer, config.OTLPGRPCPort, logger)
	})
	group.Go(func() error {
		return serveHTTP(ctx, "otlp-http", otlpRouter, config.OTLPHTTPPort, logger)
	})
	group.Go(func() error {
		return serveHTTP(ctx, "query", queryRouter, config.QueryPort, logger)
	})
	group.Go(func() error {
		return serveHTTP(ctx, "opamp-rest", controlRouter, config.ControlPort, logger)
	})
	group.Go(func() error {
		return control.Run(ctx)
	})
	group.Go(func() error {
		return s.GCRunner(ctx)
	})

	logger.Info("tinyolly up",
		"otlp_grpc", config.OTLPGRPCPort,
		"otlp_http", config.OTLPHTTPPort,
		"query", config.QueryPort,
		"opamp", config.OpAMPPort,
		"opamp_rest", config.ControlPort)

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func serveGRPC(ctx context.Context, srv *grpc.Server, port int, logger *logging.Logger) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen otlp grpc: %w", err)
	}
	logger.Info("otlp grpc listening", "port", port)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(lis) }()

	select {
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownGrace):
			srv.Stop()
		}
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func serveHTTP(ctx context.Context, name string, handler http.Handler, port int, logger *logging.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("http server listening", "server", name, "port", port)

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown forced", "server", name, "error", err)
		}
		return ctx.Err()
	case err := <-done:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	}
}
