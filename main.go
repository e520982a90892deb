// constructd - persona-aware conversational backend for local LLM runtimes.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/constructd/internal/config"
	"github.com/jeranaias/constructd/internal/format"
	"github.com/jeranaias/constructd/internal/llm"
	"github.com/jeranaias/constructd/internal/logging"
	"github.com/jeranaias/constructd/internal/memory"
	"github.com/jeranaias/constructd/internal/persona"
	"github.com/jeranaias/constructd/internal/pipeline"
	"github.com/jeranaias/constructd/internal/prompt"
	"github.com/jeranaias/constructd/internal/server"
	"github.com/jeranaias/constructd/internal/tokens"
)

// Version information (set at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("constructd %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Conversation memory backend.
	var store memory.Store
	switch cfg.Memory.Backend {
	case "redis":
		rs, err := memory.NewRedisStore(ctx, memory.RedisConfig{
			Addr:     cfg.Memory.RedisAddr,
			Password: cfg.Memory.RedisPassword,
			DB:       cfg.Memory.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("redis memory backend: %w", err)
		}
		defer rs.Close()
		store = rs
		logger.Info("conversation memory backend", zap.String("backend", "redis"),
			zap.String("addr", cfg.Memory.RedisAddr))
	default:
		store = memory.NewInMemStore()
		logger.Info("conversation memory backend", zap.String("backend", "memory"))
	}

	// Persona store, optional.
	var loader persona.Loader
	if cfg.Persona.DBPath != "" {
		ps, err := persona.OpenSQLite(cfg.Persona.DBPath)
		if err != nil {
			return fmt.Errorf("persona store: %w", err)
		}
		defer ps.Close()
		loader = ps
		logger.Info("persona store opened", zap.String("path", cfg.Persona.DBPath))
	}

	// Model invoker, with optional cloud failover.
	var invoker llm.Invoker = llm.NewLocalClient(llm.LocalConfig{
		BaseURL: cfg.Runtime.BaseURL,
		Timeout: time.Duration(cfg.Runtime.TimeoutSecs) * time.Second,
	})
	if cfg.Cloud.Enabled && cfg.Cloud.APIKey != "" {
		cloud := llm.NewCloudClient(llm.CloudConfig{
			APIKey:  cfg.Cloud.APIKey,
			BaseURL: cfg.Cloud.BaseURL,
			Model:   cfg.Cloud.Model,
		})
		invoker = llm.NewFallbackInvoker(invoker, cloud, logger)
		logger.Info("cloud failover enabled", zap.String("model", cfg.Cloud.Model))
	}

	renderer := prompt.NewRenderer(cfg.Prompt.TemplateDir, logger)
	formatter := format.New(renderer, logger)
	counter := tokens.NewCounter()

	orch := pipeline.New(formatter, invoker, store, loader, counter, logger, pipeline.Config{
		MaxRetries:   cfg.Runtime.MaxRetries,
		RetryBackoff: 500 * time.Millisecond,
	})

	srv := server.New(cfg.Server, cfg.Runtime.DefaultModel, orch, invoker, store, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
