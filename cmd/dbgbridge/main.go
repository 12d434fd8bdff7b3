// Package main is the entry point for the dbgbridge service: the MCP server,
// the loopback extension callback API, and the session manager behind both.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"go.uber.org/zap"

	"github.com/dbgbridge/dbgbridge/internal/common/config"
	"github.com/dbgbridge/dbgbridge/internal/common/logger"
	"github.com/dbgbridge/dbgbridge/internal/events/bus"
	"github.com/dbgbridge/dbgbridge/internal/extension"
	extapi "github.com/dbgbridge/dbgbridge/internal/extension/api"
	"github.com/dbgbridge/dbgbridge/internal/mcpserver"
	"github.com/dbgbridge/dbgbridge/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	writeConfig := flag.String("write-config", "", "write the effective configuration as YAML to the given path and exit")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadWithPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *writeConfig != "" {
		if err := writeConfigFile(cfg, *writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration written to %s\n", *writeConfig)
		return
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting dbgbridge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Notification bus: NATS when configured, in-memory otherwise. The MCP
	// server subscribes either way.
	var notifications bus.NotificationBus
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		notifications = natsBus
	} else {
		log.Info("using in-memory notification bus")
		notifications = bus.NewMemoryBus(log)
	}
	defer notifications.Close()

	sessions := session.NewManager(cfg, notifications, log)
	sessions.StartHealthSweep(ctx)

	registry := extension.NewRegistry(extension.Config{
		TokenTTL:        cfg.Extension.TokenTTL(),
		CleanupCooldown: cfg.Extension.CleanupCooldown(),
	}, log)

	callbackServer := extapi.NewServer(sessions, registry, cfg.Extension.RequestDeadline(), log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      callbackServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	var mcpSrv *mcpserver.Server
	if cfg.MCP.Enabled {
		mcpSrv = mcpserver.New(mcpserver.Config{Port: cfg.MCP.Port}, sessions, registry, notifications, log)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("extension callback API listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("extension callback server: %w", err)
		}
		return nil
	})

	if mcpSrv != nil {
		g.Go(func() error {
			if err := mcpSrv.Start(gctx); err != nil {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	<-gctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("extension callback server shutdown error", zap.Error(err))
	}
	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			log.Warn("mcp server shutdown error", zap.Error(err))
		}
	}

	sessions.Close(shutdownCtx)
	registry.Close()

	if err := g.Wait(); err != nil {
		log.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("dbgbridge stopped")
}

// writeConfigFile renders the effective configuration as YAML.
func writeConfigFile(cfg *config.Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
