package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/squadron/squadron/pkg/activity"
	"github.com/squadron/squadron/pkg/api"
	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/event"
	"github.com/squadron/squadron/pkg/forge"
	"github.com/squadron/squadron/pkg/gate"
	"github.com/squadron/squadron/pkg/lifecycle"
	"github.com/squadron/squadron/pkg/metrics"
	"github.com/squadron/squadron/pkg/notify"
	"github.com/squadron/squadron/pkg/pipeline"
	"github.com/squadron/squadron/pkg/reconcile"
	"github.com/squadron/squadron/pkg/registry"
	"github.com/squadron/squadron/pkg/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator process: Event Router, Pipeline Engine, Lifecycle Manager, and Dashboard API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

// runServe wires every subsystem together in dependency order, mirroring
// cmd/tarsy/main.go's sequence: configuration, then database, then
// services, then the HTTP surface — adapted here to Squadron's component
// map (spec.md §4, SPEC_FULL.md's EXPANDED MODULE MAP).
func runServe(ctx context.Context) error {
	log := slog.With("component", "main")

	cfg, err := config.Initialize(ctx, flagConfigDir)
	if err != nil {
		return fmt.Errorf("initialize configuration: %w", err)
	}
	log.Info("configuration loaded", "pipelines", cfg.Stats().Pipelines)

	dbCfg, err := registry.DBConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load database configuration: %w", err)
	}
	reg, err := registry.NewRegistry(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("connect to registry database: %w", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.Error("close registry", "error", err)
		}
	}()
	log.Info("connected to registry database")

	promMetrics := metrics.New(prometheus.DefaultRegisterer)

	activityLog := activity.NewLog(reg.Activity, slog.With("component", "activity"))

	forgeClient := forge.NewHTTPClient(cfg.Forge, os.Getenv(cfg.Forge.TokenEnv))

	var notifier pipeline.Notifier
	if cfg.Notify.Enabled {
		notifier = notify.NewClient(cfg.Notify, os.Getenv(cfg.Notify.TokenEnv))
	}

	gateRegistry := gate.NewRegistry(reg, forgeClient)

	bridge := session.NewLocalBridge()
	lifecycleMgr := lifecycle.NewManager(reg, bridge, cfg.AgentRoles, cfg.Queue, cfg.System)

	engine := pipeline.NewEngine(cfg.Pipelines, reg, lifecycleMgr, gateRegistry, forgeClient, notifier, activityLog, cfg.System.EscalationLabel)
	lifecycleMgr.SetEngine(engine)

	router := event.NewRouter(event.Config{
		BotIdentity: "squadron",
		ShardCount:  8,
		QueueDepth:  cfg.Queue.EventQueueDepth,
	}, engine, lifecycleMgr)

	reconciler := reconcile.New(reg, engine, lifecycleMgr, forgeClient, cfg.AgentRoles, cfg.Queue, promMetrics)

	apiToken := ""
	if cfg.System.AuthTokenEnv != "" {
		apiToken = os.Getenv(cfg.System.AuthTokenEnv)
	}
	server := api.New(reg, cfg.Pipelines, activityLog, engine, router, apiToken)

	if err := reconciler.RecoverOnStartup(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	log.Info("startup recovery complete")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	router.Start(runCtx)
	lifecycleMgr.Start(runCtx)
	if err := reconciler.Start(runCtx); err != nil {
		return fmt.Errorf("start reconciliation sweep: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("dashboard API listening", "addr", cfg.System.ListenAddr)
		serverErr <- server.Run(cfg.System.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("dashboard API: %w", err)
		}
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
	}

	stopped := make(chan struct{})
	go func() {
		reconciler.Stop()
		router.Stop()
		lifecycleMgr.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		log.Info("graceful shutdown complete")
	case <-time.After(cfg.Queue.GracefulShutdownTimeout):
		log.Warn("graceful shutdown timed out, exiting anyway")
	}

	return nil
}
