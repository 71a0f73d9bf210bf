package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bugreport-pipeline/internal/config"
	"bugreport-pipeline/internal/ops"
	"bugreport-pipeline/internal/plugin"
	"bugreport-pipeline/internal/queue"
	"bugreport-pipeline/internal/ratelimit"
	"bugreport-pipeline/internal/retention"
	"bugreport-pipeline/internal/storage"
	"bugreport-pipeline/internal/store"
	"bugreport-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		slog.Info("shutdown signal received")
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		slog.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	objects, err := storage.NewFromConfig(ctx, cfg)
	if err != nil {
		slog.Error("init object storage", "error", err)
		os.Exit(1)
	}

	q := queue.NewManager(cfg)

	manager := worker.NewManager(q, cfg.ShutdownGrace)
	manager.Register("screenshot", cfg.ScreenshotEnabled, func(ctx context.Context) (worker.Runnable, error) {
		return worker.NewScreenshotWorker(q, objects, st, cfg), nil
	})
	manager.Register("replay", cfg.ReplayEnabled, func(ctx context.Context) (worker.Runnable, error) {
		return worker.NewReplayWorker(q, objects, st, cfg), nil
	})
	manager.Register("integration", cfg.IntegrationEnabled, func(ctx context.Context) (worker.Runnable, error) {
		registry := buildRegistry(cfg)
		return worker.NewIntegrationWorker(q, registry, st, cfg)
	})
	manager.Register("notification", cfg.NotificationEnabled, func(ctx context.Context) (worker.Runnable, error) {
		throttle := ratelimit.NewTokenBucket(q.Client(), cfg.NotifyRateCapacity, cfg.NotifyRatePerSecond, time.Minute)
		return worker.NewNotificationWorker(q, buildChannels(cfg), throttle, cfg), nil
	})

	if err := manager.Start(ctx); err != nil {
		slog.Error("start workers", "error", err)
		os.Exit(1)
	}

	ret := retention.NewService(st, objects, storage.NewArchiverFromConfig(objects, cfg), cfg)

	srv := &http.Server{
		Addr:    cfg.OpsAddr,
		Handler: ops.New(manager, q, ret).Router(),
	}
	go func() {
		slog.Info("ops server listening", "addr", cfg.OpsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server stopped", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("worker process stopped")
}

// buildRegistry wires one webhook-backed plugin per configured platform.
// Native tracker clients register here as they land.
func buildRegistry(cfg config.Config) *plugin.Registry {
	if len(cfg.IntegrationPlatforms) == 0 || cfg.IntegrationWebhookURL == "" {
		return nil
	}
	plugins := make([]plugin.Plugin, 0, len(cfg.IntegrationPlatforms))
	for _, name := range cfg.IntegrationPlatforms {
		plugins = append(plugins, plugin.NewWebhookPlugin(name, cfg.IntegrationWebhookURL))
	}
	return plugin.NewRegistry(plugins...)
}

func buildChannels(cfg config.Config) map[string]worker.Notifier {
	channels := make(map[string]worker.Notifier, len(cfg.NotifyChannels))
	for _, name := range cfg.NotifyChannels {
		if cfg.NotifyWebhookURL != "" {
			channels[name] = worker.NewWebhookNotifier(cfg.NotifyWebhookURL)
		}
	}
	return channels
}
