package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/remflow/remflow/internal/api"
	"github.com/remflow/remflow/internal/batch"
	"github.com/remflow/remflow/internal/config"
	"github.com/remflow/remflow/internal/logger"
	"github.com/remflow/remflow/internal/metrics"
	"github.com/remflow/remflow/internal/oe"
	"github.com/remflow/remflow/internal/remediation"
	"github.com/remflow/remflow/internal/schedule"
	"github.com/remflow/remflow/internal/tmf"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Initialize(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	log := logger.New("remflow")

	m := metrics.Default()

	client := tmf.NewClient(tmf.Config{
		BaseURL:           cfg.Runtime.BaseURL,
		APIKey:            cfg.Runtime.APIKey,
		RequestsPerSecond: cfg.Runtime.RequestsPerSecond,
	}, m)

	solutionEngine := remediation.NewEngine(client, remediation.PollConfig{
		InitialDelay:  cfg.Remediation.InitialDelay(),
		PollInterval:  cfg.Remediation.PollInterval(),
		MaxInterval:   cfg.Remediation.MaxInterval(),
		BackoffFactor: cfg.Remediation.BackoffFactor,
		MaxDuration:   cfg.Remediation.MaxDuration(),
	}, m)
	oeEngine := oe.NewExecutor(client, m)

	runner := batch.NewRunner(client, solutionEngine, oeEngine, m)
	scheduler := schedule.NewScheduler(client, runner, cfg.Scheduler.Interval(), m)

	server := api.NewServer(cfg, client, scheduler, solutionEngine, oeEngine, runner)
	hub := server.Hub()
	runner.SetProgress(func(category, itemID, finalState string, processed, total int) {
		hub.Broadcast(api.Event{
			Type:     category + "_item",
			Message:  fmt.Sprintf("%s %s", itemID, finalState),
			Progress: processed,
			Total:    total,
			Data:     map[string]interface{}{"item_id": itemID, "state": finalState},
		})
	})

	log.Info("remflow starting",
		logger.String("runtime_url", cfg.Runtime.BaseURL),
		logger.Bool("scheduler_enabled", cfg.Scheduler.Enabled),
		logger.Duration("scheduler_interval", cfg.Scheduler.Interval()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Scheduler.Enabled {
		scheduler.Start(ctx)
		log.Info("scheduler auto-started")
	}

	if *configPath != "" {
		watcher, err := config.Watch(*configPath, func(updated *config.Config) {
			logger.SetLevel(updated.Log.Level)
			log.Info("configuration reloaded", logger.String("log_level", updated.Log.Level))
		})
		if err != nil {
			log.Warn("config hot-reload unavailable", logger.Err(err))
		} else {
			defer watcher.Stop()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", logger.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("HTTP server failed", logger.Err(err))
	}

	scheduler.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown incomplete", logger.Err(err))
	}

	log.Info("remflow stopped")
}
