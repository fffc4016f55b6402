// Fuelwatch - Anomaly detection for fleet fuel vouchers.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/fuelwatch/internal/api"
	"github.com/opensource-finance/fuelwatch/internal/bus"
	"github.com/opensource-finance/fuelwatch/internal/cache"
	"github.com/opensource-finance/fuelwatch/internal/config"
	"github.com/opensource-finance/fuelwatch/internal/domain"
	"github.com/opensource-finance/fuelwatch/internal/evaluation"
	"github.com/opensource-finance/fuelwatch/internal/repository"
	"github.com/opensource-finance/fuelwatch/internal/rules"
	"github.com/opensource-finance/fuelwatch/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "fuelwatch: %v\n", err)
		os.Exit(2)
	}

	slog.SetDefault(config.NewLogger(cfg.Logging, os.Stdout))

	slog.Info("starting fuelwatch",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"mode", cfg.EvaluationMode,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("fuelwatch stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *domain.Config) error {
	// Initialize Repository
	sqlRepo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer sqlRepo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	if cacheImpl != nil {
		defer cacheImpl.Close()
	}
	repo := cache.WithPrices(sqlRepo, cache.NewPriceCache(sqlRepo, cacheImpl, cfg.Cache.PriceTTL))
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Engine
	engine, err := rules.NewEngine(cfg.Detection, nil, 20)
	if err != nil {
		return fmt.Errorf("initialize rule engine: %w", err)
	}
	defer engine.Close()

	loadRulesFromDatabase(ctx, repo, engine)
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	processor := evaluation.NewProcessor(repo, engine, cfg.Detection, nil)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.EvaluationMode == domain.ModeAsync {
		asyncWorker = worker.NewWorker(busImpl, processor.WaitingForPrevious())
		if err := asyncWorker.Start(worker.Config{WorkerCount: 5}); err != nil {
			return fmt.Errorf("start async worker: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, processor, Version, cfg.EvaluationMode)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("fuelwatch is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("fuelwatch shutdown complete")
	return nil
}

// loadRulesFromDatabase loads enabled custom rules into the engine. A failure
// leaves the engine empty; rules can be reloaded later via POST /rules/reload.
func loadRulesFromDatabase(ctx context.Context, repo domain.RuleStore, engine *rules.Engine) {
	dbRules, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return
	}

	if len(dbRules) == 0 {
		slog.Info("no custom rules in database - configure via POST /rules API")
		return
	}

	slog.Info("loading rules from database", "count", len(dbRules))
	if err := engine.LoadRules(dbRules); err != nil {
		slog.Warn("failed to load rules", "error", err)
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  FUELWATCH - fuel voucher anomaly detection")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Mode:     %s\n", cfg.EvaluationMode)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST  /vehicles, /drivers          - Register fleet")
	fmt.Println("    PUT   /fuel-prices/{fuelType}      - Set a fuel price")
	fmt.Println("    POST  /vouchers                    - Issue a voucher")
	fmt.Println("    PUT   /vouchers/{id}               - Record odometers")
	fmt.Println("    POST  /vouchers/{id}/evaluate      - Re-run evaluation")
	fmt.Println("    GET   /anomalies?status=           - Review queue")
	fmt.Println("    PATCH /anomalies/{id}              - Review an anomaly")
	fmt.Println("    GET   /rules, POST /rules          - Custom rules")
	fmt.Println("    POST  /rules/reload                - Hot-reload rules")
	fmt.Println("    GET   /health                      - Health check")
	fmt.Println()
}
