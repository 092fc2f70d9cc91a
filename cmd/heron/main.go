// Heron - Credit report violation detection for dispute teams.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/heron/internal/api"
	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/config"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/engine"
	"github.com/opensource-finance/heron/internal/metrics"
	"github.com/opensource-finance/heron/internal/quota"
	"github.com/opensource-finance/heron/internal/report"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/waiver"
	"github.com/opensource-finance/heron/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const usage = `usage: heron [command] [flags]

commands:
  serve     run the HTTP API (default)
  analyze   analyze a JSON file of tradelines and print the result
  rules     print the rule catalog
`

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve(args)
	case "analyze":
		err = analyze(args, os.Stdout)
	case "rules":
		err = listRules(args, os.Stdout)
	case "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("heron failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

// setup loads configuration and installs the default logger.
func setup(fs *flag.FlagSet, args []string) (*domain.Config, error) {
	configPath := fs.String("config", os.Getenv("HERON_CONFIG"), "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(newLogger(cfg.Logging, os.Stderr))
	return cfg, nil
}

func newLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func loadRegistry(cfg *domain.Config) (*rules.Registry, error) {
	if cfg.Engine.CatalogPath != "" {
		return rules.LoadFile(cfg.Engine.CatalogPath)
	}
	return rules.Default()
}

func newEngine(cfg *domain.Config) (*engine.Engine, error) {
	reg, err := loadRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule catalog: %w", err)
	}
	return engine.New(reg, engine.Options{
		Thresholds: cfg.Engine.Thresholds,
		MaxWorkers: cfg.Engine.MaxWorkers,
	}), nil
}

func serve(args []string) error {
	cfg, err := setup(flag.NewFlagSet("serve", flag.ExitOnError), args)
	if err != nil {
		return err
	}

	slog.Info("starting heron",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	slog.Info("rule engine initialized",
		"rules_count", eng.Registry().Len(),
		"catalog_version", eng.Registry().Version(),
	)

	waivers, err := waiver.NewEngine()
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(true)
	}

	processor := report.NewProcessor(eng, waivers, report.Options{
		Repository: repo,
		Cache:      cacheImpl,
		Quota:      quota.NewService(cacheImpl, cfg.Server.AnalysisQuota, time.Minute),
		Metrics:    m,
		ResultTTL:  time.Duration(cfg.Engine.ResultTTL) * time.Second,
	})

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, processor)
		workerCfg := worker.Config{
			TenantIDs:   cfg.Worker.Tenants,
			WorkerCount: cfg.Worker.Count,
		}
		if err := asyncWorker.Start(workerCfg); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
		slog.Info("async worker started", "tenant_count", len(cfg.Worker.Tenants))
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Engine:     eng,
		Processor:  processor,
		Waivers:    waivers,
	}, m, cfg.Metrics.Path, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("heron is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

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

	slog.Info("heron shutdown complete")
	return nil
}

// analyze runs one file through the engine without any backends.
// The input is either a bare array of accounts or an AnalyzeRequest.
func analyze(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	in := fs.String("in", "", "tradeline JSON file (- for stdin)")
	asOf := fs.String("as-of", "", "analysis date, YYYY-MM-DD (default today)")
	cfg, err := setup(fs, args)
	if err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("%w: -in is required", domain.ErrInvalidInput)
	}

	data, err := readInput(*in)
	if err != nil {
		return err
	}
	accounts, err := decodeAccounts(data)
	if err != nil {
		return err
	}

	when := time.Now().UTC()
	if *asOf != "" {
		when, err = time.Parse(time.DateOnly, *asOf)
		if err != nil {
			return fmt.Errorf("%w: -as-of must be YYYY-MM-DD", domain.ErrInvalidInput)
		}
	}

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	result, err := eng.AnalyzeAt(context.Background(), accounts, when)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return data, nil
}

func decodeAccounts(data []byte) ([]domain.RawAccount, error) {
	var accounts []domain.RawAccount
	if err := json.Unmarshal(data, &accounts); err == nil {
		return accounts, nil
	}
	var req domain.AnalyzeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: input must be an account array or an analyze request", domain.ErrInvalidInput)
	}
	return req.Accounts, nil
}

func listRules(args []string, out io.Writer) error {
	cfg, err := setup(flag.NewFlagSet("rules", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	reg, err := loadRegistry(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "catalog %s (%d rules)\n\n", reg.Version(), reg.Len())
	for _, def := range reg.Definitions() {
		fmt.Fprintf(out, "%3d  %-9s %-8s %3d%%  %s\n", def.ID, def.Severity, def.Scope, def.Probability, def.Name)
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  HERON")
	fmt.Println("  Tradeline violation detection")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /analyze                      - Analyze a consumer's tradelines")
	fmt.Println("    GET    /reports/{id}                 - Get a report by ID")
	fmt.Println("    GET    /consumers/{id}/reports       - List a consumer's reports")
	fmt.Println("    GET    /rules                        - List the rule catalog")
	fmt.Println("    GET    /waivers                      - List waivers")
	fmt.Println("    POST   /waivers                      - Create or replace a waiver")
	fmt.Println("    DELETE /waivers/{id}                 - Delete a waiver")
	fmt.Println("    GET    /health                       - Health check")
	if cfg.Metrics.Enabled {
		fmt.Printf("    GET    %-30s - Prometheus metrics\n", cfg.Metrics.Path)
	}
	fmt.Println()
}
