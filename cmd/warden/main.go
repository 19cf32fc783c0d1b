// Warden - Fraud and abuse prevention for chat platforms.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/warden/internal/api"
	"github.com/opensource-finance/warden/internal/bus"
	"github.com/opensource-finance/warden/internal/challenge"
	"github.com/opensource-finance/warden/internal/config"
	"github.com/opensource-finance/warden/internal/conversation"
	"github.com/opensource-finance/warden/internal/domain"
	"github.com/opensource-finance/warden/internal/fraud"
	"github.com/opensource-finance/warden/internal/policy"
	"github.com/opensource-finance/warden/internal/ratelimit"
	"github.com/opensource-finance/warden/internal/repository"
	"github.com/opensource-finance/warden/internal/store"
	"github.com/opensource-finance/warden/internal/supervisor"
	"github.com/opensource-finance/warden/internal/tracing"
	"github.com/opensource-finance/warden/internal/trust"
	"github.com/opensource-finance/warden/internal/typing"
	"github.com/opensource-finance/warden/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(config.NewLogger(cfg.Logging, os.Stdout))

	slog.Info("starting warden",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"environment", cfg.Server.Environment,
		"repository", cfg.Repository.Driver,
		"store", cfg.Store.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	st, err := store.New(cfg.Store)
	if err != nil {
		slog.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("store initialized", "type", cfg.Store.Type, "namespace", cfg.Store.Namespace)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	trustEngine := trust.NewEngine(st, cfg.Trust, trust.WithEventBus(busImpl))
	limiter := ratelimit.NewLimiter(st, cfg.RateLimit, cfg.Trust)
	challenges := challenge.NewService(st, cfg.Challenge, cfg.Trust,
		challenge.WithDevMode(cfg.Server.IsDevelopment()),
	)
	typingAnalyzer := typing.NewAnalyzer(cfg.Typing)
	profiles := typing.NewProfiles(st, busImpl)
	conv := conversation.NewAnalyzer(cfg.Conversation)

	policyEngine, err := policy.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize policy engine", "error", err)
		os.Exit(1)
	}
	defer policyEngine.Close()

	// Rules are managed via POST /v1/admin/policies; none are built in.
	if err := policyEngine.ReloadFrom(ctx, repo); err != nil {
		slog.Warn("failed to load policy rules, starting without rules", "error", err)
	}
	slog.Info("policy engine initialized", "rules_count", policyEngine.RulesCount())

	orchestrator, err := fraud.New(fraud.Deps{
		Store:        st,
		Bus:          busImpl,
		Limiter:      limiter,
		Trust:        trustEngine,
		Challenges:   challenges,
		Typing:       typingAnalyzer,
		Profiles:     profiles,
		Conversation: conv,
		Policy:       policyEngine,
	}, cfg.Fraud)
	if err != nil {
		slog.Error("failed to initialize orchestrator", "error", err)
		os.Exit(1)
	}

	tree := supervisor.NewTree(slog.Default(), supervisor.DefaultTreeConfig())

	if cfg.Worker.Enabled {
		tree.AddEngineService(supervisor.NewWorkerService(
			worker.NewWorker(busImpl, repo, orchestrator),
			worker.Config{
				Concurrency: cfg.Worker.Concurrency,
				Persist:     true,
				Analyze:     true,
			},
		))
	}
	if cfg.Worker.PolicyReloadInterval > 0 {
		tree.AddEngineService(supervisor.NewPeriodicService("policy-reload", cfg.Worker.PolicyReloadInterval,
			func(ctx context.Context) error { return policyEngine.ReloadFrom(ctx, repo) },
		))
	}

	srv := api.NewServer(cfg.Server, cfg.Auth, api.Deps{
		Repo:         repo,
		Store:        st,
		Bus:          busImpl,
		Fraud:        orchestrator,
		Trust:        trustEngine,
		Challenges:   challenges,
		Typing:       typingAnalyzer,
		Profiles:     profiles,
		Conversation: conv,
		Policy:       policyEngine,
	}, Version)

	tree.AddAPIService(supervisor.NewHTTPService(srv, 10*time.Second))

	slog.Info("warden is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"auth", cfg.Auth.JWTSecret != "",
	)

	printBanner(cfg, Version)

	// Blocks until the signal handler cancels ctx.
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("supervisor tree stopped", "error", err)
	}
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("warden shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  WARDEN - fraud and abuse prevention")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /v1/check                       - Evaluate an inbound request")
	fmt.Println("    POST /v1/messages/evaluate           - Evaluate a chat message")
	fmt.Println("    POST /v1/connections/evaluate        - Evaluate a realtime connection")
	fmt.Println("    POST /v1/challenges                  - Issue a challenge")
	fmt.Println("    POST /v1/challenges/verify           - Verify a challenge answer")
	fmt.Println("    POST /v1/typing/analyze              - Analyze keystroke timing")
	fmt.Println("    POST /v1/conversations/analyze       - Score conversation quality")
	fmt.Println("    GET  /v1/trust/{userId}              - Get a trust score")
	fmt.Println("    POST /v1/trust/{userId}/calculate    - Recalculate a trust score")
	fmt.Println("    POST /v1/admin/trust/{userId}/adjust - Manual trust adjustment")
	fmt.Println("    GET  /v1/admin/events                - List fraud events")
	fmt.Println("    POST /v1/admin/policies/reload       - Hot-reload policy rules")
	fmt.Println("    GET  /health, /ready, /metrics")
	fmt.Println()
}
