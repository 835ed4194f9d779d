// Command torbo runs the local-first AI gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/torbobase/torbo/internal/audit"
	"github.com/torbobase/torbo/internal/collab"
	"github.com/torbobase/torbo/internal/config"
	"github.com/torbobase/torbo/internal/db"
	"github.com/torbobase/torbo/internal/llm/loop"
	"github.com/torbobase/torbo/internal/llm/mux"
	"github.com/torbobase/torbo/internal/llm/provider"
	"github.com/torbobase/torbo/internal/llm/provider/anthropic"
	"github.com/torbobase/torbo/internal/llm/provider/gemini"
	"github.com/torbobase/torbo/internal/llm/provider/local"
	"github.com/torbobase/torbo/internal/llm/provider/openai"
	"github.com/torbobase/torbo/internal/logging"
	"github.com/torbobase/torbo/internal/pairing"
	"github.com/torbobase/torbo/internal/ratelimit"
	"github.com/torbobase/torbo/internal/secrets"
	"github.com/torbobase/torbo/internal/server"
	"github.com/torbobase/torbo/internal/tools"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "torbo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	log, err := logging.New(logging.Config{
		Path:    filepath.Join(cfg.DataDir, "app.log"),
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	log.Info("starting torbo gateway",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("lan_access", cfg.Server.LANAccess),
		zap.String("data_dir", cfg.DataDir))

	// Persistence: encrypted keychain + connectors, then SQLite state.
	secretStore, err := secrets.NewStore(cfg.DataDir, log)
	if err != nil {
		return err
	}
	defer secretStore.Close()
	if err := secretStore.WatchConnectors(); err != nil {
		log.Warn("connector watch unavailable", zap.Error(err))
	}

	stateStore, err := db.NewSQLiteStore(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer stateStore.Close()

	// Runtime settings: startup config seeded, persisted overrides applied
	// on top when present.
	ctx := context.Background()
	seed := cfg.Settings
	if persisted, err := stateStore.LoadSettings(ctx); err == nil {
		seed = *persisted
	} else if !errors.Is(err, db.ErrNotFound) {
		log.Warn("persisted settings unreadable, using startup config", zap.Error(err))
	}
	settings := config.NewRuntime(seed)

	manager, err := pairing.NewManager(secretStore, log,
		time.Duration(cfg.Pairing.ExpiryDays)*24*time.Hour)
	if err != nil {
		return err
	}

	auditLog := audit.NewLog(filepath.Join(cfg.DataDir, "audit.log"))
	defer auditLog.Close()

	limiter := ratelimit.NewLimiter(seed.RateLimitPerMin)
	defer limiter.Stop()

	// Providers in failover order: local first, cloud in configured order.
	supervisor := local.NewSupervisor(cfg.Providers.LocalBaseURL, cfg.Providers.LocalBinary, log)
	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	localModel := "auto"
	if err := supervisor.EnsureRunning(startCtx); err != nil {
		log.Info("local model daemon not running", zap.Error(err))
	} else if names, err := supervisor.ModelNames(startCtx); err == nil && len(names) > 0 {
		localModel = names[0]
	}
	cancel()

	byName := map[string]provider.Provider{
		"local": local.NewClient(
			openai.NewCompatible("local", cfg.Providers.LocalBaseURL+"/v1", localModel),
			supervisor),
		"openai": openai.NewClient(
			func() string { return secretStore.APIKey("openai") }, cfg.Providers.OpenAIModel),
		"anthropic": anthropic.NewClient(
			func() string { return secretStore.APIKey("anthropic") }, cfg.Providers.AnthropicModel),
		"gemini": gemini.NewClient(
			func() string { return secretStore.APIKey("gemini") }, cfg.Providers.GeminiModel),
	}
	var providers []provider.Provider
	for _, name := range cfg.Providers.Order {
		if p, ok := byName[name]; ok {
			providers = append(providers, p)
			delete(byName, name)
		}
	}

	multiplexer := mux.New(providers, settings, cfg.Server.MaxConcurrent, log)

	collabs := &collab.Registry{}
	collabs.Resolve()
	mcpClient := tools.NewMCPClient(cfg.Tools.MCPCommand, log)
	if mcpClient != nil {
		defer mcpClient.Close()
	}
	executor := tools.NewExecutor(cfg, settings, collabs, mcpClient, log)
	runner := loop.NewRunner(multiplexer, executor, log)

	srv := server.New(server.Options{
		Config:     cfg,
		Settings:   settings,
		Log:        log,
		Manager:    manager,
		Limiter:    limiter,
		Audit:      auditLog,
		Store:      stateStore,
		Secrets:    secretStore,
		Runner:     runner,
		Supervisor: supervisor,
		Providers:  providers,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}
