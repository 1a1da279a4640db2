package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/haasonsaas/chatrelay/internal/agent"
	"github.com/haasonsaas/chatrelay/internal/agent/providers"
	"github.com/haasonsaas/chatrelay/internal/config"
	"github.com/haasonsaas/chatrelay/internal/gateway"
	"github.com/haasonsaas/chatrelay/internal/sessions"
	"github.com/haasonsaas/chatrelay/internal/tools/datetime"
	"github.com/haasonsaas/chatrelay/internal/tools/imagine"
	"github.com/haasonsaas/chatrelay/internal/tools/keyharvest"
	"github.com/haasonsaas/chatrelay/internal/tools/realtime"
)

// runServe implements the serve command logic.
// It handles configuration loading, service initialization, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	logger.Info("starting chatrelay gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
	)

	provider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize provider: %w", err)
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize tools: %w", err)
	}

	store := sessions.NewMemoryStore()
	if cfg.Session.IdleTTL > 0 {
		store.StartExpiry(cfg.Session.IdleTTL)
	}
	defer store.Close()
	locker := sessions.NewKeyedLocker(cfg.Session.LockTimeout)

	orchestrator := agent.NewOrchestrator(provider, registry, store, agent.Config{
		Model:             cfg.LLM.Model,
		System:            cfg.LLM.System,
		MaxTokens:         cfg.LLM.MaxTokens,
		MaxToolRounds:     cfg.LLM.MaxToolRounds,
		StreamBeforeTools: cfg.LLM.StreamBeforeTools,
		ToolTimeout:       cfg.Tools.Timeout,
		Logger:            logger,
	})

	server := gateway.NewServer(cfg, logger, store, locker, orchestrator)

	// Cancel on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	logger.Info("chatrelay gateway started",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("chatrelay gateway stopped")
	return nil
}

// buildProvider constructs the configured LLM provider adapter.
func buildProvider(cfg *config.Config) (agent.Provider, error) {
	switch cfg.LLM.Provider {
	case "openai":
		var opts []providers.OpenAIOption
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, providers.WithBaseURL(cfg.LLM.BaseURL))
		}
		if cfg.LLM.APIKey == "" {
			// No static key: harvest one per request from the configured page.
			var harvestOpts []keyharvest.Option
			if cfg.LLM.KeyHarvestURL != "" {
				harvestOpts = append(harvestOpts, keyharvest.WithPageURL(cfg.LLM.KeyHarvestURL))
			}
			opts = append(opts, providers.WithKeySource(keyharvest.New(harvestOpts...)))
		}
		return providers.NewOpenAIProvider(cfg.LLM.APIKey, opts...), nil

	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
		})

	case "gemini":
		var opts []providers.GeminiOption
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, providers.WithGeminiBaseURL(cfg.LLM.BaseURL))
		}
		return providers.NewGeminiProvider(cfg.LLM.APIKey, opts...), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.LLM.Provider)
	}
}

// buildRegistry registers the tool suite against the configured backends.
func buildRegistry(cfg *config.Config) (*agent.Registry, error) {
	registry := agent.NewRegistry()

	var searchOpts []realtime.Option
	if cfg.Tools.SearchEndpoint != "" {
		searchOpts = append(searchOpts, realtime.WithEndpoint(cfg.Tools.SearchEndpoint))
	}
	registry.Register(realtime.NewTool(realtime.NewClient(searchOpts...)))

	registry.Register(datetime.NewTool(cfg.Tools.Locale))

	var genOpts []imagine.GeneratorOption
	if cfg.Tools.ImageGenEndpoint != "" {
		genOpts = append(genOpts, imagine.WithGenerateEndpoint(cfg.Tools.ImageGenEndpoint))
	}
	registry.Register(imagine.NewGenerateTool(imagine.NewGenerator(genOpts...)))

	uploads, err := imagine.NewUploads(cfg.Server.UploadsDir, cfg.Server.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("prepare uploads dir: %w", err)
	}
	var editOpts []imagine.EditorOption
	if cfg.Tools.ImageEditBaseURL != "" {
		editOpts = append(editOpts, imagine.WithEditBaseURL(cfg.Tools.ImageEditBaseURL))
	}
	registry.Register(imagine.NewEditTool(imagine.NewEditor(editOpts...), uploads))

	return registry, nil
}

// buildLogger configures slog per the logging config. The debug flag
// overrides the configured level.
func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
