package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentstack.local/projects/agent-conductor/internal/actions"
	"agentstack.local/projects/agent-conductor/internal/config"
	"agentstack.local/projects/agent-conductor/internal/dispatch"
	"agentstack.local/projects/agent-conductor/internal/httpapi"
	"agentstack.local/projects/agent-conductor/internal/orchestrator"
	"agentstack.local/projects/agent-conductor/internal/planner"
	"agentstack.local/projects/agent-conductor/internal/provider"
	"agentstack.local/projects/agent-conductor/internal/store"
	"agentstack.local/projects/agent-conductor/internal/stream"
	"agentstack.local/projects/agent-conductor/internal/subscribers"
	logging "agentstack.local/projects/agent-conductor/internal/subscribers/logging"
	"agentstack.local/projects/agent-conductor/internal/subscribers/webhook"
)

func main() {
	logger := log.New(os.Stdout, "conductor ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)

	configPath := strings.TrimSpace(os.Getenv("CONDUCTOR_CONFIG"))
	if configPath == "" {
		configPath = "conductor.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	st, err := store.NewGormStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatalf("failed to initialize store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Printf("store close error: %v", err)
		}
	}()

	// Rows left active by a dead process lose the slot here; the planner's
	// resume pass picks them up on the next tick.
	released, err := st.ReleaseStaleActive(context.Background())
	if err != nil {
		logger.Fatalf("failed to release stale sessions: %v", err)
	}
	if released > 0 {
		logger.Printf("released %d stale active session(s)", released)
	}

	hub := stream.NewHub(logger)
	defer hub.Close()

	subs := []subscribers.Subscriber{logging.New(logger), hub}
	if cfg.WebhookURL != "" {
		subs = append(subs, webhook.New("webhook", cfg.WebhookURL))
	}
	dispatcher := dispatch.New(logger, subs)

	registry := provider.NewRegistry()
	models := make(map[string]string, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		var opts []provider.ChatOption
		if strings.TrimSpace(pc.Endpoint) != "" {
			opts = append(opts, provider.WithChatEndpoint(pc.Endpoint))
		}
		registry.Register(pc.ID, provider.NewChatProvider(pc.ID, pc.APIKey, opts...))
		models[pc.ID] = pc.Model
	}
	defaultProvider := cfg.DefaultProvider
	if defaultProvider == "" && len(cfg.Providers) == 1 {
		defaultProvider = cfg.Providers[0].ID
	}

	var invoker actions.Invoker
	if cfg.CommandHostURL != "" {
		invoker = actions.NewHTTPInvoker(cfg.CommandHostURL)
	}
	executor := actions.NewExecutor(logger, invoker)

	engine := orchestrator.New(logger, st, planner.New(logger, st), registry, executor, dispatcher, orchestrator.Options{
		Limits:          cfg.Limits,
		Rates:           cfg.Rates,
		DefaultProvider: defaultProvider,
		Models:          models,
		MaxTokens:       cfg.MaxTokens,
	})

	server := httpapi.NewServer(logger, cfg.HTTPAddr, engine, st, hub)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go runTicker(ctx, logger, engine, cfg.TickInterval)

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErrCh:
		logger.Printf("http server failed: %v", err)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown error: %v", err)
	}
}

// runTicker drives the scheduler on a fixed cadence until ctx is cancelled.
// External schedulers can trigger the same path through POST /v1/tick.
func runTicker(ctx context.Context, logger *log.Logger, engine *orchestrator.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := engine.Tick(ctx); err != nil {
				logger.Printf("tick error: %v", err)
			}
		}
	}
}
