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

	"github.com/spf13/cobra"

	"github.com/agentbridge/runtime/internal/agent"
	"github.com/agentbridge/runtime/internal/agent/retryengine"
	"github.com/agentbridge/runtime/internal/channels/telegram"
	"github.com/agentbridge/runtime/internal/config"
	"github.com/agentbridge/runtime/internal/externalchat"
	"github.com/agentbridge/runtime/internal/pairing"
	"github.com/agentbridge/runtime/internal/storage"
	"github.com/agentbridge/runtime/internal/storage/memstore"
	"github.com/agentbridge/runtime/internal/storage/pgstore"
	"github.com/agentbridge/runtime/internal/webhook"
	"github.com/agentbridge/runtime/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "agentbridged.yaml", "path to the YAML/JSON5 config file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	stores, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build storage: %w", err)
	}
	defer closeStores()

	orchestrator, err := buildOrchestrator(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	pairingSvc := pairing.New(stores.Pairing)
	chatSvc := externalchat.New(pairingSvc, stores, orchestrator, externalchat.Config{Logger: logger})

	mux := http.NewServeMux()

	var tgAdapter *telegram.Adapter
	if cfg.Telegram.Enabled {
		tgAdapter, err = telegram.New(telegram.Config{Token: cfg.Telegram.BotToken, Logger: logger})
		if err != nil {
			return fmt.Errorf("build telegram adapter: %w", err)
		}
	}
	chatHTTP := externalchat.NewHandler(externalchat.HTTPConfig{
		Service:     chatSvc,
		Telegram:    tgAdapter,
		SecretToken: cfg.Telegram.WebhookSecretToken,
		TunnelURL:   tunnelURLFunc(cfg),
	})
	chatHTTP.Register(mux)

	registerWebhookRoutes(mux, cfg, stores, logger)

	server := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}

	serveCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-serveCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildStores(ctx context.Context, cfg *config.Config) (storage.StoreSet, func(), error) {
	if cfg.UsePostgres() {
		stores, err := pgstore.New(ctx, pgstore.Config{
			DSN:            cfg.Database.DSN,
			MaxConns:       cfg.Database.MaxConns,
			ConnectTimeout: cfg.Database.ConnectTimeout,
		})
		if err != nil {
			return storage.StoreSet{}, func() {}, err
		}
		return stores, func() { _ = stores.Close() }, nil
	}

	accounts := memstore.NewExternalAccountStore()
	stores := storage.StoreSet{
		Webhooks: memstore.NewWebhookStore(),
		Pairing:  memstore.NewPairingStore(accounts),
		Accounts: accounts,
		Convolog: memstore.NewConversationLogStore(),
	}
	return stores, func() {}, nil
}

func buildOrchestrator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*agent.Orchestrator, error) {
	f := agent.NewFactory(agent.FactoryConfig{
		OpenAIAPIKey:    cfg.LLM.OpenAIAPIKey,
		AnthropicAPIKey: cfg.LLM.AnthropicAPIKey,
		GeminiAPIKey:    cfg.LLM.GeminiAPIKey,
		CerebrasAPIKey:  cfg.LLM.CerebrasAPIKey,
		CustomEndpoints: buildCustomEndpoints(cfg),
		Logger:          logger,
	})

	adapter, err := f.Get(ctx, cfg.LLM.DefaultProvider, cfg.LLM.DefaultModel)
	if err != nil {
		return nil, err
	}

	engine := retryengine.New(adapter, cfg.LLM.DefaultModel, nil, nil, retryConfigFor(cfg.LLM.DefaultProvider, logger))
	return agent.NewOrchestrator(engine, adapter, unavailableToolExecutor, agent.OrchestratorConfig{}), nil
}

// retryConfigFor applies the adapter-specific retry budget spec.md §4.6
// calls for: 5 attempts for Cerebras (its rate-limit backoff schedule is
// correspondingly slower), the engine default of 3 for everything else.
func retryConfigFor(provider string, logger *slog.Logger) retryengine.Config {
	cfg := retryengine.Config{Logger: logger}
	if provider == "cerebras" {
		cfg.MaxRetries = 5
	}
	return cfg
}

func buildCustomEndpoints(cfg *config.Config) map[string]agent.CustomEndpoint {
	out := make(map[string]agent.CustomEndpoint, len(cfg.LLM.CustomEndpoints))
	for name, ep := range cfg.LLM.CustomEndpoints {
		out[name] = agent.CustomEndpoint{Name: name, BaseURL: ep.BaseURL, APIKey: ep.APIKey, DefaultModel: ep.DefaultModel}
	}
	return out
}

// unavailableToolExecutor is used until a caller wires a real tool
// executor: ExternalChatService never passes tool definitions, so the
// orchestrator never has a tool call to execute in this binary.
func unavailableToolExecutor(ctx context.Context, call models.ToolCall) models.ToolResult {
	return models.ToolResult{ToolCallID: call.ID, Content: "no tool executor is configured", IsError: true}
}

func tunnelURLFunc(cfg *config.Config) func() string {
	return func() string {
		if cfg.Webhook.TunnelURLEnv == "" {
			return ""
		}
		return os.Getenv(cfg.Webhook.TunnelURLEnv)
	}
}

// unavailableEngine satisfies webhook.Engine without talking to a real
// workflow engine: the workflow engine itself is an explicitly external
// collaborator (spec.md's non-goal "no workflow engine internals"), so
// this binary registers the trigger pipeline's HTTP surface but reports
// every dispatch as unavailable until a real engine is wired in by the
// embedding deployment.
type unavailableEngine struct{}

func (unavailableEngine) Dispatch(ctx context.Context, workflowID string, env models.TriggerEnvelope) (string, error) {
	return "", webhook.ErrEngineUnavailable
}

func (unavailableEngine) Result(ctx context.Context, executionID string) (map[string]any, bool, error) {
	return nil, false, webhook.ErrEngineUnavailable
}

func registerWebhookRoutes(mux *http.ServeMux, cfg *config.Config, stores storage.StoreSet, logger *slog.Logger) {
	registry := webhook.NewRegistry(stores.Webhooks, tunnelURLFunc(cfg), cfg.Webhook.RemoteURLPattern)
	dispatcher := webhook.NewDispatcher(registry, unavailableEngine{}, webhook.DispatcherConfig{
		WaitForResultDeadline: cfg.Webhook.DispatchTimeout,
		Logger:                logger,
	})
	mux.Handle("POST /webhooks/trigger/{workflowId}", dispatcher)
}
