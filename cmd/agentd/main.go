// Command agentd runs the LLM agent runtime: an HTTP server that accepts
// chat requests, drives a model in a loop with tool calling, streams every
// event to the caller over SSE, and persists threads bound to remote
// code-execution sandboxes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentd/internal/agent"
	"github.com/haasonsaas/agentd/internal/compaction"
	"github.com/haasonsaas/agentd/internal/config"
	"github.com/haasonsaas/agentd/internal/llm"
	"github.com/haasonsaas/agentd/internal/mcp"
	"github.com/haasonsaas/agentd/internal/observability"
	"github.com/haasonsaas/agentd/internal/sandbox"
	"github.com/haasonsaas/agentd/internal/threads"
	"github.com/haasonsaas/agentd/internal/tools"
	"github.com/haasonsaas/agentd/pkg/models"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "agentd",
		Short:   "LLM agent runtime server",
		Version: version,
	}

	var logLevel string
	var mcpConfigPath string

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent runtime HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(logLevel, mcpConfigPath)
		},
	}
	serve.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	serve.Flags().StringVar(&mcpConfigPath, "mcp-config", "", "path to a JSON file listing MCP servers")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(logLevel, mcpConfigPath string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)
	cfg := config.Load()

	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName: "agentd",
		Environment: cfg.Observe.Environment,
		Endpoint:    cfg.Observe.OTLPEndpoint,
		Insecure:    cfg.Dev,
	})
	defer shutdownTracer(context.Background())

	store, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry(logger)

	manager := buildSandboxManager(cfg, store, logger)
	if manager != nil {
		defer manager.Shutdown()
	}

	session := agent.NewSession(agent.SessionConfig{
		DefaultModel: cfg.DefaultModel,
		SandboxTools: defaultSandboxTools(),
	}, provider, registry, compaction.NewSummarize(provider, logger), store, manager, metrics, tracer, logger)

	// MCP tools join last: local and sandbox registrations take precedence
	// over same-named tools an external server happens to expose.
	mcpManager := startMCP(mcpConfigPath, registry, logger)
	if mcpManager != nil {
		defer mcpManager.Stop()
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: newServer(session, logger).routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agentd listening", "addr", cfg.Server.Addr, "model", cfg.DefaultModel)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// buildStore selects the thread store backend: Supabase-compatible Postgres
// in production, SQLite for local paths, in-memory otherwise.
func buildStore(cfg *config.Config, logger *slog.Logger) (threads.Store, error) {
	switch {
	case cfg.Storage.SupabaseURL != "":
		logger.Info("using postgres thread store")
		return threads.NewPostgresStore(cfg.Storage.SupabaseURL)
	case cfg.Storage.LocalDBPath != "":
		logger.Info("using sqlite thread store", "path", cfg.Storage.LocalDBPath)
		return threads.NewSQLiteStore(cfg.Storage.LocalDBPath)
	default:
		logger.Warn("no database configured, threads are in-memory only")
		return threads.NewMemoryStore(), nil
	}
}

// buildProvider selects the model provider. The gateway is the default;
// in dev mode a direct SDK client is used when its API key is present.
func buildProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	if cfg.Dev {
		if cfg.Gateway.AnthropicKey != "" {
			logger.Info("dev mode: using direct anthropic provider")
			return llm.NewAnthropicProvider(cfg.Gateway.AnthropicKey, logger), nil
		}
		if cfg.Gateway.GoogleKey != "" {
			logger.Info("dev mode: using direct google provider")
			return llm.NewGoogleProvider(context.Background(), cfg.Gateway.GoogleKey, logger)
		}
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			logger.Info("dev mode: using direct openai provider")
			return llm.NewOpenAIProvider(key, logger), nil
		}
	}
	return llm.NewGatewayProvider(llm.GatewayConfig{
		BaseURL:     cfg.Gateway.BaseURL,
		APIKey:      cfg.Gateway.APIKey,
		ConfigID:    cfg.Gateway.ConfigID,
		VirtualKeys: cfg.Gateway.VirtualKeys,
		FallbackKey: cfg.Gateway.FallbackKey,
	}, logger), nil
}

// buildSandboxManager wires the sandbox provider, warm pool, and manager.
// Returns nil when no sandbox backend is configured.
func buildSandboxManager(cfg *config.Config, store threads.Store, logger *slog.Logger) *sandbox.Manager {
	var provider sandbox.Provider
	switch {
	case cfg.Sandbox.LocalURL != "":
		logger.Info("using local sandbox", "url", cfg.Sandbox.LocalURL)
		provider = &sandbox.LocalProvider{BaseURL: cfg.Sandbox.LocalURL}
	case cfg.Sandbox.DaytonaAPIKey != "":
		daytona, err := sandbox.NewDaytonaProvider(sandbox.DaytonaConfig{
			APIKey: cfg.Sandbox.DaytonaAPIKey,
			APIURL: cfg.Sandbox.DaytonaAPIURL,
		}, logger)
		if err != nil {
			logger.Error("daytona provider unavailable", "error", err)
			return nil
		}
		provider = daytona
	default:
		logger.Warn("no sandbox backend configured, sandbox tools disabled")
		return nil
	}

	var warm sandbox.WarmPool
	if pool := sandbox.NewWarmPoolClient(cfg.Sandbox.WarmServiceURL, logger); pool != nil {
		warm = pool
	}

	return sandbox.NewManager(sandbox.ManagerConfig{
		EnvironmentID: cfg.Sandbox.EnvironmentID,
		ProxyBase:     cfg.Sandbox.ProxyBase,
		ProxyPort:     cfg.Sandbox.ProxyPort,
		Dev:           cfg.Dev,
	}, store, provider, warm, logger)
}

// startMCP connects the configured MCP servers and registers their tools.
// Returns nil when no config file is given.
func startMCP(path string, registry *tools.Registry, logger *slog.Logger) *mcp.Manager {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Error("cannot read MCP config, skipping", "path", path, "error", err)
		return nil
	}
	var servers []*mcp.ServerConfig
	if err := json.Unmarshal(raw, &servers); err != nil {
		logger.Error("invalid MCP config, skipping", "path", path, "error", err)
		return nil
	}

	manager := mcp.NewManager(servers, logger)
	manager.Start(context.Background())
	for _, client := range manager.Clients() {
		registry.RegisterMCPClient(client)
	}
	return manager
}

// defaultSandboxTools declares the tools executed inside each thread's
// sandbox. The sandbox server implements them; the runtime only routes.
func defaultSandboxTools() []agent.SandboxToolSpec {
	objSchema := func(props string) json.RawMessage {
		return json.RawMessage(`{"type":"object","properties":` + props + `}`)
	}
	return []agent.SandboxToolSpec{
		{
			Definition: models.ToolDefinition{
				Name:        "shell",
				Description: "Run a shell command in the thread's sandbox and stream its output.",
				Parameters:  objSchema(`{"command":{"type":"string","description":"Command to execute"}}`),
			},
			HealthTimeout: 30 * time.Second,
		},
		{
			Definition: models.ToolDefinition{
				Name:        "notebook",
				Description: "Execute Python code in the thread's persistent notebook kernel.",
				Parameters:  objSchema(`{"code":{"type":"string","description":"Python code to run"}}`),
			},
			HealthTimeout: 300 * time.Second,
		},
	}
}
