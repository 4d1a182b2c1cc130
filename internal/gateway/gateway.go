// ABOUTME: Gateway orchestrator wiring config, model registry, toolset, and servers
// ABOUTME: Manages listener setup (TCP or Tailscale) and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/seichat/gateway/internal/agent"
	"github.com/seichat/gateway/internal/config"
	"github.com/seichat/gateway/internal/conversation"
	"github.com/seichat/gateway/internal/history"
	"github.com/seichat/gateway/internal/model"
	"github.com/seichat/gateway/internal/store"
	"tailscale.com/tsnet"
)

// Gateway orchestrates the chat-gateway server components: the conversation
// service in front of the agent runner, the history store, the request
// ledger, and the HTTP server.
type Gateway struct {
	config       *config.Config
	registry     *model.Registry
	histories    *history.Store
	toolset      *agent.Toolset
	conversation *conversation.Service
	ledger       *store.SQLiteStore
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	startedAt time.Time

	// mockChat is injected by tests to bypass agent wiring
	mockChat chatService
}

// initLedger opens the request ledger based on config and environment.
func initLedger(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("SEICHAT_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	ledger, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing request ledger: %w", err)
	}
	return ledger, nil
}

// New creates a gateway. Tool servers are connected lazily in Run so that
// construction stays cheap and testable.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry := model.Load(cfg.Models.Path, logger)
	if err := registry.Validate(); err != nil {
		return nil, fmt.Errorf("validating model registry: %w", err)
	}

	ledger, err := initLedger(cfg, logger)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config:    cfg,
		registry:  registry,
		histories: history.NewStore(cfg.History.MaxLength),
		ledger:    ledger,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	g.registerRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// connectAgent loads instructions, connects the toolset, and wires the
// conversation service with a real runner factory.
func (g *Gateway) connectAgent(ctx context.Context) error {
	instructions, err := agent.LoadInstructions(g.config.Agent.InstructionsFile)
	if err != nil {
		return err
	}

	toolset, err := agent.ConnectToolset(ctx, g.config.Agent.ToolServers, g.logger)
	if err != nil {
		return fmt.Errorf("connecting tool servers: %w", err)
	}
	g.toolset = toolset

	factory := func(mc *model.ModelConfig, apiKey string) conversation.Runner {
		return agent.NewRunner(mc, apiKey, toolset, g.config.Agent.Name, instructions, g.logger)
	}
	g.conversation = conversation.NewService(g.registry, g.histories, g.ledger, factory, g.logger)
	return nil
}

// setupTCPListener creates the standard TCP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates a listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run connects the agent, starts the HTTP server, and blocks until the
// context is canceled or the server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.connectAgent(ctx); err != nil {
		return err
	}

	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is already
// canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.toolset != nil {
		errs = appendCloseError(errs, "toolset close", g.toolset.Close())
	}
	errs = appendCloseError(errs, "ledger close", g.ledger.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
