// ABOUTME: Gateway orchestrator that wires the store, session registry, and stream bridge
// ABOUTME: Manages the HTTP server lifecycle and health endpoints

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/solon-labs/solon-gateway/internal/bridge"
	"github.com/solon-labs/solon-gateway/internal/config"
	"github.com/solon-labs/solon-gateway/internal/session"
	"github.com/solon-labs/solon-gateway/internal/store"
)

// maxLiveSessions caps the session registry so a misbehaving client cannot
// grow it without bound
const maxLiveSessions = 100_000

// Gateway orchestrates the solon-gateway server components.
// It owns the store, the session registry, the stream bridge, and the HTTP
// server that exposes them.
type Gateway struct {
	config     *config.Config
	store      store.Store
	sessions   *session.Registry
	bridge     *bridge.Bridge
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger

	// serverID identifies this gateway instance
	serverID string
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("SOLON_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	sessions := session.NewRegistry(cfg.Session.TTL, maxLiveSessions)

	gw := &Gateway{
		config:   cfg,
		store:    s,
		sessions: sessions,
		bridge:   bridge.New(cfg.Engine.URL, sessions, cfg.Engine.HandshakeTimeout, cfg.Engine.IdleTimeout),
		logger:   logger.With("component", "gateway"),
		serverID: generateServerID(),
	}

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// Chat transport
	mux.HandleFunc("/chat/session", gw.handleSession)
	mux.Handle("/chat/stream", gw.bridge)

	// Conversation REST API
	mux.HandleFunc("/api/conversations", gw.handleConversations)
	mux.HandleFunc("/api/conversations/", gw.handleConversationRoutes)

	gw.mux = mux
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the gateway's HTTP handler. Used by tests to serve the
// gateway from an httptest server.
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
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
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.sessions.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store is reachable, reporting the live
// session count and whether the last engine dial succeeded. The engine flag
// is informational: the engine is only dialed per stream, so it never gates
// readiness.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Error("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d live sessions, engine up: %t)", g.sessions.Len(), g.bridge.EngineUp())
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("solon-gateway-%d", time.Now().UnixNano()%1000000)
}
