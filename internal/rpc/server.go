// Package rpc is the UI-facing surface: an MCP server exposing one tool
// per session operation, plus event push over the MCP logging channel for
// clients that keep a stream open. Polling via session_events stays
// available for clients that reconnect.
package rpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentmux/agentmux/internal/metrics"
	"github.com/agentmux/agentmux/internal/session"
)

const eventLoggerName = "agentmux.events"

// generateRequestID creates a unique request identifier.
func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Server wraps the MCP server around the session manager.
type Server struct {
	manager *session.Manager
	log     *slog.Logger
	tools   *Toolset

	mcpServer *mcp_sdk.Server

	mu       sync.Mutex
	watchers map[string]context.CancelFunc // ui session id -> pump cancel
	closed   bool
}

// NewServer creates the rpc server and registers all tools.
func NewServer(manager *session.Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		manager:  manager,
		log:      log,
		watchers: make(map[string]context.CancelFunc),
	}
	s.tools = s.toolset()
	return s
}

// Tools exposes the tool table, mainly for tests.
func (s *Server) Tools() *Toolset {
	return s.tools
}

// watchSession starts a pump that pushes the session's events to the MCP
// client over the logging channel. One pump per session; a repeat connect
// keeps the existing pump.
func (s *Server) watchSession(uiSessionID string, mcpSession *mcp_sdk.ServerSession) {
	if mcpSession == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, exists := s.watchers[uiSessionID]; exists {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.watchers[uiSessionID] = cancel
	ch := s.manager.Mux().Subscribe(ctx, uiSessionID)

	go func() {
		defer cancel()
		for ev := range ch {
			params := &mcp_sdk.LoggingMessageParams{
				Logger: eventLoggerName,
				Level:  "info",
				Data:   ev,
			}
			if err := mcpSession.Log(ctx, params); err != nil {
				// Client went away; polling takes over until reconnect.
				s.log.Debug("event push failed, stopping pump", "ui_session", uiSessionID, "error", err)
				s.unwatchSession(uiSessionID)
				return
			}
		}
	}()
}

// unwatchSession stops the session's push pump.
func (s *Server) unwatchSession(uiSessionID string) {
	s.mu.Lock()
	cancel, ok := s.watchers[uiSessionID]
	if ok {
		delete(s.watchers, uiSessionID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Serve starts the HTTP server with the MCP streamable transport plus
// health and metrics endpoints. Blocks until the listener fails.
func (s *Server) Serve(addr string) error {
	s.mcpServer = mcp_sdk.NewServer(&mcp_sdk.Implementation{
		Name:    "agentmux",
		Version: "0.1.0",
	}, nil)
	s.tools.attach(s.mcpServer)

	// EventStore enables SSE stream resumption after brief disconnects.
	mcpHandler := mcp_sdk.NewStreamableHTTPHandler(func(req *http.Request) *mcp_sdk.Server {
		return s.mcpServer
	}, &mcp_sdk.StreamableHTTPOptions{
		EventStore: mcp_sdk.NewMemoryEventStore(nil),
	})

	loggingHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)
		s.log.Info("http request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "request_id", requestID)
		mcpHandler.ServeHTTP(w, r)
	})

	rateLimited := DefaultRateLimiter().Middleware(loggingHandler)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealthCheck)
	mux.HandleFunc("/ready", s.handleReadinessCheck)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/mcp", metrics.Middleware(rateLimited))
	mux.Handle("/mcp/", metrics.Middleware(rateLimited))

	s.log.Info("rpc server listening", "addr", addr)
	return http.ListenAndServe(addr, mux)
}

// Close stops all event pumps.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	cancels := make([]context.CancelFunc, 0, len(s.watchers))
	for _, cancel := range s.watchers {
		cancels = append(cancels, cancel)
	}
	s.watchers = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadinessCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
