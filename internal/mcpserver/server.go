// Package mcpserver exposes the pair-worker MCP surface. Agents inside
// PAIR sessions call these tools to read and update their own task; the
// caller's identity arrives in the X-Kagan-Session header written into
// the session bundle's .mcp.json.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kagan-dev/kagan/internal/common/logger"
)

// Config holds the MCP server configuration.
type Config struct {
	Port                 int
	ScratchpadLimitBytes int
}

type contextKey string

const (
	identityKey   contextKey = "kagan-session"
	capabilityKey contextKey = "kagan-capability"
)

// Identity is the authenticated caller of a tool invocation.
type Identity struct {
	TaskID     string
	Capability string
}

// identityFromContext extracts the pair-worker identity injected from
// the transport headers. Second return is false when the caller did not
// present a task session.
func identityFromContext(ctx context.Context) (Identity, bool) {
	session, _ := ctx.Value(identityKey).(string)
	if !strings.HasPrefix(session, "task:") {
		return Identity{}, false
	}
	capability, _ := ctx.Value(capabilityKey).(string)
	return Identity{
		TaskID:     strings.TrimPrefix(session, "task:"),
		Capability: capability,
	}, true
}

// withIdentity copies the session headers into the tool context.
func withIdentity(ctx context.Context, r *http.Request) context.Context {
	ctx = context.WithValue(ctx, identityKey, r.Header.Get("X-Kagan-Session"))
	return context.WithValue(ctx, capabilityKey, r.Header.Get("X-Kagan-Capability"))
}

// Server wraps the SSE and Streamable HTTP servers with lifecycle
// management. Both transports are served on the same port:
// - SSE transport (/sse) for Claude Code, Cursor, etc.
// - Streamable HTTP transport (/mcp) for Codex
type Server struct {
	cfg                  Config
	deps                 Deps
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// New creates the MCP server.
func New(cfg Config, deps Deps, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: log.WithFields(zap.String("component", "mcp-server")),
	}
}

// Start begins serving both transports and returns once listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"kagan-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, s.deps, s.cfg, s.logger)

	s.sseServer = server.NewSSEServer(mcpServer,
		server.WithSSEContextFunc(withIdentity),
	)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(withIdentity),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("MCP server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
		}
	}
	return nil
}

// SSEEndpoint returns the SSE URL for clients that use SSE transport.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.cfg.Port)
}

// StreamableHTTPEndpoint returns the Streamable HTTP URL.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.cfg.Port)
}
