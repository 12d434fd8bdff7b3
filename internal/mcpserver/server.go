// Package mcpserver exposes the debugger bridge over MCP.
// It serves tools for session and command management via SSE and Streamable
// HTTP transports, and forwards bridge notifications to connected clients.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dbgbridge/dbgbridge/internal/common/logger"
	"github.com/dbgbridge/dbgbridge/internal/events/bus"
	"github.com/dbgbridge/dbgbridge/internal/extension"
	"github.com/dbgbridge/dbgbridge/internal/session"
)

// Config holds the MCP server configuration.
type Config struct {
	Port int
}

// Server wraps the SSE and Streamable HTTP servers with lifecycle management.
// Both transports are served on the same port for compatibility with
// different MCP clients.
type Server struct {
	cfg                  Config
	sessions             *session.Manager
	tokens               *extension.Registry
	notifications        bus.NotificationBus
	mcpServer            *server.MCPServer
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	subscription         bus.Subscription
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// New creates an MCP server over the session manager. Notifications published
// on the bus are forwarded to all connected MCP clients.
func New(cfg Config, sessions *session.Manager, tokens *extension.Registry, notifications bus.NotificationBus, log *logger.Logger) *Server {
	return &Server{
		cfg:           cfg,
		sessions:      sessions,
		tokens:        tokens,
		notifications: notifications,
		logger:        log.WithFields(zap.String("component", "mcp-server")),
	}
}

// Start starts both transports and returns once the listener is up.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	s.mcpServer = server.NewMCPServer(
		"dbgbridge",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	registerTools(s.mcpServer, s.sessions, s.tokens, s.logger)

	if s.notifications != nil {
		sub, err := s.notifications.Subscribe("notifications/>", s.forwardNotification)
		if err != nil {
			return fmt.Errorf("failed to subscribe to notifications: %w", err)
		}
		s.subscription = sub
	}

	s.sseServer = server.NewSSEServer(s.mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath("/mcp"),
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

	s.httpServer = &http.Server{
		Handler: mux,
	}

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

// forwardNotification relays a bus notification to all connected MCP clients.
func (s *Server) forwardNotification(ctx context.Context, n *bus.Notification) error {
	s.mcpServer.SendNotificationToAllClients(n.Method, n.Params)
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	if s.subscription != nil {
		if err := s.subscription.Unsubscribe(); err != nil {
			s.logger.Warn("failed to unsubscribe from notifications", zap.Error(err))
		}
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

// SSEEndpoint returns the full SSE URL for clients that use SSE transport.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.cfg.Port)
}

// StreamableHTTPEndpoint returns the full Streamable HTTP URL.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.cfg.Port)
}
