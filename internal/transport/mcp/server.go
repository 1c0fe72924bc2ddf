// Package mcp provides the MCP tool-server transport over the
// Read-With-Wait Façade (C8), grounded on the teacher's
// internal/mcpserver: one mcp.Server wrapping an SSE and a Streamable
// HTTP transport on the same port, tools registered as plain functions.
package mcp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/cdbsrv/internal/facade"
	"github.com/kandev/cdbsrv/internal/logger"
)

// Config holds the MCP server configuration.
type Config struct {
	Port int
}

// Server wraps the SSE and Streamable HTTP transports with lifecycle
// management, mirroring the teacher's single-port dual-transport layout.
type Server struct {
	cfg                  Config
	facade               *facade.Facade
	logger               *logger.Logger
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
}

// New constructs an MCP tool server bound to f's operations.
func New(cfg Config, f *facade.Facade, log *logger.Logger) *Server {
	return &Server{
		cfg:    cfg,
		facade: f,
		logger: log.WithFields(zap.String("component", "mcp-server")),
	}
}

// Start begins serving in a goroutine and returns once the listener is up.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcp server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"cdbsrv-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, s.facade, s.logger)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{Handler: mux}
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	go func() {
		s.logger.Info("mcp server listening", zap.String("addr", addr))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("mcp server stopped unexpectedly", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.httpServer == nil {
		return nil
	}
	s.running = false
	return s.httpServer.Shutdown(ctx)
}
