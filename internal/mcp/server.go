// Package mcp provides the Model Context Protocol (MCP) server implementation.
//
// This package exposes the execution core through MCP tools that can be used
// by AI assistants and other MCP clients:
//
// Execution (always available):
//   - code_run: Run a script with inputs and collect its outputs
//   - code_profile: Run a script under the profiler and keep the recording
//   - profile_query: Read coverage, line statistics or pprof data of a recording
//   - code_launch: Execute a configuration from a .codetrace launch file
//   - list_configs: List the configurations of a launch file
//   - list_languages: List the supported script languages
//
// Debugging (full mode only):
//   - code_debug: Run a script with breakpoints and record every pause
//   - debug_sessions: List recorded debug sessions
//   - debug_session: Return the pauses recorded by one session
//   - debug_session_delete: Drop a recorded session (and its group when stopAll)
package mcp

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/ctagard/codetrace/internal/adapters"
	"github.com/ctagard/codetrace/internal/config"
	"github.com/ctagard/codetrace/internal/dap"
	"github.com/ctagard/codetrace/internal/metrics"
	"github.com/ctagard/codetrace/internal/runner"
	"github.com/ctagard/codetrace/internal/version"
)

// defaultMaxPauses caps the pauses recorded per debug session when the caller
// does not say otherwise
const defaultMaxPauses = 100

// Server wraps the MCP server with execution capabilities
type Server struct {
	mcpServer      *server.MCPServer
	sessionManager *dap.SessionManager
	results        *ResultStore
	runner         *runner.Runner
	adapterReg     *adapters.Registry
	metrics        *metrics.Metrics
	logger         zerolog.Logger
	config         *config.Config
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithLogger sets the server logger
func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithMetrics records executions started by tools
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new codetrace MCP server
func NewServer(cfg *config.Config, opts ...ServerOption) *Server {
	mcpServer := server.NewMCPServer(
		"codetrace",
		version.GetVersion(),
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer:  mcpServer,
		adapterReg: adapters.NewRegistry(cfg),
		metrics:    metrics.Nop(),
		logger:     zerolog.Nop(),
		config:     cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.sessionManager = dap.NewSessionManager(cfg.Limits.MaxResults, cfg.Limits.ResultTTL, s.logger)
	s.results = NewResultStore(cfg.Limits.ResultTTL, cfg.Limits.MaxResults, s.logger)
	s.runner = runner.New(s.adapterReg,
		runner.WithSessions(s.sessionManager),
		runner.WithLogger(s.logger),
		runner.WithMetrics(s.metrics),
		runner.WithLimits(cfg.Limits),
	)

	s.registerTools()

	return s
}

// ServeStdio starts the server using stdio transport
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Close shuts down the server
func (s *Server) Close() {
	s.sessionManager.Close()
	s.results.Close()
}

// GetSessionManager returns the session manager
func (s *Server) GetSessionManager() *dap.SessionManager {
	return s.sessionManager
}

// GetAdapterRegistry returns the adapter registry
func (s *Server) GetAdapterRegistry() *adapters.Registry {
	return s.adapterReg
}

// GetConfig returns the server configuration
func (s *Server) GetConfig() *config.Config {
	return s.config
}

// Results returns the profile result store
func (s *Server) Results() *ResultStore {
	return s.results
}
