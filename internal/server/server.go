// Package server wires the MCP server: transports, request dispatch,
// authentication, resource publishing, and config hot reload.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/bobmcallan/ibmi-mcp/internal/auth"
	"github.com/bobmcallan/ibmi-mcp/internal/common"
	"github.com/bobmcallan/ibmi-mcp/internal/config"
	"github.com/bobmcallan/ibmi-mcp/internal/gateway"
	"github.com/bobmcallan/ibmi-mcp/internal/pool"
	"github.com/bobmcallan/ibmi-mcp/internal/registry"
)

// Server is the assembled MCP server.
type Server struct {
	cfg    *config.ServerConfig
	logger *common.Logger

	pools     *pool.Manager
	sessions  *auth.SessionStore
	handshake *auth.Handshake
	registry  *registry.Registry
	mcpServer *mcpserver.MCPServer

	sources   []config.ConfigSource
	mergeOpts config.MergeOptions

	// reloadMu serializes registry rebuilds; registered tracks tool names
	// currently added to the MCP server so reloads can delete stale ones.
	reloadMu   sync.Mutex
	registered map[string]bool
	toolConfig *config.Config

	watcher    *reloadWatcher
	httpServer *http.Server
}

// New assembles a Server from the effective configuration. The tool
// catalog loads immediately; a failed load is a startup error.
func New(cfg *config.ServerConfig, logger *common.Logger) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		registry:   registry.NewRegistry(),
		registered: make(map[string]bool),
		mergeOpts: config.MergeOptions{
			MergeArrays:           cfg.Tools.MergeArrays,
			AllowDuplicateTools:   cfg.Tools.AllowDuplicateTools,
			AllowDuplicateSources: cfg.Tools.AllowDuplicateSources,
			ValidateMerged:        cfg.Tools.ValidateMerged,
		},
	}

	s.pools = pool.NewManager(logger)

	s.sessions = auth.NewSessionStore(
		time.Duration(cfg.Auth.TokenExpirySeconds)*time.Second,
		cfg.Auth.MaxConcurrentSessions,
		func(ctx context.Context, poolKey string) { s.pools.Remove(ctx, poolKey) },
		logger,
	)

	s.mcpServer = mcpserver.NewMCPServer(
		"ibmi-mcp",
		common.GetVersion(),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
	)

	if cfg.Tools.Path != "" {
		s.sources = []config.ConfigSource{config.SourceFor(cfg.Tools.Path)}
		if err := s.loadToolConfig(true); err != nil {
			return nil, err
		}
	} else {
		logger.Warn().Msg("no tool configuration path set; starting with 0 tools")
		s.publishResources()
	}

	if cfg.Auth.Mode == "ibmi" && cfg.Auth.HTTPAuthEnabled {
		key, err := auth.LoadKeyPair(cfg.Auth.PrivateKeyPath, cfg.Auth.PublicKeyPath, cfg.Auth.KeyID)
		if err != nil {
			return nil, err
		}
		s.handshake = auth.NewHandshake(key, s.sessions, s.pools, cfg.Auth, cfg.Source, logger)
		s.sessions.StartSweeper(time.Duration(cfg.Auth.CleanupIntervalSeconds) * time.Second)
	}

	if cfg.Tools.AutoReload && len(s.sources) > 0 {
		w, err := newReloadWatcher(s, logger)
		if err != nil {
			logger.Warn().Str("error", err.Error()).Msg("config watcher unavailable, auto reload disabled")
		} else {
			s.watcher = w
		}
	}

	return s, nil
}

// loadToolConfig runs the loader/merger and swaps in a fresh registry.
// During startup (initial=true) a failed load aborts; during reload the
// old registry stays live.
func (s *Server) loadToolConfig(initial bool) error {
	result := config.Load(s.sources, s.mergeOpts, s.logger)
	for _, warning := range result.Warnings {
		s.logger.Warn().Msg(warning)
	}
	if !result.Success {
		for _, err := range result.Errors {
			s.logger.Error().Str("error", err.Error()).Msg("tool configuration error")
		}
		return common.NewError(common.KindConfiguration,
			"tool configuration failed with %d error(s)", len(result.Errors))
	}

	s.logger.Info().
		Int("files", result.Stats.SourcesLoaded).
		Int("tools", result.Stats.ToolsTotal).
		Int("toolsets", result.Stats.ToolsetsTotal).
		Int("sources", result.Stats.SourcesTotal).
		Msg("tool configuration loaded")

	return s.applyToolConfig(result.Config, initial)
}

// applyToolConfig registers source pools, rebuilds descriptors, and
// synchronizes the MCP server's tool list.
func (s *Server) applyToolConfig(cfg *config.Config, initial bool) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	for name, src := range cfg.Sources {
		s.pools.Register(registry.StaticPoolKey(name), sourceConnection(src))
	}

	descriptors, err := registry.Build(cfg, registry.BuildDeps{
		Exec:             s.pools,
		PoolKey:          s.poolKey,
		Logger:           s.logger,
		SelectedToolsets: s.cfg.Tools.SelectedToolsets,
	})
	if err != nil {
		return err
	}

	if s.cfg.Tools.AllowExecuteSQL {
		if name := s.defaultSourceName(cfg); name != "" {
			desc := registry.BuildExecuteSQL(name, registry.BuildDeps{
				Exec:    s.pools,
				PoolKey: s.poolKey,
				Logger:  s.logger,
			})
			descriptors[desc.Name] = desc
		}
	}

	s.registry.Swap(descriptors)
	s.toolConfig = cfg

	// Synchronize the MCP server: delete tools that vanished, (re)add the
	// rest. AddTool replaces an existing registration in place.
	var removed []string
	for name := range s.registered {
		if _, ok := descriptors[name]; !ok {
			removed = append(removed, name)
			delete(s.registered, name)
		}
	}
	if len(removed) > 0 {
		s.mcpServer.DeleteTools(removed...)
	}
	for name, desc := range descriptors {
		s.mcpServer.AddTool(desc.Tool, s.toolHandler(desc))
		s.registered[name] = true
	}

	s.publishResources()

	if !initial {
		s.logger.Info().Int("tools", len(descriptors)).Msg("tool registry reloaded")
	}
	return nil
}

// defaultSourceName picks the source the free-form execute tool binds to:
// the only source, or the one named "default".
func (s *Server) defaultSourceName(cfg *config.Config) string {
	if len(cfg.Sources) == 1 {
		for name := range cfg.Sources {
			return name
		}
	}
	if _, ok := cfg.Sources["default"]; ok {
		return "default"
	}
	s.logger.Warn().Msg("execute_sql enabled but no unambiguous source; tool not registered")
	return ""
}

// sourceConnection maps a SourceSpec onto a gateway connection.
func sourceConnection(src config.SourceSpec) gateway.Connection {
	port := src.Port
	if port == 0 {
		port = gateway.DefaultPort
	}
	return gateway.Connection{
		Host:               src.Host,
		Port:               port,
		User:               src.User,
		Password:           src.Password,
		IgnoreUnauthorized: src.IgnoreUnauthorized,
	}
}

// poolKey resolves the pool for a request: token identities execute on
// their session pool, everything else on the tool's static source pool.
func (s *Server) poolKey(ctx context.Context, sourceName string) string {
	if id, ok := common.IdentityFrom(ctx); ok && id.Kind == "token" {
		return id.Key
	}
	return registry.StaticPoolKey(sourceName)
}

// Start runs the selected transport until the context is cancelled or the
// transport fails.
func (s *Server) Start(ctx context.Context) error {
	switch s.cfg.Transport.Type {
	case "stdio":
		s.logger.Info().Msg("serving MCP on stdio")
		return mcpserver.ServeStdio(s.mcpServer)
	case "http":
		return s.startHTTP(ctx)
	}
	return common.NewError(common.KindConfiguration, "unknown transport %q", s.cfg.Transport.Type)
}

// startHTTP serves the streamable HTTP transport plus the auth and health
// endpoints.
func (s *Server) startHTTP(ctx context.Context) error {
	streamable := mcpserver.NewStreamableHTTPServer(s.mcpServer,
		mcpserver.WithStateLess(true),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", s.authMiddleware(streamable))
	mux.HandleFunc("/healthz", s.serveHealth)
	if s.handshake != nil {
		s.handshake.Routes(mux)
	}

	addr := net.JoinHostPort(s.cfg.Transport.HTTPHost, strconv.Itoa(s.cfg.Transport.HTTPPort))
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.corsMiddleware(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("serving MCP over streamable HTTP")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// serveHealth reports process liveness and the registered tool count.
func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.registry.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","version":%q,"tools":%d}`+"\n",
		common.GetVersion(), len(snapshot))
}

// Shutdown releases every resource: watcher, sweeper, pools.
func (s *Server) Shutdown(ctx context.Context) {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.sessions.Stop()
	s.pools.CloseAllPools(ctx)
	s.logger.Info().Msg("server shut down")
}

// Registry exposes the descriptor registry (used by tests and the CLI).
func (s *Server) Registry() *registry.Registry { return s.registry }

// ToolConfig returns the current merged tool configuration.
func (s *Server) ToolConfig() *config.Config {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.toolConfig
}
