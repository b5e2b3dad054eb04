// Package mcp exposes read access to an experiment store over the Model
// Context Protocol.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvandessel/expstore/internal/logging"
	"github.com/nvandessel/expstore/internal/ratelimit"
	"github.com/nvandessel/expstore/internal/store"
)

// Server wraps the MCP SDK server around one store.
type Server struct {
	server   *sdk.Server
	store    *store.Store
	log      *slog.Logger
	limiters ratelimit.ToolLimiters
}

// Config holds server configuration.
type Config struct {
	Name    string // Server name (e.g., "expstore")
	Version string
	DBPath  string
	// StoreOptions are passed to store.Open.
	StoreOptions store.Options
	Logger       *slog.Logger
}

// NewServer opens the store and registers the expstore tools.
func NewServer(cfg *Config) (*Server, error) {
	st, err := store.Open(cfg.DBPath, cfg.StoreOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	s, err := newServer(cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	return s, nil
}

func newServer(cfg *Config, st *store.Store) (*Server, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	mcpServer := sdk.NewServer(&sdk.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, &sdk.ServerOptions{
		InitializedHandler: func(ctx context.Context, req *sdk.InitializedRequest) {
			log.Debug("mcp client initialized")
		},
	})

	s := &Server{
		server:   mcpServer,
		store:    st,
		log:      log.With("component", "mcp"),
		limiters: ratelimit.NewToolLimiters(),
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	if err := s.registerResources(); err != nil {
		return nil, fmt.Errorf("failed to register resources: %w", err)
	}
	return s, nil
}

// Run serves over stdio until the client disconnects, the context is
// cancelled or the process is signalled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	notifySignals(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.log.Info("mcp server started", "store", s.store.Path())
	err := s.server.Run(ctx, &sdk.StdioTransport{})
	s.log.Info("mcp server stopped")
	return err
}

// Close closes the store.
func (s *Server) Close() error {
	return s.store.Close()
}

// logTool records one tool invocation.
func (s *Server) logTool(tool string, start time.Time, err error, attrs ...any) {
	attrs = append(attrs, "tool", tool, "duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		s.log.Warn("tool failed", append(attrs, "error", err)...)
		return
	}
	s.log.Debug("tool called", attrs...)
}
