// Package web provides the engram dashboard: a small server-rendered
// UI over the memories files and the extraction journal. Pages are
// html/template plus htmx partial swaps; no client-side build step.
package web

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/nugget/engram/internal/journal"
	"github.com/nugget/engram/internal/memory"
)

// Config wires the dashboard to its data sources.
type Config struct {
	// Memories reads the markdown files.
	Memories *memory.Store
	// Journal reads runs, entries, and stats.
	Journal *journal.Store
	// Dir is the working directory used to resolve the repo-scoped
	// memories file for display.
	Dir string
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Server renders the dashboard pages.
type Server struct {
	memories  *memory.Store
	journal   *journal.Store
	dir       string
	logger    *slog.Logger
	templates map[string]*template.Template
}

// NewServer creates the dashboard server. Panics on template syntax
// errors so that startup fails fast.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		memories:  cfg.Memories,
		journal:   cfg.Journal,
		dir:       cfg.Dir,
		logger:    logger,
		templates: loadTemplates(),
	}
}

// RegisterRoutes adds the dashboard routes to a mux. The API server
// owns /api/*; everything else here.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /memories", s.handleMemories)
	mux.HandleFunc("GET /runs", s.handleRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleRunDetail)
	mux.HandleFunc("GET /search", s.handleSearch)
}
