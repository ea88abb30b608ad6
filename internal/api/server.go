// Package api implements the engram HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/engram/internal/buildinfo"
	"github.com/nugget/engram/internal/connwatch"
	"github.com/nugget/engram/internal/events"
	"github.com/nugget/engram/internal/extractor"
	"github.com/nugget/engram/internal/journal"
	"github.com/nugget/engram/internal/memory"
	"github.com/nugget/engram/internal/web"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	memories  *memory.Store
	journal   *journal.Store
	extractor *extractor.Extractor
	bus       *events.Bus
	webUI     *web.Server
	watch     *connwatch.Manager
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a new API server. bus and webUI may be nil; the
// events endpoint returns 503 without a bus and the dashboard routes
// are simply not registered without a web server.
func NewServer(address string, port int, memories *memory.Store, jrnl *journal.Store, ex *extractor.Extractor, bus *events.Bus, logger *slog.Logger) *Server {
	return &Server{
		address:   address,
		port:      port,
		memories:  memories,
		journal:   jrnl,
		extractor: ex,
		bus:       bus,
		logger:    logger,
	}
}

// SetWebUI attaches the dashboard. Must be called before Start.
func (s *Server) SetWebUI(ws *web.Server) {
	s.webUI = ws
}

// SetConnWatch attaches the dependency health monitor so the health
// endpoint can report per-service status. Must be called before Start.
func (s *Server) SetConnWatch(m *connwatch.Manager) {
	s.watch = m
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Service endpoints
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	// Memory endpoints
	mux.HandleFunc("GET /api/memories", s.handleMemories)

	// Extraction endpoints
	mux.HandleFunc("POST /api/turns", s.handleTurnSubmit)
	mux.HandleFunc("GET /api/turns/{id}", s.handleTurnGet)
	mux.HandleFunc("POST /api/extract", s.handleExtract)

	// Journal endpoints
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRunGet)
	mux.HandleFunc("GET /api/runs/{id}/entries", s.handleRunEntries)
	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	// Event stream
	mux.HandleFunc("GET /api/events", s.handleEvents)

	if s.webUI != nil {
		s.webUI.RegisterRoutes(mux)
	} else {
		mux.HandleFunc("GET /", s.handleRoot)
	}

	return mux
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(s.Handler()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for sync extraction
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "engram",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth reports overall health plus per-dependency status when
// a connection watcher is attached. The server itself answering is the
// health signal; degraded dependencies do not change the status code
// because extraction queues turns and catches up when they return.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.watch != nil {
		services := s.watch.Status()
		resp["services"] = services
		for _, svc := range services {
			if !svc.Ready {
				resp["status"] = "degraded"
				break
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// handleMemories returns the merged memory entries visible from a
// working directory. Without ?cwd= only the global file is read.
func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	cwd := r.URL.Query().Get("cwd")

	entries := s.memories.Entries(cwd)
	paths := s.memories.Paths(cwd)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":   len(entries),
		"paths":   paths,
		"entries": entries,
	}, s.logger)
}

// turnRequest is the body for POST /api/turns.
type turnRequest struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id,omitempty"`
	Origin         string `json:"origin,omitempty"`
}

// handleTurnSubmit queues a turn for background extraction and returns
// 202 immediately. The caller's conversation flow never waits on a
// model call.
func (s *Server) handleTurnSubmit(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.errorResponse(w, http.StatusBadRequest, "content is required")
		return
	}

	origin := req.Origin
	if origin == "" {
		origin = journal.OriginAPI
	}

	turn := &journal.Turn{
		ConversationID: req.ConversationID,
		Origin:         origin,
		Content:        req.Content,
	}
	if err := s.journal.SubmitTurn(turn); err != nil {
		s.logger.Error("turn submit failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to submit turn")
		return
	}

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAPI,
		Kind:      events.KindTurnSubmitted,
		Data: map[string]any{
			"turn_id":         turn.ID.String(),
			"conversation_id": turn.ConversationID,
			"origin":          turn.Origin,
			"content_len":     len(turn.Content),
		},
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, turn, s.logger)
}

func (s *Server) handleTurnGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid turn id")
		return
	}

	turn, err := s.journal.Turn(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "turn not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, turn, s.logger)
}

// extractRequest is the body for POST /api/extract. Either content or
// inputs must be set; inputs allows callers to attach tool output with
// provenance.
type extractRequest struct {
	Content string            `json:"content,omitempty"`
	Inputs  []extractor.Input `json:"inputs,omitempty"`
	Origin  string            `json:"origin,omitempty"`
}

// handleExtract runs extraction synchronously and returns the full
// run record, including the outcome when the gate skipped it.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	if s.extractor == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "extractor not configured")
		return
	}

	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	inputs := req.Inputs
	if len(inputs) == 0 && req.Content != "" {
		inputs = []extractor.Input{{Kind: extractor.InputUser, Text: req.Content}}
	}
	if len(inputs) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "content or inputs is required")
		return
	}

	origin := req.Origin
	if origin == "" {
		origin = journal.OriginAPI
	}

	run := s.extractor.Extract(r.Context(), uuid.Nil, origin, inputs)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, run, s.logger)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	runs, err := s.journal.RecentRuns(limit)
	if err != nil {
		s.logger.Error("run list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count": len(runs),
		"runs":  runs,
	}, s.logger)
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := s.journal.Run(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "run not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, run, s.logger)
}

func (s *Server) handleRunEntries(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid run id")
		return
	}

	entries, err := s.journal.RunEntries(id)
	if err != nil {
		s.logger.Error("run entries failed", "error", err, "id", id)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list entries")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":   len(entries),
		"entries": entries,
	}, s.logger)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		s.errorResponse(w, http.StatusBadRequest, "q is required")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := s.journal.SearchEntries(query, limit)
	if err != nil {
		s.logger.Error("search failed", "error", err, "query", query)
		s.errorResponse(w, http.StatusInternalServerError, "search failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"query":   query,
		"count":   len(entries),
		"entries": entries,
	}, s.logger)
}

// statsResponse combines journal aggregates with build metadata.
type statsResponse struct {
	*journal.Stats
	Uptime string            `json:"uptime"`
	Build  map[string]string `json:"build"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.journal.Stats()
	if err != nil {
		s.logger.Error("stats failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, statsResponse{
		Stats:  stats,
		Uptime: buildinfo.Uptime().Round(time.Second).String(),
		Build: map[string]string{
			"version":    buildinfo.Version,
			"git_commit": buildinfo.GitCommit,
		},
	}, s.logger)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is trusted-network only, same stance as the rest of the
	// endpoints (no auth layer).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades to a WebSocket and forwards bus events as JSON
// until the client disconnects. Slow clients miss events rather than
// backing up publishers; that is the bus contract.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	// Drain the read side so close frames and pings are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
