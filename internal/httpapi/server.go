// Package httpapi is the transport shell around the research pipeline: a
// session-oriented JSON API plus WebSocket/SSE event streams.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/candorlabs/researchd/internal/capability"
	"github.com/candorlabs/researchd/internal/research"
	"github.com/candorlabs/researchd/internal/semcache"
	"github.com/candorlabs/researchd/internal/session"
	"github.com/candorlabs/researchd/internal/streaming"
)

// Server wires the registry, cache, and event manager behind HTTP
// handlers.
type Server struct {
	registry  *session.Registry
	cache     *semcache.Cache
	events    *streaming.Manager
	completer capability.Completer
	searcher  capability.Searcher
	logger    *zap.Logger
}

// NewServer creates the API server. cache may be nil to disable the
// semantic result cache.
func NewServer(
	registry *session.Registry,
	cache *semcache.Cache,
	events *streaming.Manager,
	completer capability.Completer,
	searcher capability.Searcher,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		registry:  registry,
		cache:     cache,
		events:    events,
		completer: completer,
		searcher:  searcher,
		logger:    logger,
	}
}

// Routes returns the API route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleCreate)
	mux.HandleFunc("GET /sessions/{id}", s.handleStatus)
	mux.HandleFunc("POST /sessions/{id}/clarification", s.handleClarification)
	mux.HandleFunc("POST /sessions/{id}/advance", s.handleAdvance)
	mux.HandleFunc("GET /sessions/{id}/results", s.handleResults)
	mux.HandleFunc("POST /sessions/{id}/feedback", s.handleFeedback)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleCancel)
	mux.HandleFunc("GET /sessions/{id}/stream", s.handleWS)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleSSE)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

func (s *Server) newSessionID() string {
	return uuid.New().String()
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*research.Orchestrator, bool) {
	o, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return o, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Response encode failed", zap.Error(err))
	}
}

const maxBodyBytes = 1 << 20

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, research.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, research.ErrInvalidState),
		errors.Is(err, research.ErrAdvanceInProgress),
		errors.Is(err, research.ErrSessionFailed):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": s.registry.Len(),
	})
}
