package httpapi

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/candorlabs/researchd/internal/research"
)

type createRequest struct {
	Query string `json:"query"`
}

type createResponse struct {
	SessionID    string `json:"session_id"`
	CacheHit     bool   `json:"cache_hit"`
	CachedResult string `json:"cached_result,omitempty"`
}

// handleCreate registers a new session. A semantic cache lookup runs for
// display purposes; research itself starts only on advance.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "query is required"})
		return
	}

	resp := createResponse{SessionID: s.newSessionID()}
	if s.cache != nil {
		if cached, hit := s.cache.Lookup(r.Context(), query); hit {
			resp.CacheHit = true
			resp.CachedResult = cached
		}
	}

	deps := research.Deps{
		Completer: s.completer,
		Searcher:  s.searcher,
		Logger:    s.logger,
		Events:    s.events,
	}
	if s.cache != nil {
		cache := s.cache
		deps.OnComplete = func(query, answer string) {
			cache.Store(context.Background(), query, answer)
		}
	}

	o := research.NewOrchestrator(resp.SessionID, query, deps)
	s.registry.Put(o)
	s.logger.Info("Session created",
		zap.String("session_id", resp.SessionID),
		zap.Bool("cache_hit", resp.CacheHit),
	)

	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, o.Status())
}

type clarificationRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleClarification(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req clarificationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	out, err := o.SubmitClarification(r.Context(), req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookup(w, r)
	if !ok {
		return
	}

	if err := o.Advance(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, o.Status())
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, o.Results())
}

type feedbackRequest struct {
	Text string `json:"text"`
}

type feedbackResponse struct {
	Answer string `json:"answer"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req feedbackRequest
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.Text) == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text is required"})
		return
	}

	revised, err := o.Feedback(r.Context(), req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, feedbackResponse{Answer: revised})
}

// handleCancel evicts the session. Idempotent: cancelling an unknown
// session still returns 204.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.registry.Remove(id)
	if s.events != nil {
		s.events.Drop(id)
	}
	w.WriteHeader(http.StatusNoContent)
}
