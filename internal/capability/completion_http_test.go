package capability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHTTPCompleter_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "summarize_search", req.Function)
		assert.Equal(t, "what is x", req.Arguments["question"])

		json.NewEncoder(w).Encode(completionResponse{Text: "generated"})
	}))
	defer srv.Close()

	c := NewHTTPCompleter(CompletionConfig{BaseURL: srv.URL}, zaptest.NewLogger(t))
	text, err := c.Complete(context.Background(), "summarize_search", Args{"question": "what is x"})
	require.NoError(t, err)
	assert.Equal(t, "generated", text)
}

func TestHTTPCompleter_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(completionResponse{Text: "eventually"})
	}))
	defer srv.Close()

	c := NewHTTPCompleter(CompletionConfig{BaseURL: srv.URL, MaxRetries: 3}, zaptest.NewLogger(t))
	text, err := c.Complete(context.Background(), "combine", Args{})
	require.NoError(t, err)
	assert.Equal(t, "eventually", text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPCompleter_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPCompleter(CompletionConfig{BaseURL: srv.URL, MaxRetries: 3}, zaptest.NewLogger(t))
	_, err := c.Complete(context.Background(), "combine", Args{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPCompleter_ContextCancellationStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	c := NewHTTPCompleter(CompletionConfig{BaseURL: srv.URL, MaxRetries: 10}, zaptest.NewLogger(t))
	_, err := c.Complete(ctx, "combine", Args{})
	require.Error(t, err)
}

func TestHTTPSearcher_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "urban housing", req.Query)

		json.NewEncoder(w).Encode(SearchResponse{
			Answer: "short answer",
			Results: []SearchResult{
				{Title: "t1", URL: "https://a", Content: "c1"},
			},
		})
	}))
	defer srv.Close()

	s := NewHTTPSearcher(SearchConfig{BaseURL: srv.URL}, zaptest.NewLogger(t))
	out, err := s.Search(context.Background(), "urban housing")
	require.NoError(t, err)
	assert.Equal(t, "short answer", out.Answer)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "https://a", out.Results[0].URL)
}

func TestHTTPSearcher_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewHTTPSearcher(SearchConfig{BaseURL: srv.URL}, zaptest.NewLogger(t))
	_, err := s.Search(context.Background(), "q")
	assert.Error(t, err)
}
