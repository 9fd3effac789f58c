package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/candorlabs/researchd/internal/capability"
	"github.com/candorlabs/researchd/internal/research"
	"github.com/candorlabs/researchd/internal/semcache"
	"github.com/candorlabs/researchd/internal/session"
	"github.com/candorlabs/researchd/internal/streaming"
)

// apiCompleter answers every pipeline function with a cooperative
// response. Queries condense to their lowercased text.
func apiCompleter() capability.CompleterFunc {
	return func(ctx context.Context, function string, args capability.Args) (string, error) {
		switch function {
		case "condense_query":
			query, _ := args["query"].(string)
			return strings.ToLower(query), nil
		case "clarify_query":
			return `{"unified_prompt": "unified", "clarifying_questions": [], "ready_to_proceed_message": "ready"}`, nil
		case "decompose_topic":
			return `{
				"unified_topic": "test topic",
				"subtasks": [
					{"id": "st-1", "description": "A sufficiently long research question about the first aspect?"},
					{"id": "st-2", "description": "A sufficiently long research question about the second aspect?"}
				]
			}`, nil
		case "summarize_search":
			id, _ := args["subtask_id"].(string)
			return fmt.Sprintf(`{"summary": "evidence for %s", "source_urls": ["https://example.com/%s"]}`, id, id), nil
		case "combine_summaries":
			return `{"narrative": "combined draft"}`, nil
		case "review_draft":
			return `{"follow_up_subtasks": []}`, nil
		case "enhance_citations":
			return "combined draft [1][2]", nil
		case "incorporate_feedback":
			return `{"revised_answer": "revised"}`, nil
		default:
			return "", fmt.Errorf("unexpected function %q", function)
		}
	}
}

func apiSearcher() capability.SearcherFunc {
	return func(ctx context.Context, query string) (capability.SearchResponse, error) {
		return capability.SearchResponse{
			Answer:  "answer",
			Results: []capability.SearchResult{{Title: "t", URL: "https://example.com/r", Content: "c"}},
		}, nil
	}
}

type testAPI struct {
	srv      *httptest.Server
	registry *session.Registry
	cache    *semcache.Cache
}

func newTestAPI(t *testing.T) *testAPI {
	logger := zaptest.NewLogger(t)
	registry := session.NewRegistry(session.Config{}, logger)
	t.Cleanup(registry.Close)

	cache := semcache.New(apiCompleter(), semcache.NewLocalStore(), time.Hour, logger)
	events := streaming.NewManager(64)
	api := NewServer(registry, cache, events, apiCompleter(), apiSearcher(), logger)

	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, registry: registry, cache: cache}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (a *testAPI) createSession(t *testing.T, query string) string {
	resp := a.do(t, http.MethodPost, "/sessions", map[string]string{"query": query})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[createResponse](t, resp).SessionID
}

func (a *testAPI) waitComplete(t *testing.T, id string) research.Status {
	t.Helper()
	var st research.Status
	require.Eventually(t, func() bool {
		resp := a.do(t, http.MethodGet, "/sessions/"+id, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		st = decode[research.Status](t, resp)
		return st.IsComplete || st.Error != ""
	}, 5*time.Second, 20*time.Millisecond)
	return st
}

func TestAPI_CreateRequiresQuery(t *testing.T) {
	a := newTestAPI(t)
	resp := a.do(t, http.MethodPost, "/sessions", map[string]string{"query": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_UnknownSessionIs404(t *testing.T) {
	a := newTestAPI(t)
	resp := a.do(t, http.MethodGet, "/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_FullLifecycle(t *testing.T) {
	a := newTestAPI(t)
	id := a.createSession(t, "what changed in container shipping economics")

	resp := a.do(t, http.MethodGet, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[research.Status](t, resp)
	assert.Equal(t, "clarification", st.Phase)

	resp = a.do(t, http.MethodPost, "/sessions/"+id+"/advance", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	st = a.waitComplete(t, id)
	require.Empty(t, st.Error)
	assert.Equal(t, "final", st.Phase)

	resp = a.do(t, http.MethodGet, "/sessions/"+id+"/results", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[research.Results](t, resp)
	assert.True(t, res.IsFinal)
	assert.NotEmpty(t, res.Answer)
	assert.NotEmpty(t, res.Sources)
}

func TestAPI_ClarificationFlow(t *testing.T) {
	a := newTestAPI(t)
	id := a.createSession(t, "query")

	resp := a.do(t, http.MethodPost, "/sessions/"+id+"/clarification", map[string]string{"text": ""})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[research.ClarifyOutcome](t, resp)
	assert.False(t, out.NeedsClarification)

	// Phase moved on; a second round is an invalid state.
	resp = a.do(t, http.MethodPost, "/sessions/"+id+"/clarification", map[string]string{"text": "more"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_FeedbackBeforeReviewIsConflict(t *testing.T) {
	a := newTestAPI(t)
	id := a.createSession(t, "query")

	resp := a.do(t, http.MethodPost, "/sessions/"+id+"/feedback", map[string]string{"text": "expand"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_FeedbackAfterCompletion(t *testing.T) {
	a := newTestAPI(t)
	id := a.createSession(t, "query")
	a.do(t, http.MethodPost, "/sessions/"+id+"/advance", nil)
	a.waitComplete(t, id)

	resp := a.do(t, http.MethodPost, "/sessions/"+id+"/feedback", map[string]string{"text": "expand"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "revised", decode[feedbackResponse](t, resp).Answer)
}

func TestAPI_CancelIsIdempotent(t *testing.T) {
	a := newTestAPI(t)
	id := a.createSession(t, "query")

	resp := a.do(t, http.MethodDelete, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = a.do(t, http.MethodDelete, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_CreateReportsCacheHit(t *testing.T) {
	a := newTestAPI(t)

	// Complete one session so its final answer lands in the cache.
	id := a.createSession(t, "repeatable research query")
	a.do(t, http.MethodPost, "/sessions/"+id+"/advance", nil)
	a.waitComplete(t, id)

	require.Eventually(t, func() bool {
		_, hit := a.cache.Lookup(context.Background(), "repeatable research query")
		return hit
	}, 2*time.Second, 20*time.Millisecond)

	resp := a.do(t, http.MethodPost, "/sessions", map[string]string{"query": "Repeatable RESEARCH query"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decode[createResponse](t, resp)
	assert.True(t, out.CacheHit)
	assert.NotEmpty(t, out.CachedResult)
}

func TestAPI_WebSocketStreamsEvents(t *testing.T) {
	a := newTestAPI(t)
	id := a.createSession(t, "query")

	wsURL := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/sessions/" + id + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	a.do(t, http.MethodPost, "/sessions/"+id+"/advance", nil)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var evt streaming.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, id, evt.SessionID)
	assert.NotEmpty(t, evt.Type)
}
