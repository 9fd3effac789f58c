package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/candorlabs/researchd/internal/metrics"
	"github.com/candorlabs/researchd/internal/tracing"
)

// SearchConfig configures the HTTP search client.
type SearchConfig struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPSearcher calls a web-search service over HTTP.
type HTTPSearcher struct {
	base   string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPSearcher creates a search client.
func NewHTTPSearcher(cfg SearchConfig, logger *zap.Logger) *HTTPSearcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSearcher{
		base:   cfg.BaseURL,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type searchRequest struct {
	Query string `json:"query"`
}

// Search executes one search call and returns the synthesized answer plus
// ordered source documents.
func (s *HTTPSearcher) Search(ctx context.Context, query string) (SearchResponse, error) {
	body, err := json.Marshal(searchRequest{Query: query})
	if err != nil {
		return SearchResponse{}, fmt.Errorf("marshal search request: %w", err)
	}

	url := s.base + "/v1/search"
	start := time.Now()

	spanCtx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(spanCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		metrics.SearchCalls.WithLabelValues("error").Inc()
		return SearchResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(spanCtx, req)

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.SearchCalls.WithLabelValues("error").Inc()
		return SearchResponse{}, fmt.Errorf("search call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.SearchCalls.WithLabelValues("error").Inc()
		return SearchResponse{}, fmt.Errorf("search service returned status %d", resp.StatusCode)
	}

	var out SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.SearchCalls.WithLabelValues("error").Inc()
		return SearchResponse{}, fmt.Errorf("decode search response: %w", err)
	}

	metrics.SearchCalls.WithLabelValues("success").Inc()
	metrics.SearchLatency.Observe(time.Since(start).Seconds())
	return out, nil
}
