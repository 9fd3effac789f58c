package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/candorlabs/researchd/internal/metrics"
	"github.com/candorlabs/researchd/internal/tracing"
)

// CompletionConfig configures the HTTP completion client.
type CompletionConfig struct {
	BaseURL    string        // e.g. http://completion-service:8000
	Timeout    time.Duration // per-attempt timeout
	MaxRetries int           // retries on transport errors / 5xx
	RPS        float64       // rate limit; <=0 disables limiting
}

// HTTPCompleter calls a completion service over HTTP. Requests carry the
// prompt template name and the named-argument bag; the service returns
// generated text. Transient failures (transport errors, 5xx) are retried
// with doubling backoff before the error is surfaced to the engine-level
// fallback paths.
type HTTPCompleter struct {
	base       string
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries int
	logger     *zap.Logger
}

// NewHTTPCompleter creates a completion client.
func NewHTTPCompleter(cfg CompletionConfig, logger *zap.Logger) *HTTPCompleter {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return &HTTPCompleter{
		base:       cfg.BaseURL,
		client:     &http.Client{Timeout: timeout},
		limiter:    limiter,
		maxRetries: cfg.MaxRetries,
		logger:     logger,
	}
}

type completionRequest struct {
	Function  string `json:"function"`
	Arguments Args   `json:"arguments"`
}

type completionResponse struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
}

// Complete invokes the completion service and returns the generated text.
func (c *HTTPCompleter) Complete(ctx context.Context, function string, args Args) (string, error) {
	body, err := json.Marshal(completionRequest{Function: function, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	url := c.base + "/v1/complete"
	start := time.Now()

	var lastErr error
	backoff := 500 * time.Millisecond
attempts:
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break attempts
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		text, retryable, err := c.doOnce(ctx, url, function, body)
		if err == nil {
			metrics.CompletionCalls.WithLabelValues(function, "success").Inc()
			metrics.CompletionLatency.Observe(time.Since(start).Seconds())
			return text, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		c.logger.Warn("Completion call failed, retrying",
			zap.String("function", function),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	metrics.CompletionCalls.WithLabelValues(function, "error").Inc()
	metrics.CompletionLatency.Observe(time.Since(start).Seconds())
	return "", fmt.Errorf("completion call %q failed: %w", function, lastErr)
}

// doOnce performs a single attempt. The second return value reports
// whether the failure is worth retrying.
func (c *HTTPCompleter) doOnce(ctx context.Context, url, function string, body []byte) (string, bool, error) {
	spanCtx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(spanCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Function", function)
	tracing.InjectTraceparent(spanCtx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return "", true, fmt.Errorf("completion service returned status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return "", false, fmt.Errorf("completion service returned status %d", resp.StatusCode)
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, fmt.Errorf("decode completion response: %w", err)
	}
	return out.Text, false, nil
}
