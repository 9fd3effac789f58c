package research

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/candorlabs/researchd/internal/capability"
	"github.com/candorlabs/researchd/internal/llmparse"
)

// Gatherer collects web evidence for one subtask: it searches, validates
// the response, and condenses the raw search output into a structured,
// cited summary via the completion capability.
type Gatherer struct {
	searcher  capability.Searcher
	completer capability.Completer
	parser    *llmparse.Parser
	logger    *zap.Logger
}

// NewGatherer creates a gatherer.
func NewGatherer(searcher capability.Searcher, completer capability.Completer, parser *llmparse.Parser, logger *zap.Logger) *Gatherer {
	return &Gatherer{searcher: searcher, completer: completer, parser: parser, logger: logger}
}

// Research gathers and summarizes evidence for one subtask. Failures are
// returned to the caller, which records a placeholder summary; a single
// subtask failure never aborts the phase.
func (g *Gatherer) Research(ctx context.Context, st Subtask, topic string) (Summary, error) {
	resp, err := g.searcher.Search(ctx, st.Description)
	if err != nil {
		return Summary{}, fmt.Errorf("search failed: %w", err)
	}
	if strings.TrimSpace(resp.Answer) == "" {
		return Summary{}, capability.ErrEmptyResults
	}

	urls := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.URL != "" {
			urls = append(urls, r.URL)
		}
	}

	raw, err := g.completer.Complete(ctx, "summarize_search", capability.Args{
		"subtask_id":     st.ID,
		"question":       st.Description,
		"search_answer":  escapeQuotes(resp.Answer),
		"candidate_urls": urls,
		"topic":          topic,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("summary call failed: %w", err)
	}

	out, ok := g.parser.Summary(raw)
	if !ok {
		return Summary{}, errors.New("summary output did not decode")
	}

	sources := out.SourceURLs
	if len(sources) == 0 {
		sources = urls
	}
	return Summary{SubtaskID: st.ID, Text: out.Summary, SourceURLs: sources}, nil
}

// PlaceholderSummary records a failed gathering attempt in the uniform
// summary shape so downstream phases see one record per subtask.
func PlaceholderSummary(subtaskID string, err error) Summary {
	return Summary{
		SubtaskID: subtaskID,
		Text:      fmt.Sprintf("[Error: %v]", err),
	}
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
