// Package capability defines the two external collaborators the research
// pipeline depends on: a completion service that turns a named prompt
// template plus arguments into generated text, and a web-search service
// that returns a synthesized answer with source documents. The pipeline
// only ever sees these interfaces; the HTTP clients in this package are
// the production implementations.
package capability

import (
	"context"
	"errors"
)

// Args is the named-argument bag passed to the completion capability.
// Values are strings or string slices; anything else is serialized as-is.
type Args map[string]interface{}

// ErrEmptyResults is returned by searchers that completed the call but
// found nothing usable.
var ErrEmptyResults = errors.New("search returned no results")

// Completer generates text from a named prompt template and arguments.
// Implementations may fail or time out; callers are expected to recover.
type Completer interface {
	Complete(ctx context.Context, function string, args Args) (string, error)
}

// SearchResult is a single document returned by the search capability.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// SearchResponse is the full output of one search call: a short
// synthesized answer plus the ordered source documents behind it.
type SearchResponse struct {
	Answer  string         `json:"answer"`
	Results []SearchResult `json:"results"`
}

// Searcher executes a web search for a query.
type Searcher interface {
	Search(ctx context.Context, query string) (SearchResponse, error)
}

// CompleterFunc adapts a function to the Completer interface; used heavily
// in tests.
type CompleterFunc func(ctx context.Context, function string, args Args) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, function string, args Args) (string, error) {
	return f(ctx, function, args)
}

// SearcherFunc adapts a function to the Searcher interface.
type SearcherFunc func(ctx context.Context, query string) (SearchResponse, error)

func (f SearcherFunc) Search(ctx context.Context, query string) (SearchResponse, error) {
	return f(ctx, query)
}
