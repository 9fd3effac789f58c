// Package llmparse decodes free-form model output into the closed set of
// typed result shapes used by the research pipeline. All structured
// decoding in the service routes through here: raw text is first repaired
// (fence stripping, brace slicing, in-string newline escaping) and then
// unmarshalled into exactly one shape. Decode failures never surface as
// errors; each parse method reports absence via its bool return.
package llmparse

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/candorlabs/researchd/internal/jsonrepair"
	"github.com/candorlabs/researchd/internal/metrics"
)

// Parser decodes repaired model output into typed shapes.
type Parser struct {
	logger *zap.Logger
}

// NewParser creates a parser. A nil logger is replaced with a no-op logger.
func NewParser(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// Clarification parses one clarification round. A missing readiness
// message defaults to "ready" so an otherwise usable round is not treated
// as a failure.
func (p *Parser) Clarification(raw string) (Clarification, bool) {
	var out Clarification
	if !p.unmarshal(raw, "clarification", &out) {
		return Clarification{}, false
	}
	if strings.TrimSpace(out.ReadyToProceedMessage) == "" {
		out.ReadyToProceedMessage = "ready"
	}
	return out, true
}

// Decomposition parses the topic decomposition result. Subtask validation
// (description length, id uniqueness) is the caller's concern; an object
// that decodes but carries no subtasks is still returned so the caller can
// distinguish a parse failure from an empty plan.
func (p *Parser) Decomposition(raw string) (Decomposition, bool) {
	var out Decomposition
	if !p.unmarshal(raw, "decomposition", &out) {
		return Decomposition{}, false
	}
	return out, true
}

// Summary parses an evidence summary. An empty summary body is a parse
// failure: downstream phases need text, not an empty record.
func (p *Parser) Summary(raw string) (Summary, bool) {
	var out Summary
	if !p.unmarshal(raw, "summary", &out) {
		return Summary{}, false
	}
	if strings.TrimSpace(out.Summary) == "" {
		p.reportAbsent("summary", "empty summary field")
		return Summary{}, false
	}
	return out, true
}

// Synthesis parses a combined narrative. Empty narratives are absent.
func (p *Parser) Synthesis(raw string) (Synthesis, bool) {
	var out Synthesis
	if !p.unmarshal(raw, "synthesis", &out) {
		return Synthesis{}, false
	}
	if strings.TrimSpace(out.Narrative) == "" {
		p.reportAbsent("synthesis", "empty narrative field")
		return Synthesis{}, false
	}
	return out, true
}

// Review parses a draft critique. An empty follow-up list is a valid
// result (the draft needed no refinement).
func (p *Parser) Review(raw string) (Review, bool) {
	var out Review
	if !p.unmarshal(raw, "review", &out) {
		return Review{}, false
	}
	return out, true
}

// Merge parses a merged draft. Empty drafts are absent so the caller keeps
// the pre-merge text.
func (p *Parser) Merge(raw string) (Merge, bool) {
	var out Merge
	if !p.unmarshal(raw, "merge", &out) {
		return Merge{}, false
	}
	if strings.TrimSpace(out.UpdatedDraft) == "" {
		p.reportAbsent("merge", "empty updated_draft field")
		return Merge{}, false
	}
	return out, true
}

// Feedback parses a feedback-incorporation result.
func (p *Parser) Feedback(raw string) (Feedback, bool) {
	var out Feedback
	if !p.unmarshal(raw, "feedback", &out) {
		return Feedback{}, false
	}
	if strings.TrimSpace(out.RevisedAnswer) == "" {
		p.reportAbsent("feedback", "empty revised_answer field")
		return Feedback{}, false
	}
	return out, true
}

func (p *Parser) unmarshal(raw, shape string, v interface{}) bool {
	repaired := jsonrepair.Repair(raw)
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		p.logger.Warn("Structured output decode failed",
			zap.String("shape", shape),
			zap.Error(err),
		)
		metrics.ParseFailures.WithLabelValues(shape).Inc()
		return false
	}
	return true
}

func (p *Parser) reportAbsent(shape, reason string) {
	p.logger.Warn("Structured output missing required field",
		zap.String("shape", shape),
		zap.String("reason", reason),
	)
	metrics.ParseFailures.WithLabelValues(shape).Inc()
}
