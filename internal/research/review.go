package research

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/candorlabs/researchd/internal/capability"
	"github.com/candorlabs/researchd/internal/llmparse"
	"github.com/candorlabs/researchd/internal/util"
)

const (
	// Polish only runs on long-form content.
	polishMinWords = 1000

	// A polished candidate shorter than this fraction of the input is
	// rejected; it usually means the model truncated the article.
	polishRetainRatio = 0.9
)

// Reviewer critiques drafts, merges follow-up evidence, and applies the
// closing citation-enhancement and polish passes. Every method is
// non-destructive: on any failure the input draft is returned unchanged.
type Reviewer struct {
	completer capability.Completer
	parser    *llmparse.Parser
	logger    *zap.Logger
}

// NewReviewer creates a reviewer.
func NewReviewer(completer capability.Completer, parser *llmparse.Parser, logger *zap.Logger) *Reviewer {
	return &Reviewer{completer: completer, parser: parser, logger: logger}
}

// Review critiques the draft against its supporting summaries and returns
// follow-up research subtasks. Failure is non-fatal: an empty list comes
// back and a warning is logged, since the draft is usable without
// refinement.
func (r *Reviewer) Review(ctx context.Context, draft string, summaries []Summary, prompt, topic string) []Subtask {
	serialized, err := json.Marshal(summaries)
	if err != nil {
		r.logger.Warn("Review skipped, summaries not serializable", zap.Error(err))
		return nil
	}

	raw, err := r.completer.Complete(ctx, "review_draft", capability.Args{
		"draft":     draft,
		"summaries": string(serialized),
		"query":     prompt,
		"topic":     topic,
	})
	if err != nil {
		r.logger.Warn("Review call failed, skipping refinement", zap.Error(err))
		return nil
	}

	out, ok := r.parser.Review(raw)
	if !ok {
		r.logger.Warn("Review output did not decode, skipping refinement")
		return nil
	}
	return filterSubtasks(out.FollowUpSubtasks, r.logger)
}

// Merge folds follow-up summaries into the draft. On any failure the
// original draft is returned; refinement is additive-or-noop.
func (r *Reviewer) Merge(ctx context.Context, draft string, followUps []Summary) string {
	serialized, err := json.Marshal(followUps)
	if err != nil {
		r.logger.Warn("Merge skipped, summaries not serializable", zap.Error(err))
		return draft
	}

	raw, err := r.completer.Complete(ctx, "merge_follow_ups", capability.Args{
		"draft":     draft,
		"summaries": string(serialized),
	})
	if err != nil {
		r.logger.Warn("Merge call failed, keeping draft", zap.Error(err))
		return draft
	}

	out, ok := r.parser.Merge(raw)
	if !ok {
		r.logger.Warn("Merge output did not decode, keeping draft")
		return draft
	}
	return out.UpdatedDraft
}

// EnhanceCitations injects bracketed citation markers and section
// formatting when sources exist. Failure keeps the draft unchanged.
func (r *Reviewer) EnhanceCitations(ctx context.Context, draft string, sources []string) string {
	if len(sources) == 0 {
		return draft
	}

	raw, err := r.completer.Complete(ctx, "enhance_citations", capability.Args{
		"draft":   draft,
		"sources": sources,
	})
	if err != nil {
		r.logger.Warn("Citation enhancement failed, keeping draft", zap.Error(err))
		return draft
	}
	enhanced := strings.TrimSpace(raw)
	if enhanced == "" {
		return draft
	}
	return enhanced
}

// Polish runs the closing editing pass on long-form content. The output
// is accepted only if it retains at least 90% of the input word count,
// guarding against truncation disguised as editing.
func (r *Reviewer) Polish(ctx context.Context, text string) string {
	before := util.WordCount(text)
	if before <= polishMinWords {
		return text
	}

	raw, err := r.completer.Complete(ctx, "polish_answer", capability.Args{
		"text": text,
	})
	if err != nil {
		r.logger.Warn("Polish call failed, keeping text", zap.Error(err))
		return text
	}

	polished := strings.TrimSpace(raw)
	after := util.WordCount(polished)
	if polished == "" || float64(after) < polishRetainRatio*float64(before) {
		r.logger.Warn("Polish output rejected",
			zap.Int("words_before", before),
			zap.Int("words_after", after),
		)
		return text
	}
	return polished
}

// IncorporateFeedback re-runs a feedback-incorporation call against the
// current best answer and returns the revised text.
func (r *Reviewer) IncorporateFeedback(ctx context.Context, answer, feedback string) (string, error) {
	raw, err := r.completer.Complete(ctx, "incorporate_feedback", capability.Args{
		"answer":   answer,
		"feedback": feedback,
	})
	if err != nil {
		return "", err
	}

	out, ok := r.parser.Feedback(raw)
	if !ok {
		return "", errors.New("feedback output did not decode")
	}
	return out.RevisedAnswer, nil
}
