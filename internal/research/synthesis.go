package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/candorlabs/researchd/internal/capability"
	"github.com/candorlabs/researchd/internal/llmparse"
)

const (
	// Above this many summaries the combiner input risks exceeding the
	// completion capability's input-size limit, so batching kicks in.
	synthesisBatchThreshold = 10
	synthesisBatchSize      = 5

	synthesisTimeout = 5 * time.Minute
)

// Synthesizer combines structured summaries into one coherent narrative.
type Synthesizer struct {
	completer capability.Completer
	parser    *llmparse.Parser
	logger    *zap.Logger
}

// NewSynthesizer creates a synthesizer.
func NewSynthesizer(completer capability.Completer, parser *llmparse.Parser, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{completer: completer, parser: parser, logger: logger}
}

// Combine produces the draft narrative for a summary set. Large sets are
// combined batch-by-batch and concatenated. If the primary path fails or
// yields no text, a simplified flat-prompt fallback runs; only when that
// also produces nothing does Combine return an error.
func (s *Synthesizer) Combine(ctx context.Context, summaries []Summary, prompt, topic string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, synthesisTimeout)
	defer cancel()

	var draft string
	var err error
	if len(summaries) > synthesisBatchThreshold {
		draft, err = s.combineBatched(ctx, summaries, prompt, topic)
	} else {
		draft, err = s.combineOnce(ctx, summaries, prompt, topic)
	}
	if err == nil && strings.TrimSpace(draft) != "" {
		return draft, nil
	}
	if err != nil {
		s.logger.Warn("Primary synthesis failed, using fallback", zap.Error(err))
	}

	fallback, ferr := s.fallback(ctx, summaries, prompt)
	if ferr != nil || strings.TrimSpace(fallback) == "" {
		return "", fmt.Errorf("synthesis produced no draft (fallback: %v)", ferr)
	}
	return fallback, nil
}

func (s *Synthesizer) combineOnce(ctx context.Context, summaries []Summary, prompt, topic string) (string, error) {
	serialized, err := json.Marshal(summaries)
	if err != nil {
		return "", fmt.Errorf("serialize summaries: %w", err)
	}

	raw, err := s.completer.Complete(ctx, "combine_summaries", capability.Args{
		"summaries": string(serialized),
		"query":     prompt,
		"topic":     topic,
	})
	if err != nil {
		return "", err
	}

	out, ok := s.parser.Synthesis(raw)
	if !ok {
		return "", errors.New("synthesis output did not decode")
	}
	return out.Narrative, nil
}

// combineBatched combines fixed-size batches independently and joins the
// partial narratives. A failed batch is skipped, not fatal; the combined
// result fails only when every batch failed.
func (s *Synthesizer) combineBatched(ctx context.Context, summaries []Summary, prompt, topic string) (string, error) {
	var parts []string
	for start := 0; start < len(summaries); start += synthesisBatchSize {
		end := start + synthesisBatchSize
		if end > len(summaries) {
			end = len(summaries)
		}

		part, err := s.combineOnce(ctx, summaries[start:end], prompt, topic)
		if err != nil {
			s.logger.Warn("Synthesis batch failed, skipping",
				zap.Int("batch_start", start),
				zap.Error(err),
			)
			continue
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return "", errors.New("every synthesis batch failed")
	}
	return strings.Join(parts, "\n\n"), nil
}

// fallback builds a flat unstructured prompt from the raw summaries and
// asks for a best-effort narrative, bypassing structured parsing.
func (s *Synthesizer) fallback(ctx context.Context, summaries []Summary, prompt string) (string, error) {
	var b strings.Builder
	for _, sum := range summaries {
		b.WriteString(sum.SubtaskID)
		b.WriteString(": ")
		b.WriteString(sum.Text)
		b.WriteString("\n\n")
	}

	return s.completer.Complete(ctx, "combine_summaries_simple", capability.Args{
		"summaries": b.String(),
		"query":     prompt,
	})
}
