package research

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/candorlabs/researchd/internal/capability"
	"github.com/candorlabs/researchd/internal/llmparse"
)

// maxClarifyRounds bounds the clarification loop; the final round forces
// progression instead of asking again.
const maxClarifyRounds = 3

// Cues in the readiness message that mark a round as needing more input.
var notReadyCues = []string{
	"not ready",
	"need more",
	"insufficient",
	"unclear",
	"missing",
}

// Clarifier runs clarification rounds: each round asks the completion
// capability for a unified prompt, candidate clarifying questions, and a
// readiness message.
type Clarifier struct {
	completer capability.Completer
	parser    *llmparse.Parser
	logger    *zap.Logger
}

// NewClarifier creates a clarifier.
func NewClarifier(completer capability.Completer, parser *llmparse.Parser, logger *zap.Logger) *Clarifier {
	return &Clarifier{completer: completer, parser: parser, logger: logger}
}

// Round runs one clarification round against the current prompt.
func (c *Clarifier) Round(ctx context.Context, prompt string) (llmparse.Clarification, error) {
	raw, err := c.completer.Complete(ctx, "clarify_query", capability.Args{
		"query": prompt,
	})
	if err != nil {
		return llmparse.Clarification{}, err
	}
	out, ok := c.parser.Clarification(raw)
	if !ok {
		return llmparse.Clarification{}, errors.New("clarification output did not decode")
	}
	return out, nil
}

// NeedsMoreInput reports whether the round asked for further user input:
// either clarifying questions were produced or the readiness message
// contains a readiness-negative cue.
func NeedsMoreInput(out llmparse.Clarification) bool {
	if len(out.ClarifyingQuestions) > 0 {
		return true
	}
	msg := strings.ToLower(out.ReadyToProceedMessage)
	for _, cue := range notReadyCues {
		if strings.Contains(msg, cue) {
			return true
		}
	}
	return false
}
