package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/candorlabs/researchd/internal/capability"
	"github.com/candorlabs/researchd/internal/llmparse"
)

// Descriptions of this many characters or fewer are dropped as
// low-quality. Counted in runes so short non-ASCII text does not slip
// through on byte length.
const minSubtaskDescriptionLen = 30

// Decomposer breaks a unified research topic into subtasks.
type Decomposer struct {
	completer capability.Completer
	parser    *llmparse.Parser
	logger    *zap.Logger
}

// NewDecomposer creates a decomposer.
func NewDecomposer(completer capability.Completer, parser *llmparse.Parser, logger *zap.Logger) *Decomposer {
	return &Decomposer{completer: completer, parser: parser, logger: logger}
}

// Decompose produces the unified topic and the validated subtask list for
// a prompt. It fails when the call errors, the output does not decode, or
// no subtask survives validation.
func (d *Decomposer) Decompose(ctx context.Context, prompt string) (string, []Subtask, error) {
	raw, err := d.completer.Complete(ctx, "decompose_topic", capability.Args{
		"query": prompt,
	})
	if err != nil {
		return "", nil, fmt.Errorf("decomposition call failed: %w", err)
	}

	out, ok := d.parser.Decomposition(raw)
	if !ok {
		return "", nil, errors.New("decomposition output did not decode")
	}

	subtasks := filterSubtasks(out.Subtasks, d.logger)
	if len(subtasks) == 0 {
		return "", nil, errors.New("decomposition produced no valid subtasks")
	}

	topic := strings.TrimSpace(out.UnifiedTopic)
	if topic == "" {
		topic = prompt
	}
	return topic, subtasks, nil
}

// filterSubtasks drops short descriptions and duplicate ids, assigning a
// positional id where the model omitted one. Input order is preserved.
func filterSubtasks(raw []llmparse.Subtask, logger *zap.Logger) []Subtask {
	seen := make(map[string]bool, len(raw))
	var subtasks []Subtask
	for i, st := range raw {
		desc := strings.TrimSpace(st.Description)
		if utf8.RuneCountInString(desc) <= minSubtaskDescriptionLen {
			logger.Debug("Dropping low-quality subtask",
				zap.Int("index", i),
				zap.String("description", desc),
			)
			continue
		}
		id := strings.TrimSpace(st.ID)
		if id == "" {
			id = fmt.Sprintf("subtask-%d", i+1)
		}
		if seen[id] {
			logger.Debug("Dropping duplicate subtask id", zap.String("id", id))
			continue
		}
		seen[id] = true
		subtasks = append(subtasks, Subtask{ID: id, Description: desc})
	}
	return subtasks
}
