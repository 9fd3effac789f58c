// Package research implements the multi-phase research pipeline: topic
// clarification, decomposition into subtasks, evidence gathering, synthesis
// into a draft, review with follow-up refinement, and final polishing. The
// Orchestrator drives a per-session Context through these phases.
package research

import (
	"fmt"
	"time"

	"github.com/candorlabs/researchd/internal/util"
)

// Phase is a stage of the research pipeline. Phases advance monotonically
// and never regress within one session.
type Phase int

const (
	PhaseClarification Phase = iota
	PhaseDecomposition
	PhaseResearch
	PhaseSynthesis
	PhaseReview
	PhaseRefinement
	PhaseFinal
)

func (p Phase) String() string {
	switch p {
	case PhaseClarification:
		return "clarification"
	case PhaseDecomposition:
		return "decomposition"
	case PhaseResearch:
		return "research"
	case PhaseSynthesis:
		return "synthesis"
	case PhaseReview:
		return "review"
	case PhaseRefinement:
		return "refinement"
	case PhaseFinal:
		return "final"
	default:
		return "unknown"
	}
}

// Progress maps the phase to an approximate completion percentage.
func (p Phase) Progress() int {
	switch p {
	case PhaseClarification:
		return 5
	case PhaseDecomposition:
		return 20
	case PhaseResearch:
		return 50
	case PhaseSynthesis:
		return 70
	case PhaseReview:
		return 85
	case PhaseRefinement:
		return 92
	case PhaseFinal:
		return 100
	default:
		return 0
	}
}

// Subtask is one decomposed research question with a stable identifier.
type Subtask struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Summary is the structured condensation of evidence gathered for one
// subtask. Failed gathering attempts still produce a Summary with a
// placeholder text and no sources, so downstream phases always see one
// record per attempted subtask.
type Summary struct {
	SubtaskID  string   `json:"subtask_id"`
	Text       string   `json:"text"`
	SourceURLs []string `json:"source_urls"`
}

// IsPlaceholder reports whether the summary records a failed attempt.
func (s Summary) IsPlaceholder() bool {
	return len(s.Text) >= 7 && s.Text[:7] == "[Error:"
}

// maxLogEntryLen bounds individual log entries so the append-only log
// cannot grow without limit from large model outputs.
const maxLogEntryLen = 500

// Context is the mutable per-session research record. It is exclusively
// owned by one Orchestrator; all mutation happens under the session's
// advancement lock.
type Context struct {
	OriginalPrompt string
	CurrentPrompt  string
	UnifiedTopic   string

	Phase Phase

	ClarifyingQuestions []string
	NeedsClarification  bool
	ReadyMessage        string
	ClarifyRounds       int

	Subtasks  []Subtask
	Summaries []Summary

	FollowUpSubtasks  []Subtask
	FollowUpSummaries []Summary

	DraftAnswer string
	FinalAnswer string

	// AllSources is the deduplicated union of every summary's URLs,
	// preserving first-seen order.
	AllSources []string

	Log []string

	ErrorMessage string

	CreatedAt time.Time
}

// NewContext creates a research context for a query.
func NewContext(prompt string) *Context {
	return &Context{
		OriginalPrompt: prompt,
		CurrentPrompt:  prompt,
		Phase:          PhaseClarification,
		CreatedAt:      time.Now(),
	}
}

// AppendLog appends a formatted, length-bounded entry to the session log.
func (c *Context) AppendLog(format string, args ...interface{}) {
	entry := fmt.Sprintf(format, args...)
	c.Log = append(c.Log, util.TruncateString(entry, maxLogEntryLen, true))
}

// SetError records a terminal error. Once set, the orchestrator stops
// advancing phases for this session.
func (c *Context) SetError(format string, args ...interface{}) {
	c.ErrorMessage = fmt.Sprintf(format, args...)
	c.AppendLog("error: %s", c.ErrorMessage)
}

// HasError reports whether a terminal error has been recorded.
func (c *Context) HasError() bool {
	return c.ErrorMessage != ""
}

// AddSources merges URLs into AllSources, dropping duplicates and blanks.
func (c *Context) AddSources(urls []string) {
	for _, u := range urls {
		if u == "" || util.ContainsString(c.AllSources, u) {
			continue
		}
		c.AllSources = append(c.AllSources, u)
	}
}

// BestAnswer returns the most complete answer available: the final answer
// once the pipeline finished, otherwise the draft.
func (c *Context) BestAnswer() string {
	if c.FinalAnswer != "" {
		return c.FinalAnswer
	}
	return c.DraftAnswer
}
