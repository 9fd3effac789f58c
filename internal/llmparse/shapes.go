package llmparse

// The closed set of structured result shapes decoded from model output.
// One shape per engine call; every field is matched case-insensitively by
// encoding/json, and a shape that fails to decode is reported as absent
// rather than propagated as a partial value.

// Clarification is the output of one clarification round.
type Clarification struct {
	UnifiedPrompt         string   `json:"unified_prompt"`
	ClarifyingQuestions   []string `json:"clarifying_questions"`
	ReadyToProceedMessage string   `json:"ready_to_proceed_message"`
}

// Subtask is one decomposed research question.
type Subtask struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Decomposition is the output of the topic decomposition call.
type Decomposition struct {
	UnifiedTopic string    `json:"unified_topic"`
	Subtasks     []Subtask `json:"subtasks"`
}

// Summary is the condensed, cited evidence for one subtask.
type Summary struct {
	Summary    string   `json:"summary"`
	SourceURLs []string `json:"source_urls"`
}

// Synthesis is the combined narrative produced from a set of summaries.
type Synthesis struct {
	Narrative string `json:"narrative"`
}

// Review is the gap critique of a draft.
type Review struct {
	FollowUpSubtasks []Subtask `json:"follow_up_subtasks"`
}

// Merge is the result of folding follow-up evidence into a draft.
type Merge struct {
	UpdatedDraft string `json:"updated_draft"`
}

// Feedback is the result of a feedback-incorporation call.
type Feedback struct {
	RevisedAnswer string `json:"revised_answer"`
}
