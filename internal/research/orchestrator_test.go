package research

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/candorlabs/researchd/internal/capability"
)

const housingQuery = "impact of remote work on urban housing markets"

// pipelineCompleter answers every pipeline function with a well-formed
// response, simulating a cooperative completion capability.
func pipelineCompleter() capability.CompleterFunc {
	return func(ctx context.Context, function string, args capability.Args) (string, error) {
		switch function {
		case "clarify_query":
			return `{"unified_prompt": "` + housingQuery + `", "clarifying_questions": [], "ready_to_proceed_message": "ready"}`, nil
		case "decompose_topic":
			return `{
				"unified_topic": "remote work and urban housing",
				"subtasks": [
					{"id": "st-1", "description": "How has remote work adoption shifted residential demand away from city centers?"},
					{"id": "st-2", "description": "What rent and price trends have urban cores seen since widespread remote work began?"},
					{"id": "st-3", "description": "How have suburban and exurban housing markets absorbed relocating remote workers?"},
					{"id": "st-4", "description": "What has happened to office vacancy rates and office-to-residential conversion activity?"},
					{"id": "st-5", "description": "How have municipal tax revenues and services responded to changing occupancy patterns?"}
				]
			}`, nil
		case "summarize_search":
			id, _ := args["subtask_id"].(string)
			return fmt.Sprintf(`{"summary": "evidence for %s [1]", "source_urls": ["https://example.com/%s"]}`, id, id), nil
		case "combine_summaries":
			return `{"narrative": "a coherent draft covering demand shifts, prices, suburbs, offices, and tax bases"}`, nil
		case "review_draft":
			return `{"follow_up_subtasks": []}`, nil
		case "enhance_citations":
			return "a coherent draft with bracketed citations [1][2]", nil
		default:
			return "", fmt.Errorf("unexpected function %q", function)
		}
	}
}

func newTestOrchestrator(t *testing.T, completer capability.Completer, searcher capability.Searcher) *Orchestrator {
	o := NewOrchestrator("sess-1", housingQuery, Deps{
		Completer: completer,
		Searcher:  searcher,
		Logger:    zaptest.NewLogger(t),
	})
	t.Cleanup(o.Cancel)
	return o
}

func waitForCompletion(t *testing.T, o *Orchestrator) Status {
	t.Helper()
	require.Eventually(t, func() bool {
		st := o.Status()
		return st.IsComplete || st.Error != ""
	}, 5*time.Second, 10*time.Millisecond)
	return o.Status()
}

func TestOrchestrator_FullPipeline(t *testing.T) {
	o := newTestOrchestrator(t, pipelineCompleter(), okSearcher())

	out, err := o.SubmitClarification(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, out.NeedsClarification)
	assert.Empty(t, out.Questions)

	require.NoError(t, o.Advance())
	st := waitForCompletion(t, o)
	require.Empty(t, st.Error)
	assert.True(t, st.IsComplete)
	assert.Equal(t, "final", st.Phase)
	assert.Equal(t, 100, st.Progress)
	assert.GreaterOrEqual(t, len(st.Subtasks), 5)

	res := o.Results()
	assert.True(t, res.IsFinal)
	assert.NotEmpty(t, res.Answer)
	assert.Greater(t, res.WordCount, 0)

	// One deduplicated source per subtask.
	require.Len(t, res.Sources, 5)
	seen := map[string]bool{}
	for _, src := range res.Sources {
		assert.False(t, seen[src], "duplicate source %s", src)
		seen[src] = true
	}
}

func TestOrchestrator_AdvanceSkipsClarification(t *testing.T) {
	o := newTestOrchestrator(t, pipelineCompleter(), okSearcher())

	require.NoError(t, o.Advance())
	st := waitForCompletion(t, o)
	assert.True(t, st.IsComplete)
}

func TestOrchestrator_ClarificationLoop(t *testing.T) {
	rounds := 0
	completer := capability.CompleterFunc(func(ctx context.Context, function string, args capability.Args) (string, error) {
		if function == "clarify_query" {
			rounds++
			return `{"unified_prompt": "", "clarifying_questions": ["Which city?"], "ready_to_proceed_message": "need more detail"}`, nil
		}
		return pipelineCompleter()(ctx, function, args)
	})
	o := newTestOrchestrator(t, completer, okSearcher())

	out, err := o.SubmitClarification(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, out.NeedsClarification)
	assert.Equal(t, []string{"Which city?"}, out.Questions)
	assert.Equal(t, "clarification", o.Status().Phase)

	_, err = o.SubmitClarification(context.Background(), "Seattle")
	require.NoError(t, err)

	// Third round hits the cap and forces progression even though the
	// model still asks for more.
	out, err = o.SubmitClarification(context.Background(), "downtown only")
	require.NoError(t, err)
	assert.False(t, out.NeedsClarification)
	assert.Equal(t, "decomposition", o.Status().Phase)
	assert.Equal(t, 3, rounds)

	_, err = o.SubmitClarification(context.Background(), "more")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestOrchestrator_ClarificationFailureForcesProgress(t *testing.T) {
	completer := capability.CompleterFunc(func(ctx context.Context, function string, args capability.Args) (string, error) {
		if function == "clarify_query" {
			return "", errors.New("capability down")
		}
		return pipelineCompleter()(ctx, function, args)
	})
	o := newTestOrchestrator(t, completer, okSearcher())

	out, err := o.SubmitClarification(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, out.NeedsClarification)
	assert.Equal(t, "decomposition", o.Status().Phase)
}

func TestOrchestrator_SearchAlwaysFails(t *testing.T) {
	searcher := capability.SearcherFunc(func(ctx context.Context, query string) (capability.SearchResponse, error) {
		return capability.SearchResponse{}, errors.New("search down")
	})
	o := newTestOrchestrator(t, pipelineCompleter(), searcher)

	require.NoError(t, o.Advance())
	st := waitForCompletion(t, o)

	// Every summary is a placeholder but synthesis still yields a draft,
	// so the session completes without entering an error state.
	require.Empty(t, st.Error)
	assert.True(t, st.IsComplete)

	res := o.Results()
	assert.NotEmpty(t, res.Answer)
	assert.Empty(t, res.Sources)
}

func TestOrchestrator_SynthesisTotalFailureIsTerminal(t *testing.T) {
	completer := capability.CompleterFunc(func(ctx context.Context, function string, args capability.Args) (string, error) {
		switch function {
		case "combine_summaries", "combine_summaries_simple":
			return "", errors.New("capability down")
		default:
			return pipelineCompleter()(ctx, function, args)
		}
	})
	o := newTestOrchestrator(t, completer, okSearcher())

	require.NoError(t, o.Advance())
	st := waitForCompletion(t, o)
	require.NotEmpty(t, st.Error)
	assert.False(t, st.IsComplete)

	// The session stays queryable and returns partial state.
	res := o.Results()
	assert.False(t, res.IsFinal)
	assert.NotEmpty(t, res.Sources)

	assert.ErrorIs(t, o.Advance(), ErrSessionFailed)
}

func TestOrchestrator_DecompositionFailureIsTerminal(t *testing.T) {
	completer := capability.CompleterFunc(func(ctx context.Context, function string, args capability.Args) (string, error) {
		if function == "decompose_topic" {
			return "no json here", nil
		}
		return pipelineCompleter()(ctx, function, args)
	})
	o := newTestOrchestrator(t, completer, okSearcher())

	require.NoError(t, o.Advance())
	st := waitForCompletion(t, o)
	assert.NotEmpty(t, st.Error)
	assert.Equal(t, "decomposition", st.Phase)
}

func TestOrchestrator_RefinementMergesFollowUps(t *testing.T) {
	reviewed := false
	completer := capability.CompleterFunc(func(ctx context.Context, function string, args capability.Args) (string, error) {
		switch function {
		case "review_draft":
			if reviewed {
				return `{"follow_up_subtasks": []}`, nil
			}
			reviewed = true
			return `{"follow_up_subtasks": [{"id": "fu-1", "description": "What do conversion permit volumes show for office-to-residential projects?"}]}`, nil
		case "merge_follow_ups":
			return `{"updated_draft": "draft with follow-up evidence folded in"}`, nil
		default:
			return pipelineCompleter()(ctx, function, args)
		}
	})
	o := newTestOrchestrator(t, completer, okSearcher())

	require.NoError(t, o.Advance())
	st := waitForCompletion(t, o)
	require.Empty(t, st.Error)

	res := o.Results()
	assert.True(t, res.IsFinal)
	// The follow-up's source joins the deduplicated set.
	assert.Contains(t, res.Sources, "https://example.com/fu-1")
}

func TestOrchestrator_PhaseEntryPoints(t *testing.T) {
	o := newTestOrchestrator(t, pipelineCompleter(), okSearcher())
	ctx := context.Background()

	require.NoError(t, o.RunDecomposition(ctx))
	assert.Equal(t, "research", o.Status().Phase)

	// Re-invoking a completed phase is a status no-op.
	require.NoError(t, o.RunDecomposition(ctx))
	assert.Equal(t, "research", o.Status().Phase)

	require.NoError(t, o.RunResearch(ctx))
	assert.Equal(t, "synthesis", o.Status().Phase)

	require.NoError(t, o.RunSynthesis(ctx))
	assert.Equal(t, "review", o.Status().Phase)

	require.NoError(t, o.RunReview(ctx))
	assert.Equal(t, "final", o.Status().Phase)

	// Completed phases stay no-ops after the pipeline finished.
	assert.NoError(t, o.RunSynthesis(ctx))
}

func TestOrchestrator_RunPhaseOutOfOrder(t *testing.T) {
	o := newTestOrchestrator(t, pipelineCompleter(), okSearcher())

	assert.ErrorIs(t, o.RunSynthesis(context.Background()), ErrInvalidState)
	assert.ErrorIs(t, o.RunReview(context.Background()), ErrInvalidState)
}

func TestOrchestrator_ConcurrentAdvanceRejected(t *testing.T) {
	block := make(chan struct{})
	completer := capability.CompleterFunc(func(ctx context.Context, function string, args capability.Args) (string, error) {
		<-block
		return pipelineCompleter()(ctx, function, args)
	})
	o := newTestOrchestrator(t, completer, okSearcher())

	require.NoError(t, o.Advance())
	require.Eventually(t, func() bool {
		return o.Advance() == ErrAdvanceInProgress
	}, time.Second, 5*time.Millisecond)

	close(block)
	waitForCompletion(t, o)
}

func TestOrchestrator_Feedback(t *testing.T) {
	completer := capability.CompleterFunc(func(ctx context.Context, function string, args capability.Args) (string, error) {
		if function == "incorporate_feedback" {
			return `{"revised_answer": "answer with feedback applied"}`, nil
		}
		return pipelineCompleter()(ctx, function, args)
	})
	o := newTestOrchestrator(t, completer, okSearcher())

	_, err := o.Feedback(context.Background(), "too vague")
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, o.Advance())
	waitForCompletion(t, o)

	revised, err := o.Feedback(context.Background(), "too vague")
	require.NoError(t, err)
	assert.Equal(t, "answer with feedback applied", revised)
	assert.Equal(t, "answer with feedback applied", o.Results().Answer)
}

func TestOrchestrator_StatusSnapshotIsolated(t *testing.T) {
	o := newTestOrchestrator(t, pipelineCompleter(), okSearcher())
	require.NoError(t, o.Advance())
	waitForCompletion(t, o)

	st := o.Status()
	require.NotEmpty(t, st.Subtasks)
	st.Subtasks[0].ID = "mutated"
	assert.NotEqual(t, "mutated", o.Status().Subtasks[0].ID)
}
