package research

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/candorlabs/researchd/internal/capability"
	"github.com/candorlabs/researchd/internal/llmparse"
	"github.com/candorlabs/researchd/internal/metrics"
	"github.com/candorlabs/researchd/internal/util"
)

// EventSink receives session lifecycle events for live streaming. A nil
// sink disables streaming.
type EventSink interface {
	Publish(sessionID, eventType, message string)
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Completer capability.Completer
	Searcher  capability.Searcher
	Logger    *zap.Logger
	Events    EventSink
	// OnComplete runs once when the pipeline reaches its final answer,
	// e.g. to populate the semantic result cache.
	OnComplete func(query, answer string)
}

// Orchestrator owns one session's Context and drives it through the
// pipeline phases. Phase advancement is serialized per session: at most
// one advancement runs at a time, and all Context mutation happens under
// the session mutex while collaborator I/O runs outside it. Status reads
// take lightweight snapshots and may run concurrently with an in-flight
// advancement.
type Orchestrator struct {
	id string

	clarifier   *Clarifier
	decomposer  *Decomposer
	gatherer    *Gatherer
	synthesizer *Synthesizer
	reviewer    *Reviewer

	logger     *zap.Logger
	events     EventSink
	onComplete func(query, answer string)

	bg     context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	rc      *Context
	running bool
}

// NewOrchestrator creates the orchestrator for one session.
func NewOrchestrator(id, prompt string, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_id", id))
	parser := llmparse.NewParser(logger)

	bg, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		id:          id,
		clarifier:   NewClarifier(deps.Completer, parser, logger),
		decomposer:  NewDecomposer(deps.Completer, parser, logger),
		gatherer:    NewGatherer(deps.Searcher, deps.Completer, parser, logger),
		synthesizer: NewSynthesizer(deps.Completer, parser, logger),
		reviewer:    NewReviewer(deps.Completer, parser, logger),
		logger:      logger,
		events:      deps.Events,
		onComplete:  deps.OnComplete,
		bg:          bg,
		cancel:      cancel,
		rc:          NewContext(prompt),
	}
}

// ID returns the session identifier.
func (o *Orchestrator) ID() string { return o.id }

// Cancel stops any in-flight background advancement. Called on session
// eviction; idempotent.
func (o *Orchestrator) Cancel() { o.cancel() }

// apply runs fn with exclusive access to the research context.
func (o *Orchestrator) apply(fn func(rc *Context)) {
	o.mu.Lock()
	fn(o.rc)
	o.mu.Unlock()
}

func (o *Orchestrator) publish(eventType, message string) {
	if o.events != nil {
		o.events.Publish(o.id, eventType, message)
	}
}

// Status is a point-in-time snapshot of the session.
type Status struct {
	SessionID  string    `json:"session_id"`
	Phase      string    `json:"phase"`
	Progress   int       `json:"progress"`
	StatusText string    `json:"status_text"`
	Subtasks   []Subtask `json:"subtasks"`
	Log        []string  `json:"log"`
	IsComplete bool      `json:"is_complete"`
	Error      string    `json:"error,omitempty"`
}

// Results is the best available answer for the session.
type Results struct {
	Answer    string   `json:"answer"`
	WordCount int      `json:"word_count"`
	Sources   []string `json:"sources"`
	IsFinal   bool     `json:"is_final"`
}

// ClarifyOutcome is the caller-visible result of one clarification round.
type ClarifyOutcome struct {
	Questions          []string `json:"questions"`
	NeedsClarification bool     `json:"needs_clarification"`
	StatusText         string   `json:"status_text"`
}

// Status returns a snapshot of the session state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	rc := o.rc
	st := Status{
		SessionID:  o.id,
		Phase:      rc.Phase.String(),
		Progress:   rc.Phase.Progress(),
		StatusText: statusText(rc),
		Subtasks:   append([]Subtask(nil), rc.Subtasks...),
		Log:        append([]string(nil), rc.Log...),
		IsComplete: rc.Phase == PhaseFinal,
		Error:      rc.ErrorMessage,
	}
	return st
}

// Results returns the best available answer: the final polished answer
// once the pipeline finished, otherwise the current draft. An errored
// session still returns whatever partial state exists.
func (o *Orchestrator) Results() Results {
	o.mu.Lock()
	defer o.mu.Unlock()

	rc := o.rc
	answer := rc.BestAnswer()
	return Results{
		Answer:    answer,
		WordCount: util.WordCount(answer),
		Sources:   append([]string(nil), rc.AllSources...),
		IsFinal:   rc.Phase == PhaseFinal && rc.FinalAnswer != "",
	}
}

func statusText(rc *Context) string {
	if rc.HasError() {
		return "failed: " + rc.ErrorMessage
	}
	switch rc.Phase {
	case PhaseClarification:
		if rc.NeedsClarification {
			return "awaiting clarification"
		}
		return "clarifying query"
	case PhaseDecomposition:
		return "decomposing topic"
	case PhaseResearch:
		return "gathering evidence"
	case PhaseSynthesis:
		return "synthesizing draft"
	case PhaseReview:
		return "reviewing draft"
	case PhaseRefinement:
		return "refining draft"
	case PhaseFinal:
		return "complete"
	default:
		return ""
	}
}

// beginRun acquires the session's single advancement slot.
func (o *Orchestrator) beginRun() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.rc.HasError() {
		return ErrSessionFailed
	}
	if o.running {
		return ErrAdvanceInProgress
	}
	o.running = true
	return nil
}

func (o *Orchestrator) endRun() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

func (o *Orchestrator) phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rc.Phase
}

// SubmitClarification runs one clarification round, folding optional user
// detail into the prompt first. Rounds are capped; the final round forces
// progression to decomposition. A failed round also forces progression,
// since the original prompt is still researchable.
func (o *Orchestrator) SubmitClarification(ctx context.Context, userInput string) (ClarifyOutcome, error) {
	o.mu.Lock()
	if o.rc.HasError() {
		o.mu.Unlock()
		return ClarifyOutcome{}, ErrSessionFailed
	}
	if o.rc.Phase != PhaseClarification {
		o.mu.Unlock()
		return ClarifyOutcome{}, ErrInvalidState
	}
	if o.running {
		o.mu.Unlock()
		return ClarifyOutcome{}, ErrAdvanceInProgress
	}
	o.running = true
	if strings.TrimSpace(userInput) != "" {
		o.rc.CurrentPrompt = o.rc.CurrentPrompt + "\n\nAdditional detail: " + userInput
	}
	o.rc.ClarifyRounds++
	round := o.rc.ClarifyRounds
	prompt := o.rc.CurrentPrompt
	o.mu.Unlock()
	defer o.endRun()

	out, err := o.clarifier.Round(ctx, prompt)
	if err != nil {
		o.logger.Warn("Clarification round failed, proceeding with current prompt", zap.Error(err))
		o.apply(func(rc *Context) {
			rc.NeedsClarification = false
			rc.ReadyMessage = "ready"
			rc.Phase = PhaseDecomposition
			rc.AppendLog("clarification round %d failed, proceeding", round)
		})
		return ClarifyOutcome{StatusText: "ready"}, nil
	}

	needs := NeedsMoreInput(out) && round < maxClarifyRounds
	o.apply(func(rc *Context) {
		rc.ClarifyingQuestions = out.ClarifyingQuestions
		rc.NeedsClarification = needs
		rc.ReadyMessage = out.ReadyToProceedMessage
		if !needs {
			if strings.TrimSpace(out.UnifiedPrompt) != "" {
				rc.CurrentPrompt = out.UnifiedPrompt
			}
			rc.Phase = PhaseDecomposition
		}
		rc.AppendLog("clarification round %d: %d questions", round, len(out.ClarifyingQuestions))
	})

	outcome := ClarifyOutcome{
		NeedsClarification: needs,
		StatusText:         out.ReadyToProceedMessage,
	}
	if needs {
		outcome.Questions = out.ClarifyingQuestions
	}
	return outcome, nil
}

// Advance launches the full remaining pipeline as a detached background
// task. The caller polls Status while it runs. Advancing a finished
// session is a no-op.
func (o *Orchestrator) Advance() error {
	o.mu.Lock()
	if o.rc.HasError() {
		o.mu.Unlock()
		return ErrSessionFailed
	}
	if o.rc.Phase == PhaseFinal {
		o.mu.Unlock()
		return nil
	}
	if o.running {
		o.mu.Unlock()
		return ErrAdvanceInProgress
	}
	o.running = true
	o.mu.Unlock()

	go o.runPipeline()
	return nil
}

// runPipeline drives all remaining phases. Panics are captured into the
// session error rather than crashing the process.
func (o *Orchestrator) runPipeline() {
	defer o.endRun()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Pipeline run panicked", zap.Any("panic", r))
			o.apply(func(rc *Context) {
				rc.SetError("unexpected failure: %v", r)
			})
			o.publish("SESSION_FAILED", "unexpected failure")
		}
	}()

	ctx := o.bg
	for {
		if ctx.Err() != nil {
			o.logger.Info("Pipeline run cancelled")
			return
		}

		o.mu.Lock()
		phase := o.rc.Phase
		failed := o.rc.HasError()
		o.mu.Unlock()

		if failed || phase == PhaseFinal {
			return
		}

		switch phase {
		case PhaseClarification:
			o.skipClarification()
		case PhaseDecomposition:
			o.stepDecomposition(ctx)
		case PhaseResearch:
			o.stepResearch(ctx)
		case PhaseSynthesis:
			o.stepSynthesis(ctx)
		case PhaseReview, PhaseRefinement:
			o.stepReview(ctx)
		}
	}
}

// RunDecomposition advances exactly one phase: clarification (skipped if
// still pending) through decomposition. No-op once decomposition is done.
func (o *Orchestrator) RunDecomposition(ctx context.Context) error {
	if err := o.beginRun(); err != nil {
		return err
	}
	defer o.endRun()

	if o.phase() == PhaseClarification {
		o.skipClarification()
	}
	if o.phase() != PhaseDecomposition {
		return nil
	}
	o.stepDecomposition(ctx)
	return nil
}

// RunResearch gathers evidence for every subtask. Calling it again after
// the phase already ran deliberately re-runs the gathering, supporting
// resumption from an intermediate decomposition state.
func (o *Orchestrator) RunResearch(ctx context.Context) error {
	if err := o.beginRun(); err != nil {
		return err
	}
	defer o.endRun()

	switch p := o.phase(); {
	case p < PhaseResearch:
		return ErrInvalidState
	case p == PhaseFinal:
		return nil
	}
	o.stepResearch(ctx)
	return nil
}

// RunSynthesis combines the gathered summaries into a draft. No-op once
// the draft exists.
func (o *Orchestrator) RunSynthesis(ctx context.Context) error {
	if err := o.beginRun(); err != nil {
		return err
	}
	defer o.endRun()

	switch p := o.phase(); {
	case p < PhaseSynthesis:
		return ErrInvalidState
	case p > PhaseSynthesis:
		return nil
	}
	o.stepSynthesis(ctx)
	return nil
}

// RunReview critiques the draft, performs follow-up refinement, and
// finalizes the answer. No-op once final.
func (o *Orchestrator) RunReview(ctx context.Context) error {
	if err := o.beginRun(); err != nil {
		return err
	}
	defer o.endRun()

	switch p := o.phase(); {
	case p < PhaseReview:
		return ErrInvalidState
	case p == PhaseFinal:
		return nil
	}
	o.stepReview(ctx)
	return nil
}

// Feedback re-runs a feedback-incorporation call against the current best
// answer. Valid only once a reviewed draft or final answer exists.
func (o *Orchestrator) Feedback(ctx context.Context, text string) (string, error) {
	o.mu.Lock()
	if o.rc.Phase < PhaseReview {
		o.mu.Unlock()
		return "", ErrInvalidState
	}
	if o.running {
		o.mu.Unlock()
		return "", ErrAdvanceInProgress
	}
	answer := o.rc.BestAnswer()
	if answer == "" {
		o.mu.Unlock()
		return "", ErrInvalidState
	}
	o.running = true
	o.mu.Unlock()
	defer o.endRun()

	revised, err := o.reviewer.IncorporateFeedback(ctx, answer, text)
	if err != nil {
		return "", err
	}

	o.apply(func(rc *Context) {
		if rc.Phase == PhaseFinal {
			rc.FinalAnswer = revised
		} else {
			rc.DraftAnswer = revised
		}
		rc.AppendLog("feedback incorporated")
	})
	return revised, nil
}

// skipClarification forces progression out of the clarification phase,
// researching the prompt as given.
func (o *Orchestrator) skipClarification() {
	o.apply(func(rc *Context) {
		if rc.Phase != PhaseClarification {
			return
		}
		rc.NeedsClarification = false
		rc.Phase = PhaseDecomposition
		rc.AppendLog("clarification skipped")
	})
}

func (o *Orchestrator) observePhase(phase Phase, start time.Time, failed bool) {
	status := "success"
	if failed {
		status = "error"
	}
	metrics.PhaseRuns.WithLabelValues(phase.String(), status).Inc()
	metrics.PhaseDuration.WithLabelValues(phase.String()).Observe(time.Since(start).Seconds())
}

func (o *Orchestrator) stepDecomposition(ctx context.Context) {
	start := time.Now()
	o.publish("PHASE_STARTED", "decomposition")

	o.mu.Lock()
	prompt := o.rc.CurrentPrompt
	o.mu.Unlock()

	topic, subtasks, err := o.decomposer.Decompose(ctx, prompt)
	if err != nil {
		o.apply(func(rc *Context) {
			rc.SetError("decomposition failed: %v", err)
		})
		o.observePhase(PhaseDecomposition, start, true)
		o.publish("PHASE_FAILED", "decomposition")
		return
	}

	o.apply(func(rc *Context) {
		rc.UnifiedTopic = topic
		rc.Subtasks = subtasks
		rc.Phase = PhaseResearch
		rc.AppendLog("decomposed into %d subtasks", len(subtasks))
	})
	o.observePhase(PhaseDecomposition, start, false)
	o.publish("PHASE_COMPLETED", "decomposition")
}

func (o *Orchestrator) stepResearch(ctx context.Context) {
	start := time.Now()
	o.publish("PHASE_STARTED", "research")

	o.mu.Lock()
	subtasks := append([]Subtask(nil), o.rc.Subtasks...)
	topic := o.rc.UnifiedTopic
	o.rc.Summaries = nil
	o.mu.Unlock()

	usable := 0
	for _, st := range subtasks {
		sum, err := o.gatherer.Research(ctx, st, topic)
		if err != nil {
			o.logger.Warn("Evidence gathering failed for subtask",
				zap.String("subtask_id", st.ID),
				zap.Error(err),
			)
			sum = PlaceholderSummary(st.ID, err)
		} else {
			usable++
		}
		o.apply(func(rc *Context) {
			rc.Summaries = append(rc.Summaries, sum)
			rc.AddSources(sum.SourceURLs)
			rc.AppendLog("gathered evidence for %s", st.ID)
		})
		o.publish("SUBTASK_COMPLETED", st.ID)
	}

	o.apply(func(rc *Context) {
		if usable == 0 {
			rc.AppendLog("research produced no usable summaries, synthesis will use fallback")
		}
		if rc.Phase == PhaseResearch {
			rc.Phase = PhaseSynthesis
		}
	})
	o.observePhase(PhaseResearch, start, usable == 0)
	o.publish("PHASE_COMPLETED", "research")
}

func (o *Orchestrator) stepSynthesis(ctx context.Context) {
	start := time.Now()
	o.publish("PHASE_STARTED", "synthesis")

	o.mu.Lock()
	summaries := append([]Summary(nil), o.rc.Summaries...)
	prompt := o.rc.OriginalPrompt
	topic := o.rc.UnifiedTopic
	o.mu.Unlock()

	draft, err := o.synthesizer.Combine(ctx, summaries, prompt, topic)
	if err != nil {
		// A session without any draft cannot continue meaningfully.
		o.apply(func(rc *Context) {
			rc.SetError("synthesis failed: %v", err)
		})
		o.observePhase(PhaseSynthesis, start, true)
		o.publish("PHASE_FAILED", "synthesis")
		return
	}

	o.apply(func(rc *Context) {
		rc.DraftAnswer = draft
		rc.Phase = PhaseReview
		rc.AppendLog("draft synthesized from %d summaries", len(summaries))
	})
	o.observePhase(PhaseSynthesis, start, false)
	o.publish("PHASE_COMPLETED", "synthesis")
}

func (o *Orchestrator) stepReview(ctx context.Context) {
	start := time.Now()
	o.publish("PHASE_STARTED", "review")

	o.mu.Lock()
	phase := o.rc.Phase
	draft := o.rc.DraftAnswer
	summaries := append([]Summary(nil), o.rc.Summaries...)
	prompt := o.rc.OriginalPrompt
	topic := o.rc.UnifiedTopic
	followUps := append([]Subtask(nil), o.rc.FollowUpSubtasks...)
	gathered := len(o.rc.FollowUpSummaries)
	o.mu.Unlock()

	if phase == PhaseReview {
		followUps = o.reviewer.Review(ctx, draft, summaries, prompt, topic)
		gathered = 0
		if len(followUps) > 0 {
			o.apply(func(rc *Context) {
				rc.FollowUpSubtasks = followUps
				rc.Phase = PhaseRefinement
				rc.AppendLog("review identified %d follow-up subtasks", len(followUps))
			})
		}
	}

	if len(followUps) > 0 {
		var fresh []Summary
		for _, fu := range followUps[gathered:] {
			sum, err := o.gatherer.Research(ctx, fu, topic)
			if err != nil {
				o.logger.Warn("Follow-up gathering failed",
					zap.String("subtask_id", fu.ID),
					zap.Error(err),
				)
				sum = PlaceholderSummary(fu.ID, err)
			}
			o.apply(func(rc *Context) {
				rc.FollowUpSummaries = append(rc.FollowUpSummaries, sum)
				rc.AddSources(sum.SourceURLs)
			})
			if !sum.IsPlaceholder() {
				fresh = append(fresh, sum)
			}
		}
		if len(fresh) > 0 {
			draft = o.reviewer.Merge(ctx, draft, fresh)
		}
	}

	o.mu.Lock()
	sources := append([]string(nil), o.rc.AllSources...)
	o.mu.Unlock()

	draft = o.reviewer.EnhanceCitations(ctx, draft, sources)
	final := o.reviewer.Polish(ctx, draft)

	var query string
	o.apply(func(rc *Context) {
		rc.DraftAnswer = draft
		rc.FinalAnswer = final
		rc.Phase = PhaseFinal
		rc.AppendLog("answer finalized, %d sources", len(rc.AllSources))
		query = rc.OriginalPrompt
	})
	o.observePhase(PhaseReview, start, false)
	o.publish("PHASE_COMPLETED", "review")
	o.publish("SESSION_COMPLETED", "final answer ready")

	if o.onComplete != nil && final != "" {
		o.onComplete(query, final)
	}
}
