// Package decision answers open questions autonomously when it is confident
// enough, and hands them to a human through the escalation queue when not.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/audit"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/metrics"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/provider"
	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

const (
	// DefaultThreshold is the minimum confidence for an autonomous answer.
	DefaultThreshold = 0.75
	// KnowledgeConfidence is assigned to answers found in a knowledge source.
	KnowledgeConfidence = 0.95

	defaultMaxTokens = 1024
)

const systemPrompt = `You answer one question for an automated workflow.
Reply in this format and nothing else:
ANSWER: <the answer, as short as possible>
REASONING: <one or two sentences>
If the context does not contain enough information, say so plainly.`

// ErrNoClient is returned when a question needs a model call but no client is configured.
var ErrNoClient = errors.New("decision engine has no model client")

// Completer is the part of a provider client the engine needs.
type Completer interface {
	Complete(ctx context.Context, req provider.Request) (*provider.Response, error)
}

// Escalator accepts escalations. *escalation.Queue satisfies it.
type Escalator interface {
	Add(ctx context.Context, esc *models.Escalation) (string, error)
}

// Question is one open question raised by a run.
type Question struct {
	RunID    string
	Workflow string
	Step     int
	// Output is the variable the answer will be bound to.
	Output   string
	Question string
	Context  string
}

// Outcome is the result of Decide. When Pending is set the run must not use
// Decision.Answer; it waits for the escalation instead.
type Outcome struct {
	Decision     *models.Decision
	Pending      bool
	EscalationID string
}

// Engine decides questions.
type Engine struct {
	client    Completer
	queue     Escalator
	knowledge KnowledgeSource
	scorer    Scorer
	recorder  audit.Recorder
	metrics   metrics.DecisionMetrics
	threshold float64
	maxTokens int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithKnowledge sets the knowledge source consulted before the model.
func WithKnowledge(k KnowledgeSource) Option {
	return func(e *Engine) { e.knowledge = k }
}

// WithScorer replaces the default HeuristicScorer.
func WithScorer(s Scorer) Option {
	return func(e *Engine) { e.scorer = s }
}

// WithRecorder appends every decision to an audit log.
func WithRecorder(r audit.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithMetrics counts decisions by provenance.
func WithMetrics(m metrics.DecisionMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithThreshold sets the escalation threshold. Values outside (0,1] are ignored.
func WithThreshold(t float64) Option {
	return func(e *Engine) {
		if t > 0 && t <= 1 {
			e.threshold = t
		}
	}
}

// New creates an engine that asks client and escalates to queue.
func New(client Completer, queue Escalator, opts ...Option) *Engine {
	e := &Engine{
		client:    client,
		queue:     queue,
		scorer:    HeuristicScorer{},
		metrics:   metrics.Noop{},
		threshold: DefaultThreshold,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Threshold returns the escalation threshold in use.
func (e *Engine) Threshold() float64 { return e.threshold }

// Decide answers q. A known answer wins outright. Otherwise the model is asked
// at temperature 0 and its answer scored; a score below the threshold becomes
// an escalation and the outcome is pending.
func (e *Engine) Decide(ctx context.Context, q Question) (*Outcome, error) {
	if strings.TrimSpace(q.Question) == "" {
		return nil, errors.New("decide: empty question")
	}

	if e.knowledge != nil {
		if answer, ok := e.knowledge.Lookup(q.Question); ok {
			d := e.newDecision(q, answer, KnowledgeConfidence, "answer found in knowledge source", models.ProvenancePriorKnowledge)
			e.record(ctx, d)
			log.Printf("[decision] run %s step %d answered from knowledge", q.RunID, q.Step)
			return &Outcome{Decision: d}, nil
		}
	}

	if e.client == nil {
		if e.queue == nil {
			return nil, ErrNoClient
		}
		d := e.newDecision(q, "", 0, "no model client configured", models.ProvenanceInference)
		return e.escalate(ctx, q, d)
	}

	temp := 0.0
	resp, err := e.client.Complete(ctx, provider.Request{
		System:      systemPrompt,
		Prompt:      buildPrompt(q),
		MaxTokens:   e.maxTokens,
		Temperature: &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("decide: %w", err)
	}

	answer, reasoning := parseAnswer(resp.Text)
	score := e.scorer.Score(q, answer)
	if len(score.Reasons) > 0 {
		reasoning = strings.TrimSpace(reasoning + " [confidence: " + strings.Join(score.Reasons, "; ") + "]")
	}
	d := e.newDecision(q, answer, score.Confidence, reasoning, models.ProvenanceInference)

	if d.Confidence >= e.threshold {
		e.record(ctx, d)
		log.Printf("[decision] run %s step %d answered with confidence %.2f", q.RunID, q.Step, d.Confidence)
		return &Outcome{Decision: d}, nil
	}

	if e.queue == nil {
		return nil, fmt.Errorf("decide: confidence %.2f below %.2f and no escalation queue", d.Confidence, e.threshold)
	}
	return e.escalate(ctx, q, d)
}

// escalate queues d for a human and reports the outcome as pending.
func (e *Engine) escalate(ctx context.Context, q Question, d *models.Decision) (*Outcome, error) {
	id, err := e.queue.Add(ctx, &models.Escalation{
		RunID:        q.RunID,
		Workflow:     q.Workflow,
		Step:         q.Step,
		Output:       q.Output,
		Question:     q.Question,
		AIAnswer:     d.Answer,
		AIConfidence: d.Confidence,
		Reasoning:    d.Reasoning,
		Context:      q.Context,
	})
	if id == "" {
		return nil, fmt.Errorf("decide: escalate: %w", err)
	}
	if err != nil {
		// The record is durable; a failed pause is repaired when the run parks itself.
		log.Printf("[decision] escalation %s stored but pause failed: %v", id, err)
	}
	d.EscalationID = id
	e.record(ctx, d)
	log.Printf("[decision] run %s step %d escalated as %s (confidence %.2f < %.2f)", q.RunID, q.Step, id, d.Confidence, e.threshold)
	return &Outcome{Decision: d, Pending: true, EscalationID: id}, nil
}

func (e *Engine) newDecision(q Question, answer string, confidence float64, reasoning string, prov models.Provenance) *models.Decision {
	return &models.Decision{
		ID:         uuid.New().String(),
		RunID:      q.RunID,
		Step:       q.Step,
		Question:   q.Question,
		Answer:     answer,
		Confidence: confidence,
		Reasoning:  reasoning,
		Provenance: prov,
		DecidedAt:  time.Now().UTC(),
	}
}

func (e *Engine) record(ctx context.Context, d *models.Decision) {
	e.metrics.IncDecision(string(d.Provenance))
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(ctx, d); err != nil {
		log.Printf("[decision] failed to record decision %s: %v", d.ID, err)
	}
}

func buildPrompt(q Question) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(strings.TrimSpace(q.Question))
	b.WriteString("\n\nContext:\n")
	if c := strings.TrimSpace(q.Context); c != "" {
		b.WriteString(c)
	} else {
		b.WriteString("(none)")
	}
	b.WriteString("\n")
	return b.String()
}

var (
	answerPattern    = regexp.MustCompile(`(?is)ANSWER:\s*(.*?)\s*(?:\n\s*REASONING:|$)`)
	reasoningPattern = regexp.MustCompile(`(?is)REASONING:\s*(.*)$`)
)

// parseAnswer splits a reply into answer and reasoning. Replies that ignore
// the requested format are taken whole as the answer.
func parseAnswer(text string) (answer, reasoning string) {
	text = strings.TrimSpace(text)
	if m := answerPattern.FindStringSubmatch(text); len(m) == 2 {
		answer = strings.TrimSpace(m[1])
		if r := reasoningPattern.FindStringSubmatch(text); len(r) == 2 {
			reasoning = strings.TrimSpace(r[1])
		}
		return answer, reasoning
	}
	return text, ""
}
