package models

import "time"

// Provenance records where a decision's answer came from.
type Provenance string

const (
	// ProvenancePriorKnowledge means the answer was found literally in a knowledge source.
	ProvenancePriorKnowledge Provenance = "prior-knowledge"
	// ProvenanceInference means the answer was produced by a model call.
	ProvenanceInference Provenance = "inference"
	// ProvenanceHumanResponse means the answer came back through an escalation.
	ProvenanceHumanResponse Provenance = "human-response"
)

// Decision is an answered question. Decisions are immutable once recorded.
type Decision struct {
	ID         string     `json:"id"`
	RunID      string     `json:"runId,omitempty"`
	Step       int        `json:"step"`
	Question   string     `json:"question"`
	Answer     string     `json:"answer"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning,omitempty"`
	Provenance Provenance `json:"provenance"`
	DecidedAt  time.Time  `json:"decidedAt"`

	// EscalationID links an escalated attempt or a human answer to its escalation.
	EscalationID string `json:"escalationId,omitempty"`
}

// EscalationStatus tracks an escalation through human review.
type EscalationStatus string

const (
	// EscalationPending is waiting for a human answer.
	EscalationPending EscalationStatus = "pending"
	// EscalationResponded has an answer that has not yet been applied to the run.
	EscalationResponded EscalationStatus = "responded"
	// EscalationResolved has an answer the owning run has resumed with.
	EscalationResolved EscalationStatus = "resolved"
)

// Valid returns true if the status is a known value.
func (s EscalationStatus) Valid() bool {
	switch s {
	case EscalationPending, EscalationResponded, EscalationResolved:
		return true
	default:
		return false
	}
}

// Escalation is a decision that fell below the confidence threshold.
// Field names follow the persisted escalation record.
type Escalation struct {
	ID           string           `json:"id"`
	RunID        string           `json:"runId"`
	Workflow     string           `json:"workflow,omitempty"`
	Step         int              `json:"step"`
	Output       string           `json:"output,omitempty"`
	Question     string           `json:"question"`
	AIAnswer     string           `json:"aiAnswer"`
	AIConfidence float64          `json:"aiConfidence"`
	Reasoning    string           `json:"reasoning,omitempty"`
	Context      string           `json:"context"`
	Status       EscalationStatus `json:"status"`
	CreatedAt    time.Time        `json:"createdAt"`
	Response     string           `json:"response,omitempty"`
	RespondedAt  *time.Time       `json:"respondedAt,omitempty"`
	ResolvedAt   *time.Time       `json:"resolvedAt,omitempty"`
}

// AsDecision converts an answered escalation into the human-response decision
// that the run resumes with.
func (e *Escalation) AsDecision() *Decision {
	d := &Decision{
		RunID:        e.RunID,
		Step:         e.Step,
		Question:     e.Question,
		Answer:       e.Response,
		Confidence:   1.0,
		Reasoning:    "answered by a human reviewer",
		Provenance:   ProvenanceHumanResponse,
		DecidedAt:    time.Now().UTC(),
		EscalationID: e.ID,
	}
	if e.RespondedAt != nil {
		d.DecidedAt = *e.RespondedAt
	}
	return d
}
