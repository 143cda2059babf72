package calls

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a CallRecord.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusCalling   Status = "calling"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Evaluation is the provider's verdict on the call outcome.
type Evaluation string

const (
	EvaluationPositive Evaluation = "positive"
	EvaluationNegative Evaluation = "negative"
	EvaluationNeutral  Evaluation = "neutral"
)

// EvaluationFrom maps the provider's tri-state success flag.
func EvaluationFrom(success *bool) Evaluation {
	switch {
	case success == nil:
		return EvaluationNeutral
	case *success:
		return EvaluationPositive
	default:
		return EvaluationNegative
	}
}

// CallRecord is one outbound call attempt.
//
// ID doubles as the correlation id sent to the provider in call metadata.
// A record is terminal once SettledAt is set; Status may read "failed" before
// that when the provider signalled a failed end ahead of its final report.
// Records are never deleted.
type CallRecord struct {
	ID             string `json:"id"`
	UserID         string `json:"userId"`
	ExternalCallID string `json:"externalCallId,omitempty"`
	LeadRef        string `json:"leadRef,omitempty"`
	PhoneNumber    string `json:"phoneNumber"`
	AssistantRef   string `json:"assistantRef"`

	Status          Status     `json:"status"`
	DurationSeconds int        `json:"durationSeconds"`
	EndedReason     string     `json:"endedReason,omitempty"`
	Evaluation      Evaluation `json:"evaluation,omitempty"`
	Transcript      string     `json:"transcript,omitempty"`
	Summary         string     `json:"summary,omitempty"`
	RecordingURL    string     `json:"recordingUrl,omitempty"`

	CostEstimate   decimal.Decimal `json:"costEstimate"`
	ProviderCost   decimal.Decimal `json:"providerCost"`
	Charged        decimal.Decimal `json:"charged"`
	UnbilledAmount decimal.Decimal `json:"unbilledAmount"`

	SettledAt *time.Time `json:"settledAt,omitempty"`
	BilledAt  *time.Time `json:"billedAt,omitempty"`

	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Terminal reports whether the call reached its final status.
func (c CallRecord) Terminal() bool { return c.SettledAt != nil }

// NeedsBilling reports whether the call settled but its debit was not recorded yet.
func (c CallRecord) NeedsBilling() bool { return c.SettledAt != nil && c.BilledAt == nil }

// EventKind is a provider webhook message type.
type EventKind string

const (
	EventCallStart    EventKind = "call-start"
	EventStatusUpdate EventKind = "status-update"
	EventEndOfCall    EventKind = "end-of-call-report"
	EventAnalysis     EventKind = "call-analysis"
	EventMessage      EventKind = "message"
)

func (k EventKind) Known() bool {
	switch k {
	case EventCallStart, EventStatusUpdate, EventEndOfCall, EventAnalysis, EventMessage:
		return true
	}
	return false
}

// Event is a provider webhook normalized by the voice adapter.
type Event struct {
	Kind EventKind
	// CorrelationID is the CallRecord id echoed back from call metadata.
	CorrelationID  string
	ExternalCallID string

	// Status is the provider call status on status-update events ("ended", "in-progress", ...).
	Status          string
	EndedReason     string
	DurationSeconds int
	// Success is the provider's tri-state success evaluation.
	Success      *bool
	Transcript   string
	Summary      string
	RecordingURL string
	Cost         decimal.Decimal
	OccurredAt   time.Time
}
