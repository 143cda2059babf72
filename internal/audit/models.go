package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - Actor and IP capture are best-effort; do not block critical flows on audit failures.
//
// Storage: table audit_events, INSERT only.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`

	// ActorUserID is the authenticated user causing the event; empty for system jobs.
	ActorUserID string `json:"actorUserId,omitempty"`
	ActorRole   string `json:"actorRole,omitempty"`
	IPAddress   string `json:"ipAddress,omitempty"`

	// SubjectUserID is the account owner the event concerns.
	SubjectUserID string `json:"subjectUserId,omitempty"`
	// Reference is an operation id, order id or call id.
	Reference string `json:"reference,omitempty"`

	Message string `json:"message,omitempty"`
	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

type EventType string

const (
	EventTypeAdminAction EventType = "admin_action"
	// EventTypeIntegrity records an invariant violation that was refused.
	EventTypeIntegrity EventType = "integrity_incident"
)
