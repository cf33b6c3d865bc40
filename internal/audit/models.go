package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - actor and ip capture are best-effort; do not block critical flows on audit failures.
type Event struct {
	ID string `json:"id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type"`

	// ActorID is the authenticated user or system component causing the event.
	ActorID string `json:"actor_id,omitempty"`
	// ActorRole may include hidden roles.
	ActorRole string `json:"actor_role,omitempty"`

	// IPAddress is the resolved client IP when the event came over HTTP.
	IPAddress string `json:"ip_address,omitempty"`

	CallID string `json:"call_id,omitempty"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type EventType string

const (
	EventTypeForceClose     EventType = "call_force_closed"
	EventTypeSweepTriggered EventType = "sweep_triggered"
	EventTypeTokenIssued    EventType = "token_issued"
)

// ActorReconciler is the actor id for sweeps the process runs itself.
const ActorReconciler = "system:reconciler"
