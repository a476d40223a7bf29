package hitl

import (
	"time"

	"toolgate/internal/api"
)

// ActionRequest is one gated action awaiting human approval. A single
// approval request may bundle several actions (e.g. a planner step that
// wants two tool calls); the decision applies to all of them.
type ActionRequest struct {
	// Tool is the qualified tool name ({server}.{tool})
	Tool string `json:"tool"`

	// Args are the arguments the planner wants to pass
	Args map[string]interface{} `json:"args,omitempty"`

	// Description is human-readable context for the approver
	Description string `json:"description,omitempty"`
}

// Request is an approval request registered with the Coordinator.
type Request struct {
	// InterruptID uniquely keys the request. Assigned by Register when
	// empty; any holder of the id can resolve the request.
	InterruptID string `json:"interrupt_id"`

	// SessionID is the owning session; cancellation of that session
	// auto-resolves the request.
	SessionID string `json:"session_id"`

	// Tenant is the owning tenant, carried for the audit trail.
	Tenant string `json:"tenant"`

	// Actions are the gated actions awaiting a decision.
	Actions []ActionRequest `json:"actions"`

	// CreatedAt is stamped by Register.
	CreatedAt time.Time `json:"created_at"`

	// Deadline, when non-zero, auto-resolves the request as a rejection
	// once it elapses.
	Deadline time.Time `json:"deadline,omitzero"`
}

// Resolution pairs the decision with how the request ended.
type Resolution struct {
	Decision api.Decision

	// TimedOut is set when the deadline elapsed with no human decision.
	TimedOut bool

	// Cancelled is set when the owning session was cancelled.
	Cancelled bool
}
