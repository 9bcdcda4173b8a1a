package contract

import "time"

// Role tags one persisted conversation turn.
type Role string

const (
	RoleNegotiator   Role = "negotiator"
	RoleSupplier     Role = "supplier"
	RoleOrchestrator Role = "orchestrator"
	RoleSystem       Role = "system"
)

// ChatRole maps a stored role onto the generic chat roles expected by a
// completion backend. The mapping is total: unknown roles degrade to "user"
// so a foreign row can never break prompt assembly.
func (r Role) ChatRole() string {
	switch r {
	case RoleNegotiator:
		return "assistant"
	case RoleSupplier:
		return "user"
	case RoleSystem:
		return "system"
	default:
		return "user"
	}
}

// Turn is one immutable unit of conversation history. SupplierID is nil for
// the orchestrator's own channel.
type Turn struct {
	NgID       string    `json:"ng_id"`
	SupplierID *string   `json:"supplier_id,omitempty"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// Negotiation is one top-level procurement effort.
type Negotiation struct {
	NgID     string `json:"ng_id"`
	Product  string `json:"product"`
	Strategy string `json:"strategy"`
	Status   string `json:"status"`
}

const (
	NegotiationActive    = "active"
	NegotiationCompleted = "completed"
)

// Supplier is a counterparty. Read-only to the core; rows come from the
// directory store.
type Supplier struct {
	SupplierID  string `json:"supplier_id"`
	Name        string `json:"supplier_name"`
	Email       string `json:"supplier_email"`
	Description string `json:"description"`
	Insights    string `json:"insights"`
}

// EmailEvent is the ephemeral, in-memory form of one inbound email after
// resolution. It is never persisted.
type EmailEvent struct {
	Sender     string
	Subject    string
	Body       string
	NgID       string
	SupplierID string
	Raw        map[string]any
}
