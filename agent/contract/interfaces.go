package contract

import "context"

// MessageStore is the append-only conversation log. supplierID == nil selects
// the orchestrator-only channel. FetchTurns returns turns in non-decreasing
// timestamp order.
type MessageStore interface {
	FetchTurns(ctx context.Context, ngID string, supplierID *string) ([]Turn, error)
	FetchAllTurns(ctx context.Context, ngID string) ([]Turn, error)
	AppendTurn(ctx context.Context, ngID string, supplierID *string, role Role, text string) error
}

// InstructionStore holds the latest supervisor guidance per (negotiation,
// supplier) pair. Upsert replaces any prior text for the key.
type InstructionStore interface {
	FetchInstruction(ctx context.Context, ngID, supplierID string) (string, error)
	FetchInstructions(ctx context.Context, ngID string) (map[string]string, error)
	UpsertInstruction(ctx context.Context, ngID, supplierID, text string) error
}

// Directory exposes the read-only supplier/negotiation lookups routing needs.
type Directory interface {
	SupplierByID(ctx context.Context, supplierID string) (*Supplier, error)
	SupplierByEmail(ctx context.Context, email string) (*Supplier, error)
	SupplierByIDPrefix(ctx context.Context, prefix string) (*Supplier, error)
	NegotiationByIDPrefix(ctx context.Context, prefix string) (*Negotiation, error)
	MarkNegotiationCompleted(ctx context.Context, ngID string) error
}

// Outbox sends one outbound email from the previously authenticated account.
type Outbox interface {
	Send(ctx context.Context, to, subject, body string) error
}
