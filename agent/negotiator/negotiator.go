// Package negotiator implements the per-supplier conversation agent. One
// agent owns exactly one (negotiation, supplier) thread: it assembles a prompt
// from the stored history plus the latest supervisor instruction, invokes the
// completion service, persists the reply, and optionally emails it out.
package negotiator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/procurehq/parley/agent/contract"
	"github.com/procurehq/parley/pkg/llm"
)

// Config carries the construction inputs for one agent.
type Config struct {
	NgID         string
	SystemPrompt string
	Product      string
	Supplier     contract.Supplier

	Messages     contract.MessageStore
	Instructions contract.InstructionStore
	Completer    llm.Completer
}

// Option customizes an agent.
type Option func(*Agent)

// WithOutbox attaches an outbound email sink. Without one the agent still
// persists replies but never emails.
func WithOutbox(outbox contract.Outbox) Option {
	return func(a *Agent) { a.outbox = outbox }
}

// WithPersistDegraded makes completion-failure placeholder replies get
// persisted (and emailed) like normal turns. Off by default: a degraded reply
// is returned to the caller only.
func WithPersistDegraded() Option {
	return func(a *Agent) { a.persistDegraded = true }
}

// Agent is one live negotiation thread with one supplier.
type Agent struct {
	cfg             Config
	outbox          contract.Outbox
	persistDegraded bool
	log             zerolog.Logger
}

// New validates the construction inputs and returns a ready agent.
func New(cfg Config, opts ...Option) (*Agent, error) {
	if cfg.NgID == "" || cfg.Supplier.SupplierID == "" {
		return nil, fmt.Errorf("negotiation and supplier ids are required")
	}
	if cfg.Messages == nil {
		return nil, fmt.Errorf("message store is required")
	}
	if cfg.Instructions == nil {
		return nil, fmt.Errorf("instruction store is required")
	}
	if cfg.Completer == nil {
		return nil, fmt.Errorf("completer is required")
	}

	a := &Agent{
		cfg: cfg,
		log: log.With().
			Str("ng_id", cfg.NgID).
			Str("supplier_id", cfg.Supplier.SupplierID).
			Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// SupplierID returns the supplier this agent negotiates with.
func (a *Agent) SupplierID() string { return a.cfg.Supplier.SupplierID }

// SendInitialMessage composes and sends the opening inquiry. No history is
// read; none exists yet. A completion failure degrades to a placeholder
// string and leaves no side effects.
func (a *Agent) SendInitialMessage(ctx context.Context, extra string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Compose an opening inquiry email to the supplier %q asking about their current offer and conditions for %q.",
		a.cfg.Supplier.Name, a.cfg.Product)
	if extra = strings.TrimSpace(extra); extra != "" {
		fmt.Fprintf(&sb, "\nAdditional context from the buyer: %s", extra)
	}
	if ins := strings.TrimSpace(a.cfg.Supplier.Insights); ins != "" {
		fmt.Fprintf(&sb, "\nKnown insights about this supplier: %s", ins)
	}
	sb.WriteString("\nWrite only the email body, ready to send.")

	conversation := []llm.Message{
		{Role: "system", Content: a.cfg.SystemPrompt},
		{Role: "user", Content: sb.String()},
	}

	return a.complete(ctx, conversation, a.subject())
}

// SendMessage generates the next reply from the full stored history plus the
// latest supervisor instruction.
func (a *Agent) SendMessage(ctx context.Context) (string, error) {
	supID := a.cfg.Supplier.SupplierID
	turns, err := a.cfg.Messages.FetchTurns(ctx, a.cfg.NgID, &supID)
	if err != nil {
		return "", fmt.Errorf("fetch history: %w", err)
	}

	conversation := make([]llm.Message, 0, len(turns)+2)
	conversation = append(conversation, llm.Message{Role: "system", Content: a.cfg.SystemPrompt})
	for _, t := range turns {
		conversation = append(conversation, llm.Message{Role: t.Role.ChatRole(), Content: t.Content})
	}

	instruction, err := a.cfg.Instructions.FetchInstruction(ctx, a.cfg.NgID, supID)
	if err != nil {
		return "", fmt.Errorf("fetch instruction: %w", err)
	}
	if instruction != "" {
		conversation = append(conversation, llm.Message{
			Role:    "system",
			Content: "Supervisor instruction: " + instruction,
		})
	}

	return a.complete(ctx, conversation, "Re: "+a.subject())
}

// complete runs the shared success/failure path: invoke the completion
// service, persist on success, then best-effort email. Persistence strictly
// precedes the email attempt; a send failure never erases the stored turn.
func (a *Agent) complete(ctx context.Context, conversation []llm.Message, subject string) (string, error) {
	reply, err := a.cfg.Completer.Complete(ctx, conversation)
	if err != nil {
		a.log.Warn().Err(err).Msg("completion service unavailable, returning degraded reply")
		degraded := fmt.Sprintf("The completion service is currently unavailable. %v", err)
		if !a.persistDegraded {
			return degraded, nil
		}
		reply = degraded
	}

	supID := a.cfg.Supplier.SupplierID
	if err := a.cfg.Messages.AppendTurn(ctx, a.cfg.NgID, &supID, contract.RoleNegotiator, reply); err != nil {
		return "", fmt.Errorf("persist reply: %w", err)
	}

	if a.outbox != nil && a.cfg.Supplier.Email != "" {
		body := llm.StripReasoning(reply)
		if err := a.outbox.Send(ctx, a.cfg.Supplier.Email, subject, body); err != nil {
			// Email is best-effort notification; the store is the source of truth.
			a.log.Warn().Err(err).Str("to", a.cfg.Supplier.Email).Msg("outbound email failed")
		}
	}

	return reply, nil
}

// subject builds the correlating subject line carrying the reference tag.
func (a *Agent) subject() string {
	return fmt.Sprintf("[%s] %s Inquiry regarding %s",
		a.cfg.Supplier.Name,
		RefTag(a.cfg.NgID, a.cfg.Supplier.SupplierID),
		a.cfg.Product)
}

// RefTag renders the wire-visible reference tag embedded in subjects:
// [REF-<ng8>-<sup8>], lowercase, first 8 characters of each id.
func RefTag(ngID, supplierID string) string {
	return fmt.Sprintf("[REF-%s-%s]", shortID(ngID), shortID(supplierID))
}

func shortID(id string) string {
	id = strings.ToLower(id)
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
