// Package orchestrator implements the supervisor agent. One instance watches
// all supplier conversations of a single negotiation and (re)issues one
// standing instruction per supplier after every inbound event.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/procurehq/parley/agent/contract"
	"github.com/procurehq/parley/pkg/llm"
)

// Config carries the construction inputs for one orchestrator.
type Config struct {
	NgID         string
	SystemPrompt string
	Strategy     string
	Product      string

	Messages     contract.MessageStore
	Instructions contract.InstructionStore
	Directory    contract.Directory

	Completer llm.Completer
}

// Agent supervises one negotiation.
type Agent struct {
	cfg Config
	log zerolog.Logger
}

// New validates the construction inputs and returns a ready orchestrator.
func New(cfg Config) (*Agent, error) {
	if cfg.NgID == "" {
		return nil, fmt.Errorf("negotiation id is required")
	}
	if cfg.Messages == nil || cfg.Instructions == nil {
		return nil, fmt.Errorf("message and instruction stores are required")
	}
	if cfg.Completer == nil {
		return nil, fmt.Errorf("completer is required")
	}

	return &Agent{
		cfg: cfg,
		log: log.With().Str("ng_id", cfg.NgID).Logger(),
	}, nil
}

// GenerateNewInstructions runs one full supervision pass: analyze every
// supplier's transcript and upsert fresh guidance for each. Unlike the reply
// path, a completion failure here is a hard error surfaced to the caller;
// downstream agent replies depend on a valid instruction pass.
func (a *Agent) GenerateNewInstructions(ctx context.Context) error {
	turns, err := a.cfg.Messages.FetchAllTurns(ctx, a.cfg.NgID)
	if err != nil {
		return fmt.Errorf("fetch negotiation history: %w", err)
	}

	// Orchestrator-channel turns (nil supplier) seed the running context;
	// everything else is grouped per supplier in arrival order.
	var own []contract.Turn
	bySupplier := make(map[string][]contract.Turn)
	var supplierOrder []string
	for _, t := range turns {
		if t.SupplierID == nil {
			own = append(own, t)
			continue
		}
		id := *t.SupplierID
		if _, seen := bySupplier[id]; !seen {
			supplierOrder = append(supplierOrder, id)
		}
		bySupplier[id] = append(bySupplier[id], t)
	}

	current, err := a.cfg.Instructions.FetchInstructions(ctx, a.cfg.NgID)
	if err != nil {
		return fmt.Errorf("fetch current instructions: %w", err)
	}

	conversation := a.buildConversation(own, bySupplier, supplierOrder, current)

	reply, err := a.cfg.Completer.Complete(ctx, conversation)
	if err != nil {
		return fmt.Errorf("%w: %v", contract.ErrModelInvoke, err)
	}

	// Persist the raw reply on the orchestrator channel before parsing so the
	// next pass sees this one even if the format check below fails.
	if err := a.cfg.Messages.AppendTurn(ctx, a.cfg.NgID, nil, contract.RoleOrchestrator, reply); err != nil {
		return fmt.Errorf("persist orchestrator turn: %w", err)
	}

	parsed, err := ParseInstructions(reply)
	if err != nil {
		return err
	}

	applied := 0
	for _, in := range parsed {
		if !in.Valid() {
			// Per-block skip: a single malformed block must not block the rest.
			a.log.Warn().
				Str("block_ng_id", in.NgID).
				Str("block_supplier_id", in.SupplierID).
				Msg("skipping malformed instruction block")
			continue
		}
		if err := a.cfg.Instructions.UpsertInstruction(ctx, in.NgID, in.SupplierID, in.Text); err != nil {
			a.log.Error().Err(err).Str("supplier_id", in.SupplierID).Msg("instruction upsert failed")
			continue
		}
		applied++
	}
	a.log.Info().Int("applied", applied).Int("parsed", len(parsed)).Msg("instruction pass complete")

	a.applyCompletions(ctx, reply)
	return nil
}

// applyCompletions flips negotiation status when the model declares a final
// offer. Status is never reverted automatically.
func (a *Agent) applyCompletions(ctx context.Context, reply string) {
	if a.cfg.Directory == nil {
		return
	}
	for _, ngID := range ParseCompleted(reply) {
		if ngID != a.cfg.NgID {
			a.log.Warn().Str("block_ng_id", ngID).Msg("ignoring completion for foreign negotiation")
			continue
		}
		if err := a.cfg.Directory.MarkNegotiationCompleted(ctx, ngID); err != nil {
			a.log.Error().Err(err).Msg("mark negotiation completed failed")
			continue
		}
		a.log.Info().Msg("negotiation marked completed")
	}
}

// buildConversation composes the single supervision prompt: system prompt and
// strategy, the orchestrator's own prior turns, then one user turn embedding
// every supplier's standing instruction and transcript plus the strict
// output-format directive.
func (a *Agent) buildConversation(
	own []contract.Turn,
	bySupplier map[string][]contract.Turn,
	supplierOrder []string,
	current map[string]string,
) []llm.Message {
	conversation := make([]llm.Message, 0, len(own)+3)
	conversation = append(conversation, llm.Message{Role: "system", Content: a.cfg.SystemPrompt})
	if s := strings.TrimSpace(a.cfg.Strategy); s != "" {
		conversation = append(conversation, llm.Message{
			Role:    "system",
			Content: fmt.Sprintf("Product under negotiation: %s\nOverall strategy: %s", a.cfg.Product, s),
		})
	}
	for _, t := range own {
		conversation = append(conversation, llm.Message{Role: "assistant", Content: t.Content})
	}

	var sb strings.Builder
	sb.WriteString("Review the state of every supplier conversation below and issue fresh guidance.\n")
	for _, supID := range supplierOrder {
		fmt.Fprintf(&sb, "\n--- Supplier %s ---\n", supID)
		if ins := current[supID]; ins != "" {
			fmt.Fprintf(&sb, "Current instruction: %s\n", ins)
		}
		sb.WriteString("Transcript:\n")
		for _, t := range bySupplier[supID] {
			fmt.Fprintf(&sb, "[%s] %s\n", t.Role, t.Content)
		}
	}
	sb.WriteString(a.directive(supplierOrder))
	conversation = append(conversation, llm.Message{Role: "user", Content: sb.String()})

	return conversation
}

// directive is the strict output-format contract. The ids are spelled out and
// must be echoed back literally; the model inventing or mistyping an id makes
// the block fail validation instead of corrupting another pair's guidance.
func (a *Agent) directive(supplierOrder []string) string {
	var sb strings.Builder
	sb.WriteString("\nReply with exactly one block per supplier, in this exact format:\n")
	sb.WriteString("[INSTRUCTION]\nng_id: <negotiation id>\nsupplier_id: <supplier id>\ntext: <your guidance for this supplier's negotiator>\n[/INSTRUCTION]\n")
	sb.WriteString("Echo the ids exactly as listed here:\n")
	for _, supID := range supplierOrder {
		fmt.Fprintf(&sb, "- ng_id: %s supplier_id: %s\n", a.cfg.NgID, supID)
	}
	fmt.Fprintf(&sb, "If a supplier has made a final offer and the negotiation is finished, additionally emit:\n[COMPLETE]\nng_id: %s\n[/COMPLETE]\n", a.cfg.NgID)
	return sb.String()
}
