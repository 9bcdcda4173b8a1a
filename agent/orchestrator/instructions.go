package orchestrator

import (
	"regexp"
	"strings"

	"github.com/procurehq/parley/agent/contract"
)

// Instruction is one parsed supervisor directive for a single supplier.
type Instruction struct {
	NgID       string
	SupplierID string
	Text       string
}

// The model output is an untrusted-input boundary: the reply is the only
// source of the text-to-id mapping, so the grammar is strict and every block
// is validated before any side effect. Labels and tags match
// case-insensitively, the text field may span lines, and prose outside blocks
// is ignored.
var (
	instructionBlockRe = regexp.MustCompile(
		`(?is)\[INSTRUCTION\]\s*ng_id:\s*(.*?)\s*supplier_id:\s*(.*?)\s*text:\s*(.*?)\s*\[/INSTRUCTION\]`)
	completeBlockRe = regexp.MustCompile(
		`(?is)\[COMPLETE\]\s*ng_id:\s*(.*?)\s*\[/COMPLETE\]`)
	idRe = regexp.MustCompile(`^[0-9a-zA-Z][0-9a-zA-Z_-]{0,63}$`)
)

// ParseInstructions extracts every instruction block from a model reply.
// Zero blocks is a hard failure; individually malformed blocks are left to
// the caller to validate so one bad block cannot poison the valid ones.
func ParseInstructions(reply string) ([]Instruction, error) {
	matches := instructionBlockRe.FindAllStringSubmatch(reply, -1)
	if len(matches) == 0 {
		return nil, contract.ErrNoInstructions
	}

	out := make([]Instruction, 0, len(matches))
	for _, m := range matches {
		out = append(out, Instruction{
			NgID:       strings.TrimSpace(m[1]),
			SupplierID: strings.TrimSpace(m[2]),
			Text:       strings.TrimSpace(m[3]),
		})
	}
	return out, nil
}

// Valid reports whether a parsed block is safe to apply.
func (in Instruction) Valid() bool {
	return in.Text != "" && validID(in.NgID) && validID(in.SupplierID)
}

// ParseCompleted returns the negotiation ids the model marked as finished.
func ParseCompleted(reply string) []string {
	var out []string
	for _, m := range completeBlockRe.FindAllStringSubmatch(reply, -1) {
		if id := strings.TrimSpace(m[1]); validID(id) {
			out = append(out, id)
		}
	}
	return out
}

func validID(id string) bool { return idRe.MatchString(id) }
