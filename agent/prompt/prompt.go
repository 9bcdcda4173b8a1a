package prompt

import (
	_ "embed"
	"strings"
)

var (
	//go:embed template/negotiator.txt
	negotiatorRaw string

	//go:embed template/orchestrator.txt
	orchestratorRaw string
)

// Set holds the loaded system prompts.
type Set struct {
	Negotiator   string
	Orchestrator string
}

// Load returns the embedded prompt set with surrounding whitespace trimmed.
// Safe to call concurrently; the embed is compile-time.
func Load() Set {
	return Set{
		Negotiator:   strings.TrimSpace(negotiatorRaw),
		Orchestrator: strings.TrimSpace(orchestratorRaw),
	}
}
