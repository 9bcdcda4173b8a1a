// Package llm abstracts the text-completion service behind a small Completer
// interface so agents stay provider-agnostic. Backends exist for any
// OpenAI-compatible endpoint (OpenRouter, Bedrock proxies, OpenAI itself) and
// for the Anthropic Messages API.
package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Message is one role-tagged prompt turn. Role is one of "system", "user",
// "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer is a stateless request/response completion call. Implementations
// may fail transiently; they never return an empty reply without an error.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Config selects and parameterizes a completion backend.
type Config struct {
	Provider           string        `envconfig:"PROVIDER" split_words:"true" default:"openrouter"`
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int64         `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"1024"`
	Temperature        float64       `envconfig:"TEMPERATURE" split_words:"true" default:"0.7"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`
}

// NewCompleter builds the backend named by cfg.Provider.
func NewCompleter(cfg Config) (Completer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openrouter", "openai":
		return NewOpenRouterCompleter(cfg)
	case "anthropic":
		return NewAnthropicCompleter(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

var (
	thinkBlockRe   = regexp.MustCompile(`(?s)<(think|thinking|reasoning)>.*?</(think|thinking|reasoning)>`)
	harmonyFinalRe = regexp.MustCompile(`(?s)^\s*analysis.*?assistantfinal`)
)

// StripReasoning removes chain-of-thought markup some models leak into the
// visible reply (XML-ish think blocks and harmony channel prefixes). The
// stripped text is what gets emailed; the raw reply is what gets persisted.
func StripReasoning(s string) string {
	s = thinkBlockRe.ReplaceAllString(s, "")
	s = harmonyFinalRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
