package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripReasoning(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "Dear supplier, our offer stands.", "Dear supplier, our offer stands."},
		{"think block removed", "<think>they will fold at 95</think>Our offer is 95.", "Our offer is 95."},
		{"thinking block removed", "<thinking>\nmultiline\n</thinking>\nFinal text.", "Final text."},
		{"reasoning block removed", "<reasoning>x</reasoning>ok", "ok"},
		{"harmony prefix removed", "analysisThe supplier seems eager.assistantfinalWe accept your terms.", "We accept your terms."},
		{"surrounding whitespace trimmed", "  hello  ", "hello"},
		{"empty after strip", "<think>only thoughts</think>", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StripReasoning(tc.in))
		})
	}
}

func TestNewCompleterSelectsProvider(t *testing.T) {
	base := Config{APIKey: "k", Model: "m"}

	for _, provider := range []string{"", "openrouter", "OpenAI", " anthropic "} {
		cfg := base
		cfg.Provider = provider
		c, err := NewCompleter(cfg)
		require.NoError(t, err, "provider %q", provider)
		require.NotNil(t, c)
	}

	cfg := base
	cfg.Provider = "bard"
	_, err := NewCompleter(cfg)
	assert.Error(t, err)
}
