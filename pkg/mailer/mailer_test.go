package mailer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeSubject(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Inquiry regarding steel rods", "Inquiry regarding steel rods"},
		{"embedded newline", "Inquiry\nBcc: attacker@evil.example", "Inquiry Bcc: attacker@evil.example"},
		{"crlf and tabs", "Re:\r\n\tyour offer", "Re: your offer"},
		{"runs collapsed", "too    many   spaces", "too many spaces"},
		{"trimmed", "  padded  ", "padded"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SanitizeSubject(tc.in))
		})
	}
}

func TestClientRequiresLogin(t *testing.T) {
	c := NewClient(Config{})

	assert.False(t, c.LoggedIn())
	assert.Empty(t, c.Address())

	err := c.Send(context.Background(), "to@x.example", "subj", "body")
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	_, err = c.Watch(context.Background())
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestNewClientAppliesDefaults(t *testing.T) {
	c := NewClient(Config{PollInterval: -1, ReconnectDelay: 0})
	assert.Equal(t, 2*time.Second, c.cfg.PollInterval)
	assert.Equal(t, 5*time.Second, c.cfg.ReconnectDelay)
}
