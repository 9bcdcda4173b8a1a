package mailer

import (
	"strings"
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
)

func TestSenderOf(t *testing.T) {
	assert.Empty(t, senderOf(nil))
	assert.Empty(t, senderOf(&imap.Envelope{}))

	env := &imap.Envelope{From: []*imap.Address{{
		PersonalName: "Acme Sales",
		MailboxName:  "sales",
		HostName:     "acme.example",
	}}}
	assert.Equal(t, "Acme Sales <sales@acme.example>", senderOf(env))

	env.From[0].PersonalName = ""
	assert.Equal(t, "sales@acme.example", senderOf(env))
}

func TestSubjectOf(t *testing.T) {
	assert.Equal(t, "(No Subject)", subjectOf(nil))
	assert.Equal(t, "(No Subject)", subjectOf(&imap.Envelope{}))
	assert.Equal(t, "Re: offer", subjectOf(&imap.Envelope{Subject: "Re: offer"}))
}

func TestBodyOfPlainMessage(t *testing.T) {
	raw := "Content-Type: text/plain\r\n\r\nPrice is 100"
	assert.Equal(t, "Price is 100", bodyOf(strings.NewReader(raw)))
}

func TestBodyOfMultipartPicksTextPlain(t *testing.T) {
	raw := strings.Join([]string{
		"Content-Type: multipart/alternative; boundary=BOUNDARY",
		"",
		"--BOUNDARY",
		"Content-Type: text/html",
		"",
		"<p>Price is 100</p>",
		"--BOUNDARY",
		"Content-Type: text/plain",
		"",
		"Price is 100",
		"--BOUNDARY--",
		"",
	}, "\r\n")
	assert.Equal(t, "Price is 100", bodyOf(strings.NewReader(raw)))
}

func TestBodyOfNilReader(t *testing.T) {
	assert.Empty(t, bodyOf(nil))
}
