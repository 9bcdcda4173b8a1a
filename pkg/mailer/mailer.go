// Package mailer owns the mail transport: SMTP submission for outbound
// negotiation messages and an IMAP polling watcher for inbound replies.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	imapclient "github.com/emersion/go-imap/client"
	"github.com/rs/zerolog/log"
	gomail "github.com/wneessen/go-mail"
)

// ErrNotLoggedIn marks a Send or Watch attempted before Login succeeded.
var ErrNotLoggedIn = errors.New("mail client not logged in")

// Config configures both transport legs. Defaults target AWS WorkMail.
type Config struct {
	SMTPHost       string        `envconfig:"SMTP_HOST" split_words:"true" default:"smtp.mail.eu-west-1.awsapps.com"`
	SMTPPort       int           `envconfig:"SMTP_PORT" split_words:"true" default:"465"`
	IMAPHost       string        `envconfig:"IMAP_HOST" split_words:"true" default:"imap.mail.eu-west-1.awsapps.com"`
	IMAPPort       int           `envconfig:"IMAP_PORT" split_words:"true" default:"993"`
	PollInterval   time.Duration `envconfig:"POLL_INTERVAL" split_words:"true" default:"2s"`
	ReconnectDelay time.Duration `envconfig:"RECONNECT_DELAY" split_words:"true" default:"5s"`
}

// Inbound is one newly arrived email surfaced by the watcher.
type Inbound struct {
	Folder  string
	Sender  string
	Subject string
	Body    string
}

// Client is a credentialed mail account. Login must succeed before Send or
// Watch are usable.
type Client struct {
	cfg Config

	mu       sync.RWMutex
	address  string
	password string
}

// NewClient constructs an unauthenticated client.
func NewClient(cfg Config) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Client{cfg: cfg}
}

// LoggedIn reports whether credentials have been verified and stored.
func (c *Client) LoggedIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address != ""
}

// Address returns the authenticated account address, or "".
func (c *Client) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address
}

// Login verifies the credentials against both transports (SMTP for sending,
// IMAP for receiving) and stores them for the session on success.
func (c *Client) Login(ctx context.Context, address, password string) error {
	smtp, err := c.smtpClient(address, password)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := smtp.DialWithContext(ctx); err != nil {
		return fmt.Errorf("smtp authentication failed: %w", err)
	}
	if err := smtp.Close(); err != nil {
		log.Debug().Err(err).Msg("smtp close after login check")
	}

	imap, err := c.dialIMAP()
	if err != nil {
		return fmt.Errorf("imap connect: %w", err)
	}
	if err := imap.Login(address, password); err != nil {
		_ = imap.Logout()
		return fmt.Errorf("imap authentication failed: %w", err)
	}
	if err := imap.Logout(); err != nil {
		log.Debug().Err(err).Msg("imap logout after login check")
	}

	c.mu.Lock()
	c.address = address
	c.password = password
	c.mu.Unlock()
	log.Info().Str("address", address).Msg("mail client logged in")
	return nil
}

// Send submits one plain-text message from the authenticated account. The
// subject is sanitized of embedded line breaks before submission.
func (c *Client) Send(ctx context.Context, to, subject, body string) error {
	c.mu.RLock()
	address, password := c.address, c.password
	c.mu.RUnlock()
	if address == "" {
		return fmt.Errorf("send: %w", ErrNotLoggedIn)
	}

	msg := gomail.NewMsg()
	if err := msg.From(address); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(SanitizeSubject(subject))
	msg.SetBodyString(gomail.TypeTextPlain, body)

	smtp, err := c.smtpClient(address, password)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := smtp.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (c *Client) smtpClient(username, password string) (*gomail.Client, error) {
	opts := []gomail.Option{
		gomail.WithPort(c.cfg.SMTPPort),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(username),
		gomail.WithPassword(password),
	}
	// Port 465 is implicit TLS; anything else negotiates STARTTLS.
	if c.cfg.SMTPPort == 465 {
		opts = append(opts, gomail.WithSSL())
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	}
	return gomail.NewClient(c.cfg.SMTPHost, opts...)
}

func (c *Client) dialIMAP() (*imapclient.Client, error) {
	return imapclient.DialTLS(fmt.Sprintf("%s:%d", c.cfg.IMAPHost, c.cfg.IMAPPort), nil)
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// SanitizeSubject strips line breaks and collapses runs of whitespace so a
// model-generated subject can never smuggle extra headers.
func SanitizeSubject(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
