package mailer

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	"github.com/rs/zerolog/log"
)

// Folders checked by the watcher. Suppliers' mail hosts are fond of filing
// negotiation replies as junk.
var watchFolders = []string{"INBOX", "Junk E-mail"}

// Watch polls the mailbox and emits every message that appears after the
// first scan. The first scan only snapshots what already exists so old mail
// never triggers a negotiation. A lost connection is retried after a fixed
// delay indefinitely without losing the seen set; cancelling the context
// attempts a best-effort logout before the channel closes.
func (c *Client) Watch(ctx context.Context) (<-chan Inbound, error) {
	if !c.LoggedIn() {
		return nil, fmt.Errorf("watch: %w", ErrNotLoggedIn)
	}

	out := make(chan Inbound)
	go c.watchLoop(ctx, out)
	return out, nil
}

func (c *Client) watchLoop(ctx context.Context, out chan<- Inbound) {
	defer close(out)

	c.mu.RLock()
	address, password := c.address, c.password
	c.mu.RUnlock()

	seen := make(map[string]map[uint32]struct{}, len(watchFolders))
	for _, f := range watchFolders {
		seen[f] = make(map[uint32]struct{})
	}
	firstRun := true

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dialIMAP()
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", c.cfg.ReconnectDelay).Msg("imap connect failed")
			if !sleep(ctx, c.cfg.ReconnectDelay) {
				return
			}
			continue
		}
		if err := conn.Login(address, password); err != nil {
			log.Warn().Err(err).Msg("imap login failed")
			_ = conn.Logout()
			if !sleep(ctx, c.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		if err := c.pollUntilBroken(ctx, conn, seen, &firstRun, out); err != nil {
			log.Warn().Err(err).Dur("retry_in", c.cfg.ReconnectDelay).Msg("imap connection lost, reconnecting")
			if !sleep(ctx, c.cfg.ReconnectDelay) {
				return
			}
			continue
		}
		// Clean cancellation.
		return
	}
}

// pollUntilBroken scans all folders at the poll interval until the context
// ends (returns nil after logout) or the connection errors (returns the
// error; the seen set survives for the next connection).
func (c *Client) pollUntilBroken(
	ctx context.Context,
	conn *imapclient.Client,
	seen map[string]map[uint32]struct{},
	firstRun *bool,
	out chan<- Inbound,
) error {
	for {
		for _, folder := range watchFolders {
			if err := c.scanFolder(ctx, conn, folder, seen[folder], *firstRun, out); err != nil {
				return err
			}
		}
		if *firstRun {
			log.Info().Msg("mailbox snapshot complete, watching for new mail")
			*firstRun = false
		}

		select {
		case <-ctx.Done():
			if err := conn.Logout(); err != nil {
				log.Debug().Err(err).Msg("imap logout on shutdown")
			}
			return nil
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// sleep waits d or until the context ends; reports whether to keep going.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) scanFolder(
	ctx context.Context,
	conn *imapclient.Client,
	folder string,
	seen map[uint32]struct{},
	firstRun bool,
	out chan<- Inbound,
) error {
	if _, err := conn.Select(folder, true); err != nil {
		// Missing folders (e.g. no junk folder) are skipped, not fatal.
		log.Debug().Err(err).Str("folder", folder).Msg("folder select failed")
		return nil
	}

	ids, err := conn.Search(imap.NewSearchCriteria())
	if err != nil {
		return fmt.Errorf("search %s: %w", folder, err)
	}

	var fresh []uint32
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			fresh = append(fresh, id)
		}
	}

	if firstRun {
		for _, id := range fresh {
			seen[id] = struct{}{}
		}
		return nil
	}
	if len(fresh) == 0 {
		return nil
	}
	log.Info().Str("folder", folder).Int("count", len(fresh)).Msg("new mail detected")

	seqset := new(imap.SeqSet)
	seqset.AddNum(fresh...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}

	msgs := make(chan *imap.Message, len(fresh))
	done := make(chan error, 1)
	go func() { done <- conn.Fetch(seqset, items, msgs) }()

	for msg := range msgs {
		in := Inbound{
			Folder:  folder,
			Sender:  senderOf(msg.Envelope),
			Subject: subjectOf(msg.Envelope),
			Body:    bodyOf(msg.GetBody(section)),
		}
		select {
		case out <- in:
		case <-ctx.Done():
			// Drain so the fetch goroutine can finish.
			for range msgs {
			}
			<-done
			return nil
		}
		seen[msg.SeqNum] = struct{}{}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("fetch %s: %w", folder, err)
	}
	return nil
}

func senderOf(env *imap.Envelope) string {
	if env == nil || len(env.From) == 0 {
		return ""
	}
	from := env.From[0]
	if from.PersonalName != "" {
		return fmt.Sprintf("%s <%s>", from.PersonalName, from.Address())
	}
	return from.Address()
}

func subjectOf(env *imap.Envelope) string {
	if env == nil || env.Subject == "" {
		return "(No Subject)"
	}
	return env.Subject
}

// bodyOf extracts the first text/plain part, falling back to the whole body
// for non-multipart messages.
func bodyOf(r io.Reader) string {
	if r == nil {
		return ""
	}
	ent, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		log.Debug().Err(err).Msg("unparseable message body")
		return ""
	}

	if mr := ent.MultipartReader(); mr != nil {
		for {
			p, err := mr.NextPart()
			if err != nil {
				return ""
			}
			ct, _, _ := p.Header.ContentType()
			if strings.EqualFold(ct, "text/plain") {
				b, _ := io.ReadAll(p.Body)
				return string(b)
			}
		}
	}

	b, _ := io.ReadAll(ent.Body)
	return string(b)
}
