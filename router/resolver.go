package router

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/procurehq/parley/agent/contract"
)

// ErrUnresolved marks an inbound email that could not be matched to any
// negotiation. Callers drop the email and keep the watcher alive.
var ErrUnresolved = errors.New("no negotiation resolved for inbound email")

var (
	// [REF-<8 hex>-<8 hex>]: first 8 characters of the negotiation and
	// supplier ids. The tag is authoritative; sender matching is fallback.
	refTagRe = regexp.MustCompile(`(?i)\[REF-([a-f0-9]{8})-([a-f0-9]{8})\]`)
	addrRe   = regexp.MustCompile(`<([^>]+)>`)
)

// Resolver maps a raw inbound email to a routable EmailEvent using the
// subject reference tag with sender-address and active-session fallbacks.
type Resolver struct {
	directory contract.Directory
	sessions  *Manager
}

// NewResolver constructs a Resolver over the directory store and the live
// session registry.
func NewResolver(directory contract.Directory, sessions *Manager) *Resolver {
	return &Resolver{directory: directory, sessions: sessions}
}

// Resolve determines (negotiation id, supplier id) for one inbound email.
// Returns ErrUnresolved when no negotiation can be found; store errors on the
// fallback lookups are logged, not fatal, so a flaky lookup degrades to the
// next resolution step.
func (r *Resolver) Resolve(ctx context.Context, sender, subject, body string) (*contract.EmailEvent, error) {
	plainAddr := extractAddress(sender)

	var emailSupplierID string
	if plainAddr != "" {
		if sup, err := r.directory.SupplierByEmail(ctx, plainAddr); err == nil {
			emailSupplierID = sup.SupplierID
		} else if !errors.Is(err, contract.ErrNotFound) {
			log.Warn().Err(err).Str("sender", plainAddr).Msg("supplier email lookup failed")
		}
	}

	var ngID, supplierID string
	if m := refTagRe.FindStringSubmatch(subject); m != nil {
		ngPrefix := strings.ToLower(m[1])
		supPrefix := strings.ToLower(m[2])

		// Active sessions first, then the durable store.
		if s := r.sessions.FindByNgPrefix(ngPrefix); s != nil {
			ngID = s.NgID()
		} else if ng, err := r.directory.NegotiationByIDPrefix(ctx, ngPrefix); err == nil {
			ngID = ng.NgID
		} else if !errors.Is(err, contract.ErrNotFound) {
			log.Warn().Err(err).Str("prefix", ngPrefix).Msg("negotiation prefix lookup failed")
		}

		if sup, err := r.directory.SupplierByIDPrefix(ctx, supPrefix); err == nil {
			supplierID = sup.SupplierID
		} else if !errors.Is(err, contract.ErrNotFound) {
			log.Warn().Err(err).Str("prefix", supPrefix).Msg("supplier prefix lookup failed")
		}
	}

	// Replies that strip or mangle the tag still route via the sender match.
	if supplierID == "" {
		supplierID = emailSupplierID
	}
	if ngID == "" && supplierID != "" {
		if s := r.sessions.FindByAgent(supplierID); s != nil {
			ngID = s.NgID()
		}
	}
	if ngID == "" {
		return nil, ErrUnresolved
	}

	return &contract.EmailEvent{
		Sender:     sender,
		Subject:    subject,
		Body:       body,
		NgID:       ngID,
		SupplierID: supplierID,
	}, nil
}

// extractAddress pulls the plain address out of a `Display Name <addr>`
// header, or returns the trimmed input when no angle brackets are present.
func extractAddress(sender string) string {
	if m := addrRe.FindStringSubmatch(sender); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(sender)
}
