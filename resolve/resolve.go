// Package resolve maps recipient addresses to their final delivery
// destinations, expanding aliases against the configured address tables.
//
// Resolution is a pure function over an immutable tables snapshot. Callers
// take a snapshot once per SMTP transaction so all recipients of a message see
// the same tables even when the configuration is reloaded concurrently.
package resolve

import (
	"errors"
	"fmt"
	"strings"

	"github.com/draymta/dray/config"
	"github.com/draymta/dray/dns"
	"github.com/draymta/dray/dray-"
	"github.com/draymta/dray/smtp"
)

var (
	ErrDomainNotFound  = errors.New("domain not found")
	ErrDomainDisabled  = errors.New("domain temporarily disabled")
	ErrAddressNotFound = errors.New("address not found")
	ErrNotFQDN         = errors.New("domain not fully qualified")

	// ErrLoop is returned when alias expansion does not terminate, because of
	// a cycle or a chain deeper than maxAliasDepth. A permanent failure, never
	// a silent drop.
	ErrLoop = errors.New("alias expansion loop or too deep")
)

// Maximum number of nested alias expansions for a single recipient. Legitimate
// configurations nest a handful of distribution lists at most.
const maxAliasDepth = 10

// Destination is one final delivery target for a recipient, after alias
// expansion.
type Destination struct {
	Address   smtp.Address // Final address.
	Class     string       // config.ClassLocal, ClassVirtual or ClassRelay.
	Transport string       // Transport name for relay destinations. Empty means direct delivery to the MX of the destination domain.
}

// LookupDomain returns the configuration for a hosted domain from the tables.
func LookupDomain(t *config.Tables, d dns.Domain) (config.Domain, bool) {
	dom, ok := t.DNSDomains[d.ASCII]
	return dom, ok
}

// CheckFQDN checks that a domain is fully qualified. Single-label names like
// "localhost" are not acceptable in envelope addresses.
func CheckFQDN(d dns.Domain) error {
	if d.IsZero() || !strings.Contains(d.ASCII, ".") {
		return fmt.Errorf("%w: %q", ErrNotFQDN, d.Name())
	}
	return nil
}

// Resolve resolves rcpt to its final destinations using the address tables in
// t. Aliases are expanded recursively, returning the ordered, deduplicated
// destinations the message must be delivered to.
//
// If relayOK is set, a recipient in a domain not present in the tables
// resolves to a single relay destination instead of failing. Set for
// submissions by authenticated or internal senders (including generated
// delivery status notifications), never for messages from the open internet.
//
// Returned errors are permanent (ErrNotFQDN, ErrDomainNotFound,
// ErrAddressNotFound, ErrLoop), except ErrDomainDisabled which is a temporary
// condition: the message should be refused with a 4xx response or tried again
// later.
func Resolve(t *config.Tables, rcpt smtp.Address, relayOK bool) ([]Destination, error) {
	if err := CheckFQDN(rcpt.Domain); err != nil {
		return nil, err
	}

	d, ok := LookupDomain(t, rcpt.Domain)
	if !ok {
		if relayOK {
			return []Destination{{Address: rcpt, Class: config.ClassRelay}}, nil
		}
		return nil, ErrDomainNotFound
	}

	r := resolution{
		tables: t,
		onPath: map[string]bool{},
		have:   map[string]bool{},
	}
	if err := r.expand(d, rcpt, 0); err != nil {
		return nil, err
	}
	return r.dests, nil
}

type resolution struct {
	tables *config.Tables
	dests  []Destination
	onPath map[string]bool // Aliases on the current expansion path, for cycle detection.
	have   map[string]bool // Final addresses already added, for deduplication.
}

func (r *resolution) add(dest Destination) {
	s := dest.Address.String()
	if r.have[s] {
		return
	}
	r.have[s] = true
	r.dests = append(r.dests, dest)
}

func (r *resolution) expand(d config.Domain, addr smtp.Address, depth int) error {
	if depth > maxAliasDepth {
		return fmt.Errorf("%w: more than %d expansions for %s", ErrLoop, maxAliasDepth, addr.LogString())
	}

	// Also reached for disabled domains that are the target of an alias in
	// another domain, refusing messages involving the disabled domain.
	if d.Disabled {
		return ErrDomainDisabled
	}

	if d.Class == config.ClassRelay {
		// No expansion, the localpart is the remote server's business.
		r.add(Destination{Address: addr, Class: config.ClassRelay, Transport: d.Transport})
		return nil
	}

	lp := dray.CanonicalLocalpart(addr.Localpart, d)
	canonical := smtp.NewAddress(lp, d.Domain)

	if d.MailboxLocalparts[lp] {
		r.add(Destination{Address: canonical, Class: d.Class})
		return nil
	}

	alias, aliasOK := d.Aliases[string(lp)]
	if aliasOK && !d.CatchallBeforeAliases {
		return r.expandAlias(canonical, alias, depth)
	}
	if d.CatchallLocalpart != "" {
		r.add(Destination{Address: smtp.NewAddress(d.CatchallLocalpart, d.Domain), Class: d.Class})
		return nil
	}
	if aliasOK {
		return r.expandAlias(canonical, alias, depth)
	}
	return ErrAddressNotFound
}

func (r *resolution) expandAlias(canonical smtp.Address, alias config.Alias, depth int) error {
	s := canonical.String()
	if r.onPath[s] {
		return fmt.Errorf("%w: alias %s references itself", ErrLoop, canonical.LogString())
	}
	r.onPath[s] = true
	defer delete(r.onPath, s)

	for _, target := range alias.ParsedAddresses {
		td, ok := LookupDomain(r.tables, target.Domain)
		if !ok {
			// Remote address, queued for outgoing delivery.
			r.add(Destination{Address: target, Class: config.ClassRelay})
			continue
		}
		if err := r.expand(td, target, depth+1); err != nil {
			return err
		}
	}
	return nil
}
