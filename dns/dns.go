// Package dns parses and canonicalizes internationalized (IDNA) domain names,
// and provides a resolver that insists on absolute names and keeps metrics.
package dns

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"

	"github.com/mjl-/adns"
)

var (
	errTrailingDot = errors.New("dns name has trailing dot")
	errUnderscore  = errors.New("domain name with underscore")
	errIDNA        = errors.New("idna")
)

// A Domain is a DNS name with at least the ASCII form filled in. Non-ASCII
// (IDNA) names also carry their unicode form. DNS lookups must use the ASCII
// form.
type Domain struct {
	// Lower-cased, with A-labels (xn--...) or plain NR-LDH (non-reserved
	// letters/digits/hyphens) labels.
	ASCII string

	// U-labels, only set when the name is not ASCII-only.
	Unicode string
}

// Name returns the unicode form when present, and the ASCII form otherwise.
func (d Domain) Name() string {
	if d.Unicode == "" {
		return d.ASCII
	}
	return d.Unicode
}

// XName returns the ASCII form, or the unicode form when utf8 is true and one
// is present.
func (d Domain) XName(utf8 bool) string {
	if !utf8 || d.Unicode == "" {
		return d.ASCII
	}
	return d.Unicode
}

// ASCIIExtra returns the ASCII form for a unicode name when smtputf8 is true,
// for writing the punycode name in a comment in message headers such as
// Received. It returns the empty string otherwise.
func (d Domain) ASCIIExtra(smtputf8 bool) string {
	if !smtputf8 || d.Unicode == "" {
		return ""
	}
	return d.ASCII
}

// String returns a readable name, with both the unicode and ASCII form for
// IDNA names.
func (d Domain) String() string {
	return d.LogString()
}

// LogString returns the name as it should appear in logs, the unicode and
// ASCII forms joined for IDNA names.
func (d Domain) LogString() string {
	if d.Unicode != "" {
		return d.Unicode + "/" + d.ASCII
	}
	return d.ASCII
}

// IsZero returns whether the domain is empty.
func (d Domain) IsZero() bool {
	return d == Domain{}
}

// ParseDomain parses a name with ASCII or unicode (U-label) labels into its
// canonical, lower-cased form. Unicode characters can be mapped to
// equivalents, e.g. "ⓡ" to "r", so comparisons must always be done on parsed
// domains, never on input strings.
func ParseDomain(s string) (Domain, error) {
	if s != "" && s[len(s)-1] == '.' {
		return Domain{}, errTrailingDot
	}
	a, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return Domain{}, fmt.Errorf("%w: to ascii: %v", errIDNA, err)
	}
	u, err := idna.Lookup.ToUnicode(s)
	if err != nil {
		return Domain{}, fmt.Errorf("%w: to unicode: %v", errIDNA, err)
	}
	if a == u {
		return Domain{a, ""}, nil
	}
	return Domain{a, u}, nil
}

// ParseDomainLax parses a domain like ParseDomain, but allows labels with
// underscores if the entire domain is ASCII-only non-IDNA and otherwise valid.
// MX records sometimes (incorrectly) point to hosts with underscores.
func ParseDomainLax(s string) (Domain, error) {
	if !strings.Contains(s, "_") {
		return ParseDomain(s)
	}

	// Names with underscores are not IDNA, only plain ASCII will do.
	for _, c := range s {
		if c >= 0x80 {
			return Domain{}, fmt.Errorf("%w: underscore requires ascii-only name", errUnderscore)
		}
	}

	// Parse with the underscores replaced. If IDNA processing changed nothing
	// else, the name with underscores is acceptable too.
	repl := strings.ToLower(strings.ReplaceAll(s, "_", "x"))
	d, err := ParseDomain(repl)
	if err != nil {
		return Domain{}, fmt.Errorf("%w: %v", errUnderscore, err)
	}
	if d.Unicode != "" || d.ASCII != repl {
		return Domain{}, fmt.Errorf("%w: idna name cannot have underscore", errUnderscore)
	}
	return Domain{ASCII: strings.ToLower(s)}, nil
}

// IsNotFound returns whether the error is a net.DNSError with IsNotFound set,
// meaning the name has no records of the requested type (an nxdomain or
// nodata response). Other record types can still exist for the name.
//
// The Go resolver sets IsNotFound both for nxdomain responses and for success
// responses carrying zero records, so callers need not also check for empty
// responses.
func IsNotFound(err error) bool {
	var derr *adns.DNSError
	return err != nil && errors.As(err, &derr) && derr.IsNotFound
}
