package smtp

import (
	"strconv"
	"strings"

	"github.com/draymta/dray/dns"
)

// Path is an SMTP reverse path (MAIL FROM) or forward path (RCPT TO).
type Path struct {
	Localpart Localpart
	IPDomain  dns.IPDomain
}

func (p Path) IsZero() bool {
	return p.IPDomain.IsZero() && p.Localpart == ""
}

// String formats the path with an ASCII-only domain.
func (p Path) String() string {
	return p.XString(false)
}

// LogString formats the path with unicode domain, adding the ASCII/quoted
// form after a slash when it differs.
func (p Path) LogString() string {
	if p.IsZero() {
		return ""
	}
	out := p.XString(true)
	local := p.Localpart.String()
	q := strconv.QuoteToASCII(local)
	needQuote := q != `"`+local+`"`
	if needQuote {
		local = q
	}
	if needQuote || p.IPDomain.Domain.Unicode != "" {
		out += "/" + local + "@" + p.IPDomain.XString(false)
	}
	return out
}

// XString formats the path, with unicode domain when utf8 is set and IDNA
// ASCII otherwise.
func (p Path) XString(utf8 bool) string {
	if p.IsZero() {
		return ""
	}
	return p.Localpart.String() + "@" + p.IPDomain.XString(utf8)
}

// ASCIIExtra returns the all-ASCII form of the path when utf8 is set and the
// domain is an internationalized name, for use in comments in message headers
// added during delivery. Returns the empty string otherwise.
func (p Path) ASCIIExtra(utf8 bool) string {
	if !utf8 || p.IPDomain.Domain.Unicode == "" {
		return ""
	}
	return p.XString(false)
}

// DSNString formats the path for inclusion in a DSN. With utf8, the address
// is included as-is. Without, the domain is IDNA ASCII and the localpart is
// encoded in 7bit per RFC 6533.
func (p Path) DSNString(utf8 bool) string {
	if !utf8 {
		return p.Localpart.DSNString(false) + "@" + p.IPDomain.XString(false)
	}
	return p.XString(true)
}

// Equal compares two paths, localparts case-sensitively and domains
// case-insensitively.
func (p Path) Equal(o Path) bool {
	switch {
	case p.Localpart != o.Localpart:
		return false
	case len(p.IPDomain.IP) > 0 || len(o.IPDomain.IP) > 0:
		return p.IPDomain.IP.Equal(o.IPDomain.IP)
	}
	return strings.EqualFold(p.IPDomain.Domain.ASCII, o.IPDomain.Domain.ASCII)
}
