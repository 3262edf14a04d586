package smtp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/draymta/dray/dns"
)

var ErrBadAddress = errors.New("malformed email address")

// Localpart is a decoded local part of an email address, the part before the
// "@". A quoted-string localpart is stored without the double quotes and
// escaping backslashes. An empty string can be a valid localpart.
type Localpart string

// String returns the localpart in the form needed on an SMTP transaction,
// quoting/escaping when the value is not a valid dot-string.
func (lp Localpart) String() string {
	// A dot-string needs no quoting: atoms separated by dots, per RFC 5321 with
	// the UTF-8 extension of RFC 6531.
	isDotString := func() bool {
		for _, atom := range strings.Split(string(lp), ".") {
			if atom == "" {
				return false
			}
			for _, c := range atom {
				if !isatext(c) {
					return false
				}
			}
		}
		return true
	}
	if isDotString() {
		return string(lp)
	}

	// Anything else goes out as a quoted-string.
	var b strings.Builder
	b.Grow(len(lp) + 2)
	b.WriteByte('"')
	for _, c := range lp {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}

// LogString returns the localpart as used in SMTP, and additionally an
// escaped representation if it has non-ascii characters.
func (lp Localpart) LogString() string {
	plain := lp.String()
	if q := strconv.QuoteToASCII(plain); q != `"`+plain+`"` {
		return "/" + q
	}
	return plain
}

// DSNString returns the localpart as string for use in a DSN. utf8 indicates
// if the remote MTA supports utf8 messaging. If not, the 7bit
// "utf-8-addr-xtext" encoding from RFC 6533 is used.
func (lp Localpart) DSNString(utf8 bool) string {
	if utf8 {
		return lp.String()
	}
	var b strings.Builder
	for _, c := range lp {
		if c <= 0x20 || c >= 0x7f || c == '\\' || c == '+' || c == '=' {
			fmt.Fprintf(&b, `\x{%x}`, c)
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// IsInternational returns whether the localpart has non-ASCII characters.
func (lp Localpart) IsInternational() bool {
	for _, c := range lp {
		if c > 0x7f {
			return true
		}
	}
	return false
}

// Address is a localpart and a domain, a parsed email address.
type Address struct {
	Localpart Localpart
	Domain    dns.Domain // todo: merge this type into Path, which also allows an IP address literal.
}

// NewAddress builds an Address from its parts.
func NewAddress(localpart Localpart, domain dns.Domain) Address {
	return Address{Localpart: localpart, Domain: domain}
}

func (a Address) Path() Path {
	return Path{a.Localpart, dns.IPDomain{Domain: a.Domain}}
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// Pack returns the string form of the address. With smtputf8 the domain is in
// its non-ASCII form. A localpart with non-ASCII characters comes out as-is
// either way.
func (a Address) Pack(smtputf8 bool) string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.XName(smtputf8)
}

// String returns the address with any non-ASCII characters intact.
func (a Address) String() string {
	return a.Pack(true)
}

// LogString returns the address with utf-8 in localpart and domain. When the
// domain is IDNA or the localpart needs quoting, a second form with escaped
// localpart and ASCII domain is appended.
func (a Address) LogString() string {
	if a.IsZero() {
		return ""
	}
	full := a.Pack(true)
	ascii := a.Localpart.String()
	if q := strconv.QuoteToASCII(ascii); q != `"`+ascii+`"` {
		ascii = q
	} else if a.Domain.Unicode == "" {
		return full
	}
	return full + "/" + ascii + "@" + a.Domain.ASCII
}

// ParseAddress parses an email address, with UTF-8 allowed. It returns
// ErrBadAddress for invalid addresses.
func ParseAddress(s string) (Address, error) {
	localpart, rest, err := parseLocalPart(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	rest, ok := strings.CutPrefix(rest, "@")
	if !ok {
		return Address{}, fmt.Errorf("%w: missing @", ErrBadAddress)
	}
	dom, err := dns.ParseDomain(rest)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	return Address{localpart, dom}, nil
}

var ErrBadLocalpart = errors.New("malformed localpart")

// ParseLocalpart parses a localpart, with UTF-8 allowed. It returns
// ErrBadLocalpart for invalid localparts.
func ParseLocalpart(s string) (Localpart, error) {
	lp, rest, err := parseLocalPart(s)
	if err != nil {
		return "", err
	}
	if rest != "" {
		return "", fmt.Errorf("%w: leftover data after localpart: %q", ErrBadLocalpart, rest)
	}
	return lp, nil
}

func parseLocalPart(s string) (localpart Localpart, remain string, err error) {
	p := lpparser{s}

	defer func() {
		if x := recover(); x != nil {
			perr, ok := x.(error)
			if !ok {
				panic(x)
			}
			err = fmt.Errorf("%w: %v", ErrBadLocalpart, perr)
		}
	}()

	localpart = p.xlocalpart()
	return localpart, p.s, nil
}

// lpparser parses a localpart from the start of its input, consuming input as
// it goes. Parse errors leave through panic with an error, recovered in
// parseLocalPart.
type lpparser struct {
	s string // Input left to parse.
}

func (p *lpparser) xerrorf(format string, args ...any) {
	panic(fmt.Errorf(format, args...))
}

func (p *lpparser) take(prefix string) bool {
	if strings.HasPrefix(p.s, prefix) {
		p.s = p.s[len(prefix):]
		return true
	}
	return false
}

func (p *lpparser) xtake(prefix string) {
	if !p.take(prefix) {
		p.xerrorf("expected %q", prefix)
	}
}

// xchar takes the next character. Invalid utf-8 becomes the replacement rune
// while consuming a single byte, like ranging over a string would.
func (p *lpparser) xchar() rune {
	if p.s == "" {
		p.xerrorf("unexpected end of input")
	}
	c, size := utf8.DecodeRuneInString(p.s)
	p.s = p.s[size:]
	return c
}

func (p *lpparser) xlocalpart() Localpart {
	var text string
	if strings.HasPrefix(p.s, `"`) {
		text = p.xquotedString()
	} else {
		atoms := []string{p.xatom()}
		for p.take(".") {
			atoms = append(atoms, p.xatom())
		}
		text = strings.Join(atoms, ".")
	}
	// RFC 5321 says 64 octets max, but in the wild some services use larger
	// localparts for generated (bounce) addresses. Only a sanity bound here.
	if len(text) > 128 {
		p.xerrorf("localpart longer than 128 octets")
	}
	return Localpart(text)
}

func (p *lpparser) xquotedString() string {
	p.xtake(`"`)
	var b strings.Builder
	for {
		c := p.xchar()
		switch {
		case c == '\\':
			c = p.xchar()
			if c < ' ' || c >= 0x7f {
				p.xerrorf("bad escaped character %q in quoted string", c)
			}
			b.WriteRune(c)
		case c == '"':
			return b.String()
		case c >= ' ' && c != 0x7f:
			// todo: double check rfc 6531 on utf-8 inside quoted strings.
			b.WriteRune(c)
		default:
			p.xerrorf("bad character %q in quoted string", c)
		}
	}
}

func (p *lpparser) xatom() string {
	var i int
	for i < len(p.s) {
		c, size := utf8.DecodeRuneInString(p.s[i:])
		if !isatext(c) {
			break
		}
		i += size
	}
	if i == 0 {
		p.xerrorf("expected atom character")
	}
	atom := p.s[:i]
	p.s = p.s[i:]
	return atom
}

// isatext returns whether c is valid in an atom, the unquoted word in a
// dot-string, with the UTF-8 extension.
func isatext(c rune) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c > 0x7f || strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", c)
}
