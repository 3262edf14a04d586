package smtpserver

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/draymta/dray/dns"
	"github.com/draymta/dray/smtp"
)

// parser holds the unparsed tail of a command line, together with an
// ascii-uppercased shadow of the same bytes. Keywords are matched against the
// shadow, data is taken from the original. Both strings are consumed in
// lockstep, which works because uppercasing single ascii bytes leaves offsets
// intact.
type parser struct {
	line     string // Remaining input, original bytes.
	up       string // Same input with a-z uppercased.
	smtputf8 bool   // SMTPUTF8 negotiated, making IDNA domains and utf-8 localparts valid.
	c        *conn
	utf8Code int // If non-zero, response code for a utf-8 localpart without smtputf8.
}

// upperASCII uppercases a-z only. strings.ToUpper would also replace invalid
// utf-8 with the replacement character, and the shadow must keep the exact
// length of the original for lockstep consumption.
func upperASCII(s string) string {
	var b []byte
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 'a' && c <= 'z' {
			if b == nil {
				b = []byte(s)
			}
			b[i] = c - ('a' - 'A')
		}
	}
	if b == nil {
		return s
	}
	return string(b)
}

func newParser(s string, smtputf8 bool, c *conn) *parser {
	return &parser{line: s, up: upperASCII(s), smtputf8: smtputf8, c: c}
}

func (p *parser) xsyntaxf(format string, args ...any) {
	// Authenticated users see the remaining unparsed input in the response,
	// anyone else only gets it in the log.
	msg := "bad syntax: " + fmt.Sprintf(format, args...)
	err := fmt.Errorf("%s (remaining %q)", msg, p.line)
	if p.c.username != "" {
		msg = err.Error()
	}

	panic(smtpError{smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, msg, err, false, true})
}

func (p *parser) xutf8Errorf() {
	code := smtp.C550MailboxUnavail
	if p.utf8Code != 0 {
		code = p.utf8Code
	}
	xsmtpUserErrorf(code, smtp.SeMsg6NonASCIINotPermitted7, "non-ascii characters in localpart require smtputf8")
}

func (p *parser) done() bool {
	return p.line == ""
}

// Commands normally call xeol instead, it tolerates trailing white space from
// unauthenticated sessions.
func (p *parser) xdone() {
	if p.line != "" {
		p.xsyntaxf("data past end of command")
	}
}

func (p *parser) xeol() {
	// Strict mode for authenticated sessions.
	if p.c.username != "" {
		p.xdone()
	}
	// Others get away with trailing white space.
	if strings.TrimRight(p.line, " \t") != "" {
		p.xsyntaxf("trailing data: %q", p.line)
	}
}

func (p *parser) peek(s string) bool {
	return strings.HasPrefix(p.up, s)
}

func (p *parser) accept(s string) bool {
	if !p.peek(s) {
		return false
	}
	p.advance(len(s))
	return true
}

func (p *parser) xaccept(s string) {
	if !p.accept(s) {
		p.xsyntaxf("missing %q", s)
	}
}

func (p *parser) sp() bool {
	return p.accept(" ")
}

func (p *parser) xsp() {
	p.xaccept(" ")
}

// advance consumes the first n bytes of the input, returning them in their
// original spelling.
func (p *parser) advance(n int) string {
	r := p.line[:n]
	p.line = p.line[n:]
	p.up = p.up[n:]
	return r
}

func (p *parser) rest() string {
	r := p.line
	p.line, p.up = "", ""
	return r
}

func (p *parser) peekRune() rune {
	if p.up == "" {
		return -1
	}
	c, _ := utf8.DecodeRuneInString(p.up)
	return c
}

// scan returns the length in bytes of the prefix of s for which fn holds. The
// index passed to fn is in bytes, for position-dependent grammar like a
// hyphen that may not lead.
func scan(s string, fn func(c rune, i int) bool) int {
	for i, c := range s {
		if fn(c, i) {
			continue
		}
		return i
	}
	return len(s)
}

// xtakeWhile1 consumes the longest prefix matching fn, requiring at least one
// character. Matching is done against the uppercased shadow, the original
// bytes come back.
func (p *parser) xtakeWhile1(what string, fn func(c rune, i int) bool) string {
	n := scan(p.up, fn)
	if n == 0 {
		p.xsyntaxf("missing %s", what)
	}
	return p.advance(n)
}

// xtakeWhile1case is like xtakeWhile1, but matches case-sensitively against
// the original bytes.
func (p *parser) xtakeWhile1case(what string, fn func(c rune, i int) bool) string {
	n := scan(p.line, fn)
	if n == 0 {
		p.xsyntaxf("missing %s", what)
	}
	return p.advance(n)
}

// xrawReversePath returns the raw bytes between the angle brackets. The path
// cannot be interpreted yet, whether a utf-8 localpart is acceptable only
// becomes known once the SMTPUTF8 parameter has been seen, so the caller holds
// on to the raw form and parses it again after all parameters.
func (p *parser) xrawReversePath() string {
	p.xaccept("<")
	n := strings.IndexByte(p.line, '>')
	if n < 0 {
		n = len(p.line)
	}
	s := p.advance(n)
	p.xaccept(">")
	return s
}

// withUTF8Code arms the response code used for a utf-8 localpart that arrives
// without smtputf8 negotiated, for the duration of fn.
func (p *parser) withUTF8Code(code int, fn func() smtp.Path) smtp.Path {
	p.utf8Code = code
	defer func() { p.utf8Code = 0 }()
	return fn()
}

// xbareReversePath parses a reverse-path without the surrounding angle
// brackets, the form xrawReversePath returned earlier, now that smtputf8 is
// known.
func (p *parser) xbareReversePath() smtp.Path {
	if p.done() {
		return smtp.Path{}
	}
	return p.withUTF8Code(smtp.C550MailboxUnavail, p.xbarePath)
}

func (p *parser) xforwardPath() smtp.Path {
	return p.withUTF8Code(smtp.C553BadMailbox, p.xpath)
}

func (p *parser) xpath() smtp.Path {
	n := len(p.line)
	p.xaccept("<")
	pth := p.xbarePath()
	p.xaccept(">")
	if n-len(p.line) > 256 {
		p.xsyntaxf("path exceeds 256 octets")
	}
	return pth
}

func (p *parser) xbarePath() smtp.Path {
	// Source routes are accepted but otherwise ignored.
	if p.accept("@") {
		p.xdomain()
		for p.accept(",") {
			p.xaccept("@")
			p.xdomain()
		}
		p.xaccept(":")
	}
	lp := p.xlocalpart()
	p.xaccept("@")
	return smtp.Path{Localpart: lp, IPDomain: p.xipdomain(false)}
}

func (p *parser) xdomain() dns.Domain {
	subs := []string{p.xsubdomain()}
	for p.accept(".") {
		subs = append(subs, p.xsubdomain())
	}
	s := strings.Join(subs, ".")
	if len(s) > 255 {
		p.xsyntaxf("domain exceeds 255 octets")
	}
	dom, err := dns.ParseDomain(s)
	if err != nil {
		p.xsyntaxf("parsing domain %q: %s", s, err)
	}
	return dom
}

func (p *parser) xsubdomain() string {
	return p.xtakeWhile1("subdomain", func(c rune, i int) bool {
		return c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' && i > 0 || c > 0x7f && p.smtputf8
	})
}

func (p *parser) xldhstr() string {
	return p.xtakeWhile1("ldh-str", func(c rune, i int) bool {
		return c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' && i == 0
	})
}

// xipdomain parses a domain, or an address literal in square brackets.
func (p *parser) xipdomain(ehlo bool) dns.IPDomain {
	if !p.accept("[") {
		return dns.IPDomain{Domain: p.xdomain()}
	}
	var v6 bool
	if c := p.peekRune(); c < '0' || c > '9' {
		tag := p.xldhstr()
		p.xaccept(":")
		if !strings.EqualFold(tag, "IPv6") {
			p.xsyntaxf("unrecognized address literal %q", tag)
		}
		v6 = true
	}
	n := strings.IndexByte(p.line, ']')
	if n < 0 {
		n = len(p.line)
	}
	addr := p.advance(n)
	if addr == "" {
		p.xsyntaxf("missing address literal")
	}
	p.accept("]")
	ip := net.ParseIP(addr)
	if ip == nil {
		p.xsyntaxf("invalid ip in address: %q", addr)
	}
	v4 := ip.To4() != nil
	if v6 && v4 {
		p.xsyntaxf("ip address is not ipv6")
	}
	if !v6 && !v4 {
		// MUAs regularly put a bare IPv6 address in their EHLO, without the required
		// IPv6: tag. Forgive them on listeners that offer authentication, stay strict
		// on regular SMTP.
		sloppy := ehlo && p.c.authenticator != nil && ip.To16() != nil
		if !sloppy {
			if ip.To16() == nil {
				p.xsyntaxf("ip address is not ipv4")
			}
			p.xsyntaxf("ip address is ipv6, use the [IPv6:...] syntax")
		}
	}
	return dns.IPDomain{IP: ip}
}

// todo: consider merging this with the localpart parsing in ../smtp/address.go, the smtputf8 gating is the difference.
func (p *parser) xlocalpart() smtp.Localpart {
	s := ""
	if p.peek(`"`) {
		s = p.xquotedString(true)
	} else {
		atoms := []string{p.xatom(true)}
		for p.accept(".") {
			atoms = append(atoms, p.xatom(true))
		}
		s = strings.Join(atoms, ".")
	}
	// The grammar does not allow this length, but generated addresses, such as
	// those embedding an encoded original recipient in a bounce, can get long.
	if len(s) > 128 {
		p.xsyntaxf("localpart exceeds 128 octets")
	}
	return smtp.Localpart(s)
}

func (p *parser) xquotedString(local bool) string {
	p.xaccept(`"`)
	var b strings.Builder
	for {
		c := p.xchar()
		switch {
		case c == '\\':
			c = p.xchar()
			if c < ' ' || c >= 0x7f {
				p.xsyntaxf("bad escaped character %q in quoted string", c)
			}
			b.WriteRune(c)
		case c == '"':
			return b.String()
		case c >= ' ' && c < 0x7f:
			b.WriteRune(c)
		case c > 0x7f && p.smtputf8:
			b.WriteRune(c)
		case c > 0x7f && local:
			p.xutf8Errorf()
		default:
			p.xsyntaxf("invalid character %q in quoted string", c)
		}
	}
}

// xchar consumes one utf-8 character, tolerating invalid utf-8, which comes
// out as the replacement character.
func (p *parser) xchar() rune {
	if p.done() {
		p.xsyntaxf("unexpected end of input")
	}
	c, size := utf8.DecodeRuneInString(p.line)
	p.advance(size)
	return c
}

func (p *parser) xatom(local bool) string {
	return p.xtakeWhile1("atom", func(c rune, i int) bool {
		if c > 0x7f {
			if !p.smtputf8 {
				if local {
					p.xutf8Errorf()
				}
				return false
			}
			return true
		}
		return c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", c)
	})
}

func (p *parser) xstring() string {
	if p.peek(`"`) {
		return p.xquotedString(false)
	}
	return p.xatom(false)
}

func (p *parser) xparamKeyword() string {
	return p.xtakeWhile1("parameter keyword", func(c rune, i int) bool {
		return c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' && i > 0
	})
}

func (p *parser) xparamValue() string {
	return p.xtakeWhile1("parameter value", func(c rune, i int) bool {
		return c > ' ' && c < 0x7f && c != '=' || c > 0x7f && p.smtputf8
	})
}

// xnumber parses a decimal number of at most digits digits, for parameters
// like SIZE that cap the value by digit count.
func (p *parser) xnumber(digits int) int64 {
	s := p.xtakeWhile1("number", func(c rune, i int) bool {
		return i < digits && c >= '0' && c <= '9'
	})
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		p.xsyntaxf("invalid number %q: %s", s, err)
	}
	return n
}

// xsaslMech parses a SASL mechanism name as used with the AUTH command.
func (p *parser) xsaslMech() string {
	return p.xtakeWhile1case("sasl-mech", func(c rune, i int) bool {
		return i < 20 && (c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-')
	})
}

// xtext decodes the xtext form used for the AUTH parameter of MAIL FROM, with
// +XX hexadecimal escapes.
func (p *parser) xtext() string {
	var b strings.Builder
	for p.line != "" {
		c := p.line[0]
		if c > ' ' && c < 0x7f && c != '+' && c != '=' {
			b.WriteByte(c)
			p.advance(1)
			continue
		}
		if c != '+' {
			break
		}
		p.advance(1)
		if len(p.line) < 2 {
			p.xsyntaxf("short hexadecimal escape in xtext")
		}
		x := p.advance(2)
		hexval := func(h byte) byte {
			switch {
			case h >= '0' && h <= '9':
				return h - '0'
			case h >= 'A' && h <= 'F':
				return h - 'A' + 10
			}
			p.xsyntaxf("invalid hexadecimal escape %q in xtext", x)
			panic("not reached")
		}
		b.WriteByte(hexval(x[0])<<4 | hexval(x[1]))
	}
	return b.String()
}
