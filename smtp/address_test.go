package smtp

import (
	"errors"
	"net"
	"testing"

	"github.com/draymta/dray/dns"
)

func TestParseLocalpart(t *testing.T) {
	valid := []string{
		"user",
		"a",
		"a.b.c",
		"tést",
		"!#$%&'*+-/=?^_`{|}~",
		`""`,
		`"ok"`,
		`"a.bc"`,
	}
	for _, s := range valid {
		if _, err := ParseLocalpart(s); err != nil {
			t.Errorf("localpart %q: unexpected error %v", s, err)
		}
	}

	// errors.Is is false for a nil error, so this also catches inputs that
	// were wrongly accepted.
	invalid := []string{
		"",
		`"`,          // Unterminated quoted string.
		"\x00",       // Control characters are rejected.
		"\"\\",       // Quoted pair without its character.
		"\"\x01",     // Control also rejected inside dquotes.
		`""leftover`, // Trailing data after the quoted string.
	}
	for _, s := range invalid {
		if _, err := ParseLocalpart(s); !errors.Is(err, ErrBadLocalpart) {
			t.Errorf("localpart %q: got err %v, want ErrBadLocalpart", s, err)
		}
	}
}

func TestParseAddress(t *testing.T) {
	valid := []string{
		"user@example.com",
		"tést@example.com",
		`"with space"@example.com`,
	}
	for _, s := range valid {
		if _, err := ParseAddress(s); err != nil {
			t.Errorf("address %q: unexpected error %v", s, err)
		}
	}

	invalid := []string{
		"user@@example.com",
		"user@",
		"user",                   // No @domain.
		"@example.com",           // No localpart.
		"user@[10.0.0.1]",        // Address literals only appear in paths.
		`"@example.com`,          // The @ is part of the unterminated quoted string.
		"\x00@example.com",       // Control characters are rejected.
		"\"\\@example.com",       // Quoted pair swallows the @.
		"\"\x01@example.com",     // Control also rejected inside dquotes.
		`""leftover@example.com`, // Data between quoted string and @.
	}
	for _, s := range invalid {
		if _, err := ParseAddress(s); !errors.Is(err, ErrBadAddress) {
			t.Errorf("address %q: got err %v, want ErrBadAddress", s, err)
		}
	}
}

func TestPackLocalpart(t *testing.T) {
	tests := []struct {
		lp   Localpart
		want string
	}{
		{"", `""`},     // Empty needs quoting.
		{"a.", `"a."`}, // A trailing dot needs quoting.
		{"a.b", "a.b"}, // Dotted atom passes as-is.
		{"azAZ09!#$%&'*+-/=?^_`{|}~", "azAZ09!#$%&'*+-/=?^_`{|}~"}, // Every ascii atext char stays bare.
		{" ", `" "`},
		{"\x01", "\"\x01\""}, // todo: quoting control characters preserves them, an error would be better.
		{"<>", `"<>"`},
		{"a\\b", `"a\\b"`},
		{`a"b`, `"a\"b"`},
	}
	for _, tc := range tests {
		if got := tc.lp.String(); got != tc.want {
			t.Errorf("packing localpart %q: got %q, want %q", string(tc.lp), got, tc.want)
		}
	}
}

func TestPath(t *testing.T) {
	xdomain := func(s string) dns.Domain {
		t.Helper()
		d, err := dns.ParseDomain(s)
		if err != nil {
			t.Fatalf("parsing domain %q: %v", s, err)
		}
		return d
	}

	p := Path{Localpart: "user", IPDomain: dns.IPDomain{Domain: xdomain("mail.example")}}
	if s := p.String(); s != "user@mail.example" {
		t.Fatalf("path string, got %q", s)
	}
	if !p.Equal(Path{Localpart: "user", IPDomain: dns.IPDomain{Domain: xdomain("MAIL.example")}}) {
		t.Fatalf("paths with case-differing domains not equal")
	}
	if p.Equal(Path{Localpart: "other", IPDomain: p.IPDomain}) {
		t.Fatalf("paths with different localparts equal")
	}

	ipp := Path{Localpart: "user", IPDomain: dns.IPDomain{IP: net.ParseIP("10.0.0.1")}}
	if s := ipp.String(); s != "user@[10.0.0.1]" {
		t.Fatalf("path with address literal, got %q", s)
	}

	up := Path{Localpart: "gebruiker", IPDomain: dns.IPDomain{Domain: xdomain("xn--74h.example")}}
	if s := up.XString(true); s != "gebruiker@☺.example" {
		t.Fatalf("utf-8 path, got %q", s)
	}
	if s := up.DSNString(false); s != "gebruiker@xn--74h.example" {
		t.Fatalf("ascii dsn path, got %q", s)
	}
}

func TestDSNLocalpart(t *testing.T) {
	if s := Localpart("tést").DSNString(true); s != "tést" {
		t.Fatalf("utf-8 dsn localpart, got %q", s)
	}
	if s := Localpart("tést").DSNString(false); s != `t\x{e9}st` {
		t.Fatalf("7bit dsn localpart, got %q", s)
	}
}
