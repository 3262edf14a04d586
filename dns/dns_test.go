package dns

import (
	"errors"
	"testing"
)

func TestParseDomain(t *testing.T) {
	test := func(lax bool, s string, exp Domain, expErr error) {
		t.Helper()
		parse := ParseDomain
		if lax {
			parse = ParseDomainLax
		}
		dom, err := parse(s)
		if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("parsing domain %q: got err %v, expected %v", s, err, expErr)
		}
		if expErr == nil && dom != exp {
			t.Fatalf("parsing domain %q: got %#v, expected %#v", s, dom, exp)
		}
	}

	// The rest of the code counts on names coming out of parsing normalized.
	test(false, "example.com", Domain{"example.com", ""}, nil)
	test(false, "EXAMPLE.COM", Domain{"example.com", ""}, nil)
	test(false, "TEST☺.EXAMPLE.COM", Domain{"xn--test-3o3b.example.com", "test☺.example.com"}, nil)
	test(false, "ℂᵤⓇℒ。𝐒🄴", Domain{"curl.se", ""}, nil) // https://daniel.haxx.se/blog/2022/12/14/idn-is-crazy/
	test(false, "example.com.", Domain{}, errTrailingDot)

	test(false, "_underscore.example.com", Domain{}, errIDNA)
	test(true, "_underscore.example.COM", Domain{ASCII: "_underscore.example.com"}, nil)
	test(true, "_underscore.☺.example.com", Domain{}, errUnderscore)
	test(true, "_underscore.xn--test-3o3b.example.com", Domain{}, errUnderscore)
}
