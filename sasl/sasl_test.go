package sasl

import (
	"bytes"
	"crypto/md5"
	"strings"
	"testing"
)

func TestClientPlain(t *testing.T) {
	c := NewClientPlain("sam", "test1234")
	if name, cleartext := c.Info(); name != "PLAIN" || !cleartext {
		t.Fatalf("got %q %v, expected PLAIN with cleartext credentials", name, cleartext)
	}
	toServer, last, err := c.Next(nil)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !last {
		t.Fatalf("plain took more than one step")
	}
	if !bytes.Equal(toServer, []byte("\u0000sam\u0000test1234")) {
		t.Fatalf("bad initial response %q", toServer)
	}
	if _, _, err := c.Next([]byte("235 ok")); err == nil {
		t.Fatalf("missing error for step after final message")
	}
}

func TestClientLogin(t *testing.T) {
	c := NewClientLogin("sam", "test1234")
	toServer, last, err := c.Next(nil)
	if err != nil || last || toServer != nil {
		t.Fatalf("initial response: %q %v %v", toServer, last, err)
	}
	toServer, last, err = c.Next([]byte("Username:"))
	if err != nil || last || string(toServer) != "sam" {
		t.Fatalf("username step: %q %v %v", toServer, last, err)
	}
	toServer, last, err = c.Next([]byte("Password:"))
	if err != nil || !last || string(toServer) != "test1234" {
		t.Fatalf("password step: %q %v %v", toServer, last, err)
	}
}

func TestClientCRAMMD5(t *testing.T) {
	// Example exchange from RFC 2195.
	c := NewClientCRAMMD5("tim", "tanstaaftanstaaf")
	if _, last, err := c.Next(nil); err != nil || last {
		t.Fatalf("initial response: %v %v", last, err)
	}
	toServer, last, err := c.Next([]byte("<1896.697170952@postoffice.reston.mci.net>"))
	if err != nil {
		t.Fatalf("challenge response: %v", err)
	}
	if !last {
		t.Fatalf("cram-md5 not done after challenge response")
	}
	if string(toServer) != "tim b913a602c7eda7a495b4e6e7334d3890" {
		t.Fatalf("bad response %q", toServer)
	}

	for _, bad := range []string{"no angle brackets", "<nodothere@host>", "<1896.697170952>", "<1896.@host>"} {
		c = NewClientCRAMMD5("tim", "tanstaaftanstaaf")
		c.Next(nil)
		if _, _, err := c.Next([]byte(bad)); err == nil {
			t.Fatalf("missing error for challenge %q", bad)
		}
	}

	// Keys longer than the md5 block size are hashed down first. We only check
	// the response shape, the exchange must not error.
	c = NewClientCRAMMD5("tim", strings.Repeat("x", 65))
	c.Next(nil)
	toServer, last, err = c.Next([]byte("<1896.697170952@postoffice.reston.mci.net>"))
	if err != nil || !last {
		t.Fatalf("challenge response with long password: %v %v", last, err)
	}
	if resp := string(toServer); !strings.HasPrefix(resp, "tim ") || len(resp) != len("tim ")+2*md5.Size {
		t.Fatalf("bad response shape %q", resp)
	}
}
