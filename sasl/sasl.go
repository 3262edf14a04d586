// Package sasl implements Simple Authentication and Security Layer, RFC 4422,
// as used for authenticating to a smarthost.
package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"fmt"
	"strings"
)

// Client is the client side of a SASL exchange.
type Client interface {
	// Info returns the mechanism name as used in SMTP AUTH, e.g. PLAIN, LOGIN,
	// CRAM-MD5, and whether the mechanism exchanges credentials in clear text.
	// Cleartext credentials are kept out of protocol traces.
	Info() (mech string, cleartextCredentials bool)

	// Next produces the message to send for each step of the exchange. The
	// first call, with nil fromServer, asks for an optional "initial response":
	// nil means the mechanism has none, while a non-nil empty slice is an empty
	// initial response. last is set along with the client's final message.
	// Errors abort the authentication attempt.
	Next(fromServer []byte) (toServer []byte, last bool, rerr error)
}

type plainClient struct {
	user, pass string
	step       int
}

var _ Client = (*plainClient)(nil)

// NewClientPlain returns a client for SASL PLAIN authentication.
func NewClientPlain(username, password string) Client {
	return &plainClient{user: username, pass: password}
}

func (c *plainClient) Info() (string, bool) {
	return "PLAIN", true
}

func (c *plainClient) Next(fromServer []byte) ([]byte, bool, error) {
	defer func() { c.step++ }()
	switch c.step {
	case 0:
		// The authorization identity is left empty, servers derive it from the
		// authentication identity.
		return []byte("\x00" + c.user + "\x00" + c.pass), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", c.step)
	}
}

type loginClient struct {
	user, pass string
	step       int
}

var _ Client = (*loginClient)(nil)

// NewClientLogin returns a client for the obsolete but still commonly deployed
// SASL LOGIN authentication.
func NewClientLogin(username, password string) Client {
	return &loginClient{user: username, pass: password}
}

func (c *loginClient) Info() (string, bool) {
	return "LOGIN", true
}

func (c *loginClient) Next(fromServer []byte) ([]byte, bool, error) {
	defer func() { c.step++ }()
	switch c.step {
	case 0:
		// No initial response, the server prompts for the username and the
		// password in separate challenges.
		return nil, false, nil
	case 1:
		return []byte(c.user), false, nil
	case 2:
		return []byte(c.pass), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", c.step)
	}
}

type cramMD5Client struct {
	user, pass string
	step       int
}

var _ Client = (*cramMD5Client)(nil)

// NewClientCRAMMD5 returns a client for SASL CRAM-MD5 authentication.
func NewClientCRAMMD5(username, password string) Client {
	return &cramMD5Client{user: username, pass: password}
}

func (c *cramMD5Client) Info() (string, bool) {
	return "CRAM-MD5", false
}

func (c *cramMD5Client) Next(fromServer []byte) ([]byte, bool, error) {
	defer func() { c.step++ }()
	switch c.step {
	case 0:
		return nil, false, nil
	case 1:
		// The challenge must look like a msg-id, "<" random digits "."
		// timestamp "@" hostname ">", per RFC 2195.
		chal := string(fromServer)
		if !strings.HasPrefix(chal, "<") || !strings.HasSuffix(chal, ">") {
			return nil, false, fmt.Errorf("challenge missing angle brackets")
		}
		_, rest, ok := strings.Cut(chal, ".")
		if !ok {
			return nil, false, fmt.Errorf("challenge missing dot after random digits")
		}
		ts, _, ok := strings.Cut(rest, "@")
		if !ok || ts == "" {
			return nil, false, fmt.Errorf("challenge with empty timestamp or missing hostname")
		}

		// The response is the username and the hex HMAC-MD5 of the exact
		// challenge bytes, RFC 2195 appendix A.
		mac := hmac.New(md5.New, []byte(c.pass))
		mac.Write(fromServer)
		return []byte(fmt.Sprintf("%s %x", c.user, mac.Sum(nil))), true, nil

	default:
		return nil, false, fmt.Errorf("invalid step %d", c.step)
	}
}
