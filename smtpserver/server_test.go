package smtpserver

import (
	"context"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/draymta/dray/auth"
	"github.com/draymta/dray/config"
	"github.com/draymta/dray/dns"
	"github.com/draymta/dray/dray-"
	"github.com/draymta/dray/mlog"
	"github.com/draymta/dray/queue"
	"github.com/draymta/dray/sasl"
	"github.com/draymta/dray/smtp"
	"github.com/draymta/dray/smtpclient"
)

var ctxbg = context.Background()
var pkglog = mlog.New("smtpserver", nil)

func init() {
	// Tests run with the delays that protect against abuse turned off.
	badClientDelay = 0
	authFailDelay = 0
}

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("\ngot: %#v\nwant: %#v", got, exp)
	}
}

var submitMessage = strings.ReplaceAll(`From: <sam@dray.example>
To: <remote@example.org>
Subject: test message
Message-Id: <msg1@dray.example>

nothing to see
`, "\n", "\r\n")

var inboundMessage = strings.ReplaceAll(`From: <remote@example.org>
To: <sam@dray.example>
Subject: test message
Message-Id: <msg1@example.org>

nothing to see
`, "\n", "\r\n")

type testserver struct {
	t                  *testing.T
	cid                int64
	resolver           dns.Resolver
	clientAuth         func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error)
	username, password string
	tlsConfig          *tls.Config
	authenticator      auth.Authenticator
	allowPlaintextAuth bool
	maxMsgSize         int64
	requireTLS         bool
	tlsMode            smtpclient.TLSMode
	verifyPKIX         bool
	closed             bool
}

const password0 = "test1234"

func newTestServer(t *testing.T, cfgPath string, resolver dns.Resolver) *testserver {
	limitersInit() // Fresh rate limiter state per test.

	ts := testserver{
		t:                  t,
		cid:                1,
		resolver:           resolver,
		allowPlaintextAuth: true,
		maxMsgSize:         100 << 20,
		tlsMode:            smtpclient.TLSOpportunistic,
		tlsConfig:          &tls.Config{Certificates: []tls.Certificate{fakeCert(t)}},
	}

	dray.ConfigStaticPath = cfgPath
	dray.MustLoadConfig(false)
	os.RemoveAll(dray.ConfigDirPath(dray.Conf.Static.DataDir))

	tcheck(t, queue.Init(), "queue init")

	ts.authenticator = auth.NewFile(dray.Conf.Static.AuthFile)

	return &ts
}

func (ts *testserver) close() {
	if ts.closed {
		return
	}
	ts.closed = true
	dray.ShutdownCancel()
	queue.Shutdown()
	dray.Shutdown, dray.ShutdownCancel = context.WithCancel(ctxbg)
}

// queueList returns the current queue contents in insertion order, clearing
// the queue afterwards so scenarios don't bleed into each other.
func (ts *testserver) queueList() []queue.Entry {
	t := ts.t
	t.Helper()
	l, err := queue.List(ctxbg, queue.Filter{}, queue.Sort{Field: "NextAttempt", Asc: true})
	tcheck(t, err, "listing queue entries")
	_, err = queue.Drop(ctxbg, pkglog.WithCid(ts.cid), queue.Filter{})
	tcheck(t, err, "clearing queue")
	return l
}

// session starts a server on a pipe, runs the SMTP hello through smtpclient
// and hands the connected client to fn.
func (ts *testserver) session(fn func(c *smtpclient.Client)) {
	ts.t.Helper()
	ts.hello(func(helloErr error, c *smtpclient.Client) {
		ts.t.Helper()
		tcheck(ts.t, helloErr, "smtp hello")
		fn(c)
	})
}

// hello is like session, but hands fn the result of the hello (including
// authentication), for tests expecting greeting or auth failures.
func (ts *testserver) hello(fn func(helloErr error, c *smtpclient.Client)) {
	ts.t.Helper()
	ts.raw(func(conn net.Conn) {
		ts.t.Helper()

		clientAuth := ts.clientAuth
		if clientAuth == nil && ts.username != "" {
			clientAuth = func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error) {
				return sasl.NewClientPlain(ts.username, ts.password), nil
			}
		}

		opts := smtpclient.Opts{Auth: clientAuth}
		clientHostname := dns.Domain{ASCII: "remote.example"}
		log := pkglog.WithCid(ts.cid - 1)
		c, err := smtpclient.New(ctxbg, log.Logger, conn, ts.tlsMode, ts.verifyPKIX, clientHostname, dray.Conf.Static.HostnameDomain, opts)
		if err != nil {
			conn.Close()
		} else {
			defer c.Close()
		}
		fn(err, c)
	})
}

// raw starts a server on one end of a pipe and hands fn the other end.
func (ts *testserver) raw(fn func(conn net.Conn)) {
	ts.t.Helper()

	ts.cid += 2

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	// The client end is closed by fn, directly or through client.Close.
	done := make(chan struct{})
	defer func() { <-done }()

	go func() {
		serve("test", ts.cid-2, dray.Conf.Static.HostnameDomain, ts.tlsConfig, serverConn, ts.resolver, ts.authenticator, ts.allowPlaintextAuth, ts.maxMsgSize, ts.requireTLS)
		close(done)
	}()

	fn(clientConn)
}

// deliver runs one transaction from mailFrom to rcptTo with msg as data,
// requiring the result to match expErr, nil for success.
func (ts *testserver) deliver(mailFrom, rcptTo, msg string, expErr *smtpclient.Error) {
	ts.t.Helper()
	ts.session(func(c *smtpclient.Client) {
		ts.t.Helper()
		err := c.Deliver(ctxbg, mailFrom, rcptTo, int64(len(msg)), strings.NewReader(msg), false, false, false)
		ts.smtpErr(err, expErr)
	})
}

// smtpErr requires err to match expErr on permanence, code and secode, or to
// be nil when expErr is nil.
func (ts *testserver) smtpErr(err error, expErr *smtpclient.Error) {
	t := ts.t
	t.Helper()
	if expErr == nil {
		tcheck(t, err, "smtp transaction")
		return
	}
	var cerr smtpclient.Error
	if !errors.As(err, &cerr) || cerr.Permanent != expErr.Permanent || cerr.Code != expErr.Code || cerr.Secode != expErr.Secode {
		t.Fatalf("got error %v (%#v), expected %#v", err, err, expErr)
	}
}

// lineConn speaks the protocol directly, for tests that need input smtpclient
// would never send. One Read per response works because the server flushes
// each response in a single write, as long as responses stay under the buffer
// size.
type lineConn struct {
	t    *testing.T
	conn net.Conn
}

func (lc lineConn) write(s string) {
	lc.t.Helper()
	_, err := lc.conn.Write([]byte(s))
	tcheck(lc.t, err, "write to server")
}

// expect reads one response and requires it to start with prefix, returning
// the response without trailing crlf.
func (lc lineConn) expect(prefix string) string {
	lc.t.Helper()
	buf := make([]byte, 512)
	n, err := lc.conn.Read(buf)
	tcheck(lc.t, err, "read from server")
	resp := strings.TrimRight(string(buf[:n]), "\r\n")
	if !strings.HasPrefix(resp, prefix) {
		lc.t.Fatalf("got response %q, expected prefix %q", resp, prefix)
	}
	return resp
}

// fakeCert returns a minimal self-signed certificate that parses. Nothing
// verifies it, opportunistic TLS accepts whatever certificate it gets.
func fakeCert(t *testing.T) tls.Certificate {
	t.Helper()
	key := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize)) // Test-only key.
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(cryptorand.Reader, template, template, key.Public(), key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}
}

// Submission with authentication, for destinations that need the relay class.
func TestSubmission(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"dray.example.": {"127.0.0.10"}, // Sender domain must resolve.
		},
	}
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/dray.conf"), resolver)
	defer ts.close()

	// Without authentication, submission to a remote address is refused at RCPT
	// TO: example.org is not in the address tables and we are no open relay.
	ts.deliver("sam@dray.example", "remote@example.org", submitMessage, &smtpclient.Error{Permanent: true, Code: smtp.C550MailboxUnavail, Secode: smtp.SeAddr1UnknownDestMailbox1})
	tcompare(t, len(ts.queueList()), 0)

	// Bad password.
	ts.clientAuth = func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error) {
		return sasl.NewClientPlain("sam", "badpass"), nil
	}
	ts.hello(func(err error, _ *smtpclient.Client) {
		ts.smtpErr(err, &smtpclient.Error{Permanent: true, Code: smtp.C535AuthBadCreds, Secode: smtp.SePol7AuthBadCreds8})
	})

	// Unknown user.
	ts.clientAuth = func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error) {
		return sasl.NewClientPlain("nosuchuser", password0), nil
	}
	ts.hello(func(err error, _ *smtpclient.Client) {
		ts.smtpErr(err, &smtpclient.Error{Permanent: true, Code: smtp.C535AuthBadCreds, Secode: smtp.SePol7AuthBadCreds8})
	})
	ts.clientAuth = nil

	// With authentication, the message is queued as a relay recipient for direct
	// delivery, with the submitting account recorded on the envelope.
	ts.username = "sam"
	ts.password = password0
	for _, mech := range []string{"PLAIN", "LOGIN"} {
		ts.clientAuth = func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error) {
			if mech == "LOGIN" {
				return sasl.NewClientLogin(ts.username, ts.password), nil
			}
			return sasl.NewClientPlain(ts.username, ts.password), nil
		}
		ts.deliver("sam@dray.example", "remote@example.org", submitMessage, nil)
		l := ts.queueList()
		tcompare(t, len(l), 1)
		e := l[0]
		tcompare(t, e.Msg.AuthUser, "sam")
		tcompare(t, e.Msg.SenderDomainStr, "dray.example")
		tcompare(t, string(e.Rcpt.Localpart), "remote")
		tcompare(t, e.Rcpt.DomainStr, "example.org")
		tcompare(t, e.Rcpt.Class, config.ClassRelay)
		tcompare(t, e.Rcpt.Transport, "")
		tcompare(t, e.Rcpt.State, queue.Incoming)
	}
	ts.clientAuth = nil
	ts.username = ""
	ts.password = ""

	// Plaintext authentication is refused when the connection cannot get TLS and
	// the listener does not allow it.
	ts.allowPlaintextAuth = false
	ts.tlsConfig = nil
	ts.clientAuth = func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error) {
		return sasl.NewClientPlain("sam", password0), nil
	}
	ts.hello(func(err error, _ *smtpclient.Client) {
		ts.smtpErr(err, &smtpclient.Error{Permanent: true, Code: smtp.C538EncReqForAuth, Secode: smtp.SePol7EncReqForAuth11})
	})
}

// Incoming delivery from a remote server, unauthenticated.
func TestDelivery(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"example.org.": {"127.0.0.10"}, // Sender domain must resolve.
		},
	}
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/dray.conf"), resolver)
	defer ts.close()

	// Delivery to an unknown domain is refused, we do not relay.
	ts.deliver("remote@example.org", "someone@elsewhere.example", inboundMessage, &smtpclient.Error{Permanent: true, Code: smtp.C550MailboxUnavail, Secode: smtp.SeAddr1UnknownDestMailbox1})

	// Delivery to an unknown user in a local domain is refused.
	ts.deliver("remote@example.org", "nosuchuser@dray.example", inboundMessage, &smtpclient.Error{Permanent: true, Code: smtp.C550MailboxUnavail, Secode: smtp.SeAddr1UnknownDestMailbox1})

	// Delivery to an IP address literal is refused on unauthenticated connections.
	ts.deliver("remote@example.org", "sam@[127.0.0.1]", inboundMessage, &smtpclient.Error{Permanent: true, Code: smtp.C550MailboxUnavail, Secode: smtp.SeAddr1UnknownDestMailbox1})

	// Delivery to a disabled domain is refused with a temporary error.
	ts.deliver("remote@example.org", "sam@paused.example", inboundMessage, &smtpclient.Error{Code: smtp.C450MailboxUnavail, Secode: smtp.SeMailbox2Disabled1})

	tcompare(t, len(ts.queueList()), 0)

	// Delivery to a local mailbox address is queued, with the spooled message
	// starting with our Received header and ending with the data as transmitted.
	ts.deliver("remote@example.org", "sam@dray.example", inboundMessage, nil)
	l, err := queue.List(ctxbg, queue.Filter{}, queue.Sort{})
	tcheck(t, err, "listing queue entries")
	tcompare(t, len(l), 1)
	e := l[0]
	tcompare(t, e.Msg.AuthUser, "")
	tcompare(t, string(e.Rcpt.Localpart), "sam")
	tcompare(t, e.Rcpt.DomainStr, "dray.example")
	tcompare(t, e.Rcpt.Class, config.ClassLocal)
	tcompare(t, e.Msg.MessageID, "msg1@example.org")
	buf, err := os.ReadFile(e.Msg.MessagePath())
	tcheck(t, err, "reading spooled message")
	if !strings.HasPrefix(string(buf), "Received: from remote.example ") {
		t.Fatalf("spooled message does not start with received header: %q", buf)
	}
	if !strings.HasSuffix(string(buf), inboundMessage) {
		t.Fatalf("spooled message does not end with original data: %q", buf)
	}
	tcompare(t, e.Msg.Size, int64(len(buf)))
	ts.queueList()

	// The special postmaster address goes to the postmaster mailbox at our
	// hostname.
	ts.deliver("remote@example.org", "postmaster", inboundMessage, nil)
	l = ts.queueList()
	tcompare(t, len(l), 1)
	tcompare(t, string(l[0].Rcpt.Localpart), "postmaster")
	tcompare(t, l[0].Rcpt.DomainStr, "dray.example")
}

// The sender domain of unauthenticated mail must exist and accept email.
func TestSenderDomainChecks(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"example.org.": {"127.0.0.10"},
		},
		MX: map[string][]*net.MX{
			"nullmx.example.": {{Host: ".", Pref: 0}},
		},
		Fail: []string{
			"mx tempfail.example.",
		},
	}
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/dray.conf"), resolver)
	defer ts.close()

	check := func(mailFrom string, expErr *smtpclient.Error) {
		t.Helper()
		ts.deliver(mailFrom, "sam@dray.example", inboundMessage, expErr)
	}

	// Sender domain without a dot is not fully qualified.
	check("remote@localhost", &smtpclient.Error{Permanent: true, Code: smtp.C553BadMailbox, Secode: smtp.SeAddr1SenderSyntax7})

	// Sender domain with a null MX record does not send mail.
	check("remote@nullmx.example", &smtpclient.Error{Permanent: true, Code: smtp.C550MailboxUnavail, Secode: smtp.SePol7SenderHasNullMX27})

	// Nonexistent sender domain is treated like a null MX.
	check("remote@nxdomain.example", &smtpclient.Error{Permanent: true, Code: smtp.C550MailboxUnavail, Secode: smtp.SePol7SenderHasNullMX27})

	// Temporary DNS failure during the MX check gets a temporary error.
	check("remote@tempfail.example", &smtpclient.Error{Code: smtp.C451LocalErr, Secode: smtp.SeNet4Other0})

	// A plain IP address as sender needs authentication.
	check("remote@[127.0.0.1]", &smtpclient.Error{Permanent: true, Code: smtp.C550MailboxUnavail, Secode: smtp.SePol7Other0})

	// Valid sender domain is accepted.
	check("remote@example.org", nil)
	tcompare(t, len(ts.queueList()), 1)
}

// Aliases expand to their targets during RCPT TO, with deduplication across
// overlapping expansions, and a catchall for the rest of a virtual domain.
func TestAliasExpansion(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"example.org.": {"127.0.0.10"},
		},
	}
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/dray.conf"), resolver)
	defer ts.close()

	deliver := func(rcptTo ...string) {
		t.Helper()
		ts.session(func(c *smtpclient.Client) {
			t.Helper()
			resps, err := c.DeliverMultiple(ctxbg, "remote@example.org", rcptTo, int64(len(inboundMessage)), strings.NewReader(inboundMessage), false, false, false)
			tcheck(t, err, "deliver")
			tcompare(t, len(resps), len(rcptTo))
			for _, resp := range resps {
				tcompare(t, resp.Code, smtp.C250Completed)
			}
		})
	}

	type dest struct {
		addr  string
		orig  string
		class string
	}
	queued := func(exp ...dest) {
		t.Helper()
		var got []dest
		for _, e := range ts.queueList() {
			got = append(got, dest{
				string(e.Rcpt.Localpart) + "@" + e.Rcpt.DomainStr,
				string(e.Rcpt.OrigLocalpart) + "@" + e.Rcpt.OrigDomain.String(),
				e.Rcpt.Class,
			})
		}
		tcompare(t, got, exp)
	}

	// Simple alias to a single mailbox.
	deliver("support@dray.example")
	queued(dest{"sam@dray.example", "support@dray.example", config.ClassLocal})

	// Alias with multiple targets, one in another hosted domain.
	deliver("announce@dray.example")
	queued(
		dest{"sam@dray.example", "announce@dray.example", config.ClassLocal},
		dest{"info@virt.example", "announce@dray.example", config.ClassVirtual},
	)

	// Overlapping expansions are delivered once per final address.
	deliver("support@dray.example", "announce@dray.example")
	queued(
		dest{"sam@dray.example", "support@dray.example", config.ClassLocal},
		dest{"info@virt.example", "announce@dray.example", config.ClassVirtual},
	)

	// Unknown localpart in a domain with a catchall mailbox.
	deliver("blah@virt.example")
	queued(dest{"all@virt.example", "blah@virt.example", config.ClassVirtual})

	// A relay-class domain accepts unauthenticated mail, to be forwarded over
	// its configured transport.
	deliver("other@relay.example")
	l, err := queue.List(ctxbg, queue.Filter{}, queue.Sort{})
	tcheck(t, err, "listing queue entries")
	tcompare(t, len(l), 1)
	tcompare(t, l[0].Rcpt.Class, config.ClassRelay)
	tcompare(t, l[0].Rcpt.Transport, "smarthost")
	ts.queueList()
}

// Content filter rules are evaluated before the message is accepted into the
// queue, first match wins.
func TestFilter(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"example.org.": {"127.0.0.10"},
		},
	}
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/dray.conf"), resolver)
	defer ts.close()

	check := func(msg string, expErr *smtpclient.Error) {
		t.Helper()
		ts.deliver("remote@example.org", "sam@dray.example", msg, expErr)
	}

	msgWith := func(header string) string {
		return strings.Replace(inboundMessage, "Subject: test message\r\n", "Subject: test message\r\n"+header+"\r\n", 1)
	}

	// Reject rule: the sender gets a permanent error, nothing is queued.
	check(msgWith("X-Spam-Flag: yes"), &smtpclient.Error{Permanent: true, Code: smtp.C554TransactionFailed, Secode: smtp.SePol7DeliveryUnauth1})
	tcompare(t, len(ts.queueList()), 0)

	// Tempfail rule: the sender gets a temporary error and can try again later.
	check(msgWith("X-Defer: yes"), &smtpclient.Error{Code: smtp.C451LocalErr, Secode: smtp.SePol7Other0})
	tcompare(t, len(ts.queueList()), 0)

	// Discard rule: accepted as far as the sender can tell, but never queued.
	check(msgWith("X-Drop: yes"), nil)
	tcompare(t, len(ts.queueList()), 0)

	// Quarantine rule on body content: queued, but in the quarantined state with
	// the reason recorded, not delivered without operator action.
	check(strings.Replace(inboundMessage, "nothing to see", "see the suspicious attachment", 1), nil)
	l := ts.queueList()
	tcompare(t, len(l), 1)
	tcompare(t, l[0].Rcpt.State, queue.Quarantined)
	tcompare(t, l[0].Rcpt.LastError, "operator review needed")

	// Header rules run before body rules: the reject wins even when the body
	// would quarantine.
	check(strings.Replace(msgWith("X-Spam-Flag: yes"), "nothing to see", "see the suspicious attachment", 1), &smtpclient.Error{Permanent: true, Code: smtp.C554TransactionFailed, Secode: smtp.SePol7DeliveryUnauth1})
	tcompare(t, len(ts.queueList()), 0)

	// Clean message passes all rules.
	check(inboundMessage, nil)
	l = ts.queueList()
	tcompare(t, len(l), 1)
	tcompare(t, l[0].Rcpt.State, queue.Incoming)
}

// A transaction with both accepted and refused recipients delivers to the
// accepted ones only.
func TestMultipleRecipients(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"example.org.": {"127.0.0.10"},
		},
	}
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/dray.conf"), resolver)
	defer ts.close()

	ts.session(func(c *smtpclient.Client) {
		rcptTo := []string{"sam@dray.example", "nosuchuser@dray.example"}
		resps, err := c.DeliverMultiple(ctxbg, "remote@example.org", rcptTo, int64(len(inboundMessage)), strings.NewReader(inboundMessage), false, false, false)
		tcheck(t, err, "deliver")
		tcompare(t, len(resps), 2)
		tcompare(t, resps[0].Code, smtp.C250Completed)
		tcompare(t, resps[1].Code, smtp.C550MailboxUnavail)
	})
	l := ts.queueList()
	tcompare(t, len(l), 1)
	tcompare(t, string(l[0].Rcpt.Localpart), "sam")

	// With a null reverse path, at most one recipient is accepted: delivery
	// status notifications are about a single message for a single sender.
	ts.session(func(c *smtpclient.Client) {
		rcptTo := []string{"sam@dray.example", "postmaster@dray.example"}
		resps, err := c.DeliverMultiple(ctxbg, "", rcptTo, int64(len(inboundMessage)), strings.NewReader(inboundMessage), false, false, false)
		tcheck(t, err, "deliver")
		tcompare(t, len(resps), 2)
		tcompare(t, resps[0].Code, smtp.C250Completed)
		tcompare(t, resps[1].Code, smtp.C452StorageFull)
		tcompare(t, resps[1].Secode, smtp.SeProto5TooManyRcpts3)
	})
	l = ts.queueList()
	tcompare(t, len(l), 1)
	tcompare(t, l[0].Msg.SenderLocalpart, smtp.Localpart(""))
	tcompare(t, l[0].Msg.SenderDomainStr, "")
}

// Message size limit, announced in the EHLO SIZE extension and enforced both
// against the MAIL FROM SIZE parameter and while reading DATA.
func TestMaxMessageSize(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"example.org.": {"127.0.0.10"},
		},
	}
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/dray.conf"), resolver)
	ts.maxMsgSize = 1024
	defer ts.close()

	// The smtpclient refuses oversized messages on its own when the server
	// announces SIZE, so we speak the protocol directly.
	ts.raw(func(conn net.Conn) {
		defer conn.Close()

		lc := lineConn{t, conn}

		lc.expect("220 ")
		lc.write("EHLO remote.example\r\n")
		lc.expect("250-")

		// Declared size over the limit is refused at MAIL FROM.
		lc.write(fmt.Sprintf("MAIL FROM:<remote@example.org> SIZE=%d\r\n", 2*1024))
		lc.expect("552 5.2.3 ")

		// Without a declared size the limit is enforced while reading the data.
		// The entire transfer goes out in one go so we are not blocked on writing
		// data the server will never read after it gives up.
		lc.write("MAIL FROM:<remote@example.org>\r\n")
		lc.expect("250 ")
		lc.write("RCPT TO:<sam@dray.example>\r\n")
		lc.expect("250 ")
		lc.write("DATA\r\n")
		lc.expect("354 ")
		lc.write("Subject: big\r\n\r\n" + strings.Repeat("a", 2*1024) + "\r\n.\r\n")
		lc.expect("451 4.2.3 ")
		// The server disconnects, it cannot tell data from commands anymore.
	})
	tcompare(t, len(ts.queueList()), 0)
}

// Bare carriage returns and newlines in DATA can be abused for SMTP smuggling
// and are refused.
func TestSmuggle(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"example.org.": {"127.0.0.10"},
		},
	}
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/dray.conf"), resolver)
	defer ts.close()

	attempt := func(data string) {
		t.Helper()

		ts.raw(func(conn net.Conn) {
			t.Helper()

			clientHostname := dns.Domain{ASCII: "remote.example"}
			log := pkglog.WithCid(ts.cid - 1)
			_, err := smtpclient.New(ctxbg, log.Logger, conn, smtpclient.TLSSkip, false, clientHostname, dray.Conf.Static.HostnameDomain, smtpclient.Opts{})
			tcheck(t, err, "smtp hello")
			defer conn.Close()

			lc := lineConn{t, conn}

			lc.write("MAIL FROM:<remote@example.org>\r\n")
			lc.expect("2")
			lc.write("RCPT TO:<sam@dray.example>\r\n")
			lc.expect("2")

			lc.write("DATA\r\n")
			lc.expect("3")
			lc.write("\r\n") // Empty header section.
			lc.write(data)
			lc.write("\r\n.\r\n") // End of data.
			resp := lc.expect("5")
			if !strings.Contains(resp, "smug") {
				t.Errorf("got 5xx error with message %q, expected error text containing smug", resp)
			}
		})
	}

	attempt("\r\n.\n")
	attempt("\n.\n")
	attempt("\r.\r")
	attempt("\n.\r\n")

	// The connection stays usable, the server keeps reading until the proper
	// end-of-message sequence before reporting the error.
	ts.raw(func(conn net.Conn) {
		clientHostname := dns.Domain{ASCII: "remote.example"}
		log := pkglog.WithCid(ts.cid - 1)
		_, err := smtpclient.New(ctxbg, log.Logger, conn, smtpclient.TLSSkip, false, clientHostname, dray.Conf.Static.HostnameDomain, smtpclient.Opts{})
		tcheck(t, err, "smtp hello")
		defer conn.Close()

		lc := lineConn{t, conn}

		lc.write("MAIL FROM:<remote@example.org>\r\n")
		lc.expect("2")
		lc.write("RCPT TO:<sam@dray.example>\r\n")
		lc.expect("2")
		lc.write("DATA\r\n")
		lc.expect("3")
		lc.write("\r\nbad\rline\r\n.\r\n")
		lc.expect("500 5.5.2 ")

		lc.write("NOOP\r\n")
		lc.expect("250 ")
	})
	tcompare(t, len(ts.queueList()), 0)
}

// STARTTLS upgrades the connection and resets the protocol state.
func TestStarttls(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"example.org.": {"127.0.0.10"},
		},
	}
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/dray.conf"), resolver)
	ts.tlsMode = smtpclient.TLSRequiredStartTLS
	defer ts.close()

	ts.session(func(c *smtpclient.Client) {
		cs := c.TLSConnectionState()
		if cs == nil || !cs.HandshakeComplete {
			t.Fatalf("handshake not complete after starttls")
		}
		err := c.Deliver(ctxbg, "remote@example.org", "sam@dray.example", int64(len(inboundMessage)), strings.NewReader(inboundMessage), false, false, false)
		tcheck(t, err, "deliver over tls")
	})
	tcompare(t, len(ts.queueList()), 1)

	// STARTTLS resets the connection state, a mail transaction started before
	// the handshake does not survive it.
	ts.raw(func(conn net.Conn) {
		defer conn.Close()

		lc := lineConn{t, conn}

		lc.expect("220 ")
		lc.write("EHLO remote.example\r\n")
		lc.expect("250-")
		lc.write("MAIL FROM:<remote@example.org>\r\n")
		lc.expect("250 ")
		lc.write("STARTTLS\r\n")
		lc.expect("220 ")

		tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
		err := tlsConn.HandshakeContext(ctxbg)
		tcheck(t, err, "tls handshake")

		lc = lineConn{t, tlsConn}
		lc.write("EHLO remote.example\r\n")
		lc.expect("250-")
		lc.write("RCPT TO:<sam@dray.example>\r\n")
		lc.expect("503 5.5.1 ")
	})
}

// With RequireSTARTTLS, mail transactions are refused until the connection
// uses TLS.
func TestRequireStarttls(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"example.org.": {"127.0.0.10"},
		},
	}
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/dray.conf"), resolver)
	ts.requireTLS = true
	defer ts.close()

	ts.raw(func(conn net.Conn) {
		defer conn.Close()

		lc := lineConn{t, conn}

		lc.expect("220 ")
		lc.write("EHLO remote.example\r\n")
		lc.expect("250-")
		lc.write("MAIL FROM:<remote@example.org>\r\n")
		lc.expect("530 5.7.0 ")
	})
}

// The domain claimed in HELO must resolve. EHLO does not get this check, it
// breaks too many legitimate senders.
func TestHelo(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"remote.example.": {"127.0.0.10"},
		},
	}
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/dray.conf"), resolver)
	defer ts.close()

	ts.raw(func(conn net.Conn) {
		defer conn.Close()

		lc := lineConn{t, conn}

		lc.expect("220 ")
		lc.write("HELO nxdomain.example\r\n")
		lc.expect("550 5.5.0 ")
	})

	ts.raw(func(conn net.Conn) {
		defer conn.Close()

		lc := lineConn{t, conn}

		lc.expect("220 ")
		lc.write("HELO remote.example\r\n")
		lc.expect("250 ")
	})
}

// An unknown first command is likely another protocol, e.g. HTTP. Disconnect
// immediately instead of serving errors line by line.
func TestFirstCommandUnknown(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/dray.conf"), dns.MockResolver{})
	defer ts.close()

	ts.raw(func(conn net.Conn) {
		defer conn.Close()

		lc := lineConn{t, conn}

		lc.expect("220 ")
		lc.write("GET / HTTP/1.1\r\n")
		lc.expect("500 5.5.2 ")
		buf := make([]byte, 16)
		if _, err := conn.Read(buf); err == nil {
			t.Fatalf("connection still open after unknown first command")
		}
	})
}

// A connection producing only failed transactions gets cut off, it is likely
// a spammer probing.
func TestTooManyFailures(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"example.org.": {"127.0.0.10"},
		},
	}
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/dray.conf"), resolver)
	defer ts.close()

	spamMessage := strings.ReplaceAll(`X-Spam-Flag: yes
Subject: test message

nothing to see
`, "\n", "\r\n")

	ts.raw(func(conn net.Conn) {
		defer conn.Close()

		lc := lineConn{t, conn}

		lc.expect("220 ")
		lc.write("EHLO remote.example\r\n")
		lc.expect("250-")

		for i := 0; i < 11; i++ {
			lc.write("MAIL FROM:<remote@example.org>\r\n")
			lc.expect("250 ")
			lc.write("RCPT TO:<sam@dray.example>\r\n")
			lc.expect("250 ")
			lc.write("DATA\r\n")
			lc.expect("354 ")
			lc.write(spamMessage + ".\r\n")
			lc.expect("554 5.7.1 ")
			lc.write("RSET\r\n")
			lc.expect("250 ")
		}

		lc.write("MAIL FROM:<remote@example.org>\r\n")
		lc.expect("550 5.1.0 ")
	})
	tcompare(t, len(ts.queueList()), 0)
}

// The 8BITMIME and SMTPUTF8 MAIL FROM parameters are recorded on the queued
// message, delivery uses them to check support on the next hop.
func Test8bitmimeSmtputf8(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"example.org.": {"127.0.0.10"},
		},
	}
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/dray.conf"), resolver)
	defer ts.close()

	deliver := func(msg string, eightbit, smtputf8 bool) queue.Entry {
		t.Helper()
		ts.session(func(c *smtpclient.Client) {
			t.Helper()
			err := c.Deliver(ctxbg, "remote@example.org", "sam@dray.example", int64(len(msg)), strings.NewReader(msg), eightbit, smtputf8, false)
			tcheck(t, err, "deliver")
		})
		l := ts.queueList()
		tcompare(t, len(l), 1)
		return l[0]
	}

	e := deliver(inboundMessage, false, false)
	tcompare(t, e.Msg.Has8bit, false)
	tcompare(t, e.Msg.SMTPUTF8, false)

	e = deliver(inboundMessage, true, false)
	tcompare(t, e.Msg.Has8bit, true)
	tcompare(t, e.Msg.SMTPUTF8, false)

	e = deliver(inboundMessage, true, true)
	tcompare(t, e.Msg.Has8bit, true)
	tcompare(t, e.Msg.SMTPUTF8, true)

	// 8bit bytes in the message data are detected even when the remote did not
	// announce them.
	msg8bit := strings.Replace(inboundMessage, "nothing to see", "nöthing to see", 1)
	e = deliver(msg8bit, false, false)
	tcompare(t, e.Msg.Has8bit, true)
	tcompare(t, e.Msg.SMTPUTF8, false)
}
