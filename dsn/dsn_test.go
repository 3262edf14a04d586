package dsn

import (
	"bytes"
	"mime"
	"mime/multipart"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/draymta/dray/dns"
	"github.com/draymta/dray/dray-"
	"github.com/draymta/dray/smtp"
)

func xpath(t *testing.T, s string) smtp.Path {
	t.Helper()
	a, err := smtp.ParseAddress(s)
	if err != nil {
		t.Fatalf("parsing address %q: %v", s, err)
	}
	return a.Path()
}

func TestCompose(t *testing.T) {
	hostname, err := dns.ParseDomain("mail.dray.example")
	if err != nil {
		t.Fatalf("parsing hostname: %v", err)
	}
	dray.Conf.Static.HostnameDomain = hostname

	now := time.Now().Round(time.Second)
	retryUntil := now.Add(24 * time.Hour)
	m := Message{
		From:         xpath(t, "postmaster@dray.example"),
		To:           xpath(t, "sender@remote.example"),
		Subject:      "mail delivery failure",
		TextBody:     "Delivery failed, see details below.\n",
		ReportingMTA: "mail.dray.example",
		ReceivedFromMTA: smtp.Ehlo{
			Name:   dns.IPDomain{Domain: dns.Domain{ASCII: "remote.example"}},
			ConnIP: net.ParseIP("10.9.8.7"),
		},
		ArrivalDate: now,
		Recipients: []Recipient{
			{
				FinalRecipient:  xpath(t, "dest@other.example"),
				Action:          Failed,
				Status:          "5.1.1",
				RemoteMTA:       NameIP{Name: "mx.other.example", IP: net.ParseIP("10.1.2.3")},
				DiagnosticCode:  "5.1.1 no such user",
				LastAttemptDate: now,
				FinalLogID:      "42",
			},
			{
				FinalRecipient: xpath(t, "slow@other.example"),
				Action:         Delayed,
				WillRetryUntil: &retryUntil,
			},
		},
		Original: []byte("Subject: original\r\nMessage-Id: <x@remote.example>\r\n\r\nbody\r\n"),
	}

	buf, err := m.Compose(false)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if m.MessageID == "" || !strings.HasSuffix(m.MessageID, "@mail.dray.example") {
		t.Fatalf("bad generated message-id %q", m.MessageID)
	}

	// The message must be a well-formed multipart/report with three parts.
	hdrEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if hdrEnd < 0 {
		t.Fatalf("no header/body separator in composed dsn")
	}
	var contentType string
	for _, line := range strings.Split(string(buf[:hdrEnd]), "\r\n") {
		if s, ok := strings.CutPrefix(line, "Content-Type: "); ok {
			contentType = s
		}
	}
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		t.Fatalf("parsing content-type %q: %v", contentType, err)
	}
	if mt != "multipart/report" || params["report-type"] != "delivery-status" {
		t.Fatalf("got content-type %q %v, expected multipart/report with report-type delivery-status", mt, params)
	}

	mr := multipart.NewReader(bytes.NewReader(buf[hdrEnd+4:]), params["boundary"])
	var parts []string
	var bodies []string
	for {
		p, err := mr.NextPart()
		if err != nil {
			break
		}
		var b bytes.Buffer
		b.ReadFrom(p)
		parts = append(parts, p.Header.Get("Content-Type"))
		bodies = append(bodies, b.String())
	}
	if len(parts) != 3 {
		t.Fatalf("got %d parts %v, expected 3", len(parts), parts)
	}
	if parts[1] != "message/delivery-status" {
		t.Fatalf("got second part %q, expected message/delivery-status", parts[1])
	}

	status := bodies[1]
	for _, s := range []string{
		"Reporting-MTA: dns; mail.dray.example",
		"Received-From-MTA: dns;remote.example ([10.9.8.7])",
		"Final-Recipient: rfc822;dest@other.example",
		"Action: failed",
		"Status: 5.1.1",
		"Remote-MTA: dns;mx.other.example ([10.1.2.3])",
		"Diagnostic-Code: smtp; 5.1.1 (no such user)",
		"Final-Log-ID: 42",
		"Action: delayed",
		"Status: 4.0.0",
		"Will-Retry-Until: ",
	} {
		if !strings.Contains(status, s) {
			t.Fatalf("delivery-status part missing %q:\n%s", s, status)
		}
	}

	// Third part has only the original headers, not the body.
	if !strings.Contains(bodies[2], "Subject: original") || strings.Contains(bodies[2], "body") {
		t.Fatalf("bad original headers part:\n%s", bodies[2])
	}

	// Without recipients, composing must fail.
	m.Recipients = nil
	if _, err := m.Compose(false); err == nil {
		t.Fatalf("compose without recipients did not fail")
	}
}

func TestCode(t *testing.T) {
	check := func(line, expCode, expRest string) {
		t.Helper()
		code, rest := codeLine(line)
		if code != expCode || rest != expRest {
			t.Fatalf("got %q %q, expected %q %q for %q", code, rest, expCode, expRest, line)
		}
	}
	check("5.1.1", "5.1.1", "")
	check("5.1.1 no such user", "5.1.1", "no such user")
	check("550 5.1.1 no such user", "", "550 5.1.1 no such user")
	check("no code", "", "no code")
	check("11.1.1", "", "11.1.1")
	check("5.1.x broken", "", "5.1.x broken")
	check("5.1.1  extra space", "5.1.1", " extra space")

	if !HasCode("4.2.2 mailbox full") || HasCode("bogus") {
		t.Fatalf("bad HasCode")
	}
}
