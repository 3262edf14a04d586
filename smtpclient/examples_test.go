package smtpclient_test

import (
	"context"
	"crypto/tls"
	"log"
	"log/slog"
	"net"
	"strings"

	"github.com/draymta/dray/dns"
	"github.com/draymta/dray/sasl"
	"github.com/draymta/dray/smtpclient"
)

func ExampleClient() {
	// Submit a message to a mail server with SMTP AUTH. Delivering it further
	// becomes the server's responsibility.

	// Open the TCP connection to the submission port.
	conn, err := net.Dial("tcp", "submit.example.org:465")
	if err != nil {
		log.Fatalf("dial submission server: %v", err)
	}
	defer conn.Close()

	// Set up the SMTP session: EHLO, immediate TLS on this port, and AUTH.
	// The server certificate is verified against the PKIX/WebPKI roots.
	ctx := context.Background()
	tlsVerifyPKIX := true
	opts := smtpclient.Opts{
		Auth: func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error) {
			// CRAM-MD5 when offered, it keeps the password out of the clear.
			for _, mech := range mechanisms {
				if mech == "CRAM-MD5" {
					return sasl.NewClientCRAMMD5("sam", "test1234"), nil
				}
			}
			return sasl.NewClientPlain("sam", "test1234"), nil
		},
	}
	localname := dns.Domain{ASCII: "localhost"}
	remotename := dns.Domain{ASCII: "submit.example.org"}
	client, err := smtpclient.New(ctx, slog.Default(), conn, smtpclient.TLSImmediate, tlsVerifyPKIX, localname, remotename, opts)
	if err != nil {
		log.Fatalf("initialize smtp to submission server: %v", err)
	}
	defer client.Close()

	// Hand over the message, the server adds it to its queue.
	req8bitmime := false // The message is plain ASCII, no 8bitmime needed.
	reqSMTPUTF8 := false // And no utf-8 headers, no smtputf8.
	requireTLS := false  // Still rare in the wild.
	msg := "From: <sam@example.org>\r\nTo: <other@example.org>\r\nSubject: hi\r\n\r\nnice to test you.\r\n"
	err = client.Deliver(ctx, "sam@example.org", "other@example.com", int64(len(msg)), strings.NewReader(msg), req8bitmime, reqSMTPUTF8, requireTLS)
	if err != nil {
		log.Fatalf("submit message to smtp server: %v", err)
	}

	// The message is submitted.
}
