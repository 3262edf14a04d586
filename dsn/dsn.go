// Package dsn composes Delivery Status Notification messages, see RFC 3464
// and RFC 6533.
package dsn

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/draymta/dray/dray-"
	"github.com/draymta/dray/smtp"
)

// Message is a DSN under construction: the basic message headers, a
// human-readable text, the machine-parsable delivery-status fields, and
// optionally the original message headers.
//
// A DSN reports a failed or delayed delivery. Both refused incoming messages
// and failing outgoing deliveries from the queue can produce one.
type Message struct {
	SMTPUTF8 bool // Whether the original message was received with smtputf8.

	// From header of the DSN, e.g. postmaster@ourdomain.example. Only the
	// header: the envelope sender of a DSN is the null reverse path, so DSNs
	// never bounce back and forth.
	From smtp.Path

	// To header, and the RCPT TO the DSN is delivered to. This is the MAIL
	// FROM of the original transaction.
	To smtp.Path

	// Subject header, a short description of the failure.
	Subject string

	// Set during composing.
	MessageID string

	// References header, holding the Message-ID of the original message, so
	// mail user-agents thread the DSN with it.
	References string

	// Human-readable explanation of the failure. Lines end in bare newlines,
	// converted to \r\n during composing.
	TextBody string

	// Fields of the per-message block.
	ReportingMTA    string    // Required.
	ReceivedFromMTA smtp.Ehlo // Host the message was received from.
	ArrivalDate     time.Time

	// Per-recipient blocks, at least one.
	Recipients []Recipient

	// Original message or its headers, included as the third MIME part.
	// Optional.
	Original []byte
}

// Action is the delivery outcome reported for a recipient.
type Action string

const (
	Failed    Action = "failed"
	Delayed   Action = "delayed"
	Delivered Action = "delivered"
	Relayed   Action = "relayed"
	Expanded  Action = "expanded"
)

// Recipient holds the delivery-status lines for one recipient of a DSN.
type Recipient struct {
	FinalRecipient smtp.Path // Recipient the message ended up at. Required.
	Action         Action    // Required.

	// Enhanced status code, the first digit tells permanent from temporary.
	// Any text following the code ends up as a comment in the composed DSN.
	Status string

	// Recipient the message was addressed to, before alias expansion.
	// Optional, like all fields below.
	OriginalRecipient smtp.Path

	// Remote host that returned an error code. Empty for local deliveries.
	RemoteMTA NameIP

	// With RemoteMTA set, DiagnosticCode is what the remote returned. Text
	// beyond the code itself becomes a comment in the composed DSN.
	DiagnosticCode  string
	LastAttemptDate time.Time
	FinalLogID      string

	// For delayed deliveries, the time until which attempts continue.
	WillRetryUntil *time.Time
}

// Compose returns the DSN message for delivery.
//
// smtputf8 tells whether the MTA the DSN will be submitted to announced
// smtputf8 support. It decides the media (sub)types used for the parts.
func (m *Message) Compose(smtputf8 bool) ([]byte, error) {
	// The result is a multipart/report. Two parts always, the human-readable
	// explanation and the message/delivery-status fields, plus an optional
	// third part with the original message headers.

	if len(m.Recipients) == 0 {
		return nil, fmt.Errorf("dsn needs at least one recipient block")
	}

	// A DSN about a non-smtputf8 message never needs utf-8 itself.
	if !m.SMTPUTF8 {
		smtputf8 = false
	}

	// Write errors stick in the failWriter, one check at the end suffices.
	out := &failWriter{}

	hdr := func(k, v string) {
		fmt.Fprintf(out, "%s: %s\r\n", k, v)
	}

	m.MessageID = dray.MessageIDGen(smtputf8)

	// Headers of the DSN itself.
	hdr("From", "<"+m.From.XString(smtputf8)+">")
	hdr("To", "<"+m.To.XString(smtputf8)+">")
	hdr("Subject", m.Subject)
	hdr("Message-Id", "<"+m.MessageID+">")
	if m.References != "" {
		hdr("References", m.References)
	}
	hdr("Date", time.Now().Format(smtp.RFC5322Z))
	hdr("MIME-Version", "1.0")
	hdr("Auto-Submitted", "auto-replied")

	mp := multipart.NewWriter(out)
	hdr("Content-Type", `multipart/report; report-type="delivery-status"; boundary="`+mp.Boundary()+`"`)
	fmt.Fprint(out, "\r\n")

	part := func(ctype, enc string) (io.Writer, error) {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", ctype)
		h.Set("Content-Transfer-Encoding", enc)
		return mp.CreatePart(h)
	}

	// First part, the explanation for humans.
	textType, textEnc := "text/plain", "7BIT"
	if smtputf8 {
		textType, textEnc = "text/plain; charset=utf-8", "8BIT"
	}
	tw, err := part(textType, textEnc)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(tw, strings.ReplaceAll(m.TextBody, "\n", "\r\n")); err != nil {
		return nil, err
	}

	// Second part, the delivery-status fields for machines.
	dsType, dsEnc := "message/delivery-status", "7BIT"
	if smtputf8 {
		dsType, dsEnc = "message/global-delivery-status", "8BIT"
	}
	dsw, err := part(dsType, dsEnc)
	if err != nil {
		return nil, err
	}

	field := func(k, v string) {
		fmt.Fprintf(dsw, "%s: %s\r\n", k, v)
	}

	// The per-message block comes first.
	field("Reporting-MTA", "dns; "+m.ReportingMTA)
	if !m.ReceivedFromMTA.IsZero() {
		field("Received-From-MTA", "dns;"+m.ReceivedFromMTA.Name.String()+" ("+smtp.AddressLiteral(m.ReceivedFromMTA.ConnIP)+")")
	}
	field("Arrival-Date", m.ArrivalDate.Format(smtp.RFC5322Z))

	atype := "rfc822;"
	if smtputf8 {
		atype = "utf-8;"
	}
	for _, rcpt := range m.Recipients {
		fmt.Fprint(dsw, "\r\n")
		if !rcpt.OriginalRecipient.IsZero() {
			field("Original-Recipient", atype+rcpt.OriginalRecipient.DSNString(smtputf8))
		}
		field("Final-Recipient", atype+rcpt.FinalRecipient.DSNString(smtputf8))
		field("Action", string(rcpt.Action))

		st := rcpt.Status
		if st == "" {
			// The field is required, substitute a generic code matching the
			// action.
			st = "2.0.0"
			if rcpt.Action == Failed {
				st = "5.0.0"
			} else if rcpt.Action == Delayed {
				st = "4.0.0"
			}
		}
		field("Status", codeComment(st))

		if !rcpt.RemoteMTA.IsZero() {
			v := "dns;" + rcpt.RemoteMTA.Name
			if len(rcpt.RemoteMTA.IP) > 0 {
				v += " (" + smtp.AddressLiteral(rcpt.RemoteMTA.IP) + ")"
			}
			field("Remote-MTA", v)
		}
		// A Diagnostic-Code field means the code came from the remote MTA.
		if rcpt.DiagnosticCode != "" {
			field("Diagnostic-Code", "smtp; "+codeComment(rcpt.DiagnosticCode))
		}
		if !rcpt.LastAttemptDate.IsZero() {
			field("Last-Attempt-Date", rcpt.LastAttemptDate.Format(smtp.RFC5322Z))
		}
		if rcpt.FinalLogID != "" {
			field("Final-Log-ID", rcpt.FinalLogID)
		}
		if rcpt.WillRetryUntil != nil {
			field("Will-Retry-Until", rcpt.WillRetryUntil.Format(smtp.RFC5322Z))
		}
	}

	// Third part, only the header section of the original message. Data up to
	// the first blank line, or all of it if there is none.
	if m.Original != nil {
		hdrs := m.Original
		if i := bytes.Index(hdrs, []byte("\r\n\r\n")); i >= 0 {
			hdrs = hdrs[:i+4]
		}

		origType, origEnc := "text/rfc822-headers", "7BIT"
		if smtputf8 {
			origType, origEnc = "message/global-headers", "8BIT"
		} else if m.SMTPUTF8 {
			origType, origEnc = "text/rfc822-headers; charset=utf-8", "BASE64"
		}
		ow, err := part(origType, origEnc)
		if err != nil {
			return nil, err
		}

		if origEnc == "BASE64" {
			// utf-8 headers in an ascii DSN get base64, wrapped at 78
			// characters.
			s := base64.StdEncoding.EncodeToString(hdrs)
			for len(s) > 0 {
				n := min(len(s), 78)
				if _, err := io.WriteString(ow, s[:n]+"\r\n"); err != nil {
					return nil, err
				}
				s = s[n:]
			}
		} else if _, err := ow.Write(hdrs); err != nil {
			return nil, err
		}
	}

	if err := mp.Close(); err != nil {
		return nil, err
	}
	if out.err != nil {
		return nil, out.err
	}
	return out.buf.Bytes(), nil
}

// failWriter remembers the first write error, letting composing check once at
// the end instead of after every write.
type failWriter struct {
	buf bytes.Buffer
	err error
}

func (w *failWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	var n int
	n, w.err = w.buf.Write(p)
	return n, w.err
}

// codeComment formats a status or diagnostic line: the enhanced status code
// first, any remaining text as a parenthesized comment.
func codeComment(s string) string {
	code, rest := codeLine(s)
	if rest != "" {
		code += " (" + rest + ")"
	}
	return code
}

// codeLine splits an enhanced status code off the start of a line. An empty
// code and the full line come back when no valid code is present.
func codeLine(s string) (string, string) {
	code, rest, _ := strings.Cut(s, " ")
	digits := strings.Split(code, ".")
	if len(digits) != 3 || len(digits[0]) != 1 {
		return "", s
	}
	for _, d := range digits {
		if _, err := strconv.ParseInt(d, 10, 32); err != nil {
			return "", s
		}
	}
	return code, rest
}

// HasCode returns whether line starts with an enhanced status code such as
// 5.7.1.
func HasCode(line string) bool {
	code, _ := codeLine(line)
	return code != ""
}
