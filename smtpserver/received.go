package smtpserver

import (
	"crypto/tls"
	"strings"
	"time"

	"github.com/draymta/dray/dray-"
	"github.com/draymta/dray/smtp"
)

// foldWriter builds a Received header, folding to a continuation line when a
// clause would push past the preferred line width.
type foldWriter struct {
	sb      strings.Builder
	width   int
	started bool
}

// add writes each text, separated by sep, folding before a text that would
// make the line too long. Individual texts are never split.
func (w *foldWriter) add(sep string, texts ...string) {
	for _, text := range texts {
		switch {
		case w.started && w.width > 1 && w.width+len(sep)+len(text) > 78:
			w.sb.WriteString("\r\n\t")
			w.width = 1
		case w.started && sep != "":
			w.sb.WriteString(sep)
			w.width += len(sep)
		}
		w.sb.WriteString(text)
		w.width += len(text)
		w.started = true
	}
}

func (w *foldWriter) header() string {
	return w.sb.String() + "\r\n"
}

// recvHdrFor returns a Received header for a message delivered to rcptTo. An
// empty rcptTo leaves out the "for" clause, used for messages to multiple
// recipients so their data stays identical.
func (c *conn) recvHdrFor(rcptTo string) string {
	from := c.hello.Domain.XName(c.smtputf8)
	if len(c.hello.IP) > 0 {
		from = smtp.AddressLiteral(c.hello.IP)
	}
	from += " (" + smtp.AddressLiteral(c.remoteIP) + ")"
	if c.smtputf8 && c.hello.Domain.Unicode != "" {
		// The ASCII form in a comment, the comment belongs to "BY" which comes
		// immediately after "FROM".
		from += " (" + c.hello.Domain.ASCII + ")"
	}

	by := c.hostname.XName(c.smtputf8) + " (" + smtp.AddressLiteral(c.localIP) + ")"
	if c.smtputf8 && c.hostname.Unicode != "" {
		// This syntax belongs to "VIA".
		by += " (" + c.hostname.ASCII + ")"
	}

	// RFC 3848, RFC 6531.
	with := "SMTP"
	switch {
	case c.smtputf8:
		with = "UTF8SMTP"
	case c.ehlo:
		with = "ESMTP"
	}
	if c.tls {
		with += "S"
	}
	if c.username != "" {
		with += "A"
	}

	w := &foldWriter{}
	// For additional Received-header clauses, see:
	// https://www.iana.org/assignments/mail-parameters/mail-parameters.xhtml#table-mail-parameters-8
	w.add(" ", "Received:", "from", from, "by", by, "via", "tcp", "with", with, "id", dray.ReceivedID(c.cid))
	if c.tls {
		state := c.conn.(*tls.Conn).ConnectionState()
		w.add(" ", dray.TLSReceivedComment(c.log, state)...)
	}
	if rcptTo != "" {
		w.add(" ", "for", "<"+rcptTo+">;")
	}
	w.add(" ", time.Now().Format(smtp.RFC5322Z))
	return w.header()
}
