package queue

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/draymta/dray/config"
	"github.com/draymta/dray/dns"
	"github.com/draymta/dray/dray-"
	"github.com/draymta/dray/drayio"
	"github.com/draymta/dray/dsn"
	"github.com/draymta/dray/mlog"
	"github.com/draymta/dray/resolve"
	"github.com/draymta/dray/smtp"
)

// deliverDSNFailure queues a nondelivery report to the sender of m about the
// permanent failure for recipient r.
func deliverDSNFailure(ctx context.Context, log mlog.Log, m Msg, r Rcpt, remoteMTA dsn.NameIP, secodeOpt, errmsg string, smtpLines []string) {
	textBody := fmt.Sprintf(`
Your email could not be delivered to:

	%s

There will be no further delivery attempts.

The error from the last delivery attempt:

	%s
`, r.Recipient().XString(m.SMTPUTF8), errmsg)

	deliverDSN(ctx, log, m, r, remoteMTA, secodeOpt, smtpLines, true, nil, "mail delivery failed", textBody)
}

// deliverDSNDelay queues a delayed-delivery report to the sender of m about
// recipient r. Delivery attempts continue until retryUntil.
func deliverDSNDelay(ctx context.Context, log mlog.Log, m Msg, r Rcpt, remoteMTA dsn.NameIP, secodeOpt, errmsg string, smtpLines []string, retryUntil time.Time) {
	textBody := fmt.Sprintf(`
Your email has not been delivered yet to:

	%s

Delivery attempts continue with increasing intervals, until %s at the latest.
If all attempts fail, you will receive a final notice.

The error from the last delivery attempt:

	%s
`, r.Recipient().XString(false), retryUntil.UTC().Format("2006-01-02 15:04 UTC"), errmsg)

	deliverDSN(ctx, log, m, r, remoteMTA, secodeOpt, smtpLines, false, &retryUntil, "mail delivery delayed", textBody)
}

// deliverDSN composes a DSN about recipient r of message m and queues it for
// delivery to the sender, with the null reverse-path. A DSN is never sent
// about a message that is itself a DSN, or that has the null reverse-path,
// preventing mail loops between misconfigured hosts. If the DSN cannot be
// composed or queued, the failure is logged and the sender is not informed.
func deliverDSN(ctx context.Context, log mlog.Log, m Msg, r Rcpt, remoteMTA dsn.NameIP, secodeOpt string, smtpLines []string, permanent bool, retryUntil *time.Time, subject, textBody string) {
	kind := "failure"
	if !permanent {
		kind = "delayed delivery"
	}

	qlog := func(what string, err error) {
		log.Errorx("queue dsn: "+what+": sender will not be informed", err, slog.String("sender", m.Sender().XString(m.SMTPUTF8)), slog.String("kind", kind))
	}

	sender := m.Sender()
	if m.IsDSN || sender.IsZero() {
		log.Info("not queueing dsn for message with null reverse-path", slog.String("kind", kind))
		return
	}

	headers, err := readHeaderBlock(m.MessagePath())
	if err != nil {
		qlog("reading header of queued message", err)
		return
	}

	action, status := dsn.Delayed, "4."
	if permanent {
		action, status = dsn.Failed, "5."
	}
	if secodeOpt == "" {
		status += "0.0"
	} else {
		status += secodeOpt
	}

	// Diagnostic-Code only when the remote actually responded, so a local or
	// network error is not dressed up as an SMTP reply.
	var smtpDiag string
	if len(smtpLines) > 0 {
		smtpDiag = strings.Join(smtpLines, " ")
		textBody += "\nFull SMTP response:\n\n\t" + strings.Join(smtpLines, "\n\t") + "\n"
	}

	now := timeNow()
	lastAttempt := now
	if r.LastAttempt != nil {
		lastAttempt = *r.LastAttempt
	}

	rcpt := dsn.Recipient{
		FinalRecipient:  r.Recipient(),
		Action:          action,
		Status:          status,
		RemoteMTA:       remoteMTA,
		DiagnosticCode:  smtpDiag,
		LastAttemptDate: lastAttempt,
		WillRetryUntil:  retryUntil,
	}
	if orig := r.Original(); !orig.IsZero() && !orig.Equal(r.Recipient()) {
		rcpt.OriginalRecipient = orig
	}

	var refs string
	if m.MessageID != "" {
		refs = "<" + m.MessageID + ">"
	}
	dsnMsg := dsn.Message{
		SMTPUTF8:     m.SMTPUTF8,
		From:         smtp.Path{Localpart: "postmaster", IPDomain: dns.IPDomain{Domain: dray.Conf.Static.HostnameDomain}},
		To:           sender,
		Subject:      subject,
		References:   refs,
		TextBody:     textBody,
		ReportingMTA: dray.Conf.Static.HostnameDomain.ASCII,
		ArrivalDate:  m.Queued,
		Recipients:   []dsn.Recipient{rcpt},
		Original:     headers,
	}

	msgData, err := dsnMsg.Compose(false)
	if err != nil {
		qlog("composing dsn message", err)
		return
	}
	msgid := dsnMsg.MessageID
	var msgDataUTF8 []byte
	if m.SMTPUTF8 {
		// Alternative form in case the path back to the sender turns out to
		// support smtputf8. Not fatal when composing fails, the ascii form
		// works for any route.
		msgDataUTF8, err = dsnMsg.Compose(true)
		if err != nil {
			log.Infox("composing dsn with utf-8 addresses, continuing with ascii form only", err)
			msgDataUTF8 = nil
		}
	}

	rcpts, err := dsnRcpts(sender)
	if err != nil {
		qlog("resolving destination for sender address", err)
		return
	}

	msgFile, err := CreateMessageTemp(log)
	if err != nil {
		qlog("creating temporary dsn file", err)
		return
	}
	defer func() {
		log.Check(msgFile.Close(), "closing temporary dsn message file")
		log.Check(os.Remove(msgFile.Name()), "removing temporary dsn message file")
	}()
	if _, err := msgFile.Write(msgData); err != nil {
		qlog("writing dsn message file", err)
		return
	}

	qm := MakeMsg(smtp.Path{}, false, false, int64(len(msgData)), msgid, "", "", now)
	qm.IsDSN = true
	qm.DSNUTF8 = msgDataUTF8

	if err := Add(ctx, log, &qm, msgFile, rcpts...); err != nil {
		qlog("queueing dsn", err)
		return
	}
	log.Info("queued dsn to sender", slog.String("kind", kind), slog.Any("sender", sender), slog.Int64("msgid", qm.ID))
}

// dsnRcpts returns the queue recipients for delivering a DSN to sender. A
// sender in a hosted domain resolves through the address tables, addresses in
// other domains or with an IP literal become relay recipients for direct
// delivery.
func dsnRcpts(sender smtp.Path) ([]Rcpt, error) {
	if len(sender.IPDomain.IP) > 0 {
		return []Rcpt{MakeRcpt(sender, sender, config.ClassRelay, "")}, nil
	}
	dests, err := resolve.Resolve(dray.Conf.Tables(), smtp.NewAddress(sender.Localpart, sender.IPDomain.Domain), true)
	if err != nil {
		return nil, err
	}
	rcpts := make([]Rcpt, len(dests))
	for i, d := range dests {
		rcpts[i] = MakeRcpt(sender, d.Address.Path(), d.Class, d.Transport)
	}
	return rcpts, nil
}

// readHeaderBlock returns the header section of the message at path, up to
// but not including the blank separator line. A message can have an
// arbitrarily large header section, the report quotes at most 8KB of it.
func readHeaderBlock(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	var headers []byte
	br := bufio.NewReader(&drayio.LimitReader{R: f, Limit: 8 * 1024})
	for {
		line, err := br.ReadBytes('\n')
		if bytes.Equal(line, []byte("\r\n")) || bytes.Equal(line, []byte("\n")) {
			break
		}
		headers = append(headers, line...)
		if err == io.EOF || errors.Is(err, drayio.ErrLimit) {
			break
		} else if err != nil {
			return nil, err
		}
	}
	return headers, nil
}
