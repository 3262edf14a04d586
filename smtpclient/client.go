// Package smtpclient is an SMTP client, for delivering messages from the queue
// to remote SMTP servers, or submitting them to a smarthost.
//
// For delivery to an MX host, no authentication is done and TLS is
// opportunistic by default: STARTTLS is used when the remote announces it, but
// certificates are not verified. For submission to a smarthost, the
// connection is typically TLS with a PKIX-verified certificate, and the client
// authenticates with a SASL mechanism.
//
// Delivering a message from the queue involves:
//  1. Resolving the MX targets for a domain, with smtpclient.GatherDestinations,
//     then for each destination:
//  2. Looking up IP addresses for the destination, with smtpclient.GatherIPs.
//  3. Dialing the MX target with smtpclient.Dial.
//  4. Initializing an SMTP session with smtpclient.New, and calling
//     client.Deliver on it.
package smtpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/draymta/dray/dns"
	"github.com/draymta/dray/drayio"
	"github.com/draymta/dray/metrics"
	"github.com/draymta/dray/mlog"
	"github.com/draymta/dray/sasl"
	"github.com/draymta/dray/smtp"
)

var (
	metricCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dray_smtpclient_command_duration_seconds",
			Help:    "SMTP client command duration and result codes in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30},
		},
		[]string{
			"cmd",
			"code",
			"secode",
		},
	)
	metricTLSVerifyErrorsIgnored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dray_smtpclient_tls_verify_errors_ignored_total",
			Help: "TLS certificate verification errors ignored due to a negative TLS requirement on the message.",
		},
	)
)

var (
	ErrSize                  = errors.New("message larger than remote smtp server accepts") // Remote announced a maximum message size below the size of this message.
	Err8bitmimeUnsupported   = errors.New("remote smtp server has no 8bitmime extension, required by message")
	ErrSMTPUTF8Unsupported   = errors.New("remote smtp server has no smtputf8 extension, required by message")
	ErrRequireTLSUnsupported = errors.New("remote smtp server has no requiretls extension, required for delivery")
	ErrStatus                = errors.New("smtp response with unexpected status code") // Common, e.g. 451 temporary error when 250 OK was expected.
	ErrProtocol              = errors.New("smtp protocol error")                       // Malformed response, or multiline response with diverging codes.
	ErrTLS                   = errors.New("tls error")                                 // Failed handshake, or required verification that failed.
	ErrBotched               = errors.New("smtp connection is botched")                // New commands after an i/o error or bad response left the session in unknown state.
	ErrClosed                = errors.New("smtp client is closed")
)

// TLSMode says whether TLS is required, attempted or skipped for a connection.
type TLSMode string

const (
	// Implicit TLS, the TCP connection starts with a TLS handshake and STARTTLS is
	// not involved. Whether the certificate is PKIX-verified is controlled on its
	// own.
	TLSImmediate TLSMode = "immediate"

	// TLS through STARTTLS, sent unconditionally, whether or not the server
	// announced support for it. Certificate verification is again controlled on
	// its own.
	TLSRequiredStartTLS TLSMode = "requiredstarttls"

	// STARTTLS when the remote announces support for it, plain text otherwise.
	TLSOpportunistic TLSMode = "opportunistic"

	// No TLS attempt, e.g. after a TLS handshake failed on an earlier connection.
	TLSSkip TLSMode = "skip"
)

// Client speaks SMTP on an established connection and delivers messages to
// the server on the other end. Make one with New.
type Client struct {
	// Reads and writes go through conn, which may be wrapped in a tls.Client. The
	// raw (TCP) connection is closed instead of conn: closing the TLS layer would
	// send a close notification that can block for seconds when the server is
	// sending one too and not reading ours.
	rawConn            net.Conn
	conn               net.Conn
	verifyPKIX         bool
	ignoreVerifyErrors bool
	roots              *x509.CertPool
	remoteHost         dns.Domain // TLS with SNI and name verification.

	br         *bufio.Reader
	bw         *bufio.Writer
	tr         *drayio.TraceReader // Kept for changing trace levels between cmd/auth/data.
	tw         *drayio.TraceWriter
	log        mlog.Log
	lastLog    time.Time // For adding delta timestamps between log lines.
	cmds       []string  // Last or active command, for generating errors and metrics.
	cmdStarted time.Time // Start of command.
	tlsActive  bool      // Whether the connection is TLS protected.

	botched bool // When set the protocol is out of sync and no further commands can go out.
	inTx    bool // When set the next delivery must first reset the transaction.

	remoteHelo            string // Server name from the 220 greeting.
	extEnhCodes           bool   // Server sends enhanced status codes.
	extStartTLS           bool   // Server announced STARTTLS.
	ext8BitMime           bool
	extSize               bool              // Server announced the SIZE parameter. Use only if > 0.
	maxMsgSize            int64             // Maximum message size the server accepts.
	extPipeline           bool              // Server announced command pipelining.
	extUTF8               bool              // Server announced the SMTPUTF8 extension.
	extAuthMechs          []string          // Authentication mechanisms the server announced.
	extReqTLS             bool              // Server announced the REQUIRETLS extension.
	ExtLimits             map[string]string // From the LIMITS extension, uppercase keys, only when present and valid.
	ExtLimitMailMax       int               // Maximum "MAIL" commands per connection, if > 0.
	ExtLimitRcptMax       int               // Maximum "RCPT" commands per transaction, if > 0.
	ExtLimitRcptDomainMax int               // Maximum unique domains per connection, if > 0.
}

// Error is a failed delivery attempt.
//
// Code, Secode, Command and Line are zero values unless the failure came from
// an SMTP response.
type Error struct {
	// Permanent failure, typically after a 5xx response.
	Permanent bool
	// Status of the SMTP response, e.g. 2xx for success and 5xx for permanent
	// failure.
	Code int
	// Enhanced status without the leading class digit and dot: a response of
	// "550 5.7.1 ..." gives Secode "7.1". Empty for i/o errors and for servers
	// that do not send enhanced codes.
	Secode string
	// SMTP command the failure is for.
	Command string
	// Full line of the SMTP response that caused the error, without CRLF. For a
	// multiline response, the first line.
	Line string
	// Remaining lines for a multiline SMTP response, usually empty.
	MoreLines []string
	// Underlying cause, e.g. an Err variable from this package or an i/o error.
	Err error
}

// Response is a server response to a command, used for the per-recipient
// results of DeliverMultiple.
type Response Error

// Unwrap returns e.Err, the underlying cause.
func (e Error) Unwrap() error { return e.Err }

// Error returns a human-readable error message.
func (e Error) Error() string {
	var sb strings.Builder
	if e.Err != nil {
		sb.WriteString(e.Err.Error())
		sb.WriteString(", ")
	}
	if e.Permanent {
		sb.WriteString("permanent")
	} else {
		sb.WriteString("transient")
	}
	if e.Line != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Line)
	}
	return sb.String()
}

// Opts holds optional parameters for New.
type Opts struct {
	// Non-nil Auth enables authentication: the function picks its preferred
	// mechanism from those the server announced (in upper case) and returns a
	// sasl client for it. Returning a nil client with a nil error means no
	// mechanism matched, failing the connection.
	//
	// The TLS connection state is only present for TLS connections.
	Auth func(mechs []string, cs *tls.ConnectionState) (sasl.Client, error)

	// If set, TLS certificate verification errors are ignored. Useful for delivering
	// messages with a negative TLS requirement. The connection is still
	// TLS-protected, but the remote identity is not verified.
	IgnoreTLSVerifyErrors bool

	// Roots for TLS PKIX verification, replacing the system defaults when not
	// nil.
	RootCAs *x509.CertPool
}

// New runs the start of an SMTP session on conn and returns a client ready to
// deliver messages.
//
// Session setup consists of an immediate TLS handshake when requested (for
// submission), reading the server greeting, introducing ourselves with EHLO or
// HELO, STARTTLS when the server offers it, and authentication when opts.Auth
// is set. On success, the caller must eventually call Close on the returned
// client. On error, closing conn remains the caller's job.
//
// The host to connect to comes from the Gather functions and Dial. Which host
// to try, with MX preferences, retries and special cases, is for the queue
// managing outgoing messages to decide.
//
// tlsMode selects between immediate TLS, STARTTLS and plain text.
//
// verifyPKIX requires a certificate that verifies against the PKIX/WebPKI
// certificate authorities, when TLS is active.
//
// opts.IgnoreTLSVerifyErrors downgrades TLS verification errors to log lines.
func New(ctx context.Context, elog *slog.Logger, conn net.Conn, tlsMode TLSMode, verifyPKIX bool, ehloHost, remoteHost dns.Domain, opts Opts) (*Client, error) {
	c := &Client{
		rawConn:            conn,
		verifyPKIX:         verifyPKIX,
		ignoreVerifyErrors: opts.IgnoreTLSVerifyErrors,
		roots:              opts.RootCAs,
		remoteHost:         remoteHost,
		lastLog:            time.Now(),
		cmds:               []string{"(none)"},
	}
	c.log = mlog.New("smtpclient", elog).WithFunc(func() []slog.Attr {
		t := time.Now()
		attrs := []slog.Attr{
			slog.Duration("delta", t.Sub(c.lastLog)),
		}
		c.lastLog = t
		return attrs
	})

	if tlsMode == TLSImmediate {
		tc := tls.Client(conn, c.newTLSConfig())
		if err := tc.HandshakeContext(ctx); err != nil {
			return nil, err
		}
		c.conn = tc
		tlsVersion, suite := drayio.TLSInfo(tc.ConnectionState())
		c.log.Debug("tls handshake done",
			slog.Any("servername", remoteHost),
			slog.String("version", tlsVersion),
			slog.String("ciphersuite", suite))
		c.tlsActive = true
	} else {
		c.conn = conn
	}

	// Reads are not wrapped in a timeout reader, an optional TLS layer can do reads
	// the client never asked for, and those could then hit a timeout error.
	c.tr = drayio.NewTraceReader(c.log, "RS: ", c.conn)
	c.br = bufio.NewReader(c.tr)
	// A single write timeout of 30 seconds for all writes.
	c.tw = drayio.NewTraceWriter(c.log, "LC: ", deadlineWriter{c.conn, 30 * time.Second, c.log})
	c.bw = bufio.NewWriter(c.tw)

	if err := c.hello(ctx, tlsMode, ehloHost, opts.Auth); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) newTLSConfig() *tls.Config {
	// Verification happens in VerifyConnection instead of through ServerName:
	// whether a failure is fatal depends on the TLS mode and the message, and
	// detailed errors are wanted.
	verify := func(cs tls.ConnectionState) error {
		if !c.verifyPKIX {
			return nil
		}

		vopts := x509.VerifyOptions{
			DNSName:       cs.ServerName,
			Intermediates: x509.NewCertPool(),
			Roots:         c.roots,
		}
		for _, cert := range cs.PeerCertificates[1:] {
			vopts.Intermediates.AddCert(cert)
		}
		_, err := cs.PeerCertificates[0].Verify(vopts)
		if err != nil && c.ignoreVerifyErrors {
			// Log the failure and continue the connection.
			c.log.Infox("verifying remote tls certificate failed, continuing with connection", err)
			metricTLSVerifyErrorsIgnored.Inc()
			return nil
		}
		return err
	}

	return &tls.Config{
		ServerName:         c.remoteHost.ASCII, // For SNI.
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, // The verify function above does the real check.
		VerifyConnection:   verify,
	}
}

// begin records the active command, for error attribution and metrics.
func (c *Client) begin(cmd string) {
	c.cmds[0] = cmd
	c.cmdStarted = time.Now()
}

// xbotchf generates a temporary error and marks the client as botched, for i/o
// errors and bad protocol messages.
func (c *Client) xbotchf(code int, secode string, line string, more []string, format string, args ...any) {
	panic(c.botchf(code, secode, line, more, format, args...))
}

// botchf generates a temporary error and marks the client as botched, for i/o
// errors and bad protocol messages.
func (c *Client) botchf(code int, secode string, line string, more []string, format string, args ...any) error {
	c.botched = true
	return c.errorf(false, code, secode, line, more, format, args...)
}

func (c *Client) errorf(permanent bool, code int, secode, line string, more []string, format string, args ...any) error {
	return Error{permanent, code, secode, c.lastCmd(), line, more, fmt.Errorf(format, args...)}
}

// lastCmd returns the command a response or error is attributed to.
func (c *Client) lastCmd() string {
	if len(c.cmds) == 0 {
		return "(none)"
	}
	return c.cmds[0]
}

func (c *Client) xerrorf(permanent bool, code int, secode, line string, more []string, format string, args ...any) {
	panic(c.errorf(permanent, code, secode, line, more, format, args...))
}

// deadlineWriter pushes the write deadline forward before each write it passes
// on.
type deadlineWriter struct {
	nc  net.Conn
	d   time.Duration
	log mlog.Log
}

func (w deadlineWriter) Write(buf []byte) (int, error) {
	if err := w.nc.SetWriteDeadline(time.Now().Add(w.d)); err != nil {
		w.log.Errorx("updating write deadline", err)
	}

	return w.nc.Write(buf)
}

var bufs = drayio.NewBufpool(8, 2*1024)

func (c *Client) readline() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
		c.log.Errorx("updating read deadline", err)
	}

	line, err := bufs.Readline(c.log, c.br)
	if err != nil {
		return line, c.botchf(0, "", "", nil, "reading response to %s: %w", strings.Join(c.cmds, ","), err)
	}
	return line, nil
}

func (c *Client) xtrace(level slog.Level) func() {
	set := func(l slog.Level) {
		c.xflush()
		c.tr.SetTrace(l)
		c.tw.SetTrace(l)
	}
	set(level)
	return func() {
		set(mlog.LevelTrace)
	}
}

func (c *Client) xsendlinef(format string, args ...any) {
	c.xsendline(fmt.Sprintf(format, args...))
}

// xsendline sends a single command line, appending CRLF, and flushes.
func (c *Client) xsendline(line string) {
	if _, err := fmt.Fprintf(c.bw, "%s\r\n", line); err != nil {
		c.xbotchf(0, "", "", nil, "writing line: %w", err)
	}
	c.xflush()
}

func (c *Client) xflush() {
	if err := c.bw.Flush(); err != nil {
		c.xbotchf(0, "", "", nil, "flushing writes: %w", err)
	}
}

// xread reads a response, possibly multiline, parsing extended codes if the
// remote announced them.
func (c *Client) xread() (code int, secode, line string, more []string) {
	var err error
	code, secode, line, more, err = c.read()
	if err != nil {
		panic(err)
	}
	return
}

func (c *Client) read() (code int, secode, line string, more []string, rerr error) {
	code, secode, _, line, more, _, rerr = c.readecode(c.extEnhCodes)
	return
}

// readecode reads a response, possibly multiline. If ecodes is set, extended
// codes are parsed from each line.
func (c *Client) readecode(ecodes bool) (code int, secode, lastText, first string, more, texts []string, rerr error) {
	for n := 0; ; n++ {
		rcode, rsec, text, line, last, err := c.read1(ecodes)
		if n == 0 {
			first = line
		} else if line != "" {
			more = append(more, line)
			if text != "" {
				texts = append(texts, text)
			}
		}
		if err != nil {
			rerr = err
			return
		}
		if code != 0 && rcode != code {
			err := c.botchf(0, "", first, more, "%w: codes in multiline response differ, saw %d then %d", ErrProtocol, code, rcode)
			return 0, "", "", "", nil, nil, err
		}
		code = rcode
		if !last {
			continue
		}
		if code != smtp.C334ContinueAuth {
			cmd := c.lastCmd()
			if len(c.cmds) > 1 {
				c.cmds = c.cmds[1:] // Pop, keeping the final command for later errors.
			}
			metricCommands.WithLabelValues(cmd, fmt.Sprintf("%d", rcode), rsec).Observe(float64(time.Since(c.cmdStarted)) / float64(time.Second))
			c.log.Debug("command result",
				slog.String("cmd", cmd),
				slog.Int("code", rcode),
				slog.String("secode", rsec),
				slog.Duration("duration", time.Since(c.cmdStarted)))
		}
		return rcode, rsec, text, first, more, texts, nil
	}
}

func (c *Client) xreadecode(ecodes bool) (code int, secode, lastText, first string, more, texts []string) {
	var err error
	code, secode, lastText, first, more, texts, err = c.readecode(ecodes)
	if err != nil {
		panic(err)
	}
	return
}

// read1 reads a single response line, parsing the extended code if ecodes is
// set.
func (c *Client) read1(ecodes bool) (code int, secode, rest, line string, last bool, rerr error) {
	if line, rerr = c.readline(); rerr != nil {
		return
	}

	// Three digits, then a space or dash for a multiline response, or end of line.
	digits := 0
	for digits < len(line) && line[digits] >= '0' && line[digits] <= '9' {
		digits++
	}
	if digits != 3 {
		rerr = c.botchf(0, "", line, nil, "%w: missing response code: %s", ErrProtocol, line)
		return
	}
	num, err := strconv.ParseInt(line[:digits], 10, 32)
	if err != nil {
		rerr = c.botchf(0, "", line, nil, "%w: invalid response code (%s): %s", ErrProtocol, err, line)
		return
	}
	code = int(num)
	s := line[digits:]
	switch {
	case strings.HasPrefix(s, "-"):
		s = s[1:]
	case strings.HasPrefix(s, " "):
		last = true
		s = s[1:]
	case s == "":
		// Missing space is tolerated.
		last = true
	default:
		rerr = c.botchf(0, "", line, nil, "%w: expected space or dash after code: %s", ErrProtocol, line)
		return
	}

	if ecodes {
		secode, s = parseEcode(code/100, s)
	}
	rest = s
	return
}

// parseEcode parses an enhanced status code like "5.1.1" at the start of s,
// returning the code without its leading class digit and dot, and the remaining
// text. The class digit must match major, from the basic status code. If s does
// not start with a valid enhanced code, an empty secode and the unchanged s are
// returned.
func parseEcode(major int, s string) (secode string, remain string) {
	digits := func(o int) int {
		for o < len(s) && s[o] >= '0' && s[o] <= '9' {
			o++
		}
		return o
	}

	// Exactly one class digit, matching the basic code, and a dot.
	if len(s) < 5 || s[0] < '0' || s[0] > '9' || int(s[0]-'0') != major || s[1] != '.' {
		return "", s
	}
	// Subject, one or more digits, and a dot.
	o := digits(2)
	if o == 2 || o >= len(s) || s[o] != '.' {
		return "", s
	}
	// Detail, one or more digits.
	n := digits(o + 1)
	if n == o+1 {
		return "", s
	}
	secode = s[2:n]
	// At most one space before any remaining text.
	if n < len(s) && s[n] == ' ' {
		n++
	}
	return secode, s[n:]
}

func (c *Client) recoverErr(rerr *error) {
	switch x := recover().(type) {
	case nil:
	case Error:
		*rerr = x
	default:
		metrics.PanicInc("smtpclient")
		panic(x)
	}
}

func (c *Client) hello(ctx context.Context, tlsMode TLSMode, ehloHost dns.Domain, auth func(mechs []string, cs *tls.ConnectionState) (sasl.Client, error)) (rerr error) {
	defer c.recoverErr(&rerr)

	// EHLO handshake, with HELO as fallback for servers that balk at EHLO.
	ehlo := func(heloFallback bool) {
		// Write EHLO and parse the announced extensions.
		c.begin("ehlo")
		c.xsendlinef("EHLO %s", ehloHost.ASCII)
		code, _, _, line, more, texts := c.xreadecode(false)
		switch code {
		case smtp.C500BadSyntax, smtp.C501BadParamSyntax, smtp.C502CmdNotImpl, smtp.C503BadCmdSeq, smtp.C504ParamNotImpl:
			if !heloFallback {
				c.xerrorf(true, code, "", line, more, "%w: remote claims ehlo is not supported", ErrProtocol)
			}
			c.begin("helo")
			c.xsendlinef("HELO %s", ehloHost.ASCII)
			code, _, _, line, _, _ = c.xreadecode(false)
			if code != smtp.C250Completed {
				c.xerrorf(code/100 == 5, code, "", line, more, "%w: expected 250 to HELO, got %d", ErrStatus, code)
			}
			return
		case smtp.C250Completed:
		default:
			c.xerrorf(code/100 == 5, code, "", line, more, "%w: expected 250, got %d", ErrStatus, code)
		}
		for _, s := range texts {
			s = strings.ToUpper(strings.TrimSpace(s))
			switch s {
			case "STARTTLS":
				c.extStartTLS = true
			case "ENHANCEDSTATUSCODES":
				c.extEnhCodes = true
			case "8BITMIME":
				c.ext8BitMime = true
			case "PIPELINING":
				c.extPipeline = true
			case "REQUIRETLS":
				c.extReqTLS = true
			default:
				word, rest, _ := strings.Cut(s, " ")
				switch word {
				case "SMTPUTF8":
					// SMTPUTF8 can come with a parameter that must be ignored.
					c.extUTF8 = true
				case "SIZE":
					c.extSize = true
					if v, err := strconv.ParseInt(rest, 10, 64); err == nil {
						c.maxMsgSize = v
					}
				case "AUTH":
					if rest != "" {
						c.extAuthMechs = strings.Split(rest, " ")
					}
				case "LIMITS":
					c.ExtLimits, c.ExtLimitMailMax, c.ExtLimitRcptMax, c.ExtLimitRcptDomainMax = parseLimits(" " + rest)
				}
			}
		}
	}

	// The server speaks first, with a greeting.
	c.begin("(greeting)")
	code, _, _, line, more, _ := c.xreadecode(false)
	if code != smtp.C220ServiceReady {
		c.xerrorf(code/100 == 5, code, "", line, more, "%w: expected 220, got %d", ErrStatus, code)
	}
	_, c.remoteHelo, _ = strings.Cut(line, " ")

	// Introduce ourselves, EHLO with HELO fallback.
	ehlo(true)

	// Upgrade to TLS when the server offers STARTTLS and we are not already on
	// immediate TLS, or when the caller demands STARTTLS.
	if tlsMode == TLSRequiredStartTLS || c.extStartTLS && tlsMode == TLSOpportunistic {
		c.log.Debug("starting tls client", slog.Any("tlsmode", tlsMode), slog.Any("servername", c.remoteHost))
		c.begin("starttls")
		c.xsendline("STARTTLS")
		code, secode, line, more := c.xread()
		if code != smtp.C220ServiceReady {
			c.xerrorf(code/100 == 5, code, secode, line, more, "%w: STARTTLS: got %d, expected 220", ErrTLS, code)
		}

		// TLS is done on the underlying connection, not on top of c.br: c.br logs
		// protocol traces and the TLS stream should not end up in the log. Bytes
		// already read into the buffer must still be fed to the TLS handshake.
		conn := c.conn
		if n := c.br.Buffered(); n > 0 {
			conn = &drayio.PrefixConn{
				PrefixReader: io.LimitReader(c.br, int64(n)),
				Conn:         conn,
			}
		}

		tc := tls.Client(conn, c.newTLSConfig())
		c.conn = tc

		hctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := tc.HandshakeContext(hctx); err != nil {
			c.xerrorf(false, 0, "", "", nil, "%w: STARTTLS TLS handshake: %s", ErrTLS, err)
		}
		cancel()
		c.tr = drayio.NewTraceReader(c.log, "RS: ", c.conn)
		c.br = bufio.NewReader(c.tr)
		c.tw = drayio.NewTraceWriter(c.log, "LC: ", c.conn) // No deadlineWriter, it would set the timeout on the same underlying connection.
		c.bw = bufio.NewWriter(c.tw)

		tlsVersion, suite := drayio.TLSInfo(tc.ConnectionState())
		c.log.Debug("starttls handshake done",
			slog.Any("tlsmode", tlsMode),
			slog.Bool("verifypkix", c.verifyPKIX),
			slog.Bool("ignoretlsverifyerrors", c.ignoreVerifyErrors),
			slog.String("version", tlsVersion),
			slog.String("ciphersuite", suite),
			slog.Any("servername", c.remoteHost))
		c.tlsActive = true

		ehlo(false)
	}

	if auth != nil {
		return c.authenticate(auth)
	}
	return
}

// parseLimits parses the LIMITS extension announcement, the text after the
// "LIMITS" keyword including the leading space. All valid limits are returned
// in a map with uppercase names, the few specified ones also as int. A syntax
// error anywhere, or a duplicated name, invalidates the entire announcement.
func parseLimits(s string) (map[string]string, int, int, int) {
	nameOK := func(s string) bool {
		for i := 0; i < len(s); i++ {
			c := s[i]
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
				return false
			}
		}
		return s != ""
	}
	valueOK := func(s string) bool {
		for i := 0; i < len(s); i++ {
			if c := s[i]; c <= 0x20 || c >= 0x7f || c == ';' {
				return false
			}
		}
		return s != ""
	}

	limits := make(map[string]string)
	var maxMail, maxRcpt, maxRcptDomain int
	for s != "" {
		// A single space precedes each name=value pair.
		if s[0] != ' ' {
			return nil, 0, 0, 0
		}
		kv := s[1:]
		if i := strings.IndexByte(kv, ' '); i >= 0 {
			kv, s = kv[:i], kv[i:]
		} else {
			s = ""
		}
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !nameOK(name) || !valueOK(value) {
			return nil, 0, 0, 0
		}
		k := strings.ToUpper(name)
		if _, dup := limits[k]; dup {
			// Duplicates are not specified, treat them as error.
			return nil, 0, 0, 0
		}
		limits[k] = value
		// A value syntax error below only skips the limit, leaving the default 0.
		atoi := func() int {
			v, err := strconv.Atoi(value)
			if err != nil || v <= 0 || len(value) > 6 {
				return 0
			}
			return v
		}
		switch name {
		case "MAILMAX":
			maxMail = atoi()
		case "RCPTMAX":
			maxRcpt = atoi()
		case "RCPTDOMAINMAX":
			maxRcptDomain = atoi()
		}
	}
	return limits, maxMail, maxRcpt, maxRcptDomain
}

func (c *Client) authenticate(auth func(mechs []string, cs *tls.ConnectionState) (sasl.Client, error)) (rerr error) {
	defer c.recoverErr(&rerr)

	c.begin("auth")

	mechs := make([]string, len(c.extAuthMechs))
	for i, m := range c.extAuthMechs {
		mechs[i] = strings.ToUpper(m)
	}
	cl, err := auth(mechs, c.TLSConnectionState())
	if err != nil {
		c.xerrorf(true, 0, "", "", nil, "get authentication mechanism: %s, server supports %s", err, strings.Join(c.extAuthMechs, ", "))
	} else if cl == nil {
		c.xerrorf(true, 0, "", "", nil, "no matching authentication mechanisms, server supports %s", strings.Join(c.extAuthMechs, ", "))
	}
	name, cleartext := cl.Info()

	abort := func() (code int, secode, line string, more []string) {
		// A line with a single * aborts the exchange, the server must respond
		// with a 501.
		c.xsendline("*")

		code, secode, line, more = c.xread()
		if code != smtp.C501BadParamSyntax {
			c.botched = true
		}
		return
	}

	out, last, err := cl.Next(nil)
	if err != nil {
		c.xerrorf(false, 0, "", "", nil, "initial step in auth mechanism %s: %w", name, err)
	}
	if cleartext {
		defer c.xtrace(mlog.LevelTraceAuth)()
	}
	switch {
	case out == nil:
		c.xsendline("AUTH " + name)
	case len(out) == 0:
		c.xsendline("AUTH " + name + " =") // Empty initial response.
	default:
		c.xsendline("AUTH " + name + " " + base64.StdEncoding.EncodeToString(out))
	}
	for {
		if cleartext && last {
			c.xtrace(mlog.LevelTrace) // Back to normal trace.
		}

		code, secode, lastText, line, more, _ := c.xreadecode(last)
		switch code {
		case smtp.C235AuthSuccess:
			if !last {
				c.xerrorf(false, code, secode, line, more, "server completed authentication earlier than client expected")
			}
			return nil
		case smtp.C334ContinueAuth:
			if last {
				c.xerrorf(false, code, secode, line, more, "server requested unexpected continuation of authentication")
			}
			if len(more) > 0 {
				abort()
				c.xerrorf(false, code, secode, line, more, "server responded with multiline continuation")
			}
			in, err := base64.StdEncoding.DecodeString(lastText)
			if err != nil {
				abort()
				c.xerrorf(false, code, secode, line, more, "malformed base64 data in authentication continuation response")
			}
			out, last, err = cl.Next(in)
			if err != nil {
				// The server may still send an authentication result after the client finds
				// a problem with a challenge and aborts.
				acode, asecode, aline, amore := abort()
				c.xerrorf(false, acode, asecode, aline, amore, "client aborted authentication: %w", err)
			}
			c.xsendline(base64.StdEncoding.EncodeToString(out))
		default:
			c.xerrorf(code/100 == 5, code, secode, line, more, "unexpected response during authentication, expected 334 continue or 235 auth success")
		}
	}
}

// Supports8BITMIME reports whether the server announced the 8BITMIME
// extension, needed for message data with bytes outside ASCII.
func (c *Client) Supports8BITMIME() bool {
	return c.ext8BitMime
}

// SupportsSMTPUTF8 reports whether the server announced the SMTPUTF8
// extension, needed for UTF-8 in headers or in address localparts.
func (c *Client) SupportsSMTPUTF8() bool {
	return c.extUTF8
}

// SupportsStartTLS reports whether the server announced STARTTLS.
func (c *Client) SupportsStartTLS() bool {
	return c.extStartTLS
}

// SupportsRequireTLS reports whether the server announced the REQUIRETLS
// extension. Servers only announce it once TLS is active.
func (c *Client) SupportsRequireTLS() bool {
	return c.extReqTLS
}

// TLSConnectionState returns details of the TLS layer, nil without TLS.
func (c *Client) TLSConnectionState() *tls.ConnectionState {
	if tc, ok := c.conn.(*tls.Conn); ok {
		cs := tc.ConnectionState()
		return &cs
	}
	return nil
}

// Deliver delivers a message to the mail server.
//
// mailFrom must be an email address, or empty for a DSN. rcptTo must be an
// email address.
//
// need8bitmime must be set when the message contains bytes with the high bit
// set. It makes delivery fail on servers without the 8BITMIME extension.
//
// needSMTPUTF8 must be set for internationalized messages, with non-ASCII in
// headers or in an address localpart. It makes delivery fail on servers
// without the SMTPUTF8 extension.
//
// requireTLS makes delivery fail on servers without the REQUIRETLS extension.
//
// When the server announces them, delivery makes use of 8BITMIME, SMTPUTF8,
// SIZE, PIPELINING, ENHANCEDSTATUSCODES and STARTTLS.
//
// Errors can be checked with errors.Is. They may be of type Error, one of the
// Err variables of this package, or an underlying error such as for i/o.
func (c *Client) Deliver(ctx context.Context, mailFrom string, rcptTo string, msgSize int64, msg io.Reader, need8bitmime, needSMTPUTF8, requireTLS bool) (rerr error) {
	_, err := c.DeliverMultiple(ctx, mailFrom, []string{rcptTo}, msgSize, msg, need8bitmime, needSMTPUTF8, requireTLS)
	return err
}

var errNoRecipientsPipelined = errors.New("server accepted none of the recipients in pipelined transaction")
var errNoRecipients = errors.New("server accepted none of the recipients")

// DeliverMultiple delivers a message to multiple recipients. Failures that
// affect the whole transaction, such as i/o errors and error responses to the
// MAIL FROM or DATA commands, come back as a non-nil rerr. An error response
// to a RCPT TO command normally ends up in rcptResps at the recipient's index,
// except with a single recipient, where it is promoted to rerr.
//
// The caller should take the ExtLimit fields into account when sending. And
// should recognize recipient response code "452", it means a limit on the
// number of recipients in the transaction was reached, the remaining recipients
// can be attempted in an immediate second transaction instead of being counted
// as failed attempt. Response code "552" must be treated the same for historic
// reasons.
func (c *Client) DeliverMultiple(ctx context.Context, mailFrom string, rcptTo []string, msgSize int64, msg io.Reader, need8bitmime, needSMTPUTF8, requireTLS bool) (rcptResps []Response, rerr error) {
	defer c.recoverErr(&rerr)

	if len(rcptTo) == 0 {
		return nil, fmt.Errorf("at least one recipient required")
	}

	if c.rawConn == nil {
		return nil, ErrClosed
	} else if c.botched {
		return nil, ErrBotched
	} else if c.inTx {
		if err := c.Reset(); err != nil {
			return nil, err
		}
	}

	if need8bitmime && !c.ext8BitMime {
		c.xerrorf(true, 0, "", "", nil, "%w", Err8bitmimeUnsupported)
	}
	if needSMTPUTF8 && !c.extUTF8 {
		c.xerrorf(false, 0, "", "", nil, "%w", ErrSMTPUTF8Unsupported)
	}
	if requireTLS && !c.extReqTLS {
		c.xerrorf(false, 0, "", "", nil, "%w", ErrRequireTLSUnsupported)
	}

	// An announced max size of zero is not enforced.
	if c.extSize && c.maxMsgSize > 0 && msgSize > c.maxMsgSize {
		c.xerrorf(true, 0, "", "", nil, "%w: message is %d bytes, remote has a %d bytes maximum size", ErrSize, msgSize, c.maxMsgSize)
	}

	cmdFrom := "MAIL FROM:<" + mailFrom + ">"
	if c.extSize {
		cmdFrom += fmt.Sprintf(" SIZE=%d", msgSize)
	}
	if c.ext8BitMime {
		if need8bitmime {
			cmdFrom += " BODY=8BITMIME"
		} else {
			cmdFrom += " BODY=7BIT"
		}
	}
	if needSMTPUTF8 {
		cmdFrom += " SMTPUTF8"
	}
	if requireTLS {
		cmdFrom += " REQUIRETLS"
	}

	// Going into a transaction now, cleared again when done.
	c.inTx = true

	if c.extPipeline {
		cmds := []string{"mailfrom"}
		for range rcptTo {
			cmds = append(cmds, "rcptto")
		}
		c.cmds = append(cmds, "data")
		c.cmdStarted = time.Now()

		// Write and read in separate goroutines. Writing a large recipient list in one go
		// could otherwise deadlock against a server that stops reading commands until we
		// read its responses.
		wrote := make(chan error, 1)
		// Do not return before the writing goroutine is done with the connection.
		defer func() {
			if wrote != nil {
				<-wrote
			}
		}()
		go func() {
			var sb strings.Builder
			sb.WriteString(cmdFrom + "\r\n")
			for _, rcpt := range rcptTo {
				sb.WriteString("RCPT TO:<" + rcpt + ">\r\n")
			}
			sb.WriteString("DATA\r\n")
			_, err := c.bw.WriteString(sb.String())
			if err == nil {
				err = c.bw.Flush()
			}
			wrote <- err
		}()

		// First response is for MAIL FROM.
		fromCode, fromSec, fromLine, fromMore := c.xread()

		// The responses to RCPT TO and DATA are read without panicking on a read error.
		// Servers can abort the connection after a failed MAIL FROM, e.g. when our IP is
		// on a blocklist. The read error on the RCPT TO response would then bury the
		// useful error, and make a permanent error look temporary.

		// Then one response per RCPT TO.
		rcptResps = make([]Response, len(rcptTo))
		accepted := 0
		for i := range rcptTo {
			code, secode, line, more, err := c.read()
			// 552 is historically used for reaching a recipient limit too, treat it as
			// temporary like 452.
			permanent := code != smtp.C552MailboxFull && code/100 == 5
			rcptResps[i] = Response{permanent, code, secode, "rcptto", line, more, err}
			if code == smtp.C250Completed {
				accepted++
			}
		}

		// And finally the response for DATA.
		datCode, datSec, datLine, datMore, datErr := c.read()

		writeErr := <-wrote
		wrote = nil

		// A failed MAIL FROM fails the entire transaction, we may have been blocked.
		if fromCode != smtp.C250Completed {
			if writeErr != nil || datErr != nil {
				c.botched = true
			}
			c.xerrorf(fromCode/100 == 5, fromCode, fromSec, fromLine, fromMore, "%w: got %d, expected 2xx", ErrStatus, fromCode)
		}

		// No point continuing after an i/o error writing the commands.
		if writeErr != nil {
			c.xbotchf(0, "", "", nil, "writing pipelined mail/rcpt/data: %w", writeErr)
		}

		// When the server hung up before answering DATA and every RCPT TO failed, e.g.
		// after concluding we are on a blocklist, report the last rcptto response as the
		// result.
		if datErr != nil && errors.Is(datErr, io.ErrUnexpectedEOF) && accepted == 0 {
			c.botched = true
			lastResp := rcptResps[len(rcptResps)-1]
			c.xerrorf(lastResp.Permanent, lastResp.Code, lastResp.Secode, lastResp.Line, lastResp.MoreLines, "%w: server closed connection before the data response", ErrStatus)
		}

		// An i/o or protocol error on the DATA response also fails the entire
		// transaction.
		if datErr != nil {
			panic(datErr)
		}

		// Without any successful recipient there is no point in continuing.
		if accepted == 0 {
			// Some servers answer DATA with success even when no recipient was accepted.
			// Send the closing dot, bringing the connection back to a known state.
			if datCode == smtp.C354Continue {
				_, err := fmt.Fprintf(c.bw, ".\r\n")
				if err == nil {
					err = c.bw.Flush()
				}
				if err == nil {
					_, _, _, _, err = c.read()
				}
				if err != nil {
					c.botched = true
				}
			}

			if len(rcptTo) == 1 {
				panic(Error(rcptResps[0]))
			}
			c.xerrorf(false, 0, "", "", nil, "%w", errNoRecipientsPipelined)
		}

		if datCode != smtp.C354Continue {
			c.xerrorf(datCode/100 == 5, datCode, datSec, datLine, datMore, "%w: got %d, expected 354", ErrStatus, datCode)
		}

	} else {
		c.begin("mailfrom")
		c.xsendline(cmdFrom)
		code, secode, line, more := c.xread()
		if code != smtp.C250Completed {
			c.xerrorf(code/100 == 5, code, secode, line, more, "%w: got %d, expected 2xx", ErrStatus, code)
		}

		rcptResps = make([]Response, len(rcptTo))
		accepted := 0
		for i, rcpt := range rcptTo {
			c.begin("rcptto")
			c.xsendline("RCPT TO:<" + rcpt + ">")
			code, secode, line, more = c.xread()
			if (code == smtp.C452StorageFull || code == smtp.C552MailboxFull) && i > 0 {
				// Server is done taking recipients for this transaction. Stop sending and
				// give the remaining recipients this same result.
				for j := i; j < len(rcptTo); j++ {
					rcptResps[j] = Response{false, code, secode, "rcptto", line, more, fmt.Errorf("no more recipients accepted in transaction")}
				}
				break
			}
			var err error
			if code == smtp.C250Completed {
				accepted++
			} else {
				err = fmt.Errorf("%w: got %d, expected 2xx", ErrStatus, code)
			}
			rcptResps[i] = Response{code/100 == 5, code, secode, "rcptto", line, more, err}
		}

		if accepted == 0 {
			if len(rcptTo) == 1 {
				panic(Error(rcptResps[0]))
			}
			c.xerrorf(false, 0, "", "", nil, "%w", errNoRecipients)
		}

		c.begin("data")
		c.xsendline("DATA")
		code, secode, line, more = c.xread()
		if code != smtp.C354Continue {
			c.xerrorf(code/100 == 5, code, secode, line, more, "%w: got %d, expected 354", ErrStatus, code)
		}
	}

	// The suggested timeout for the DATA block is 3 minutes, the deadlineWriter
	// applies its 30 seconds per write.
	defer c.xtrace(mlog.LevelTraceData)()
	if err := smtp.DataWrite(c.bw, msg); err != nil {
		c.xbotchf(0, "", "", nil, "writing message data: %w", err)
	}
	c.xflush()
	c.xtrace(mlog.LevelTrace) // Back to normal trace.
	code, secode, line, more := c.xread()
	if code != smtp.C250Completed {
		c.xerrorf(code/100 == 5, code, secode, line, more, "%w: got %d, expected 2xx", ErrStatus, code)
	}

	c.inTx = false
	return
}

// Reset clears the message transaction with an SMTP RSET command. Deliver
// issues it automatically when needed.
func (c *Client) Reset() (rerr error) {
	if c.rawConn == nil {
		return ErrClosed
	} else if c.botched {
		return ErrBotched
	}

	defer c.recoverErr(&rerr)

	c.begin("rset")
	c.xsendline("RSET")
	code, secode, line, more := c.xread()
	if code != smtp.C250Completed {
		c.xerrorf(code/100 == 5, code, secode, line, more, "%w: got %d, expected 2xx", ErrStatus, code)
	}
	c.inTx = false
	return
}

// Botched reports whether the session is beyond use for deliveries, after a
// protocol or i/o error left the connection in an unknown state.
func (c *Client) Botched() bool {
	return c.botched || c.rawConn == nil
}

// Close ends the session and closes the underlying connection.
//
// On a healthy session, QUIT is sent first and its response read with a
// short timeout.
//
// Close returns an error from sending QUIT or from closing.
func (c *Client) Close() (rerr error) {
	if c.rawConn == nil {
		return ErrClosed
	}

	defer c.recoverErr(&rerr)

	if !c.botched {
		c.begin("quit")
		c.xsendline("QUIT")
		if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			c.log.Infox("updating read deadline for quit response", err)
		} else if _, err := bufs.Readline(c.log, c.br); err != nil {
			rerr = fmt.Errorf("reading quit response: %v", err)
			c.log.Debugx("reading response to quit", err)
		}
	}

	err := c.rawConn.Close()
	if c.conn != c.rawConn {
		// conn is the TLS connection. Close would attempt to write a close notification,
		// but that fails quickly because the underlying socket just closed.
		c.conn.Close()
	}
	c.rawConn, c.conn = nil, nil
	if rerr != nil {
		rerr = err
	}
	return
}

// Conn hands over the connection carrying the initialized SMTP session, with
// any TLS layering and protocol trace logging in place. From then on the
// caller owns the connection and must close it, and no further methods must
// be called on the client.
func (c *Client) Conn() (net.Conn, error) {
	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clearing io deadlines: %w", err)
	}
	return c.conn, nil
}
