// Package smtpserver implements an SMTP server for incoming delivery and
// authenticated submission of mail messages, handing accepted messages to the
// queue.
package smtpserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/text/unicode/norm"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/draymta/dray/auth"
	"github.com/draymta/dray/config"
	"github.com/draymta/dray/dns"
	"github.com/draymta/dray/dray-"
	"github.com/draymta/dray/drayio"
	"github.com/draymta/dray/drayvar"
	"github.com/draymta/dray/filter"
	"github.com/draymta/dray/metrics"
	"github.com/draymta/dray/mlog"
	"github.com/draymta/dray/queue"
	"github.com/draymta/dray/ratelimit"
	"github.com/draymta/dray/resolve"
	"github.com/draymta/dray/smtp"
)

// Command handling uses panic/recover for control flow on errors. A panicked
// error wrapping errIO means i/o trouble and the connection is aborted.
var errIO = errors.New("io error")

var limiterConnRate, limiterConnOpen *ratelimit.Limiter

// Cap on RCPT TO commands in a single transaction. RFC 5321 requires accepting
// at least 100 recipients.
const rcptLimit = 1000

func init() {
	// Tests call limitersInit directly for a fresh state per test.
	limitersInit()
}

func limitersInit() {
	dray.LimitersInit()
	// todo: make the limits configurable per listener
	limiterConnRate = &ratelimit.Limiter{
		WindowLimits: []ratelimit.WindowLimit{{Window: time.Minute, Limits: [...]int64{300, 900, 2700}}},
	}
	limiterConnOpen = &ratelimit.Limiter{
		// The window never turns over, so this counts open connections.
		WindowLimits: []ratelimit.WindowLimit{{Window: time.Duration(math.MaxInt64), Limits: [...]int64{30, 90, 270}}},
	}
}

var (
	// Artificial delays on misbehaviour, cleared during tests.
	badClientDelay = time.Second // Sleep before reads and between 1-byte writes on slow connections.
	authFailDelay  = time.Second // Sleep before answering a failed authentication.
)

type codes struct {
	code   int
	secode string // Enhanced status code without the class digit, like "7.8".
}

var (
	metricConnection = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dray_smtpserver_connection_total",
			Help: "Number of incoming SMTP connections.",
		},
	)
	metricCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dray_smtpserver_command_duration_seconds",
			Help:    "Duration of SMTP commands, in seconds, per command and response code.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{
			"kind", // "smtp" before authentication, "submission" after.
			"cmd",
			"code",
			"ecode",
		},
	)
	metricDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dray_smtpserver_delivery_total",
			Help: "SMTP message transactions, known result values: queued, quarantine, reject, tempfail, discard, queueerror. Reason is the deciding content filter stage, if any.",
		},
		[]string{
			"result",
			"reason",
		},
	)
)

// Listen opens the sockets for all configured SMTP listeners. Accepting
// connections starts when Serve is called.
func Listen() {
	names := maps.Keys(dray.Conf.Static.Listeners)
	sort.Strings(names)
	for _, name := range names {
		lc := dray.Conf.Static.Listeners[name]

		if !lc.SMTP.Enabled {
			continue
		}

		var tlsConfig *tls.Config
		if lc.TLS != nil && !lc.SMTP.NoSTARTTLS {
			tlsConfig = lc.TLS.Config
		}

		size := lc.SMTPMaxMessageSize
		if size == 0 {
			size = config.DefaultMaxMsgSize
		}

		hostname := dray.Conf.Static.HostnameDomain
		if lc.Hostname != "" {
			hostname = lc.HostnameDomain
		}

		// The authenticator is shared by all connections on the listener. It re-reads
		// the credentials file when it changed, so account changes don't need a config
		// reload.
		var authenticator auth.Authenticator
		if lc.SMTP.Auth.Enabled {
			authenticator = auth.NewFile(dray.Conf.Static.AuthFile)
		}

		port := config.Port(lc.SMTP.Port, 25)
		for _, ip := range lc.IPs {
			listen1(name, ip, port, hostname, tlsConfig, size, lc.SMTP.RequireSTARTTLS, authenticator, lc.SMTP.Auth.AllowPlaintext)
		}
	}
}

var serveFns []func()

func listen1(name, ip string, port int, hostname dns.Domain, tlsConfig *tls.Config, maxMsgSize int64, requireTLS bool, authenticator auth.Authenticator, allowPlaintextAuth bool) {
	log := mlog.New("smtpserver", nil)
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	if os.Getuid() == 0 {
		log.Print("smtp listening", slog.String("listener", name), slog.String("address", addr))
	}
	ln, err := dray.Listen(dray.Network(ip), addr)
	if err != nil {
		log.Fatalx("smtp: listen", err, slog.String("listener", name), slog.String("address", addr))
	}

	accept := func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				log.Infox("smtp: accept failed", err, slog.String("listener", name))
				continue
			}

			resolver := dns.StrictResolver{Pkg: "smtpserver", Log: log.Logger}
			go serve(name, dray.Cid(), hostname, tlsConfig, conn, resolver, authenticator, allowPlaintextAuth, maxMsgSize, requireTLS)
		}
	}

	serveFns = append(serveFns, accept)
}

// Serve runs the accept loop of each listener opened by Listen, one goroutine
// per listener.
func Serve() {
	for _, fn := range serveFns {
		go fn()
	}
}

type conn struct {
	cid int64

	// Reads and writes go through conn, which after STARTTLS is a tls.Server
	// around rawConn, the connection as accepted. We close rawConn: closing the
	// TLS layer writes a close notification that can hang for seconds when the
	// peer is writing instead of reading.
	rawConn net.Conn
	conn    net.Conn

	tls                bool
	resolver           dns.Resolver
	br                 *bufio.Reader
	bw                 *bufio.Writer
	tr                 *drayio.TraceReader // Retained to flip the trace level around AUTH and DATA.
	tw                 *drayio.TraceWriter
	slow               bool      // When set, a sleep precedes each read and writes go a byte at a time, to occupy spammers.
	lastLog            time.Time // Time of the previous log line, for the delta attribute.
	tlsConfig          *tls.Config
	localIP            net.IP
	remoteIP           net.IP
	hostname           dns.Domain
	log                mlog.Log
	maxMsgSize         int64
	requireTLS         bool               // If set, mail transactions are refused until the connection uses TLS.
	authenticator      auth.Authenticator // Nil when authentication is not enabled on the listener.
	allowPlaintextAuth bool               // If set, plaintext authentication mechanisms are allowed without TLS.
	cmd                string             // Command currently being handled.
	cmdStarted         time.Time          // Moment the current command came in.
	ncmds              int                // Commands handled so far. The connection is dropped when the very first command is not SMTP.

	// When nonzero, Read and Write cap their deadlines at this time. Set during
	// DATA to bound the whole transfer.
	dataDeadline time.Time

	hello dns.IPDomain // Name claimed in the hello. EHLO may claim an address literal.
	ehlo  bool         // Whether the hello was EHLO, which enables extensions.

	authFails int    // Failed authentication attempts on this connection, drives the slowdown.
	username  string // Nonempty after successful authentication.

	// Successful and failed transaction counts. Only-failures gets the connection dropped.
	txGood int
	txBad  int

	// Active mail transaction. Cleared by RSET, a new hello and after DATA.
	mailFrom    *smtp.Path
	tables      *config.Tables // Address tables snapshot taken at MAIL FROM, so all recipients of a transaction see one consistent version.
	has8bitmime bool           // If MAIL FROM parameter BODY=8BITMIME was sent. Required for SMTPUTF8.
	smtputf8    bool           // If MAIL FROM parameter SMTPUTF8 was sent.
	recipients  []recipient
}

type recipient struct {
	addr smtp.Path // As given in RCPT TO.

	// Queue recipients after address resolution and alias expansion, one per final
	// destination. Filled during the RCPT command so bad addresses are refused
	// before the remote transmits the message data.
	rcpts []queue.Rcpt
}

func isClosed(err error) bool {
	return drayio.IsClosed(err) || errors.Is(err, errIO)
}

// reset returns the connection to the state just after the greeting banner.
func (c *conn) reset() {
	c.ehlo = false
	c.hello = dns.IPDomain{}
	c.username = ""
	c.rset()
}

// rset drops the active mail transaction, for RSET and the other commands that
// abandon it.
func (c *conn) rset() {
	c.mailFrom = nil
	c.tables = nil
	c.has8bitmime = false
	c.smtputf8 = false
	c.recipients = nil
}

// effectiveDeadline is now plus d, capped at the transfer deadline when one is
// in effect.
func (c *conn) effectiveDeadline(d time.Duration) time.Time {
	t := time.Now().Add(d)
	if !c.dataDeadline.IsZero() && c.dataDeadline.Before(t) {
		return c.dataDeadline
	}
	return t
}

func (c *conn) xtrace(level slog.Level) func() {
	set := func(l slog.Level) {
		c.xflush()
		c.tr.SetTrace(l)
		c.tw.SetTrace(l)
	}
	set(level)
	return func() { set(mlog.LevelTrace) }
}

// setSlow switches the connection in or out of slow mode. Slow connections
// sleep a second before every read and write one byte per second, tarpitting
// spammers.
func (c *conn) setSlow(on bool) {
	if on != c.slow {
		if on {
			c.log.Debug("connection switched to slow mode")
		} else {
			c.log.Debug("connection speed restored")
		}
	}
	c.slow = on
}

// Write sends buf to the remote. An i/o error becomes a panic with errIO, which
// the command loop of the connection recovers.
func (c *conn) Write(buf []byte) (int, error) {
	step := len(buf)
	if c.slow {
		step = 1
	}

	// A single deadline covers both directions. With TLS, SetDeadline applies to
	// the underlying connection, and a write on the TLS layer can require internal
	// reads. Setting only the write deadline would run those reads against a stale
	// read deadline from some earlier read. One deadline spans the whole write, and
	// when writing slowly the final chunk goes out in one piece, so the remote
	// doesn't give up on us just before the end.
	deadline := c.effectiveDeadline(30 * time.Second)
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.log.Errorx("updating deadline for write", err)
	}

	var total int
	for len(buf) > 0 {
		nw, err := c.conn.Write(buf[:step])
		if err != nil {
			panic(fmt.Errorf("writing to connection: %s (%w)", err, errIO))
		}
		total += nw
		buf = buf[step:]
		if badClientDelay > 0 && len(buf) > 0 {
			dray.Sleep(dray.Context, badClientDelay)

			// Send the remainder at once when the deadline comes near, the remote may
			// hang up otherwise.
			if time.Until(deadline) < 2*badClientDelay {
				step = len(buf)
			}
		}
	}
	return total, nil
}

// Read fills buf from the remote. Like Write, an i/o error becomes a panic with
// errIO for the command loop to recover.
func (c *conn) Read(buf []byte) (int, error) {
	if badClientDelay > 0 && c.slow {
		dray.Sleep(dray.Context, badClientDelay)
	}

	// See Write for why one deadline covers both directions.
	if err := c.conn.SetDeadline(c.effectiveDeadline(30 * time.Second)); err != nil {
		c.log.Errorx("updating deadline for read", err)
	}

	n, err := c.conn.Read(buf)
	if err != nil {
		panic(fmt.Errorf("reading from connection: %s (%w)", err, errIO))
	}
	return n, err
}

// Pool of buffers for reading command lines, grown on demand.
var bufpool = drayio.NewBufpool(8, 2*1024)

func (c *conn) readline() string {
	line, err := bufpool.Readline(c.log, c.br)
	if err == nil {
		return line
	}
	if errors.Is(err, drayio.ErrLineTooLong) {
		c.sendcode(smtp.C500BadSyntax, smtp.SeProto5Other0, "line too long, smtp allows 512 bytes and this passed 2048", nil)
	}
	panic(fmt.Errorf("%s (%w)", err, errIO))
}

// bsendcode writes a response with code, enhanced code and message to the write
// buffer. err only ends up in the log, never on the wire, and may be nil.
func (c *conn) bsendcode(code int, secode string, msg string, err error) {
	ecode := ""
	if secode != "" {
		ecode = strconv.Itoa(code/100) + "." + secode
	}
	metricCommands.WithLabelValues(c.kind(), c.cmd, strconv.Itoa(code), ecode).Observe(time.Since(c.cmdStarted).Seconds())
	c.log.Debugx("command result", err,
		slog.String("kind", c.kind()),
		slog.String("cmd", c.cmd),
		slog.Int("code", code),
		slog.String("ecode", ecode),
		slog.Duration("duration", time.Since(c.cmdStarted)))

	sep := ""
	if ecode != "" {
		sep = " "
	}

	// Newlines in the message become a multiline response, and anything beyond the
	// line length limit is wrapped.
	lines := strings.Split(msg, "\n")
	for i, line := range lines {
		prelen := 3 + 1 + len(ecode) + len(sep)
		for prelen+len(line) > 510 {
			e := 510 - prelen
			for e > 400 && line[e] != ' ' {
				e--
			}
			c.bsendf("%d-%s%s%s", code, ecode, sep, line[:e])
			line = line[e:]
		}
		sp := " "
		if i < len(lines)-1 {
			sp = "-"
		}
		c.bsendf("%d%s%s%s%s", code, sp, ecode, sep, line)
	}
}

// bsendf formats a response line into the write buffer.
func (c *conn) bsendf(format string, args ...any) {
	fmt.Fprintf(c.bw, format+"\r\n", args...)
}

// xflush sends out the buffered responses.
func (c *conn) xflush() {
	c.bw.Flush() // A write error has already caused a panic in Write.
}

// sendcode is bsendcode plus a flush.
func (c *conn) sendcode(code int, secode string, msg string, err error) {
	c.bsendcode(code, secode, msg, err)
	c.xflush()
}

// sendf is bsendf plus a flush.
func (c *conn) sendf(format string, args ...any) {
	c.bsendf(format, args...)
	c.xflush()
}

var cleanClose struct{} // Panic value for a QUIT, logged as a clean close.

func serve(listener string, cid int64, hostname dns.Domain, tlsConfig *tls.Config, nc net.Conn, resolver dns.Resolver, authenticator auth.Authenticator, allowPlaintextAuth bool, maxMsgSize int64, requireTLS bool) {
	// Tests connect over a net.Pipe, which has no TCP addresses.
	addrIP := func(addr net.Addr) net.IP {
		if ta, ok := addr.(*net.TCPAddr); ok {
			return ta.IP
		}
		return net.ParseIP("127.0.0.10")
	}

	c := &conn{
		cid:                cid,
		rawConn:            nc,
		conn:               nc,
		resolver:           resolver,
		lastLog:            time.Now(),
		tlsConfig:          tlsConfig,
		localIP:            addrIP(nc.LocalAddr()),
		remoteIP:           addrIP(nc.RemoteAddr()),
		hostname:           hostname,
		maxMsgSize:         maxMsgSize,
		requireTLS:         requireTLS,
		authenticator:      authenticator,
		allowPlaintextAuth: allowPlaintextAuth,
	}
	var logmutex sync.Mutex
	c.log = mlog.New("smtpserver", nil).WithFunc(func() []slog.Attr {
		logmutex.Lock()
		defer logmutex.Unlock()
		now := time.Now()
		attrs := []slog.Attr{
			slog.Int64("cid", c.cid),
			slog.Duration("delta", now.Sub(c.lastLog)),
		}
		c.lastLog = now
		if c.username != "" {
			attrs = append(attrs, slog.String("username", c.username))
		}
		return attrs
	})
	c.tr = drayio.NewTraceReader(c.log, "RC: ", c)
	c.tw = drayio.NewTraceWriter(c.log, "LS: ", c)
	c.br = bufio.NewReader(c.tr)
	c.bw = bufio.NewWriter(c.tw)

	metricConnection.Inc()
	c.log.Info("new connection",
		slog.Any("remote", nc.RemoteAddr()),
		slog.Any("local", nc.LocalAddr()),
		slog.String("listener", listener))

	defer func() {
		c.rawConn.Close() // The TCP socket goes first, TLS or not.
		c.conn.Close()    // With TLS this writes the close notification into a closed socket and fails fast.

		x := recover()
		if x == cleanClose || x == nil {
			c.log.Info("connection closed")
			return
		}
		if err, ok := x.(error); ok && isClosed(err) {
			c.log.Infox("connection closed", err)
			return
		}
		c.log.Error("unhandled panic", slog.Any("err", x))
		debug.PrintStack()
		metrics.PanicInc("smtpserver")
	}()

	select {
	case <-dray.Shutdown.Done():
		c.sendcode(smtp.C421ServiceUnavail, smtp.SeSys3NotAccepting2, "shutting down, try again later", nil)
		return
	default:
	}

	if !limiterConnRate.Add(c.remoteIP, time.Now(), 1) {
		c.sendcode(smtp.C421ServiceUnavail, smtp.SePol7Other0, "too many connections from your ip or network recently, slow down", nil)
		return
	}

	if !limiterConnOpen.Add(c.remoteIP, time.Now(), 1) {
		c.log.Debug("refusing connection, too many open from this ip or network", slog.Any("remoteip", c.remoteIP))
		c.sendcode(smtp.C421ServiceUnavail, smtp.SePol7Other0, "your ip or network has too many connections open", nil)
		return
	}
	defer limiterConnOpen.Add(c.remoteIP, time.Now(), -1)

	// The original connection is what gets registered, c.conn may be swapped for a
	// TLS wrapper down the line.
	dray.Connections.Register(nc, "smtp", listener)
	defer dray.Connections.Unregister(nc)

	// We include the string ESMTP in the greeting. https://cr.yp.to/smtp/greeting.html
	// recommends it.
	c.sendf("%d %s ESMTP dray %s", smtp.C220ServiceReady, c.hostname.ASCII, drayvar.Version)

	for {
		command(c)

		// When more pipelined commands are already in the read buffer, hold back the
		// flush, so the responses leave in a single packet.
		if n := c.br.Buffered(); n > 0 {
			buf, err := c.br.Peek(n)
			if err == nil && bytes.ContainsRune(buf, '\n') {
				continue
			}
		}
		c.xflush()
	}
}

var commands = map[string]func(*conn, *parser){
	"helo":     (*conn).handleHelo,
	"ehlo":     (*conn).handleEhlo,
	"starttls": (*conn).handleStartTLS,
	"auth":     (*conn).handleAuth,
	"mail":     (*conn).handleMail,
	"rcpt":     (*conn).handleRcpt,
	"data":     (*conn).handleData,
	"rset":     (*conn).handleRset,
	"vrfy":     (*conn).handleVrfy,
	"expn":     (*conn).handleExpn,
	"help":     (*conn).handleHelp,
	"noop":     (*conn).handleNoop,
	"quit":     (*conn).handleQuit,
}

func command(c *conn) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		err, ok := x.(error)
		if !ok || isClosed(err) {
			panic(x)
		}

		var serr smtpError
		if !errors.As(err, &serr) {
			// Anything else propagates and takes the connection down.
			c.log.Errorx("command panic", err)
			panic(x)
		}
		c.sendcode(serr.code, serr.secode, fmt.Sprintf("%s (%s)", serr.errmsg, dray.ReceivedID(c.cid)), serr.err)
		if serr.printStack {
			debug.PrintStack()
		}
	}()

	line := c.readline()
	cmd, rest, ok := strings.Cut(line, " ")
	var args string
	if ok {
		args = " " + rest
	}
	cmdl := strings.ToLower(cmd)

	select {
	case <-dray.Shutdown.Done():
		c.sendcode(smtp.C421ServiceUnavail, smtp.SeSys3NotAccepting2, "shutting down, try again later", nil)
		panic(errIO)
	default:
	}

	c.cmd = cmdl
	c.cmdStarted = time.Now()

	p := newParser(args, c.smtputf8, c)
	fn, ok := commands[cmdl]
	if !ok {
		c.cmd = "(unknown)"
		if c.ncmds == 0 {
			// A first command we don't recognize usually means the remote is speaking some
			// other protocol at us, likely in many more lines. Answer once and hang up
			// instead of erroring on each of them.
			c.sendcode(smtp.C500BadSyntax, smtp.SeProto5Syntax2, "let's speak smtp here", nil)
			panic(errIO)
		}
		// note: deliberately not "command not implemented".
		xsmtpUserErrorf(smtp.C500BadSyntax, smtp.SeProto5BadCmdOrSeq1, "unrecognized command")
	}
	c.ncmds++
	fn(c, p)
}

// For use in metric labels and logging. A connection is a plain MTA peer until
// the session authenticates, then it is a submission session.
func (c *conn) kind() string {
	if c.username != "" {
		return "submission"
	}
	return "smtp"
}

func (c *conn) xneedHello() {
	if c.hello.IsZero() {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "say helo or ehlo first")
	}
}

func (c *conn) handleHelo(p *parser) {
	c.handleHello(p, false)
}

func (c *conn) handleEhlo(p *parser) {
	c.handleHello(p, true)
}

// Handle both EHLO and HELO.
func (c *conn) handleHello(p *parser, ehlo bool) {
	var remote dns.IPDomain
	p.xsp()
	if ehlo {
		remote = p.xipdomain(true)
	} else {
		remote = dns.IPDomain{Domain: p.xdomain()}

		// The claimed domain must have an address record, a CNAME doesn't count.
		cidctx := context.WithValue(dray.Context, mlog.CidKey, c.cid)
		lctx, cancel := context.WithTimeout(cidctx, time.Minute)
		_, _, err := c.resolver.LookupIPAddr(lctx, remote.Domain.ASCII+".")
		cancel()
		if dns.IsNotFound(err) {
			xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeProto5Other0, "helo domain has no address record")
		}
		// A lookup that succeeded or failed only temporarily is good enough.
	}
	// Additional data after an address literal occurs in the wild. We allow it, but
	// only if space-separated.
	if len(remote.IP) > 0 && p.sp() {
		p.rest()
	}
	p.xeol()

	// A new hello abandons any transaction in progress.
	c.rset()

	c.ehlo = ehlo
	c.hello = remote

	if !ehlo {
		// Extensions are an ESMTP thing, HELO gets the old-style reply.
		c.bsendcode(250, "", c.hostname.ASCII, nil)
		c.xflush()
		return
	}

	c.bsendf("250-%s", c.hostname.ASCII)
	c.bsendf("250-PIPELINING")
	c.bsendf("250-SIZE %d", c.maxMsgSize)
	if !c.tls && c.tlsConfig != nil {
		c.bsendf("250-STARTTLS")
	}
	if c.authenticator != nil {
		if c.tls || c.allowPlaintextAuth {
			c.bsendf("250-AUTH PLAIN LOGIN")
		} else {
			// Mechanisms become available after STARTTLS.
			c.bsendf("250-AUTH ")
		}
	}
	c.bsendf("250-ENHANCEDSTATUSCODES")
	c.bsendf("250-8BITMIME")
	c.bsendcode(250, "", "SMTPUTF8", nil)
	c.xflush()
}

func (c *conn) handleStartTLS(p *parser) {
	c.xneedHello()
	p.xeol()

	if c.tls {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "tls already active")
	}
	if c.tlsConfig == nil {
		xsmtpUserErrorf(smtp.C502CmdNotImpl, smtp.SeProto5BadCmdOrSeq1, "starttls not offered")
	}
	if c.username != "" {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "starttls not allowed after authentication")
	}

	// The handshake must not run through c.br: that would put the raw TLS stream in
	// the protocol trace. TLS runs directly on the underlying connection instead,
	// with anything the reader already buffered replayed first.
	nc := c.conn
	if n := c.br.Buffered(); n > 0 {
		nc = &drayio.PrefixConn{
			PrefixReader: io.LimitReader(c.br, int64(n)),
			Conn:         nc,
		}
	}

	// The response carries the cid, something to quote at us when the handshake fails.
	c.sendcode(smtp.C220ServiceReady, smtp.SeOther00, "ready when you are ("+dray.ReceivedID(c.cid)+")", nil)
	tc := tls.Server(nc, c.tlsConfig)
	cidctx := context.WithValue(dray.Context, mlog.CidKey, c.cid)
	hctx, cancel := context.WithTimeout(cidctx, time.Minute)
	defer cancel()
	c.log.Debug("starting tls handshake")
	if err := tc.HandshakeContext(hctx); err != nil {
		panic(fmt.Errorf("tls handshake: %s (%w)", err, errIO))
	}
	cancel()
	tlsVersion, suite := drayio.TLSInfo(tc.ConnectionState())
	c.log.Debug("tls handshake done", slog.String("tls", tlsVersion), slog.String("ciphersuite", suite))
	c.conn = tc
	c.tr = drayio.NewTraceReader(c.log, "RC: ", c)
	c.tw = drayio.NewTraceWriter(c.log, "LS: ", c)
	c.br = bufio.NewReader(c.tr)
	c.bw = bufio.NewWriter(c.tw)

	c.reset() // Connections start out new without TLS and after the handshake with it.
	c.tls = true
}

func (c *conn) handleAuth(p *parser) {
	c.xneedHello()

	if c.authenticator == nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "authentication not enabled on this listener")
	}
	if c.username != "" {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "connection is already authenticated")
	}
	if c.mailFrom != nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "cannot authenticate during a transaction")
	}

	// If remote IP/network resulted in too many authentication failures, refuse the
	// attempt. We refuse the command, not the connection: the same listener also
	// accepts regular incoming deliveries.
	if !dray.LimiterFailedAuth.CanAdd(c.remoteIP, time.Now(), 1) {
		metrics.AuthenticationRatelimitedInc("smtp")
		c.log.Debug("refusing authentication attempt due to many auth failures", slog.Any("remoteip", c.remoteIP))
		xsmtpUserErrorf(smtp.C454TempAuthFail, smtp.SePol7Other0, "too many authentication failures")
	}

	// Each failure beyond the third makes verification slower. Dropping the
	// connection would be cheaper for us, but reconnecting is cheap for them too.
	if c.authFails > 3 && authFailDelay > 0 {
		dray.Sleep(dray.Context, time.Duration(c.authFails-3)*authFailDelay)
	}
	c.authFails++ // Undone when authentication succeeds.
	defer func() {
		// From the third failure on, the whole connection turns slow. Authenticating
		// successfully lifts that again.
		if c.authFails >= 3 {
			c.setSlow(true)
		}
	}()

	variant := ""
	result := "error"
	defer func() {
		metrics.AuthenticationInc("smtp", variant, result)
		if result == "ok" {
			dray.LimiterFailedAuth.Reset(c.remoteIP, time.Now())
		} else {
			dray.LimiterFailedAuth.Add(c.remoteIP, time.Now(), 1)
		}
	}()

	p.xsp()
	mech := p.xsaslMech()

	// The first response comes either inline with the AUTH command, or after a
	// continuation carrying the challenge, which must be base64-encoded already.
	xinitial := func(challenge string) []byte {
		var resp string
		if p.done() {
			c.sendf("%d %s", smtp.C334ContinueAuth, challenge)
			resp = c.readline()
			if resp == "*" {
				result = "aborted"
				xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Other0, "authentication exchange aborted")
			}
		} else {
			p.xsp()
			// Tolerate more than one space before the data, Windows Mail
			// 16005.14326.21606.0 sends two.
			for p.sp() {
			}
			resp = p.rest()
			if resp == "" {
				xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "empty initial response after space")
			} else if resp == "=" {
				resp = "" // Decodes to an empty initial response.
			}
		}
		data, err := base64.StdEncoding.DecodeString(resp)
		if err != nil {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "malformed base64: %s", err)
		}
		return data
	}

	xcontinuation := func() []byte {
		line := c.readline()
		if line == "*" {
			result = "aborted"
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Other0, "authentication exchange aborted")
		}
		data, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "malformed base64: %s", err)
		}
		return data
	}

	xcheckPlaintextAuth := func() {
		if !c.tls && !c.allowPlaintextAuth {
			xsmtpUserErrorf(smtp.C538EncReqForAuth, smtp.SePol7EncReqForAuth11, "plaintext authentication requires tls")
		}
	}

	xverify := func(username, password string) {
		err := c.authenticator.Verify(c.log, username, password)
		if errors.Is(err, auth.ErrCredentials) {
			result = "badcreds"
			c.log.Info("authentication attempt failed", slog.String("username", username), slog.Any("remote", c.remoteIP))
			xsmtpUserErrorf(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "invalid credentials")
		}
		xcheckf(err, "checking credentials")
	}

	switch mech {
	case "PLAIN":
		variant = "plain"

		xcheckPlaintextAuth()

		// The line carries the password in the clear, keep it out of the trace.
		defer c.xtrace(mlog.LevelTraceAuth)()
		parts := bytes.Split(xinitial(""), []byte{0})
		c.xtrace(mlog.LevelTrace) // Back to the normal trace level.
		if len(parts) != 3 {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "auth data must be 3 nul-separated tokens, got %d", len(parts))
		}
		authz := norm.NFC.String(string(parts[0]))
		authc := norm.NFC.String(string(parts[1]))
		password := string(parts[2])

		if authz != authc && authz != "" {
			result = "badcreds"
			xsmtpUserErrorf(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "authorizing as another user not allowed")
		}

		xverify(authc, password)

		result = "ok"
		c.authFails = 0
		c.setSlow(false)
		c.username = authc
		c.sendcode(smtp.C235AuthSuccess, smtp.SePol7Other0, "welcome", nil)

	case "LOGIN":
		// LOGIN was superseded by PLAIN long ago, but old clients still send it. Its
		// only written-down description is an expired draft:
		// https://datatracker.ietf.org/doc/html/draft-murchison-sasl-login-00

		variant = "login"

		xcheckPlaintextAuth()

		// Ask for the user name. Clients are supposed to ignore the challenge text,
		// though per the draft some insist on "Username:" where others want "User
		// Name". Only one can win.
		chal := base64.StdEncoding.EncodeToString([]byte("User Name"))
		username := norm.NFC.String(string(xinitial(chal)))

		// The password challenge is equally decorative, the example text from the
		// draft will do.
		c.sendf("%d %s", smtp.C334ContinueAuth, base64.StdEncoding.EncodeToString([]byte("Password")))

		// Same here, the password must stay out of the trace.
		defer c.xtrace(mlog.LevelTraceAuth)()
		password := string(xcontinuation())
		c.xtrace(mlog.LevelTrace) // Back to the normal trace level.

		xverify(username, password)

		result = "ok"
		c.authFails = 0
		c.setSlow(false)
		c.username = username
		c.sendcode(smtp.C235AuthSuccess, smtp.SePol7Other0, "welcome, vintage client", nil)

	default:
		result = "unknownmech"
		xsmtpUserErrorf(smtp.C504ParamNotImpl, smtp.SeProto5BadParams4, "auth mechanism %s not supported", mech)
	}
}

func (c *conn) handleMail(p *parser) {
	if c.txBad > 10 && c.txGood == 0 {
		// Nothing but failed transactions means the remote is working through a list of
		// guessed addresses. Cut them off, the rate limiter deals with reconnects.
		c.sendcode(smtp.C550MailboxUnavail, smtp.SeAddr1Other0, "too many failed transactions, bye", nil)
		panic(errIO)
	}

	c.xneedHello()
	if c.mailFrom != nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "transaction already open")
	}
	if c.requireTLS && !c.tls {
		xsmtpUserErrorf(smtp.C530SecurityRequired, smtp.SePol7Other0, "mail transactions require STARTTLS")
	}

	// A failure halfway through must not leave a half-built transaction behind.
	defer func() {
		if x := recover(); x != nil {
			c.rset()
			panic(x)
		}
	}()

	p.xaccept(" FROM:")
	// note: no space allowed after the colon, but Microsoft Outlook 365 Apps for
	// Enterprise sends it, and for delivery it has been seen from legitimate senders
	// too.
	p.sp()
	rawFrom := p.xrawReversePath()
	seen := make(map[string]bool)
	for p.sp() {
		key := p.xparamKeyword()

		uk := strings.ToUpper(key)
		if seen[uk] {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "duplicate parameter %q", key)
		}
		seen[uk] = true

		switch uk {
		case "SIZE":
			p.xaccept("=")
			size := p.xnumber(20)
			if size > c.maxMsgSize {
				secode := smtp.SeSys3MsgTooBig4
				if size < config.DefaultMaxMsgSize {
					secode = smtp.SeMailbox2MsgLimitExceeded3
				}
				xsmtpUserErrorf(smtp.C552MailboxFull, secode, "message exceeds maximum message size")
			}
			// The claimed size is not checked against the actual transfer. Crossing the
			// maximum during DATA still aborts the transaction.
		case "BODY":
			p.xaccept("=")
			val := p.xparamValue()
			switch strings.ToUpper(val) {
			case "7BIT":
				c.has8bitmime = false
			case "8BITMIME":
				c.has8bitmime = true
			default:
				xsmtpUserErrorf(smtp.C555AddrParamsNotRecognized, smtp.SeProto5BadParams4, "bad value for parameter %q", key)
			}
		case "AUTH":
			// We don't use the client-claimed identity. The queue records the username the
			// session actually authenticated as. Parse and ignore.
			p.xaccept("=")
			p.xaccept("<")
			p.xtext()
			p.xaccept(">")
		case "SMTPUTF8":
			c.smtputf8 = true
		default:
			xsmtpUserErrorf(smtp.C555AddrParamsNotRecognized, smtp.SeSys3NotSupported3, "unknown parameter %q", key)
		}
	}

	// Only after the parameters do we know whether utf8 is allowed in the address.
	pp := newParser(rawFrom, c.smtputf8, c)
	from := pp.xbareReversePath()
	pp.xdone()
	pp = nil
	p.xeol()

	if len(from.IPDomain.IP) > 0 && c.username == "" {
		c.log.Info("refusing sender address without domain", slog.String("mailfrom", from.String()))
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SePol7Other0, "domain name required in sender address")
	}

	if !from.IsZero() && len(from.IPDomain.IP) == 0 {
		// A null reverse path is fine (delivery status notifications), but a non-null
		// sender domain must be fully qualified.
		if err := resolve.CheckFQDN(from.IPDomain.Domain); err != nil {
			xsmtpUserErrorf(smtp.C553BadMailbox, smtp.SeAddr1SenderSyntax7, "sender domain not fully qualified")
		}

		if c.username == "" {
			// Reject when the sender domain advertises a null MX or otherwise declares
			// itself out of the mail business.
			cidctx := context.WithValue(dray.Context, mlog.CidKey, c.cid)
			mctx, cancel := context.WithTimeout(cidctx, time.Minute)
			valid, err := acceptsMail(mctx, c.resolver, from.IPDomain.Domain)
			cancel()
			if err != nil {
				c.log.Infox("temporarily rejecting sender, mx lookup error", err)
				xsmtpServerErrorf(codes{smtp.C451LocalErr, smtp.SeNet4Other0}, "cannot verify mx records of sender domain")
			} else if !valid {
				c.log.Info("rejecting sender, domain does not accept mail")
				xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SePol7SenderHasNullMX27, "sender domain does not accept mail")
			}
		}
	}

	// Take the address tables snapshot for this transaction. Recipient resolution
	// and content filtering see one consistent version even when the configuration
	// is reloaded while the transaction is in progress.
	c.tables = dray.Conf.Tables()

	if c.username != "" && !from.IsZero() && len(from.IPDomain.IP) == 0 {
		// Submissions with a sender address in a disabled hosted domain are refused
		// until the domain is enabled again.
		if d, ok := resolve.LookupDomain(c.tables, from.IPDomain.Domain); ok && d.Disabled {
			xsmtpUserErrorf(smtp.C451LocalErr, smtp.SeSys3Other0, "sender domain temporarily disabled")
		}
	}

	c.mailFrom = &from

	c.bsendcode(smtp.C250Completed, smtp.SeAddr1Other0, "sender sounds fine", nil)
}

func (c *conn) handleRcpt(p *parser) {
	c.xneedHello()
	if c.mailFrom == nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "MAIL FROM required first")
	}

	p.xaccept(" TO:")
	// note: no space allowed after the colon, but stray spaces are seen in the wild
	// and are harmless.
	p.sp()
	var to smtp.Path
	if p.accept("<POSTMASTER>") {
		// Postmaster without domain is the postmaster at this host.
		to = smtp.Path{Localpart: "postmaster", IPDomain: dns.IPDomain{Domain: c.hostname}}
	} else {
		to = p.xforwardPath()
	}
	for p.sp() {
		key := p.xparamKeyword()
		xsmtpUserErrorf(smtp.C555AddrParamsNotRecognized, smtp.SeSys3NotSupported3, "unknown parameter %q", key)
	}
	p.xeol()

	if len(c.recipients) >= rcptLimit {
		xsmtpUserErrorf(smtp.C452StorageFull, smtp.SeProto5TooManyRcpts3, "too many recipients, max %d", rcptLimit)
	}

	// A null reverse path with several recipients is refused. Bounces and other
	// notifications are addressed to exactly one mailbox, anything else is fishy.
	if c.username == "" && len(c.recipients) > 0 && c.mailFrom.IsZero() {
		xsmtpUserErrorf(smtp.C452StorageFull, smtp.SeProto5TooManyRcpts3, "null reverse address limited to a single recipient")
	}

	if len(to.IPDomain.IP) > 0 {
		if c.username == "" {
			xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "delivery to ip address not accepted")
		}
		// Authenticated submission to an address literal. The queue dials such
		// destinations directly.
		c.recipients = append(c.recipients, recipient{to, []queue.Rcpt{queue.MakeRcpt(to, to, config.ClassRelay, "")}})
		c.bsendcode(smtp.C250Completed, smtp.SeAddr1Other0, "will see what we can do", nil)
		return
	}

	addr := smtp.NewAddress(to.Localpart, to.IPDomain.Domain)
	dests, err := resolve.Resolve(c.tables, addr, c.username != "")
	switch {
	case err == nil:
		rcpt := recipient{addr: to}
		for _, d := range dests {
			rcpt.rcpts = append(rcpt.rcpts, queue.MakeRcpt(to, d.Address.Path(), d.Class, d.Transport))
		}
		c.recipients = append(c.recipients, rcpt)
	case errors.Is(err, resolve.ErrNotFQDN):
		xsmtpUserErrorf(smtp.C553BadMailbox, smtp.SeAddr1UnknownSystem2, "recipient domain not fully qualified")
	case errors.Is(err, resolve.ErrDomainNotFound):
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "not accepting mail for domain")
	case errors.Is(err, resolve.ErrDomainDisabled):
		xsmtpUserErrorf(smtp.C450MailboxUnavail, smtp.SeMailbox2Disabled1, "recipient domain temporarily disabled")
	case errors.Is(err, resolve.ErrAddressNotFound):
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "no such address")
	case errors.Is(err, resolve.ErrLoop):
		c.log.Errorx("expanding recipient address", err, slog.Any("rcptto", to))
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeNet4Loop6, "recipient address expands into a loop")
	default:
		c.log.Errorx("resolving recipient address", err, slog.Any("rcptto", to))
		xsmtpServerErrorf(codes{smtp.C451LocalErr, smtp.SeSys3Other0}, "error processing address")
	}
	c.bsendcode(smtp.C250Completed, smtp.SeAddr1Other0, "will see what we can do", nil)
}

func (c *conn) handleData(p *parser) {
	c.xneedHello()
	if c.mailFrom == nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "MAIL FROM required first")
	}
	if len(c.recipients) == 0 {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "RCPT TO required first")
	}

	p.xeol()

	// The whole transfer gets 30 minutes, then the transaction is cut off.
	cidctx := context.WithValue(dray.Context, mlog.CidKey, c.cid)
	dctx, dcancel := context.WithTimeout(cidctx, 30*time.Minute)
	defer dcancel()
	// Read and Write pick this up through effectiveDeadline.
	c.dataDeadline, _ = dctx.Deadline()
	defer func() {
		c.dataDeadline = time.Time{}
	}()

	c.sendf("354 send it, a lone dot ends it")

	// Message content is traced at its own level.
	defer c.xtrace(mlog.LevelTraceData)()

	// We read the data into a temporary file that starts with our Received header.
	// On accept the file is linked into the queue spool, so it must hold the message
	// exactly as it will be passed on. We limit the size and watch for 8bit content
	// while reading.
	dataFile, err := queue.CreateMessageTemp(c.log)
	if err != nil {
		xsmtpServerErrorf(errCodes(smtp.C451LocalErr, smtp.SeSys3Other0, err), "creating temporary message file: %s", err)
	}
	defer func() {
		name := dataFile.Name()
		err := dataFile.Close()
		c.log.Check(err, "closing temporary message file")
		err = os.Remove(name)
		c.log.Check(err, "removing temporary message file", slog.String("path", name))
	}()

	// For a single recipient the Received header names it in a "for" clause. With
	// multiple recipients the header is kept identical so the queue can deliver the
	// copies in a single transaction.
	var rcptTo string
	if len(c.recipients) == 1 {
		rcptTo = c.recipients[0].addr.String()
	}
	recvHdr := c.recvHdrFor(rcptTo)
	if _, err := dataFile.WriteString(recvHdr); err != nil {
		xsmtpServerErrorf(errCodes(smtp.C451LocalErr, smtp.SeSys3Other0, err), "writing received header: %s", err)
	}

	lw := &limitWriter{max: c.maxMsgSize, dst: dataFile}
	dr := smtp.NewDataReader(c.br)
	n, err := io.Copy(lw, dr)
	c.xtrace(mlog.LevelTrace) // Back to the normal trace level.
	if err != nil {
		if errors.Is(err, errSizeLimit) {
			secode := smtp.SeSys3MsgTooBig4
			if n < config.DefaultMaxMsgSize {
				secode = smtp.SeMailbox2MsgLimitExceeded3
			}
			c.sendcode(smtp.C451LocalErr, secode, fmt.Sprintf("error copying data to file (%s)", dray.ReceivedID(c.cid)), err)
			panic(fmt.Errorf("remote sent too much data: %w", errIO))
		}

		if errors.Is(err, smtp.ErrCRLF) {
			c.sendcode(smtp.C500BadSyntax, smtp.SeProto5Syntax2, fmt.Sprintf("invalid bare \\r or \\n, may be smtp smuggling (%s)", dray.ReceivedID(c.cid)), err)
			return
		}

		// The failure is on our end. Write the error response first, then drain what
		// the remote still has in flight, so our response actually reaches them. The
		// write is synchronous and could block on a full TCP window while the remote
		// blocks on sending, but the write deadline breaks that deadlock by failing
		// the connection.
		c.sendcode(smtp.C451LocalErr, smtp.SeSys3Other0, fmt.Sprintf("error copying data to file (%s)", dray.ReceivedID(c.cid)), err)
		io.Copy(io.Discard, dr)
		return
	}
	size := int64(len(recvHdr)) + n

	// Count the transaction as failed up front, the good outcomes correct this.
	c.txBad++

	fm := filter.Message{
		MailFrom: *c.mailFrom,
		Size:     size,
		RemoteIP: c.remoteIP,
		AuthUser: c.username,
		Data:     dataFile,
	}
	for _, r := range c.recipients {
		fm.RcptTo = append(fm.RcptTo, r.addr)
	}

	// Pre-queue filtering, from the same tables snapshot as recipient resolution.
	// The sender is still connected: reject and tempfail become SMTP responses
	// instead of bounce messages.
	pre, _ := filter.PipelinesFromConfig(c.tables.Filters)
	verdict := pre.Pre(dctx, c.log, &fm)
	switch verdict.Action {
	case filter.Accept, filter.Quarantine:
	case filter.Reject:
		metricDelivery.WithLabelValues("reject", verdict.Stage).Inc()
		c.log.Info("rejecting message due to content filter", slog.String("stage", verdict.Stage), slog.String("reason", verdict.Reason))
		xsmtpUserErrorf(smtp.C554TransactionFailed, smtp.SePol7DeliveryUnauth1, "%s", verdict.Reason)
	case filter.Tempfail:
		metricDelivery.WithLabelValues("tempfail", verdict.Stage).Inc()
		c.log.Info("temporarily refusing message due to content filter", slog.String("stage", verdict.Stage), slog.String("reason", verdict.Reason))
		xsmtpUserErrorf(smtp.C451LocalErr, smtp.SePol7Other0, "%s", verdict.Reason)
	case filter.Discard:
		// Accepted as far as the sender can tell, but never queued.
		metricDelivery.WithLabelValues("discard", verdict.Stage).Inc()
		c.log.Info("discarding message due to content filter", slog.String("stage", verdict.Stage), slog.String("reason", verdict.Reason))
		c.txGood++
		c.txBad-- // Correct the pessimistic count from above.
		c.rset()
		c.sendcode(smtp.C250Completed, smtp.SeMailbox2Other0, "taken in", nil)
		return
	}

	// The message needs 8bitmime-capable delivery when the remote announced
	// BODY=8BITMIME or when the data contains 8bit bytes regardless.
	m := queue.MakeMsg(*c.mailFrom, c.has8bitmime || lw.has8bit, c.smtputf8, size, messageID(&fm), c.remoteIP.String(), c.username, time.Now())

	var rl []queue.Rcpt
	seen := make(map[string]bool)
	for _, r := range c.recipients {
		for _, qr := range r.rcpts {
			// Different RCPT TOs can expand to the same final address, e.g. through
			// overlapping aliases. One copy is enough.
			k := string(qr.Localpart) + "@" + qr.DomainStr
			if seen[k] {
				continue
			}
			seen[k] = true
			rl = append(rl, qr)
		}
	}
	if verdict.Action == filter.Quarantine {
		reason := verdict.Reason
		if reason == "" {
			reason = "message quarantined by content filter"
		}
		c.log.Info("quarantining message due to content filter", slog.String("stage", verdict.Stage), slog.String("reason", verdict.Reason))
		for i := range rl {
			rl[i].State = queue.Quarantined
			rl[i].LastError = reason
		}
	}

	if err := queue.Add(dctx, c.log, &m, dataFile, rl...); err != nil {
		metricDelivery.WithLabelValues("queueerror", "").Inc()
		c.log.Errorx("queuing message", err)
		xsmtpServerErrorf(errCodes(smtp.C451LocalErr, smtp.SeSys3Other0, err), "error processing message")
	}
	result := "queued"
	if verdict.Action == filter.Quarantine {
		result = "quarantine"
	}
	metricDelivery.WithLabelValues(result, verdict.Stage).Inc()
	for _, r := range c.recipients {
		c.log.Info("message queued for delivery", slog.Any("mailfrom", *c.mailFrom), slog.Any("rcptto", r.addr), slog.Bool("smtputf8", c.smtputf8), slog.Int64("msgsize", size))
	}

	c.txGood++
	c.txBad-- // Correct the pessimistic count from above.

	c.rset()
	c.sendcode(smtp.C250Completed, smtp.SeMailbox2Other0, "taken in", nil)
}

// messageID returns the value of the message's Message-ID header, without angle
// brackets, or the empty string. The queue stores it for the References header
// of delivery status notifications about the message.
func messageID(fm *filter.Message) string {
	lines, err := fm.HeaderLines()
	if err != nil {
		return ""
	}
	for _, line := range lines {
		k, v, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "Message-ID") {
			continue
		}
		v = strings.TrimSpace(v)
		v = strings.TrimSuffix(strings.TrimPrefix(v, "<"), ">")
		return v
	}
	return ""
}

func (c *conn) handleRset(p *parser) {
	p.xeol()

	c.rset()
	c.bsendcode(smtp.C250Completed, smtp.SeOther00, "fresh start", nil)
}

func (c *conn) handleVrfy(p *parser) {
	// Implementing the various VRFY forms buys us nothing. These days the command
	// mostly serves spammers probing for valid addresses.
	p.xsp()
	p.rest()

	c.bsendcode(smtp.C252WithoutVrfy, smtp.SePol7Other0, "cannot verify, happy to attempt delivery", nil)
}

func (c *conn) handleExpn(p *parser) {
	// Alias membership is none of the remote's business.
	p.xsp()
	p.rest()

	c.bsendcode(smtp.C252WithoutVrfy, smtp.SePol7Other0, "cannot expand, happy to attempt delivery", nil)
}

func (c *conn) handleHelp(p *parser) {
	// The argument is ignored, so there is no point being strict about its syntax.
	c.bsendcode(smtp.C214Help, smtp.SeOther00, "rfc 5321 is a good read", nil)
}

func (c *conn) handleNoop(p *parser) {
	// An argument is permitted, and oddly enough must match the string production.
	if p.sp() {
		p.xstring()
	}
	p.xeol()
	c.bsendcode(smtp.C250Completed, smtp.SeOther00, "righto", nil)
}

func (c *conn) handleQuit(p *parser) {
	p.xeol()

	c.sendcode(smtp.C221ServiceClosing, smtp.SeOther00, "thanks, until next time", nil)
	panic(cleanClose)
}

// errCodes makes the codes more specific when err identifies a known
// condition, turning an "other system" error into "mail system full" when the
// disk ran out of space.
func errCodes(code int, secode string, err error) codes {
	if drayio.IsStorageSpace(err) {
		switch secode {
		case smtp.SeMailbox2Other0:
			secode = smtp.SeMailbox2Full2
		case smtp.SeSys3Other0:
			secode = smtp.SeSys3StorageFull1
		default:
			return codes{code, secode}
		}
		if code == smtp.C451LocalErr {
			code = smtp.C452StorageFull
		}
	}
	return codes{code, secode}
}
