package queue

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/draymta/dray/dns"
	"github.com/draymta/dray/dray-"
	"github.com/draymta/dray/dsn"
	"github.com/draymta/dray/mlog"
	"github.com/draymta/dray/sasl"
	"github.com/draymta/dray/smtp"
	"github.com/draymta/dray/smtpclient"
)

var metricDestinationLookups = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dray_queue_destinations_total",
	Help: "Destination (e.g. MX) lookups for delivery attempts.",
})

// dialResult is the "result" label on the connection metric.
func dialResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "error"
}

// deliverDirect delivers a message to the MX hosts of the destination domain
// of the recipients, walking the hosts in preference order until one accepts
// the connection and transaction. A permanent error from a host ends the
// attempt, temporary errors move on to the next host.
func deliverDirect(qlog mlog.Log, resolver dns.Resolver, m Msg, rcpts []*Rcpt) {
	ctx := dray.Shutdown

	// Resolve the hosts to attempt. CNAMEs are followed, an MX record saying
	// "no mail accepted here" is a permanent error.
	gatherctx, gathercancel := context.WithTimeout(ctx, 30*time.Second)
	defer gathercancel()
	origNextHop := rcpts[0].Domain
	haveMX, expandedNextHop, hostPrefs, permanent, err := smtpclient.GatherDestinations(gatherctx, qlog.Logger, resolver, origNextHop)
	gathercancel()
	if err != nil {
		failGroup(ctx, qlog, m, rcpts, "none", dsn.NameIP{}, permanent, err)
		return
	}
	metricDestinationLookups.Inc()
	if haveMX {
		qlog.Debug("delivering to mx hosts", slog.Any("domain", expandedNextHop), slog.Int("hosts", len(hostPrefs)))
	}

	dialer := &net.Dialer{}
	var lastErr error
	var lastRemoteMTA dsn.NameIP
	lastDestination := "none"
	for _, hp := range hostPrefs {
		h := hp.Host
		nqlog := qlog.With(slog.Any("host", h))

		resps, remoteIP, dualstack, badTLS, err := deliverHost(nqlog, resolver, dialer, m, rcpts, "", h, 25, smtpclient.TLSOpportunistic, false, nil)
		if err != nil && badTLS {
			// The server may be misconfigured for TLS but able to deliver in plain
			// text. Delivering without TLS is better than returning the message.
			nqlog.Debugx("tls error on opportunistic tls, retrying without tls", err)
			resps, remoteIP, dualstack, _, err = deliverHost(nqlog, resolver, dialer, m, rcpts, "", h, 25, smtpclient.TLSSkip, false, nil)
		}

		remoteMTA := dsn.NameIP{Name: h.XString(false), IP: remoteIP}
		destination := h.XString(false)

		if err == nil {
			results := make([]rcptResult, len(rcpts))
			for i, r := range rcpts {
				var rerr error
				if i < len(resps) && resps[i].Code != smtp.C250Completed {
					rerr = smtpclient.Error(resps[i])
				}
				results[i] = rcptResult{r, rerr}
			}
			markResults(ctx, nqlog, m, destination, remoteMTA, false, results)
			return
		}

		var serr smtpclient.Error
		if errors.As(err, &serr) && serr.Permanent && rcpts[0].Attempts == 1 && dualstack && strings.HasPrefix(serr.Secode, "7.") {
			// Policy-based rejection on the first attempt while the host is
			// dualstack. The other address family is dialed on the next attempt and
			// may be treated differently, so keep trying.
			nqlog.Debugx("treating persistent policy error as temporary on dualstack host", err)
			serr.Permanent = false
			err = serr
		}

		lastErr = err
		lastRemoteMTA = remoteMTA
		lastDestination = destination

		if errors.As(err, &serr) && serr.Permanent {
			failGroup(ctx, nqlog, m, rcpts, destination, remoteMTA, false, err)
			return
		}
		// Temporary error, try the next host.
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no hosts to deliver to")
	}
	failGroup(ctx, qlog, m, rcpts, lastDestination, lastRemoteMTA, false, lastErr)
}

// deliverHost attempts to deliver a message to the recipients on a single
// host, reusing a cached connection to the host when present. The message is
// delivered in one SMTP transaction, with one RCPT TO per recipient. Per
// recipient responses are returned when the transaction itself did not fail.
//
// badTLS is set when the failure was in negotiating TLS, in which case the
// caller can retry in plain text for opportunistic TLS.
func deliverHost(qlog mlog.Log, resolver dns.Resolver, dialer smtpclient.Dialer, m Msg, rcpts []*Rcpt, transportName string, host dns.IPDomain, port int, tlsMode smtpclient.TLSMode, tlsPKIX bool, auth func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error)) (resps []smtpclient.Response, remoteIP net.IP, dualstack, badTLS bool, rerr error) {
	ctx := dray.Shutdown
	t0 := time.Now()
	defer func() {
		metricDelivery.WithLabelValues(fmt.Sprintf("%d", rcpts[0].Attempts), transportName, string(tlsMode), deliveryResult(rerr)).Observe(float64(time.Since(t0)) / float64(time.Second))
		qlog.Debugx("queue deliverhost result", rerr,
			slog.Any("host", host),
			slog.Int("port", port),
			slog.String("tlsmode", string(tlsMode)),
			slog.Duration("duration", time.Since(t0)))
	}()

	key := connCacheKey(transportName, host, port, tlsMode)
	dialedIPs := rcpts[0].DialedIPs

	cc, reused, err := deliverConn(qlog, key, transportName, func(log mlog.Log) (*cachedConn, error) {
		dialctx, dialcancel := context.WithTimeout(ctx, 30*time.Second)
		defer dialcancel()

		if dialedIPs == nil {
			dialedIPs = map[string][]net.IP{}
		}
		_, ips, isdualstack, err := smtpclient.GatherIPs(dialctx, log.Logger, resolver, "ip", host, dialedIPs)
		if err != nil {
			return nil, err
		}
		dualstack = isdualstack

		conn, ip, err := smtpclient.Dial(dialctx, log, dialer, host, ips, port, dialedIPs)
		metricConnection.WithLabelValues(dialResult(err)).Inc()
		if err != nil {
			log.Debugx("connecting to remote smtp", err, slog.Any("host", host))
			return nil, err
		}

		// The smtp greeting and hello can take it slow, but not too slow.
		helloctx, hellocancel := context.WithTimeout(ctx, 60*time.Second)
		defer hellocancel()
		opts := smtpclient.Opts{Auth: auth}
		client, err := smtpclient.New(helloctx, log.Logger, conn, tlsMode, tlsPKIX, dray.Conf.Static.HostnameDomain, host.Domain, opts)
		if err != nil {
			xerr := conn.Close()
			log.Check(xerr, "closing connection after failed smtp hello")
			return nil, err
		}
		return &cachedConn{client: client, ip: ip}, nil
	})
	if err != nil {
		if errors.Is(err, smtpclient.ErrTLS) {
			badTLS = true
		}
		rerr = err
		return
	}
	remoteIP = cc.ip
	if reused {
		qlog.Debug("reusing connection to host", slog.Any("host", host))
	}

	// Record the IPs we dialed for all recipients of the group, so later
	// attempts can alternate address family against greylisting.
	for _, r := range rcpts {
		r.DialedIPs = dialedIPs
	}

	msgFile, err := os.Open(m.MessagePath())
	if err != nil {
		// A local error, the connection is still in a clean state.
		deliverFinish(qlog, key, cc)
		rerr = fmt.Errorf("opening spool file: %v", err)
		return
	}
	defer func() {
		err := msgFile.Close()
		qlog.Check(err, "closing spool file after delivery attempt")
	}()

	var msgr io.Reader = msgFile
	msgSize := m.Size
	req8bitmime := m.Has8bit
	reqSMTPUTF8 := m.SMTPUTF8
	if len(m.DSNUTF8) > 0 && cc.client.SupportsSMTPUTF8() {
		// Internationalized DSN and the remote can receive it: use the UTF-8
		// variant instead of the ASCII fallback in the spool.
		msgr = bytes.NewReader(m.DSNUTF8)
		msgSize = int64(len(m.DSNUTF8))
		req8bitmime = true
		reqSMTPUTF8 = true
	}

	mailFrom := m.Sender().XString(reqSMTPUTF8)
	rcptTos := make([]string, len(rcpts))
	for i, r := range rcpts {
		rcptTos[i] = r.Recipient().XString(reqSMTPUTF8)
	}

	// Delivery timeout gets an allowance for the message size on slow links.
	deliverctx, delivercancel := context.WithTimeout(ctx, time.Duration(60+msgSize/(1024*1024))*time.Second)
	defer delivercancel()
	resps, rerr = cc.client.DeliverMultiple(deliverctx, mailFrom, rcptTos, msgSize, msgr, req8bitmime, reqSMTPUTF8, false)
	delivercancel()

	deliverFinish(qlog, key, cc)
	return
}
