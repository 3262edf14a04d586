package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mjl-/bstore"

	"github.com/draymta/dray/config"
	"github.com/draymta/dray/dns"
	"github.com/draymta/dray/dray-"
	"github.com/draymta/dray/dsn"
	"github.com/draymta/dray/metrics"
	"github.com/draymta/dray/mlog"
	"github.com/draymta/dray/smtpclient"
)

// deliver attempts delivery of one message to one destination, for one or
// more recipients that were just marked active. Results are recorded per
// recipient: delivered and permanently failed recipients reach a terminal
// state, temporary failures are rescheduled with backoff. DSNs are queued for
// failed recipients when the message was not itself a DSN.
func deliver(qlog mlog.Log, resolver dns.Resolver, m Msg, rcpts []*Rcpt) {
	ctx := dray.Shutdown

	dest := rcpts[0].DomainStr
	qlog = qlog.WithCid(dray.Cid()).With(
		slog.Int64("msgid", m.ID),
		slog.Any("sender", m.Sender()),
		slog.String("destination", dest),
		slog.Int("recipients", len(rcpts)))

	defer func() {
		deliveryResults <- dest

		x := recover()
		if x != nil {
			qlog.Error("deliver panic", slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc("queue")
		}
	}()

	now := timeNow()

	// A message that exceeded its lifetime in the queue is returned to the
	// sender instead of attempted again. DSNs have the shorter bounce lifetime,
	// and are dropped, never bounced.
	lifetime := dray.Conf.Static.Queue.MessageLifetime
	if m.IsDSN {
		lifetime = dray.Conf.Static.Queue.BounceLifetime
	}
	if age := now.Sub(m.Queued); age >= lifetime {
		err := fmt.Errorf("message expired after %v in queue", age.Round(time.Second))
		qlog.Info("lifetime expired, returning message to sender", slog.Duration("age", age))
		failGroup(ctx, qlog, m, rcpts, "none", dsn.NameIP{}, true, err)
		return
	}

	// Backoff and next attempt time are written before delivering. If we crash
	// during the attempt we will not hammer the receiving server with tight
	// retries after restarts.
	qconf := dray.Conf.Static.Queue
	for i := range rcpts {
		r := rcpts[i]
		if r.Backoff == 0 {
			r.Backoff = qconf.MinimalBackoff
		} else {
			r.Backoff *= 2
			if r.Backoff > qconf.MaximalBackoff {
				r.Backoff = qconf.MaximalBackoff
			}
		}
		r.Attempts++
		attempt := now
		r.LastAttempt = &attempt
		r.NextAttempt = now.Add(r.Backoff)
		r.LastActivity = now
	}
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		for i := range rcpts {
			if err := tx.Update(rcpts[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// If we cannot write delivery state, we refuse new work for these
		// recipients rather than attempting with inconsistent bookkeeping.
		qlog.Errorx("storing delivery attempt, demoting recipients to deferred", err)
		xerr := DB.Write(ctx, func(tx *bstore.Tx) error {
			for i := range rcpts {
				rr := Rcpt{ID: rcpts[i].ID}
				if err := tx.Get(&rr); err != nil {
					return err
				}
				rr.State = Deferred
				if err := tx.Update(&rr); err != nil {
					return err
				}
			}
			return nil
		})
		if xerr != nil {
			qlog.Errorx("demoting recipients to deferred", xerr)
		}
		return
	}

	qlog = qlog.With(slog.Int("attempts", rcpts[0].Attempts))

	r0 := rcpts[0]
	switch r0.Class {
	case config.ClassLocal, config.ClassVirtual:
		deliverLocal(qlog, m, rcpts)
		return
	}

	if r0.Transport != "" {
		transport, ok := dray.Conf.Transport(r0.Transport)
		if !ok {
			// Transports can be removed from the config across restarts. Keep trying,
			// the operator may bring it back or reroute the recipients.
			failGroup(ctx, qlog, m, rcpts, "none", dsn.NameIP{}, false, fmt.Errorf("unknown transport %q", r0.Transport))
			return
		}
		qlog = qlog.With(slog.String("transport", r0.Transport))

		var t *config.TransportSMTP
		var dialTLS bool
		var defaultPort int
		switch {
		case transport.Submissions != nil:
			t, dialTLS, defaultPort = transport.Submissions, true, 465
		case transport.Submission != nil:
			t, defaultPort = transport.Submission, 587
		case transport.SMTP != nil:
			t, defaultPort = transport.SMTP, 25
		default:
			// A transport without type means regular direct delivery.
			deliverDirect(qlog, resolver, m, rcpts)
			return
		}
		deliverSubmit(qlog, resolver, m, rcpts, r0.Transport, t, dialTLS, defaultPort)
		return
	}

	deliverDirect(qlog, resolver, m, rcpts)
}

// rcptResult is the classified outcome of a delivery attempt for one
// recipient. A nil error means delivered.
type rcptResult struct {
	rcpt *Rcpt
	err  error
}

// markResults records the outcome of a delivery attempt: an attempt record
// per recipient, the resulting recipient state, and DSNs for failures. The
// permanent flag classifies errors that are not smtpclient errors, and
// forces all failures permanent when delivery is abandoned, e.g. for an
// expired message.
func markResults(ctx context.Context, qlog mlog.Log, m Msg, destination string, remoteMTA dsn.NameIP, permanent bool, results []rcptResult) {
	now := timeNow()

	type dsnWork struct {
		rcpt      Rcpt
		permanent bool
		secode    string
		errmsg    string
		smtpLines []string
	}
	var dsns []dsnWork

	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		dsns = nil
		for _, res := range results {
			r := Rcpt{ID: res.rcpt.ID}
			if err := tx.Get(&r); err != nil {
				if err == bstore.ErrAbsent {
					// Removed by admin during the attempt.
					qlog.Debug("recipient vanished during delivery attempt", slog.Int64("rcptid", res.rcpt.ID))
					continue
				}
				return err
			}
			if r.State != Active {
				qlog.Debug("recipient no longer active after delivery attempt, not recording result", slog.Int64("rcptid", r.ID), slog.String("state", string(r.State)))
				continue
			}

			rlog := qlog.With(slog.Int64("rcptid", r.ID), slog.Any("recipient", r.Recipient()))

			a := Attempt{RcptID: r.ID, Destination: destination}
			if r.LastAttempt != nil {
				a.Start = *r.LastAttempt
			} else {
				a.Start = now
			}

			r.LastActivity = now
			if res.err == nil {
				r.State = Delivered
				r.LastCode = 0
				r.LastSecode = ""
				r.LastError = ""
				a.Result = string(Delivered)
				rlog.Info("delivered from queue")
			} else {
				perm := permanent
				var secode, errmsg string
				var smtpLines []string
				var cerr smtpclient.Error
				if errors.As(res.err, &cerr) {
					perm = perm || cerr.Permanent
					r.LastCode = cerr.Code
					secode = cerr.Secode
					if cerr.Line != "" {
						smtpLines = append([]string{cerr.Line}, cerr.MoreLines...)
					}
				} else {
					r.LastCode = 0
				}
				errmsg = res.err.Error()
				r.LastSecode = secode
				r.LastError = errmsg
				a.Code = r.LastCode
				a.Secode = secode
				a.Diagnostic = errmsg

				if perm {
					r.State = Bounced
					a.Result = string(Bounced)
					rlog.Errorx("permanent failure delivering from queue", res.err)
				} else {
					r.State = Deferred
					a.Result = string(Deferred)
					rlog.Infox("delivery attempt failed, will retry", res.err, slog.Time("nextattempt", r.NextAttempt))
				}

				if perm {
					dsns = append(dsns, dsnWork{r, true, secode, errmsg, smtpLines})
				} else if r.Attempts == 5 {
					// About 4 hours delayed by now, let the sender know delivery is
					// taking longer than expected.
					dsns = append(dsns, dsnWork{r, false, secode, errmsg, smtpLines})
				}
			}
			if err := tx.Update(&r); err != nil {
				return err
			}
			if err := tx.Insert(&a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		qlog.Errorx("storing delivery results", err)
		return
	}

	// DSNs read the original message headers from the spool, and are queued
	// through Add with their own transaction, so they are composed after the
	// results are committed and before a fully handled message is cleaned up.
	for _, w := range dsns {
		if w.permanent {
			deliverDSNFailure(ctx, qlog, m, w.rcpt, remoteMTA, w.secode, w.errmsg, w.smtpLines)
		} else {
			lifetime := dray.Conf.Static.Queue.MessageLifetime
			retryUntil := m.Queued.Add(lifetime)
			deliverDSNDelay(ctx, qlog, m, w.rcpt, remoteMTA, w.secode, w.errmsg, w.smtpLines, retryUntil)
		}
	}

	msgFinish(ctx, qlog, m.ID)
}

// failGroup records the same failure for all recipients of the attempt.
func failGroup(ctx context.Context, qlog mlog.Log, m Msg, rcpts []*Rcpt, destination string, remoteMTA dsn.NameIP, permanent bool, err error) {
	results := make([]rcptResult, len(rcpts))
	for i, r := range rcpts {
		results[i] = rcptResult{r, err}
	}
	markResults(ctx, qlog, m, destination, remoteMTA, permanent, results)
}

// deliveryResult returns the metric label for the outcome of a delivery
// attempt.
func deliveryResult(err error) string {
	var cerr smtpclient.Error
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &cerr):
		if cerr.Permanent {
			return "permerror"
		}
		return "temperror"
	}
	return "error"
}

// cachedConn is an open connection to a destination, kept after a clean
// delivery for reuse by the next message to the same destination.
type cachedConn struct {
	client  *smtpclient.Client
	ip      net.IP // Remote IP connected to, for DSNs and metrics.
	lastUse time.Time
}

func (cc *cachedConn) close(log mlog.Log) {
	err := cc.client.Close()
	log.Check(err, "closing connection to destination")
}

var connCacheMutex sync.Mutex
var connCache = map[string][]*cachedConn{}

// connCacheKey returns the cache key for a connection: deliveries may share a
// connection only when transport, host, port and TLS mode are all equal.
func connCacheKey(transportName string, host dns.IPDomain, port int, tlsMode smtpclient.TLSMode) string {
	return fmt.Sprintf("%s\n%s\n%d\n%s", transportName, host.XString(false), port, tlsMode)
}

// connCacheTake returns a cached connection for key, or nil. Connections idle
// beyond the configured reuse period are closed and discarded.
func connCacheTake(log mlog.Log, key string) *cachedConn {
	maxIdle := dray.Conf.Static.Queue.ConnectionReuse
	var cc *cachedConn
	var expired []*cachedConn

	connCacheMutex.Lock()
	l := connCache[key]
	for cc == nil && len(l) > 0 {
		xcc := l[len(l)-1]
		l = l[:len(l)-1]
		if timeNow().Sub(xcc.lastUse) >= maxIdle {
			expired = append(expired, xcc)
			continue
		}
		cc = xcc
	}
	if len(l) == 0 {
		delete(connCache, key)
	} else {
		connCache[key] = l
	}
	connCacheMutex.Unlock()

	for _, xcc := range expired {
		xcc.close(log)
	}
	return cc
}

// connCachePut parks a connection for reuse after a delivery that left it in
// a known state. The connection is closed when it stays idle for the reuse
// period.
func connCachePut(log mlog.Log, key string, cc *cachedConn) {
	maxIdle := dray.Conf.Static.Queue.ConnectionReuse
	if maxIdle <= 0 {
		cc.close(log)
		return
	}
	cc.lastUse = timeNow()
	connCacheMutex.Lock()
	connCache[key] = append(connCache[key], cc)
	connCacheMutex.Unlock()
	time.AfterFunc(maxIdle, func() { connCacheExpire(log) })
}

// connCacheExpire closes cached connections that have been idle too long.
func connCacheExpire(log mlog.Log) {
	maxIdle := dray.Conf.Static.Queue.ConnectionReuse
	var expired []*cachedConn

	connCacheMutex.Lock()
	for key, l := range connCache {
		var keep []*cachedConn
		for _, cc := range l {
			if timeNow().Sub(cc.lastUse) >= maxIdle {
				expired = append(expired, cc)
			} else {
				keep = append(keep, cc)
			}
		}
		if len(keep) == 0 {
			delete(connCache, key)
		} else {
			connCache[key] = keep
		}
	}
	connCacheMutex.Unlock()

	for _, cc := range expired {
		cc.close(log)
	}
}

// connCacheClear closes all cached connections, during shutdown and in tests.
func connCacheClear() {
	log := mlog.New("queue", nil)
	var all []*cachedConn

	connCacheMutex.Lock()
	for _, l := range connCache {
		all = append(all, l...)
	}
	connCache = map[string][]*cachedConn{}
	connCacheMutex.Unlock()

	for _, cc := range all {
		cc.close(log)
	}
}

// deliverConn returns a connection to deliver on: a reusable cached
// connection with its session reset, or a new connection dialed and greeted
// through newConn. reused tells the caller whether connection setup problems
// can be blamed on staleness.
func deliverConn(qlog mlog.Log, key, transportName string, newConn func(log mlog.Log) (*cachedConn, error)) (cc *cachedConn, reused bool, rerr error) {
	if cc := connCacheTake(qlog, key); cc != nil {
		if err := cc.client.Reset(); err != nil {
			qlog.Debugx("resetting cached connection, dialing new", err)
			cc.close(qlog)
		} else {
			metricConnectionReuse.WithLabelValues(transportName).Inc()
			return cc, true, nil
		}
	}
	cc, err := newConn(qlog)
	if err != nil {
		return nil, false, err
	}
	return cc, false, nil
}

// deliverFinish returns the connection to the cache when it is still in a
// usable state, and closes it otherwise.
func deliverFinish(qlog mlog.Log, key string, cc *cachedConn) {
	if cc.client.Botched() {
		cc.close(qlog)
		return
	}
	connCachePut(qlog, key, cc)
}
