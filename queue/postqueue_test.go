package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/bstore"

	"github.com/draymta/dray/config"
	"github.com/draymta/dray/dns"
	"github.com/draymta/dray/dray-"
)

func TestPostQueueFilter(t *testing.T) {
	cleanup := setup(t)
	defer cleanup()

	now := time.Now().Round(0)
	timeNow = func() time.Time { return now }
	defer func() {
		timeNow = time.Now
	}()

	orig := dray.Conf.Tables()
	defer dray.Conf.SetTables(orig)

	sender := xpath(t, "sam@remote.example")
	local := xpath(t, "sam@dray.example")
	resolver := dns.MockResolver{}

	submit := func(subject, body, remoteIP string, isDSN bool) (Msg, Rcpt) {
		t.Helper()
		data := strings.ReplaceAll(fmt.Sprintf(`Message-Id: <filter@remote.example>
From: <sam@remote.example>
To: <sam@dray.example>
Subject: %s

%s
`, subject, body), "\n", "\r\n")
		f, err := CreateMessageTemp(pkglog)
		tcheck(t, err, "create temp message file")
		defer func() {
			f.Close()
			os.Remove(f.Name())
		}()
		_, err = f.WriteString(data)
		tcheck(t, err, "write message file")
		m := MakeMsg(sender, false, false, int64(len(data)), "filter@remote.example", remoteIP, "", timeNow())
		m.IsDSN = isDSN
		rl := []Rcpt{MakeRcpt(local, local, config.ClassLocal, "")}
		err = Add(ctxbg, pkglog, &m, f, rl...)
		tcheck(t, err, "add message to queue")
		return m, rl[0]
	}

	// DSNs queued during this test go to remote.example. Keeping that
	// destination at its concurrency limit prevents launchWork from starting
	// deliveries for them, only local deliveries happen.
	busy := func() map[string]int {
		return map[string]int{"remote.example": dray.Conf.Static.Queue.DestinationConcurrency}
	}

	// Pre-queue rules alone never cause a pending post-queue evaluation, even
	// when they match.
	tables := *orig
	tables.Filters = config.Filters{
		BodyRules: []config.FilterRule{
			{Regexp: "lottery", Action: "reject", Message: "lottery spam", Pattern: regexp.MustCompile("lottery")},
		},
	}
	dray.Conf.SetTables(&tables)
	mpre, rpre := submit("hello", "you have won the lottery", "10.0.0.1", false)
	tcompare(t, xmsg(t, mpre.ID).FilterPending, false)
	if xr := xrcpt(t, rpre.ID); !xr.NextAttempt.Equal(now) {
		t.Fatalf("next attempt %v, expected %v", xr.NextAttempt, now)
	}
	ndrop, err := Drop(ctxbg, pkglog, Filter{MsgIDs: []int64{mpre.ID}})
	tcheck(t, err, "drop message")
	tcompare(t, ndrop, 1)

	// Post-queue rules with each verdict. The lottery rule stays pre-queue and
	// must not influence post-queue evaluation.
	tables = *orig
	tables.Filters = config.Filters{
		HeaderRules: []config.FilterRule{
			{Regexp: `(?i)^subject:.*wire transfer`, Action: "quarantine", Message: "possible payment fraud", PostQueue: true, Pattern: regexp.MustCompile(`(?i)^subject:.*wire transfer`)},
		},
		BodyRules: []config.FilterRule{
			{Regexp: "lottery", Action: "reject", Message: "lottery spam", Pattern: regexp.MustCompile("lottery")},
			{Regexp: `(?i)cheap watches`, Action: "reject", Message: "unsolicited commercial email", PostQueue: true, Pattern: regexp.MustCompile(`(?i)cheap watches`)},
			{Regexp: `^begin 644 `, Action: "discard", PostQueue: true, Pattern: regexp.MustCompile(`^begin 644 `)},
			{Regexp: "scanner offline", Action: "tempfail", PostQueue: true, Pattern: regexp.MustCompile("scanner offline")},
		},
	}
	dray.Conf.SetTables(&tables)

	macc, racc := submit("quarterly report", "did we win the lottery", "10.0.0.1", false)
	mrej, rrej := submit("great deals", "get cheap watches while they last", "10.0.0.1", false)
	mdis, rdis := submit("invoice attached", "begin 644 invoice.exe", "10.0.0.1", false)
	mqua, rqua := submit("urgent wire transfer request", "please process before noon", "10.0.0.1", false)
	mtmp, rtmp := submit("av status", "content scanner offline since midnight", "10.0.0.1", false)
	mcan, rcan := submit("maintenance", "routine maintenance window tonight", "10.0.0.1", false)

	for _, m := range []Msg{macc, mrej, mdis, mqua, mtmp, mcan} {
		xm := xmsg(t, m.ID)
		tcompare(t, xm.FilterPending, true)
		if !xm.NextFilter.Equal(now) {
			t.Fatalf("next filter evaluation %v, expected %v", xm.NextFilter, now)
		}
	}
	// Recipients of pending messages are kept out of the delivery schedule.
	holdback := now.Add(dray.Conf.Static.Queue.MessageLifetime)
	if xr := xrcpt(t, racc.ID); !xr.NextAttempt.Equal(holdback) {
		t.Fatalf("next attempt %v for pending message, expected %v", xr.NextAttempt, holdback)
	}

	// Internal submissions and DSNs are never evaluated post-queue.
	mint, rint := submit("status", "nightly report contents", "", false)
	mdsn, _ := submit("failure notice", "delivery failed", "10.0.0.1", true)
	tcompare(t, xmsg(t, mint.ID).FilterPending, false)
	tcompare(t, xmsg(t, mdsn.ID).FilterPending, false)
	if xr := xrcpt(t, rint.ID); !xr.NextAttempt.Equal(now) {
		t.Fatalf("next attempt %v, expected %v", xr.NextAttempt, now)
	}
	ndrop, err = Drop(ctxbg, pkglog, Filter{MsgIDs: []int64{mint.ID, mdsn.ID}})
	tcheck(t, err, "drop messages")
	tcompare(t, ndrop, 2)

	// A pending evaluation keeps deliveries from starting, even when the
	// recipient is moved forward in the schedule.
	_, err = NextAttemptSet(ctxbg, Filter{IDs: []int64{racc.ID}}, now)
	tcheck(t, err, "moving recipient forward")
	n := launchWork(pkglog, resolver, map[string]int{}, map[string]time.Time{}, maxConcurrentDeliveries)
	tcompare(t, n, 0)

	// An admin can still fail recipients while the evaluation is pending.
	nfail, err := Fail(ctxbg, pkglog, Filter{IDs: []int64{rcan.ID}})
	tcheck(t, err, "failing recipient")
	tcompare(t, nfail, 1)
	tcompare(t, xmsg(t, mcan.ID).FilterPending, true)

	// Evaluate all due messages. The tempfail verdict determines the delay
	// until the next evaluation.
	d := filterWork(ctxbg, pkglog)
	tcompare(t, d, dray.Conf.Static.Queue.MinimalBackoff)

	// Accept released the recipient for immediate delivery. The matching
	// pre-queue lottery rule was not part of the post-queue pipeline.
	xm := xmsg(t, macc.ID)
	tcompare(t, xm.FilterPending, false)
	tcompare(t, xm.NextFilter.IsZero(), true)
	xr := xrcpt(t, racc.ID)
	tcompare(t, xr.State, Incoming)
	if !xr.NextAttempt.Equal(now) {
		t.Fatalf("next attempt %v after accept, expected %v", xr.NextAttempt, now)
	}
	n = launchWork(pkglog, resolver, busy(), map[string]time.Time{}, maxConcurrentDeliveries)
	tcompare(t, n, 1)
	waitResult(t)
	tcompare(t, xrcpt(t, racc.ID).State, Delivered)

	// Reject bounced the recipient and queued a DSN to the sender.
	tcompare(t, xmsg(t, mrej.ID).FilterPending, false)
	xr = xrcpt(t, rrej.ID)
	tcompare(t, xr.State, Bounced)
	tcompare(t, xr.LastError, "unsolicited commercial email")
	attempts, err := bstore.QueryDB[Attempt](ctxbg, DB).FilterNonzero(Attempt{RcptID: rrej.ID}).List()
	tcheck(t, err, "listing attempts")
	tcompare(t, len(attempts), 1)
	tcompare(t, attempts[0].Destination, "none")
	tcompare(t, attempts[0].Result, string(Bounced))
	tnospool(t, mrej)

	// Two DSNs by now: one for the canceled recipient, one for the reject.
	dsnmsgs, err := bstore.QueryDB[Msg](ctxbg, DB).FilterEqual("IsDSN", true).SortAsc("ID").List()
	tcheck(t, err, "listing dsns")
	tcompare(t, len(dsnmsgs), 2)
	for _, dm := range dsnmsgs {
		tcompare(t, dm.FilterPending, false)
		tcompare(t, dm.Sender().IsZero(), true)
	}
	buf, err := os.ReadFile(dsnmsgs[1].MessagePath())
	tcheck(t, err, "reading dsn message")
	for _, s := range []string{"Subject: mail delivery failed", "Action: failed", "Status: 5.7.1", "unsolicited commercial email"} {
		if !strings.Contains(string(buf), s) {
			t.Fatalf("dsn message without %q:\n%s", s, buf)
		}
	}

	// Discard removed the message entirely, without informing anyone.
	dm := Msg{ID: mdis.ID}
	if err := DB.Get(ctxbg, &dm); err != bstore.ErrAbsent {
		t.Fatalf("discarded message still present, get err %v", err)
	}
	dr := Rcpt{ID: rdis.ID}
	if err := DB.Get(ctxbg, &dr); err != bstore.ErrAbsent {
		t.Fatalf("recipient of discarded message still present, get err %v", err)
	}
	tnospool(t, mdis)

	// Quarantine parked the recipient for operator review.
	tcompare(t, xmsg(t, mqua.ID).FilterPending, false)
	xr = xrcpt(t, rqua.ID)
	tcompare(t, xr.State, Quarantined)
	tcompare(t, xr.LastError, "possible payment fraud")
	hold := true
	l, err := List(ctxbg, Filter{Hold: &hold}, Sort{})
	tcheck(t, err, "listing held recipients")
	tcompare(t, len(l), 1)

	// Releasing the quarantined recipient puts it back in the schedule.
	nrel, err := HoldSet(ctxbg, Filter{IDs: []int64{rqua.ID}}, false)
	tcheck(t, err, "releasing quarantined recipient")
	tcompare(t, nrel, 1)
	tcompare(t, xrcpt(t, rqua.ID).State, Incoming)
	_, err = NextAttemptSet(ctxbg, Filter{IDs: []int64{rqua.ID}}, now)
	tcheck(t, err, "flushing released recipient")
	n = launchWork(pkglog, resolver, busy(), map[string]time.Time{}, maxConcurrentDeliveries)
	tcompare(t, n, 1)
	waitResult(t)
	tcompare(t, xrcpt(t, rqua.ID).State, Delivered)

	// Tempfail kept the evaluation pending and rescheduled it.
	xm = xmsg(t, mtmp.ID)
	tcompare(t, xm.FilterPending, true)
	if next := now.Add(dray.Conf.Static.Queue.MinimalBackoff); !xm.NextFilter.Equal(next) {
		t.Fatalf("next filter evaluation %v, expected %v", xm.NextFilter, next)
	}
	tcompare(t, xrcpt(t, rtmp.ID).State, Incoming)

	// The canceled message had no recipients left to evaluate, the evaluation
	// just cleaned up.
	xm = xmsg(t, mcan.ID)
	tcompare(t, xm.FilterPending, false)
	tcompare(t, xm.NextFilter.IsZero(), true)
	tcompare(t, xrcpt(t, rcan.ID).State, Bounced)
	tnospool(t, mcan)

	// The operator removes the filter rules. The rescheduled evaluation now
	// accepts the message.
	dray.Conf.SetTables(orig)
	now = now.Add(dray.Conf.Static.Queue.MinimalBackoff + time.Second)
	d = filterWork(ctxbg, pkglog)
	tcompare(t, d, 24*time.Hour)
	xm = xmsg(t, mtmp.ID)
	tcompare(t, xm.FilterPending, false)
	xr = xrcpt(t, rtmp.ID)
	tcompare(t, xr.State, Incoming)
	if !xr.NextAttempt.Equal(now) {
		t.Fatalf("next attempt %v after accept, expected %v", xr.NextAttempt, now)
	}

	npend, err := bstore.QueryDB[Msg](ctxbg, DB).FilterEqual("FilterPending", true).Count()
	tcheck(t, err, "counting pending evaluations")
	tcompare(t, npend, 0)

	// Both accepted messages were delivered to the local mailbox.
	files, err := os.ReadDir(dray.DataDirPath(filepath.Join("spool", "dray.example", "sam", "new")))
	tcheck(t, err, "reading local mailbox")
	tcompare(t, len(files), 2)
}

// A post-queue filter that keeps tempfailing must not park a message forever:
// once the message exceeds its queue lifetime, the recipients are bounced and
// the sender gets a failure notice, like for an expired delivery.
func TestPostQueueFilterLifetime(t *testing.T) {
	cleanup := setup(t)
	defer cleanup()

	now := time.Now().Round(0)
	timeNow = func() time.Time { return now }
	defer func() {
		timeNow = time.Now
	}()

	orig := dray.Conf.Tables()
	defer dray.Conf.SetTables(orig)

	tables := *orig
	tables.Filters = config.Filters{
		BodyRules: []config.FilterRule{
			{Regexp: "scanner offline", Action: "tempfail", PostQueue: true, Pattern: regexp.MustCompile("scanner offline")},
		},
	}
	dray.Conf.SetTables(&tables)

	sender := xpath(t, "sam@remote.example")
	local := xpath(t, "sam@dray.example")

	data := strings.ReplaceAll(`Message-Id: <expiry@remote.example>
From: <sam@remote.example>
To: <sam@dray.example>
Subject: av status

content scanner offline since midnight
`, "\n", "\r\n")
	f, err := CreateMessageTemp(pkglog)
	tcheck(t, err, "create temp message file")
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()
	_, err = f.WriteString(data)
	tcheck(t, err, "write message file")
	m := MakeMsg(sender, false, false, int64(len(data)), "expiry@remote.example", "10.0.0.1", "", timeNow())
	rl := []Rcpt{MakeRcpt(local, local, config.ClassLocal, "")}
	err = Add(ctxbg, pkglog, &m, f, rl...)
	tcheck(t, err, "add message to queue")
	tcompare(t, xmsg(t, m.ID).FilterPending, true)

	// Up to the lifetime, a tempfail verdict only reschedules the evaluation.
	now = now.Add(dray.Conf.Static.Queue.MessageLifetime - time.Minute)
	d := filterWork(ctxbg, pkglog)
	tcompare(t, d, dray.Conf.Static.Queue.MinimalBackoff)
	tcompare(t, xmsg(t, m.ID).FilterPending, true)
	tcompare(t, xrcpt(t, rl[0].ID).State, Incoming)

	// Past the lifetime, the evaluation ends and the recipient is bounced.
	now = now.Add(dray.Conf.Static.Queue.MinimalBackoff + time.Minute)
	d = filterWork(ctxbg, pkglog)
	tcompare(t, d, 24*time.Hour)
	xm := xmsg(t, m.ID)
	tcompare(t, xm.FilterPending, false)
	tcompare(t, xm.NextFilter.IsZero(), true)
	xr := xrcpt(t, rl[0].ID)
	tcompare(t, xr.State, Bounced)
	if !strings.Contains(xr.LastError, "expired") {
		t.Fatalf("last error %q, expected expiry reason", xr.LastError)
	}
	attempts, err := bstore.QueryDB[Attempt](ctxbg, DB).FilterNonzero(Attempt{RcptID: rl[0].ID}).List()
	tcheck(t, err, "listing attempts")
	tcompare(t, len(attempts), 1)
	tcompare(t, attempts[0].Result, string(Bounced))
	tnospool(t, m)

	// The failure notice to the sender carries the expired-lifetime status.
	dsnmsgs, err := bstore.QueryDB[Msg](ctxbg, DB).FilterEqual("IsDSN", true).List()
	tcheck(t, err, "listing dsns")
	tcompare(t, len(dsnmsgs), 1)
	buf, err := os.ReadFile(dsnmsgs[0].MessagePath())
	tcheck(t, err, "reading dsn message")
	for _, s := range []string{"Subject: mail delivery failed", "Action: failed", "Status: 5.4.7", "expired after"} {
		if !strings.Contains(string(buf), s) {
			t.Fatalf("dsn message without %q:\n%s", s, buf)
		}
	}
}
