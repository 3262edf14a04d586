// Package queue holds messages from acceptance until final delivery, tracking
// state per recipient: attempting delivery over SMTP or into the local spool,
// retrying with exponential backoff, applying post-queue content filters, and
// sending DSNs for delayed and failed deliveries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"golang.org/x/exp/maps"

	"github.com/mjl-/bstore"

	"github.com/draymta/dray/dns"
	"github.com/draymta/dray/dray-"
	"github.com/draymta/dray/drayio"
	"github.com/draymta/dray/dsn"
	"github.com/draymta/dray/mlog"
	"github.com/draymta/dray/smtp"
)

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dray_queue_connection_total",
			Help: "Outgoing connections made for delivery attempts.",
		},
		[]string{
			"result", // ok, timeout, canceled, error
		},
	)
	metricConnectionReuse = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dray_queue_connection_reuse_total",
			Help: "Deliveries over a reused connection from the connection cache.",
		},
		[]string{
			"transport", // Empty for direct delivery.
		},
	)
	metricDelivery = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dray_queue_delivery_duration_seconds",
			Help:    "Delivery attempts to a single destination, with outcome.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"attempt",   // Attempt number for the recipient.
			"transport", // Empty for default direct delivery, "local" for spool deliveries.
			"tlsmode",   // immediate, requiredstarttls, opportunistic, skip (from smtpclient.TLSMode).
			"result",    // ok, timeout, canceled, temperror, permerror, error.
		},
	)
	metricHold = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dray_queue_hold",
			Help: "Messages in queue that are on hold or quarantined.",
		},
	)
)

// State is the delivery state of one recipient of a queued message.
type State string

// In normal operation, a recipient goes incoming, active, and on success
// delivered. On temporary failures it moves between deferred and active until
// it is delivered, bounced or its message exceeds its lifetime in the queue.
const (
	Incoming    State = "incoming"    // Waiting for a first delivery attempt.
	Active      State = "active"      // Delivery attempt in progress.
	Deferred    State = "deferred"    // Temporary failure, next attempt at NextAttempt.
	Delivered   State = "delivered"   // Terminal.
	Bounced     State = "bounced"     // Terminal. Permanent failure or lifetime exceeded, DSN queued if the sender was not null.
	Held        State = "held"        // Delivery paused by operator or hold rule.
	Quarantined State = "quarantined" // Message flagged by a post-queue content filter, kept for inspection.
)

// terminal returns whether no further deliveries will be attempted.
func (s State) terminal() bool {
	return s == Delivered || s == Bounced
}

// HoldRule is a message selector. Newly submitted messages matching a hold rule
// get their recipients in the held state, preventing delivery until the rule is
// removed and the recipients are released.
type HoldRule struct {
	ID                 int64
	SenderDomain       dns.Domain
	RecipientDomain    dns.Domain
	SenderDomainStr    string // Unicode, for matching and display.
	RecipientDomainStr string
}

// All returns whether the rule matches all messages.
func (hr HoldRule) All() bool {
	return hr == HoldRule{ID: hr.ID}
}

func (hr HoldRule) matches(m Msg, r Rcpt) bool {
	if hr.All() {
		return true
	}
	return hr.SenderDomainStr != "" && hr.SenderDomainStr == m.SenderDomainStr || hr.RecipientDomainStr != "" && hr.RecipientDomainStr == r.DomainStr
}

// Msg is the envelope of a message in the queue. It is immutable after Add,
// all per-recipient delivery state lives in Rcpt records referencing it. The
// message data itself is in a file in the spool directory.
type Msg struct {
	ID     int64
	Queued time.Time `bstore:"default now"`

	SenderLocalpart smtp.Localpart // Empty for DSNs, the null reverse-path.
	SenderDomainStr string         // Unicode domain or address literal. Used in hold rule matching.
	SenderDomain    dns.IPDomain

	Has8bit   bool   // Whether message contains bytes with high bit set, determines whether 8BITMIME SMTP extension is needed.
	SMTPUTF8  bool   // Whether message requires use of SMTPUTF8.
	IsDSN     bool   // DSN generated by us. Subject to the shorter bounce lifetime, and never bounced itself.
	Size      int64  // Full size of message, in bytes.
	MessageID string // Message-ID header without <>. Set in the References header of a DSN about this message.

	RemoteIP string // IP address the message was received from. Empty for DSNs and other internally generated messages.
	AuthUser string // Authenticated submission user, if any.

	// If set, post-queue content filter rules still have to run for this message.
	// Its recipients are not scheduled for delivery until the verdict was accept.
	// Only set for messages received from remote, and never for DSNs.
	FilterPending bool
	NextFilter    time.Time // Earliest next post-queue filter evaluation, for tempfail verdicts.

	// If non-empty, the message is an internationalized DSN and this is the
	// SMTPUTF8 variant, to use when the receiving MTA supports it.
	DSNUTF8 []byte
}

// Sender returns the reverse-path of the message, the zero Path for DSNs.
func (m Msg) Sender() smtp.Path {
	return smtp.Path{Localpart: m.SenderLocalpart, IPDomain: m.SenderDomain}
}

// MessagePath returns the path to the message file in the spool.
func (m Msg) MessagePath() string {
	return dray.DataDirPath(filepath.Join("queue", messagePath(m.ID)))
}

// messagePath returns the path of a message file relative to the queue data
// directory, spreading the files over directories to keep them listable.
func messagePath(id int64) string {
	return filepath.Join("msg", fmt.Sprintf("%x", id%16), fmt.Sprintf("%d", id))
}

// Rcpt is the delivery state of one recipient of a queued message. Recipients
// of a single message are attempted and classified independently, a failure
// for one does not affect the others.
type Rcpt struct {
	ID    int64
	MsgID int64 `bstore:"nonzero,ref Msg"`

	Localpart smtp.Localpart // Final recipient, after alias expansion.
	DomainStr string         // Unicode domain or address literal. Destination key for scheduling and per-destination limits.
	Domain    dns.IPDomain

	// Original address as received in the RCPT TO command, before alias expansion
	// and catchall rewriting. Included in DSNs when different from the final
	// recipient.
	OrigLocalpart smtp.Localpart
	OrigDomain    dns.IPDomain

	Class     string // Domain class from address resolution: local, virtual or relay.
	Transport string // Name of smarthost transport to deliver through, empty for direct delivery to MX.

	State        State         `bstore:"nonzero"`
	Attempts     int           // Number of delivery attempts started.
	Backoff      time.Duration // Delay after the most recent attempt. Doubles each attempt, up to the configured maximum.
	NextAttempt  time.Time     // Earliest next delivery attempt.
	LastAttempt  *time.Time
	LastActivity time.Time // Last state change. Terminal recipients are cleaned up a fixed period after their last activity.

	LastCode   int    // SMTP status code of last attempt, 0 for connection-level failures.
	LastSecode string // Enhanced status code without class prefix, e.g. "1.1".
	LastError  string

	// IPs we dialed in previous attempts, to prefer different address families and
	// then the same IPs on later attempts, helping against greylisting.
	DialedIPs map[string][]net.IP
}

// Recipient returns the delivery address of this recipient as an SMTP path.
func (r Rcpt) Recipient() smtp.Path {
	return smtp.Path{Localpart: r.Localpart, IPDomain: r.Domain}
}

// Original returns the address from the original RCPT TO command.
func (r Rcpt) Original() smtp.Path {
	return smtp.Path{Localpart: r.OrigLocalpart, IPDomain: r.OrigDomain}
}

// Attempt is the record of one delivery attempt for one recipient. Attempts
// are append-only, the raw material for DSNs and operator inspection, removed
// only when their recipient is cleaned up.
type Attempt struct {
	ID     int64
	RcptID int64 `bstore:"nonzero,ref Rcpt"`

	Start       time.Time
	Destination string // Remote host attempted, or "local" for spool deliveries.
	Result      string // "delivered", "deferred" or "bounced".
	Code        int    // SMTP status code, 0 for connection-level failures.
	Secode      string
	Diagnostic  string // SMTP response or error text, included in DSNs.
}

// DBTypes are the types stored in the queue database.
var DBTypes = []any{Msg{}, Rcpt{}, Attempt{}, HoldRule{}}

// DB is the queue database, initialized by Init.
var DB *bstore.DB

// Allow replacing time for tests.
var timeNow = time.Now

// Init opens the queue database and spool directory, and recovers from an
// unclean shutdown: recipients that were in a delivery attempt are demoted to
// deferred, their earlier scheduled next attempt still stands.
func Init() error {
	qpath := dray.DataDirPath(filepath.Join("queue", "index.db"))
	os.MkdirAll(filepath.Dir(qpath), 0770)
	_, err := os.Stat(qpath)
	isNew := err != nil && os.IsNotExist(err)

	DB, err = bstore.Open(dray.Shutdown, qpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		if isNew {
			os.Remove(qpath)
		}
		return fmt.Errorf("open queue db: %w", err)
	}

	err = DB.Write(dray.Shutdown, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Rcpt](tx)
		q.FilterEqual("State", Active)
		_, err := q.UpdateFields(map[string]any{"State": Deferred, "LastActivity": timeNow()})
		return err
	})
	if err != nil {
		return fmt.Errorf("recovering from unclean shutdown: %w", err)
	}

	metricHoldUpdate()
	return nil
}

// Shutdown closes the queue database. Delivery attempts in progress have been
// interrupted through the global shutdown context, their recipients are
// recovered to deferred at next startup.
func Shutdown() {
	connCacheClear()
	if err := DB.Close(); err != nil {
		mlog.New("queue", nil).Errorx("closing queue database", err)
	}
	DB = nil
}

// When the number of held and quarantined recipients changes, we update the
// gauge so operators can alert on messages not moving.
func metricHoldUpdate() {
	n, err := bstore.QueryDB[Rcpt](context.Background(), DB).FilterEqual("State", Held, Quarantined).Count()
	if err != nil {
		mlog.New("queue", nil).Errorx("querying held recipients for metric", err)
	}
	metricHold.Set(float64(n))
}

// Filter selects recipients of queued messages, for use with List and the
// admin operations. Only non-empty/non-zero fields apply.
type Filter struct {
	Max         int
	IDs         []int64 // Rcpt IDs.
	MsgIDs      []int64
	Domain      string // Recipient domain or address literal.
	From        string // Substring of the sender address.
	To          string // Substring of the final recipient address.
	States      []State
	Hold        *bool  // True selects held and quarantined recipients, false everything else.
	Submitted   string // Whether message was submitted before/after a period, e.g. "<1h" or ">48h" or "now".
	NextAttempt string // Like Submitted, but for the time of next delivery attempt.
	Transport   *string
}

func (f Filter) apply(ctx context.Context, q *bstore.Query[Rcpt]) error {
	if len(f.IDs) > 0 {
		q.FilterIDs(f.IDs)
	}
	if len(f.MsgIDs) > 0 {
		q.FilterEqual("MsgID", asAny(f.MsgIDs)...)
	}
	if f.Domain != "" {
		q.FilterEqual("DomainStr", f.Domain)
	}
	if f.To != "" {
		q.FilterFn(func(r Rcpt) bool {
			return strings.Contains(r.Recipient().XString(true), f.To)
		})
	}
	if len(f.States) > 0 {
		q.FilterEqual("State", asAny(f.States)...)
	}
	if f.Hold != nil {
		if *f.Hold {
			q.FilterEqual("State", Held, Quarantined)
		} else {
			q.FilterNotEqual("State", Held, Quarantined)
		}
	}
	if f.Transport != nil {
		q.FilterEqual("Transport", *f.Transport)
	}
	if f.NextAttempt != "" {
		op, t, err := parsePeriod(f.NextAttempt)
		if err != nil {
			return fmt.Errorf("next attempt: %v", err)
		}
		if op == "<" {
			q.FilterLess("NextAttempt", t)
		} else {
			q.FilterGreater("NextAttempt", t)
		}
	}
	// Sender and submission time are message fields. Resolve the matching message
	// IDs first, then filter the recipients on them.
	if f.From != "" || f.Submitted != "" {
		mq := bstore.QueryDB[Msg](ctx, DB)
		if f.Submitted != "" {
			op, t, err := parsePeriod(f.Submitted)
			if err != nil {
				return fmt.Errorf("submitted: %v", err)
			}
			if op == "<" {
				mq.FilterLess("Queued", t)
			} else {
				mq.FilterGreater("Queued", t)
			}
		}
		if f.From != "" {
			mq.FilterFn(func(m Msg) bool {
				return strings.Contains(m.Sender().XString(true), f.From)
			})
		}
		var ids []int64
		if err := mq.IDs(&ids); err != nil {
			return fmt.Errorf("looking up messages for filter: %v", err)
		}
		if len(ids) == 0 {
			// No message matches, match no recipients either.
			q.FilterEqual("MsgID", int64(0))
			return nil
		}
		q.FilterEqual("MsgID", asAny(ids)...)
	}
	if f.Max != 0 {
		q.Limit(f.Max)
	}
	return nil
}

// parsePeriod parses a relative time condition like "<1m", ">48h" or "<now",
// returning the comparison operator and the absolute time.
func parsePeriod(s string) (string, time.Time, error) {
	if !strings.HasPrefix(s, "<") && !strings.HasPrefix(s, ">") {
		return "", time.Time{}, fmt.Errorf("missing < or > in %q", s)
	}
	op, rest := s[:1], s[1:]
	if rest == "now" {
		return op, timeNow(), nil
	}
	d, err := time.ParseDuration(rest)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parsing duration %q: %v", s, err)
	}
	return op, timeNow().Add(d), nil
}

// asAny widens a slice for use as bstore filter values.
func asAny[T any](l []T) []any {
	r := make([]any, len(l))
	for i, v := range l {
		r[i] = v
	}
	return r
}

// Sort specifies the order of queue entries returned by List.
type Sort struct {
	Field  string // "NextAttempt" or "LastActivity", NextAttempt is the default.
	LastID int64  // If > 0, all returned entries are after this recipient id, for pagination.
	Last   any    // Value of Field for the last returned entry, either time.Time or its RFC 3339 string form.
	Asc    bool
}

// Entry is a recipient of a queued message together with the message envelope,
// as returned by List.
type Entry struct {
	Rcpt Rcpt
	Msg  Msg
}

// List returns recipients of messages in the queue, with their message
// envelopes, most urgent work first by default.
func List(ctx context.Context, f Filter, s Sort) ([]Entry, error) {
	q := bstore.QueryDB[Rcpt](ctx, DB)
	if err := f.apply(ctx, q); err != nil {
		return nil, err
	}

	if s.Field == "" {
		s.Field = "NextAttempt"
	}
	if s.Field != "NextAttempt" && s.Field != "LastActivity" {
		return nil, fmt.Errorf("unknown sort field %q", s.Field)
	}
	if s.LastID > 0 {
		last, ok := s.Last.(time.Time)
		if !ok {
			ls, ok := s.Last.(string)
			if !ok {
				return nil, fmt.Errorf("missing last sort field value")
			}
			var err error
			last, err = time.Parse(time.RFC3339, ls)
			if err != nil {
				return nil, fmt.Errorf("parsing last sort field value: %v", err)
			}
		}
		q.FilterFn(func(r Rcpt) bool {
			v := r.NextAttempt
			if s.Field == "LastActivity" {
				v = r.LastActivity
			}
			if v.Equal(last) {
				if s.Asc {
					return r.ID > s.LastID
				}
				return r.ID < s.LastID
			}
			if s.Asc {
				return v.After(last)
			}
			return v.Before(last)
		})
	}
	if s.Asc {
		q.SortAsc(s.Field, "ID")
	} else {
		q.SortDesc(s.Field, "ID")
	}

	rcpts, err := q.List()
	if err != nil {
		return nil, fmt.Errorf("listing queue: %v", err)
	}

	envs := map[int64]Msg{}
	entries := make([]Entry, len(rcpts))
	for i, r := range rcpts {
		env, ok := envs[r.MsgID]
		if !ok {
			env = Msg{ID: r.MsgID}
			if err := DB.Get(ctx, &env); err != nil {
				return nil, fmt.Errorf("loading message envelope: %v", err)
			}
			envs[r.MsgID] = env
		}
		entries[i] = Entry{r, env}
	}
	return entries, nil
}

// Count returns the number of recipients in the queue that have not reached a
// terminal state.
func Count(ctx context.Context) (int, error) {
	return bstore.QueryDB[Rcpt](ctx, DB).FilterEqual("State", Incoming, Active, Deferred, Held, Quarantined).Count()
}

// HoldRuleList returns the hold rules in effect.
func HoldRuleList(ctx context.Context) ([]HoldRule, error) {
	return bstore.QueryDB[HoldRule](ctx, DB).List()
}

// HoldRuleAdd adds a new hold rule causing newly submitted matching messages
// to be held, and marks existing matching recipients as held.
func HoldRuleAdd(ctx context.Context, log mlog.Log, rule HoldRule) (HoldRule, error) {
	var held int
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		rule = HoldRule{
			SenderDomain:       rule.SenderDomain,
			RecipientDomain:    rule.RecipientDomain,
			SenderDomainStr:    rule.SenderDomain.Name(),
			RecipientDomainStr: rule.RecipientDomain.Name(),
		}
		if err := tx.Insert(&rule); err != nil {
			return err
		}
		log.Info("hold rule added", slog.Any("rule", rule))

		// Mark existing queued recipients as held.
		q := bstore.QueryTx[Rcpt](tx)
		q.FilterEqual("State", Incoming, Deferred)
		rcpts, err := q.List()
		if err != nil {
			return fmt.Errorf("listing recipients in queue: %v", err)
		}
		now := timeNow()
		envs := map[int64]Msg{}
		for _, r := range rcpts {
			env, ok := envs[r.MsgID]
			if !ok {
				env = Msg{ID: r.MsgID}
				if err := tx.Get(&env); err != nil {
					return fmt.Errorf("loading message envelope: %v", err)
				}
				envs[r.MsgID] = env
			}
			if !rule.matches(env, r) {
				continue
			}
			r.State = Held
			r.LastActivity = now
			if err := tx.Update(&r); err != nil {
				return err
			}
			held++
		}
		return nil
	})
	if err != nil {
		return HoldRule{}, fmt.Errorf("adding hold rule: %v", err)
	}
	if held > 0 {
		log.Info("marked existing messages as held", slog.Int("recipients", held))
	}
	metricHoldUpdate()
	return rule, nil
}

// HoldRuleRemove removes a hold rule. Recipients already held are not
// automatically released, use HoldSet.
func HoldRuleRemove(ctx context.Context, log mlog.Log, ruleID int64) error {
	return DB.Write(ctx, func(tx *bstore.Tx) error {
		rule := HoldRule{ID: ruleID}
		if err := tx.Get(&rule); err != nil {
			return err
		}
		log.Info("hold rule removed", slog.Any("rule", rule))
		return tx.Delete(rule)
	})
}

// MakeMsg returns a new message envelope with the per-message fields
// initialized. The caller adds recipients with MakeRcpt and queues the whole
// with Add.
func MakeMsg(sender smtp.Path, has8bit, smtputf8 bool, size int64, messageID string, remoteIP, authUser string, queued time.Time) Msg {
	return Msg{
		SenderLocalpart: sender.Localpart,
		SenderDomainStr: ipDomainStr(sender.IPDomain),
		SenderDomain:    sender.IPDomain,
		Has8bit:         has8bit,
		SMTPUTF8:        smtputf8,
		Size:            size,
		MessageID:       messageID,
		RemoteIP:        remoteIP,
		AuthUser:        authUser,
		Queued:          queued,
	}
}

// MakeRcpt returns a recipient for a message to be queued, in the incoming
// state and eligible for immediate delivery. orig is the address from the RCPT
// TO command, rcpt the delivery address after alias expansion. class and
// transport come from address resolution.
func MakeRcpt(orig, rcpt smtp.Path, class, transport string) Rcpt {
	now := timeNow()
	return Rcpt{
		Localpart:     rcpt.Localpart,
		DomainStr:     ipDomainStr(rcpt.IPDomain),
		Domain:        rcpt.IPDomain,
		OrigLocalpart: orig.Localpart,
		OrigDomain:    orig.IPDomain,
		Class:         class,
		Transport:     transport,
		State:         Incoming,
		NextAttempt:   now,
		LastActivity:  now,
	}
}

// ipDomainStr formats a domain or IP address for use as DomainStr, with
// brackets around an address literal like in message headers.
func ipDomainStr(d dns.IPDomain) string {
	if len(d.IP) > 0 {
		return "[" + d.IP.String() + "]"
	}
	return d.Domain.Name()
}

var (
	kick            = make(chan struct{}, 1)
	filterKick      = make(chan struct{}, 1)
	deliveryResults = make(chan string, 1)
)

// queuekick signals the delivery loop that new work may be present.
func queuekick() {
	select {
	case kick <- struct{}{}:
	default:
	}
}

// Add pushes a new message with recipients onto the queue. The message is
// first (hard)linked or copied into the spool, then the database records are
// inserted in one transaction. If Add returns an error, nothing was queued and
// the SMTP transaction should get a temporary failure.
//
// Add sets m.ID and the IDs of the recipients. msgFile must contain the
// complete message including the Received header, it is not closed by Add.
func Add(ctx context.Context, log mlog.Log, m *Msg, msgFile *os.File, rcpts ...Rcpt) error {
	if m.ID != 0 {
		return fmt.Errorf("id of new message must be 0")
	}
	if len(rcpts) == 0 {
		return fmt.Errorf("message must have at least one recipient")
	}

	if !m.IsDSN && m.RemoteIP != "" {
		_, post := filterPipelines()
		if !post.Empty() {
			m.FilterPending = true
			m.NextFilter = m.Queued
		}
	}

	tx, err := DB.Begin(ctx, true)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() {
		if tx == nil {
			return
		}
		if err := tx.Rollback(); err != nil {
			log.Errorx("rolling back queue add transaction", err)
		}
	}()

	rules, err := bstore.QueryTx[HoldRule](tx).List()
	if err != nil {
		return fmt.Errorf("getting hold rules: %w", err)
	}

	if err := tx.Insert(m); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	var held bool
	for i := range rcpts {
		r := &rcpts[i]
		r.ID = 0
		r.MsgID = m.ID
		for _, rule := range rules {
			if rule.matches(*m, *r) {
				r.State = Held
				break
			}
		}
		if r.State == Held || r.State == Quarantined {
			// Quarantined happens when a pre-queue filter rule parked the message.
			held = true
		}
		if m.FilterPending {
			// Keep the recipient out of the delivery schedule until the post-queue
			// filter accepted the message.
			r.NextAttempt = m.Queued.Add(dray.Conf.Static.Queue.MessageLifetime)
		}
		if err := tx.Insert(r); err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}

	dst := m.MessagePath()
	defer func() {
		if tx == nil {
			return
		}
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			log.Errorx("removing spool file after failed queue add", err, slog.String("path", dst))
		}
	}()
	os.MkdirAll(filepath.Dir(dst), 0770)
	if err := drayio.LinkOrCopy(log, dst, msgFile.Name(), nil, true); err != nil {
		return fmt.Errorf("linking message into spool: %w", err)
	}
	if err := drayio.SyncDir(log, filepath.Dir(dst)); err != nil {
		return fmt.Errorf("sync spool directory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	tx = nil

	if held {
		metricHoldUpdate()
	}
	if m.FilterPending {
		filterkick()
	}
	queuekick()
	return nil
}

// CreateMessageTemp creates a temporary file in the spool data directory, for
// a message to be added to the queue. Caller is responsible for closing and
// removing the file.
func CreateMessageTemp(log mlog.Log) (*os.File, error) {
	dir := dray.DataDirPath("tmp")
	os.MkdirAll(dir, 0770)
	f, err := os.CreateTemp(dir, "dray-queue")
	if err != nil {
		return nil, fmt.Errorf("create temporary file: %w", err)
	}
	return f, nil
}

// NextAttemptAdd adds a duration to the time of next delivery attempt of
// matching recipients, returning how many were updated. A negative duration
// can move recipients forward in the schedule.
func NextAttemptAdd(ctx context.Context, f Filter, d time.Duration) (affected int, err error) {
	err = DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Rcpt](tx)
		q.FilterEqual("State", Incoming, Deferred, Held, Quarantined)
		if err := f.apply(ctx, q); err != nil {
			return err
		}
		rcpts, err := q.List()
		if err != nil {
			return fmt.Errorf("listing matching recipients: %v", err)
		}
		for _, r := range rcpts {
			r.NextAttempt = r.NextAttempt.Add(d)
			if err := tx.Update(&r); err != nil {
				return err
			}
		}
		affected = len(rcpts)
		return nil
	})
	if err != nil {
		return 0, err
	}
	queuekick()
	return affected, nil
}

// NextAttemptSet sets the time of next delivery attempt of matching recipients
// to t, returning how many were updated. With t now, this flushes the matching
// part of the queue.
func NextAttemptSet(ctx context.Context, f Filter, t time.Time) (affected int, err error) {
	q := bstore.QueryDB[Rcpt](ctx, DB)
	q.FilterEqual("State", Incoming, Deferred, Held, Quarantined)
	if err := f.apply(ctx, q); err != nil {
		return 0, err
	}
	n, err := q.UpdateField("NextAttempt", t)
	if err != nil {
		return 0, fmt.Errorf("selecting and updating recipients in queue: %v", err)
	}
	queuekick()
	return n, nil
}

// HoldSet sets or clears the hold on matching recipients, returning how many
// were changed. Holding applies to recipients awaiting delivery. Clearing
// releases both held and quarantined recipients back into the delivery
// schedule, preserving their attempt history and backoff.
func HoldSet(ctx context.Context, f Filter, hold bool) (affected int, err error) {
	err = DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Rcpt](tx)
		if hold {
			q.FilterEqual("State", Incoming, Deferred)
		} else {
			q.FilterEqual("State", Held, Quarantined)
		}
		if err := f.apply(ctx, q); err != nil {
			return err
		}
		rcpts, err := q.List()
		if err != nil {
			return fmt.Errorf("listing matching recipients: %v", err)
		}
		now := timeNow()
		for _, r := range rcpts {
			r.State = Held
			if !hold {
				r.State = Incoming
				if r.Attempts > 0 {
					r.State = Deferred
				}
			}
			r.LastActivity = now
			if err := tx.Update(&r); err != nil {
				return err
			}
		}
		affected = len(rcpts)
		return nil
	})
	if err != nil {
		return 0, err
	}
	metricHoldUpdate()
	queuekick()
	return affected, nil
}

// Fail marks matching recipients as failed, returning how many were affected.
// A DSN is queued for each, like for a permanently refused delivery.
// Recipients with a delivery attempt in progress are skipped.
func Fail(ctx context.Context, log mlog.Log, f Filter) (affected int, err error) {
	var fails []Entry
	err = DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Rcpt](tx)
		q.FilterEqual("State", Incoming, Deferred, Held, Quarantined)
		if err := f.apply(ctx, q); err != nil {
			return err
		}
		rcpts, err := q.List()
		if err != nil {
			return fmt.Errorf("listing matching recipients: %v", err)
		}

		now := timeNow()
		envs := map[int64]Msg{}
		for _, r := range rcpts {
			env, ok := envs[r.MsgID]
			if !ok {
				env = Msg{ID: r.MsgID}
				if err := tx.Get(&env); err != nil {
					return fmt.Errorf("loading message envelope: %v", err)
				}
				envs[r.MsgID] = env
			}

			r.State = Bounced
			r.LastActivity = now
			r.LastError = "delivery canceled by operator"
			if r.LastAttempt == nil {
				r.LastAttempt = &now
			}
			if err := tx.Update(&r); err != nil {
				return fmt.Errorf("update recipient: %v", err)
			}
			a := Attempt{RcptID: r.ID, Start: now, Destination: "none", Result: string(Bounced), Diagnostic: r.LastError}
			if err := tx.Insert(&a); err != nil {
				return fmt.Errorf("insert attempt record: %v", err)
			}
			fails = append(fails, Entry{r, env})
		}
		affected = len(rcpts)
		return nil
	})
	if err != nil {
		return 0, err
	}

	// DSNs are composed and queued outside the transaction, Add starts its own.
	for _, e := range fails {
		log.Info("delivery canceled by operator, queueing dsn", slog.Int64("rcptid", e.Rcpt.ID), slog.Any("recipient", e.Rcpt.Recipient()))
		deliverDSNFailure(ctx, log, e.Msg, e.Rcpt, dsn.NameIP{}, "", e.Rcpt.LastError, nil)
		msgFinish(ctx, log, e.Msg.ID)
	}
	metricHoldUpdate()
	return affected, nil
}

// Drop removes matching recipients from the queue, without sending DSNs. When
// the last recipient of a message is removed, the message and its spool file
// are removed too. Recipients with a delivery attempt in progress are skipped.
func Drop(ctx context.Context, log mlog.Log, f Filter) (affected int, err error) {
	var paths []string
	err = DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Rcpt](tx)
		q.FilterNotEqual("State", Active)
		if err := f.apply(ctx, q); err != nil {
			return err
		}
		rcpts, err := q.List()
		if err != nil {
			return fmt.Errorf("listing matching recipients: %v", err)
		}

		msgIDs := map[int64]bool{}
		for _, r := range rcpts {
			if _, err := bstore.QueryTx[Attempt](tx).FilterNonzero(Attempt{RcptID: r.ID}).Delete(); err != nil {
				return fmt.Errorf("deleting attempt records: %v", err)
			}
			if err := tx.Delete(Rcpt{ID: r.ID}); err != nil {
				return fmt.Errorf("deleting recipient: %v", err)
			}
			log.Info("dropped recipient from queue", slog.Int64("rcptid", r.ID), slog.Any("recipient", r.Recipient()))
			msgIDs[r.MsgID] = true
		}

		for id := range msgIDs {
			n, err := bstore.QueryTx[Rcpt](tx).FilterNonzero(Rcpt{MsgID: id}).Count()
			if err != nil {
				return fmt.Errorf("counting remaining recipients: %v", err)
			}
			if n > 0 {
				continue
			}
			if err := tx.Delete(Msg{ID: id}); err != nil {
				return fmt.Errorf("deleting message: %v", err)
			}
			paths = append(paths, Msg{ID: id}.MessagePath())
		}
		affected = len(rcpts)
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Errorx("removing spool file of dropped message", err, slog.String("path", path))
		}
	}
	metricHoldUpdate()
	return affected, nil
}

// OpenMessage returns the message file of a queued message for reading.
func OpenMessage(ctx context.Context, msgID int64) (*os.File, error) {
	m := Msg{ID: msgID}
	if err := DB.Get(ctx, &m); err != nil {
		return nil, err
	}
	f, err := os.Open(m.MessagePath())
	if err != nil {
		return nil, fmt.Errorf("open message file: %w", err)
	}
	return f, nil
}

// Maximum number of delivery attempts in progress, across all destinations.
// Per-destination concurrency from the configuration applies within this
// limit.
const maxConcurrentDeliveries = 10

// Start opens the queue database and starts the delivery process, the
// post-queue filter process and the cleanup of old terminal recipients. Each
// sends on done when the shutdown context is canceled.
func Start(resolver dns.Resolver, done chan struct{}) error {
	if err := Init(); err != nil {
		return err
	}

	qlog := mlog.New("queue", nil)
	go deliverLoop(qlog, resolver, done)
	go filterLoop(qlog, done)
	go cleanupLoop(qlog, done)
	return nil
}

// deliverLoop schedules delivery attempts: it launches workers for eligible
// recipients, grouped per message and destination, and sleeps until the next
// scheduled attempt. Destinations with their maximum number of concurrent
// deliveries, and destinations pausing between deliveries, are excluded when
// determining how long to sleep.
func deliverLoop(log mlog.Log, resolver dns.Resolver, done chan struct{}) {
	busyDests := map[string]int{}
	pausedDests := map[string]time.Time{}
	nworkers := 0
	timer := time.NewTimer(0)

	for {
		select {
		case <-dray.Shutdown.Done():
			done <- struct{}{}
			return
		case <-kick:
		case <-timer.C:
		case dest := <-deliveryResults:
			nworkers--
			busyDests[dest]--
			if busyDests[dest] <= 0 {
				delete(busyDests, dest)
			}
			if d := dray.Conf.Static.Queue.DestinationRateDelay; d > 0 {
				pausedDests[dest] = timeNow().Add(d)
				time.AfterFunc(d, queuekick)
			}
		}

		now := timeNow()
		for dest, until := range pausedDests {
			if !now.Before(until) {
				delete(pausedDests, dest)
			}
		}

		if nworkers < maxConcurrentDeliveries {
			n := launchWork(log, resolver, busyDests, pausedDests, maxConcurrentDeliveries-nworkers)
			if n > 0 {
				nworkers += n
			}
		}
		timer.Reset(nextWork(dray.Shutdown, log, busyDests, pausedDests))
	}
}

// nextWork returns the duration to sleep until the next delivery attempt is
// due, ignoring destinations that cannot be attempted right now.
func nextWork(ctx context.Context, log mlog.Log, busyDests map[string]int, pausedDests map[string]time.Time) time.Duration {
	q := bstore.QueryDB[Rcpt](ctx, DB)
	if unavail := unavailDests(busyDests, pausedDests); len(unavail) > 0 {
		q.FilterNotEqual("DomainStr", asAny(maps.Keys(unavail))...)
	}
	q.FilterEqual("State", Incoming, Deferred)
	q.SortAsc("NextAttempt")
	q.Limit(1)
	r, err := q.Get()
	if err != nil {
		if errors.Is(err, bstore.ErrAbsent) {
			return 24 * time.Hour
		}
		log.Errorx("looking up next delivery attempt", err)
		return time.Minute
	}
	return r.NextAttempt.Sub(timeNow())
}

// unavailDests returns the destinations that cannot take more work right now.
func unavailDests(busyDests map[string]int, pausedDests map[string]time.Time) map[string]bool {
	maxDest := dray.Conf.Static.Queue.DestinationConcurrency
	unavail := map[string]bool{}
	for d, n := range busyDests {
		if n >= maxDest {
			unavail[d] = true
		}
	}
	for d := range pausedDests {
		unavail[d] = true
	}
	return unavail
}

// launchWork starts delivery attempts for at most slots groups of eligible
// recipients, returning how many were started. Recipients of one message to
// one destination are attempted in a single SMTP transaction. The configured
// limit on active recipients holds the remainder back until slots free up.
func launchWork(log mlog.Log, resolver dns.Resolver, busyDests map[string]int, pausedDests map[string]time.Time, slots int) int {
	if slots <= 0 {
		return 0
	}
	maxDest := dray.Conf.Static.Queue.DestinationConcurrency
	activeLimit := dray.Conf.Static.Queue.ActiveLimit
	now := timeNow()

	q := bstore.QueryDB[Rcpt](dray.Shutdown, DB)
	q.FilterEqual("State", Incoming, Deferred)
	q.FilterLessEqual("NextAttempt", now)
	q.SortAsc("NextAttempt")
	q.Limit(maxConcurrentDeliveries * 4)
	rcpts, err := q.List()
	if err != nil {
		log.Errorx("querying deliverable recipients", err)
		dray.Sleep(dray.Shutdown, 1*time.Second)
		return -1
	}

	type groupKey struct {
		msgID int64
		dest  string
	}
	groups := map[groupKey][]Rcpt{}
	var order []groupKey
	for _, r := range rcpts {
		if until, ok := pausedDests[r.DomainStr]; ok && now.Before(until) {
			continue
		}
		k := groupKey{r.MsgID, r.DomainStr}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	plannedDest := map[string]int{}
	started := 0
	for _, k := range order {
		if started >= slots {
			break
		}
		if busyDests[k.dest]+plannedDest[k.dest] >= maxDest {
			continue
		}

		var m Msg
		var work []*Rcpt
		atLimit := false
		err := DB.Write(dray.Shutdown, func(tx *bstore.Tx) error {
			work = nil
			m = Msg{ID: k.msgID}
			if err := tx.Get(&m); err != nil {
				return err
			}
			if m.FilterPending {
				return nil
			}
			if activeLimit > 0 {
				active, err := bstore.QueryTx[Rcpt](tx).FilterEqual("State", Active).Count()
				if err != nil {
					return err
				}
				if active+len(groups[k]) > activeLimit {
					atLimit = true
					return nil
				}
			}
			for _, r := range groups[k] {
				// Reload, the state may have changed since the work query.
				rr := Rcpt{ID: r.ID}
				if err := tx.Get(&rr); err != nil {
					if errors.Is(err, bstore.ErrAbsent) {
						continue
					}
					return err
				}
				if rr.State != Incoming && rr.State != Deferred || rr.NextAttempt.After(now) {
					continue
				}
				rr.State = Active
				rr.LastActivity = now
				if err := tx.Update(&rr); err != nil {
					return err
				}
				work = append(work, &rr)
			}
			return nil
		})
		if err != nil {
			log.Errorx("marking recipients for delivery attempt", err, slog.Int64("msgid", k.msgID))
			continue
		}
		if atLimit {
			// Oldest work is attempted first, the rest has to wait for free slots.
			break
		}
		if len(work) == 0 {
			continue
		}

		busyDests[k.dest]++
		plannedDest[k.dest]++
		started++
		go deliver(log, resolver, m, work)
	}
	return started
}

// msgFinish removes the spool file of a message once all its recipients have
// reached a terminal state. The database records stay around for a while for
// inspection and are removed by the cleanup process.
func msgFinish(ctx context.Context, log mlog.Log, msgID int64) {
	n, err := bstore.QueryDB[Rcpt](ctx, DB).FilterNonzero(Rcpt{MsgID: msgID}).FilterEqual("State", Incoming, Active, Deferred, Held, Quarantined).Count()
	if err != nil {
		log.Errorx("checking for remaining undelivered recipients", err, slog.Int64("msgid", msgID))
		return
	}
	if n > 0 {
		return
	}
	p := Msg{ID: msgID}.MessagePath()
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		log.Errorx("removing spool file of finished message", err, slog.String("path", p))
	} else if err == nil {
		log.Debug("removed spool file of finished message", slog.Int64("msgid", msgID))
	}
}

// Terminal recipients and their messages are kept for inspection for a while
// after their last activity, then removed from the database.
const retiredKeepPeriod = 48 * time.Hour

// cleanupLoop periodically removes messages whose recipients all reached a
// terminal state long enough ago.
func cleanupLoop(log mlog.Log, done chan struct{}) {
	timer := time.NewTimer(4 * time.Second)
	for {
		select {
		case <-dray.Shutdown.Done():
			done <- struct{}{}
			return
		case <-timer.C:
		}
		cleanupRetired(dray.Shutdown, log)
		timer.Reset(time.Hour)
	}
}

// cleanupRetired removes the database records of messages whose recipients
// are all terminal and inactive beyond the retention period.
func cleanupRetired(ctx context.Context, log mlog.Log) {
	cutoff := timeNow().Add(-retiredKeepPeriod)

	q := bstore.QueryDB[Rcpt](ctx, DB)
	q.FilterEqual("State", Delivered, Bounced)
	q.FilterLess("LastActivity", cutoff)
	rcpts, err := q.List()
	if err != nil {
		log.Errorx("finding old terminal recipients for cleanup", err)
		return
	}
	msgIDs := map[int64]bool{}
	for _, r := range rcpts {
		msgIDs[r.MsgID] = true
	}

	cleaned := 0
	for id := range msgIDs {
		var path string
		err := DB.Write(ctx, func(tx *bstore.Tx) error {
			path = ""
			all, err := bstore.QueryTx[Rcpt](tx).FilterNonzero(Rcpt{MsgID: id}).List()
			if err != nil {
				return err
			}
			for _, r := range all {
				if !r.State.terminal() || !r.LastActivity.Before(cutoff) {
					return nil
				}
			}
			for _, r := range all {
				if _, err := bstore.QueryTx[Attempt](tx).FilterNonzero(Attempt{RcptID: r.ID}).Delete(); err != nil {
					return err
				}
				if err := tx.Delete(Rcpt{ID: r.ID}); err != nil {
					return err
				}
			}
			if err := tx.Delete(Msg{ID: id}); err != nil {
				return err
			}
			path = Msg{ID: id}.MessagePath()
			return nil
		})
		if err != nil {
			log.Errorx("cleaning up finished message", err, slog.Int64("msgid", id))
			continue
		}
		if path != "" {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Errorx("removing spool file during cleanup", err, slog.String("path", path))
			}
			cleaned++
		}
	}
	if cleaned > 0 {
		log.Debug("cleaned up finished queue messages", slog.Int("messages", cleaned))
	}
}
