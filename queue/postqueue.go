package queue

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/mjl-/bstore"

	"github.com/draymta/dray/dray-"
	"github.com/draymta/dray/dsn"
	"github.com/draymta/dray/filter"
	"github.com/draymta/dray/mlog"
	"github.com/draymta/dray/smtp"
)

// filterPipelines builds the pre and post-queue filter pipelines from the
// current tables snapshot, so a reload takes effect on the next message.
func filterPipelines() (pre, post *filter.Pipeline) {
	return filter.PipelinesFromConfig(dray.Conf.Tables().Filters)
}

// filterkick signals the post-queue filter loop that new work may be present.
func filterkick() {
	select {
	case filterKick <- struct{}{}:
	default:
	}
}

// filterLoop runs the post-queue filter pipeline for messages that were
// accepted with a filter evaluation still pending. Messages are evaluated in
// NextFilter order, a tempfail verdict reschedules the evaluation.
func filterLoop(log mlog.Log, done chan struct{}) {
	timer := time.NewTimer(0)
	for {
		select {
		case <-dray.Shutdown.Done():
			done <- struct{}{}
			return
		case <-filterKick:
		case <-timer.C:
		}
		timer.Reset(filterWork(dray.Shutdown, log))
	}
}

// filterWork evaluates all messages that are due and returns how long to
// sleep until the next pending evaluation.
func filterWork(ctx context.Context, log mlog.Log) time.Duration {
	_, post := filterPipelines()

	for {
		q := bstore.QueryDB[Msg](ctx, DB)
		q.FilterEqual("FilterPending", true)
		q.FilterLessEqual("NextFilter", timeNow())
		q.SortAsc("NextFilter")
		q.Limit(1)
		m, err := q.Get()
		if err == bstore.ErrAbsent {
			break
		} else if err != nil {
			log.Errorx("querying for messages pending filter evaluation", err)
			return time.Minute
		}
		if err := filterMsg(ctx, log, post, m); err != nil {
			log.Errorx("post-queue filter evaluation", err, slog.Int64("msgid", m.ID))
			return time.Minute
		}
	}

	q := bstore.QueryDB[Msg](ctx, DB)
	q.FilterEqual("FilterPending", true)
	q.SortAsc("NextFilter")
	q.Limit(1)
	m, err := q.Get()
	if err == bstore.ErrAbsent {
		return 24 * time.Hour
	} else if err != nil {
		log.Errorx("finding time of next filter evaluation", err)
		return time.Minute
	}
	return m.NextFilter.Sub(timeNow())
}

// filterMsg runs the post-queue pipeline for one message and applies the
// verdict: accept releases the recipients for delivery, reject bounces them
// with a DSN since the submitting connection is long gone, discard drops the
// message without any notice, quarantine parks the recipients for operator
// review and tempfail reschedules the evaluation, until the message exceeds
// its queue lifetime and is bounced.
func filterMsg(ctx context.Context, qlog mlog.Log, post *filter.Pipeline, m Msg) error {
	log := qlog.WithCid(dray.Cid()).With(
		slog.Int64("msgid", m.ID),
		slog.Any("sender", m.Sender()))

	rcpts, err := bstore.QueryDB[Rcpt](ctx, DB).FilterNonzero(Rcpt{MsgID: m.ID}).SortAsc("ID").List()
	if err != nil {
		return fmt.Errorf("listing recipients: %w", err)
	}

	pending := false
	for _, r := range rcpts {
		if !r.State.terminal() {
			pending = true
			break
		}
	}
	if !pending {
		// All recipients reached a terminal state while the evaluation was
		// pending, e.g. through an admin fail. Nothing left to filter.
		err := DB.Write(ctx, func(tx *bstore.Tx) error {
			mm := Msg{ID: m.ID}
			if err := tx.Get(&mm); err == bstore.ErrAbsent {
				return nil
			} else if err != nil {
				return err
			}
			mm.FilterPending = false
			mm.NextFilter = time.Time{}
			return tx.Update(&mm)
		})
		if err != nil {
			return fmt.Errorf("clearing pending filter of finished message: %w", err)
		}
		msgFinish(ctx, log, m.ID)
		return nil
	}

	verdict := filter.Verdict{Action: filter.Accept}
	if !post.Empty() {
		f, err := os.Open(m.MessagePath())
		if err != nil {
			return fmt.Errorf("open message file: %w", err)
		}
		fm := filter.Message{
			MailFrom: m.Sender(),
			Size:     m.Size,
			RemoteIP: net.ParseIP(m.RemoteIP),
			AuthUser: m.AuthUser,
			Data:     f,
		}
		for _, r := range rcpts {
			fm.RcptTo = append(fm.RcptTo, r.Recipient())
		}
		verdict = post.Post(ctx, log, &fm)
		err = f.Close()
		log.Check(err, "closing message file after filter evaluation")
	}

	switch verdict.Action {
	case filter.Accept:
		err := DB.Write(ctx, func(tx *bstore.Tx) error {
			mm := Msg{ID: m.ID}
			if err := tx.Get(&mm); err != nil {
				return err
			}
			mm.FilterPending = false
			mm.NextFilter = time.Time{}
			if err := tx.Update(&mm); err != nil {
				return err
			}
			now := timeNow()
			for _, r := range rcpts {
				rr := Rcpt{ID: r.ID}
				if err := tx.Get(&rr); err == bstore.ErrAbsent {
					continue
				} else if err != nil {
					return err
				}
				if rr.State.terminal() {
					continue
				}
				// Held recipients keep their state, but are scheduled for
				// delivery right after release.
				rr.NextAttempt = now
				if err := tx.Update(&rr); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("releasing recipients of accepted message: %w", err)
		}
		log.Debug("message accepted by post-queue filter")
		queuekick()

	case filter.Reject:
		reason := verdict.Reason
		if reason == "" {
			reason = "message refused by content policy"
		}
		if err := filterBounce(ctx, log, m, rcpts, reason, smtp.SePol7DeliveryUnauth1); err != nil {
			return fmt.Errorf("bouncing recipients of rejected message: %w", err)
		}
		log.Info("message rejected by post-queue filter", slog.String("stage", verdict.Stage), slog.String("reason", verdict.Reason))

	case filter.Discard:
		if _, err := Drop(ctx, log, Filter{MsgIDs: []int64{m.ID}}); err != nil {
			return fmt.Errorf("dropping discarded message: %w", err)
		}
		log.Info("message discarded by post-queue filter", slog.String("stage", verdict.Stage), slog.String("reason", verdict.Reason))

	case filter.Quarantine:
		reason := verdict.Reason
		if reason == "" {
			reason = "message quarantined by content policy"
		}
		err := DB.Write(ctx, func(tx *bstore.Tx) error {
			now := timeNow()
			for _, r := range rcpts {
				rr := Rcpt{ID: r.ID}
				if err := tx.Get(&rr); err == bstore.ErrAbsent {
					continue
				} else if err != nil {
					return err
				}
				if rr.State.terminal() {
					continue
				}
				rr.State = Quarantined
				rr.LastActivity = now
				rr.LastError = reason
				if err := tx.Update(&rr); err != nil {
					return err
				}
			}
			mm := Msg{ID: m.ID}
			if err := tx.Get(&mm); err != nil {
				return err
			}
			mm.FilterPending = false
			mm.NextFilter = time.Time{}
			return tx.Update(&mm)
		})
		if err != nil {
			return fmt.Errorf("quarantining recipients: %w", err)
		}
		log.Info("message quarantined by post-queue filter", slog.String("stage", verdict.Stage), slog.String("reason", verdict.Reason))
		metricHoldUpdate()

	case filter.Tempfail:
		// A tempfailing filter must not keep a message pending past its
		// lifetime. Return it to the sender, like an expired delivery.
		if age := timeNow().Sub(m.Queued); age >= dray.Conf.Static.Queue.MessageLifetime {
			reason := fmt.Sprintf("message expired after %v in queue, content filter evaluation did not complete", age.Round(time.Second))
			if err := filterBounce(ctx, log, m, rcpts, reason, smtp.SeNet4DeliveryTimeExpired7); err != nil {
				return fmt.Errorf("bouncing recipients of expired message: %w", err)
			}
			log.Info("lifetime expired with post-queue filter tempfailing, returning message to sender", slog.Duration("age", age), slog.String("stage", verdict.Stage))
			return nil
		}

		next := timeNow().Add(dray.Conf.Static.Queue.MinimalBackoff)
		err := DB.Write(ctx, func(tx *bstore.Tx) error {
			mm := Msg{ID: m.ID}
			if err := tx.Get(&mm); err != nil {
				return err
			}
			mm.NextFilter = next
			return tx.Update(&mm)
		})
		if err != nil {
			return fmt.Errorf("rescheduling filter evaluation: %w", err)
		}
		log.Debug("post-queue filter tempfail, evaluation rescheduled", slog.String("stage", verdict.Stage), slog.String("reason", verdict.Reason), slog.Time("nextfilter", next))

	default:
		return fmt.Errorf("unknown filter verdict %q", verdict.Action)
	}
	return nil
}

// filterBounce force-bounces all non-terminal recipients of m with reason,
// queues the failure DSNs to the sender and cleans up the fully handled
// message. Used for a reject verdict, and when a message exceeds its queue
// lifetime while the filter keeps tempfailing.
func filterBounce(ctx context.Context, log mlog.Log, m Msg, rcpts []Rcpt, reason, secode string) error {
	var bounced []Rcpt
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		bounced = nil
		now := timeNow()
		for _, r := range rcpts {
			rr := Rcpt{ID: r.ID}
			if err := tx.Get(&rr); err == bstore.ErrAbsent {
				continue
			} else if err != nil {
				return err
			}
			if rr.State.terminal() {
				continue
			}
			rr.State = Bounced
			rr.LastActivity = now
			rr.LastError = reason
			if rr.LastAttempt == nil {
				rr.LastAttempt = &now
			}
			if err := tx.Update(&rr); err != nil {
				return err
			}
			a := Attempt{RcptID: rr.ID, Start: now, Destination: "none", Result: string(Bounced), Diagnostic: reason}
			if err := tx.Insert(&a); err != nil {
				return err
			}
			bounced = append(bounced, rr)
		}
		mm := Msg{ID: m.ID}
		if err := tx.Get(&mm); err != nil {
			return err
		}
		mm.FilterPending = false
		mm.NextFilter = time.Time{}
		return tx.Update(&mm)
	})
	if err != nil {
		return err
	}
	for _, r := range bounced {
		deliverDSNFailure(ctx, log, m, r, dsn.NameIP{}, secode, reason, nil)
	}
	msgFinish(ctx, log, m.ID)
	return nil
}
