package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/draymta/dray/dray-"
	"github.com/draymta/dray/drayio"
	"github.com/draymta/dray/dsn"
	"github.com/draymta/dray/mlog"
	"github.com/draymta/dray/smtp"
	"github.com/draymta/dray/smtpclient"
)

// LocalStore takes delivery of messages for recipients in local and virtual
// domains.
type LocalStore interface {
	// Deliver stores a copy of the message for rcpt. msgFile is positioned at
	// the start of the message. A returned error is classified like a
	// temporary SMTP failure: the recipient is deferred and retried.
	Deliver(ctx context.Context, log mlog.Log, rcpt smtp.Path, msgFile *os.File, size int64) error
}

// Local is the store that local and virtual recipients are delivered to. The
// default writes maildir-style mailbox directories under the data directory.
// Tests and embedders can replace it before Start.
var Local LocalStore = maildirStore{}

// maildirStore writes messages to spool/<domain>/<localpart>/new. A message
// is first written and synced in tmp, then moved to new, so readers never see
// partial messages.
type maildirStore struct{}

func (maildirStore) Deliver(ctx context.Context, log mlog.Log, rcpt smtp.Path, msgFile *os.File, size int64) error {
	// Localparts can hold characters that are special in paths, encode them.
	lp := url.PathEscape(string(rcpt.Localpart))
	dir := dray.DataDirPath(filepath.Join("spool", rcpt.IPDomain.Domain.ASCII, lp))
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0770); err != nil {
			return fmt.Errorf("creating mailbox directory: %w", err)
		}
	}

	name := fmt.Sprintf("%d.%d.%s", time.Now().UnixNano(), dray.Cid(), dray.Conf.Static.HostnameDomain.ASCII)
	tmppath := filepath.Join(dir, "tmp", name)
	df, err := os.OpenFile(tmppath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		return fmt.Errorf("creating message file: %w", err)
	}
	defer func() {
		if df != nil {
			xerr := df.Close()
			log.Check(xerr, "closing message file after failed delivery")
			xerr = os.Remove(tmppath)
			log.Check(xerr, "removing message file after failed delivery")
		}
	}()

	if n, err := io.Copy(df, msgFile); err != nil {
		return fmt.Errorf("writing message: %w", err)
	} else if n != size {
		return fmt.Errorf("writing message: wrote %d bytes, expected %d", n, size)
	}
	if err := df.Sync(); err != nil {
		return fmt.Errorf("sync message file: %w", err)
	}
	if err := df.Close(); err != nil {
		df = nil
		return fmt.Errorf("close message file: %w", err)
	}
	df = nil

	newpath := filepath.Join(dir, "new", name)
	if err := os.Rename(tmppath, newpath); err != nil {
		xerr := os.Remove(tmppath)
		log.Check(xerr, "removing message file after failed rename")
		return fmt.Errorf("moving message into mailbox: %w", err)
	}
	if err := drayio.SyncDir(log, filepath.Join(dir, "new")); err != nil {
		return fmt.Errorf("sync mailbox directory: %w", err)
	}
	log.Debug("delivered message into local mailbox", slog.Any("recipient", rcpt), slog.String("path", newpath))
	return nil
}

// deliverLocal stores the message for local and virtual recipients through
// the local store, each recipient getting its own copy and its own result.
func deliverLocal(qlog mlog.Log, m Msg, rcpts []*Rcpt) {
	ctx := dray.Shutdown
	start := time.Now()

	var firstErr error
	results := make([]rcptResult, len(rcpts))
	for i, r := range rcpts {
		f, err := os.Open(m.MessagePath())
		if err != nil {
			err = fmt.Errorf("opening spool file: %v", err)
		} else {
			err = Local.Deliver(ctx, qlog, r.Recipient(), f, m.Size)
			if err != nil {
				err = fmt.Errorf("delivering to local store: %v", err)
			}
			xerr := f.Close()
			qlog.Check(xerr, "closing spool file after local delivery")
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		results[i] = rcptResult{r, err}
	}

	metricDelivery.WithLabelValues(fmt.Sprintf("%d", rcpts[0].Attempts), "local", string(smtpclient.TLSSkip), deliveryResult(firstErr)).Observe(float64(time.Since(start)) / float64(time.Second))

	markResults(ctx, qlog, m, "local", dsn.NameIP{}, false, results)
}
