// Package filter evaluates messages against an ordered chain of content
// filter stages, producing a verdict that decides whether a message is
// accepted into the queue, rejected, silently discarded, quarantined or
// temporarily refused.
//
// A pipeline can run before the final SMTP response (pre-queue, a reject
// becomes an SMTP error and no bounce is ever needed) or after a message was
// accepted and queued (post-queue, a reject causes a delivery status
// notification to the sender).
package filter

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/draymta/dray/config"
	"github.com/draymta/dray/mlog"
	"github.com/draymta/dray/smtp"
)

// Action is the outcome of evaluating a filter stage.
type Action string

const (
	Accept     Action = "accept"
	Reject     Action = "reject"
	Discard    Action = "discard"
	Quarantine Action = "quarantine"
	Tempfail   Action = "tempfail"
)

// Verdict is the decision of a filter stage, or of a whole pipeline.
type Verdict struct {
	Action Action
	Reason string // For reject/tempfail included in the SMTP response or DSN, for discard/quarantine only logged.
	Stage  string // Name of the deciding stage, set by the pipeline. Empty for accept.
}

// Message is the input to filter evaluation: the envelope and the message
// data as stored in the spool.
type Message struct {
	MailFrom smtp.Path
	RcptTo   []smtp.Path
	Size     int64
	RemoteIP net.IP // Zero for internal submissions.
	AuthUser string // Authenticated username, empty otherwise.
	Data     io.ReaderAt

	headerLines []string
	bodyOffset  int64
	parsed      bool
}

// Filter is one stage of a content filter pipeline.
type Filter interface {
	// Name identifies the stage in logging and metrics.
	Name() string

	// Evaluate inspects m and returns a verdict. Any verdict other than
	// accept stops the pipeline.
	Evaluate(ctx context.Context, log mlog.Log, m *Message) Verdict
}

// HeaderLines returns the logical header lines of the message, with
// continuation lines unfolded (appended including their leading whitespace)
// and line endings removed.
func (m *Message) HeaderLines() ([]string, error) {
	if err := m.parse(); err != nil {
		return nil, err
	}
	return m.headerLines, nil
}

// BodyOffset returns the offset of the message body, just past the blank line
// separating it from the headers. The offset is m.Size for messages without a
// body.
func (m *Message) BodyOffset() (int64, error) {
	if err := m.parse(); err != nil {
		return 0, err
	}
	return m.bodyOffset, nil
}

func (m *Message) parse() error {
	if m.parsed {
		return nil
	}
	r := bufio.NewReader(io.NewSectionReader(m.Data, 0, m.Size))
	var offset int64
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			offset += int64(len(line))
			s := strings.TrimRight(line, "\r\n")
			if s == "" {
				// Blank line, body follows.
				break
			}
			if (strings.HasPrefix(s, " ") || strings.HasPrefix(s, "\t")) && len(lines) > 0 {
				lines[len(lines)-1] += s
			} else {
				lines = append(lines, s)
			}
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}
	m.headerLines = lines
	m.bodyOffset = offset
	m.parsed = true
	return nil
}

// HeaderRule is a stage matching one configured rule against each logical
// header line.
type HeaderRule struct {
	Rule config.FilterRule
	name string
}

func (f HeaderRule) Name() string { return f.name }

func (f HeaderRule) Evaluate(ctx context.Context, log mlog.Log, m *Message) Verdict {
	lines, err := m.HeaderLines()
	if err != nil {
		log.Errorx("parsing message header for filtering", err)
		return Verdict{Action: Tempfail, Reason: "error processing message"}
	}
	for _, line := range lines {
		if f.Rule.Pattern.MatchString(line) {
			return ruleVerdict(f.Rule, log, line)
		}
	}
	return Verdict{Action: Accept}
}

// BodyRule is a stage matching one configured rule against each body line.
type BodyRule struct {
	Rule config.FilterRule
	name string
}

func (f BodyRule) Name() string { return f.name }

func (f BodyRule) Evaluate(ctx context.Context, log mlog.Log, m *Message) Verdict {
	offset, err := m.BodyOffset()
	if err != nil {
		log.Errorx("parsing message for filtering", err)
		return Verdict{Action: Tempfail, Reason: "error processing message"}
	}
	r := bufio.NewReader(io.NewSectionReader(m.Data, offset, m.Size-offset))
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			s := strings.TrimRight(line, "\r\n")
			if f.Rule.Pattern.MatchString(s) {
				return ruleVerdict(f.Rule, log, s)
			}
		}
		if err == io.EOF {
			break
		} else if err != nil {
			log.Errorx("reading message body for filtering", err)
			return Verdict{Action: Tempfail, Reason: "error processing message"}
		}
	}
	return Verdict{Action: Accept}
}

func ruleVerdict(rule config.FilterRule, log mlog.Log, line string) Verdict {
	// Only an excerpt, lines can be huge and logs should stay readable.
	if len(line) > 100 {
		line = line[:100] + "..."
	}
	log.Debug("filter rule matched",
		slog.String("regexp", rule.Regexp),
		slog.String("action", rule.Action),
		slog.String("line", line))

	reason := rule.Message
	switch rule.Action {
	case "reject":
		if reason == "" {
			reason = "message rejected by content policy"
		}
		return Verdict{Action: Reject, Reason: reason}
	case "discard":
		return Verdict{Action: Discard, Reason: reason}
	case "quarantine":
		return Verdict{Action: Quarantine, Reason: reason}
	case "tempfail":
		if reason == "" {
			reason = "message temporarily refused by content policy"
		}
		return Verdict{Action: Tempfail, Reason: reason}
	}
	// Unknown actions are rejected at config load.
	return Verdict{Action: Accept}
}
