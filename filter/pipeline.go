package filter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/draymta/dray/config"
	"github.com/draymta/dray/mlog"
)

var metricVerdict = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dray_filter_verdicts_total",
		Help: "Content filter verdicts, per entry point, deciding stage and action.",
	},
	[]string{"entry", "stage", "action"},
)

// Pipeline is an ordered chain of filter stages. Stages run in order and the
// first non-accept verdict stops the evaluation, later stages never see the
// message.
type Pipeline struct {
	stages []Filter
}

// NewPipeline returns a pipeline running the given stages in order.
func NewPipeline(stages ...Filter) *Pipeline {
	return &Pipeline{stages}
}

// Pre evaluates a message before the final SMTP response is written. The
// caller turns a reject/tempfail verdict directly into an SMTP error, so no
// bounce message is ever needed. A nil pipeline accepts.
func (p *Pipeline) Pre(ctx context.Context, log mlog.Log, m *Message) Verdict {
	return p.evaluate(ctx, log, "pre", m)
}

// Post evaluates a message that has been accepted and queued. The caller
// reinjects the message for normal delivery on accept, and turns a reject
// into a delivery status notification since the sender is long gone. A nil
// pipeline accepts.
func (p *Pipeline) Post(ctx context.Context, log mlog.Log, m *Message) Verdict {
	return p.evaluate(ctx, log, "post", m)
}

// Empty returns whether the pipeline has no stages.
func (p *Pipeline) Empty() bool {
	return p == nil || len(p.stages) == 0
}

func (p *Pipeline) evaluate(ctx context.Context, log mlog.Log, entry string, m *Message) Verdict {
	if p == nil {
		return Verdict{Action: Accept}
	}
	for _, f := range p.stages {
		v := f.Evaluate(ctx, log, m)
		if v.Action == Accept {
			continue
		}
		v.Stage = f.Name()
		metricVerdict.WithLabelValues(entry, v.Stage, string(v.Action)).Inc()

		attrs := []slog.Attr{
			slog.String("entry", entry),
			slog.String("stage", v.Stage),
			slog.String("reason", v.Reason),
			slog.String("from", m.MailFrom.LogString()),
		}
		switch v.Action {
		case Discard:
			// Intentional policy outcome, not a delivery failure. The sender
			// sees success, operators must be able to find out what happened.
			log.Info("message discarded by content filter", attrs...)
		case Quarantine:
			log.Info("message quarantined by content filter", attrs...)
		default:
			log.Debug("message refused by content filter", append(attrs, slog.String("action", string(v.Action)))...)
		}
		return v
	}
	metricVerdict.WithLabelValues(entry, "", string(Accept)).Inc()
	return Verdict{Action: Accept}
}

// PipelinesFromConfig builds the pre-queue and post-queue pipelines from the
// filter rules in the tables file. Order within each pipeline: header rules,
// then body rules, each in configuration order.
func PipelinesFromConfig(filters config.Filters) (pre, post *Pipeline) {
	var preStages, postStages []Filter
	add := func(f Filter, postQueue bool) {
		if postQueue {
			postStages = append(postStages, f)
		} else {
			preStages = append(preStages, f)
		}
	}
	for i, r := range filters.HeaderRules {
		add(HeaderRule{Rule: r, name: fmt.Sprintf("header-%d", i)}, r.PostQueue)
	}
	for i, r := range filters.BodyRules {
		add(BodyRule{Rule: r, name: fmt.Sprintf("body-%d", i)}, r.PostQueue)
	}
	return NewPipeline(preStages...), NewPipeline(postStages...)
}
