package drayio

import (
	"io"
	"log/slog"

	"github.com/draymta/dray/mlog"
)

// TraceWriter passes writes through to an underlying writer, logging them at
// trace level with a direction label, for protocol transcripts.
type TraceWriter struct {
	w     io.Writer
	log   mlog.Log
	label string
	level slog.Level
}

func NewTraceWriter(log mlog.Log, label string, w io.Writer) *TraceWriter {
	return &TraceWriter{w: w, log: log, label: label, level: mlog.LevelTrace}
}

func (t *TraceWriter) Write(buf []byte) (int, error) {
	t.log.Trace(t.level, t.label, buf)
	return t.w.Write(buf)
}

// SetTrace changes the level data is logged at, e.g. to keep credentials or
// message content out of the transcript unless explicitly configured.
func (t *TraceWriter) SetTrace(level slog.Level) {
	t.level = level
}

// TraceReader is the read side equivalent of TraceWriter.
type TraceReader struct {
	r     io.Reader
	log   mlog.Log
	label string
	level slog.Level
}

func NewTraceReader(log mlog.Log, label string, r io.Reader) *TraceReader {
	return &TraceReader{r: r, log: log, label: label, level: mlog.LevelTrace}
}

// Read does one Read on the underlying reader, logging the data of a
// successful read before handing it to the caller.
func (t *TraceReader) Read(buf []byte) (int, error) {
	n, err := t.r.Read(buf)
	if n > 0 {
		t.log.Trace(t.level, t.label, buf[:n])
	}
	return n, err
}

func (t *TraceReader) SetTrace(level slog.Level) {
	t.level = level
}
