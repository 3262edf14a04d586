// Package mlog provides leveled logging on top of log/slog, with terse
// convenience functions that take attribute lists and an optional error.
//
// Contexts carry a cid (correlation id), added to each line logged through
// them, tying together all logging for one connection or transaction.
package mlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

var (
	// Lowest log levels are most verbose, -4 is debug in slog terms.
	LevelTrace     = slog.Level(-8)  // Protocol lines, no authentication and no message data.
	LevelTraceAuth = slog.Level(-12) // Also protocol lines with authentication credentials.
	LevelTraceData = slog.Level(-16) // Also protocol data, e.g. full messages.
	LevelDebug     = slog.LevelDebug
	LevelInfo      = slog.LevelInfo
	LevelWarn      = slog.LevelWarn
	LevelError     = slog.LevelError
	LevelFatal     = slog.Level(12) // Printed regardless of configured level, followed by exit.
	LevelPrint     = slog.Level(16) // Printed regardless of configured level.
)

var levelNames = []struct {
	Level slog.Level
	Name  string
}{
	{LevelTrace, "trace"},
	{LevelTraceAuth, "traceauth"},
	{LevelTraceData, "tracedata"},
	{LevelDebug, "debug"},
	{LevelInfo, "info"},
	{LevelWarn, "warn"},
	{LevelError, "error"},
	{LevelFatal, "fatal"},
	{LevelPrint, "print"},
}

// Levels maps log level names to their slog levels, for parsing config.
var Levels = map[string]slog.Level{}

// LevelStrings maps levels to their names, for formatting.
var LevelStrings = map[slog.Level]string{}

// Holds a map[string]slog.Level, the empty string key is the default level.
// Packages can be configured more verbose/quiet individually. Replaced as a
// whole with SetConfig, read-only after that.
var config atomic.Pointer[map[string]slog.Level]

func init() {
	for _, ln := range levelNames {
		Levels[ln.Name] = ln.Level
		LevelStrings[ln.Level] = ln.Name
	}
	SetConfig(map[string]slog.Level{"": LevelInfo})
}

// SetConfig atomically replaces the log levels used by all Log instances.
func SetConfig(levels map[string]slog.Level) {
	config.Store(&levels)
}

type ctxKey string

// CidKey is the context key under which a cid (correlation id) is stored.
var CidKey ctxKey = "cid"

// Log wraps a slog.Logger, providing convenience functions.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds a "pkg" attribute. If logger is nil, a new
// Logger is created with a custom handler.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{})
	}
	return Log{logger}.WithPkg(pkg)
}

// WithCid adds the attribute "cid". WithContext does the same based on a
// context value.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds the cid from ctx, if any. Not all code has a context at
// hand, so passing a Log with the cid already included is easier than passing
// a context everywhere.
func (l Log) WithContext(ctx context.Context) Log {
	if v := ctx.Value(CidKey); v != nil {
		return l.WithCid(v.(int64))
	}
	return l
}

// With adds attributes to to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	return Log{slog.New(l.Logger.Handler().WithAttrs(attrs))}
}

// WithPkg ensures pkg is added as attribute to logged lines. If the handler is
// an mlog handler, the pkg is set on it for use in level filtering.
func (l Log) WithPkg(pkg string) Log {
	h := l.Logger.Handler()
	if ph, ok := h.(*handler); ok {
		if ph.Pkg == pkg {
			return l
		}
		nh := *ph
		nh.Pkg = pkg
		return Log{slog.New(&nh)}
	}
	return Log{slog.New(h.WithAttrs([]slog.Attr{slog.String("pkg", pkg)}))}
}

// WithFunc sets fn to be called for additional attributes. Fn is only called
// when the line is logged.
// If the underlying handler is not an mlog handler, fn is ignored.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	h := l.Logger.Handler()
	if ph, ok := h.(*handler); ok {
		nh := *ph
		nh.Fn = fn
		return Log{slog.New(&nh)}
	}
	return l
}

// Check logs an error if err is not nil. Intended for logging errors that are good
// to know, but would not influence program flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func errAttr(err error) slog.Attr {
	return slog.Any("err", err)
}

// todo: consider taking a context parameter. it would require all callers to either have one, or use context.Background(), ugly. maybe later again.

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelDebug, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelInfo, msg, attrs...)
}

func (l Log) Warn(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelWarn, msg, attrs...)
}

func (l Log) Warnx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelWarn, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelError, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelError, msg, attrs...)
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelFatal, msg, attrs...)
	os.Exit(1)
}

func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelFatal, msg, attrs...)
	os.Exit(1)
}

func (l Log) Print(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelPrint, msg, attrs...)
}

func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelPrint, msg, attrs...)
}

// Trace logs at trace level, protocol data read from or written to remote,
// prefixed with e.g. "RS: " or "LC: ". Data is logged verbatim as message.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	h := l.Logger.Handler()
	if !h.Enabled(noctx, level) {
		return
	}
	r := slog.NewRecord(time.Time{}, level, prefix+string(data), 0)
	if err := h.Handle(noctx, r); err != nil {
		fmt.Fprintf(os.Stderr, "logging trace: %v\n", err)
	}
}

// handler writes logfmt-like lines to stderr, with per-package level
// filtering and optional lazily evaluated attributes.
type handler struct {
	Pkg   string
	Fn    func() []slog.Attr // Evaluated on logging, may be nil.
	Attrs []slog.Attr        // Via WithAttrs.
	Group string             // Only single level of grouping supported.
}

var _ slog.Handler = (*handler)(nil)

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= LevelFatal {
		return true
	}
	c := *config.Load()
	if l, ok := c[h.Pkg]; ok {
		return level >= l
	}
	return level >= c[""]
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)

	level, ok := LevelStrings[r.Level]
	if !ok {
		level = r.Level.String()
	}
	buf = append(buf, "l="...)
	buf = append(buf, level...)
	buf = append(buf, " m="...)
	buf = logfmtValue(buf, r.Message)
	r.Attrs(func(a slog.Attr) bool {
		buf = logfmtAttr(buf, h.Group, a)
		return true
	})
	if h.Fn != nil {
		for _, a := range h.Fn() {
			buf = logfmtAttr(buf, h.Group, a)
		}
	}
	for _, a := range h.Attrs {
		buf = logfmtAttr(buf, h.Group, a)
	}
	if h.Pkg != "" {
		buf = logfmtAttr(buf, "", slog.String("pkg", h.Pkg))
	}
	buf = append(buf, '\n')

	logmutex.Lock()
	defer logmutex.Unlock()
	_, err := logwriter.Write(buf)
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.Attrs = append(append([]slog.Attr{}, h.Attrs...), attrs...)
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.Group = name
	return &nh
}

var logmutex sync.Mutex
var logwriter io.Writer = os.Stderr

// SetWriter changes the destination for logged lines, e.g. for tests. Not for
// use while logging is active in other goroutines.
func SetWriter(w io.Writer) {
	logmutex.Lock()
	defer logmutex.Unlock()
	logwriter = w
}

func logfmtAttr(buf []byte, group string, a slog.Attr) []byte {
	if a.Equal(slog.Attr{}) {
		return buf
	}
	buf = append(buf, ' ')
	if group != "" {
		buf = append(buf, group...)
		buf = append(buf, '.')
	}
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	return logfmtValue(buf, attrString(a.Value))
}

func attrString(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case slog.KindAny:
		vv := v.Any()
		if err, ok := vv.(error); ok {
			return err.Error()
		}
		if s, ok := vv.(fmt.Stringer); ok {
			return s.String()
		}
		switch vv.(type) {
		case string, bool, int, int32, int64, uint32, uint64, float64:
			return fmt.Sprintf("%v", vv)
		}
		b, err := json.Marshal(vv)
		if err != nil {
			return fmt.Sprintf("%v", vv)
		}
		return string(b)
	default:
		return v.String()
	}
}

func logfmtValue(buf []byte, s string) []byte {
	if needsQuote(s) {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	for _, c := range s {
		if c <= ' ' || c == '"' || c == '\\' || c == '=' || c >= 0x7f {
			return true
		}
	}
	return false
}

// StdLogger returns a standard library logger for passing to library
// packages that only speak log.Logger, e.g. net/http.Server.ErrorLog. Each
// written line is logged as msg with the line in attribute "log".
func (l Log) StdLogger(level slog.Level, msg string) *log.Logger {
	w := logLineWriter{l, level, msg}
	return log.New(w, "", 0)
}

type logLineWriter struct {
	log   Log
	level slog.Level
	msg   string
}

func (w logLineWriter) Write(buf []byte) (int, error) {
	s := strings.TrimSuffix(string(buf), "\n")
	w.log.Logger.LogAttrs(noctx, w.level, w.msg, slog.String("log", s))
	return len(buf), nil
}
