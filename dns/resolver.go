package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/adns"

	"github.com/draymta/dray/mlog"
)

func init() {
	net.DefaultResolver.StrictErrors = true
}

var metricLookup = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "dray_dns_lookup_duration_seconds",
		Help:    "Durations and results of DNS lookups.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	},
	[]string{
		"pkg",    // Package doing the lookup.
		"type",   // Kind of lookup, e.g. "mx", "ip".
		"result", // One of "ok", "nxdomain", "temporary", "timeout", "canceled" or "error".
	},
)

// Resolver is the subset of lookups used for delivering and receiving mail,
// implemented by StrictResolver and by MockResolver in tests.
type Resolver interface {
	LookupCNAME(ctx context.Context, host string) (string, adns.Result, error) // Unlike net, an absent CNAME record gives a "not found" error.
	LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, adns.Result, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error)
}

// StrictResolver only resolves absolute names, with a trailing dot, so
// lookups can never be influenced by a "search" path in resolv.conf. Lookups
// are timed for metrics and logged at debug level.
type StrictResolver struct {
	Pkg      string         // Subsystem making the DNS requests, used as metrics label.
	Resolver *adns.Resolver // Does the actual lookups. If nil, adns.DefaultResolver is used.
	Log      *slog.Logger
}

var _ Resolver = StrictResolver{}

// WithPackage returns a copy of the resolver that attributes its lookups to
// another subsystem.
func (s StrictResolver) WithPackage(name string) Resolver {
	s.Pkg = name
	return s
}

func (s StrictResolver) log() mlog.Log {
	if s.Pkg == "" {
		return mlog.New("dns", s.Log)
	}
	return mlog.New(s.Pkg, s.Log)
}

func (s StrictResolver) resolver() Resolver {
	if s.Resolver == nil {
		return adns.DefaultResolver
	}
	return s.Resolver
}

var ErrRelativeDNSName = errors.New("dns: lookups need absolute names, ending with a dot")

// lookupResult classifies a lookup error into the value for the "result"
// metric label.
func lookupResult(err error) string {
	var derr *adns.DNSError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &derr) && derr.IsNotFound:
		return "nxdomain"
	case errors.As(err, &derr) && derr.IsTemporary:
		return "temporary"
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &derr) && derr.IsTimeout:
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}

// A temporary "connection refused" from one of the standard local resolver
// addresses usually means no nameserver is running at all, point at the
// likely fix.
func resolvConfHint(err *error) {
	derr, ok := (*err).(*adns.DNSError)
	refused := ok && (derr.Server == "127.0.0.1:53" || derr.Server == "[::1]:53")
	if refused && derr.IsTemporary && runtime.GOOS == "linux" && strings.HasSuffix(derr.Err, "connection refused") {
		*err = fmt.Errorf("%w (hint: is /etc/resolv.conf pointing at a running nameserver? for systemd-resolved, see systemd-resolved.service(8))", *err)
	}
}

// lookup carries out a lookup through fn with the bookkeeping shared by all
// lookup methods: the absolute-name requirement, metrics, an error hint and a
// debug log line.
func lookup[T any](s StrictResolver, ctx context.Context, typ, name string, extra []slog.Attr, fn func() (T, adns.Result, error)) (resp T, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		resolvConfHint(&err)
		metricLookup.WithLabelValues(s.Pkg, typ, lookupResult(err)).Observe(time.Since(start).Seconds())
		attrs := append([]slog.Attr{slog.String("name", name), slog.String("type", typ)}, extra...)
		attrs = append(attrs, slog.Any("resp", resp), slog.Bool("authentic", result.Authentic), slog.Duration("duration", time.Since(start)))
		s.log().WithContext(ctx).Debugx("dns lookup result", err, attrs...)
	}()

	if !strings.HasSuffix(name, ".") {
		err = ErrRelativeDNSName
		return
	}
	resp, result, err = fn()
	return
}

// LookupCNAME looks up a CNAME record. Other than "net" LookupCNAME, the
// absence of a CNAME record counts as a "not found" error.
func (s StrictResolver) LookupCNAME(ctx context.Context, host string) (string, adns.Result, error) {
	return lookup(s, ctx, "cname", host, nil, func() (string, adns.Result, error) {
		resp, result, err := s.resolver().LookupCNAME(ctx, host)
		if err != nil || resp != host {
			return resp, result, err
		}
		return "", result, &adns.DNSError{Err: "no cname record present", Name: host, IsNotFound: true}
	})
}

func (s StrictResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error) {
	extra := []slog.Attr{slog.String("network", network)}
	return lookup(s, ctx, "ip", host, extra, func() ([]net.IP, adns.Result, error) {
		return s.resolver().LookupIP(ctx, network, host)
	})
}

func (s StrictResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, adns.Result, error) {
	return lookup(s, ctx, "ipaddr", host, nil, func() ([]net.IPAddr, adns.Result, error) {
		return s.resolver().LookupIPAddr(ctx, host)
	})
}

func (s StrictResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error) {
	return lookup(s, ctx, "mx", name, nil, func() ([]*net.MX, adns.Result, error) {
		return s.resolver().LookupMX(ctx, name)
	})
}
