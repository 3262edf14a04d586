package dray

import (
	"context"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Shutdown is canceled when graceful shutdown begins. The SMTP listener, the
// queue and periodic processes check it before starting new work. Once
// canceled, new connections and commands get a response that the service is
// currently unavailable.
var (
	Shutdown       context.Context
	ShutdownCancel func()
)

// Context is the parent for most operation contexts. It is canceled one
// second after the Shutdown context, aborting operations still running at
// that point.
//
// Timeouts of individual operations, typically 30 seconds for a single i/o
// such as a DNS query and a minute for exchanges with more back and forth,
// are derived from this context with context.WithTimeout, so they too end at
// shutdown.
var (
	Context       context.Context
	ContextCancel func()
)

// Listen creates a network listener for the given address.
func Listen(network, addr string) (net.Listener, error) {
	return net.Listen(network, addr)
}

// Connections tracks all active protocol sockets. Shortly after shutdown is
// initiated they are given an immediate read/write deadline, leaving the
// connections one more second for error handling before the process stops.
var Connections = &connTracker{
	open:   map[net.Conn]connLabel{},
	gauges: map[connLabel]prometheus.GaugeFunc{},
	counts: map[connLabel]int64{},
}

type connLabel struct {
	proto string
	name  string
}

type connTracker struct {
	sync.Mutex
	open    map[net.Conn]connLabel
	waiters []chan struct{}
	gauges  map[connLabel]prometheus.GaugeFunc

	countsMutex sync.Mutex
	counts      map[connLabel]int64
}

// Register adds a connection so it receives an immediate i/o deadline on
// shutdown. Unregister must be called when the connection is closed.
func (t *connTracker) Register(nc net.Conn, protocol, listener string) {
	// A connection initiated just before shutdown can still arrive here.
	if Shutdown.Err() != nil {
		pkglog.Error("new connection added while shutting down")
		debug.PrintStack()
	}

	key := connLabel{protocol, listener}

	t.countsMutex.Lock()
	t.counts[key]++
	t.countsMutex.Unlock()

	t.Lock()
	defer t.Unlock()
	t.open[nc] = key
	t.ensureGauge(key)
}

// ensureGauge registers the open-connections gauge for a protocol/listener
// pair the first time it is seen. Caller holds t.Lock.
func (t *connTracker) ensureGauge(key connLabel) {
	if _, ok := t.gauges[key]; ok {
		return
	}
	t.gauges[key] = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "dray_connections_count",
		Help:        "Open connections, per protocol and listener.",
		ConstLabels: prometheus.Labels{"protocol": key.proto, "listener": key.name},
	}, func() float64 {
		t.countsMutex.Lock()
		defer t.countsMutex.Unlock()
		return float64(t.counts[key])
	})
}

// Unregister drops a closed connection from shutdown tracking. When the last
// connection goes, channels handed out by Done are closed.
func (t *connTracker) Unregister(nc net.Conn) {
	t.Lock()
	defer t.Unlock()
	key := t.open[nc]

	defer func() {
		t.countsMutex.Lock()
		t.counts[key]--
		t.countsMutex.Unlock()
	}()

	delete(t.open, nc)
	if len(t.open) > 0 {
		return
	}
	for _, done := range t.waiters {
		close(done)
	}
	t.waiters = nil
}

// Shutdown sets an immediate i/o deadline on every registered socket, run
// some time after process shutdown is initiated. Pending and new reads and
// writes return errors, which makes the connections unregister themselves.
func (t *connTracker) Shutdown() {
	deadline := time.Now()
	t.Lock()
	defer t.Unlock()
	for nc := range t.open {
		if err := nc.SetDeadline(deadline); err != nil {
			pkglog.Errorx("setting immediate read/write deadline for shutdown", err)
		}
	}
}

// Done returns a channel that is closed once no registered sockets remain,
// which can be immediately.
func (t *connTracker) Done() chan struct{} {
	t.Lock()
	defer t.Unlock()
	done := make(chan struct{})
	if len(t.open) == 0 {
		close(done)
		return done
	}
	t.waiters = append(t.waiters, done)
	return done
}
