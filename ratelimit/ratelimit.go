// Package ratelimit counts events against limits over fixed time windows,
// keyed by the IP address they came from.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Limiter enforces limits over one or more fixed windows, e.g. the current
// minute and the current hour. Each window counts an event against three
// increasingly wide classes of the remote IP, so a single address, its subnet
// and its wider network each have their own limit.
type Limiter struct {
	sync.Mutex
	WindowLimits []WindowLimit
	masked       [3][16]byte
}

// WindowLimit is a window size with its limits, one limit per IP class. The
// window of the current moment is identified by unix time divided by Window.
type WindowLimit struct {
	Window time.Duration
	Limits [3]int64 // Narrowest to widest IP class.
	Time   uint32   // Time/Window of Counts.
	Counts map[classKey]int64
}

type classKey struct {
	class  uint8
	masked [16]byte
}

// Add counts n events for ip at time tm. If any window would go over its
// limit for any IP class, nothing is counted and false is returned. A window
// that has moved on since the last call starts out empty. Negative n takes
// events back, e.g. when a connection is closed again.
func (l *Limiter) Add(ip net.IP, tm time.Time, n int64) bool {
	return l.check(true, ip, tm, n)
}

// CanAdd returns whether n events for ip would stay within the limits,
// without counting them.
func (l *Limiter) CanAdd(ip net.IP, tm time.Time, n int64) bool {
	return l.check(false, ip, tm, n)
}

func (l *Limiter) check(add bool, ip net.IP, tm time.Time, n int64) bool {
	l.Lock()
	defer l.Unlock()

	for c := 0; c < 3; c++ {
		l.masked[c] = maskClass(c, ip)
	}

	// Check all windows before counting in any of them.
	for i, wl := range l.WindowLimits {
		t := uint32(tm.UnixNano() / int64(wl.Window))

		if t > wl.Time || wl.Counts == nil {
			wl.Time = t
			wl.Counts = map[classKey]int64{}
			l.WindowLimits[i] = wl
		}

		for c := 0; c < 3; c++ {
			v := wl.Counts[classKey{uint8(c), l.masked[c]}]
			if v+n > wl.Limits[c] {
				return false
			}
		}
	}
	if add {
		for _, wl := range l.WindowLimits {
			for c := 0; c < 3; c++ {
				wl.Counts[classKey{uint8(c), l.masked[c]}] += n
			}
		}
	}
	return true
}

// Reset takes the events counted for ip itself back out of all current
// windows, in each IP class. Events counted for other addresses in the same
// subnet remain.
func (l *Limiter) Reset(ip net.IP, tm time.Time) {
	l.Lock()
	defer l.Unlock()

	for c := 0; c < 3; c++ {
		l.masked[c] = maskClass(c, ip)
	}

	for _, wl := range l.WindowLimits {
		t := uint32(tm.UnixNano() / int64(wl.Window))
		if t == wl.Time && wl.Counts != nil {
			n := wl.Counts[classKey{0, l.masked[0]}]
			for c := 0; c < 3; c++ {
				wl.Counts[classKey{uint8(c), l.masked[c]}] -= n
			}
		}
	}
}

// Mask sizes per IP class, narrowest to widest.
var (
	classMasks4 = [3]int{32, 26, 21}
	classMasks6 = [3]int{64, 48, 32}
)

// maskClass returns ip masked to class c: for IPv4 the address itself, a /26
// and a /21; for IPv6 a /64, /48 and /32.
func maskClass(c int, ip net.IP) [16]byte {
	if ip4 := ip.To4(); ip4 != nil {
		return *(*[16]byte)(ip4.Mask(net.CIDRMask(classMasks4[c], 32)).To16())
	}
	return *(*[16]byte)(ip.Mask(net.CIDRMask(classMasks6[c], 128)).To16())
}
