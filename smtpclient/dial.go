package smtpclient

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/draymta/dray/dns"
	"github.com/draymta/dray/dray-"
	"github.com/draymta/dray/mlog"
)

// DialHook lets tests replace the dialer with one that returns an in-memory
// connection.
var DialHook func(ctx context.Context, dialer Dialer, timeout time.Duration, addr string, laddr net.Addr) (net.Conn, error)

func dial(ctx context.Context, dialer Dialer, timeout time.Duration, addr string, laddr net.Addr) (net.Conn, error) {
	if hook := DialHook; hook != nil {
		return hook(ctx, dialer, timeout, addr, laddr)
	}

	// A plain *net.Dialer, the common case, gets the timeout and local address
	// set on a copy. Other dialers are used as-is.
	if nd, ok := dialer.(*net.Dialer); ok {
		d := *nd
		d.Timeout = timeout
		d.LocalAddr = laddr
		return d.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Dialer makes outgoing connections. Tests implement it with in-memory pipes.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// listenerLocalAddr returns a local address for an outgoing connection to ip,
// if the static config specifies exact SMTP listener IPs. Binding to those
// addresses keeps outgoing traffic on the IPs the admin presumably published
// in SPF records.
func listenerLocalAddr(ip net.IP) net.Addr {
	for _, lip := range dray.Conf.Static.ExplicitSMTPListenIPs {
		if (ip.To4() != nil) == (lip.To4() != nil) {
			return &net.TCPAddr{IP: lip}
		}
	}
	return nil
}

// Dial attempts a connection to each IP in ips until one succeeds, returning
// the connection and the IP it was made to. When every attempt fails, the last
// attempted IP and its error are returned.
//
// A successful attempt is recorded in dialedIPs, keyed by the host name.
// GatherIPs orders addresses based on those records: a next delivery attempt
// starts with the other address family in case the previous IP is in a DNSBL,
// and a repeat attempt in the same family reuses the earlier IP to get through
// greylisting. Callers can persist dialedIPs across delivery attempts.
func Dial(ctx context.Context, log mlog.Log, dialer Dialer, host dns.IPDomain, ips []net.IP, port int, dialedIPs map[string][]net.IP) (conn net.Conn, ip net.IP, rerr error) {
	// The context deadline is spread evenly over the addresses. Without a
	// deadline, each attempt gets 30 seconds.
	timeout := 30 * time.Second
	if d, ok := ctx.Deadline(); ok && len(ips) > 0 {
		timeout = time.Until(d) / time.Duration(len(ips))
	}

	for i, ip := range ips {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
		laddr := listenerLocalAddr(ip)
		log.Debug("dialing remote", slog.String("addr", addr))
		c, err := dial(ctx, dialer, timeout, addr, laddr)
		if err != nil {
			log.Debugx("dial attempt", err, slog.Any("host", host), slog.String("addr", addr), slog.Any("laddr", laddr))
			if i == len(ips)-1 {
				return nil, ip, err
			}
			continue
		}
		log.Debug("connected", slog.Any("host", host), slog.String("addr", addr), slog.Any("laddr", laddr))
		k := host.String()
		dialedIPs[k] = append(dialedIPs[k], ip)
		return c, ip, nil
	}
	return nil, nil, nil
}
