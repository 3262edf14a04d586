package dns

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/exp/slices"

	"github.com/mjl-/adns"
)

// MockResolver is a Resolver for tests, answering from in-memory records.
// The map keys are fully qualified names, including a trailing dot.
type MockResolver struct {
	A     map[string][]string
	AAAA  map[string][]string
	MX    map[string][]*net.MX
	CNAME map[string]string
	Fail  []string // Lookups of the form "type name", e.g. "mx example.com.", that return a temporary error.
}

var _ Resolver = MockResolver{}

// follow walks CNAME records from name, returning the final name. Each name
// along the chain is checked against Fail for the lookup type. A "cname"
// lookup is not followed, the caller resolves one link at a time.
func (m MockResolver) follow(ctx context.Context, qtype, name string) (string, error) {
	if ctx.Err() != nil {
		return name, ctx.Err()
	}
	for {
		if slices.Contains(m.Fail, qtype+" "+name) {
			return name, m.servfail(name)
		}
		next, ok := m.CNAME[name]
		if !ok || qtype == "cname" {
			return name, nil
		}
		name = next
	}
}

func (m MockResolver) nxdomain(s string) error {
	return &adns.DNSError{Err: "no record", Name: s, Server: "mock", IsNotFound: true}
}

func (m MockResolver) servfail(s string) error {
	return &adns.DNSError{Err: "temp error", Name: s, Server: "mock", IsTemporary: true}
}

func (m MockResolver) LookupCNAME(ctx context.Context, name string) (string, adns.Result, error) {
	if _, err := m.follow(ctx, "cname", name); err != nil {
		return "", adns.Result{}, err
	}
	cname, ok := m.CNAME[name]
	if !ok {
		return "", adns.Result{}, m.nxdomain(name)
	}
	return cname, adns.Result{}, nil
}

func (m MockResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, adns.Result, error) {
	if _, err := m.follow(ctx, "ipaddr", host); err != nil {
		return nil, adns.Result{}, err
	}
	addrs, err := m.lookupHost(ctx, host)
	if err != nil {
		return nil, adns.Result{}, err
	}
	var ips []net.IPAddr
	for _, a := range addrs {
		parsed := net.ParseIP(a)
		if parsed == nil {
			return nil, adns.Result{}, fmt.Errorf("malformed ip %q", a)
		}
		ips = append(ips, net.IPAddr{IP: parsed})
	}
	return ips, adns.Result{}, nil
}

// lookupHost returns the A and AAAA records registered under host itself,
// without following CNAME records.
func (m MockResolver) lookupHost(ctx context.Context, host string) ([]string, error) {
	if _, err := m.follow(ctx, "host", host); err != nil {
		return nil, err
	}
	addrs := append([]string{}, m.A[host]...)
	addrs = append(addrs, m.AAAA[host]...)
	if len(addrs) == 0 {
		return nil, m.nxdomain(host)
	}
	return addrs, nil
}

func (m MockResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error) {
	name, err := m.follow(ctx, "ip", host)
	if err != nil {
		return nil, adns.Result{}, err
	}
	var out []net.IP
	if network == "ip" || network == "ip4" {
		for _, a := range m.A[name] {
			out = append(out, net.ParseIP(a))
		}
	}
	if network == "ip" || network == "ip6" {
		for _, a := range m.AAAA[name] {
			out = append(out, net.ParseIP(a))
		}
	}
	if len(out) == 0 {
		return nil, adns.Result{}, m.nxdomain(host)
	}
	return out, adns.Result{}, nil
}

func (m MockResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error) {
	name, err := m.follow(ctx, "mx", name)
	if err != nil {
		return nil, adns.Result{}, err
	}
	mxl, ok := m.MX[name]
	if !ok {
		return nil, adns.Result{}, m.nxdomain(name)
	}
	return mxl, adns.Result{}, nil
}
