package smtpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/draymta/dray/dns"
	"github.com/draymta/dray/mlog"
)

var (
	errCNAMELoop  = errors.New("circular cname chain")
	errCNAMELimit = errors.New("cname chain too long")
	errDNS        = errors.New("dns lookup failed")
	errNoMail     = errors.New("domain does not accept email, null mx record")
)

// HostPref is a delivery destination host, with the preference of the MX
// record it came from, or -1 when the host is not from an MX record.
type HostPref struct {
	Host dns.IPDomain
	Pref int
}

// GatherDestinations resolves the hosts to deliver to for a next-hop. An IP
// address is dialed as-is. For a domain, CNAME records are followed first,
// then the MX records of the final name decide the hosts, in preference
// order. Without MX records the domain itself is the single host. A "null MX"
// record, a single MX with target ".", means the domain opted out of email,
// returned as errNoMail with permanent set.
//
// haveMX tells whether MX records were present. domain is the name after
// CNAME expansion, used in delivery logging.
func GatherDestinations(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, nextHop dns.IPDomain) (haveMX bool, domain dns.Domain, hosts []HostPref, permanent bool, err error) {
	log := mlog.New("smtpclient", elog)

	if nextHop.IsIP() {
		return false, domain, []HostPref{{nextHop, -1}}, false, nil
	}

	orig := nextHop.Domain
	domain = orig
	seen := map[string]bool{}
	for i := 0; ; i++ {
		if seen[domain.ASCII] {
			return false, domain, nil, false, fmt.Errorf("%w: domain %s: already resolved %s", errCNAMELoop, orig, domain)
		}
		seen[domain.ASCII] = true

		// DNS does not limit the length of CNAME chains, and chains of ten
		// records have been seen in the wild for non-mail names. Sixteen is
		// where we stop.
		if i >= 16 {
			return false, domain, nil, false, fmt.Errorf("%w: domain %s, stopped at %s", errCNAMELimit, orig, domain)
		}

		// LookupMX follows CNAMEs on its own, but we want to know the final
		// name, so resolve CNAMEs explicitly.
		// note: the Go resolver returns the requested name itself when there
		// is no CNAME record but a host record is present.
		cnameCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		cname, _, err := resolver.LookupCNAME(cnameCtx, domain.ASCII+".")
		cancel()
		switch {
		case dns.IsNotFound(err):
			// No CNAME, this is the final name.
		case err != nil:
			return false, domain, nil, false, fmt.Errorf("%w: cname lookup for %s: %v", errDNS, domain, err)
		case cname != domain.ASCII+".":
			next, err := dns.ParseDomain(strings.TrimSuffix(cname, "."))
			if err != nil {
				return false, domain, nil, false, fmt.Errorf("%w: parsing cname %q: %v", errDNS, cname, err)
			}
			domain = next
			continue
		}

		mxCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		// LookupMX filters out invalid records, and can return both an error
		// and usable records. Only give up when nothing usable remains.
		records, _, err := resolver.LookupMX(mxCtx, domain.ASCII+".")
		cancel()
		if len(records) == 0 && err != nil {
			if dns.IsNotFound(err) {
				// Implicit MX, deliver to the domain itself.
				return false, domain, []HostPref{{dns.IPDomain{Domain: domain}, -1}}, false, nil
			}
			return false, domain, nil, false, fmt.Errorf("%w: mx lookup for %s: %v", errDNS, domain, err)
		}
		if err != nil {
			log.Infox("mx lookup returned invalid records, continuing with remaining records", err)
		}

		if len(records) == 1 && records[0].Host == "." && err == nil {
			// A more welcoming MX record could replace this one before a
			// later attempt, but a null MX is an explicit request to not be
			// bothered with email.
			return true, domain, nil, true, errNoMail
		}

		// The Go resolver sorts by preference, shuffling records of equal
		// preference.
		for _, mx := range records {
			// Lax parsing, MX targets with underscores are seen in the wild.
			target, err := dns.ParseDomainLax(strings.TrimSuffix(mx.Host, "."))
			if err != nil {
				return true, domain, nil, true, fmt.Errorf("%w: bad host name in mx record %q: %v", errDNS, mx.Host, err)
			}
			hosts = append(hosts, HostPref{dns.IPDomain{Domain: target}, int(mx.Pref)})
		}
		if len(hosts) > 0 {
			err = nil
		}
		return true, domain, hosts, false, err
	}
}

// GatherIPs resolves the IP addresses to dial for host, following any CNAME
// records. When dialedIPs has addresses for host from earlier delivery
// attempts, the returned list is reordered to prefer the address family not
// tried last, and to retry the exact previous address when only a single
// address family has been tried.
func GatherIPs(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, network string, host dns.IPDomain, dialedIPs map[string][]net.IP) (expandedHost dns.Domain, ips []net.IP, dualstack bool, rerr error) {
	log := mlog.New("smtpclient", elog)

	if host.IsIP() {
		return dns.Domain{}, []net.IP{host.IP}, false, nil
	}

	// MX targets must not point at a CNAME, but they do in the wild. The Go
	// resolver follows them transparently, resolve them explicitly so the
	// final name is known and logged.
	fqdn := host.Domain.ASCII + "."
	for i := 0; ; i++ {
		cname, _, err := resolver.LookupCNAME(ctx, fqdn)
		if dns.IsNotFound(err) || err == nil && strings.TrimSuffix(cname, ".") == strings.TrimSuffix(fqdn, ".") {
			break
		} else if err != nil {
			return dns.Domain{}, nil, false, err
		}
		if i > 10 {
			return dns.Domain{}, nil, false, fmt.Errorf("resolving mx target: %w", errCNAMELimit)
		}
		fqdn = strings.TrimSuffix(cname, ".") + "."
	}

	expandedHost = host.Domain
	if fqdn != host.Domain.ASCII+"." {
		d, err := dns.ParseDomain(strings.TrimSuffix(fqdn, "."))
		if err != nil {
			return dns.Domain{}, nil, false, fmt.Errorf("parsing cname-resolved name %q: %w", fqdn, err)
		}
		expandedHost = d
	}

	addrs, _, err := resolver.LookupIP(ctx, network, fqdn)
	if err != nil || len(addrs) == 0 {
		return expandedHost, nil, false, fmt.Errorf("looking up %q: %w", fqdn, err)
	}
	var v4, v6 bool
	for _, ip := range addrs {
		ips = append(ips, ip)
		if ip.To4() != nil {
			v4 = true
		} else {
			v6 = true
		}
	}
	dualstack = v4 && v6

	prev := dialedIPs[host.String()]
	if len(prev) > 0 {
		last := prev[len(prev)-1]
		lastV4 := last.To4() != nil
		nlast := 0
		for _, ip := range prev {
			if (ip.To4() != nil) == lastV4 {
				nlast++
			}
		}
		retryLast := nlast == 1
		// Stable sort, keeping the resolver's preferred order within each
		// address family.
		sort.SliceStable(ips, func(i, j int) bool {
			a4 := ips[i].To4() != nil
			b4 := ips[j].To4() != nil
			if a4 != b4 {
				// Switch address family from the last attempt.
				return a4 != lastV4
			}
			return retryLast && ips[i].Equal(last)
		})
		log.Debug("ips ordered for dialing", slog.Any("ips", ips))
	}
	return
}
