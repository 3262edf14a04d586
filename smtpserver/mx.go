package smtpserver

import (
	"context"

	"github.com/draymta/dray/dns"
)

// acceptsMail reports whether domain d is set up to receive mail: no null MX
// record, and at least one MX target resolving to an address. A domain
// without MX records is its own implicit mail host.
func acceptsMail(ctx context.Context, resolver dns.Resolver, d dns.Domain) (bool, error) {
	// LookupMX can return records along with an error.
	recs, _, err := resolver.LookupMX(ctx, d.ASCII+".")
	switch {
	case err == nil && len(recs) == 1 && recs[0].Host == ".":
		// A null MX is the domain telling the world it never accepts mail.
		return false, nil
	case err != nil && !dns.IsNotFound(err):
		// Anything except "no mx record" counts as temporary: timeouts, malformed
		// records, upstream server trouble.
		return false, err
	}

	hosts := make([]string, 0, len(recs))
	for _, rec := range recs {
		hosts = append(hosts, rec.Host)
	}
	if len(hosts) == 0 {
		hosts = []string{d.ASCII + "."}
	}
	var lookupErr error
	for _, host := range hosts {
		ips, _, err := resolver.LookupIPAddr(ctx, host)
		if len(ips) > 0 {
			return true, nil
		}
		if err != nil && !dns.IsNotFound(err) {
			lookupErr = err
		}
	}
	return false, lookupErr
}
