package dns

import (
	"net"
)

// IPDomain holds either an IP address or a domain name. The zero value holds
// neither.
type IPDomain struct {
	IP     net.IP
	Domain Domain
}

func (d IPDomain) IsZero() bool {
	return d.Domain == Domain{} && d.IP == nil
}

// String renders the IP, or the domain by its unicode name when it has one.
func (d IPDomain) String() string {
	if d.IsIP() {
		return d.IP.String()
	}
	return d.Domain.Name()
}

// LogString renders the IP, or the domain with both its unicode and ASCII
// names, for logging.
func (d IPDomain) LogString() string {
	if d.IsIP() {
		return d.IP.String()
	}
	return d.Domain.LogString()
}

// XString renders the IP, or the domain restricted to its ASCII name unless
// utf8 is true.
func (d IPDomain) XString(utf8 bool) string {
	if d.IsIP() {
		return d.IP.String()
	}
	return d.Domain.XName(utf8)
}

func (d IPDomain) IsIP() bool {
	return len(d.IP) > 0
}

func (d IPDomain) IsDomain() bool {
	return !d.Domain.IsZero()
}
