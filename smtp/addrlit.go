package smtp

import (
	"net"
)

// AddressLiteral formats ip as an SMTP address literal: "[10.0.0.1]" for IPv4,
// with an "IPv6:" tag inside the brackets for IPv6.
func AddressLiteral(ip net.IP) string {
	if ip.To4() != nil {
		return "[" + ip.String() + "]"
	}
	return "[IPv6:" + ip.String() + "]"
}
