package smtp

import (
	"net"

	"github.com/draymta/dray/dns"
)

// Ehlo identifies the remote end of an incoming SMTP connection: the name it
// claimed in its hello and the IP it connected from.
type Ehlo struct {
	Name   dns.IPDomain // Claimed name, a host name or address literal.
	ConnIP net.IP       // Remote IP of the connection.
}

func (e Ehlo) IsZero() bool {
	return e.Name.IsZero() && e.ConnIP == nil
}
