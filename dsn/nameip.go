package dsn

import (
	"net"
)

// NameIP is a remote endpoint: a host name and, when known, the IP the
// connection went to.
type NameIP struct {
	Name string // Host name as dialed.
	IP   net.IP // Address the connection went to, nil when the dial never got that far.
}

func (n NameIP) IsZero() bool {
	return n.Name == "" && n.IP == nil
}
