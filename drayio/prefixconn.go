package drayio

import (
	"io"
	"net"
)

// PrefixConn is a net.Conn whose reads are first fulfilled from a prefix
// reader, before continuing with the connection. Used for STARTTLS, where a
// buffered reader may already have consumed the start of the TLS handshake.
type PrefixConn struct {
	PrefixReader io.Reader // Drained first if not nil, cleared after its io.EOF.
	net.Conn
}

func (c *PrefixConn) Read(buf []byte) (int, error) {
	if c.PrefixReader != nil {
		n, err := c.PrefixReader.Read(buf)
		if err == io.EOF {
			c.PrefixReader = nil
			err = nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
	return c.Conn.Read(buf)
}
