package drayio

import (
	"errors"
	"net"
	"syscall"
)

// IsClosed returns whether i/o failed because the connection is closed or
// otherwise no longer usable, to prevent logging those as errors.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || isRemoteTLSError(err)
}

// A remote TLS client can send an alert indicating failure, which surfaces
// here as a write error.
func isRemoteTLSError(err error) bool {
	var netErr *net.OpError
	return errors.As(err, &netErr) && netErr.Op == "remote error"
}
