package drayio

import (
	"crypto/tls"
	"strings"
)

// TLSInfo returns human-readable strings about the TLS connection, for use in
// logging.
func TLSInfo(cs tls.ConnectionState) (version, ciphersuite string) {
	version = strings.ReplaceAll(tls.VersionName(cs.Version), " ", "")
	ciphersuite = tls.CipherSuiteName(cs.CipherSuite)
	return
}
