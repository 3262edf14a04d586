package dray

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"

	"github.com/draymta/dray/mlog"
)

// TLSReceivedComment describes the TLS connection in a comment for a Received
// header, the way other mail servers do. For reference:
//
//	(version=TLS1_3 cipher=TLS_AES_128_GCM_SHA256 bits=128/128)    (gmail.com)
//	(version=TLS1_2, cipher=TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384) (outlook.com)
func TLSReceivedComment(log mlog.Log, cs tls.ConnectionState) []string {
	version := strings.ReplaceAll(tls.VersionName(cs.Version), " ", "")
	if strings.HasPrefix(version, "0x") {
		log.Info("unrecognized tls version", slog.Any("version", cs.Version))
		version = fmt.Sprintf("TLS identifier %x", cs.Version)
	}
	return []string{"(" + version, tls.CipherSuiteName(cs.CipherSuite) + ")"}
}
