package queue

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"

	"github.com/draymta/dray/config"
	"github.com/draymta/dray/dns"
	"github.com/draymta/dray/dray-"
	"github.com/draymta/dray/dsn"
	"github.com/draymta/dray/mlog"
	"github.com/draymta/dray/sasl"
	"github.com/draymta/dray/smtp"
	"github.com/draymta/dray/smtpclient"
)

// deliverSubmit delivers a message through a smarthost, with SMTP submission
// or plain relaying, authenticating when the transport has credentials
// configured. All recipients of the group are submitted in one transaction,
// the smarthost queue takes over responsibility for accepted recipients.
func deliverSubmit(qlog mlog.Log, resolver dns.Resolver, m Msg, rcpts []*Rcpt, transportName string, transport *config.TransportSMTP, dialTLS bool, defaultPort int) {
	ctx := dray.Shutdown

	port := defaultPort
	if transport.Port != 0 {
		port = transport.Port
	}

	tlsMode, tlsPKIX := smtpclient.TLSRequiredStartTLS, true
	switch {
	case dialTLS:
		tlsMode = smtpclient.TLSImmediate
	case transport.STARTTLSInsecureSkipVerify:
		tlsPKIX = false
	case transport.NoSTARTTLS:
		tlsMode, tlsPKIX = smtpclient.TLSSkip, false
	}

	host := dns.IPDomain{Domain: transport.DNSHost}
	qlog = qlog.With(slog.String("smarthost", transport.Host), slog.Int("port", port), slog.String("tlsmode", string(tlsMode)))

	var auth func(serverMechs []string, cs *tls.ConnectionState) (sasl.Client, error)
	if creds := transport.Auth; creds != nil {
		auth = func(serverMechs []string, cs *tls.ConnectionState) (sasl.Client, error) {
			for _, mech := range creds.EffectiveMechanisms {
				if !slices.Contains(serverMechs, mech) {
					continue
				}
				switch mech {
				case "CRAM-MD5":
					return sasl.NewClientCRAMMD5(creds.Username, creds.Password), nil
				case "PLAIN":
					return sasl.NewClientPlain(creds.Username, creds.Password), nil
				case "LOGIN":
					return sasl.NewClientLogin(creds.Username, creds.Password), nil
				}
			}
			return nil, fmt.Errorf("no matching authentication mechanisms, server supports %s", strings.Join(serverMechs, ", "))
		}
	}

	resps, remoteIP, _, _, err := deliverHost(qlog, resolver, &net.Dialer{}, m, rcpts, transportName, host, port, tlsMode, tlsPKIX, auth)
	remoteMTA := dsn.NameIP{Name: transport.Host, IP: remoteIP}
	if err != nil {
		failGroup(ctx, qlog, m, rcpts, transport.Host, remoteMTA, false, err)
		return
	}

	results := make([]rcptResult, len(rcpts))
	for i, r := range rcpts {
		var rerr error
		if i < len(resps) && resps[i].Code != smtp.C250Completed {
			rerr = smtpclient.Error(resps[i])
		}
		results[i] = rcptResult{r, rerr}
	}
	markResults(ctx, qlog, m, transport.Host, remoteMTA, false, results)
}
