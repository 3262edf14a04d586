// Package config holds the configuration file structures for dray: Static for
// the main configuration file (dray.conf) and Tables for the reloadable
// address tables (tables.conf).
package config

import (
	"crypto/tls"
	"net"
	"regexp"
	"time"

	"github.com/draymta/dray/dns"
	"github.com/draymta/dray/smtp"
)

// DefaultMaxMsgSize is the maximum message size for incoming messages, in
// bytes. Can be overridden per listener.
const DefaultMaxMsgSize = 100 << 20

// Port returns the port to use: port when non-zero, fallback otherwise.
func Port(port, fallback int) int {
	if port != 0 {
		return port
	}
	return fallback
}

// Static is a parsed form of the dray.conf configuration file. Changes require
// a restart.
type Static struct {
	DataDir          string               `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored: the queue database, spool files and message files waiting for delivery. If this is a relative path, it is relative to the directory of dray.conf."`
	LogLevel         string               `sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs SMTP protocol transcripts, with traceauth also messages with passwords, and tracedata on top of that also the full data exchanges (full messages), which can be a large amount of data."`
	PackageLogLevels map[string]string    `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. queue, smtpclient, smtpserver, resolve, filter)."`
	Hostname         string               `sconf-doc:"Full hostname of system, e.g. mail.<domain>. Used in SMTP greetings, HELO/EHLO when delivering, Received headers and DSNs."`
	HostnameDomain   dns.Domain           `sconf:"-" json:"-"` // Parsed form of hostname.
	AuthFile         string               `sconf:"optional" sconf-doc:"Path to file with accounts allowed to authenticate, one per line, each line a username, a colon and a bcrypt password hash. Required when AUTH is enabled on a listener. If this is a relative path, it is relative to the directory of dray.conf."`
	Listeners        map[string]Listener  `sconf-doc:"Listeners are groups of IP addresses on which SMTP is accepted, and optionally an internal endpoint for Prometheus metrics."`
	Queue            Queue                `sconf:"optional" sconf-doc:"Settings for the delivery queue."`
	Transports       map[string]Transport `sconf:"optional" sconf-doc:"Transports are mechanisms for delivering messages, referenced by relay domains in the tables file. There is always an implicit/fallback delivery transport doing direct delivery with SMTP from the queue. Transports are typically only configured when using smarthosts, i.e. when delivering through another SMTP server."`
	TablesPath       string               `sconf:"optional" sconf-doc:"Path to the address tables file. Default: tables.conf in the directory of dray.conf."`

	// Set during config load, directory of the config file. Used to resolve relative
	// paths, e.g. for DataDir and AuthFile.
	ConfigDir string `sconf:"-" json:"-"`

	// If all SMTP listeners have fully specified IPs (no wildcards like 0.0.0.0 or
	// ::), those IPs are set here during config load, and used as local address for
	// outgoing connections.
	ExplicitSMTPListenIPs []net.IP `sconf:"-" json:"-"`
}

// Listener is a group of IP addresses and the services enabled on them.
type Listener struct {
	IPs            []string   `sconf-doc:"Use 0.0.0.0 to listen on all IPv4 and/or :: to listen on all IPv6 addresses."`
	Hostname       string     `sconf:"optional" sconf-doc:"If empty, the config global Hostname is used."`
	HostnameDomain dns.Domain `sconf:"-" json:"-"` // Parsed form, filled during config load.

	TLS                *TLS  `sconf:"optional" sconf-doc:"For SMTP STARTTLS."`
	SMTPMaxMessageSize int64 `sconf:"optional" sconf-doc:"Maximum size in bytes for incoming messages. Default is 100MB."`
	SMTP               struct {
		Enabled         bool
		Port            int  `sconf:"optional" sconf-doc:"Port to listen on, default 25."`
		NoSTARTTLS      bool `sconf:"optional" sconf-doc:"Do not advertise STARTTLS. Not recommended, messages will cross the wire unencrypted."`
		RequireSTARTTLS bool `sconf:"optional" sconf-doc:"Do not accept incoming messages if STARTTLS is not active. A remote SMTP server may not support TLS and may not be able to deliver messages."`
		Auth            struct {
			Enabled        bool
			AllowPlaintext bool `sconf:"optional" sconf-doc:"Allow AUTH on connections without TLS. Credentials would be sent in clear text. Not recommended."`
		} `sconf:"optional" sconf-doc:"Let clients authenticate with AUTH PLAIN or AUTH LOGIN, against the accounts in AuthFile. Only offered on TLS-protected connections unless AllowPlaintext is set."`
	} `sconf:"optional"`
	MetricsHTTP struct {
		Enabled bool
		Port    int `sconf:"optional" sconf-doc:"Port to serve metrics on, default 8010."`
	} `sconf:"optional" sconf-doc:"Serve Prometheus metrics over HTTP, for monitoring. Do not enable this on a public IP."`
}

// Queue holds settings for the delivery queue.
type Queue struct {
	MinimalBackoff         time.Duration `sconf:"optional" sconf-doc:"Delay before the second delivery attempt of a message that failed with a temporary error. Doubled for each following attempt. Default 7m30s."`
	MaximalBackoff         time.Duration `sconf:"optional" sconf-doc:"Upper bound for the doubling delay between delivery attempts. Default 16h."`
	MessageLifetime        time.Duration `sconf:"optional" sconf-doc:"How long a message may stay in the queue before it is returned to the sender as undeliverable. Default 120h (5 days)."`
	BounceLifetime         time.Duration `sconf:"optional" sconf-doc:"Like MessageLifetime, but for delivery status notifications generated by this host. Typically shorter. A DSN that cannot be delivered within this time is dropped, never bounced again. Default 48h."`
	ActiveLimit            int           `sconf:"optional" sconf-doc:"Maximum number of recipient deliveries in progress concurrently from the queue. Recipients beyond the limit stay in the incoming state until a slot frees up. Default 20000."`
	DestinationConcurrency int           `sconf:"optional" sconf-doc:"Maximum number of concurrent deliveries to a single destination domain or smarthost. Default 20."`
	DestinationRateDelay   time.Duration `sconf:"optional" sconf-doc:"Pause between completing one delivery to a destination and starting the next, per destination. Default 0 (no delay)."`
	ConnectionReuse        time.Duration `sconf:"optional" sconf-doc:"How long an open connection to a destination may be reused for deliveries of other queued messages to that destination. Default 5m."`
}

// Transport is a method to deliver a message. At most one of the fields can be
// non-nil. The non-nil field represents the type of transport. For a transport
// with all fields nil, regular direct delivery is done.
type Transport struct {
	Submissions *TransportSMTP `sconf:"optional" sconf-doc:"Submission SMTP over a TLS connection to submit email to a remote queue."`
	Submission  *TransportSMTP `sconf:"optional" sconf-doc:"Submission SMTP over a plain TCP connection (possibly with STARTTLS) to submit email to a remote queue."`
	SMTP        *TransportSMTP `sconf:"optional" sconf-doc:"SMTP over a plain connection (possibly with STARTTLS), typically for old-fashioned unauthenticated relaying to a remote queue."`
}

// TransportSMTP delivers through a fixed remote host (smarthost): submission
// with authentication, or old-fashioned SMTP relaying.
type TransportSMTP struct {
	Host                       string    `sconf-doc:"Name of the host to connect to, also used to verify its TLS certificate."`
	Port                       int       `sconf:"optional" sconf-doc:"Port to connect to. When 0, the default for the transport type applies: 25 for smtp, 465 for submissions (immediate TLS), 587 for submission (STARTTLS when available)."`
	STARTTLSInsecureSkipVerify bool      `sconf:"optional" sconf-doc:"Accept a remote TLS certificate during STARTTLS that cannot be verified."`
	NoSTARTTLS                 bool      `sconf:"optional" sconf-doc:"Never attempt STARTTLS for the submission or smtp transport. Credentials and messages cross the wire in clear text."`
	Auth                       *SMTPAuth `sconf:"optional" sconf-doc:"Credentials to authenticate with at the remote server."`

	DNSHost dns.Domain `sconf:"-" json:"-"` // Parsed form of Host.
}

// SMTPAuth is the account to use at a smarthost, with the SASL mechanisms
// allowed for it.
type SMTPAuth struct {
	Username   string
	Password   string
	Mechanisms []string `sconf:"optional" sconf-doc:"Allowed authentication mechanisms. Defaults to CRAM-MD5, PLAIN, LOGIN. Specify the strongest mechanism known to be implemented by the server to prevent mechanism downgrade attacks."`

	EffectiveMechanisms []string `sconf:"-" json:"-"` // Mechanisms after applying the default.
}

// TLS configures TLS keys/certificates for a listener.
type TLS struct {
	KeyCerts []struct {
		CertFile string `sconf-doc:"PEM certificate, with any intermediate CA certificates appended."`
		KeyFile  string `sconf-doc:"PEM private key for the certificate. PKCS8 is recommended, PKCS1 and EC private keys are recognized as well."`
	} `sconf-doc:"Certificates to use for this listener. Unlike ACME-based setups, certificate renewal is a manual affair, and certificates must be readable at startup."`
	MinVersion string `sconf:"optional" sconf-doc:"Minimum TLS version. Default: TLSv1.2."`

	Config *tls.Config `sconf:"-" json:"-"` // TLS config for incoming STARTTLS.
}

// Tables is the parsed form of tables.conf: the domains for which mail is
// accepted, their known mailboxes and aliases, and the content filter rules.
// The file is reloaded on SIGHUP, and the new tables replace the old ones
// atomically, so a connection always sees one consistent version.
type Tables struct {
	Domains map[string]Domain `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDomains for which email is accepted. For internationalized domains, use their IDNA names in UTF-8."`
	Filters Filters           `sconf:"optional" sconf-doc:"Content filter rules, applied to incoming messages before they are accepted into the queue."`

	DNSDomains map[string]Domain `sconf:"-" json:"-"` // Keys are ASCII names of parsed domains.
}

// Domain holds the delivery configuration for one hosted domain.
type Domain struct {
	Disabled                   bool             `sconf:"optional" sconf-doc:"Disabled domains can be useful during/before migrations. A disabled domain can still be configured like normal, but incoming messages involving the domain are rejected with a temporary error '450 4.2.1 recipient domain temporarily disabled'."`
	Description                string           `sconf:"optional" sconf-doc:"Free-form description of the domain."`
	Class                      string           `sconf-doc:"One of: local, virtual, relay. Mail for a local domain is delivered into the spool, one directory per mailbox listed in Mailboxes. A virtual domain also delivers into the spool, but into per-address directories, so mailboxes do not need system accounts. Mail for a relay domain is not delivered locally but forwarded, through the transport named in Transport if set, or with direct delivery otherwise."`
	Mailboxes                  []string         `sconf:"optional" sconf-doc:"Known mailbox localparts for this domain (encoded, as they appear in email addresses). Mail for other localparts is rejected, unless a catchall mailbox is configured or an alias matches."`
	Aliases                    map[string]Alias `sconf:"optional" sconf-doc:"Aliases that cause messages to be delivered to one or more other addresses. Keys are localparts (encoded, as they appear in email addresses)."`
	CatchallMailbox            string           `sconf:"optional" sconf-doc:"If set, mail for localparts that match neither a mailbox nor an alias is accepted and delivered to this mailbox. A localpart that matches a mailbox always takes precedence over the catchall."`
	CatchallBeforeAliases      bool             `sconf:"optional" sconf-doc:"If set, the catchall mailbox takes precedence over aliases: a localpart that does not match a mailbox is delivered to the catchall mailbox even when an alias with that localpart exists. The default is to expand the alias."`
	LocalpartCatchallSeparator string           `sconf:"optional" sconf-doc:"If not empty, only the string before the separator is used for email delivery decisions. For example, if set to \"+\", you+anything@example.com will be delivered to you@example.com."`
	LocalpartCaseSensitive     bool             `sconf:"optional" sconf-doc:"If set, localparts are compared case-sensitively for delivery decisions."`
	Transport                  string           `sconf:"optional" sconf-doc:"For relay domains, the name of the transport (from the main config file) to deliver through. If empty, direct delivery to the MX of the recipient domain is done."`

	Domain            dns.Domain              `sconf:"-"`
	MailboxLocalparts map[smtp.Localpart]bool `sconf:"-" json:"-"` // Localparts of Mailboxes, canonicalized.
	CatchallLocalpart smtp.Localpart          `sconf:"-" json:"-"` // Canonical form of CatchallMailbox.
}

// Domain classes.
const (
	ClassLocal   = "local"
	ClassVirtual = "virtual"
	ClassRelay   = "relay"
)

// Alias is a localpart in a hosted domain that expands to one or more other
// addresses, possibly again aliases, possibly remote.
type Alias struct {
	Addresses []string `sconf-doc:"Addresses this alias expands to. Local addresses may themselves be aliases and are expanded recursively. Remote addresses cause the message to be queued for outgoing delivery."`

	LocalpartStr    string         `sconf:"-"` // Alias localpart, in encoded form.
	Domain          dns.Domain     `sconf:"-"` // Domain the alias is in.
	ParsedAddresses []smtp.Address `sconf:"-"` // Matches Addresses.
}

// Filters holds the content filter rules, in the order stages are run:
// message size (from the listener config), then header rules, then body rules.
type Filters struct {
	HeaderRules []FilterRule `sconf:"optional" sconf-doc:"Rules matched against each message header line (unfolded). The first matching rule determines the verdict."`
	BodyRules   []FilterRule `sconf:"optional" sconf-doc:"Rules matched against each body line. The first matching rule determines the verdict."`
}

// FilterRule is one content filter rule, a regular expression and the action
// to take when it matches.
type FilterRule struct {
	Regexp    string `sconf-doc:"RE2 regular expression, matched case-insensitively against each line."`
	Action    string `sconf-doc:"One of: reject, discard, quarantine, tempfail."`
	Message   string `sconf:"optional" sconf-doc:"Text included in the SMTP response for reject and tempfail, and in the log for discard and quarantine."`
	PostQueue bool   `sconf:"optional" sconf-doc:"Run this rule after the message has been accepted and queued instead of before the SMTP response. The sender has already received success by then, so a rejecting post-queue rule causes a delivery status notification instead of an SMTP error."`

	Pattern *regexp.Regexp `sconf:"-" json:"-"` // Compiled form of Regexp.
}
