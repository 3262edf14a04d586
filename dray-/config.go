package dray

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mjl-/sconf"
	"golang.org/x/exp/maps"

	"github.com/draymta/dray/config"
	"github.com/draymta/dray/dns"
	"github.com/draymta/dray/mlog"
	"github.com/draymta/dray/smtp"
)

var pkglog = mlog.New("dray", nil)

// Paths to the configuration files, set early during startup from the -config
// flag. The tables path is derived from the static config once that has been
// parsed.
var (
	ConfigStaticPath string
	ConfigTablesPath string
)

// Conf holds the running configuration.
var Conf = Config{Log: map[string]slog.Level{"": slog.LevelError}}

// Config is the parsed, checked form of the configuration files.
//
// The static part is fixed for the lifetime of the process. The address
// tables are an immutable snapshot behind an atomic pointer, replaced as a
// whole on reload, so in-progress SMTP transactions and resolutions keep
// seeing one consistent version.
type Config struct {
	Static config.Static

	logMutex sync.Mutex // Protects Log.
	Log      map[string]slog.Level

	tables atomic.Pointer[config.Tables]
}

// LogLevelSet changes the log level for pkg at runtime, without a config file
// change. The empty pkg sets the default level, used by packages without an
// explicit level.
func (c *Config) LogLevelSet(log mlog.Log, pkg string, level slog.Level) {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	m := maps.Clone(c.Log)
	m[pkg] = level
	c.Log = m
	log.Print("log level set", slog.String("pkg", pkg), slog.String("level", mlog.LevelStrings[level]))
	mlog.SetConfig(m)
}

// LogLevels returns a copy of the configured log levels.
func (c *Config) LogLevels() map[string]slog.Level {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	return maps.Clone(c.Log)
}

// Tables returns the current address tables snapshot. The snapshot must not be
// modified.
func (c *Config) Tables() *config.Tables {
	t := c.tables.Load()
	if t == nil {
		return &config.Tables{}
	}
	return t
}

// SetTables installs a new address tables snapshot.
func (c *Config) SetTables(t *config.Tables) {
	c.tables.Store(t)
}

// Domains returns the names of all hosted domains, sorted.
func (c *Config) Domains() []string {
	l := maps.Keys(c.Tables().Domains)
	slices.Sort(l)
	return l
}

// Transport returns a transport from the static configuration.
func (c *Config) Transport(name string) (config.Transport, bool) {
	tr, ok := c.Static.Transports[name]
	return tr, ok
}

// MustLoadConfig loads the config, exiting the process on errors.
func MustLoadConfig(doLoadTLSKeyCerts bool) {
	errs := LoadConfig(context.Background(), pkglog, doLoadTLSKeyCerts)
	if len(errs) == 1 {
		pkglog.Fatalx("loading config", errs[0])
	} else if len(errs) > 0 {
		for _, err := range errs {
			pkglog.Errorx("invalid config", err)
		}
		pkglog.Fatal("stopping, configuration has errors", slog.Int("errors", len(errs)))
	}
}

// LoadConfig parses the configuration files and, on success, installs the
// result as the running config.
func LoadConfig(ctx context.Context, log mlog.Log, doLoadTLSKeyCerts bool) []error {
	bg := context.Background()
	Shutdown, ShutdownCancel = context.WithCancel(bg)
	Context, ContextCancel = context.WithCancel(bg)

	c, errs := ParseConfig(ctx, log, ConfigStaticPath, doLoadTLSKeyCerts)
	if len(errs) > 0 {
		return errs
	}

	mlog.SetConfig(c.Log)
	SetConfig(c)
	return nil
}

// SetConfig replaces the running config. Only for use during startup and in
// tests.
func SetConfig(c *Config) {
	// A plain assignment of *c would copy the mutex.
	Conf = Config{Static: c.Static, Log: c.Log}
	Conf.tables.Store(c.tables.Load())
}

// ParseConfig parses the static config at path p and the tables file
// referenced from it, and checks both. With doLoadTLSKeyCerts, the TLS
// keys/certificates for listeners are loaded and checked as well.
func ParseConfig(ctx context.Context, log mlog.Log, p string, doLoadTLSKeyCerts bool) (*Config, []error) {
	c := &Config{
		Static: config.Static{DataDir: "."},
	}

	f, err := os.Open(p)
	if err != nil {
		hint := ""
		if os.IsNotExist(err) && os.Getenv("DRAYCONF") == "" {
			hint = " (hint: use dray -config ... or set DRAYCONF=...)"
		}
		return nil, []error{fmt.Errorf("open config file: %v%s", err, hint)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing static config %s%v", p, err)}
	}
	c.Static.ConfigDir = filepath.Dir(p)

	if errs := prepareStatic(p, c, doLoadTLSKeyCerts); len(errs) > 0 {
		return nil, errs
	}

	tp := filepath.Join(filepath.Dir(p), "tables.conf")
	if c.Static.TablesPath != "" {
		tp = configDirPath(p, c.Static.TablesPath)
	}
	ConfigTablesPath = tp

	tables, errs := ParseTables(ctx, log, tp, c.Static)
	if len(errs) > 0 {
		return nil, errs
	}
	c.SetTables(tables)

	return c, nil
}

// prepareStatic checks the static config and fills in defaults and derived
// fields.
func prepareStatic(configFile string, conf *Config, doLoadTLSKeyCerts bool) (errs []error) {
	errorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	static := &conf.Static

	conf.Log = map[string]slog.Level{}
	if level, ok := mlog.Levels[static.LogLevel]; ok {
		conf.Log[""] = level
	} else {
		errorf("invalid log level %q", static.LogLevel)
	}
	for pkg, s := range static.PackageLogLevels {
		level, ok := mlog.Levels[s]
		if !ok {
			errorf("invalid package log level %q", s)
			continue
		}
		conf.Log[pkg] = level
	}

	hostname, err := dns.ParseDomain(static.Hostname)
	if err != nil {
		errorf("parsing hostname: %s", err)
	} else if hostname.Name() != static.Hostname {
		errorf("hostname must use unicode form %q, not %q", hostname.Name(), static.Hostname)
	}
	static.HostnameDomain = hostname

	if static.AuthFile != "" {
		p := configDirPath(configFile, static.AuthFile)
		if _, err := os.Stat(p); err != nil {
			errorf("auth file: %v", err)
		}
		static.AuthFile = p
	}

	var smtpIPs []net.IP
	smtpOnUnspecified := false
	authEnabled := false
	for name, ln := range static.Listeners {
		lnerrorf := func(format string, args ...any) {
			errorf("listener %s: %s", name, fmt.Sprintf(format, args...))
		}

		if ln.Hostname != "" {
			d, err := dns.ParseDomain(ln.Hostname)
			if err != nil {
				lnerrorf("parsing hostname %q: %s", ln.Hostname, err)
			}
			ln.HostnameDomain = d
		}

		if ln.TLS != nil {
			if len(ln.TLS.KeyCerts) == 0 {
				lnerrorf("TLS config without keys/certificates")
			} else if doLoadTLSKeyCerts {
				if err := loadTLSKeyCerts(configFile, "listener "+name, ln.TLS); err != nil {
					lnerrorf("%w", err)
				}
			}
			minVersion, err := tlsMinVersion(ln.TLS.MinVersion)
			if err != nil {
				lnerrorf("%v", err)
			}
			if ln.TLS.Config != nil {
				ln.TLS.Config.MinVersion = minVersion
			}
		} else if ln.SMTP.Enabled && !ln.SMTP.NoSTARTTLS {
			lnerrorf("SMTP with STARTTLS requires tls, but listener has no tls config")
		}

		if ln.SMTP.Enabled {
			if ln.SMTP.Port == 0 {
				ln.SMTP.Port = 25
			}
			for _, s := range ln.IPs {
				ip := net.ParseIP(s)
				switch {
				case ip == nil:
					lnerrorf("invalid IP %q", s)
				case ip.IsUnspecified():
					smtpOnUnspecified = true
				default:
					smtpIPs = append(smtpIPs, ip)
				}
			}
			if ln.SMTP.Auth.Enabled {
				authEnabled = true
			}
		}
		if ln.MetricsHTTP.Enabled && ln.MetricsHTTP.Port == 0 {
			ln.MetricsHTTP.Port = 8010
		}
		static.Listeners[name] = ln
	}
	if authEnabled && static.AuthFile == "" {
		errorf("listener with AUTH enabled requires AuthFile")
	}
	if smtpOnUnspecified {
		smtpIPs = nil
	}
	static.ExplicitSMTPListenIPs = smtpIPs

	// Queue defaults and sanity checks.
	q := &static.Queue
	if q.MinimalBackoff == 0 {
		q.MinimalBackoff = 7*time.Minute + 30*time.Second
	}
	if q.MaximalBackoff == 0 {
		q.MaximalBackoff = 16 * time.Hour
	}
	if q.MessageLifetime == 0 {
		q.MessageLifetime = 120 * time.Hour
	}
	if q.BounceLifetime == 0 {
		q.BounceLifetime = 48 * time.Hour
	}
	if q.ActiveLimit == 0 {
		q.ActiveLimit = 20000
	}
	if q.DestinationConcurrency == 0 {
		q.DestinationConcurrency = 20
	}
	if q.ConnectionReuse == 0 {
		q.ConnectionReuse = 5 * time.Minute
	}
	if q.MinimalBackoff < 0 || q.MaximalBackoff < q.MinimalBackoff {
		errorf("queue: maximal backoff must be at least minimal backoff")
	}
	if q.MessageLifetime < 0 || q.BounceLifetime < 0 {
		errorf("queue: lifetimes must be positive")
	}
	if q.ActiveLimit < 0 || q.DestinationConcurrency < 0 {
		errorf("queue: limits must be positive")
	}
	if q.DestinationRateDelay < 0 {
		errorf("queue: destination rate delay must be >= 0")
	}

	for name, t := range static.Transports {
		trerrorf := func(format string, args ...any) {
			errorf("transport %s: %s", name, fmt.Sprintf(format, args...))
		}

		n := 0
		if t.Submissions != nil {
			prepareTransportSMTP(trerrorf, t.Submissions, true)
			n++
		}
		if t.Submission != nil {
			prepareTransportSMTP(trerrorf, t.Submission, false)
			n++
		}
		if t.SMTP != nil {
			prepareTransportSMTP(trerrorf, t.SMTP, false)
			n++
		}
		if n > 1 {
			trerrorf("cannot have multiple methods in one transport")
		}
	}

	return
}

// prepareTransportSMTP checks a single SMTP transport block. With immediate
// TLS, the STARTTLS options are contradictions and rejected.
func prepareTransportSMTP(errorf func(format string, args ...any), t *config.TransportSMTP, immediateTLS bool) {
	var err error
	t.DNSHost, err = dns.ParseDomain(t.Host)
	if err != nil {
		errorf("parsing host %q: %v", t.Host, err)
	}

	if immediateTLS && t.NoSTARTTLS {
		errorf("cannot use NoSTARTTLS with immediate TLS")
	}
	if immediateTLS && t.STARTTLSInsecureSkipVerify {
		errorf("cannot use STARTTLSInsecureSkipVerify with immediate TLS")
	}

	if t.Auth == nil {
		return
	}
	seen := map[string]bool{}
	for _, m := range t.Auth.Mechanisms {
		if seen[m] {
			errorf("authentication mechanism %s listed more than once", m)
		}
		seen[m] = true
		switch m {
		case "CRAM-MD5", "PLAIN", "LOGIN":
		default:
			errorf("unrecognized authentication mechanism %s", m)
		}
	}

	if len(t.Auth.Mechanisms) == 0 {
		t.Auth.EffectiveMechanisms = []string{"CRAM-MD5", "PLAIN", "LOGIN"}
	} else {
		t.Auth.EffectiveMechanisms = t.Auth.Mechanisms
	}
}

// ParseTables parses and checks the address tables file.
func ParseTables(ctx context.Context, log mlog.Log, tablesPath string, static config.Static) (*config.Tables, []error) {
	f, err := os.Open(tablesPath)
	if err != nil {
		return nil, []error{fmt.Errorf("open tables file: %v", err)}
	}
	defer f.Close()
	t := &config.Tables{}
	if err := sconf.Parse(f, t); err != nil {
		return nil, []error{fmt.Errorf("parsing tables file: %v", err)}
	}

	if errs := prepareTables(static, t); len(errs) > 0 {
		return nil, errs
	}
	return t, nil
}

func prepareTables(static config.Static, t *config.Tables) (errs []error) {
	errorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	t.DNSDomains = make(map[string]config.Domain, len(t.Domains))
	for name, dom := range t.Domains {
		domerrorf := func(format string, args ...any) {
			errorf("domain %s: %s", name, fmt.Sprintf(format, args...))
		}
		prepareDomain(domerrorf, static, name, &dom)
		t.Domains[name] = dom
		t.DNSDomains[dom.Domain.ASCII] = dom
	}

	compile := func(kind string, rules []config.FilterRule) {
		for i, r := range rules {
			re, err := regexp.Compile("(?i)" + r.Regexp)
			if err != nil {
				errorf("filters: %s rule %d: compiling regexp: %v", kind, i, err)
				continue
			}
			rules[i].Pattern = re
			switch r.Action {
			case "reject", "discard", "quarantine", "tempfail":
			default:
				errorf("filters: %s rule %d: unknown action %q", kind, i, r.Action)
			}
		}
	}
	compile("header", t.Filters.HeaderRules)
	compile("body", t.Filters.BodyRules)

	return
}

// prepareDomain parses and indexes a hosted domain from the tables file.
// Errors go through errorf, which prefixes them with the domain name.
func prepareDomain(errorf func(format string, args ...any), static config.Static, name string, dom *config.Domain) {
	d, err := dns.ParseDomain(name)
	if err != nil {
		errorf("parsing domain: %s", err)
	} else if d.Name() != name {
		errorf("must be specified in unicode form, %s", d.Name())
	}
	dom.Domain = d

	switch dom.Class {
	case config.ClassLocal, config.ClassVirtual:
		if dom.Transport != "" {
			errorf("transport can only be set for relay domains")
		}
	case config.ClassRelay:
		if len(dom.Mailboxes) > 0 || len(dom.Aliases) > 0 || dom.CatchallMailbox != "" {
			errorf("relay domain cannot have mailboxes, aliases or a catchall mailbox")
		}
		if _, ok := static.Transports[dom.Transport]; !ok && dom.Transport != "" {
			errorf("references undefined transport %s", dom.Transport)
		}
	default:
		errorf("unknown class %q, must be local, virtual or relay", dom.Class)
	}

	dom.MailboxLocalparts = map[smtp.Localpart]bool{}
	for _, mb := range dom.Mailboxes {
		lp, err := smtp.ParseLocalpart(mb)
		if err != nil {
			errorf("invalid mailbox localpart %q: %v", mb, err)
			continue
		}
		lp = CanonicalLocalpart(lp, *dom)
		if dom.MailboxLocalparts[lp] {
			errorf("mailbox localpart %q listed more than once", mb)
		}
		dom.MailboxLocalparts[lp] = true
	}

	if dom.CatchallMailbox != "" {
		lp, err := smtp.ParseLocalpart(dom.CatchallMailbox)
		if err != nil {
			errorf("invalid catchall mailbox %q: %v", dom.CatchallMailbox, err)
		} else {
			dom.CatchallLocalpart = CanonicalLocalpart(lp, *dom)
		}
	}

	// Keyed by canonical localpart, so resolution is a single map lookup.
	aliases := make(map[string]config.Alias, len(dom.Aliases))
	for lpstr, a := range dom.Aliases {
		aerrorf := func(format string, args ...any) {
			errorf("alias %s: %s", lpstr, fmt.Sprintf(format, args...))
		}

		lp, err := smtp.ParseLocalpart(lpstr)
		if err != nil {
			aerrorf("invalid localpart: %v", err)
			continue
		}
		lp = CanonicalLocalpart(lp, *dom)
		if dom.MailboxLocalparts[lp] {
			aerrorf("localpart already in use as mailbox")
		}
		if _, ok := aliases[string(lp)]; ok {
			aerrorf("another alias already uses localpart %q", lp)
		}
		if len(a.Addresses) == 0 {
			aerrorf("needs at least one address")
		}
		a.ParsedAddresses = make([]smtp.Address, 0, len(a.Addresses))
		seen := map[string]bool{}
		for _, addrstr := range a.Addresses {
			addr, err := smtp.ParseAddress(addrstr)
			if err != nil {
				aerrorf("parsing address %q: %v", addrstr, err)
				continue
			}
			if seen[addr.String()] {
				aerrorf("duplicate address %q", addrstr)
				continue
			}
			seen[addr.String()] = true
			a.ParsedAddresses = append(a.ParsedAddresses, addr)
		}
		a.LocalpartStr = string(lp)
		a.Domain = dom.Domain
		aliases[string(lp)] = a
	}
	dom.Aliases = aliases
}

// ReloadTables reparses the tables file and installs the new snapshot. The
// running snapshot stays in place when parsing fails.
func ReloadTables(ctx context.Context, log mlog.Log) []error {
	t, errs := ParseTables(ctx, log, ConfigTablesPath, Conf.Static)
	if len(errs) > 0 {
		return errs
	}
	Conf.SetTables(t)
	log.Info("address tables reloaded", slog.Int("domains", len(t.Domains)))
	return nil
}

// CanonicalLocalpart returns the canonical form of a localpart for lookups:
// an optional catchall separator with remainder is cut off, and for
// case-insensitive domains the result is lowercased.
func CanonicalLocalpart(localpart smtp.Localpart, d config.Domain) smtp.Localpart {
	if d.LocalpartCatchallSeparator != "" {
		s, _, _ := strings.Cut(string(localpart), d.LocalpartCatchallSeparator)
		localpart = smtp.Localpart(s)
	}
	if !d.LocalpartCaseSensitive {
		localpart = smtp.Localpart(strings.ToLower(string(localpart)))
	}
	return localpart
}

// tlsMinVersion maps the MinVersion config string to a crypto/tls version
// constant. The default is TLS 1.2, the lowest version not deprecated by RFC
// 8996.
func tlsMinVersion(s string) (uint16, error) {
	switch s {
	case "":
		return tls.VersionTLS12, nil
	case "TLSv1.0":
		return tls.VersionTLS10, nil
	case "TLSv1.1":
		return tls.VersionTLS11, nil
	case "TLSv1.2":
		return tls.VersionTLS12, nil
	case "TLSv1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unrecognized TLS minimum version %q", s)
}

func loadTLSKeyCerts(configFile, kind string, ctls *config.TLS) error {
	certs := make([]tls.Certificate, 0, len(ctls.KeyCerts))
	for _, kp := range ctls.KeyCerts {
		cert, err := tls.LoadX509KeyPair(configDirPath(configFile, kp.CertFile), configDirPath(configFile, kp.KeyFile))
		if err != nil {
			return fmt.Errorf("tls config for %q: loading x509 key pair: %v", kind, err)
		}
		certs = append(certs, cert)
	}
	ctls.Config = &tls.Config{Certificates: certs}
	return nil
}
