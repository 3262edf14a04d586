// Command dray is a store-and-forward mail transfer agent: it accepts messages
// over SMTP, runs them through configurable content filters, and delivers them
// from a persistent queue, locally for hosted domains and with outgoing SMTP
// for relay domains.
package main

import (
	"cmp"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"slices"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/draymta/dray/config"
	"github.com/draymta/dray/dray-"
	"github.com/draymta/dray/drayvar"
	"github.com/draymta/dray/mlog"
)

var cmds []cmd

func init() {
	reg := func(name string, fn func(c *cmd)) {
		cmds = append(cmds, cmd{parts: strings.Split(name, " "), fn: fn})
	}
	reg("serve", cmdServe)
	reg("checkconf", cmdCheckconf)
	reg("config describe-static", cmdConfigDescribeStatic)
	reg("config describe-tables", cmdConfigDescribeTables)
	reg("config domains", cmdConfigDomains)
	reg("cid", cmdCid)
	reg("version", cmdVersion)
	reg("help", cmdHelp)

	// Hidden from the command list.
	reg("helpall", cmdHelpall)
}

type cmd struct {
	parts []string
	fn    func(c *cmd)

	// Prepared before the command function runs.
	flags   *flag.FlagSet
	rest    []string // Arguments after the command words, parsed by Parse.
	probing bool     // The command function is only run for its params/help registration.

	// Filled in by the command function, or by Parse.
	unlisted bool   // Excluded from the command list, still reachable by full name.
	params   string // Command arguments, can be multiple lines.
	help     string // Starts with a synopsis line, the rest only shows up in explicit help/usage for the command.
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// Usage information is gathered by running the command function until it
	// calls Parse, after it has registered its flags and filled in params and
	// help. This panic unwinds back to probe.
	if c.probing {
		panic("probing usage")
	}

	c.flags.Usage = c.Usage
	c.flags.Parse(c.rest)
	c.args = c.flags.Args()
	return c.args
}

func (c *cmd) probe() {
	c.flags = flag.NewFlagSet("dray "+strings.Join(c.parts, " "), flag.ExitOnError)
	c.probing = true
	defer func() {
		// Only the sentinel from Parse is expected.
		if x := recover(); x != "probing usage" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) usageText() string {
	var sb strings.Builder
	name := "dray " + strings.Join(c.parts, " ")
	params := strings.TrimSpace(c.params)
	for i, line := range strings.Split(params, "\n") {
		lead := ""
		if i == 0 {
			lead = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&sb, "%6s %s%s\n", lead, name, line)
	}
	c.flags.SetOutput(&sb)
	c.flags.PrintDefaults()
	return sb.String()
}

func (c *cmd) Usage() {
	fmt.Fprint(os.Stderr, c.usageText())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Print help for matching commands.

When multiple commands match, each is shown with the synopsis line of its help
text. A single matching command gets its full usage and help text.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	isPrefix := func(words, pre []string) bool {
		return len(pre) <= len(words) && slices.Equal(words[:len(pre)], pre)
	}

	var partial []cmd
	for _, x := range cmds {
		if slices.Equal(x.parts, args) {
			x.probe()
			fmt.Print(x.usageText())
			if x.help != "" {
				fmt.Print("\n" + x.help + "\n")
			}
			return
		}
		if isPrefix(x.parts, args) {
			partial = append(partial, x)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: no such command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, x := range partial {
		x.probe()
		fmt.Println("dray " + strings.Join(x.parts, " "))
		if x.help != "" {
			fmt.Printf("\t%s\n", strings.Split(x.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print the detailed usage and help text of every listed command.

The output is the basis for the command documentation.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	n := 0
	for _, x := range cmds {
		x.probe()
		if x.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintln(os.Stderr)
		}
		n++

		fmt.Fprintf(os.Stderr, "# dray %s\n\n", strings.Join(x.parts, " "))
		if x.help != "" {
			fmt.Fprintln(os.Stderr, x.help+"\n")
		}
		u := "\t" + strings.ReplaceAll(x.usageText(), "\n", "\n\t")
		fmt.Fprintln(os.Stderr, u)
	}
}

func usage(cl []cmd, showUnlisted bool) {
	var lines []string
	if !showUnlisted {
		lines = append(lines, "dray [-config dray.conf] [-loglevel level] ...")
	}
	for _, x := range cl {
		x.probe()
		if x.unlisted && !showUnlisted {
			continue
		}
		for _, params := range strings.Split(x.params, "\n") {
			words := append([]string{"dray"}, x.parts...)
			if params != "" {
				words = append(words, params)
			}
			lines = append(lines, strings.Join(words, " "))
		}
	}
	for i, line := range lines {
		lead := "       "
		if i == 0 {
			lead = "usage: "
		}
		fmt.Fprintln(os.Stderr, lead+line)
	}
	os.Exit(2)
}

var loglevel string // Empty means info.

// applyLogLevel sets the base log level from the -loglevel flag, both early in
// startup and again after a subcommand loaded the config, which would
// otherwise override it with the levels from the config file.
func applyLogLevel() {
	ll := cmp.Or(loglevel, "info")
	level, ok := mlog.Levels[ll]
	if !ok {
		log.Fatalf("invalid loglevel %q", loglevel)
	}
	dray.Conf.Log[""] = level
	mlog.SetConfig(dray.Conf.Log)
}

// mustLoadConfig is for subcommands other than serve. It does not load files
// like TLS keys/certs, and it keeps a loglevel specified on the command-line
// over the loglevels from the config file.
func mustLoadConfig() {
	dray.MustLoadConfig(false)
	applyLogLevel()
}

func main() {
	bg := context.Background()
	dray.Shutdown = bg
	dray.Context = bg

	log.SetFlags(0)

	flag.StringVar(&dray.ConfigStaticPath, "config", cmp.Or(os.Getenv("DRAYCONF"), filepath.FromSlash("dray.conf")), "configuration file, the tables file is looked up in the same directory, defaults to $DRAYCONF with a fallback to dray.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, takes effect early in startup and wins from the log levels in the config file")

	var cpuprofile, memprofile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "write a cpu profile to this file")
	flag.StringVar(&memprofile, "memprof", "", "write a memory profile to this file on exit")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	defer startProfile(cpuprofile, memprofile)()

	applyLogLevel()

	var partial []cmd
next:
	for _, x := range cmds {
		for i, w := range x.parts {
			if i >= len(args) || args[i] != w {
				if i > 0 {
					partial = append(partial, x)
				}
				continue next
			}
		}
		x.flags = flag.NewFlagSet("dray "+strings.Join(x.parts, " "), flag.ExitOnError)
		x.rest = args[len(x.parts):]
		x.log = mlog.New(strings.Join(x.parts, ""), nil)
		x.fn(&x)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

// startProfile starts a cpu profile when cpupath is non-empty. The returned
// stop function also writes a memory profile when mempath is non-empty.
func startProfile(cpupath, mempath string) func() {
	var cpuf *os.File
	if cpupath != "" {
		var err error
		cpuf, err = os.Create(cpupath)
		xcheckf(err, "creating cpu profile file")
		err = pprof.StartCPUProfile(cpuf)
		xcheckf(err, "starting cpu profile")
	}
	return func() {
		if cpuf != nil {
			pprof.StopCPUProfile()
			err := cpuf.Close()
			xcheckf(err, "closing cpu profile file")
		}
		if mempath == "" {
			return
		}
		f, err := os.Create(mempath)
		xcheckf(err, "creating memory profile file")
		defer f.Close()
		runtime.GC() // Get up-to-date statistics.
		err = pprof.WriteHeapProfile(f)
		xcheckf(err, "writing memory profile")
	}
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		log.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func cmdCheckconf(c *cmd) {
	c.help = `Parse and validate the configuration files.

Exits with status 0 when the configuration is valid. Otherwise all errors
found are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := dray.ParseConfig(context.Background(), c.log, dray.ConfigStaticPath, true)
	switch len(errs) {
	case 0:
	case 1:
		log.Printf("%s", errs[0])
		os.Exit(1)
	default:
		log.Printf("%d errors:", len(errs))
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	}
	fmt.Println("config ok")
}

func cmdConfigDescribeStatic(c *cmd) {
	c.params = ">dray.conf"
	c.help = `Print an annotated empty configuration for use as dray.conf.

The static configuration file cannot be reloaded while dray is running. Dray
has to be restarted for changes to the static configuration file to take
effect.

The example needs editing before it is valid, e.g. list items are left
unfinished.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var static config.Static
	err := sconf.Describe(os.Stdout, &static)
	xcheckf(err, "describing static config")
}

func cmdConfigDescribeTables(c *cmd) {
	c.params = ">tables.conf"
	c.help = `Print an annotated empty configuration for use as tables.conf.

The tables configuration file holds the hosted domains with their mailboxes
and aliases, and the content filter rules. It is reloaded on SIGHUP without
restarting: the new tables replace the old atomically, connections always see
one consistent version.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var tables config.Tables
	err := sconf.Describe(os.Stdout, &tables)
	xcheckf(err, "describing tables config")
}

func cmdConfigDomains(c *cmd) {
	c.help = `List the hosted domains from the address tables, one per line.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	mustLoadConfig()
	for _, d := range dray.Conf.Domains() {
		fmt.Println(d)
	}
}

func cmdCid(c *cmd) {
	c.params = "cid"
	c.help = `Turn the unique ID from a Received header back into a cid for log lookups.

A cid is a connection counter, starting over each time dray starts. Every log
line carries the cid of its connection. The Received headers dray adds contain
the cid in encrypted form, so only the admin of the instance can map a header
back to the logs.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	mustLoadConfig()
	keyPath := dray.DataDirPath("receivedid.key")
	keyData, err := os.ReadFile(keyPath)
	xcheckf(err, "reading %s", keyPath)
	if len(keyData) != 16+8 {
		log.Fatalf("%s holds %d bytes, need 16+8=24", keyPath, len(keyData))
	}
	err = dray.ReceivedIDInit(keyData[:16], keyData[16:])
	xcheckf(err, "initializing received id key")

	cid, err := dray.ReceivedToCid(args[0])
	xcheckf(err, "mapping received id to cid")
	fmt.Printf("%d\n", cid)
}

func cmdVersion(c *cmd) {
	c.help = "Print the dray version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(drayvar.Version)
	fmt.Println(runtime.GOOS + "/" + runtime.GOARCH)
}
