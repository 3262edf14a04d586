package main

import (
	cryptorand "crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/draymta/dray/auth"
	"github.com/draymta/dray/dns"
	"github.com/draymta/dray/dray-"
	"github.com/draymta/dray/drayvar"
	"github.com/draymta/dray/metrics"
	"github.com/draymta/dray/mlog"
	"github.com/draymta/dray/queue"
	"github.com/draymta/dray/smtpserver"
)

func cmdServe(c *cmd) {
	c.help = `Start dray, serving SMTP for incoming delivery and submission.

Incoming messages are checked against the address tables, run through the
content filter pipeline and stored in the delivery queue. Delivery agents drain
the queue: into the local spool for hosted domains, with outgoing SMTP for
relayed destinations. The address tables are reloaded on SIGHUP, without
interrupting active connections. SIGUSR1 toggles debug logging.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	log := c.log

	// Debug logging while the config is being loaded.
	dray.Conf.Log[""] = mlog.LevelDebug
	mlog.SetConfig(dray.Conf.Log)

	dray.MustLoadConfig(true)

	drayconf, err := filepath.Abs(dray.ConfigStaticPath)
	log.Check(err, "finding absolute dray.conf path")
	tablesconf, err := filepath.Abs(dray.ConfigTablesPath)
	log.Check(err, "finding absolute tables.conf path")

	log.Print("starting up",
		slog.String("version", drayvar.Version),
		slog.Int("pid", os.Getpid()),
		slog.String("drayconf", drayconf),
		slog.String("tablesconf", tablesconf))

	// The encrypted message IDs in Received headers map back to cids. Their
	// key and random prefix live in the data dir so the IDs stay decodable
	// across restarts.
	keypath := dray.DataDirPath("receivedid.key")
	keybuf, err := os.ReadFile(keypath)
	if err != nil || len(keybuf) != 16+8 {
		keybuf = make([]byte, 16+8)
		if _, err := cryptorand.Read(keybuf); err != nil {
			log.Fatalx("generating key for received message ids", err)
		}
		os.MkdirAll(filepath.Dir(keypath), 0770)
		if err := os.WriteFile(keypath, keybuf, 0660); err != nil {
			log.Fatalx("writing key for received message ids", err, slog.String("path", keypath))
		}
	}
	if err := dray.ReceivedIDInit(keybuf[:16], keybuf[16:]); err != nil {
		log.Fatalx("initializing received message ids", err)
	}

	if err := start(); err != nil {
		log.Fatalx("start", err)
	}
	log.Print("ready to serve")

	// Reload tables on SIGHUP, toggle debug logging on SIGUSR1, shut down
	// gracefully on interrupt/termination.
	baseLevel := dray.Conf.LogLevels()[""]
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	for {
		sig := <-sigc
		switch sig {
		case syscall.SIGHUP:
			log.Print("reloading address tables after sighup")
			for _, err := range dray.ReloadTables(dray.Context, log) {
				log.Errorx("reloading address tables, keeping previous tables", err)
			}
		case syscall.SIGUSR1:
			level := mlog.LevelDebug
			if dray.Conf.LogLevels()[""] == mlog.LevelDebug {
				level = baseLevel
			}
			dray.Conf.LogLevelSet(log, "", level)
		default:
			log.Print("shutting down, waiting max 3s for existing connections", slog.Any("signal", sig))
			shutdown(log)
			code := 1
			if num, ok := sig.(syscall.Signal); ok {
				code = int(num)
			}
			os.Exit(code)
		}
	}
}

// start initializes all packages, binds the network listeners, starts the
// queue processes and begins serving, then returns.
func start() error {
	smtpserver.Listen()
	metrics.Listen()

	auth.StartAuthCache()

	// Delivery, post-queue filter and cleanup loop each send on done during
	// shutdown.
	done := make(chan struct{}, 3)
	if err := queue.Start(dns.StrictResolver{Pkg: "queue"}, done); err != nil {
		return fmt.Errorf("queue start: %s", err)
	}

	smtpserver.Serve()
	metrics.Serve()
	return nil
}

func shutdown(log mlog.Log) {
	// From here on, new connections and new SMTP commands are rejected, which
	// ends most active connections within one command.
	dray.ShutdownCancel()

	// Connections get up to 3 seconds to drain on their own.
	done := dray.Connections.Done()
	second := time.After(time.Second)
	select {
	case <-done:
		log.Print("connections done, waiting out the last second")
		<-second

	case <-time.After(3 * time.Second):
		// Cancel pending operations and set immediate deadlines on the
		// sockets. The resulting i/o errors make connections clean up.
		dray.ContextCancel()
		dray.Connections.Shutdown()

		second := time.After(time.Second)
		select {
		case <-done:
			log.Print("connections done after deadline, waiting out the last second")
			<-second // Delivery attempts get this second to clean up.
		case <-second:
			log.Print("shutting down with sockets still open")
		}
	}
	queue.Shutdown()
}
