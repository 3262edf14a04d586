package metrics

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"golang.org/x/exp/maps"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/draymta/dray/config"
	"github.com/draymta/dray/dray-"
	"github.com/draymta/dray/mlog"
)

var pending []func()

// Listen binds the internal HTTP endpoints serving prometheus metrics, for
// config listeners with MetricsHTTP enabled. Serving starts with a later call
// to Serve.
func Listen() {
	sorted := maps.Keys(dray.Conf.Static.Listeners)
	sort.Strings(sorted)
	for _, name := range sorted {
		l := dray.Conf.Static.Listeners[name]

		if !l.MetricsHTTP.Enabled {
			continue
		}

		port := config.Port(l.MetricsHTTP.Port, 8010)
		for _, ip := range l.IPs {
			listen1(name, ip, port)
		}
	}
}

func listen1(name, ip string, port int) {
	log := mlog.New("metrics", nil)
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	log.Print("listening for metrics http", slog.String("listener", name), slog.String("address", addr))
	ln, err := dray.Listen(dray.Network(ip), addr)
	if err != nil {
		log.Fatalx("metrics: listen for http", err, slog.String("listener", name))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != "GET" {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><body>metrics are served under <a href="metrics">metrics</a></body></html>`)
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       65 * time.Second,
		ErrorLog:          log.StdLogger(slog.LevelInfo, "metrics http error"),
	}
	pending = append(pending, func() {
		err := srv.Serve(ln)
		log.Fatalx("metrics: serve http", err, slog.String("listener", name))
	})
}

// Serve starts serving on the listeners bound with Listen, a goroutine per
// listener.
func Serve() {
	for _, fn := range pending {
		go fn()
	}
}
