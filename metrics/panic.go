// Package metrics holds prometheus metrics shared between packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dray_panic_total",
		Help: "Unhandled panics that were caught, per package.",
	},
	[]string{"pkg"},
)

// PanicInc counts a recovered panic attributed to pkg.
func PanicInc(pkg string) {
	metricPanic.WithLabelValues(pkg).Inc()
}
