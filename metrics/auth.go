package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAuthentication = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dray_authentication_total",
			Help: "Authentication attempts, per protocol, mechanism and outcome.",
		},
		[]string{
			"kind",    // "smtp"
			"variant", // "plain", "login"
			"result",  // "ok", "badcreds", "error", "aborted", "unknownmech"
		},
	)
	metricAuthenticationRatelimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dray_authentication_ratelimited_total",
			Help: "Authentication attempts refused because of earlier failures.",
		},
		[]string{
			"kind", // "smtp"
		},
	)
)

// AuthenticationInc counts an authentication attempt and its outcome.
func AuthenticationInc(kind, variant, result string) {
	metricAuthentication.WithLabelValues(kind, variant, result).Inc()
}

// AuthenticationRatelimitedInc counts an attempt refused by the failure limiter.
func AuthenticationRatelimitedInc(kind string) {
	metricAuthenticationRatelimited.WithLabelValues(kind).Inc()
}
