package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Exchange outcomes.
const (
	OutcomeCompleted      = "completed"
	OutcomeBadRequest     = "bad_request"
	OutcomeSubscribeError = "subscribe_error"
	OutcomeReceiveError   = "receive_error"
	OutcomeTimeout        = "timeout"
	OutcomeCanceled       = "canceled"
	OutcomeDraining       = "draining"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "busgate_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	exchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busgate_exchanges_total",
			Help: "Number of HTTP exchanges by outcome",
		},
		[]string{"outcome"},
	)

	exchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "busgate_exchange_duration_seconds",
			Help:    "Time from subscription to reply",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	activeExchanges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "busgate_active_exchanges",
			Help: "Exchanges currently holding a bus subscription",
		},
	)

	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busgate_frames_total",
			Help: "Frame events processed by kind",
		},
		[]string{"kind"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, exchanges, exchangeDuration, activeExchanges, frames)
}

// SetServerBuildInfo sets the build info metric for the server.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordExchange counts a finished exchange and its duration.
func RecordExchange(outcome string, d time.Duration) {
	exchanges.WithLabelValues(outcome).Inc()
	if d > 0 {
		exchangeDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

// ExchangeStarted increments the active exchange gauge.
func ExchangeStarted() { activeExchanges.Inc() }

// ExchangeFinished decrements the active exchange gauge.
func ExchangeFinished() { activeExchanges.Dec() }

// RecordFrame counts a processed frame event of the given kind.
func RecordFrame(kind string) {
	frames.WithLabelValues(kind).Inc()
}
