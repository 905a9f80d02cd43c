// Package metrics exposes the broker's Prometheus counters and histograms,
// grounded on the reference broker's internal/observability package
// (fujin_ops_total, fujin_errors_total, connector produce latency).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	framesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stomp_frames_total",
		Help: "Number of frames processed, by command.",
	}, []string{"command"})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stomp_errors_total",
		Help: "Number of faults, by stage.",
	}, []string{"stage", "reason"})

	dispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stomp_dispatch_latency_seconds",
		Help:    "Time to fan a SEND out to its subscribers.",
		Buckets: prometheus.DefBuckets,
	})

	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stomp_active_connections",
		Help: "Number of currently connected sessions.",
	})

	liveTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stomp_transactions_live",
		Help: "Number of currently open transactions, across all connections.",
	})

)

func init() {
	prometheus.MustRegister(framesTotal, errorsTotal, dispatchLatency, activeConnections, liveTransactions)
}

// IncOp increments the frame counter for the given command name.
func IncOp(command string) {
	framesTotal.WithLabelValues(command).Inc()
}

// IncError increments the error counter for the given stage/reason pair.
func IncError(stage, reason string) {
	errorsTotal.WithLabelValues(stage, reason).Inc()
}

// ObserveDispatch records how long one SEND's fan-out took.
func ObserveDispatch(d time.Duration) {
	dispatchLatency.Observe(d.Seconds())
}

// SetActiveConnections reports the current connection count.
func SetActiveConnections(n int) {
	activeConnections.Set(float64(n))
}

// SetLiveTransactions reports the current server-wide live transaction count.
func SetLiveTransactions(n int64) {
	liveTransactions.Set(float64(n))
}

// Handler returns the HTTP handler serving Prometheus's exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
