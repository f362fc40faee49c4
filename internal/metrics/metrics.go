// Package metrics exposes the relay's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectorsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connectors_connected",
		Help: "Number of currently authenticated connector sessions.",
	})

	modelRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_model_requests_total",
			Help: "Requests routed per model, by outcome.",
		},
		[]string{"model", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "End-to-end duration of chat completion requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model", "stream"},
	)

	inFlightRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_inflight_requests",
		Help: "Number of requests currently in flight across all sessions.",
	})
)

func init() {
	prometheus.MustRegister(connectorsConnected, modelRequests, requestDuration, inFlightRequests)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler { return promhttp.Handler() }

// ConnectorConnected/ConnectorDisconnected track session count.
func ConnectorConnected()    { connectorsConnected.Inc() }
func ConnectorDisconnected() { connectorsConnected.Dec() }

// RequestStarted/RequestFinished track the in-flight gauge.
func RequestStarted()  { inFlightRequests.Inc() }
func RequestFinished() { inFlightRequests.Dec() }

// RecordRequest records a completed request's outcome and duration.
func RecordRequest(model, outcome string, stream bool, d time.Duration) {
	modelRequests.WithLabelValues(model, outcome).Inc()
	streamLabel := "false"
	if stream {
		streamLabel = "true"
	}
	requestDuration.WithLabelValues(model, streamLabel).Observe(d.Seconds())
}
