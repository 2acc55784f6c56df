package issuer

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// instrumentation wraps each top-level route in request-count and latency
// histograms, following dex's server.go Prometheus wiring. A nil Registry
// in Config leaves routes uninstrumented, just as dex skips instrumentation
// when PrometheusRegistry is unset.
type instrumentation struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newInstrumentation(reg prometheus.Registerer) *instrumentation {
	if reg == nil {
		return nil
	}
	in := &instrumentation{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "issuer_http_requests_total",
			Help: "Count of all HTTP requests handled by the issuer.",
		}, []string{"code", "method", "handler"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "issuer_request_duration_seconds",
			Help:    "Latency of issuer HTTP requests.",
			Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"code", "method", "handler"}),
	}
	reg.MustRegister(in.requests, in.duration)
	return in
}

// wrap curries the counter/histogram with the route's name and layers
// promhttp's standard instrumentation middleware around handler. A nil
// receiver (no registry configured) returns handler unchanged.
func (in *instrumentation) wrap(route string, handler http.HandlerFunc) http.HandlerFunc {
	if in == nil {
		return handler
	}
	return promhttp.InstrumentHandlerDuration(
		in.duration.MustCurryWith(prometheus.Labels{"handler": route}),
		promhttp.InstrumentHandlerCounter(
			in.requests.MustCurryWith(prometheus.Labels{"handler": route}),
			handler,
		),
	).ServeHTTP
}
