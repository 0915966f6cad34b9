// Package metrics exposes fulfillment pass metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"brokersim/internal/domain"
)

const namespace = "brokersim"

// Recorder collects fulfillment metrics on its own registry. It satisfies
// engine.Observer.
type Recorder struct {
	registry *prometheus.Registry

	passes          *prometheus.CounterVec
	passDuration    prometheus.Histogram
	lastPass        prometheus.Gauge
	ordersEvaluated *prometheus.CounterVec
	fills           *prometheus.CounterVec
	fillNotional    *prometheus.CounterVec
}

// NewRecorder creates a Recorder with its collectors registered, plus the Go
// runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Fulfillment passes by result (ok, error, skipped).",
		}, []string{"result"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Wall time of fulfillment passes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		lastPass: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_pass_timestamp_seconds",
			Help:      "Unix time the last fulfillment pass completed.",
		}),
		ordersEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_evaluated_total",
			Help:      "Orders evaluated by outcome.",
		}, []string{"outcome"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_total",
			Help:      "Settled fills by side and resulting order status.",
		}, []string{"side", "status"}),
		fillNotional: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fill_notional_total",
			Help:      "Cash value of settled fills by side.",
		}, []string{"side"}),
	}
	r.registry.MustRegister(
		r.passes, r.passDuration, r.lastPass, r.ordersEvaluated, r.fills, r.fillNotional,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PassCompleted records a finished pass.
func (r *Recorder) PassCompleted(result string, elapsed time.Duration) {
	r.passes.WithLabelValues(result).Inc()
	if result != "skipped" {
		r.passDuration.Observe(elapsed.Seconds())
	}
	r.lastPass.SetToCurrentTime()
}

// OrderEvaluated records one order outcome.
func (r *Recorder) OrderEvaluated(outcome string) {
	r.ordersEvaluated.WithLabelValues(outcome).Inc()
}

// FillSettled records one settled fill.
func (r *Recorder) FillSettled(side domain.OrderSide, status domain.OrderStatus, notional float64) {
	r.fills.WithLabelValues(string(side), string(status)).Inc()
	if notional > 0 {
		r.fillNotional.WithLabelValues(string(side)).Add(notional)
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr.
func (r *Recorder) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
