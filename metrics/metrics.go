// Package metrics exports the outcomes of request dispatches to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ridge/hserve/serve"
)

const namespace = "hserve"

// Observer implements serve.Observer with Prometheus counters
type Observer struct {
	dispatched    prometheus.Counter
	completed     *prometheus.CounterVec
	handlerErrors prometheus.Counter
	upgrades      *prometheus.CounterVec
	abnormal      prometheus.Counter
}

// New creates an Observer and registers its collectors
func New(reg prometheus.Registerer) *Observer {
	o := &Observer{
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_dispatched_total",
			Help:      "Requests handed to a handler.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_completed_total",
			Help:      "Requests completed, by body kind and status code.",
		}, []string{"body", "code"}),
		handlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Handler calls that failed or panicked.",
		}),
		upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upgrades_total",
			Help:      "Connections taken over from HTTP, by kind.",
		}, []string{"kind"}),
		abnormal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "abnormal_exits_total",
			Help:      "Dispatches that terminated the server.",
		}),
	}
	reg.MustRegister(o.dispatched, o.completed, o.handlerErrors, o.upgrades, o.abnormal)
	return o
}

// Dispatched implements serve.Observer
func (o *Observer) Dispatched() {
	o.dispatched.Inc()
}

// Completed implements serve.Observer
func (o *Observer) Completed(kind serve.BodyKind, status int) {
	o.completed.WithLabelValues(string(kind), strconv.Itoa(status)).Inc()
}

// HandlerFailed implements serve.Observer
func (o *Observer) HandlerFailed(err error) {
	o.handlerErrors.Inc()
}

// Upgraded implements serve.Observer
func (o *Observer) Upgraded(kind string) {
	o.upgrades.WithLabelValues(kind).Inc()
}

// Abnormal implements serve.Observer
func (o *Observer) Abnormal(err error) {
	o.abnormal.Inc()
}

// Handler serves the metrics gathered by g in the exposition format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

var _ serve.Observer = (*Observer)(nil)
