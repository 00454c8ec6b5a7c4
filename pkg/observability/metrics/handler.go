// Package metrics exposes the process Prometheus metrics. The engine, the jobs runtime and the
// scheduler register their collectors with the default registerer through promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves every collector registered with the default Prometheus registry.
func Handler() http.Handler {
	return HandlerFor(prometheus.DefaultGatherer)
}

// HandlerFor serves the metrics of gatherer in Prometheus text format. Collection errors are
// reported in the response rather than failing the scrape.
func HandlerFor(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}
