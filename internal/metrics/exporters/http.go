// Package exporters feeds engine events into the metrics package and serves
// the result.
package exporters

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPHandler returns the Prometheus metrics HTTP handler for every
// promauto-registered metric.
func HTTPHandler() http.Handler {
	return promhttp.Handler()
}
