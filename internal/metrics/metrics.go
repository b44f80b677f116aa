// Package metrics provides Prometheus instrumentation for the UPL registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts registry operations, partitioned by operation
	// name and result (ok / error code).
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upl_operations_total",
		Help: "Total number of registry operations",
	}, []string{"op", "result"})

	// ActiveUpls tracks the size of the active collection.
	ActiveUpls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "upl_active_total",
		Help: "Number of UPLs in the active collection",
	})

	// ArchivedUpls tracks the size of the archive collection.
	ArchivedUpls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "upl_archived_total",
		Help: "Number of UPLs in the archive collection",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "upl_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upl_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "upl_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Record counts one registry operation outcome.
func Record(op, result string) {
	OperationsTotal.WithLabelValues(op, result).Inc()
}

// SetCollectionSizes refreshes the collection gauges.
func SetCollectionSizes(active, archived int) {
	ActiveUpls.Set(float64(active))
	ArchivedUpls.Set(float64(archived))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Collapse id segments so every /upl/{id}/... request lands on
		// one label value.
		path := routeShape(r.URL.Path)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routeShape replaces numeric path segments with a placeholder so every
// /upl/{id}/... request lands on one label value.
func routeShape(path string) string {
	out := make([]byte, 0, len(path))
	i := 0
	for i < len(path) {
		if path[i] != '/' {
			out = append(out, path[i])
			i++
			continue
		}
		j := i + 1
		numeric := j < len(path)
		for j < len(path) && path[j] != '/' {
			if path[j] < '0' || path[j] > '9' {
				numeric = false
			}
			j++
		}
		if numeric && j > i+1 {
			out = append(out, "/{id}"...)
		} else {
			out = append(out, path[i:j]...)
		}
		i = j
	}
	return string(out)
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards flushes so streaming responses keep working through the
// middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
