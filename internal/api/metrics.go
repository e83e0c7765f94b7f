package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtask_http_requests_total",
			Help: "HTTP requests by method, route pattern and status. Viewer sockets count as 101.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowtask_http_request_duration_seconds",
			Help:    "Duration of plain HTTP requests, excluding viewer sockets.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowtask_http_requests_in_flight",
		Help: "Requests currently being served, including open viewer sockets.",
	})

	viewerSessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowtask_viewer_session_duration_seconds",
		Help:    "Lifetime of live-viewer websocket sessions.",
		Buckets: []float64{1, 5, 30, 60, 300, 900, 3600},
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInFlight, viewerSessionDuration)
}

// metricsMiddleware records every request under its chi route pattern. A
// viewer socket runs for the whole session, so it feeds the session histogram
// instead of the request one.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		upgrade := websocket.IsWebSocketUpgrade(r)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		switch {
		case status == 0 && upgrade:
			// The 101 went out on the hijacked connection.
			status = http.StatusSwitchingProtocols
		case status == 0:
			status = http.StatusOK
		}

		route := routePattern(r)
		if status == http.StatusSwitchingProtocols {
			viewerSessionDuration.Observe(time.Since(start).Seconds())
		} else {
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
