package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedRoute labels requests that no chi route matched.
const unmatchedRoute = "unmatched"

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "compose_http_requests_total",
		Help: "HTTP requests served, by route pattern and status code.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "compose_http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	localRunsInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "compose_local_runs_inflight",
		Help: "Local runs started through POST /runs that have not finished.",
	})

	localRunsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "compose_local_runs_total",
		Help: "Local runs finished, by final run state.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(httpRequests, httpDuration, localRunsInflight, localRunsFinished)
}

// metricsMiddleware counts and times requests, labelled by route pattern so
// job and run ids do not become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		path := unmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(code)).Inc()
		httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// observeLocalRun tracks one background run until done is called with the
// state it ended in.
func observeLocalRun() (done func(state string)) {
	localRunsInflight.Inc()
	return func(state string) {
		localRunsInflight.Dec()
		if state == "" {
			state = "unknown"
		}
		localRunsFinished.WithLabelValues(state).Inc()
	}
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
