package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainparse_build_info",
			Help: "Build information of chainparse",
		},
		[]string{"version", "commit", "date"},
	)

	DAGsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainparse_dags_loaded",
			Help: "Number of parse DAGs built from the definitions folder",
		},
	)

	DAGRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainparse_dag_runs_total",
			Help: "Total number of DAG runs",
		},
		[]string{"dag_id", "status"},
	)

	DAGRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainparse_dag_run_duration_seconds",
			Help:    "Duration of DAG runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~9h
		},
		[]string{"dag_id"},
	)

	TaskAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainparse_task_attempts_total",
			Help: "Total number of task attempts",
		},
		[]string{"dag_id", "kind", "status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainparse_task_duration_seconds",
			Help:    "Duration of task attempts",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 16), // 0.1s to ~55 minutes
		},
		[]string{"dag_id", "kind"},
	)

	SensorPokesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainparse_sensor_pokes_total",
			Help: "Total number of sensor pokes",
		},
		[]string{"dag_id", "result"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainparse_notifications_total",
			Help: "Total number of failure notifications sent",
		},
		[]string{"notifier", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainparse_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainparse_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
