package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	SlotAcquiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slot_acquires_total",
			Help: "Total number of slot acquisition attempts by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)
	ActiveSlots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slots_active",
			Help: "Number of slots currently held per tier",
		},
		[]string{"tier"},
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of LLM requests by tier, dialect, and outcome",
		},
		[]string{"tier", "dialect", "outcome"},
	)
	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"tier", "dialect"},
	)

	EndpointStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "endpoint_starts_total",
			Help: "Total number of inference server process starts",
		},
		[]string{"tier"},
	)
	EndpointStopsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "endpoint_stops_total",
			Help: "Total number of inference server process stops by reason",
		},
		[]string{"tier", "reason"},
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_tasks_total",
			Help: "Total number of orchestrated tasks by terminal status",
		},
		[]string{"status"},
	)
	GoalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_goal_duration_seconds",
			Help:    "End-to-end goal run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
	ParallelBatches = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_parallel_batches",
			Help:    "Distribution of topological batch counts per goal run",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(SlotAcquiresTotal)
	prometheus.MustRegister(ActiveSlots)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(EndpointStartsTotal)
	prometheus.MustRegister(EndpointStopsTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(GoalDuration)
	prometheus.MustRegister(ParallelBatches)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
