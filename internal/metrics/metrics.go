package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Runner metrics

	WorkplansGeneratedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workplanner",
		Name:      "workplans_generated_total",
		Help:      "Total workplans inserted by GenerateWorkplans, by job name.",
	}, []string{"name"})

	WorkplansExpiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workplanner",
		Name:      "workplans_expired_total",
		Help:      "Total workplans moved to ERROR by CheckExpiration.",
	}, []string{"name"})

	WorkplansRetriedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workplanner",
		Name:      "workplans_retried_total",
		Help:      "Total workplans moved back to ADD by UpdateErrors.",
	}, []string{"name"})

	FatalBreakerTripsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workplanner",
		Name:      "fatal_breaker_trips_total",
		Help:      "Total times IsAllowedExecute denied execution for a job name.",
	}, []string{"name"})

	GenerateWorkplansDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workplanner",
		Name:      "generate_workplans_duration_seconds",
		Help:      "Duration of one GenerateWorkplans call.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"name"})

	RunnerTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "workplanner",
		Name:      "runner_tick_duration_seconds",
		Help:      "Time taken to drive every configured job definition once.",
		Buckets:   prometheus.DefBuckets,
	})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workplanner",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workplanner",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		WorkplansGeneratedTotal,
		WorkplansExpiredTotal,
		WorkplansRetriedTotal,
		FatalBreakerTripsTotal,
		GenerateWorkplansDuration,
		RunnerTickDuration,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
