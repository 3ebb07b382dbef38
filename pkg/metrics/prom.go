package metrics

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlgate_requests_total",
			Help: "Total number of dispatched requests by endpoint, kind and status",
		},
		[]string{"endpoint", "kind", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlgate_request_duration_seconds",
			Help:    "Duration of dispatched requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "kind"},
	)

	Failures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlgate_failures_total",
			Help: "Total number of failed requests by stage and error kind",
		},
		[]string{"stage", "kind"},
	)

	RouteReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlgate_route_reloads_total",
			Help: "Total number of route table rebuilds by result",
		},
		[]string{"result"},
	)

	ActiveRoutes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlgate_active_routes",
			Help: "Number of endpoints in the active route table",
		},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlgate_cache_hits_total",
			Help: "Total number of result cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlgate_cache_misses_total",
			Help: "Total number of result cache misses",
		},
	)
)

// Unmatched labels requests that resolved to no endpoint.
const Unmatched = "unmatched"

// ObserveRequest records one finished request.
func ObserveRequest(endpoint, kind string, status int, d time.Duration) {
	endpoint = cmp.Or(endpoint, Unmatched)
	kind = cmp.Or(kind, Unmatched)
	Requests.WithLabelValues(endpoint, kind, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(endpoint, kind).Observe(d.Seconds())
}

// ObserveFailure records an error raised by stage.
func ObserveFailure(stage, kind string) {
	Failures.WithLabelValues(stage, kind).Inc()
}

// ObserveReload records a route table rebuild. Routes skipped for invalid
// configuration count as a partial reload.
func ObserveReload(routes, problems int) {
	result := "ok"
	if problems > 0 {
		result = "partial"
	}
	RouteReloads.WithLabelValues(result).Inc()
	ActiveRoutes.Set(float64(routes))
}

type PromServerOpts struct {
	Logger            *zap.Logger
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given options.
// The server shuts down gracefully when ctx is canceled.
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
		effectiveOpts.Logger = opts.Logger
	}
	logger := effectiveOpts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting metrics server", zap.String("addr", effectiveOpts.Addr), zap.String("path", effectiveOpts.Path))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("metrics server shutdown timed out")
		}
	}()
}
