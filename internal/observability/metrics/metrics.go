package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type collectors struct {
	registry      *prometheus.Registry
	httpRequests  *prometheus.CounterVec
	httpErrors    *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	vaultOps      *prometheus.CounterVec
	vaultLatency  *prometheus.HistogramVec
	triggerJobs   *prometheus.CounterVec
	swapVolumeIn  *prometheus.CounterVec
	swapVolumeOut *prometheus.CounterVec
	ledgerDrift   *prometheus.CounterVec
}

var (
	once sync.Once
	reg  *collectors
)

func registry() *collectors {
	once.Do(func() {
		r := prometheus.NewRegistry()
		c := &collectors{
			registry: r,
			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapvault_http_requests_total",
				Help: "Count of HTTP requests by handler, method and status code.",
			}, []string{"handler", "method", "code"}),
			httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapvault_http_request_errors_total",
				Help: "Count of HTTP requests that ended with a 5xx status.",
			}, []string{"handler", "method"}),
			httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "swapvault_http_request_duration_seconds",
				Help:    "HTTP request latency.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			}, []string{"handler", "method"}),
			vaultOps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapvault_operations_total",
				Help: "Count of vault operations by name and result code.",
			}, []string{"operation", "result"}),
			vaultLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "swapvault_operation_duration_seconds",
				Help:    "Latency of vault operations including external calls.",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),
			triggerJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapvault_trigger_jobs_total",
				Help: "Count of processed trigger jobs by outcome.",
			}, []string{"outcome"}),
			swapVolumeIn: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapvault_swap_amount_in_total",
				Help: "Sum of input amounts swapped per token, in base units.",
			}, []string{"token"}),
			swapVolumeOut: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapvault_swap_amount_out_total",
				Help: "Sum of output amounts received per token, in base units.",
			}, []string{"token"}),
			ledgerDrift: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapvault_ledger_drift_total",
				Help: "Count of rolled back vault operations whose external calls had already settled on chain.",
			}, []string{"operation"}),
		}
		r.MustRegister(
			c.httpRequests,
			c.httpErrors,
			c.httpLatency,
			c.vaultOps,
			c.vaultLatency,
			c.triggerJobs,
			c.swapVolumeIn,
			c.swapVolumeOut,
			c.ledgerDrift,
			prometheus.NewGoCollector(),
		)
		reg = c
	})
	return reg
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c := registry()
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		c.httpErrors.WithLabelValues(handler, method).Inc()
	}
	c.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveVaultOperation records the outcome of a vault operation. result is
// "ok" or the error code returned to the caller.
func ObserveVaultOperation(operation, result string, duration time.Duration) {
	if result == "" {
		result = "ok"
	}
	c := registry()
	c.vaultOps.WithLabelValues(operation, result).Inc()
	c.vaultLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveTriggerJob records how a trigger job ended.
func ObserveTriggerJob(outcome string) {
	registry().triggerJobs.WithLabelValues(outcome).Inc()
}

// ObserveSwapVolume adds executed swap amounts. Amounts that do not fit a
// float64 exactly are still recorded approximately.
func ObserveSwapVolume(tokenIn, tokenOut string, amountIn, amountOut float64) {
	c := registry()
	if amountIn > 0 {
		c.swapVolumeIn.WithLabelValues(tokenIn).Add(amountIn)
	}
	if amountOut > 0 {
		c.swapVolumeOut.WithLabelValues(tokenOut).Add(amountOut)
	}
}

// ObserveLedgerDrift counts a vault operation that rolled back after one of
// its external calls had already settled.
func ObserveLedgerDrift(operation string) {
	registry().ledgerDrift.WithLabelValues(operation).Inc()
}

// Gatherer exposes the underlying registry, mainly for tests.
func Gatherer() prometheus.Gatherer {
	return registry().registry
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry().registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
