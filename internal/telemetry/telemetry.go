package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var histogramBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// Metrics holds the tool collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	toolCalls      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	upstreamErrors *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appsignal_mcp",
			Name:      "tool_calls_total",
			Help:      "Count of MCP tool invocations by outcome",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "appsignal_mcp",
			Name:      "tool_duration_seconds",
			Help:      "Latency distribution of MCP tool invocations",
			Buckets:   histogramBuckets,
		}, []string{"tool"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appsignal_mcp",
			Name:      "upstream_errors_total",
			Help:      "Count of failed AppSignal API calls by status",
		}, []string{"tool", "status"}),
	}
	m.registry.MustRegister(m.toolCalls, m.toolDuration, m.upstreamErrors)
	return m
}

// ObserveCall records one tool invocation. status is the upstream status
// of a failed call, or 0 when the failure never reached the API.
func (m *Metrics) ObserveCall(tool string, duration time.Duration, failed bool, status int) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.toolCalls.With(prometheus.Labels{"tool": tool, "outcome": outcome}).Inc()
	m.toolDuration.With(prometheus.Labels{"tool": tool}).Observe(duration.Seconds())
	if failed && status > 0 {
		m.upstreamErrors.With(prometheus.Labels{"tool": tool, "status": strconv.Itoa(status)}).Inc()
	}
}

func (m *Metrics) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return r
}

// Serve runs the metrics endpoint until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
