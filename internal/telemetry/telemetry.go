// Package telemetry exposes live Prometheus metrics of a running benchmark.
// Persisted summaries remain the measurement of record; these collectors
// exist to watch long sweeps progress.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Metrics struct {
	Registry *prometheus.Registry

	queries        *prometheus.CounterVec
	queryDuration  *prometheus.HistogramVec
	trials         *prometheus.CounterVec
	clients        prometheus.Gauge
	toggleFailures prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "routebench_queries_total",
			Help: "Queries executed by outcome and Dijkstra rank",
		}, []string{"outcome", "rank"}),
		queryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "routebench_query_duration_seconds",
			Help:    "Wall-clock query duration as seen by the trial worker",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 18), // 1ms to ~2min
		}, []string{"outcome"}),
		trials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "routebench_trials_total",
			Help: "Finished trials by status",
		}, []string{"status"}),
		clients: f.NewGauge(prometheus.GaugeOpts{
			Name: "routebench_concurrency_level",
			Help: "Concurrency level of the running trial, 0 when idle",
		}),
		toggleFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "routebench_recording_toggle_failures_total",
			Help: "Remote recording start/stop calls that failed",
		}),
	}
}

func (m *Metrics) QueryFinished(outcome string, rank int, elapsed time.Duration) {
	m.queries.WithLabelValues(outcome, strconv.Itoa(rank)).Inc()
	m.queryDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) TrialStarted(clients int) {
	m.clients.Set(float64(clients))
}

func (m *Metrics) TrialFinished(clients int, status string) {
	m.trials.WithLabelValues(status).Inc()
	m.clients.Set(0)
}

func (m *Metrics) ToggleFailed(n int) {
	m.toggleFailures.Add(float64(n))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, m *Metrics, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
