// Package metrics holds the Prometheus collectors for lookups, circuit
// rotations and cache I/O on a private registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lookup sources.
const (
	SourceCache   = "cache"
	SourceNetwork = "network"
)

type Metrics struct {
	registry *prometheus.Registry

	LookupsTotal     *prometheus.CounterVec
	LookupDuration   *prometheus.HistogramVec
	LookupErrors     *prometheus.CounterVec
	RateLimitSignals prometheus.Counter
	Rotations        *prometheus.CounterVec
	BudgetExhausted  prometheus.Counter
	StoreErrors      *prometheus.CounterVec
}

// New registers every collector on a fresh registry, so tests and
// concurrent runs never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	buckets := []float64{.005, .05, .25, 1, 2.5, 5, 10, 30, 60, 120}

	return &Metrics{
		registry: reg,
		LookupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "whocache_lookups_total",
			Help: "Lookups by the source that answered them and the record kind",
		}, []string{"source", "kind"}),
		LookupDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "whocache_lookup_duration_seconds",
			Help:    "Wall-clock duration of whole lookup calls",
			Buckets: buckets,
		}, []string{"source"}),
		LookupErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "whocache_lookup_errors_total",
			Help: "Lookups that ended without a record, by reason",
		}, []string{"reason"}),
		RateLimitSignals: f.NewCounter(prometheus.CounterOpts{
			Name: "whocache_rate_limit_signals_total",
			Help: "Provider responses classified as rate limited",
		}),
		Rotations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "whocache_circuit_rotations_total",
			Help: "Circuit rotation requests by outcome",
		}, []string{"outcome"}),
		BudgetExhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "whocache_retry_budget_exhausted_total",
			Help: "Identities that stayed rate limited after every attempt",
		}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "whocache_store_errors_total",
			Help: "Cache failures by operation",
		}, []string{"op"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WriteTextfile dumps the registry in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
