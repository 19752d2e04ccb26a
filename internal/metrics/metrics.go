// Package metrics exposes the optimizer's per-round summary statistics as
// a Prometheus registry, optionally served over HTTP when metrics_addr is
// configured. It generalizes the teacher's pkg/monitoring/prometheus.Client
// (a thin wrapper reading query results back out of a running Prometheus
// server) from the read side to the write side: registering and updating
// the gauges/counters this process exports.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/jihwankim/promptevo/internal/eventlog"
)

// Registry owns one island's exported gauges and counters.
type Registry struct {
	reg *prometheus.Registry

	round            prometheus.Gauge
	paretoSize       prometheus.Gauge
	qdPopulatedBins  prometheus.Gauge
	cacheHitRate     prometheus.Gauge
	pendingQueue     prometheus.Gauge
	totalEvaluations prometheus.Counter
	objectiveMean    *prometheus.GaugeVec
	lastTotal        float64
}

// New builds a Registry scoped to one island, labeling every metric with
// islandID. Each Registry is its own prometheus.Registry and is exposed
// only through its own Server call.
func New(islandID string) *Registry {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"island": islandID}

	r := &Registry{
		reg: reg,
		round: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace:   "promptevo",
			Name:        "round",
			Help:        "Current round number for this island.",
			ConstLabels: constLabels,
		}),
		paretoSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace:   "promptevo",
			Name:        "archive_pareto_size",
			Help:        "Number of candidates currently on the Pareto frontier.",
			ConstLabels: constLabels,
		}),
		qdPopulatedBins: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace:   "promptevo",
			Name:        "archive_qd_populated_bins",
			Help:        "Number of occupied quality-diversity grid cells.",
			ConstLabels: constLabels,
		}),
		cacheHitRate: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace:   "promptevo",
			Name:        "cache_hit_rate",
			Help:        "Evaluation cache hit rate since process start.",
			ConstLabels: constLabels,
		}),
		pendingQueue: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace:   "promptevo",
			Name:        "pending_queue_depth",
			Help:        "Number of promoted racers carried into the next round.",
			ConstLabels: constLabels,
		}),
		totalEvaluations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   "promptevo",
			Name:        "evaluations_total",
			Help:        "Total (candidate, example) evaluations, cache hits included.",
			ConstLabels: constLabels,
		}),
		objectiveMean: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "promptevo",
			Name:        "pareto_objective_mean",
			Help:        "Mean of an objective across the current Pareto frontier.",
			ConstLabels: constLabels,
		}, []string{"objective"}),
	}
	return r
}

// Observe updates every gauge/counter from one round's eventlog.Summary.
func (r *Registry) Observe(round int, sum eventlog.Summary) {
	r.round.Set(float64(round))
	r.paretoSize.Set(float64(sum.ParetoSize))
	r.qdPopulatedBins.Set(float64(sum.QDPopulatedBins))
	r.cacheHitRate.Set(sum.CacheHitRate)
	r.pendingQueue.Set(float64(sum.PendingQueueDepth))
	r.totalEvaluations.Add(float64(sum.TotalEvaluations) - r.lastTotal)
	r.lastTotal = float64(sum.TotalEvaluations)
	for objective, stats := range sum.ObjectiveStats {
		r.objectiveMean.WithLabelValues(objective).Set(stats.Mean)
	}
}

// Server optionally exposes a Registry over HTTP at addr, returning the
// started *http.Server for the caller to Shutdown. An empty addr disables
// the endpoint entirely and returns nil, matching
// the configuration surface's "empty disables" convention shared with
// other optional paths_config/devoracle settings.
func (r *Registry) Server(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	return srv
}

// Shutdown gracefully stops srv, a no-op if srv is nil (metrics disabled).
func Shutdown(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down metrics server: %w", err)
	}
	return nil
}
