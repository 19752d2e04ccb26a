package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jihwankim/promptevo/internal/eventlog"
)

func TestObserveUpdatesGauges(t *testing.T) {
	r := New("0")
	r.Observe(5, eventlog.Summary{
		PendingQueueDepth: 3,
		ParetoSize:        7,
		QDPopulatedBins:   2,
		TotalEvaluations:  40,
		CacheHitRate:      0.75,
		ObjectiveStats:    map[string]eventlog.Stats{"quality": {Mean: 0.5}},
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}).ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`promptevo_round{island="0"} 5`,
		`promptevo_archive_pareto_size{island="0"} 7`,
		`promptevo_archive_qd_populated_bins{island="0"} 2`,
		`promptevo_cache_hit_rate{island="0"} 0.75`,
		`promptevo_pending_queue_depth{island="0"} 3`,
		`promptevo_evaluations_total{island="0"} 40`,
		`promptevo_pareto_objective_mean{island="0",objective="quality"} 0.5`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestObserveAccumulatesCounterAcrossRounds(t *testing.T) {
	r := New("1")
	r.Observe(1, eventlog.Summary{TotalEvaluations: 10, ObjectiveStats: map[string]eventlog.Stats{}})
	r.Observe(2, eventlog.Summary{TotalEvaluations: 25, ObjectiveStats: map[string]eventlog.Stats{}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}).ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), `promptevo_evaluations_total{island="1"} 25`) {
		t.Fatalf("expected cumulative counter to read 25, got:\n%s", rec.Body.String())
	}
}

func TestServerReturnsNilWhenAddrEmpty(t *testing.T) {
	r := New("0")
	if srv := r.Server(""); srv != nil {
		t.Fatal("expected Server to return nil for an empty addr")
	}
}

func TestShutdownIsNoOpOnNilServer(t *testing.T) {
	if err := Shutdown(context.Background(), nil); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
