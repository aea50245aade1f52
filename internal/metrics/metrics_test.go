package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.IncrementInserted()
	m.IncrementInserted()
	m.IncrementDeleted()
	m.IncrementConflicts()
	m.AddSynced(3)
	m.AddSynced(0)

	if got := testutil.ToFloat64(m.CountriesInserted); got != 2 {
		t.Fatalf("expected 2 inserts, got %v", got)
	}
	if got := testutil.ToFloat64(m.CountriesDeleted); got != 1 {
		t.Fatalf("expected 1 delete, got %v", got)
	}
	if got := testutil.ToFloat64(m.Conflicts); got != 1 {
		t.Fatalf("expected 1 conflict, got %v", got)
	}
	if got := testutil.ToFloat64(m.CountriesSynced); got != 3 {
		t.Fatalf("expected 3 synced, got %v", got)
	}
}

func TestObserveOperation(t *testing.T) {
	m := New()
	m.ObserveOperation("countries.list", "ok", time.Now())
	m.ObserveOperation("countries.list", "error", time.Now())
	m.ObserveOperation("countries.list", "ok", time.Now())

	if got := testutil.ToFloat64(m.Operations.WithLabelValues("countries.list", "ok")); got != 2 {
		t.Fatalf("expected 2 ok operations, got %v", got)
	}
	if count := testutil.CollectAndCount(m.OperationDuration); count != 1 {
		t.Fatalf("expected one histogram series, got %d", count)
	}
}

func TestIndependentInstancesDoNotCollide(t *testing.T) {
	first := New()
	second := New()
	first.IncrementInserted()
	if got := testutil.ToFloat64(second.CountriesInserted); got != 0 {
		t.Fatalf("expected isolated registries, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.IncrementInserted()

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	body, _ := io.ReadAll(recorder.Body)
	if !strings.Contains(string(body), "haveibeento_countries_inserted_total 1") {
		t.Fatalf("expected inserted counter in exposition, got %s", body)
	}
}
