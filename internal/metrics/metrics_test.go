package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)
	m.OriginRequest("getChangeSet", errors.New("boom"))

	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")); got != 2 {
		t.Fatalf("miss counter = %v", got)
	}
	if got := testutil.ToFloat64(m.originRequests.WithLabelValues("getChangeSet", "error")); got != 1 {
		t.Fatalf("origin error counter = %v", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.CacheLookup(true)
	m.LocksHeld(1)
	m.Conversion("a", "b")
	if m.Registry() != nil {
		t.Fatalf("nil metrics should have nil registry")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.CacheWrite(42)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/-/metrics", nil))
	if !strings.Contains(rec.Body.String(), "csproxy_cache_write_bytes_total 42") {
		t.Fatalf("metrics output missing write bytes:\n%s", rec.Body.String())
	}
}
