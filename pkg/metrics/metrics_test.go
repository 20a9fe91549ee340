package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveLookup("success", 120*time.Millisecond)
	c.ObserveLookup("rate_limited", 5*time.Millisecond)
	c.ObserveLookup("success", 80*time.Millisecond)
	c.ItemProcessed("not_found")
	c.TokenRefreshed()
	c.InflightAdd(3)
	c.InflightAdd(-1)

	if got := testutil.ToFloat64(c.LookupsTotal.WithLabelValues("success")); got != 2 {
		t.Fatalf("expected 2 successful lookups, got %v", got)
	}
	if got := testutil.ToFloat64(c.ItemsTotal.WithLabelValues("not_found")); got != 1 {
		t.Fatalf("expected 1 not_found item, got %v", got)
	}
	if got := testutil.ToFloat64(c.TokenRefreshes); got != 1 {
		t.Fatalf("expected 1 refresh, got %v", got)
	}
	if got := testutil.ToFloat64(c.Inflight); got != 2 {
		t.Fatalf("expected 2 in flight, got %v", got)
	}
	if n := testutil.CollectAndCount(c.LookupDuration); n != 2 {
		t.Fatalf("expected 2 histogram series, got %d", n)
	}
}

func TestNewWithoutRegistry(t *testing.T) {
	c := New(nil)
	c.ItemProcessed("success")
	if got := testutil.ToFloat64(c.ItemsTotal.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
}
