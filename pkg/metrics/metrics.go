// Package metrics exposes scan and lookup counters for Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the motscan metrics. Its methods satisfy
// dvsa.LookupObserver and scanner.Recorder.
type Collector struct {
	// LookupsTotal counts HTTP attempts against the MOT History API by outcome.
	LookupsTotal *prometheus.CounterVec
	// LookupDuration is the latency of a single HTTP attempt.
	LookupDuration *prometheus.HistogramVec
	// ItemsTotal counts vehicles processed by a scan, by final outcome.
	ItemsTotal *prometheus.CounterVec
	// TokenRefreshes counts successful credential exchanges.
	TokenRefreshes prometheus.Counter
	// Inflight is the number of vehicles being worked on right now.
	Inflight prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		LookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "motscan_lookups_total",
				Help: "HTTP attempts against the MOT History API, by outcome.",
			},
			[]string{"outcome"},
		),
		LookupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "motscan_lookup_duration_seconds",
				Help:    "Latency of MOT History API attempts.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		ItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "motscan_scan_items_total",
				Help: "Vehicles processed by scan jobs, by final outcome.",
			},
			[]string{"outcome"},
		),
		TokenRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "motscan_token_refreshes_total",
			Help: "Successful OAuth token exchanges.",
		}),
		Inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "motscan_scan_inflight",
			Help: "Vehicles currently being looked up.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.LookupsTotal, c.LookupDuration, c.ItemsTotal, c.TokenRefreshes, c.Inflight)
	}
	return c
}

func (c *Collector) ObserveLookup(outcome string, elapsed time.Duration) {
	c.LookupsTotal.WithLabelValues(outcome).Inc()
	c.LookupDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (c *Collector) ItemProcessed(outcome string) {
	c.ItemsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) InflightAdd(delta int) {
	c.Inflight.Add(float64(delta))
}

func (c *Collector) TokenRefreshed() {
	c.TokenRefreshes.Inc()
}
