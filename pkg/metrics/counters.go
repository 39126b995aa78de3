package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Miss reasons.
const (
	MissAbsent  = "absent"
	MissStale   = "stale"
	MissForced  = "forced"
	MissCorrupt = "corrupt"
)

// Counters holds the Prometheus metrics of a cache manager. A nil *Counters
// is valid and records nothing.
type Counters struct {
	Hits        *prometheus.CounterVec
	Misses      *prometheus.CounterVec
	StaleServed *prometheus.CounterVec
	FetchErrors *prometheus.CounterVec
	Evictions   *prometheus.CounterVec
	StoredBytes prometheus.Gauge
}

// NewCounters creates and registers all counters with the provided registry.
func NewCounters(reg prometheus.Registerer) *Counters {
	hits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "openqa_logcache_hits_total",
		Help: "Requests served from a fresh cache entry",
	}, []string{"op"})

	misses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "openqa_logcache_misses_total",
		Help: "Requests that went to the remote service",
	}, []string{"op", "reason"})

	staleServed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "openqa_logcache_stale_served_total",
		Help: "Stale entries served because the remote fetch failed",
	}, []string{"op"})

	fetchErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "openqa_logcache_fetch_errors_total",
		Help: "Failed remote fetches by error code",
	}, []string{"op", "code"})

	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "openqa_logcache_evictions_total",
		Help: "Entries removed by the eviction policy",
	}, []string{"reason"})

	storedBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "openqa_logcache_stored_bytes",
		Help: "Total payload bytes currently cached",
	})

	reg.MustRegister(hits, misses, staleServed, fetchErrors, evictions, storedBytes)

	return &Counters{
		Hits:        hits,
		Misses:      misses,
		StaleServed: staleServed,
		FetchErrors: fetchErrors,
		Evictions:   evictions,
		StoredBytes: storedBytes,
	}
}

// Hit counts a request served from a fresh cache entry.
func (c *Counters) Hit(op string) {
	if c != nil {
		c.Hits.WithLabelValues(op).Inc()
	}
}

// Miss counts a request that had to go to the remote, labelled with why.
func (c *Counters) Miss(op, reason string) {
	if c != nil {
		c.Misses.WithLabelValues(op, reason).Inc()
	}
}

// Stale counts a stale entry served because the remote fetch failed.
func (c *Counters) Stale(op string) {
	if c != nil {
		c.StaleServed.WithLabelValues(op).Inc()
	}
}

// FetchError counts a failed remote fetch by error code.
func (c *Counters) FetchError(op, code string) {
	if c != nil {
		c.FetchErrors.WithLabelValues(op, code).Inc()
	}
}

// Evicted counts an entry removed by the eviction policy.
func (c *Counters) Evicted(reason string) {
	if c != nil {
		c.Evictions.WithLabelValues(reason).Inc()
	}
}

// SetStoredBytes records the current total payload size of the store.
func (c *Counters) SetStoredBytes(n int64) {
	if c != nil {
		c.StoredBytes.Set(float64(n))
	}
}
