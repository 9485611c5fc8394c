// Package metrics exposes cache activity as Prometheus series, following
// the teacher pack's internal/metrics package: package-level collectors
// registered once in init, and a small recorder type wired into the
// domain packages that need to report events.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cacheserver_hits_total",
		Help: "Total number of cache reads that found a live, non-expired entry.",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cacheserver_misses_total",
		Help: "Total number of cache reads that found no entry.",
	})
	CacheCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cacheserver_created_total",
		Help: "Total number of successful Create operations.",
	})
	CacheUpdatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cacheserver_updated_total",
		Help: "Total number of successful Update operations.",
	})
	CacheDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cacheserver_deleted_total",
		Help: "Total number of successful Delete operations.",
	})
	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cacheserver_evictions_total",
		Help: "Total number of entries removed by LFU eviction.",
	})
	CacheExpirationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cacheserver_expirations_total",
		Help: "Total number of entries removed because their TTL elapsed.",
	})
	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cacheserver_entries",
		Help: "Current number of live entries in the cache.",
	})
	SubscribersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cacheserver_subscribers",
		Help: "Current number of connected clients with a non-empty subscription set.",
	})
	ConnectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cacheserver_connections",
		Help: "Current number of open client connections.",
	})
)

func init() {
	prometheus.MustRegister(
		CacheHitsTotal,
		CacheMissesTotal,
		CacheCreatedTotal,
		CacheUpdatedTotal,
		CacheDeletedTotal,
		CacheEvictionsTotal,
		CacheExpirationsTotal,
		CacheEntries,
		SubscribersGauge,
		ConnectionsGauge,
	)
}

// Recorder implements internal/cache.Metrics, internal/pubsub.Metrics,
// and internal/session.Metrics against the collectors above, so one
// value can be wired into every component that reports an event.
type Recorder struct{}

func (Recorder) Hit()     { CacheHitsTotal.Inc() }
func (Recorder) Miss()    { CacheMissesTotal.Inc() }
func (Recorder) Created() { CacheCreatedTotal.Inc() }
func (Recorder) Updated() { CacheUpdatedTotal.Inc() }
func (Recorder) Deleted() { CacheDeletedTotal.Inc() }
func (Recorder) Evicted() { CacheEvictionsTotal.Inc() }
func (Recorder) Expired() { CacheExpirationsTotal.Inc() }

func (Recorder) SetEntries(n int) { CacheEntries.Set(float64(n)) }

func (Recorder) SetSubscribers(n int) { SubscribersGauge.Set(float64(n)) }

func (Recorder) ConnectionOpened() { ConnectionsGauge.Inc() }
func (Recorder) ConnectionClosed() { ConnectionsGauge.Dec() }
