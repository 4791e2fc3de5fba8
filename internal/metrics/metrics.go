// Package metrics exposes Prometheus instruments for the cache subsystem.
// Routine misses are counted here instead of logged so storage pressure is
// visible without log noise.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Eviction reasons.
const (
	ReasonCapacity = "capacity"
	ReasonQuota    = "quota"
	ReasonExpired  = "expired"
	ReasonCorrupt  = "corrupt"
	ReasonCleanup  = "cleanup"
)

var (
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubescope_cache_hits_total",
			Help: "Total cache lookups that returned a live entry",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubescope_cache_misses_total",
			Help: "Total cache lookups that found nothing usable",
		},
		[]string{"cache"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubescope_cache_evictions_total",
			Help: "Total entries removed by the cache itself",
		},
		[]string{"cache", "reason"},
	)

	StorageQuotaExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubescope_storage_quota_exceeded_total",
			Help: "Total writes rejected by the storage byte budget",
		},
		[]string{"cache"},
	)

	DroppedWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubescope_cache_dropped_writes_total",
			Help: "Total writes abandoned after eviction and cleanup retries",
		},
		[]string{"cache"},
	)

	QuotaResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubescope_quota_resets_total",
			Help: "Total lazy resets applied to API usage counters",
		},
		[]string{"counter"},
	)

	QuotaUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tubescope_quota_used",
			Help: "Locally tracked API usage at last read",
		},
		[]string{"counter"},
	)

	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubescope_sweep_runs_total",
			Help: "Total background expiry sweeps per cache",
		},
		[]string{"cache"},
	)

	SweptEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubescope_swept_entries_total",
			Help: "Total entries removed by background expiry sweeps",
		},
		[]string{"cache"},
	)

	SettingsCryptoFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubescope_settings_crypto_failures_total",
			Help: "Total credential encrypt/decrypt failures",
		},
		[]string{"op"},
	)
)

func RecordHit(cache string)  { CacheHits.WithLabelValues(cache).Inc() }
func RecordMiss(cache string) { CacheMisses.WithLabelValues(cache).Inc() }

func RecordEviction(cache, reason string) {
	CacheEvictions.WithLabelValues(cache, reason).Inc()
}

func RecordQuotaExceeded(cache string) { StorageQuotaExceeded.WithLabelValues(cache).Inc() }
func RecordDroppedWrite(cache string)  { DroppedWrites.WithLabelValues(cache).Inc() }

func RecordQuotaReset(counter string) { QuotaResets.WithLabelValues(counter).Inc() }

func SetQuotaUsage(counter string, used int) {
	QuotaUsage.WithLabelValues(counter).Set(float64(used))
}

func RecordSweep(cache string, removed int) {
	SweepRuns.WithLabelValues(cache).Inc()
	SweptEntries.WithLabelValues(cache).Add(float64(removed))
}

func RecordCryptoFailure(op string) { SettingsCryptoFailures.WithLabelValues(op).Inc() }
