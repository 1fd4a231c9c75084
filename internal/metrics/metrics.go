// Package metrics exposes Prometheus instrumentation for the session
// pools and the admin server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jthomasson/bookpool/internal/types"
)

var (
	// PoolSize reports the configured target size per pool.
	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bookpool_pool_size",
			Help: "Configured session slots per pool",
		},
		[]string{"pool"},
	)

	// SessionsTotal reports live sessions per pool; drops shrink it.
	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bookpool_sessions_total",
			Help: "Live sessions per pool",
		},
		[]string{"pool"},
	)

	// SessionsAvailable reports ready-queue depth per pool.
	SessionsAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bookpool_sessions_available",
			Help: "Sessions available for checkout per pool",
		},
		[]string{"pool"},
	)

	Acquired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookpool_acquired_total",
			Help: "Successful session checkouts per pool",
		},
		[]string{"pool"},
	)

	Released = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookpool_released_total",
			Help: "Session returns per pool",
		},
		[]string{"pool"},
	)

	Restarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookpool_restarted_total",
			Help: "In-place session restarts per pool",
		},
		[]string{"pool"},
	)

	Dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookpool_dropped_total",
			Help: "Sessions permanently removed from rotation per pool",
		},
		[]string{"pool"},
	)

	Exhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookpool_exhausted_total",
			Help: "Acquire timeouts per pool",
		},
		[]string{"pool"},
	)

	// SourceFallbacks counts labeled acquires that fell through to the
	// general pool.
	SourceFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookpool_source_fallbacks_total",
			Help: "Labeled acquires served by the general pool",
		},
		[]string{"source"},
	)

	AcquireWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookpool_acquire_wait_seconds",
			Help:    "Time spent waiting for a ready session",
			Buckets: []float64{.005, .025, .1, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"pool"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bookpool_build_info",
			Help: "Build metadata, value is always 1",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		PoolSize,
		SessionsTotal,
		SessionsAvailable,
		Acquired,
		Released,
		Restarted,
		Dropped,
		Exhausted,
		SourceFallbacks,
		AcquireWait,
		buildInfo,
	)
}

// SetBuildInfo publishes the version labels once at startup.
func SetBuildInfo(version, goVersion string) {
	buildInfo.WithLabelValues(version, goVersion).Set(1)
}

// Handler serves the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartPoolCollector refreshes the per-pool gauges from a stats snapshot
// at the given interval until stopCh closes. Counters are incremented at
// the call sites; only queue depth and session counts need polling.
func StartPoolCollector(statsFn func() types.ManagerStats, interval time.Duration, stopCh <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				snap := statsFn()
				publish(snap.General.Label, snap.General.PoolStats)
				for _, src := range snap.Sources {
					publish(src.Label, src.PoolStats)
				}
			case <-stopCh:
				return
			}
		}
	}()
}

func publish(label string, ps types.PoolStats) {
	SessionsTotal.WithLabelValues(label).Set(float64(ps.TotalSessions))
	SessionsAvailable.WithLabelValues(label).Set(float64(ps.AvailableSessions))
}
