package exclusion

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"warden/internal/exclusion/matcher"
)

const (
	metricsNamespace = "warden"
	metricsSubsystem = "exclusion"
)

var (
	buildsTotal        *prometheus.CounterVec
	buildDuration      prometheus.Histogram
	snapshotEntries    *prometheus.GaugeVec
	parseWarningsTotal prometheus.Counter
	checksTotal        *prometheus.CounterVec
	cacheVersionGauge  prometheus.Gauge
	metricsOnce        sync.Once
)

// initMetrics registers the cache metrics once per process. Tests get a
// private registry so parallel packages do not collide.
func initMetrics() {
	metricsOnce.Do(func() {
		var registry prometheus.Registerer = prometheus.DefaultRegisterer
		if testing.Testing() {
			registry = prometheus.NewRegistry()
		}

		buildsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "builds_total",
			Help:      "Exclusion cache builds by result.",
		}, []string{"result"})

		buildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "build_duration_seconds",
			Help:      "Wall time of exclusion cache builds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		})

		snapshotEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "snapshot_entries",
			Help:      "Entries held by the published snapshot, by kind.",
		}, []string{"kind"})

		parseWarningsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "parse_warnings_total",
			Help:      "List lines dropped while parsing.",
		})

		checksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "checks_total",
			Help:      "Membership checks by result.",
		}, []string{"result"})

		cacheVersionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "cache_version",
			Help:      "Version of the locally published snapshot.",
		})

		registry.MustRegister(buildsTotal, buildDuration, snapshotEntries, parseWarningsTotal, checksTotal, cacheVersionGauge)
	})
}

func observeBuild(result string, elapsed time.Duration) {
	if buildsTotal != nil {
		buildsTotal.WithLabelValues(result).Inc()
	}
	if buildDuration != nil {
		buildDuration.Observe(elapsed.Seconds())
	}
}

func addParseWarnings(n int) {
	if parseWarningsTotal != nil && n > 0 {
		parseWarningsTotal.Add(float64(n))
	}
}

func observeCheck(matched bool) {
	if checksTotal == nil {
		return
	}
	if matched {
		checksTotal.WithLabelValues("excluded").Inc()
		return
	}
	checksTotal.WithLabelValues("passed").Inc()
}

func observePublish(version int64, counts matcher.Counts) {
	if cacheVersionGauge != nil {
		cacheVersionGauge.Set(float64(version))
	}
	if snapshotEntries == nil {
		return
	}
	snapshotEntries.WithLabelValues("exact").Set(float64(counts.Exact))
	snapshotEntries.WithLabelValues("ipv4_host").Set(float64(counts.IPv4Hosts))
	snapshotEntries.WithLabelValues("ipv4_range").Set(float64(counts.IPv4Ranges))
	snapshotEntries.WithLabelValues("ipv6_host").Set(float64(counts.IPv6Hosts))
	snapshotEntries.WithLabelValues("ipv6_range").Set(float64(counts.IPv6Ranges))
}
