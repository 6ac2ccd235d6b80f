// Package scanmetrics exposes Prometheus counters and a duration
// histogram for scan progress: a small struct of pre-registered collectors passed into the
// component that uses them, rather than reaching for prometheus' global
// default registry.
package scanmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the collectors one scan orchestrator run reports to.
type Metrics struct {
	IndicatorsScanned prometheus.Counter
	MatchesTotal      prometheus.Counter
	PagesTotal        prometheus.Counter
	PausedTotal       prometheus.Counter
	ScanDuration      prometheus.Histogram
}

// New registers a fresh set of collectors on reg and returns them. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the
// default global registry across test cases.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IndicatorsScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatscan_indicators_scanned_total",
			Help: "Indicators examined across all scan runs.",
		}),
		MatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatscan_matches_total",
			Help: "New event matches attributed to indicators across all scan runs.",
		}),
		PagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatscan_pages_total",
			Help: "Indicator pages processed across all scan runs.",
		}),
		PausedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatscan_scan_paused_total",
			Help: "Scan runs that paused before exhausting the indicator cursor.",
		}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "threatscan_scan_duration_seconds",
			Help:    "Wall-clock duration of a scan run.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.IndicatorsScanned, m.MatchesTotal, m.PagesTotal, m.PausedTotal, m.ScanDuration)
	return m
}
