package poll

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus collectors updated by the scan cycle.
type Metrics struct {
	cycles           *prometheus.CounterVec
	sourceErrors     *prometheus.CounterVec
	duration         prometheus.Histogram
	listings         prometheus.Gauge
	lastSuccess      prometheus.Gauge
	sent             prometheus.Counter
	deliveryFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkpchecker_scan_cycles_total",
				Help: "Scan cycles by outcome",
			},
			[]string{"result"},
		),
		sourceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkpchecker_source_errors_total",
				Help: "Listing source failures per day and camping option",
			},
			[]string{"day", "camping"},
		),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pkpchecker_scan_cycle_duration_seconds",
			Help:    "Scan cycle latency",
			Buckets: prometheus.DefBuckets,
		}),
		listings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pkpchecker_listings",
			Help: "Listings in the current snapshot",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pkpchecker_last_success_timestamp_seconds",
			Help: "Unix time of the last cycle that completed without error",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pkpchecker_notifications_sent_total",
			Help: "Alerts delivered and recorded in the ledger",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pkpchecker_delivery_failures_total",
			Help: "Batches aborted by a transport error",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.cycles, m.sourceErrors, m.duration, m.listings, m.lastSuccess, m.sent, m.deliveryFailures)
	}
	return m
}
