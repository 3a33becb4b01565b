package oracle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promSubmitCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nav",
		Subsystem: "oracle",
		Name:      "submit_count",
		Help:      "Number of NAV submissions by outcome",
	},
		[]string{"status", "reason"},
	)
	promNavRay = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nav",
		Subsystem: "oracle",
		Name:      "committed_nav",
		Help:      "Last committed NAV, ray converted to a float (display only)",
	})
	promNavSequence = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nav",
		Subsystem: "oracle",
		Name:      "committed_sequence",
		Help:      "Commit sequence number of the last accepted submission",
	})
	promEmergencyEnabled = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nav",
		Subsystem: "oracle",
		Name:      "emergency_enabled",
		Help:      "1 while the explicit emergency override is set, else 0",
	})
	promNavAge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nav",
		Subsystem: "oracle",
		Name:      "committed_age_seconds",
		Help:      "Age of the committed NAV record, sampled by the staleness monitor",
	})
)
