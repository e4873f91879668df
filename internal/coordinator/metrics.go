package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the coordinator's Prometheus collectors, exposed by the
// status server under /metrics.
type Metrics struct {
	BarsProcessed     *prometheus.CounterVec
	SessionActive     prometheus.Gauge
	ActiveSymbols     prometheus.Gauge
	SimTime           prometheus.Gauge
	ProvisionFailures prometheus.Counter
	GapsDetected      prometheus.Counter
	LagDeactivations  prometheus.Counter
}

// NewMetrics registers the coordinator collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BarsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "bars_processed_total",
			Help:      "Base bars delivered through the streaming loop.",
		}, []string{"symbol"}),
		SessionActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessiond",
			Name:      "session_active",
			Help:      "1 while the session is visible to external readers.",
		}),
		ActiveSymbols: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessiond",
			Name:      "active_symbols",
			Help:      "Symbols currently provisioned in the session store.",
		}),
		SimTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessiond",
			Name:      "simulated_time_seconds",
			Help:      "Current simulated time as a Unix timestamp (backtest).",
		}),
		ProvisionFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "provision_failures_total",
			Help:      "Symbols dropped by failed provisioning.",
		}),
		GapsDetected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "gaps_detected_total",
			Help:      "Bar gaps detected by quality scoring.",
		}),
		LagDeactivations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "lag_deactivations_total",
			Help:      "Sessions deactivated by the lag watchdog.",
		}),
	}
}
