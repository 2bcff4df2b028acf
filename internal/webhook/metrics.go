package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics mirrors DispatcherState (spec §3) as Prometheus instruments, so
// the health server's /metrics endpoint exposes the same counters the
// dispatcher tracks internally.
type metrics struct {
	totalForwarded      prometheus.Counter
	totalFailed         prometheus.Counter
	consecutiveFailures prometheus.Gauge
	circuitOpen         prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		totalForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "mail_laser_webhook_forwarded_total",
			Help: "Messages successfully delivered to the webhook endpoint.",
		}),
		totalFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mail_laser_webhook_failed_total",
			Help: "Messages that exhausted retries, were dropped by the circuit breaker, or were dropped because the inbox was full.",
		}),
		consecutiveFailures: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mail_laser_webhook_consecutive_failures",
			Help: "Current count of consecutive delivery failures.",
		}),
		circuitOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mail_laser_webhook_circuit_open",
			Help: "1 if the circuit breaker is currently open, 0 otherwise.",
		}),
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
