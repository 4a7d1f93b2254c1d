// Package metrics holds the Prometheus instrumentation for the exchange.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every exchange metric. Construct once per process with a
// dedicated registerer so tests can use isolated registries.
type Metrics struct {
	JobsPosted    prometheus.Counter
	JobsAwarded   prometheus.Counter
	Settlements   *prometheus.CounterVec // outcome: completed | failed
	AuthAttempts  *prometheus.CounterVec // result: ok | rejected
	BidsPlaced    prometheus.Counter
	OpenJobs      prometheus.Gauge
	CreditsTotal  prometheus.Gauge
	TapeEvents    prometheus.Counter
}

// New registers all exchange metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsPosted: factory.NewCounter(prometheus.CounterOpts{
			Name: "synapse_jobs_posted_total",
			Help: "Jobs accepted into the book",
		}),
		JobsAwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "synapse_jobs_awarded_total",
			Help: "Contracts formed (direct award or accepted negotiation)",
		}),
		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "synapse_settlements_total",
			Help: "Contract settlements by outcome",
		}, []string{"outcome"}),
		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "synapse_auth_attempts_total",
			Help: "Handshake attempts by result",
		}, []string{"result"}),
		BidsPlaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "synapse_bids_placed_total",
			Help: "Bids accepted into the book",
		}),
		OpenJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "synapse_open_jobs",
			Help: "Jobs currently in the open state",
		}),
		CreditsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "synapse_credits_total",
			Help: "Sum of credits across all ledger accounts",
		}),
		TapeEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "synapse_tape_events_total",
			Help: "Events emitted on the tape",
		}),
	}
}
