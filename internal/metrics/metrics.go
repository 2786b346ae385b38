// Package metrics exports Prometheus counters for task lifecycle
// transitions, payouts and upkeep activity.
package metrics

import (
	promclient "github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	taskTransitions *promclient.CounterVec
	payouts         *promclient.CounterVec
	upkeepRuns      promclient.Counter
}

// New registers the vault metrics on reg (DefaultRegisterer when nil).
func New(reg promclient.Registerer) *Metrics {
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}
	m := &Metrics{
		taskTransitions: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: "taskvault",
			Name:      "task_transitions_total",
			Help:      "Task lifecycle transitions by resulting status.",
		}, []string{"status"}),
		payouts: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: "taskvault",
			Name:      "payouts_total",
			Help:      "Credit payouts by ledger entry type.",
		}, []string{"entry_type"}),
		upkeepRuns: promclient.NewCounter(promclient.CounterOpts{
			Namespace: "taskvault",
			Name:      "upkeep_runs_total",
			Help:      "Completed upkeep poll cycles.",
		}),
	}
	reg.MustRegister(m.taskTransitions, m.payouts, m.upkeepRuns)
	return m
}

// All methods are nil-safe so services can run without metrics in tests.

func (m *Metrics) TaskTransition(status string) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Payout(entryType string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(entryType).Inc()
}

func (m *Metrics) UpkeepRun() {
	if m == nil {
		return
	}
	m.upkeepRuns.Inc()
}
