package action

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var actionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sherlock_action_attempts",
	Help: "Number of ledger write attempts, by resource",
}, []string{"resource"})

var actionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sherlock_action_outcomes",
	Help: "Number of finished actions, by resource and outcome",
}, []string{"resource", "outcome"})
