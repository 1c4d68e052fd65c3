package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var blockProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "sherlock_block_duration_sec",
	Help:    "Duration of block processing",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
})

var blockProcessCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sherlock_blocks_processed",
	Help: "Number of blocks processed",
})

var blockErrorCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sherlock_block_errors",
	Help: "Number of blocks which failed processing",
})

var voteCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sherlock_votes_seen",
	Help: "Number of vote operations evaluated",
})

var incidentCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sherlock_incidents",
	Help: "Number of incidents dispatched for a response",
}, []string{"kind"})

var incidentRepeatCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sherlock_incidents_repeated",
	Help: "Number of incidents dropped as already reported today",
}, []string{"kind"})

var offendersToday = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sherlock_offenders_today",
	Help: "Distinct voters with an incident since midnight UTC",
}, []string{"kind"})
