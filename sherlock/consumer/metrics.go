package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cursorGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "sherlock_ingest_cursor",
	Help: "Most recent block height submitted for processing",
})

var headGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "sherlock_ledger_irreversible_height",
	Help: "Most recently observed irreversible block height",
})

var healthyGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "sherlock_ledger_healthy",
	Help: "Whether irreversible height polling is succeeding (1) or persistently failing (0)",
})

var heightFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sherlock_ledger_height_failures",
	Help: "Number of failed irreversible height reads",
})
