package valuation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sherlock_valuation_cache_hits",
	Help: "Number of reward state lookups served from cache",
})

var cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sherlock_valuation_cache_misses",
	Help: "Number of reward state lookups which refetched from the ledger",
})
