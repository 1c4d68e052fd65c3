package respond

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var responseCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sherlock_responses",
	Help: "Number of incident responses, by action and outcome",
}, []string{"action", "outcome"})

var flagQuotaExhausted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sherlock_flag_quota_exhausted",
	Help: "Number of flags skipped because the daily quota was used up",
})
