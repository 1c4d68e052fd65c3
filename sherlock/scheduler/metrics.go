package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var workItemsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sherlock_scheduler_work_items_added_total",
	Help: "Total number of work items added to the pool",
}, []string{"pool"})

var workItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sherlock_scheduler_work_items_processed_total",
	Help: "Total number of work items processed by the pool",
}, []string{"pool"})

var workItemsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sherlock_scheduler_work_items_failed_total",
	Help: "Total number of work items whose handler returned an error",
}, []string{"pool"})

var workItemsQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sherlock_scheduler_work_items_queued",
	Help: "Number of work items waiting for a worker",
}, []string{"pool"})

var workersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sherlock_scheduler_workers_active",
	Help: "Number of workers currently active",
}, []string{"pool"})
