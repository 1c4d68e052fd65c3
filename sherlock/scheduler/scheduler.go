// Fixed-size worker pool for block heights.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var ErrShutdown = errors.New("scheduler is shut down")

// Scheduler runs work on a fixed number of workers, fed from a bounded queue.
// AddWork blocks only when the queue is full.
type Scheduler struct {
	maxConcurrency int
	maxQueue       int

	do func(context.Context, int64) error

	ctx    context.Context
	feeder chan int64
	wg     sync.WaitGroup

	lk     sync.RWMutex
	closed bool

	ident string

	// metrics
	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsFailed    prometheus.Counter
	itemsQueued    prometheus.Gauge
	workersActive  prometheus.Gauge

	log *slog.Logger
}

// NewScheduler starts maxC workers which call do with ctx. Cancelling ctx
// lets in-flight work observe the cancellation; Shutdown still waits for
// workers to return.
func NewScheduler(ctx context.Context, maxC, maxQ int, ident string, do func(context.Context, int64) error) *Scheduler {
	if maxC < 1 {
		maxC = 1
	}
	if maxQ < 0 {
		maxQ = 0
	}
	p := &Scheduler{
		maxConcurrency: maxC,
		maxQueue:       maxQ,

		do: do,

		ctx:    ctx,
		feeder: make(chan int64, maxQ),

		ident: ident,

		itemsAdded:     workItemsAdded.WithLabelValues(ident),
		itemsProcessed: workItemsProcessed.WithLabelValues(ident),
		itemsFailed:    workItemsFailed.WithLabelValues(ident),
		itemsQueued:    workItemsQueued.WithLabelValues(ident),
		workersActive:  workersActive.WithLabelValues(ident),

		log: slog.Default().With("system", "scheduler", "pool", ident),
	}

	p.wg.Add(maxC)
	for i := 0; i < maxC; i++ {
		go p.worker()
	}

	p.workersActive.Set(float64(maxC))

	return p
}

// AddWork queues a height. It returns early if ctx is cancelled while
// waiting for queue space.
func (p *Scheduler) AddWork(ctx context.Context, height int64) error {
	p.lk.RLock()
	defer p.lk.RUnlock()
	if p.closed {
		return ErrShutdown
	}

	select {
	case p.feeder <- height:
		p.itemsAdded.Inc()
		p.itemsQueued.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting work, lets queued work drain, and waits for the
// workers to exit.
func (p *Scheduler) Shutdown() {
	p.log.Info("shutting down scheduler")

	p.lk.Lock()
	if !p.closed {
		p.closed = true
		close(p.feeder)
	}
	p.lk.Unlock()

	p.wg.Wait()
	p.workersActive.Set(0)

	p.log.Info("scheduler shutdown complete")
}

func (p *Scheduler) worker() {
	defer p.wg.Done()
	for height := range p.feeder {
		p.itemsQueued.Dec()
		if err := p.do(p.ctx, height); err != nil {
			p.itemsFailed.Inc()
			p.log.Error("work item failed", "height", height, "err", err)
		}
		p.itemsProcessed.Inc()
	}
}
