// Serialized, retried side effects against the ledger.
//
// Every write the monitor makes goes through Runner.Run with a named
// Resource, which admits one action at a time, and a Policy, which bounds
// retries. The platform throttles writes per account, so the cooldown is
// slept while the resource is still held.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sherlock-bot/sherlock/ledger"

	"golang.org/x/sync/semaphore"
)

// Resource is a named exclusive lock. Unlike sync.Mutex, waiting for it can
// be abandoned by cancelling the context.
type Resource struct {
	Name string
	sem  *semaphore.Weighted
}

func NewResource(name string) *Resource {
	return &Resource{
		Name: name,
		sem:  semaphore.NewWeighted(1),
	}
}

func (r *Resource) Acquire(ctx context.Context) error {
	return r.sem.Acquire(ctx, 1)
}

func (r *Resource) Release() {
	r.sem.Release(1)
}

type Policy struct {
	// retries allowed after the first attempt
	MaxRetries int
	// slept while holding the resource, after a success or a rate limit
	Cooldown time.Duration
	// no retry starts after this much wall-clock time; zero means no limit
	MaxElapsed time.Duration
	// waited after a transient failure, with the resource released
	TransientDelay time.Duration
}

var (
	ReportEditPolicy = Policy{MaxRetries: 10, Cooldown: 20 * time.Second, MaxElapsed: 30 * time.Minute, TransientDelay: 3 * time.Second}
	ReplyPolicy      = Policy{MaxRetries: 10, Cooldown: 20 * time.Second, MaxElapsed: 30 * time.Minute, TransientDelay: 3 * time.Second}
	FlagPolicy       = Policy{MaxRetries: 5, Cooldown: 3 * time.Second, MaxElapsed: 30 * time.Minute, TransientDelay: 3 * time.Second}
	PostCreatePolicy = Policy{MaxRetries: 10, Cooldown: 300 * time.Second, MaxElapsed: 30 * time.Minute, TransientDelay: 3 * time.Second}
)

type Outcome int

const (
	Applied Outcome = iota
	// the ledger already holds an identical write
	AlreadyApplied
	GaveUp
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case AlreadyApplied:
		return "already-applied"
	case GaveUp:
		return "gave-up"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Succeeded is true for both Applied and AlreadyApplied.
func (o Outcome) Succeeded() bool {
	return o == Applied || o == AlreadyApplied
}

type Runner struct {
	Logger *slog.Logger
	// Sleep and Now override the clock, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{Logger: logger}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run performs fn under res until it succeeds, the ledger reports the write
// as a duplicate, or pol gives up. subject identifies the target (usually a
// post) in logs. The returned error is nil exactly when the outcome
// succeeded.
func (r *Runner) Run(ctx context.Context, res *Resource, pol Policy, subject string, fn func(ctx context.Context) error) (Outcome, error) {
	logger := r.Logger.With("resource", res.Name, "subject", subject)
	start := r.now()
	retries := 0
	for {
		if err := res.Acquire(ctx); err != nil {
			actionOutcomes.WithLabelValues(res.Name, Cancelled.String()).Inc()
			return Cancelled, err
		}
		actionAttempts.WithLabelValues(res.Name).Inc()
		err := fn(ctx)
		kind := ledger.KindOf(err)
		if err == nil || kind == ledger.KindRateLimited {
			// cooldown holds the resource; cancellation only shortens it
			_ = r.sleep(ctx, pol.Cooldown)
		}
		res.Release()

		if err == nil {
			actionOutcomes.WithLabelValues(res.Name, Applied.String()).Inc()
			logger.Debug("action applied", "retries", retries)
			return Applied, nil
		}
		if kind == ledger.KindDuplicate {
			actionOutcomes.WithLabelValues(res.Name, AlreadyApplied.String()).Inc()
			logger.Info("action already applied", "retries", retries, "err", err)
			return AlreadyApplied, nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			actionOutcomes.WithLabelValues(res.Name, Cancelled.String()).Inc()
			return Cancelled, err
		}

		elapsed := r.now().Sub(start)
		if retries >= pol.MaxRetries || (pol.MaxElapsed > 0 && elapsed > pol.MaxElapsed) {
			actionOutcomes.WithLabelValues(res.Name, GaveUp.String()).Inc()
			logger.Error("action failed permanently", "retries", retries, "elapsed", elapsed, "kind", kind, "err", err)
			return GaveUp, fmt.Errorf("%s on %s: giving up after %d retries: %w", res.Name, subject, retries, err)
		}
		retries++
		logger.Warn("action failed, retrying", "retry", retries, "kind", kind, "err", err)
		if kind == ledger.KindTransient {
			// give the node time to catch up before trying again
			if err := r.sleep(ctx, pol.TransientDelay); err != nil {
				actionOutcomes.WithLabelValues(res.Name, Cancelled.String()).Inc()
				return Cancelled, err
			}
		}
	}
}
