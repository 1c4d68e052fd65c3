package action

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sherlock-bot/sherlock/ledger"

	"github.com/stretchr/testify/assert"
)

// fakeClock records requested sleeps and advances time by them.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func testRunner() (*Runner, *fakeClock) {
	clk := &fakeClock{now: time.Date(2018, 1, 8, 0, 0, 0, 0, time.UTC)}
	return &Runner{Logger: slog.Default(), Sleep: clk.Sleep, Now: clk.Now}, clk
}

func rateLimited() error {
	return ledger.DecodeError(500, "You may only comment once every 20 seconds.")
}

func TestRunDuplicateStops(t *testing.T) {
	assert := assert.New(t)
	r, clk := testRunner()

	attempts := 0
	out, err := r.Run(context.Background(), NewResource("reply"), ReplyPolicy, "@bob/hello", func(ctx context.Context) error {
		attempts++
		return ledger.DecodeError(500, "Duplicate transaction check failed")
	})
	assert.NoError(err)
	assert.Equal(AlreadyApplied, out)
	assert.True(out.Succeeded())
	assert.Equal(1, attempts)
	assert.Empty(clk.sleeps)
}

func TestRunRateLimitedThenSuccess(t *testing.T) {
	assert := assert.New(t)

	for _, n := range []int{0, 1, 4, 10} {
		r, clk := testRunner()
		attempts := 0
		out, err := r.Run(context.Background(), NewResource("report-edit"), ReportEditPolicy, "@bot/list", func(ctx context.Context) error {
			attempts++
			if attempts <= n {
				return rateLimited()
			}
			return nil
		})
		assert.NoError(err, n)
		assert.Equal(Applied, out, n)
		assert.Equal(n+1, attempts, n)
		// one cooldown per rate limit, plus one after the success
		assert.Len(clk.sleeps, n+1, n)
		for _, d := range clk.sleeps {
			assert.Equal(20*time.Second, d)
		}
	}
}

func TestRunBeyondCeiling(t *testing.T) {
	assert := assert.New(t)
	r, _ := testRunner()

	attempts := 0
	out, err := r.Run(context.Background(), NewResource("flag"), FlagPolicy, "@bob/hello", func(ctx context.Context) error {
		attempts++
		return rateLimited()
	})
	assert.Equal(GaveUp, out)
	assert.Error(err)
	assert.Equal(ledger.KindRateLimited, ledger.KindOf(err))
	assert.Equal(FlagPolicy.MaxRetries+1, attempts)
}

func TestRunUnknownRetriesImmediately(t *testing.T) {
	assert := assert.New(t)
	r, clk := testRunner()

	attempts := 0
	out, err := r.Run(context.Background(), NewResource("reply"), ReplyPolicy, "@bob/hello", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	assert.NoError(err)
	assert.Equal(Applied, out)
	assert.Equal(3, attempts)
	// only the post-success cooldown
	assert.Len(clk.sleeps, 1)
}

func TestRunMaxElapsed(t *testing.T) {
	assert := assert.New(t)
	r, _ := testRunner()

	pol := Policy{MaxRetries: 100, Cooldown: 10 * time.Minute, MaxElapsed: 30 * time.Minute}
	attempts := 0
	out, _ := r.Run(context.Background(), NewResource("reply"), pol, "@bob/hello", func(ctx context.Context) error {
		attempts++
		return rateLimited()
	})
	assert.Equal(GaveUp, out)
	// 10m, 20m, 30m are within the cap; the fourth cooldown crosses it
	assert.Equal(4, attempts)
}

func TestRunCancelled(t *testing.T) {
	assert := assert.New(t)
	r, _ := testRunner()

	res := NewResource("reply")
	ctx, cancel := context.WithCancel(context.Background())
	assert.NoError(res.Acquire(ctx))
	cancel()

	out, err := r.Run(ctx, res, ReplyPolicy, "@bob/hello", func(ctx context.Context) error {
		t.Fatal("should not run")
		return nil
	})
	assert.Equal(Cancelled, out)
	assert.ErrorIs(err, context.Canceled)
}

func TestResourceSerializes(t *testing.T) {
	assert := assert.New(t)
	r, _ := testRunner()

	res := NewResource("report-edit")
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Run(context.Background(), res, ReportEditPolicy, "@bot/list", func(ctx context.Context) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(err)
		}()
	}
	wg.Wait()
	assert.Equal(int32(1), maxInside.Load())
}

func TestResourceAcquireAbandoned(t *testing.T) {
	assert := assert.New(t)

	res := NewResource("report-edit")
	assert.NoError(res.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(res.Acquire(ctx), context.DeadlineExceeded)

	// a waiter that gave up does not take the resource later
	res.Release()
	assert.NoError(res.Acquire(context.Background()))
	res.Release()
}

func TestRunTransientWaitsOutsideResource(t *testing.T) {
	assert := assert.New(t)
	r, clk := testRunner()

	res := NewResource("report-edit")
	attempts := 0
	var heldDuringWait []bool
	r.Sleep = func(ctx context.Context, d time.Duration) error {
		free := res.sem.TryAcquire(1)
		if free {
			res.Release()
		}
		heldDuringWait = append(heldDuringWait, !free)
		return clk.Sleep(ctx, d)
	}

	out, err := r.Run(context.Background(), res, ReportEditPolicy, "@bot/list", func(ctx context.Context) error {
		attempts++
		if attempts <= 2 {
			return &ledger.Error{Kind: ledger.KindTransient, Message: "post not yet visible"}
		}
		return nil
	})
	assert.NoError(err)
	assert.Equal(Applied, out)
	assert.Equal(3, attempts)
	assert.Equal([]time.Duration{
		ReportEditPolicy.TransientDelay,
		ReportEditPolicy.TransientDelay,
		ReportEditPolicy.Cooldown,
	}, clk.sleeps)
	// transient waits release the resource, the cooldown keeps it
	assert.Equal([]bool{false, false, true}, heldDuringWait)
}

func TestRunTransientWaitCancelled(t *testing.T) {
	assert := assert.New(t)
	r, _ := testRunner()

	ctx, cancel := context.WithCancel(context.Background())
	r.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	attempts := 0
	out, err := r.Run(ctx, NewResource("reply"), ReplyPolicy, "@bob/hello", func(ctx context.Context) error {
		attempts++
		return &ledger.Error{Kind: ledger.KindTransient, Message: "node down"}
	})
	assert.Equal(Cancelled, out)
	assert.ErrorIs(err, context.Canceled)
	assert.Equal(1, attempts)
}
