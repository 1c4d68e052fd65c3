// Polls the ledger for newly irreversible blocks and hands each height, in
// order and exactly once, to a work queue.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

var cursorKey = "sherlock/cursor"

const (
	DefaultPollInterval     = 3 * time.Second
	DefaultImmediateRetries = 5
	DefaultUnhealthyAfter   = 20
	DefaultBackoffBase      = 250 * time.Millisecond
	DefaultBackoffMax       = 10 * time.Second
)

type HeightSource interface {
	IrreversibleHeight(ctx context.Context) (int64, error)
}

type WorkQueue interface {
	AddWork(ctx context.Context, height int64) error
}

type Consumer struct {
	Logger      *slog.Logger
	Ledger      HeightSource
	Queue       WorkQueue
	RedisClient *redis.Client

	// StartBlock, if positive, is the first height processed.
	StartBlock int64
	// Resume starts after the cursor persisted in redis, if there is one.
	Resume bool

	PollInterval     time.Duration
	ImmediateRetries int
	UnhealthyAfter   int
	BackoffBase      time.Duration
	BackoffMax       time.Duration

	// Sleep overrides waiting, for tests.
	Sleep func(ctx context.Context, d time.Duration) error

	// cursor is the most recent height submitted to the queue. Submission is
	// single-threaded, but the value is read concurrently (metrics, health,
	// persistence) so it must be accessed atomically.
	cursor   atomic.Int64
	failures atomic.Int64
	unready  atomic.Bool
}

func NewConsumer(logger *slog.Logger, src HeightSource, queue WorkQueue) *Consumer {
	return &Consumer{
		Logger:           logger,
		Ledger:           src,
		Queue:            queue,
		PollInterval:     DefaultPollInterval,
		ImmediateRetries: DefaultImmediateRetries,
		UnhealthyAfter:   DefaultUnhealthyAfter,
		BackoffBase:      DefaultBackoffBase,
		BackoffMax:       DefaultBackoffMax,
	}
}

func (c *Consumer) Cursor() int64 {
	return c.cursor.Load()
}

// Healthy is false once height polling has failed UnhealthyAfter times in a
// row, until the next success.
func (c *Consumer) Healthy() bool {
	return !c.unready.Load()
}

func (c *Consumer) setCursor(h int64) {
	c.cursor.Store(h)
	cursorGauge.Set(float64(h))
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
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

// Init chooses the starting cursor: the configured start block, then a
// persisted cursor (when resuming), then the current irreversible height.
func (c *Consumer) Init(ctx context.Context) error {
	if c.StartBlock > 0 {
		c.setCursor(c.StartBlock - 1)
		c.Logger.Info("starting from configured block", "start_block", c.StartBlock)
		return nil
	}
	if c.Resume {
		cur, err := c.ReadLastCursor(ctx)
		if err != nil {
			return err
		}
		if cur > 0 {
			c.setCursor(cur)
			return nil
		}
	}
	for {
		h, err := c.pollHeight(ctx)
		if err != nil {
			return err
		}
		if h > 0 {
			c.setCursor(h)
			c.Logger.Info("starting from current irreversible block", "height", h)
			return nil
		}
	}
}

// pollHeight returns 0 with no error after a failed attempt which should be
// retried. Only context cancellation is returned as an error.
func (c *Consumer) pollHeight(ctx context.Context) (int64, error) {
	h, err := c.Ledger.IrreversibleHeight(ctx)
	if err == nil {
		if c.failures.Swap(0) > 0 {
			c.Logger.Info("ledger height polling recovered")
		}
		c.unready.Store(false)
		healthyGauge.Set(1)
		return h, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	n := int(c.failures.Add(1))
	heightFailures.Inc()
	if n >= c.UnhealthyAfter {
		if !c.unready.Swap(true) {
			c.Logger.Error("ledger height polling is failing", "failures", n, "err", err)
		}
		healthyGauge.Set(0)
	} else {
		c.Logger.Warn("failed to read irreversible height", "failures", n, "err", err)
	}
	if n > c.ImmediateRetries {
		if err := c.sleep(ctx, c.backoff(n-c.ImmediateRetries)); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// backoff for the k-th delayed retry: base, 2*base, 4*base... capped.
func (c *Consumer) backoff(k int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < k && d < c.BackoffMax; i++ {
		d *= 2
	}
	if d > c.BackoffMax {
		d = c.BackoffMax
	}
	return d
}

// Run submits every height after the cursor up to the irreversible height,
// then polls for more, until ctx is cancelled. Init must be called first.
func (c *Consumer) Run(ctx context.Context) error {
	if c.Queue == nil {
		return fmt.Errorf("nil work queue")
	}
	c.Logger.Info("consuming ledger blocks", "cursor", c.Cursor())
	for {
		h, err := c.pollHeight(ctx)
		if err != nil {
			return c.stopped(err)
		}
		if h == 0 {
			continue
		}
		headGauge.Set(float64(h))
		for cur := c.Cursor(); cur < h; cur = c.Cursor() {
			if err := c.Queue.AddWork(ctx, cur+1); err != nil {
				return c.stopped(err)
			}
			c.setCursor(cur + 1)
		}
		if err := c.sleep(ctx, c.PollInterval); err != nil {
			return c.stopped(err)
		}
	}
}

func (c *Consumer) stopped(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.Logger.Info("block consumer stopped", "cursor", c.Cursor())
		return nil
	}
	return err
}

func (c *Consumer) ReadLastCursor(ctx context.Context) (int64, error) {
	// if redis isn't configured, just skip
	if c.RedisClient == nil {
		c.Logger.Info("redis not configured, skipping cursor read")
		return 0, nil
	}

	val, err := c.RedisClient.Get(ctx, cursorKey).Int64()
	if errors.Is(err, redis.Nil) {
		c.Logger.Info("no pre-existing cursor in redis")
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	c.Logger.Info("found prior block cursor in redis", "height", val)
	return val, nil
}

func (c *Consumer) PersistCursor(ctx context.Context) error {
	if c.RedisClient == nil {
		return nil
	}
	cur := c.Cursor()
	if cur <= 0 {
		return nil
	}
	return c.RedisClient.Set(ctx, cursorKey, cur, 14*24*time.Hour).Err()
}

// RunPersistCursor persists the cursor every 5 seconds, and once more on
// shutdown. The persisted value is the last submitted height, so work still
// queued at a crash is not replayed.
func (c *Consumer) RunPersistCursor(ctx context.Context) error {
	if c.RedisClient == nil {
		return nil
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Logger.Info("persisting final cursor", "height", c.Cursor())
			// ctx is already done; give the final write its own deadline
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.PersistCursor(fctx)
			cancel()
			if err != nil {
				c.Logger.Error("failed to persist cursor", "err", err, "height", c.Cursor())
			}
			return nil
		case <-ticker.C:
			if err := c.PersistCursor(ctx); err != nil {
				c.Logger.Error("failed to persist cursor", "err", err, "height", c.Cursor())
			}
		}
	}
}
