// Counters bucketed by UTC day, and all-time totals.
//
// The monitor uses day buckets for incident de-duplication, for the daily
// offender tally, and for the flagging circuit breaker. Day counts roll over
// at midnight UTC. Totals hold each voter's incident count.
package countstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	PeriodTotal = "total"
	PeriodDay   = "day"
)

// dayBucketTTL keeps yesterday's redis day buckets readable across midnight.
const dayBucketTTL = 48 * time.Hour

type CountStore interface {
	GetCount(ctx context.Context, name, val, period string) (int, error)
	// Increment bumps the bucket for period and returns the updated count.
	// Concurrent callers observe distinct return values, which makes it
	// usable as a claim.
	Increment(ctx context.Context, name, val, period string) (int, error)
	GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error)
	IncrementDistinct(ctx context.Context, name, bucket, val, period string) error
}

func periodBucket(name, val, period string, now time.Time) string {
	now = now.UTC()
	switch period {
	case PeriodTotal:
		return fmt.Sprintf("%s/%s", name, val)
	case PeriodDay:
		return fmt.Sprintf("%s/%s/%s", name, val, now.Format(time.DateOnly))
	default:
		slog.Warn("unhandled counter period", "period", period)
		return fmt.Sprintf("%s/%s", name, val)
	}
}
