// Prices votes in currency units from the ledger-wide reward pool.
//
// A vote's payout share is its rshares times the fund value of one rshare,
// converted to the debt asset with the median price feed:
//
//	payout = rshares * reward_balance / recent_claims * base_price
package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/sherlock-bot/sherlock/ledger"
	"github.com/sherlock-bot/sherlock/sherlock/cachestore"

	"github.com/shopspring/decimal"
)

const (
	DefaultTTL = 300 * time.Second

	// decimal places kept in a payout
	payoutPlaces = 12

	cacheName = "valuation"
	cacheKey  = "reward-state"
	fundName  = "post"
)

var ErrZeroClaims = errors.New("reward fund has zero recent claims")

// Source is the subset of the ledger reader needed to price votes.
type Source interface {
	MedianPrice(ctx context.Context) (*ledger.Price, error)
	RewardFund(ctx context.Context, name string) (*ledger.RewardFund, error)
}

// RewardState is a snapshot of the inputs to the payout formula.
type RewardState struct {
	BasePrice     decimal.Decimal `json:"base_price"`
	RewardBalance decimal.Decimal `json:"reward_balance"`
	RecentClaims  decimal.Decimal `json:"recent_claims"`
	FetchedAt     time.Time       `json:"fetched_at"`
}

// Cache memoizes a single RewardState for TTL. Concurrent misses may both
// refetch; the last write wins.
type Cache struct {
	Source Source
	Store  cachestore.CacheStore
	TTL    time.Duration
	Logger *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewCache(src Source, store cachestore.CacheStore, logger *slog.Logger) *Cache {
	return &Cache{
		Source: src,
		Store:  store,
		TTL:    DefaultTTL,
		Logger: logger,
	}
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// State returns the cached reward state, refetching once it is older than TTL.
// Fetch failures are returned; stale state is never substituted.
func (c *Cache) State(ctx context.Context) (*RewardState, error) {
	now := c.now()
	cached, ok, err := cachestore.GetJSON[RewardState](ctx, c.Store, cacheName, cacheKey)
	if err != nil {
		// a broken cache backend shouldn't stop valuation
		c.Logger.Warn("reading cached reward state", "err", err)
	} else if ok && now.Sub(cached.FetchedAt) < c.TTL && !now.Before(cached.FetchedAt) {
		cacheHits.Inc()
		return cached, nil
	}

	cacheMisses.Inc()
	state, err := FetchState(ctx, c.Source)
	if err != nil {
		return nil, err
	}
	state.FetchedAt = now
	if err := cachestore.SetJSON(ctx, c.Store, cacheName, cacheKey, state); err != nil {
		c.Logger.Warn("caching reward state", "err", err)
	}
	c.Logger.Debug("refreshed reward state", "base_price", state.BasePrice, "reward_balance", state.RewardBalance, "recent_claims", state.RecentClaims)
	return state, nil
}

// Payout prices rshares using the cached state.
func (c *Cache) Payout(ctx context.Context, rshares any) (decimal.Decimal, error) {
	shares, err := ParseShares(rshares)
	if err != nil {
		return decimal.Zero, err
	}
	state, err := c.State(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetching reward state: %w", err)
	}
	return Payout(shares, state)
}

// FetchState reads the median price and the "post" reward fund.
func FetchState(ctx context.Context, src Source) (*RewardState, error) {
	price, err := src.MedianPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching median price: %w", err)
	}
	fund, err := src.RewardFund(ctx, fundName)
	if err != nil {
		return nil, fmt.Errorf("fetching reward fund: %w", err)
	}

	base, err := ledger.ParseAmount(price.Base)
	if err != nil {
		return nil, err
	}
	balance, err := ledger.ParseAmount(fund.RewardBalance)
	if err != nil {
		return nil, err
	}
	claims, err := ParseShares(fund.RecentClaims)
	if err != nil {
		return nil, fmt.Errorf("recent_claims: %w", err)
	}
	return &RewardState{
		BasePrice:     base.Value,
		RewardBalance: balance.Value,
		RecentClaims:  claims,
	}, nil
}

// Payout is the pure formula. The division happens last so small per-share
// values keep their precision.
func Payout(rshares decimal.Decimal, state *RewardState) (decimal.Decimal, error) {
	if state.RecentClaims.IsZero() {
		return decimal.Zero, ErrZeroClaims
	}
	return rshares.Mul(state.RewardBalance).Mul(state.BasePrice).DivRound(state.RecentClaims, payoutPlaces), nil
}

// ParseShares accepts rshares as an integer, a decimal integer string, or a
// json.Number.
func ParseShares(v any) (decimal.Decimal, error) {
	switch s := v.(type) {
	case int:
		return decimal.NewFromInt(int64(s)), nil
	case int64:
		return decimal.NewFromInt(s), nil
	case *big.Int:
		if s == nil {
			return decimal.Zero, fmt.Errorf("nil rshares")
		}
		return decimal.NewFromBigInt(s, 0), nil
	case decimal.Decimal:
		return s, nil
	case json.Number:
		return parseIntString(string(s))
	case ledger.Shares:
		return parseIntString(string(s))
	case string:
		return parseIntString(s)
	default:
		return decimal.Zero, fmt.Errorf("unsupported rshares type %T", v)
	}
}

func parseIntString(s string) (decimal.Decimal, error) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("malformed rshares %q", s)
	}
	return decimal.NewFromBigInt(b, 0), nil
}
