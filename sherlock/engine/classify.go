package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sherlock-bot/sherlock/ledger"
	"github.com/sherlock-bot/sherlock/sherlock/setstore"

	"github.com/shopspring/decimal"
)

// Window is an open interval of hours before payout.
type Window struct {
	Low  float64
	High float64
}

// ParseWindow parses "low-high", eg "1-3" or "0.5-12".
func ParseWindow(s string) (Window, error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Window{}, fmt.Errorf("timeframe %q is not of the form low-high", s)
	}
	low, err := strconv.ParseFloat(strings.TrimSpace(lo), 64)
	if err != nil {
		return Window{}, fmt.Errorf("timeframe %q: %w", s, err)
	}
	high, err := strconv.ParseFloat(strings.TrimSpace(hi), 64)
	if err != nil {
		return Window{}, fmt.Errorf("timeframe %q: %w", s, err)
	}
	if low > high {
		return Window{}, fmt.Errorf("timeframe %q: low bound above high bound", s)
	}
	return Window{Low: low, High: high}, nil
}

func (w Window) Contains(hours float64) bool {
	return w.Low < hours && hours < w.High
}

func (w Window) String() string {
	return strconv.FormatFloat(w.Low, 'f', -1, 64) + "-" + strconv.FormatFloat(w.High, 'f', -1, 64)
}

// HoursToCashout is negative for votes cast after payout.
func HoursToCashout(post *ledger.Post, voteTime time.Time) float64 {
	return post.CashoutTime.Sub(voteTime).Hours()
}

// EffectiveWindow is the suspicious window for posts by suspicious users,
// when one is configured, otherwise the default window.
func (eng *Engine) EffectiveWindow(ctx context.Context, post *ledger.Post) (Window, error) {
	if eng.Config.SuspiciousWindow == nil {
		return eng.Config.Window, nil
	}
	suspicious, err := eng.Sets.InSet(ctx, setstore.SetSuspicious, post.Author)
	if err != nil {
		return Window{}, err
	}
	if suspicious {
		return *eng.Config.SuspiciousWindow, nil
	}
	return eng.Config.Window, nil
}

func (eng *Engine) VoteAbused(ctx context.Context, post *ledger.Post, voteTime time.Time) (bool, error) {
	w, err := eng.EffectiveWindow(ctx, post)
	if err != nil {
		return false, err
	}
	return w.Contains(HoursToCashout(post, voteTime)), nil
}

// VoteValue prices voter's entry in the post's active votes. ok is false
// when the voter has no active vote on the post (eg, it was removed).
func (eng *Engine) VoteValue(ctx context.Context, voter string, post *ledger.Post) (decimal.Decimal, bool, error) {
	av, found := post.FindVote(voter)
	if !found {
		return decimal.Zero, false, nil
	}
	v, err := eng.Valuation.Payout(ctx, av.RShares)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("valuing vote of %s on %s: %w", voter, post.Identifier(), err)
	}
	return v, true, nil
}
