// Daily report of the flag account's down-votes over the last 24 hours,
// aggregated per author and published as the day's flag report post.
package flagreport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sherlock-bot/sherlock/ledger"
	"github.com/sherlock-bot/sherlock/sherlock/action"
	"github.com/sherlock-bot/sherlock/sherlock/engine"
	"github.com/sherlock-bot/sherlock/sherlock/report"

	"github.com/flosch/pongo2/v6"
	"github.com/shopspring/decimal"
)

const DefaultWindow = 24 * time.Hour

type FlagRecord struct {
	Author   string
	Posts    int
	Comments int
	// absolute value of the rewards removed by the flags
	Removed decimal.Decimal
}

type Summary struct {
	// sorted by Removed, largest first
	Records []*FlagRecord
	Total   decimal.Decimal
	Flags   int
	Since   time.Time
	Until   time.Time
}

type Job struct {
	Logger    *slog.Logger
	Ledger    ledger.Reader
	Valuation engine.Valuer
	Registry  *report.Registry
	Templates *report.Templates
	Runner    *action.Runner
	Lock      *action.Resource
	Policy    action.Policy
	// the flagging account whose history is reported
	Account  string
	Window   time.Duration
	PageSize int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewJob(logger *slog.Logger, reader ledger.Reader, val engine.Valuer, reg *report.Registry, tpl *report.Templates, account string) *Job {
	return &Job{
		Logger:    logger,
		Ledger:    reader,
		Valuation: val,
		Registry:  reg,
		Templates: tpl,
		Runner:    action.NewRunner(logger),
		Lock:      action.NewResource("post-create"),
		Policy:    action.PostCreatePolicy,
		Account:   account,
		Window:    DefaultWindow,
		PageSize:  ledger.DefaultHistoryPage,
	}
}

func (j *Job) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

// Collect walks the account history back to the start of the window.
func (j *Job) Collect(ctx context.Context) (*Summary, error) {
	until := j.now().UTC()
	since := until.Add(-j.Window)
	records := make(map[string]*FlagRecord)
	seen := make(map[string]bool)
	total := decimal.Zero
	flags := 0

	err := ledger.ReverseVoteHistory(ctx, j.Ledger, j.Account, j.PageSize, func(e ledger.HistoryEntry, vote *ledger.VoteOp) (bool, error) {
		if e.Timestamp.Before(since) {
			return false, nil
		}
		if vote.Voter != j.Account {
			return true, nil
		}
		// only the latest vote on a post counts
		id := vote.Author + "/" + vote.Permlink
		if seen[id] {
			return true, nil
		}
		seen[id] = true
		if vote.Weight >= 0 {
			return true, nil
		}

		post, err := j.Ledger.GetPost(ctx, vote.Author, vote.Permlink)
		if errors.Is(err, ledger.ErrNotFound) {
			j.Logger.Info("flagged post not found", "author", vote.Author, "permlink", vote.Permlink)
			return true, nil
		}
		if err != nil {
			return false, err
		}
		av, ok := post.FindVote(j.Account)
		if !ok {
			return true, nil
		}
		value, err := j.Valuation.Payout(ctx, av.RShares)
		if err != nil {
			return false, fmt.Errorf("valuing flag on %s: %w", post.Identifier(), err)
		}

		rec, ok := records[vote.Author]
		if !ok {
			rec = &FlagRecord{Author: vote.Author, Removed: decimal.Zero}
			records[vote.Author] = rec
		}
		if post.IsTopLevel() {
			rec.Posts++
		} else {
			rec.Comments++
		}
		rec.Removed = rec.Removed.Add(value.Abs())
		total = total.Add(value.Abs())
		flags++
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	out := &Summary{Total: total, Flags: flags, Since: since, Until: until}
	for _, rec := range records {
		out.Records = append(out.Records, rec)
	}
	sort.Slice(out.Records, func(a, b int) bool {
		ra, rb := out.Records[a], out.Records[b]
		if c := ra.Removed.Cmp(rb.Removed); c != 0 {
			return c > 0
		}
		return ra.Author < rb.Author
	})
	return out, nil
}

// Context is the template context for the flag report post.
func (s *Summary) Context(account string) pongo2.Context {
	rows := make([]map[string]string, 0, len(s.Records))
	for _, r := range s.Records {
		rows = append(rows, map[string]string{
			"Author":   r.Author,
			"Posts":    fmt.Sprint(r.Posts),
			"Comments": fmt.Sprint(r.Comments),
			"Removed":  r.Removed.StringFixed(3),
		})
	}
	return pongo2.Context{
		"account": account,
		"date":    s.Until.Format(time.DateOnly),
		"records": rows,
		"total":   s.Total.StringFixed(3),
		"flags":   s.Flags,
		"since":   s.Since.Format(time.RFC3339),
		"until":   s.Until.Format(time.RFC3339),
	}
}

// Run collects the summary and publishes it as today's flag report.
func (j *Job) Run(ctx context.Context) (*Summary, error) {
	summary, err := j.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collecting flags of %s: %w", j.Account, err)
	}
	j.Logger.Info("collected flag report", "account", j.Account, "flags", summary.Flags, "authors", len(summary.Records), "total", summary.Total.StringFixed(3))

	key := report.NewKey(report.KindFlag, summary.Until)
	data := summary.Context(j.Account)
	body, err := j.Templates.RenderPost(report.KindFlag, data)
	if err != nil {
		return nil, err
	}
	_, err = j.Runner.Run(ctx, j.Lock, j.Policy, key.Permlink(), func(ctx context.Context) error {
		return j.Registry.Publish(ctx, key, body, data)
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}
