package respond

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sherlock-bot/sherlock/ledger"
	"github.com/sherlock-bot/sherlock/sherlock/action"
	"github.com/sherlock-bot/sherlock/sherlock/countstore"
	"github.com/sherlock-bot/sherlock/sherlock/engine"
	"github.com/sherlock-bot/sherlock/sherlock/report"
	"github.com/sherlock-bot/sherlock/sherlock/setstore"

	"github.com/flosch/pongo2/v6"
)

type Config struct {
	BotAccount  string
	FlagAccount string
	// vote weight for flags, in basis points; zero disables flagging
	FlagWeight int
	// only flag voters in the flag-targets set
	RestrictFlagTargets bool
	// flags allowed per UTC day; zero means no limit
	FlagDailyQuota int
}

type Coordinator struct {
	Logger    *slog.Logger
	Runner    *action.Runner
	Bot       ledger.Broadcaster
	Flagger   ledger.Broadcaster
	Registry  *report.Registry
	Templates *report.Templates
	Counters  countstore.CountStore
	Sets      setstore.SetStore
	// optional
	Notifier Notifier
	Config   Config

	// CreateLock covers every root post of the bot account, which the
	// platform throttles separately from comments.
	CreateLock *action.Resource
	ReportLock *action.Resource
	ReplyLock  *action.Resource
	FlagLock   *action.Resource

	CreatePolicy action.Policy
	ReportPolicy action.Policy
	ReplyPolicy  action.Policy
	FlagPolicy   action.Policy

	// Now overrides the clock, for tests.
	Now func() time.Time

	wg sync.WaitGroup
}

var _ engine.IncidentHandler = (*Coordinator)(nil)

func NewCoordinator(logger *slog.Logger, reg *report.Registry, tpl *report.Templates, bot, flagger ledger.Broadcaster, counters countstore.CountStore, sets setstore.SetStore, cfg Config) *Coordinator {
	return &Coordinator{
		Logger:       logger,
		Runner:       action.NewRunner(logger),
		Bot:          bot,
		Flagger:      flagger,
		Registry:     reg,
		Templates:    tpl,
		Counters:     counters,
		Sets:         sets,
		Config:       cfg,
		CreateLock:   action.NewResource("post-create"),
		ReportLock:   action.NewResource("report-edit"),
		ReplyLock:    action.NewResource("reply"),
		FlagLock:     action.NewResource("flag"),
		CreatePolicy: action.PostCreatePolicy,
		ReportPolicy: action.ReportEditPolicy,
		ReplyPolicy:  action.ReplyPolicy,
		FlagPolicy:   action.FlagPolicy,
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) spawn(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Wait blocks until every response started so far has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// HandleIncident starts the response to inc and returns immediately.
func (c *Coordinator) HandleIncident(ctx context.Context, inc *engine.Incident) {
	c.spawn(func() {
		c.respond(ctx, inc)
	})
}

func (c *Coordinator) respond(ctx context.Context, inc *engine.Incident) {
	logger := c.Logger.With("kind", inc.Kind, "voter", inc.Voter, "post", inc.Post.Identifier())

	reportPost, err := c.EditReport(ctx, inc)
	if err != nil {
		logger.Error("failed to add incident to report", "err", err)
		return
	}

	if c.Notifier != nil {
		if err := c.Notifier.NotifyIncident(ctx, inc, reportPost.URL()); errors.Is(err, ErrNotifyLimited) {
			logger.Info("skipping incident notification", "err", err)
		} else if err != nil {
			logger.Warn("incident notification failed", "err", err)
		}
	}

	kind := ReportKind(inc.Kind)
	if c.Templates.HasReply(kind) {
		c.spawn(func() {
			if _, err := c.Reply(ctx, inc, reportPost); err != nil {
				logger.Error("failed to reply to post", "err", err)
			}
		})
	}
	if c.flagEnabled() {
		c.spawn(func() {
			if _, err := c.Flag(ctx, inc); err != nil {
				logger.Error("failed to flag vote", "err", err)
			}
		})
	}
}

// ReportKind maps an incident to the designated post it is listed in.
func ReportKind(kind engine.IncidentKind) report.Kind {
	if kind == engine.IncidentSelfVote {
		return report.KindSelfVote
	}
	return report.KindMain
}

func description(permlink string) string {
	if len(permlink) > 16 {
		return permlink[:16]
	}
	return permlink
}

// IncidentContext is the template context for rows and replies.
func IncidentContext(inc *engine.Incident) pongo2.Context {
	return pongo2.Context{
		"kind":           string(inc.Kind),
		"username":       inc.Voter,
		"voter":          inc.Voter,
		"author":         inc.Post.Author,
		"permlink":       inc.Post.Permlink,
		"description":    description(inc.Post.Permlink),
		"url":            inc.Post.URL(),
		"amount":         inc.Value.StringFixed(4),
		"time_remaining": fmt.Sprintf("%.2f", math.Round(inc.HoursToCashout*100)/100),
		"timeframe":      inc.Window.String(),
		"block":          inc.Height,
		"vote_time":      inc.VoteTime.UTC().Format(time.RFC3339),
		"offenses":       inc.Offenses,
	}
}

// errReportExists stops the create step without a cooldown when the
// designated post is already on the ledger.
var errReportExists = &ledger.Error{Kind: ledger.KindDuplicate, Message: "designated post exists"}

// ensureReport creates the designated post for key under CreateLock, unless
// this process already created or saw it.
func (c *Coordinator) ensureReport(ctx context.Context, key report.Key) error {
	if c.Registry.Known(key) {
		return nil
	}
	out, err := c.Runner.Run(ctx, c.CreateLock, c.CreatePolicy, key.Permlink(), func(ctx context.Context) error {
		if c.Registry.Known(key) {
			return errReportExists
		}
		_, created, err := c.Registry.GetOrCreate(ctx, key)
		if err == nil && !created {
			return errReportExists
		}
		return err
	})
	responseCount.WithLabelValues("create", out.String()).Inc()
	return err
}

// EditReport appends a row for inc to today's designated post, creating the
// post if needed. The read of the current body and the edit happen under
// ReportLock, so concurrent incidents never lose each other's rows.
func (c *Coordinator) EditReport(ctx context.Context, inc *engine.Incident) (*ledger.Post, error) {
	key := report.NewKey(ReportKind(inc.Kind), c.now())
	row, err := c.Templates.RenderRow(IncidentContext(inc))
	if err != nil {
		return nil, err
	}
	if err := c.ensureReport(ctx, key); err != nil {
		return nil, err
	}

	var current *ledger.Post
	out, err := c.Runner.Run(ctx, c.ReportLock, c.ReportPolicy, inc.Post.Identifier(), func(ctx context.Context) error {
		post, _, err := c.Registry.GetOrCreate(ctx, key)
		if err != nil {
			return err
		}
		current = post
		return ledger.EditPost(ctx, c.Bot, post, post.Body+row)
	})
	responseCount.WithLabelValues("report", out.String()).Inc()
	if err != nil {
		return nil, err
	}
	return current, nil
}

// Reply comments on the offending post from the bot account.
func (c *Coordinator) Reply(ctx context.Context, inc *engine.Incident, reportPost *ledger.Post) (action.Outcome, error) {
	data := IncidentContext(inc)
	data["report_url"] = reportPost.URL()
	body, err := c.Templates.RenderReply(ReportKind(inc.Kind), data)
	if err != nil {
		return action.GaveUp, err
	}
	// fixed per incident, so a retried reply after a lost response is a duplicate
	now := c.now()
	out, err := c.Runner.Run(ctx, c.ReplyLock, c.ReplyPolicy, inc.Post.Identifier(), func(ctx context.Context) error {
		return ledger.Reply(ctx, c.Bot, inc.Post, c.Config.BotAccount, body, now)
	})
	responseCount.WithLabelValues("reply", out.String()).Inc()
	return out, err
}

func (c *Coordinator) flagEnabled() bool {
	return c.Flagger != nil && c.Config.FlagWeight != 0 && c.Config.FlagAccount != ""
}

// Flag down-votes the offending post from the flag account, subject to the
// flag target set and the daily quota. A skipped flag is GaveUp with a nil
// error.
func (c *Coordinator) Flag(ctx context.Context, inc *engine.Incident) (action.Outcome, error) {
	logger := c.Logger.With("voter", inc.Voter, "post", inc.Post.Identifier())
	if c.Config.RestrictFlagTargets {
		ok, err := c.Sets.InSet(ctx, setstore.SetFlagTargets, inc.Voter)
		if err != nil {
			return action.GaveUp, err
		}
		if !ok {
			logger.Debug("voter is not a flag target")
			return action.GaveUp, nil
		}
	}
	if quota := c.Config.FlagDailyQuota; quota > 0 {
		used, err := c.Counters.GetCount(ctx, "flag-quota", c.Config.FlagAccount, countstore.PeriodDay)
		if err != nil {
			return action.GaveUp, err
		}
		if used >= quota {
			logger.Debug("daily flag quota already used", "quota", quota)
			flagQuotaExhausted.Inc()
			return action.GaveUp, nil
		}
		// the increment is the claim; concurrent flags may pass the read above
		n, err := c.Counters.Increment(ctx, "flag-quota", c.Config.FlagAccount, countstore.PeriodDay)
		if err != nil {
			return action.GaveUp, err
		}
		if n > quota {
			logger.Warn("CIRCUIT BREAKER: daily flag quota exhausted", "quota", quota)
			flagQuotaExhausted.Inc()
			return action.GaveUp, nil
		}
	}
	out, err := c.Runner.Run(ctx, c.FlagLock, c.FlagPolicy, inc.Post.Identifier(), func(ctx context.Context) error {
		return ledger.Vote(ctx, c.Flagger, c.Config.FlagAccount, inc.Post.Author, inc.Post.Permlink, c.Config.FlagWeight)
	})
	responseCount.WithLabelValues("flag", out.String()).Inc()
	return out, err
}
