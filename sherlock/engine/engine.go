package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sherlock-bot/sherlock/ledger"
	"github.com/sherlock-bot/sherlock/sherlock/countstore"
	"github.com/sherlock-bot/sherlock/sherlock/setstore"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Valuer prices rshares in currency units.
type Valuer interface {
	Payout(ctx context.Context, rshares any) (decimal.Decimal, error)
}

type Config struct {
	Window Window
	// optional; applies to posts by members of the suspicious-users set
	SuspiciousWindow *Window
	MinimumVoteValue decimal.Decimal
	// self-vote detection is off unless this is set
	SelfVoteMinimum decimal.NullDecimal
}

// runtime for classifying votes and emitting incidents.
//
// Ledger, Valuation, Sets, Counters, and Incidents must all be set.
type Engine struct {
	Logger    *slog.Logger
	Ledger    ledger.Reader
	Valuation Valuer
	Sets      setstore.SetStore
	Counters  countstore.CountStore
	Incidents IncidentHandler
	Config    Config
}

// Verdict records how a single vote was classified.
type Verdict struct {
	Vote     ledger.VoteOp
	VoteTime time.Time
	Height   int64
	// non-empty when the vote was not fully evaluated
	Skipped string

	Post           *ledger.Post
	Window         Window
	HoursToCashout float64
	Abused         bool
	SelfVote       bool
	Valued         bool
	Value          decimal.Decimal

	Incidents []*Incident
}

const (
	blockAttempts = 3
)

var blockRetryDelay = time.Second

const (
	SkipWhitelisted = "whitelisted"
	SkipNoPost      = "post not found"
	SkipNoVote      = "no active vote"
	SkipInWindow    = "outside window"
)

// ProcessBlock classifies every vote in a block and dispatches new
// incidents. Errors for individual votes are logged and skipped.
func (eng *Engine) ProcessBlock(ctx context.Context, height int64) (err error) {
	ctx, span := otel.Tracer("engine").Start(ctx, "ProcessBlock")
	defer span.End()
	span.SetAttributes(attribute.Int64("height", height))

	// similar to an HTTP server, recover panics from a single block
	defer func() {
		if r := recover(); r != nil {
			eng.Logger.Error("block processing exception", "err", r, "height", height)
			blockErrorCount.Inc()
			err = fmt.Errorf("panic processing block %d: %v", height, r)
		}
	}()

	start := time.Now()
	defer func() {
		blockProcessDuration.Observe(time.Since(start).Seconds())
	}()

	var verdicts []*Verdict
	for attempt := 1; ; attempt++ {
		verdicts, err = eng.classifyBlock(ctx, height)
		if err == nil || attempt >= blockAttempts || ledger.KindOf(err) != ledger.KindTransient {
			break
		}
		eng.Logger.Warn("retrying block", "height", height, "attempt", attempt, "err", err)
		select {
		case <-time.After(time.Duration(attempt) * blockRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		blockErrorCount.Inc()
		return err
	}
	for _, v := range verdicts {
		for _, inc := range v.Incidents {
			eng.dispatch(ctx, inc)
		}
	}
	blockProcessCount.Inc()
	return nil
}

// InspectBlock classifies a block without dispatching anything.
func (eng *Engine) InspectBlock(ctx context.Context, height int64) ([]*Verdict, error) {
	return eng.classifyBlock(ctx, height)
}

func (eng *Engine) classifyBlock(ctx context.Context, height int64) ([]*Verdict, error) {
	logger := eng.Logger.With("height", height)

	ops, err := eng.Ledger.BlockOperations(ctx, height)
	if err != nil {
		return nil, fmt.Errorf("fetching operations of block %d: %w", height, err)
	}

	var votes []*ledger.VoteOp
	for _, op := range ops {
		if op.Op.Type != ledger.OpVote {
			continue
		}
		v, err := op.Op.Vote()
		if err != nil {
			logger.Warn("skipping malformed vote", "trx", op.TrxID, "err", err)
			continue
		}
		votes = append(votes, v)
	}
	logger.Debug("processing block", "ops", len(ops), "votes", len(votes))
	if len(votes) == 0 {
		return nil, nil
	}

	header, err := eng.Ledger.BlockHeader(ctx, height)
	if err != nil {
		return nil, fmt.Errorf("fetching header of block %d: %w", height, err)
	}
	voteTime := header.Timestamp.Time

	verdicts := make([]*Verdict, 0, len(votes))
	for _, v := range votes {
		voteCount.Inc()
		verdict, err := eng.EvaluateVote(ctx, v, voteTime, height)
		if err != nil {
			logger.Error("failed to evaluate vote", "voter", v.Voter, "author", v.Author, "permlink", v.Permlink, "err", err)
			continue
		}
		verdicts = append(verdicts, verdict)
	}
	return verdicts, nil
}

// EvaluateVote classifies one vote. A missing post is a skip, not an error.
func (eng *Engine) EvaluateVote(ctx context.Context, vote *ledger.VoteOp, voteTime time.Time, height int64) (*Verdict, error) {
	verdict := &Verdict{Vote: *vote, VoteTime: voteTime, Height: height}

	whitelisted, err := eng.Sets.InSet(ctx, setstore.SetWhitelist, vote.Voter)
	if err != nil {
		return nil, err
	}
	if whitelisted {
		verdict.Skipped = SkipWhitelisted
		return verdict, nil
	}

	post, err := eng.Ledger.GetPost(ctx, vote.Author, vote.Permlink)
	if errors.Is(err, ledger.ErrNotFound) {
		eng.Logger.Info("could not load post", "author", vote.Author, "permlink", vote.Permlink)
		verdict.Skipped = SkipNoPost
		return verdict, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching post: %w", err)
	}
	verdict.Post = post

	verdict.Window, err = eng.EffectiveWindow(ctx, post)
	if err != nil {
		return nil, err
	}
	verdict.HoursToCashout = HoursToCashout(post, voteTime)
	verdict.Abused = verdict.Window.Contains(verdict.HoursToCashout)
	verdict.SelfVote = eng.Config.SelfVoteMinimum.Valid && post.Author == vote.Voter
	if !verdict.Abused && !verdict.SelfVote {
		verdict.Skipped = SkipInWindow
		return verdict, nil
	}

	value, ok, err := eng.VoteValue(ctx, vote.Voter, post)
	if err != nil {
		return nil, err
	}
	if !ok {
		verdict.Skipped = SkipNoVote
		return verdict, nil
	}
	verdict.Valued = true
	verdict.Value = value

	newIncident := func(kind IncidentKind) *Incident {
		return &Incident{
			Kind:           kind,
			Voter:          vote.Voter,
			Post:           post,
			Value:          value,
			VoteTime:       voteTime,
			Height:         height,
			HoursToCashout: verdict.HoursToCashout,
			Window:         verdict.Window,
		}
	}
	if verdict.Abused && value.GreaterThanOrEqual(eng.Config.MinimumVoteValue) {
		verdict.Incidents = append(verdict.Incidents, newIncident(IncidentAbuse))
	}
	if verdict.SelfVote && value.GreaterThan(eng.Config.SelfVoteMinimum.Decimal) {
		verdict.Incidents = append(verdict.Incidents, newIncident(IncidentSelfVote))
	}
	return verdict, nil
}

// dispatch hands an incident off unless one with the same key was already
// dispatched today.
func (eng *Engine) dispatch(ctx context.Context, inc *Incident) {
	logger := eng.Logger.With("kind", inc.Kind, "voter", inc.Voter, "post", inc.Post.Identifier(), "height", inc.Height)
	n, err := eng.Counters.Increment(ctx, "incident", inc.DedupeKey(), countstore.PeriodDay)
	if err != nil {
		// better a duplicate report row than a missed incident
		logger.Warn("incident de-duplication unavailable", "err", err)
	} else if n > 1 {
		logger.Info("skipping repeated incident", "count", n)
		incidentRepeatCount.WithLabelValues(string(inc.Kind)).Inc()
		return
	}
	eng.recordOffender(ctx, inc)
	logger.Info("found an incident", "value", inc.Value.StringFixed(4), "hours_to_cashout", inc.HoursToCashout, "offenses", inc.Offenses)
	incidentCount.WithLabelValues(string(inc.Kind)).Inc()
	eng.Incidents.HandleIncident(ctx, inc)
}

// recordOffender tallies the voter's all-time incidents into inc.Offenses
// and updates today's distinct offender count for the incident kind.
// Counter failures are logged and otherwise ignored.
func (eng *Engine) recordOffender(ctx context.Context, inc *Incident) {
	n, err := eng.Counters.Increment(ctx, "offenses", inc.Voter, countstore.PeriodTotal)
	if err != nil {
		eng.Logger.Warn("offense tally unavailable", "voter", inc.Voter, "err", err)
	} else {
		inc.Offenses = n
	}

	kind := string(inc.Kind)
	if err := eng.Counters.IncrementDistinct(ctx, "offenders", kind, inc.Voter, countstore.PeriodDay); err != nil {
		eng.Logger.Warn("offender count unavailable", "kind", kind, "err", err)
		return
	}
	today, err := eng.Counters.GetCountDistinct(ctx, "offenders", kind, countstore.PeriodDay)
	if err != nil {
		eng.Logger.Warn("offender count unavailable", "kind", kind, "err", err)
		return
	}
	offendersToday.WithLabelValues(kind).Set(float64(today))
}
